// Package project derives per-project identity from workspace roots:
// canonical paths, state-directory ids and display names.
package project

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CanonicalRoot resolves a workspace path to its canonical form: absolute,
// symlink-resolved, without a trailing separator. The result is the identity
// every per-project structure is keyed by.
func CanonicalRoot(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("workspace path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("workspace does not exist: %s", abs)
		}
		return "", fmt.Errorf("failed to resolve symlinks: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("failed to stat workspace: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace is not a directory: %s", resolved)
	}
	return filepath.Clean(resolved), nil
}

// ID returns a stable project id used for state-directory layout
// (bootstraps/<projectId>/...). Longer than SessionID so collisions across
// many cloned projects stay implausible.
func ID(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:12])
}

// Name returns a human-readable project name for notifications.
func Name(canonicalRoot string) string {
	base := filepath.Base(canonicalRoot)
	if base == "." || base == string(filepath.Separator) {
		return canonicalRoot
	}
	return base
}
