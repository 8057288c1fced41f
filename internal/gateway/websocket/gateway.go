package websocket

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/adsrv/adsrv/internal/activity"
	"github.com/adsrv/adsrv/internal/bootstrap"
	"github.com/adsrv/adsrv/internal/common/config"
	"github.com/adsrv/adsrv/internal/common/logger"
	"github.com/adsrv/adsrv/internal/execution"
	"github.com/adsrv/adsrv/internal/locking"
	"github.com/adsrv/adsrv/internal/session"
)

// Bootstrapper runs one bootstrap cycle for a /bootstrap command.
type Bootstrapper interface {
	Run(ctx context.Context, spec bootstrap.RunSpec) (*bootstrap.LoopResult, error)
}

// Gateway wires the realtime layer: connection admission, per-workspace turn
// serialization, and the shared services every connection uses.
type Gateway struct {
	cfg          config.WebConfig
	explored     config.ExploredConfig
	hub          *Hub
	locks        *locking.Pool
	sessions     *session.Manager
	exec         *execution.Runner
	bootstrapper Bootstrapper
	logger       *logger.Logger
}

// GatewayConfig collects the gateway's dependencies.
type GatewayConfig struct {
	Web          config.WebConfig
	Explored     config.ExploredConfig
	Locks        *locking.Pool
	Sessions     *session.Manager
	Exec         *execution.Runner
	Bootstrapper Bootstrapper
}

// NewGateway creates the gateway.
func NewGateway(cfg GatewayConfig, log *logger.Logger) *Gateway {
	return &Gateway{
		cfg:          cfg.Web,
		explored:     cfg.Explored,
		hub:          NewHub(cfg.Web.MaxClients, log),
		locks:        cfg.Locks,
		sessions:     cfg.Sessions,
		exec:         cfg.Exec,
		bootstrapper: cfg.Bootstrapper,
		logger:       log.WithFields(zap.String("component", "ws-gateway")),
	}
}

// Hub exposes the broadcast surface for task event bridging.
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// Close disconnects every client.
func (g *Gateway) Close() {
	g.hub.CloseAll()
}

func (g *Gateway) newTracker() *activity.Tracker {
	return activity.NewTracker(activity.Options{
		Enabled:  g.explored.Enabled,
		MaxItems: g.explored.MaxItems,
		Dedupe:   activity.DedupeMode(g.explored.Dedupe),
	})
}

// validateAllowedDir resolves a path and checks it sits inside one of the
// configured allowed directories. An empty allow-list accepts any absolute
// path.
func (g *Gateway) validateAllowedDir(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	allowed := g.cfg.AllowedDirsList()
	if len(allowed) == 0 {
		return abs, nil
	}
	for _, dir := range allowed {
		dir = filepath.Clean(dir)
		if abs == dir || strings.HasPrefix(abs, dir+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", &PathNotAllowedError{Path: abs}
}

// PathNotAllowedError reports a path outside the allow-list.
type PathNotAllowedError struct {
	Path string
}

func (e *PathNotAllowedError) Error() string {
	return "path is outside the allowed directories: " + e.Path
}

// workspaceInitialized reports whether the directory looks like a prepared
// project tree.
func workspaceInitialized(dir string) bool {
	if dir == "" {
		return false
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return true
	}
	return false
}
