package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adsrv/adsrv/internal/verify"
)

// recipeFileName is the per-repo override checked before marker detection.
const recipeFileName = ".ads-recipe.yaml"

// dependencyMarkers are the files whose change triggers a re-install inside
// the loop.
var dependencyMarkers = map[string]bool{
	"package.json":      true,
	"package-lock.json": true,
	"pnpm-lock.yaml":    true,
	"yarn.lock":         true,
	"pyproject.toml":    true,
	"poetry.lock":       true,
	"uv.lock":           true,
	"requirements.txt":  true,
}

// RecipeStep is one command inside a recipe section.
type RecipeStep struct {
	Name              string   `yaml:"name"`
	Cmd               string   `yaml:"cmd"`
	Args              []string `yaml:"args"`
	TimeoutSec        int      `yaml:"timeout_sec"`
	DependsOnPrevious bool     `yaml:"depends_on_previous"`
}

// Recipe describes how a worktree is installed, linted and tested.
type Recipe struct {
	Name    string       `yaml:"name"`
	Install []RecipeStep `yaml:"install"`
	Lint    []RecipeStep `yaml:"lint"`
	Test    []RecipeStep `yaml:"test"`
}

// Steps converts one recipe section to verification steps.
func Steps(steps []RecipeStep) []verify.Step {
	out := make([]verify.Step, 0, len(steps))
	for _, s := range steps {
		vs := verify.Step{
			Name:              s.Name,
			Cmd:               s.Cmd,
			Args:              s.Args,
			DependsOnPrevious: s.DependsOnPrevious,
		}
		if s.TimeoutSec > 0 {
			vs.Timeout = time.Duration(s.TimeoutSec) * time.Second
		}
		out = append(out, vs)
	}
	return out
}

// ResolveRecipe picks the recipe for a worktree: an explicit recipe wins,
// then a checked-in recipe file, then marker-file detection.
func ResolveRecipe(dir string, explicit *Recipe) (*Recipe, error) {
	if explicit != nil {
		return explicit, nil
	}

	if data, err := os.ReadFile(filepath.Join(dir, recipeFileName)); err == nil {
		var r Recipe
		if err := yaml.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", recipeFileName, err)
		}
		if r.Name == "" {
			r.Name = "custom"
		}
		return &r, nil
	}

	return detectRecipe(dir), nil
}

// detectRecipe inspects marker files to choose a stock recipe.
func detectRecipe(dir string) *Recipe {
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(dir, name))
		return err == nil
	}

	switch {
	case exists("package.json"):
		install := []RecipeStep{{Name: "install", Cmd: "npm", Args: []string{"install"}}}
		if exists("pnpm-lock.yaml") {
			install = []RecipeStep{{Name: "install", Cmd: "pnpm", Args: []string{"install"}}}
		} else if exists("yarn.lock") {
			install = []RecipeStep{{Name: "install", Cmd: "yarn", Args: []string{"install"}}}
		} else if exists("package-lock.json") {
			install = []RecipeStep{{Name: "install", Cmd: "npm", Args: []string{"ci"}}}
		}
		return &Recipe{
			Name:    "node",
			Install: install,
			Lint:    []RecipeStep{{Name: "lint", Cmd: "npm", Args: []string{"run", "lint", "--if-present"}}},
			Test:    []RecipeStep{{Name: "test", Cmd: "npm", Args: []string{"test", "--if-present"}}},
		}

	case exists("pyproject.toml") || exists("requirements.txt"):
		install := []RecipeStep{{Name: "install", Cmd: "pip", Args: []string{"install", "-e", "."}}}
		if exists("uv.lock") {
			install = []RecipeStep{{Name: "install", Cmd: "uv", Args: []string{"sync"}}}
		} else if exists("poetry.lock") {
			install = []RecipeStep{{Name: "install", Cmd: "poetry", Args: []string{"install"}}}
		} else if exists("requirements.txt") {
			install = []RecipeStep{{Name: "install", Cmd: "pip", Args: []string{"install", "-r", "requirements.txt"}}}
		}
		return &Recipe{
			Name:    "python",
			Install: install,
			Lint:    []RecipeStep{{Name: "lint", Cmd: "ruff", Args: []string{"check", "."}}},
			Test:    []RecipeStep{{Name: "test", Cmd: "pytest", Args: []string{"-q"}}},
		}

	case exists("go.mod"):
		return &Recipe{
			Name: "go",
			Lint: []RecipeStep{{Name: "vet", Cmd: "go", Args: []string{"vet", "./..."}}},
			Test: []RecipeStep{{Name: "test", Cmd: "go", Args: []string{"test", "./..."}}},
		}
	}

	return &Recipe{Name: "generic"}
}

// touchesDependencies reports whether any changed path is a dependency
// manifest or lockfile.
func touchesDependencies(changedFiles []string) bool {
	for _, f := range changedFiles {
		if dependencyMarkers[filepath.Base(f)] {
			return true
		}
	}
	return false
}
