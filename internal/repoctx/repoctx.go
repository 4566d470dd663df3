// Package repoctx gathers a small, bounded view of the repository under test
// to give the model something concrete to infer endpoints from.
package repoctx

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Defaults
const (
	DefaultMaxFiles = 200
	DefaultMaxDepth = 4
)

var errLimitReached = errors.New("file limit reached")

// Config bounds the walk.
type Config struct {
	Root        string
	MaxFiles    int
	MaxDepth    int
	ExcludeDirs []string
	Extensions  []string // empty means every regular file
	Names       []string // always listed, whatever their extension
}

// DefaultConfig returns the walk bounds used by the pipeline.
func DefaultConfig(root string) Config {
	return Config{
		Root:     root,
		MaxFiles: DefaultMaxFiles,
		MaxDepth: DefaultMaxDepth,
		ExcludeDirs: []string{
			".git", "node_modules", "vendor", "dist", "build", "target",
			"__pycache__", ".venv", "venv", "coverage", "k6-results",
		},
		Extensions: []string{
			".go", ".js", ".ts", ".jsx", ".tsx", ".py", ".rb", ".java", ".kt",
			".php", ".cs", ".rs", ".json", ".yaml", ".yml", ".toml",
		},
		Names: markerNames(),
	}
}

func markerNames() []string {
	names := make([]string, 0, len(stackMarkers))
	for _, m := range stackMarkers {
		names = append(names, m.file)
	}
	return names
}

// Gather lists repository files relative to cfg.Root, sorted, stopping at
// cfg.MaxFiles. Hidden directories and cfg.ExcludeDirs are skipped.
// Unreadable entries are skipped rather than failing the walk.
func Gather(ctx context.Context, cfg Config) ([]string, error) {
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = DefaultMaxFiles
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	root := cfg.Root
	if root == "" {
		root = "."
	}

	excluded := make(map[string]struct{}, len(cfg.ExcludeDirs))
	for _, d := range cfg.ExcludeDirs {
		excluded[d] = struct{}{}
	}
	exts := make(map[string]struct{}, len(cfg.Extensions))
	for _, e := range cfg.Extensions {
		exts[strings.ToLower(e)] = struct{}{}
	}
	names := make(map[string]struct{}, len(cfg.Names))
	for _, n := range cfg.Names {
		names[n] = struct{}{}
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return err
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		depth := strings.Count(filepath.ToSlash(rel), "/") + 1

		if d.IsDir() {
			name := d.Name()
			if _, skip := excluded[name]; skip || strings.HasPrefix(name, ".") || depth >= cfg.MaxDepth {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if len(exts) > 0 {
			_, named := names[d.Name()]
			if _, ok := exts[strings.ToLower(filepath.Ext(path))]; !ok && !named {
				return nil
			}
		}

		files = append(files, filepath.ToSlash(rel))
		if len(files) >= cfg.MaxFiles {
			return errLimitReached
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimitReached) {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// stackMarkers maps a file at the repository root to the stack it implies.
// Order matters: the first match wins.
var stackMarkers = []struct {
	file  string
	stack string
}{
	{"package.json", "node"},
	{"go.mod", "go"},
	{"pyproject.toml", "python"},
	{"requirements.txt", "python"},
	{"Pipfile", "python"},
	{"pom.xml", "java"},
	{"build.gradle", "java"},
	{"build.gradle.kts", "java"},
	{"Gemfile", "ruby"},
	{"composer.json", "php"},
	{"Cargo.toml", "rust"},
}

// DetectStack guesses the stack from marker files at root. It returns ""
// when nothing is recognised.
func DetectStack(root string) string {
	if root == "" {
		root = "."
	}
	for _, m := range stackMarkers {
		if _, err := os.Stat(filepath.Join(root, m.file)); err == nil {
			return m.stack
		}
	}
	if matches, _ := filepath.Glob(filepath.Join(root, "*.csproj")); len(matches) > 0 {
		return "dotnet"
	}
	return ""
}
