// Package setup handles deepagent project initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/harleycoops/deepagent/internal/model"
	"github.com/harleycoops/deepagent/templates"
)

// DirName is the per-project state directory.
const DirName = ".deepagent"

// Run initializes the .deepagent/ directory structure in the given project
// directory. projectName overrides the auto-detected name (defaults to the
// directory basename if empty).
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, DirName)

	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	dirs := []string{
		"logs",
		"locks",
		"quarantine",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := copyTemplateFile("deepagent.md", filepath.Join(base, "deepagent.md")); err != nil {
		return err
	}

	cfg, err := generateConfig(absDir, projectName)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := writeConfig(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	// Pre-create the server lock so a first status call has something to
	// probe.
	if err := os.WriteFile(filepath.Join(base, "locks", "server.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create server.lock: %w", err)
	}

	return nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func generateConfig(projectDir, projectName string) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(projectDir)
	}

	return &cfg, nil
}

// writeConfig atomically replaces path with the marshaled config: temp
// file in the same directory, fsync, YAML re-read validation, rename.
// store.WriteRaw validates JSON and cannot carry YAML documents.
func writeConfig(path string, cfg *model.Config) error {
	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".deepagent-tmp-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	written, err := os.ReadFile(tmpName)
	if err != nil {
		return fmt.Errorf("read temp file for validation: %w", err)
	}
	var probe model.Config
	if err := yamlv3.Unmarshal(written, &probe); err != nil {
		return fmt.Errorf("yaml validation failed: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// LoadConfig reads and parses config.yaml under baseDir, backfilling
// defaults for anything unset.
func LoadConfig(baseDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, "config.yaml"))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	return cfg.ApplyDefaults(), nil
}

// FindBaseDir walks up from startDir looking for a .deepagent directory.
func FindBaseDir(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolve start dir: %w", err)
	}
	for {
		candidate := filepath.Join(dir, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no %s directory found from %s upward (run: deepagent setup)", DirName, startDir)
		}
		dir = parent
	}
}
