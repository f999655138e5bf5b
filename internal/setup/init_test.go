package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/harleycoops/deepagent/internal/model"
)

func TestRunCreatesDirectoryStructure(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	require.NoError(t, os.Mkdir(projectDir, 0755))

	require.NoError(t, Run(projectDir, ""))

	base := filepath.Join(projectDir, DirName)
	for _, d := range []string{"logs", "locks", "quarantine"} {
		info, err := os.Stat(filepath.Join(base, d))
		require.NoError(t, err, "directory %s", d)
		assert.True(t, info.IsDir())
	}

	for _, f := range []string{"config.yaml", "deepagent.md"} {
		_, err := os.Stat(filepath.Join(base, f))
		assert.NoError(t, err, "file %s", f)
	}
}

func TestRunDefaultsProjectNameToDirBasename(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "acme-tools")
	require.NoError(t, os.Mkdir(projectDir, 0755))
	require.NoError(t, Run(projectDir, ""))

	cfg, err := LoadConfig(filepath.Join(projectDir, DirName))
	require.NoError(t, err)
	assert.Equal(t, "acme-tools", cfg.Project.Name)
}

func TestRunHonorsExplicitProjectName(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Run(dir, "custom-name"))

	cfg, err := LoadConfig(filepath.Join(dir, DirName))
	require.NoError(t, err)
	assert.Equal(t, "custom-name", cfg.Project.Name)
}

func TestRunWritesParseableYAMLConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Run(dir, "yaml-check"))

	data, err := os.ReadFile(filepath.Join(dir, DirName, "config.yaml"))
	require.NoError(t, err)

	var cfg model.Config
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, "yaml-check", cfg.Project.Name)
	assert.Equal(t, 25, cfg.Agent.MaxIterations)
}

func TestRunRefusesExistingDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Run(dir, ""))
	err := Run(dir, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, DirName)
	require.NoError(t, os.MkdirAll(base, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "config.yaml"), []byte("project:\n  name: sparse\n"), 0644))

	cfg, err := LoadConfig(base)
	require.NoError(t, err)
	assert.Equal(t, "sparse", cfg.Project.Name)
	assert.Equal(t, 25, cfg.Agent.MaxIterations)
	assert.Equal(t, 3, cfg.Server.MaxRetries)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestFindBaseDirWalksUp(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Run(dir, ""))
	nested := filepath.Join(dir, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0755))

	found, err := FindBaseDir(nested)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, DirName), found)
}

func TestFindBaseDirMissing(t *testing.T) {
	dir := t.TempDir()
	_, err := FindBaseDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deepagent setup")
}
