package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	err := os.WriteFile(filepath.Join(dir, "loon.toml"), []byte(content), 0o644)
	require.NoError(t, err)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[engine]
collect-stats = true
verify-images = true

[diagnostics]
stats-db = "stats.db"
verbosity = 2

[metrics]
addr = "localhost:9091"
namespace = "loonprod"
`)

	c, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, true, c.Engine.CollectStats)
	assert.Equal(t, false, c.Engine.HydrateEager)
	assert.Equal(t, true, c.Engine.VerifyImages)
	assert.Equal(t, "stats.db", c.Diagnostics.StatsDB)
	assert.Equal(t, 2, c.Diagnostics.Verbosity)
	assert.Equal(t, "localhost:9091", c.Metrics.Addr)
	assert.Equal(t, "loonprod", c.Metrics.Namespace)
	assert.Equal(t, filepath.Join(dir, "stats.db"), c.StatsDBPath())
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "")

	c, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, false, c.Engine.CollectStats)
	assert.Equal(t, "loon", c.Metrics.Namespace)
	assert.Equal(t, "", c.Metrics.Addr)
	assert.Equal(t, "", c.StatsDBPath())
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.Error(t, err)
}

func TestLoadParseError(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[engine\ncollect-stats = yes")

	_, err := Load(dir)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "parse error")
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "[engine]\ncollect-stats = true\n")
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	c, err := FindAndLoad(nested)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, true, c.Engine.CollectStats)

	abs, err := filepath.EvalSymlinks(c.Dir)
	require.NoError(t, err)
	wantDir, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	assert.Equal(t, wantDir, abs)
}

func TestFindAndLoadAbsent(t *testing.T) {
	c, err := FindAndLoad(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestStatsDBPathAbsolute(t *testing.T) {
	c := &Config{Dir: "/work"}
	c.Diagnostics.StatsDB = "/var/lib/loon/stats.db"
	assert.Equal(t, "/var/lib/loon/stats.db", c.StatsDBPath())
}

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, "loon", c.Metrics.Namespace)
	assert.False(t, c.Engine.CollectStats)
	assert.Equal(t, "", c.StatsDBPath())
}
