package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestNewConfigLoadsBase(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "base.yaml", "derived:\n  root: /out\n")
	t.Setenv("PREPROC_PROXY_CONFIG_DIR", dir)

	provider, err := NewConfig()
	require.NoError(t, err)

	var root string
	require.NoError(t, provider.Get("derived.root").Populate(&root))
	assert.Equal(t, "/out", root)
}

func TestNewConfigLocalOverridesBase(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "base.yaml", "derived:\n  root: /out\n  watch: true\n")
	writeConfigFile(t, dir, "local.yaml", "derived:\n  root: /scratch\n")
	t.Setenv("PREPROC_PROXY_CONFIG_DIR", dir)

	provider, err := NewConfig()
	require.NoError(t, err)

	var root string
	require.NoError(t, provider.Get("derived.root").Populate(&root))
	assert.Equal(t, "/scratch", root)

	var watch bool
	require.NoError(t, provider.Get("derived.watch").Populate(&watch))
	assert.True(t, watch)
}

func TestNewConfigExpandsEnvironment(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "base.yaml", "derived:\n  root: ${TEST_PREPROC_OUT:/fallback}\n")
	t.Setenv("PREPROC_PROXY_CONFIG_DIR", dir)
	t.Setenv("TEST_PREPROC_OUT", "/expanded")

	provider, err := NewConfig()
	require.NoError(t, err)

	var root string
	require.NoError(t, provider.Get("derived.root").Populate(&root))
	assert.Equal(t, "/expanded", root)
}

func TestNewConfigFailsWithoutFiles(t *testing.T) {
	t.Setenv("PREPROC_PROXY_CONFIG_DIR", t.TempDir())
	_, err := NewConfig()
	assert.Error(t, err)
}
