package tools

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethchange/taskrunner/pkg/config"
	"github.com/ethchange/taskrunner/pkg/errors"
	"github.com/ethchange/taskrunner/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTool(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	return path
}

func TestResolver_ExistingPath(t *testing.T) {
	dir := t.TempDir()
	gethPath := createTool(t, dir, "geth")

	for _, mode := range []config.ToolMode{config.ToolModeStrict, config.ToolModePermissive} {
		t.Run(string(mode), func(t *testing.T) {
			resolver := NewResolver(mode, logging.NewNullLogger())

			tool, err := resolver.Resolve("geth", gethPath)

			require.NoError(t, err)
			assert.Equal(t, "geth", tool.Name)
			assert.Equal(t, gethPath, tool.Path)
			assert.False(t, tool.Missing)

			path, err := tool.Require()
			require.NoError(t, err)
			assert.Equal(t, gethPath, path)
		})
	}
}

func TestResolver_MissingPath_Strict(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "geth")
	resolver := NewResolver(config.ToolModeStrict, logging.NewNullLogger())

	_, err := resolver.Resolve("geth", missing)

	require.Error(t, err)
	assert.True(t, errors.IsToolNotFoundError(err))
	path, ok := errors.ContextValue(err, "path")
	assert.True(t, ok)
	assert.Equal(t, missing, path)
}

func TestResolver_MissingPath_Permissive(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "ganache")
	resolver := NewResolver(config.ToolModePermissive, logging.NewNullLogger())

	tool, err := resolver.Resolve("ganache", missing)

	require.NoError(t, err)
	assert.True(t, tool.Missing)
	assert.Empty(t, tool.Path)

	_, err = tool.Require()
	require.Error(t, err)
	assert.True(t, errors.IsLaunchFailureError(err))
}

func TestResolver_EmptyInputs(t *testing.T) {
	resolver := NewResolver(config.ToolModeStrict, logging.NewNullLogger())

	_, err := resolver.Resolve("", "/bin/sh")
	assert.True(t, errors.IsValidationError(err))

	_, err = resolver.Resolve("geth", "")
	assert.True(t, errors.IsToolNotFoundError(err))
}

func TestResolver_ResolveAll(t *testing.T) {
	dir := t.TempDir()
	gethPath := createTool(t, dir, "geth")

	t.Run("optional tools never fail", func(t *testing.T) {
		resolver := NewResolver(config.ToolModeStrict, logging.NewNullLogger())
		toolset, err := resolver.ResolveAll(map[string]config.ToolSettings{
			"geth":    {Path: gethPath},
			"ganache": {Path: filepath.Join(dir, "ganache"), Optional: true},
		})

		require.NoError(t, err)
		assert.Equal(t, []string{"ganache"}, toolset.Missing())

		path, err := toolset.Path("geth")
		require.NoError(t, err)
		assert.Equal(t, gethPath, path)

		_, err = toolset.Path("ganache")
		assert.True(t, errors.IsLaunchFailureError(err))
	})

	t.Run("strict required tool fails", func(t *testing.T) {
		resolver := NewResolver(config.ToolModeStrict, logging.NewNullLogger())
		_, err := resolver.ResolveAll(map[string]config.ToolSettings{
			"geth":    {Path: gethPath},
			"influxd": {Path: filepath.Join(dir, "influxd")},
		})

		require.Error(t, err)
		assert.True(t, errors.IsToolNotFoundError(err))
		tool, _ := errors.ContextValue(err, "tool")
		assert.Equal(t, "influxd", tool)
	})

	t.Run("permissive mode tolerates everything", func(t *testing.T) {
		resolver := NewResolver(config.ToolModePermissive, logging.NewNullLogger())
		toolset, err := resolver.ResolveAll(map[string]config.ToolSettings{
			"influxd": {Path: filepath.Join(dir, "influxd")},
			"influx":  {Path: filepath.Join(dir, "influx")},
		})

		require.NoError(t, err)
		assert.Equal(t, []string{"influx", "influxd"}, toolset.Missing())
	})
}

func TestToolset_UndeclaredToolIsMissing(t *testing.T) {
	toolset := NewToolset(ResolvedTool{Name: "geth", Path: "/opt/geth"})

	assert.False(t, toolset.Get("geth").Missing)
	assert.True(t, toolset.Get("clef").Missing)

	_, err := toolset.Path("clef")
	assert.True(t, errors.IsLaunchFailureError(err))
}
