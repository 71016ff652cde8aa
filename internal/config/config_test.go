package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicitynetwork/unicity-orchestrator/internal/uerr"
)

func TestParseValidConfig(t *testing.T) {
	raw := []byte(`{
		"mcpServers": {
			"fs": {"command": "fs-server", "args": ["--stdio"], "autoApprove": ["read_file"]},
			"remote": {"url": "https://example.com/mcp", "headers": {"X-Token": "abc"}}
		}
	}`)
	cfg, err := Parse(raw, nil)
	require.NoError(t, err)
	require.Len(t, cfg.MCPServers, 2)

	fs := cfg.MCPServers["fs"]
	assert.True(t, fs.IsStdio())
	assert.True(t, fs.AutoApproves("read_file"))
	assert.False(t, fs.AutoApproves("write_file"))

	remote := cfg.MCPServers["remote"]
	assert.False(t, remote.IsStdio())
}

func TestParseRejectsAmbiguousTransport(t *testing.T) {
	both := []byte(`{"mcpServers":{"x":{"command":"a","url":"https://b"}}}`)
	_, err := Parse(both, nil)
	assert.Equal(t, uerr.TagConfigInvalid, uerr.TagOf(err))

	neither := []byte(`{"mcpServers":{"x":{"disabled":true}}}`)
	_, err = Parse(neither, nil)
	assert.Equal(t, uerr.TagConfigInvalid, uerr.TagOf(err))
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("UNICITY_TEST_TOKEN", "sekrit")

	raw := []byte(`{"mcpServers":{"gh":{
		"command": "gh-server",
		"env": {"TOKEN": "${UNICITY_TEST_TOKEN}", "MISSING": "${UNICITY_TEST_UNSET_VAR}"}
	}}}`)
	cfg, err := Parse(raw, nil)
	require.NoError(t, err)

	env := cfg.MCPServers["gh"].Env
	assert.Equal(t, "sekrit", env["TOKEN"])
	// Unset variables are left as-is.
	assert.Equal(t, "${UNICITY_TEST_UNSET_VAR}", env["MISSING"])
}

func TestRoundTrip(t *testing.T) {
	raw := []byte(`{
		"mcpServers": {
			"fs": {"command": "fs-server", "args": ["--stdio"], "disabled": true,
			       "autoApprove": ["read_file"], "disabledTools": ["rm"]}
		}
	}`)
	first, err := Parse(raw, nil)
	require.NoError(t, err)

	serialized, err := first.Serialize()
	require.NoError(t, err)
	second, err := Parse(serialized, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolveOrderAndAutoCreate(t *testing.T) {
	dir := t.TempDir()
	explicit := filepath.Join(dir, "explicit.json")
	require.NoError(t, os.WriteFile(explicit, []byte(`{"mcpServers":{}}`), 0o644))

	t.Setenv("MCP_CONFIG", explicit)
	path, created, err := Resolve()
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, explicit, path)

	// Without MCP_CONFIG, XDG_CONFIG_HOME/mcp/mcp.json wins if present.
	t.Setenv("MCP_CONFIG", "")
	os.Unsetenv("MCP_CONFIG")
	xdg := filepath.Join(dir, "xdg")
	require.NoError(t, os.MkdirAll(filepath.Join(xdg, "mcp"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(xdg, "mcp", "mcp.json"), []byte(`{"mcpServers":{}}`), 0o644))
	t.Setenv("XDG_CONFIG_HOME", xdg)

	path, created, err = Resolve()
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, filepath.Join(xdg, "mcp", "mcp.json"), path)

	// With neither set and no ./mcp.json, the file is auto-created.
	os.Unsetenv("XDG_CONFIG_HOME")
	work := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(work, 0o755))
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(work))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	path, created, err = Resolve()
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "mcp.json", path)

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.MCPServers)
}
