package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
[agent]
name = "echo-agent"
version = "1.2.0"
description = "replies with its input"
capabilities = ["chat"]
entry_point = "main.py"

[llm]
provider = "ollama"
model = "llama3"
temperature = 0.2
max_tokens = 2048

[dependencies]
runtime_version_constraint = ">=3.10"
packages = ["requests", "pyyaml==6.0"]

[deployment]
auto_restart = true
max_restarts = 5
restart_delay = 2

[mcp_servers.files]
transport = "stdio"
command = "mcp-files"
args = ["--root", "/data"]

[mcp_servers.web]
transport = "http"
url = "http://localhost:9100/rpc"
`

func TestParseTOMLManifest(t *testing.T) {
	m, err := ParseManifest([]byte(sampleTOML), ".toml")
	require.NoError(t, err)

	assert.Equal(t, "echo-agent", m.Agent.Name)
	assert.Equal(t, "main.py", m.Agent.EntryPoint)
	assert.Equal(t, "llama3", m.LLM.Model)
	assert.Equal(t, 0.2, m.LLM.Temperature)
	assert.Equal(t, []string{"requests", "pyyaml==6.0"}, m.Dependencies.Packages)
	assert.True(t, m.Deployment.AutoRestart)
	assert.Equal(t, 5, m.Deployment.RestartCap())

	require.Len(t, m.MCPServers, 2)
	assert.Equal(t, "stdio", m.MCPServers["files"].Transport)
	assert.Equal(t, []string{"--root", "/data"}, m.MCPServers["files"].Args)
	assert.Equal(t, "http://localhost:9100/rpc", m.MCPServers["web"].URL)
}

func TestServerOrderFollowsDeclaration(t *testing.T) {
	m, err := ParseManifest([]byte(sampleTOML), ".toml")
	require.NoError(t, err)
	assert.Equal(t, []string{"files", "web"}, m.ServerOrder)
}

func TestParseJSONManifest(t *testing.T) {
	data := []byte(`{
		"agent": {"name": "json-agent", "version": "0.1.0"},
		"llm": {"provider": "openai", "model": "gpt-4o-mini"}
	}`)
	m, err := ParseManifest(data, ".json")
	require.NoError(t, err)
	assert.Equal(t, "json-agent", m.Agent.Name)
	assert.Equal(t, "openai", m.LLM.Provider)
}

func TestManifestEnvExpansion(t *testing.T) {
	t.Setenv("TEST_MCP_URL", "http://10.0.0.5:9000")

	data := []byte(`
[agent]
name = "env-agent"

[mcp_servers.api]
transport = "http"
url = "${TEST_MCP_URL}/rpc"

[mcp_servers.fallback]
transport = "http"
url = "${TEST_MISSING_URL:-http://localhost:1234}"
`)
	m, err := ParseManifest(data, ".toml")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:9000/rpc", m.MCPServers["api"].URL)
	assert.Equal(t, "http://localhost:1234", m.MCPServers["fallback"].URL)
}

func TestManifestMissingNameFails(t *testing.T) {
	_, err := ParseManifest([]byte("[agent]\nversion = \"1.0\"\n"), ".toml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent.name")
}

func TestManifestInvalidTransportFails(t *testing.T) {
	data := []byte(`
[agent]
name = "bad"

[mcp_servers.x]
transport = "carrier-pigeon"
`)
	_, err := ParseManifest(data, ".toml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
}

func TestManifestStdioRequiresCommand(t *testing.T) {
	data := []byte(`
[agent]
name = "bad"

[mcp_servers.x]
transport = "stdio"
`)
	_, err := ParseManifest(data, ".toml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires command")
}

func TestFindManifestPrefersTOML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestJSON), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestTOML), []byte(""), 0o644))

	path, err := FindManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ManifestTOML), path)
}

func TestFindManifestMissing(t *testing.T) {
	_, err := FindManifest(t.TempDir())
	assert.ErrorIs(t, err, ErrMissingManifest)
}

func TestRestartDefaults(t *testing.T) {
	var d DeploymentSection
	assert.Equal(t, DefaultMaxRestarts, d.RestartCap())
	assert.Positive(t, d.RestartDelayDuration())

	zero := 0
	d.MaxRestarts = &zero
	assert.Equal(t, 0, d.RestartCap())
}
