package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pelletier/go-toml/v2"
)

// Manifest file names, in preference order.
const (
	ManifestTOML = "agent.toml"
	ManifestJSON = "agent.json"
)

// ErrMissingManifest is returned when a bundle carries neither agent.toml nor
// agent.json.
var ErrMissingManifest = fmt.Errorf("missing_manifest")

// Manifest is the declarative configuration inside an agent bundle.
type Manifest struct {
	Agent        AgentSection                `mapstructure:"agent"`
	LLM          LLMSection                  `mapstructure:"llm"`
	Dependencies DependenciesSection         `mapstructure:"dependencies"`
	Resources    ResourcesSection            `mapstructure:"resources"`
	Deployment   DeploymentSection           `mapstructure:"deployment"`
	MCPServers   map[string]MCPServerSection `mapstructure:"mcp_servers"`
	SubAgents    map[string]SubAgentSection  `mapstructure:"sub_agents"`

	// ServerOrder preserves the declaration order of mcp_servers; it decides
	// priority when two servers expose the same tool name.
	ServerOrder []string `mapstructure:"-"`
}

// AgentSection declares the agent's identity and skills.
type AgentSection struct {
	Name         string   `mapstructure:"name"`
	Version      string   `mapstructure:"version"`
	Description  string   `mapstructure:"description"`
	Capabilities []string `mapstructure:"capabilities"`
	EntryPoint   string   `mapstructure:"entry_point"`
}

// LLMSection configures the agent-local LLM transport.
type LLMSection struct {
	Provider       string  `mapstructure:"provider"`
	BaseURL        string  `mapstructure:"base_url"`
	Port           int     `mapstructure:"port"`
	Model          string  `mapstructure:"model"`
	Temperature    float64 `mapstructure:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	RequestTimeout int     `mapstructure:"request_timeout"`
}

// DependenciesSection feeds the environment provisioner.
type DependenciesSection struct {
	RuntimeVersionConstraint string   `mapstructure:"runtime_version_constraint"`
	Packages                 []string `mapstructure:"packages"`
}

// ResourcesSection carries advisory limits. They are surfaced in status but
// not enforced.
type ResourcesSection struct {
	CPULimit              float64 `mapstructure:"cpu_limit"`
	MemoryLimit           string  `mapstructure:"memory_limit"`
	MaxConcurrentRequests int     `mapstructure:"max_concurrent_requests"`
	HealthCheckInterval   int     `mapstructure:"health_check_interval"`
}

// DeploymentSection is the supervisor policy for this agent.
type DeploymentSection struct {
	Port         int  `mapstructure:"port"`
	AutoRestart  bool `mapstructure:"auto_restart"`
	MaxRestarts  *int `mapstructure:"max_restarts"`
	RestartDelay int  `mapstructure:"restart_delay"`
}

// DefaultMaxRestarts applies when the manifest omits max_restarts.
const DefaultMaxRestarts = 3

// RestartCap returns the effective restart cap.
func (d DeploymentSection) RestartCap() int {
	if d.MaxRestarts == nil {
		return DefaultMaxRestarts
	}
	return *d.MaxRestarts
}

// RestartDelayDuration returns the delay between restart attempts.
func (d DeploymentSection) RestartDelayDuration() time.Duration {
	if d.RestartDelay <= 0 {
		return time.Second
	}
	return time.Duration(d.RestartDelay) * time.Second
}

// MCPServerSection binds one MCP server.
type MCPServerSection struct {
	Transport string            `mapstructure:"transport"`
	Command   string            `mapstructure:"command"`
	Args      []string          `mapstructure:"args"`
	Env       map[string]string `mapstructure:"env"`
	URL       string            `mapstructure:"url"`
	Headers   map[string]string `mapstructure:"headers"`
	Timeout   int               `mapstructure:"timeout"`
}

// SubAgentSection declares a child agent, in-process by default or remote
// when a URL is set.
type SubAgentSection struct {
	Name      string `mapstructure:"name"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// FindManifest locates the manifest file inside an install directory,
// preferring agent.toml over agent.json.
func FindManifest(dir string) (string, error) {
	for _, name := range []string{ManifestTOML, ManifestJSON} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", ErrMissingManifest
}

// LoadManifest reads and parses the manifest at path. The format is chosen by
// file extension.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return ParseManifest(data, filepath.Ext(path))
}

// ParseManifest decodes manifest bytes. ext is ".toml" or ".json". String
// values go through ${VAR} interpolation; unknown keys warn, never fail.
func ParseManifest(data []byte, ext string) (*Manifest, error) {
	var raw map[string]interface{}

	switch ext {
	case ".toml":
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid_manifest: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid_manifest: %w", err)
		}
	default:
		return nil, fmt.Errorf("invalid_manifest: unsupported format %q", ext)
	}

	expanded, _ := ExpandEnvVarsInData(raw).(map[string]interface{})

	manifest := &Manifest{}
	var meta mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           manifest,
		Metadata:         &meta,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid_manifest: %w", err)
	}
	if err := decoder.Decode(expanded); err != nil {
		return nil, fmt.Errorf("invalid_manifest: %w", err)
	}

	for _, key := range meta.Unused {
		slog.Warn("unknown manifest key", "key", key)
	}

	manifest.ServerOrder = serverOrder(data, ext, manifest.MCPServers)

	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return manifest, nil
}

// Validate enforces the fatal constraints. Everything else is a warning at
// decode time.
func (m *Manifest) Validate() error {
	if m.Agent.Name == "" {
		return fmt.Errorf("invalid_manifest: agent.name is required")
	}
	for name, srv := range m.MCPServers {
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("invalid_manifest: mcp_servers.%s: stdio transport requires command", name)
			}
		case "http", "sse":
			if srv.URL == "" {
				return fmt.Errorf("invalid_manifest: mcp_servers.%s: %s transport requires url", name, srv.Transport)
			}
		case "":
			return fmt.Errorf("invalid_manifest: mcp_servers.%s: transport is required", name)
		default:
			return fmt.Errorf("invalid_manifest: mcp_servers.%s: unknown transport %q", name, srv.Transport)
		}
	}
	return nil
}

// serverOrder recovers the textual declaration order of mcp_servers entries.
// TOML and JSON maps lose ordering on decode, so the raw bytes are scanned
// for the first occurrence of each server key.
func serverOrder(data []byte, ext string, servers map[string]MCPServerSection) []string {
	if len(servers) == 0 {
		return nil
	}
	text := string(data)
	type pos struct {
		name  string
		index int
	}
	positions := make([]pos, 0, len(servers))
	for name := range servers {
		idx := -1
		for _, needle := range []string{"mcp_servers." + name, `"` + name + `"`} {
			if i := strings.Index(text, needle); i >= 0 {
				idx = i
				break
			}
		}
		positions = append(positions, pos{name: name, index: idx})
	}
	sort.SliceStable(positions, func(i, j int) bool {
		if positions[i].index == positions[j].index {
			return positions[i].name < positions[j].name
		}
		return positions[i].index < positions[j].index
	})
	order := make([]string, len(positions))
	for i, p := range positions {
		order[i] = p.name
	}
	return order
}
