// Package config holds the controller's own configuration and the loader for
// agent bundle manifests.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Controller is the startup configuration of the management process.
type Controller struct {
	// Host is the bind address for the management API.
	Host string `yaml:"host"`
	// APIPort is the management API port. 0 means OS-assigned.
	APIPort int `yaml:"api_port"`
	// BasePort is the first port handed to agent instances.
	BasePort int `yaml:"base_port"`
	// MaxAgents bounds the agent port range: [base_port, base_port+max_agents).
	MaxAgents int `yaml:"max_agents"`
	// AgentsDirectory is the root of all persisted agent state.
	AgentsDirectory string `yaml:"agents_directory"`
	// AuthCredential enables API authentication when non-empty.
	AuthCredential string `yaml:"auth_credential"`
	// MetricsEnabled toggles the /metrics endpoint.
	MetricsEnabled bool `yaml:"metrics_enabled"`
	// RestartOnFailure is the default restart policy when a manifest omits it.
	RestartOnFailure bool `yaml:"restart_on_failure"`
	// HealthCheckInterval is the controller-side liveness probe period.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	// SessionTimeout is the agent-runtime session idle limit.
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// yamlDuration accepts either a Go duration string ("30s", "10m") or a bare
// integer, read as seconds.
type yamlDuration time.Duration

func (d *yamlDuration) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*d = yamlDuration(time.Duration(n) * time.Second)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = yamlDuration(v)
	return nil
}

// UnmarshalYAML decodes the controller config, accepting human-readable
// duration values.
func (c *Controller) UnmarshalYAML(node *yaml.Node) error {
	type plain struct {
		Host                string       `yaml:"host"`
		APIPort             int          `yaml:"api_port"`
		BasePort            int          `yaml:"base_port"`
		MaxAgents           int          `yaml:"max_agents"`
		AgentsDirectory     string       `yaml:"agents_directory"`
		AuthCredential      string       `yaml:"auth_credential"`
		MetricsEnabled      bool         `yaml:"metrics_enabled"`
		RestartOnFailure    bool         `yaml:"restart_on_failure"`
		HealthCheckInterval yamlDuration `yaml:"health_check_interval"`
		SessionTimeout      yamlDuration `yaml:"session_timeout"`
	}
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*c = Controller{
		Host:                p.Host,
		APIPort:             p.APIPort,
		BasePort:            p.BasePort,
		MaxAgents:           p.MaxAgents,
		AgentsDirectory:     p.AgentsDirectory,
		AuthCredential:      p.AuthCredential,
		MetricsEnabled:      p.MetricsEnabled,
		RestartOnFailure:    p.RestartOnFailure,
		HealthCheckInterval: time.Duration(p.HealthCheckInterval),
		SessionTimeout:      time.Duration(p.SessionTimeout),
	}
	return nil
}

// DefaultController returns a Controller populated with defaults.
func DefaultController() *Controller {
	c := &Controller{}
	c.SetDefaults()
	return c
}

// SetDefaults fills unset fields with their defaults.
func (c *Controller) SetDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.APIPort == 0 {
		c.APIPort = 8080
	}
	if c.BasePort == 0 {
		c.BasePort = 9000
	}
	if c.MaxAgents == 0 {
		c.MaxAgents = 100
	}
	if c.AgentsDirectory == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.AgentsDirectory = filepath.Join(home, ".skiff")
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = 30 * time.Minute
	}
}

// Validate checks ranges and directory sanity.
func (c *Controller) Validate() error {
	if c.APIPort < 0 || c.APIPort > 65535 {
		return fmt.Errorf("api_port out of range: %d", c.APIPort)
	}
	if c.BasePort < 1 || c.BasePort > 65535 {
		return fmt.Errorf("base_port out of range: %d", c.BasePort)
	}
	if c.MaxAgents < 1 {
		return fmt.Errorf("max_agents must be positive, got %d", c.MaxAgents)
	}
	if c.BasePort+c.MaxAgents > 65536 {
		return fmt.Errorf("agent port range [%d, %d) exceeds 65535", c.BasePort, c.BasePort+c.MaxAgents)
	}
	if c.SessionTimeout < 0 {
		return fmt.Errorf("session_timeout must not be negative")
	}
	return nil
}

// LoadController reads a YAML controller config from path, expanding
// environment references. An empty path yields the defaults.
func LoadController(path string) (*Controller, error) {
	cfg := &Controller{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}

		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		expanded := ExpandEnvVarsInData(raw)

		out, err := yaml.Marshal(expanded)
		if err != nil {
			return nil, fmt.Errorf("failed to re-encode config: %w", err)
		}
		if err := yaml.Unmarshal(out, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
