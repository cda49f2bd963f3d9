package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultController(t *testing.T) {
	c := DefaultController()

	assert.Equal(t, "127.0.0.1", c.Host)
	assert.Equal(t, 8080, c.APIPort)
	assert.Equal(t, 9000, c.BasePort)
	assert.Equal(t, 100, c.MaxAgents)
	assert.Equal(t, 30*time.Minute, c.SessionTimeout)
	assert.NoError(t, c.Validate())
}

func TestControllerValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Controller)
	}{
		{"negative api port", func(c *Controller) { c.APIPort = -1 }},
		{"base port too high", func(c *Controller) { c.BasePort = 70000 }},
		{"zero max agents", func(c *Controller) { c.MaxAgents = -1; c.SetDefaults() }},
		{"range past 65535", func(c *Controller) { c.BasePort = 65000; c.MaxAgents = 1000 }},
		{"negative session timeout", func(c *Controller) { c.SessionTimeout = -time.Minute }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultController()
			tc.mutate(c)
			if tc.name == "zero max agents" {
				c.MaxAgents = -1
			}
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadControllerFromYAML(t *testing.T) {
	t.Setenv("TEST_SKIFF_KEY", "s3cret")

	path := filepath.Join(t.TempDir(), "skiff.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
host: 0.0.0.0
api_port: 9999
base_port: 20000
max_agents: 50
auth_credential: ${TEST_SKIFF_KEY}
metrics_enabled: true
session_timeout: 10m
`), 0o644))

	cfg, err := LoadController(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 9999, cfg.APIPort)
	assert.Equal(t, 20000, cfg.BasePort)
	assert.Equal(t, 50, cfg.MaxAgents)
	assert.Equal(t, "s3cret", cfg.AuthCredential)
	assert.True(t, cfg.MetricsEnabled)
	assert.Equal(t, 10*time.Minute, cfg.SessionTimeout)
}

func TestLoadControllerMissingFile(t *testing.T) {
	_, err := LoadController(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadControllerEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := LoadController("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.APIPort)
}
