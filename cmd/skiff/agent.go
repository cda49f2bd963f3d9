package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/skiffhq/skiff/pkg/config"
	"github.com/skiffhq/skiff/pkg/runtime"
	"github.com/skiffhq/skiff/pkg/supervisor"
)

// AgentCmd runs the built-in agent runtime. The supervisor spawns this for
// bundles that declare no entry point of their own.
type AgentCmd struct {
	Manifest       string        `help:"Path to the agent manifest." type:"path" required:""`
	Port           int           `help:"Listen port. Defaults to the supervisor-assigned port env var."`
	SessionTimeout time.Duration `name:"session-timeout" help:"Session idle eviction limit." env:"SKIFF_SESSION_TIMEOUT" default:"30m"`
}

func (c *AgentCmd) Run(cli *CLI) error {
	port := c.Port
	if port == 0 {
		if v := os.Getenv(supervisor.PortEnvVar); v != "" {
			p, err := strconv.Atoi(v)
			if err != nil {
				return configError(fmt.Errorf("invalid %s: %q", supervisor.PortEnvVar, v))
			}
			port = p
		}
	}
	if port == 0 {
		return configError(fmt.Errorf("no port: pass --port or set %s", supervisor.PortEnvVar))
	}

	manifest, err := config.LoadManifest(c.Manifest)
	if err != nil {
		return configError(err)
	}

	agent, err := runtime.New(manifest, runtime.WithSessionTimeout(c.SessionTimeout))
	if err != nil {
		return startupError(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.Run(ctx, port); err != nil {
		return startupError(err)
	}
	return nil
}
