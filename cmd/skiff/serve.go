package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/skiffhq/skiff/pkg/checksum"
	"github.com/skiffhq/skiff/pkg/config"
	"github.com/skiffhq/skiff/pkg/discovery"
	"github.com/skiffhq/skiff/pkg/observability"
	"github.com/skiffhq/skiff/pkg/ports"
	"github.com/skiffhq/skiff/pkg/provision"
	"github.com/skiffhq/skiff/pkg/server"
	"github.com/skiffhq/skiff/pkg/supervisor"
)

// indexFile is the checksum database inside the agents directory.
const indexFile = "checksums.json"

// ServeCmd starts the deployment controller.
type ServeCmd struct {
	Port        int           `help:"Management API port (overrides config)."`
	StopTimeout time.Duration `name:"stop-timeout" help:"Grace period for agent shutdown." default:"30s"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := loadControllerConfig(cli.Config)
	if err != nil {
		return configError(err)
	}
	if c.Port > 0 {
		cfg.APIPort = c.Port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, err := observability.Init(cfg.MetricsEnabled)
	if err != nil {
		return startupError(fmt.Errorf("failed to initialize metrics: %w", err))
	}

	if err := os.MkdirAll(cfg.AgentsDirectory, 0o755); err != nil {
		return startupError(fmt.Errorf("failed to create agents directory: %w", err))
	}

	index, err := checksum.Open(filepath.Join(cfg.AgentsDirectory, indexFile))
	if err != nil {
		return startupError(fmt.Errorf("failed to open checksum index: %w", err))
	}

	allocator := ports.NewAllocator(cfg.BasePort, cfg.MaxAgents)
	provisioner := provision.New(cfg.AgentsDirectory, index, provision.WithMetrics(metrics))
	sup := supervisor.New(allocator, index,
		supervisor.WithMetrics(metrics),
		supervisor.WithRestartOnFailure(cfg.RestartOnFailure),
		supervisor.WithStopTimeout(c.StopTimeout),
		supervisor.WithSessionTimeout(cfg.SessionTimeout),
	)
	go sup.Monitor(ctx, cfg.HealthCheckInterval)

	if err := metrics.RegisterAgentGauge(sup.StateCounts); err != nil {
		slog.Warn("failed to register agents gauge", "error", err)
	}
	if err := metrics.RegisterPortGauge(func() int64 {
		return int64(allocator.Allocated())
	}); err != nil {
		slog.Warn("failed to register ports gauge", "error", err)
	}

	watcher := discovery.New(provisioner.AgentsDir(), index, sup)
	if err := watcher.Scan(); err != nil {
		slog.Warn("initial agents scan failed", "error", err)
	}
	go func() {
		if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("agents directory watch stopped", "error", err)
		}
	}()

	api := server.New(cfg, provisioner, sup, index, metrics)
	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.APIPort)),
		Handler: api.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("controller listening",
			"addr", srv.Addr,
			"auth", cfg.AuthCredential != "",
			"metrics", cfg.MetricsEnabled,
			"port_range_base", cfg.BasePort,
			"max_agents", cfg.MaxAgents)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return startupError(fmt.Errorf("listener failed: %w", err))
	case <-ctx.Done():
	}

	return c.shutdown(srv, sup, index)
}

// shutdown drains the API, stops agents in parallel, and flushes the index.
// A watchdog at twice the stop timeout forces exit 3.
func (c *ServeCmd) shutdown(srv *http.Server, sup *supervisor.Supervisor, index *checksum.Index) error {
	slog.Info("shutting down")

	watchdog := time.AfterFunc(2*c.StopTimeout, func() {
		slog.Error("shutdown watchdog fired, forcing exit")
		os.Exit(exitForcedTimeout)
	})
	defer watchdog.Stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), c.StopTimeout)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		slog.Warn("listener drain incomplete", "error", err)
	}

	if err := sup.StopAll(context.Background()); err != nil {
		slog.Warn("agent stop incomplete", "error", err)
	}

	if err := index.Flush(); err != nil {
		slog.Error("failed to flush checksum index", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func loadControllerConfig(path string) (*config.Controller, error) {
	if path == "" {
		if _, err := os.Stat("skiff.yaml"); err == nil {
			path = "skiff.yaml"
		}
	}
	if path == "" {
		return config.DefaultController(), nil
	}

	cfg, err := config.LoadController(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	return cfg, nil
}
