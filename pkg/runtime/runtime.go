// Package runtime is the per-agent HTTP server: an Ollama-compatible chat
// surface over the agent's LLM provider, MCP tools, sessions, and sub-agent
// hierarchy.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/skiffhq/skiff/pkg/config"
	"github.com/skiffhq/skiff/pkg/hierarchy"
	"github.com/skiffhq/skiff/pkg/llms"
	"github.com/skiffhq/skiff/pkg/mcp"
	"github.com/skiffhq/skiff/pkg/session"
)

// SessionHeader carries the conversation id in both directions.
const SessionHeader = "X-Session-ID"

// Agent is one running agent runtime.
type Agent struct {
	manifest  *config.Manifest
	provider  llms.Provider
	registry  *mcp.Registry
	sessions  *session.Store
	tree      *hierarchy.Tree
	delegator *hierarchy.Delegator

	router chi.Router
}

// Option configures an Agent.
type Option func(*Agent)

// WithSessionTimeout sets the idle eviction limit. Zero disables persistence.
func WithSessionTimeout(d time.Duration) Option {
	return func(a *Agent) { a.sessions = session.NewStore(d) }
}

// WithProvider overrides the manifest-selected LLM provider.
func WithProvider(p llms.Provider) Option {
	return func(a *Agent) { a.provider = p }
}

// New builds the runtime from a manifest. MCP servers are not contacted until
// Run.
func New(manifest *config.Manifest, opts ...Option) (*Agent, error) {
	registry, err := mcp.RegistryFromManifest(manifest)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		manifest:  manifest,
		registry:  registry,
		sessions:  session.NewStore(30 * time.Minute),
		tree:      hierarchy.NewTree(manifest),
		delegator: hierarchy.NewDelegator(0),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.provider == nil {
		provider, err := llms.NewProvider(manifest.LLM)
		if err != nil {
			return nil, err
		}
		a.provider = provider
	}

	a.router = a.buildRouter()
	return a, nil
}

// Name returns the agent name: the "model" this runtime advertises.
func (a *Agent) Name() string { return a.manifest.Agent.Name }

func (a *Agent) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", a.handleHealth)
	r.Get("/api/tags", a.handleTags)
	r.Post("/api/generate", a.handleGenerate)
	r.Post("/api/chat", a.handleChat)
	r.Get("/api/tools", a.handleTools)
	r.Get("/api/sessions/stats", a.handleSessionStats)
	r.Post("/api/sessions/cleanup", a.handleSessionCleanup)
	r.Delete("/api/sessions/{id}", a.handleSessionDelete)
	r.Post("/api/context/enter", a.handleContextEnter)
	r.Post("/api/context/exit", a.handleContextExit)
	r.Get("/api/context", a.handleContext)

	return r
}

// Router exposes the handler for tests.
func (a *Agent) Router() http.Handler { return a.router }

// Run connects MCP bindings, starts the session sweeper, and serves until ctx
// is cancelled.
func (a *Agent) Run(ctx context.Context, port int) error {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := a.registry.Connect(connectCtx)
	cancel()
	if err != nil {
		slog.Warn("mcp connect incomplete", "agent", a.Name(), "error", err)
	}
	defer a.registry.Close()
	defer a.provider.Close()

	a.sessions.StartSweeper(ctx)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     a.router,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("agent runtime listening", "agent", a.Name(), "port", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// toolDefinitions converts the registry's advertised tools for the LLM.
func (a *Agent) toolDefinitions() []llms.ToolDefinition {
	var defs []llms.ToolDefinition
	for _, t := range a.registry.Tools() {
		defs = append(defs, llms.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
		})
	}
	return defs
}
