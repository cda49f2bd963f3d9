package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/skiffhq/skiff/pkg/config"
)

// Registry owns every MCP binding declared by a manifest and routes tool
// calls across them. When two servers expose the same tool name, the server
// declared first in the manifest wins.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]*Binding
	order    []string
}

// NewRegistry builds unconnected bindings for each declared server. The order
// slice fixes tool resolution priority; servers missing from it sort last by
// name.
func NewRegistry(servers map[string]config.MCPServerSection, order []string) (*Registry, error) {
	r := &Registry{bindings: make(map[string]*Binding)}

	for _, name := range order {
		if _, ok := servers[name]; ok {
			r.order = append(r.order, name)
		}
	}
	var rest []string
	for name := range servers {
		if !contains(r.order, name) {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	r.order = append(r.order, rest...)

	for _, name := range r.order {
		b, err := NewBinding(name, servers[name])
		if err != nil {
			return nil, err
		}
		r.bindings[name] = b
	}
	return r, nil
}

// RegistryFromManifest builds a registry from the manifest's mcp_servers
// table, preserving declaration order.
func RegistryFromManifest(m *config.Manifest) (*Registry, error) {
	return NewRegistry(m.MCPServers, m.ServerOrder)
}

// Connect establishes every binding concurrently. A server that fails to
// connect is logged and left unhealthy; the rest stay usable.
func (r *Registry) Connect(ctx context.Context) error {
	r.mu.RLock()
	bindings := make([]*Binding, 0, len(r.bindings))
	for _, name := range r.order {
		bindings = append(bindings, r.bindings[name])
	}
	r.mu.RUnlock()

	// Connections run outside the registry lock so a slow server cannot
	// block Tools or Call against the others.
	var wg sync.WaitGroup
	errs := make([]error, len(bindings))
	for i, b := range bindings {
		wg.Add(1)
		go func(i int, b *Binding) {
			defer wg.Done()
			if err := b.Connect(ctx); err != nil {
				slog.Warn("mcp server unavailable", "server", b.Name(), "error", err)
				errs[i] = err
			}
		}(i, b)
	}
	wg.Wait()

	healthy := 0
	for _, b := range bindings {
		if b.Healthy() {
			healthy++
		}
	}
	if len(bindings) > 0 && healthy == 0 {
		return fmt.Errorf("no mcp servers reachable: %w", firstError(errs))
	}
	return nil
}

// Tools returns every advertised tool in priority order, with each Server
// field filled. Duplicate names are kept so callers can see shadowed tools.
func (r *Registry) Tools() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ToolDescriptor
	for _, name := range r.order {
		b := r.bindings[name]
		if !b.Healthy() {
			continue
		}
		for _, tool := range b.Tools() {
			tool.Server = name
			out = append(out, tool)
		}
	}
	return out
}

// Find resolves a tool name to its owning server, honoring declaration order
// for duplicates.
func (r *Registry) Find(tool string) (string, *ToolDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		b := r.bindings[name]
		if !b.Healthy() {
			continue
		}
		for _, t := range b.Tools() {
			if t.Name == tool {
				t.Server = name
				return name, &t, nil
			}
		}
	}
	return "", nil, fmt.Errorf("%w: %s", ErrToolNotFound, tool)
}

// Call invokes a tool on a specific server.
func (r *Registry) Call(ctx context.Context, server, tool string, args map[string]interface{}) (string, error) {
	r.mu.RLock()
	b, ok := r.bindings[server]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown mcp server: %s", server)
	}
	return b.CallTool(ctx, tool, args)
}

// CallByName resolves the owning server for a tool and invokes it.
func (r *Registry) CallByName(ctx context.Context, tool string, args map[string]interface{}) (string, error) {
	server, _, err := r.Find(tool)
	if err != nil {
		return "", err
	}
	return r.Call(ctx, server, tool, args)
}

// Binding returns the named binding, nil if undeclared.
func (r *Registry) Binding(name string) *Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bindings[name]
}

// Servers returns server names in priority order.
func (r *Registry) Servers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Close shuts down every binding.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, b := range r.bindings {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("unknown error")
}
