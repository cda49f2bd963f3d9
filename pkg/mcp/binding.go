package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skiffhq/skiff/pkg/config"
)

const defaultCallTimeout = 30 * time.Second

// Binding is one configured MCP server connection: a transport, its
// handshake state, and the cached tool list.
type Binding struct {
	name      string
	transport Transport
	timeout   time.Duration

	// nextID issues strictly ascending request ids for this binding.
	nextID atomic.Int64

	mu         sync.RWMutex
	healthy    bool
	serverInfo ServerInfo
	caps       map[string]interface{}
	tools      []ToolDescriptor
}

// NewBinding builds a Binding from its manifest section. No I/O happens until
// Connect.
func NewBinding(name string, cfg config.MCPServerSection) (*Binding, error) {
	timeout := defaultCallTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	var transport Transport
	switch cfg.Transport {
	case "stdio":
		transport = newStdioTransport(cfg.Command, cfg.Args, cfg.Env)
	case "http":
		transport = newHTTPTransport(cfg.URL, cfg.Headers, timeout)
	case "sse":
		transport = newSSETransport(cfg.URL, cfg.Headers, timeout)
	default:
		return nil, fmt.Errorf("unknown mcp transport %q for server %s", cfg.Transport, name)
	}

	return &Binding{
		name:      name,
		transport: transport,
		timeout:   timeout,
	}, nil
}

// Name returns the configured server name.
func (b *Binding) Name() string { return b.name }

// Healthy reports whether the last transport interaction succeeded.
func (b *Binding) Healthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.healthy
}

// ServerInfo returns the identity reported during initialize.
func (b *Binding) ServerInfo() ServerInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.serverInfo
}

// Tools returns the cached tools/list result.
func (b *Binding) Tools() []ToolDescriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ToolDescriptor, len(b.tools))
	copy(out, b.tools)
	return out
}

// Connect establishes the transport, performs the initialize handshake, and
// caches the tool list. The initialize result is read for capabilities and
// serverInfo only; tools come exclusively from tools/list.
func (b *Binding) Connect(ctx context.Context) error {
	if err := b.transport.Connect(ctx); err != nil {
		return fmt.Errorf("mcp server %s: %w", b.name, err)
	}

	resp, err := b.call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "skiff",
			"version": "1",
		},
	})
	if err != nil {
		return fmt.Errorf("mcp server %s: initialize: %w", b.name, err)
	}

	var init InitializeResult
	if err := json.Unmarshal(resp.Result, &init); err != nil {
		return fmt.Errorf("mcp server %s: malformed initialize result: %w", b.name, err)
	}

	// Per protocol, the client acknowledges before issuing requests.
	b.notify("notifications/initialized")

	listResp, err := b.call(ctx, "tools/list", map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("mcp server %s: tools/list: %w", b.name, err)
	}
	var list toolsListResult
	if err := json.Unmarshal(listResp.Result, &list); err != nil {
		return fmt.Errorf("mcp server %s: malformed tools/list result: %w", b.name, err)
	}

	b.mu.Lock()
	b.healthy = true
	b.serverInfo = init.ServerInfo
	b.caps = init.Capabilities
	b.tools = list.Tools
	b.mu.Unlock()

	slog.Info("mcp server connected",
		"server", b.name,
		"server_name", init.ServerInfo.Name,
		"tools", len(list.Tools))
	return nil
}

// CallTool invokes tools/call and flattens the result content to text.
func (b *Binding) CallTool(ctx context.Context, tool string, args map[string]interface{}) (string, error) {
	if !b.Healthy() {
		return "", fmt.Errorf("mcp server %s: %w", b.name, ErrUnhealthy)
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	resp, err := b.call(ctx, "tools/call", callParams{Name: tool, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("mcp server %s: tools/call %s: %w", b.name, tool, err)
	}
	if resp.Error != nil {
		// A JSON-RPC error is a server answer, not a transport failure; the
		// binding stays healthy.
		return "", fmt.Errorf("mcp server %s: %w", b.name, resp.Error)
	}
	return extractText(resp.Result)
}

// call sends one request with a fresh ascending id and the binding timeout.
// Transport failures mark the binding unhealthy.
func (b *Binding) call(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := b.nextID.Add(1)
	req := &Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	resp, err := b.transport.Call(callCtx, req)
	if err != nil {
		b.markUnhealthy(err)
		return nil, err
	}
	if resp.Error != nil && method != "tools/call" {
		return nil, resp.Error
	}
	return resp, nil
}

// notify sends a best-effort JSON-RPC notification (no id, no response).
func (b *Binding) notify(method string) {
	type notifier interface {
		Notify(req *Request) error
	}
	if n, ok := b.transport.(notifier); ok {
		_ = n.Notify(&Request{JSONRPC: "2.0", Method: method})
	}
}

func (b *Binding) markUnhealthy(err error) {
	b.mu.Lock()
	wasHealthy := b.healthy
	b.healthy = false
	b.mu.Unlock()
	if wasHealthy {
		slog.Warn("mcp binding marked unhealthy", "server", b.name, "error", err)
	}
}

// Close tears down the transport.
func (b *Binding) Close() error {
	b.mu.Lock()
	b.healthy = false
	b.mu.Unlock()
	return b.transport.Close()
}

// Stderr returns captured child stderr for stdio transports, empty otherwise.
func (b *Binding) Stderr() string {
	type stderrer interface{ Stderr() string }
	if s, ok := b.transport.(stderrer); ok {
		return s.Stderr()
	}
	return ""
}
