package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiffhq/skiff/pkg/config"
)

// fakeServer is a minimal JSON-RPC MCP server for the http transport.
type fakeServer struct {
	mu    sync.Mutex
	ids   []interface{}
	tools []ToolDescriptor

	// callError, when set, is returned as the JSON-RPC error for tools/call.
	callError *RPCError
}

func (f *fakeServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.ids = append(f.ids, req.ID)
		f.mu.Unlock()

		resp := Response{JSONRPC: "2.0", ID: req.ID}
		switch req.Method {
		case "initialize":
			resp.Result = mustMarshal(map[string]interface{}{
				"protocolVersion": ProtocolVersion,
				"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
				"serverInfo":      ServerInfo{Name: "fake", Version: "0.0.1"},
				// Tool lists embedded here must be ignored by the client.
				"tools": []ToolDescriptor{{Name: "decoy"}},
			})
		case "tools/list":
			resp.Result = mustMarshal(toolsListResult{Tools: f.tools})
		case "tools/call":
			if f.callError != nil {
				resp.Error = f.callError
			} else {
				var params callParams
				raw, _ := json.Marshal(req.Params)
				_ = json.Unmarshal(raw, &params)
				resp.Result = mustMarshal(callResult{
					Content: []contentItem{{Type: "text", Text: "ran " + params.Name}},
				})
			}
		default:
			resp.Error = &RPCError{Code: -32601, Message: "method not found"}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func httpSection(url string) config.MCPServerSection {
	return config.MCPServerSection{Transport: "http", URL: url}
}

func TestBindingConnectHandshake(t *testing.T) {
	fake := &fakeServer{tools: []ToolDescriptor{{Name: "echo", Description: "echoes"}}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	b, err := NewBinding("files", httpSection(srv.URL))
	require.NoError(t, err)
	require.NoError(t, b.Connect(context.Background()))

	assert.True(t, b.Healthy())
	assert.Equal(t, "fake", b.ServerInfo().Name)

	tools := b.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)
}

func TestBindingIdsAscend(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	b, err := NewBinding("s", httpSection(srv.URL))
	require.NoError(t, err)
	require.NoError(t, b.Connect(context.Background()))

	_, err = b.CallTool(context.Background(), "anything", nil)
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.GreaterOrEqual(t, len(fake.ids), 3)
	var prev float64
	for _, id := range fake.ids {
		// ids arrive as float64 after JSON decoding
		n, ok := id.(float64)
		require.True(t, ok, "id should be numeric, got %T", id)
		assert.Greater(t, n, prev)
		prev = n
	}
}

func TestBindingCallToolFlattensContent(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	b, err := NewBinding("s", httpSection(srv.URL))
	require.NoError(t, err)
	require.NoError(t, b.Connect(context.Background()))

	out, err := b.CallTool(context.Background(), "list_files", map[string]interface{}{"path": "/"})
	require.NoError(t, err)
	assert.Equal(t, "ran list_files", out)
}

func TestBindingRPCErrorKeepsHealthy(t *testing.T) {
	fake := &fakeServer{callError: &RPCError{Code: -32000, Message: "boom"}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	b, err := NewBinding("s", httpSection(srv.URL))
	require.NoError(t, err)
	require.NoError(t, b.Connect(context.Background()))

	_, err = b.CallTool(context.Background(), "anything", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.True(t, b.Healthy())
}

func TestBindingUnreachableServer(t *testing.T) {
	b, err := NewBinding("s", httpSection("http://127.0.0.1:1/rpc"))
	require.NoError(t, err)

	err = b.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, b.Healthy())

	_, err = b.CallTool(context.Background(), "x", nil)
	assert.ErrorIs(t, err, ErrUnhealthy)
}

func TestNewBindingUnknownTransport(t *testing.T) {
	_, err := NewBinding("s", config.MCPServerSection{Transport: "telegraph"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mcp transport")
}

func TestRegistryDuplicateToolPriority(t *testing.T) {
	first := &fakeServer{tools: []ToolDescriptor{{Name: "search", Description: "from first"}}}
	second := &fakeServer{tools: []ToolDescriptor{{Name: "search", Description: "from second"}}}
	srvA := httptest.NewServer(first.handler())
	defer srvA.Close()
	srvB := httptest.NewServer(second.handler())
	defer srvB.Close()

	servers := map[string]config.MCPServerSection{
		"alpha": httpSection(srvA.URL),
		"beta":  httpSection(srvB.URL),
	}

	reg, err := NewRegistry(servers, []string{"beta", "alpha"})
	require.NoError(t, err)
	require.NoError(t, reg.Connect(context.Background()))

	server, tool, err := reg.Find("search")
	require.NoError(t, err)
	assert.Equal(t, "beta", server)
	assert.Equal(t, "from second", tool.Description)

	// Both advertisements are visible even when one is shadowed.
	tools := reg.Tools()
	assert.Len(t, tools, 2)
	assert.Equal(t, "beta", tools[0].Server)
	assert.Equal(t, "alpha", tools[1].Server)
}

func TestRegistryCallByName(t *testing.T) {
	fake := &fakeServer{tools: []ToolDescriptor{{Name: "greet"}}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	reg, err := NewRegistry(map[string]config.MCPServerSection{
		"only": httpSection(srv.URL),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Connect(context.Background()))

	out, err := reg.CallByName(context.Background(), "greet", nil)
	require.NoError(t, err)
	assert.Equal(t, "ran greet", out)

	_, err = reg.CallByName(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestRegistryConnectAllFailed(t *testing.T) {
	reg, err := NewRegistry(map[string]config.MCPServerSection{
		"down": httpSection("http://127.0.0.1:1/rpc"),
	}, nil)
	require.NoError(t, err)
	assert.Error(t, reg.Connect(context.Background()))
}

func TestRegistryPartialFailureIsTolerated(t *testing.T) {
	fake := &fakeServer{tools: []ToolDescriptor{{Name: "up"}}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	reg, err := NewRegistry(map[string]config.MCPServerSection{
		"good": httpSection(srv.URL),
		"bad":  httpSection("http://127.0.0.1:1/rpc"),
	}, []string{"bad", "good"})
	require.NoError(t, err)

	require.NoError(t, reg.Connect(context.Background()))
	tools := reg.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "good", tools[0].Server)
}

func TestExtractText(t *testing.T) {
	out, err := extractText(mustMarshal(callResult{Content: []contentItem{
		{Type: "text", Text: "one"},
		{Type: "text", Text: "two"},
	}}))
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo", out)

	_, err = extractText(mustMarshal(callResult{
		Content: []contentItem{{Type: "text", Text: "broken"}},
		IsError: true,
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	out, err = extractText(json.RawMessage(`{"result": "bare"}`))
	require.NoError(t, err)
	assert.Equal(t, "bare", out)
}

func TestIdKeyNormalizesNumericTypes(t *testing.T) {
	assert.Equal(t, idKey(int64(7)), idKey(float64(7)))

	// Large ids decode from JSON as floats that %v would print in exponent
	// notation; demux keys must still line up with the issued int64.
	assert.Equal(t, "1000000", idKey(int64(1_000_000)))
	assert.Equal(t, "1000000", idKey(float64(1e6)))
	assert.Equal(t, idKey(int64(9_007_199_254_740_991)), idKey(float64(9007199254740991)))

	assert.Equal(t, "7", idKey(json.Number("7")))
	assert.Equal(t, "abc", idKey("abc"))
}

func TestParseResponseBodySSEFraming(t *testing.T) {
	body := []byte("event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n\n")
	resp, err := parseResponseBody(body)
	require.NoError(t, err)
	assert.Equal(t, "2.0", resp.JSONRPC)

	_, err = parseResponseBody([]byte("not json at all"))
	assert.Error(t, err)
}
