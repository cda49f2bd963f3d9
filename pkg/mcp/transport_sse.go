package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// sseTransport holds a persistent GET stream for inbound messages and POSTs
// outbound requests to the companion endpoint announced during the handshake.
type sseTransport struct {
	url     string
	headers map[string]string
	client  *http.Client

	mu       sync.Mutex
	endpoint string
	pending  map[string]chan *Response
	closed   bool

	endpointReady chan struct{}
	body          io.Closer
	cancel        context.CancelFunc
}

func newSSETransport(rawURL string, headers map[string]string, timeout time.Duration) *sseTransport {
	return &sseTransport{
		url:     rawURL,
		headers: headers,
		// No overall timeout on the client: the GET stream is long-lived.
		// Per-request deadlines come from the Call context.
		client:        &http.Client{},
		pending:       make(map[string]chan *Response),
		endpointReady: make(chan struct{}),
	}
}

func (t *sseTransport) Connect(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.url, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create sse request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open sse stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("sse stream returned HTTP %d", resp.StatusCode)
	}

	t.body = resp.Body
	go t.readLoop(resp.Body)

	// The server must announce the POST endpoint before any request can go out.
	select {
	case <-t.endpointReady:
		return nil
	case <-ctx.Done():
		t.Close()
		return fmt.Errorf("timed out waiting for sse endpoint event: %w", ctx.Err())
	}
}

func (t *sseTransport) readLoop(body io.Reader) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	event := ""
	var data bytes.Buffer

	flush := func() {
		if data.Len() == 0 {
			return
		}
		t.handleEvent(event, data.String())
		event = ""
		data.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	flush()
	t.failAll()
}

func (t *sseTransport) handleEvent(event, data string) {
	switch event {
	case "endpoint":
		t.mu.Lock()
		if t.endpoint == "" {
			t.endpoint = t.resolveEndpoint(data)
			close(t.endpointReady)
		}
		t.mu.Unlock()

	case "message", "":
		var resp Response
		if err := json.Unmarshal([]byte(data), &resp); err != nil || resp.ID == nil {
			return
		}
		key := idKey(resp.ID)
		t.mu.Lock()
		ch, ok := t.pending[key]
		if ok {
			delete(t.pending, key)
		}
		t.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

// resolveEndpoint makes the announced endpoint absolute against the stream URL.
func (t *sseTransport) resolveEndpoint(endpoint string) string {
	base, err := url.Parse(t.url)
	if err != nil {
		return endpoint
	}
	ref, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return endpoint
	}
	return base.ResolveReference(ref).String()
}

func (t *sseTransport) Call(ctx context.Context, req *Request) (*Response, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("sse transport closed")
	}
	endpoint := t.endpoint
	key := idKey(req.ID)
	ch := make(chan *Response, 1)
	t.pending[key] = ch
	t.mu.Unlock()

	if endpoint == "" {
		t.abandon(key)
		return nil, fmt.Errorf("sse endpoint not established")
	}

	body, err := json.Marshal(req)
	if err != nil {
		t.abandon(key)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		t.abandon(key)
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		t.abandon(key)
		return nil, fmt.Errorf("failed to post sse request: %w", err)
	}
	io.Copy(io.Discard, httpResp.Body)
	httpResp.Body.Close()
	if httpResp.StatusCode >= 300 {
		t.abandon(key)
		return nil, fmt.Errorf("sse endpoint returned HTTP %d", httpResp.StatusCode)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("sse stream closed")
		}
		return resp, nil
	case <-ctx.Done():
		t.abandon(key)
		return nil, ctx.Err()
	}
}

func (t *sseTransport) abandon(key string) {
	t.mu.Lock()
	delete(t.pending, key)
	t.mu.Unlock()
}

func (t *sseTransport) failAll() {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]chan *Response)
	t.closed = true
	t.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

func (t *sseTransport) Close() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.body != nil {
		t.body.Close()
	}
	return nil
}
