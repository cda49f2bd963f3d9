package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/skiffhq/skiff/pkg/httpclient"
)

// httpTransport issues one POST per request. Some streamable-HTTP servers
// answer with a single SSE-framed body, so both encodings are accepted.
type httpTransport struct {
	url     string
	headers map[string]string
	client  *httpclient.Client
}

func newHTTPTransport(url string, headers map[string]string, timeout time.Duration) *httpTransport {
	return &httpTransport{
		url:     url,
		headers: headers,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(2),
			httpclient.WithBaseDelay(time.Second),
		),
	}
}

func (t *httpTransport) Connect(ctx context.Context) error {
	// Stateless transport; the initialize call is the connectivity probe.
	return nil
}

func (t *httpTransport) Call(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mcp http request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("mcp server returned HTTP %d", httpResp.StatusCode)
	}

	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return parseResponseBody(responseBody)
}

func (t *httpTransport) Close() error {
	return nil
}

// parseResponseBody accepts a direct JSON-RPC response or a single SSE frame
// wrapping one.
func parseResponseBody(body []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err == nil && resp.JSONRPC != "" {
		return &resp, nil
	}

	for _, line := range strings.Split(string(body), "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			if err := json.Unmarshal([]byte(data), &resp); err == nil && resp.JSONRPC != "" {
				return &resp, nil
			}
		}
	}

	return nil, fmt.Errorf("response is neither JSON nor SSE-framed JSON")
}
