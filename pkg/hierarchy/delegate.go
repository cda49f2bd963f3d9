package hierarchy

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

// DefaultDelegateTimeout bounds one remote child invocation.
const DefaultDelegateTimeout = 60 * time.Second

// Delegator forwards prompts to remote children over their runtime HTTP
// surface.
type Delegator struct {
	client  *httpclient.Client
	timeout time.Duration
}

// NewDelegator builds a delegator with the given per-call timeout. Zero means
// the default.
func NewDelegator(timeout time.Duration) *Delegator {
	if timeout <= 0 {
		timeout = DefaultDelegateTimeout
	}
	return &Delegator{
		client:  httpclient.New(httpclient.WithMaxRetries(1)),
		timeout: timeout,
	}
}

type delegateRequest struct {
	Model    string            `json:"model"`
	Messages []delegateMessage `json:"messages"`
	Stream   bool              `json:"stream"`
}

type delegateMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type delegateResponse struct {
	Message delegateMessage `json:"message"`
	Error   string          `json:"error,omitempty"`
}

// Delegate sends one prompt to a remote node and returns its reply. The
// child's error comes back intact.
func (d *Delegator) Delegate(ctx context.Context, node *Node, prompt string) (string, error) {
	if !node.Remote() {
		return "", fmt.Errorf("node %s has no url", node.Name)
	}

	body, err := json.Marshal(delegateRequest{
		Model:    node.Name,
		Messages: []delegateMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	url := strings.TrimSuffix(node.URL, "/") + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if node.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+node.AuthToken)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("delegation to %s failed: %w", node.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("delegation to %s failed: %w", node.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("delegation to %s returned HTTP %d: %s", node.Name, resp.StatusCode, bytes.TrimSpace(raw))
	}

	var out delegateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("delegation to %s returned malformed body: %w", node.Name, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("delegation to %s: %s", node.Name, out.Error)
	}
	return out.Message.Content, nil
}
