package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/skiffhq/skiff/pkg/config"
	"github.com/skiffhq/skiff/pkg/httpclient"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaProvider talks to a local Ollama daemon over its /api/chat endpoint.
// Streaming responses arrive as newline-delimited JSON.
type OllamaProvider struct {
	model       string
	baseURL     string
	temperature float64
	maxTokens   int
	client      *httpclient.Client
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type ollamaToolCall struct {
	Function struct {
		Index     int                    `json:"index,omitempty"`
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	} `json:"function"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

// NewOllamaProvider builds a provider from a manifest's llm section.
func NewOllamaProvider(cfg config.LLMSection) *OllamaProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if cfg.Port > 0 {
		baseURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}

	timeout := 120 * time.Second
	if cfg.RequestTimeout > 0 {
		timeout = time.Duration(cfg.RequestTimeout) * time.Second
	}

	return &OllamaProvider{
		model:       cfg.Model,
		baseURL:     baseURL,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(2),
		),
	}
}

func (p *OllamaProvider) ModelName() string { return p.model }

func (p *OllamaProvider) Close() error { return nil }

func (p *OllamaProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (*Response, error) {
	request := p.buildRequest(messages, tools, false)

	resp, err := p.post(ctx, request)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read ollama response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out ollamaResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode ollama response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", out.Error)
	}

	return &Response{
		Text:      out.Message.Content,
		ToolCalls: parseOllamaToolCalls(out.Message.ToolCalls),
		Tokens:    out.PromptEvalCount + out.EvalCount,
	}, nil
}

func (p *OllamaProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	request := p.buildRequest(messages, tools, true)

	ch := make(chan StreamChunk, 64)
	go func() {
		defer close(ch)
		if err := p.stream(ctx, request, ch); err != nil {
			ch <- StreamChunk{Type: "error", Error: err}
		}
	}()
	return ch, nil
}

func (p *OllamaProvider) stream(ctx context.Context, request ollamaRequest, ch chan<- StreamChunk) error {
	resp, err := p.post(ctx, request)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ollama returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	// Tool call fragments arrive across chunks; accumulate by index and emit
	// once the final done chunk closes the stream.
	calls := make(map[int]*ollamaToolCall)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama error: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			ch <- StreamChunk{Type: "text", Text: chunk.Message.Content}
		}
		for _, tc := range chunk.Message.ToolCalls {
			tc := tc
			idx := tc.Function.Index
			if existing, ok := calls[idx]; ok {
				for k, v := range tc.Function.Arguments {
					existing.Function.Arguments[k] = v
				}
			} else {
				if tc.Function.Arguments == nil {
					tc.Function.Arguments = map[string]interface{}{}
				}
				calls[idx] = &tc
			}
		}
		if chunk.Done {
			for i := 0; i < len(calls); i++ {
				if tc, ok := calls[i]; ok {
					parsed := parseOllamaToolCalls([]ollamaToolCall{*tc})
					ch <- StreamChunk{Type: "tool_call", ToolCall: &parsed[0]}
				}
			}
			ch <- StreamChunk{Type: "done", Tokens: chunk.PromptEvalCount + chunk.EvalCount}
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ollama stream read failed: %w", err)
	}
	ch <- StreamChunk{Type: "done"}
	return nil
}

func (p *OllamaProvider) post(ctx context.Context, request ollamaRequest) (*http.Response, error) {
	data, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	return resp, nil
}

func (p *OllamaProvider) buildRequest(messages []Message, tools []ToolDefinition, stream bool) ollamaRequest {
	out := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		msg := ollamaMessage{Role: m.Role, Content: m.Content}
		if m.Role == RoleTool {
			msg.ToolName = m.ToolName
		}
		for i, tc := range m.ToolCalls {
			var otc ollamaToolCall
			otc.Function.Index = i
			otc.Function.Name = tc.Name
			otc.Function.Arguments = tc.Args
			msg.ToolCalls = append(msg.ToolCalls, otc)
		}
		out = append(out, msg)
	}

	request := ollamaRequest{
		Model:    p.model,
		Messages: out,
		Stream:   stream,
	}
	if p.temperature > 0 || p.maxTokens > 0 {
		request.Options = &ollamaOptions{
			Temperature: p.temperature,
			NumPredict:  p.maxTokens,
		}
	}
	for _, t := range tools {
		request.Tools = append(request.Tools, ollamaTool{
			Type: "function",
			Function: ollamaToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return request
}

func parseOllamaToolCalls(in []ollamaToolCall) []ToolCall {
	out := make([]ToolCall, 0, len(in))
	for i, tc := range in {
		args := tc.Function.Arguments
		if args == nil {
			args = map[string]interface{}{}
		}
		out = append(out, ToolCall{
			ID:   fmt.Sprintf("call_%d_%s", i, tc.Function.Name),
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
