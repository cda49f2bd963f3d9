package llms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/skiffhq/skiff/pkg/config"
)

// OpenAIProvider wraps the OpenAI chat completions API, including
// OpenAI-compatible endpoints reached through base_url.
type OpenAIProvider struct {
	client      *openai.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewOpenAIProvider builds a provider from a manifest's llm section. The API
// key comes from OPENAI_API_KEY.
func NewOpenAIProvider(cfg config.LLMSection) (*OpenAIProvider, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

func (p *OpenAIProvider) ModelName() string { return p.model }

func (p *OpenAIProvider) Close() error { return nil }

func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (*Response, error) {
	req := p.buildRequest(messages, tools, false)

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	choice := resp.Choices[0]
	out := &Response{
		Text:   choice.Message.Content,
		Tokens: resp.Usage.TotalTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: parseArguments(tc.Function.Arguments),
		})
	}
	return out, nil
}

func (p *OpenAIProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	req := p.buildRequest(messages, tools, true)

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai stream failed: %w", err)
	}

	ch := make(chan StreamChunk, 64)
	go func() {
		defer close(ch)
		defer stream.Close()

		// Tool call arguments stream as string fragments keyed by index.
		type partial struct {
			id   string
			name string
			args string
		}
		calls := make(map[int]*partial)

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				ch <- StreamChunk{Type: "error", Error: fmt.Errorf("openai stream read failed: %w", err)}
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta
			if delta.Content != "" {
				ch <- StreamChunk{Type: "text", Text: delta.Content}
			}
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				frag, ok := calls[idx]
				if !ok {
					frag = &partial{}
					calls[idx] = frag
				}
				if tc.ID != "" {
					frag.id = tc.ID
				}
				if tc.Function.Name != "" {
					frag.name = tc.Function.Name
				}
				frag.args += tc.Function.Arguments
			}
		}

		for i := 0; i < len(calls); i++ {
			if frag, ok := calls[i]; ok {
				ch <- StreamChunk{Type: "tool_call", ToolCall: &ToolCall{
					ID:   frag.id,
					Name: frag.name,
					Args: parseArguments(frag.args),
				}}
			}
		}
		ch <- StreamChunk{Type: "done"}
	}()
	return ch, nil
}

func (p *OpenAIProvider) buildRequest(messages []Message, tools []ToolDefinition, stream bool) openai.ChatCompletionRequest {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Args)
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		out = append(out, msg)
	}

	req := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    out,
		Stream:      stream,
		Temperature: float32(p.temperature),
	}
	if p.maxTokens > 0 {
		req.MaxTokens = p.maxTokens
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return req
}

func parseArguments(raw string) map[string]interface{} {
	args := map[string]interface{}{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &args)
	}
	return args
}
