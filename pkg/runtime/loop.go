package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/skiffhq/skiff/pkg/llms"
)

const (
	maxLoopIterations = 5
	maxLoopDuration   = 60 * time.Second
)

// loopResult is one completed reasoning pass.
type loopResult struct {
	Text     string
	Messages []llms.Message
	// Exhausted is set when the loop hit its iteration or time bound before
	// the model produced a final answer.
	Exhausted bool
}

// converse runs the tool-delegation loop: invoke the model, execute any
// requested tools, feed results back, repeat until a plain answer or a bound.
func (a *Agent) converse(ctx context.Context, messages []llms.Message) (*loopResult, error) {
	ctx, cancel := context.WithTimeout(ctx, maxLoopDuration)
	defer cancel()

	tools := a.toolDefinitions()

	for i := 0; i < maxLoopIterations; i++ {
		resp, err := a.provider.Generate(ctx, messages, tools)
		if err != nil {
			return nil, err
		}

		messages = append(messages, llms.Message{
			Role:      llms.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			return &loopResult{Text: resp.Text, Messages: messages}, nil
		}

		for _, tc := range resp.ToolCalls {
			result, err := a.registry.CallByName(ctx, tc.Name, tc.Args)
			if err != nil {
				// Tool failures go back to the model in-band so it can
				// recover or explain.
				result = "tool error: " + err.Error()
			}
			messages = append(messages, llms.Message{
				Role:       llms.RoleTool,
				Content:    result,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
			})
		}

		if ctx.Err() != nil {
			break
		}
	}

	// Out of iterations or time. Ask for a final answer without tools so the
	// caller still gets something usable.
	finalCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	messages = append(messages, llms.Message{
		Role:    llms.RoleUser,
		Content: "Summarize your progress and give your best final answer now.",
	})
	resp, err := a.provider.Generate(finalCtx, messages, nil)
	if err != nil {
		return nil, err
	}
	messages = append(messages, llms.Message{Role: llms.RoleAssistant, Content: resp.Text})
	return &loopResult{Text: resp.Text, Messages: messages, Exhausted: true}, nil
}

func schemaToMap(raw json.RawMessage) map[string]interface{} {
	params := map[string]interface{}{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &params)
	}
	return params
}
