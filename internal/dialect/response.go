package dialect

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// ToMessagesResponse converts a unary OpenAI chat completion into an
// Anthropic message. Only the first choice is considered.
func ToMessagesResponse(resp *ChatResponse) *MessagesResponse {
	out := &MessagesResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: resp.Model,
	}
	if out.ID == "" {
		out.ID = fmt.Sprintf("msg_%d", time.Now().UnixMilli())
	}

	var choice *ChatChoice
	if len(resp.Choices) > 0 {
		choice = &resp.Choices[0]
	}

	if choice != nil {
		if text, ok := choice.Message.Content.(string); ok && text != "" {
			out.Content = append(out.Content, ResponseBlock{Type: "text", Text: text})
		}
		for _, call := range choice.Message.ToolCalls {
			out.Content = append(out.Content, ResponseBlock{
				Type:  "tool_use",
				ID:    call.ID,
				Name:  call.Function.Name,
				Input: parseToolInput(call.Function.Arguments),
			})
		}
		out.StopReason = StopReason(choice.FinishReason)
	} else {
		out.StopReason = StopReason("")
	}

	// Anthropic clients expect at least one block.
	if len(out.Content) == 0 {
		out.Content = []ResponseBlock{{Type: "text"}}
	}

	if resp.Usage != nil {
		out.Usage = MessagesUsage{
			InputTokens:              resp.Usage.PromptTokens,
			OutputTokens:             resp.Usage.CompletionTokens,
			CacheReadInputTokens:     resp.Usage.CacheReadInputTokens,
			CacheCreationInputTokens: resp.Usage.CacheCreationInputTokens,
		}
	}
	return out
}

// StopReason maps an OpenAI finish_reason onto the Anthropic
// stop_reason vocabulary. Unknown reasons degrade to end_turn.
func StopReason(finishReason string) string {
	switch finishReason {
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	default:
		return "end_turn"
	}
}

func parseToolInput(arguments string) map[string]any {
	input := map[string]any{}
	if arguments != "" {
		// Partial or invalid JSON from the provider degrades to an
		// empty input rather than failing the whole response.
		_ = json.Unmarshal([]byte(arguments), &input)
	}
	return input
}

// TranslateError re-wraps an upstream error body in the Anthropic error
// shape, tagging which provider produced it. Bodies that are not valid
// JSON or carry no error object get generic defaults.
func TranslateError(provider string, body []byte) *ProviderError {
	out := &ProviderError{
		Error: ProviderErrorDetail{
			Message: "Upstream provider error",
			Type:    "api_error",
		},
		Provider: provider,
	}

	parsed := gjson.GetBytes(body, "error")
	if !parsed.Exists() {
		if msg := gjson.GetBytes(body, "message"); msg.Exists() {
			out.Error.Message = msg.String()
		}
		return out
	}
	if msg := parsed.Get("message"); msg.Exists() {
		out.Error.Message = msg.String()
	}
	if typ := parsed.Get("type"); typ.Exists() {
		out.Error.Type = typ.String()
	}
	if param := parsed.Get("param"); param.Exists() {
		out.Error.Param = param.Value()
	}
	if code := parsed.Get("code"); code.Exists() {
		out.Error.Code = code.Value()
	}
	return out
}
