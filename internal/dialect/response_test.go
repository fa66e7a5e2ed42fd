package dialect

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMessagesResponseText(t *testing.T) {
	resp := &ChatResponse{
		ID:    "chatcmpl-1",
		Model: "gpt-x",
		Choices: []ChatChoice{{
			Message:      ChatMessage{Role: "assistant", Content: "hi there"},
			FinishReason: "stop",
		}},
		Usage: &ChatUsage{PromptTokens: 12, CompletionTokens: 4},
	}

	out := ToMessagesResponse(resp)
	assert.Equal(t, "chatcmpl-1", out.ID)
	assert.Equal(t, "message", out.Type)
	assert.Equal(t, "assistant", out.Role)
	require.Len(t, out.Content, 1)
	assert.Equal(t, "text", out.Content[0].Type)
	assert.Equal(t, "hi there", out.Content[0].Text)
	assert.Equal(t, "end_turn", out.StopReason)
	assert.Equal(t, 12, out.Usage.InputTokens)
	assert.Equal(t, 4, out.Usage.OutputTokens)
}

func TestToMessagesResponseToolCalls(t *testing.T) {
	resp := &ChatResponse{
		ID: "chatcmpl-2",
		Choices: []ChatChoice{{
			Message: ChatMessage{
				Role: "assistant",
				ToolCalls: []ChatToolCall{{
					ID:   "c1",
					Type: "function",
					Function: ChatToolCallFunc{
						Name:      "get_weather",
						Arguments: `{"city":"NYC"}`,
					},
				}},
			},
			FinishReason: "tool_calls",
		}},
	}

	out := ToMessagesResponse(resp)
	require.Len(t, out.Content, 1)
	block := out.Content[0]
	assert.Equal(t, "tool_use", block.Type)
	assert.Equal(t, "c1", block.ID)
	assert.Equal(t, "get_weather", block.Name)
	assert.Equal(t, map[string]any{"city": "NYC"}, block.Input)
	assert.Equal(t, "tool_use", out.StopReason)
}

func TestToMessagesResponseEmptyContent(t *testing.T) {
	out := ToMessagesResponse(&ChatResponse{
		Choices: []ChatChoice{{Message: ChatMessage{Role: "assistant"}}},
	})
	require.Len(t, out.Content, 1)
	assert.Equal(t, "text", out.Content[0].Type)
	assert.Equal(t, "", out.Content[0].Text)

	// Synthesized id.
	assert.True(t, strings.HasPrefix(out.ID, "msg_"))

	// The empty text block keeps its text field on the wire.
	data, err := json.Marshal(out.Content[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"text","text":""}`, string(data))
}

func TestToMessagesResponseBadToolArguments(t *testing.T) {
	out := ToMessagesResponse(&ChatResponse{
		Choices: []ChatChoice{{
			Message: ChatMessage{ToolCalls: []ChatToolCall{{
				ID:       "c1",
				Function: ChatToolCallFunc{Name: "f", Arguments: `{"broken`},
			}}},
			FinishReason: "tool_calls",
		}},
	})
	require.Len(t, out.Content, 1)
	assert.Equal(t, map[string]any{}, out.Content[0].Input)
}

func TestStopReasonMapping(t *testing.T) {
	cases := map[string]string{
		"stop":           "end_turn",
		"content_filter": "end_turn",
		"length":         "max_tokens",
		"tool_calls":     "tool_use",
		"function_call":  "tool_use",
		"weird":          "end_turn",
		"":               "end_turn",
	}
	for finish, want := range cases {
		assert.Equal(t, want, StopReason(finish), "finish_reason=%q", finish)
	}
}

func TestToMessagesResponseCacheTokens(t *testing.T) {
	out := ToMessagesResponse(&ChatResponse{
		Choices: []ChatChoice{{Message: ChatMessage{Content: "x"}}},
		Usage: &ChatUsage{
			PromptTokens:             100,
			CompletionTokens:         5,
			CacheReadInputTokens:     80,
			CacheCreationInputTokens: 20,
		},
	})
	assert.Equal(t, 80, out.Usage.CacheReadInputTokens)
	assert.Equal(t, 20, out.Usage.CacheCreationInputTokens)
}

func TestTranslateError(t *testing.T) {
	body := []byte(`{"error":{"message":"model overloaded","type":"overloaded_error","code":529}}`)
	out := TranslateError("openrouter", body)
	assert.Equal(t, "model overloaded", out.Error.Message)
	assert.Equal(t, "overloaded_error", out.Error.Type)
	assert.Equal(t, float64(529), out.Error.Code)
	assert.Equal(t, "openrouter", out.Provider)
}

func TestTranslateErrorDefaults(t *testing.T) {
	out := TranslateError("openai", []byte(`not json at all`))
	assert.Equal(t, "Upstream provider error", out.Error.Message)
	assert.Equal(t, "api_error", out.Error.Type)
	assert.Nil(t, out.Error.Param)
	assert.Nil(t, out.Error.Code)
}
