package dialect

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToChatRequestBasics(t *testing.T) {
	temp := 0.7
	req := &MessagesRequest{
		Model:         "claude-x",
		MaxTokens:     256,
		System:        json.RawMessage(`"You are terse."`),
		Temperature:   &temp,
		StopSequences: []string{"END"},
		Stream:        true,
		Metadata:      &Metadata{UserID: "u-1"},
		Messages: []MessageParam{
			{Role: "user", Content: json.RawMessage(`"hello"`)},
		},
	}

	out, err := ToChatRequest(req)
	require.NoError(t, err)

	assert.Equal(t, "claude-x", out.Model)
	assert.Equal(t, 256, out.MaxTokens)
	assert.True(t, out.Stream)
	assert.Equal(t, []string{"END"}, out.Stop)
	assert.Equal(t, "u-1", out.User)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "system", out.Messages[0].Role)
	assert.Equal(t, "You are terse.", out.Messages[0].Content)
	assert.Equal(t, "user", out.Messages[1].Role)
	assert.Equal(t, "hello", out.Messages[1].Content)
}

func TestToChatRequestSystemBlocks(t *testing.T) {
	req := &MessagesRequest{
		Model:     "m",
		MaxTokens: 1,
		System:    json.RawMessage(`[{"type":"text","text":"a"},{"type":"text","text":"b"}]`),
		Messages:  []MessageParam{{Role: "user", Content: json.RawMessage(`"x"`)}},
	}
	out, err := ToChatRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "a\nb", out.Messages[0].Content)
}

func TestToChatRequestSingleTextBlockSimplifies(t *testing.T) {
	req := &MessagesRequest{
		Model:     "m",
		MaxTokens: 1,
		Messages: []MessageParam{
			{Role: "user", Content: json.RawMessage(`[{"type":"text","text":"just text"}]`)},
		},
	}
	out, err := ToChatRequest(req)
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "just text", out.Messages[0].Content)
}

func TestToChatRequestImageBlocks(t *testing.T) {
	req := &MessagesRequest{
		Model:     "m",
		MaxTokens: 1,
		Messages: []MessageParam{
			{Role: "user", Content: json.RawMessage(`[
				{"type":"text","text":"look"},
				{"type":"image","source":{"type":"url","url":"https://img/x.png"}},
				{"type":"image","source":{"type":"base64","media_type":"image/png","data":"AAAA"}}
			]`)},
		},
	}
	out, err := ToChatRequest(req)
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)

	parts, ok := out.Messages[0].Content.([]ChatContentPart)
	require.True(t, ok)
	require.Len(t, parts, 3)
	assert.Equal(t, "look", parts[0].Text)
	assert.Equal(t, "https://img/x.png", parts[1].ImageURL.URL)
	assert.Equal(t, "data:image/png;base64,AAAA", parts[2].ImageURL.URL)
}

func TestToChatRequestToolUseAndResult(t *testing.T) {
	req := &MessagesRequest{
		Model:     "m",
		MaxTokens: 1,
		Messages: []MessageParam{
			{Role: "assistant", Content: json.RawMessage(`[
				{"type":"tool_use","id":"c1","name":"get_weather","input":{"city":"NYC"}}
			]`)},
			{Role: "user", Content: json.RawMessage(`[
				{"type":"tool_result","tool_use_id":"c1","content":"sunny"}
			]`)},
		},
	}
	out, err := ToChatRequest(req)
	require.NoError(t, err)
	require.Len(t, out.Messages, 2)

	// Assistant message with only tool calls carries empty string content.
	assistant := out.Messages[0]
	assert.Equal(t, "", assistant.Content)
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "c1", assistant.ToolCalls[0].ID)
	assert.Equal(t, "function", assistant.ToolCalls[0].Type)
	assert.Equal(t, "get_weather", assistant.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"city":"NYC"}`, assistant.ToolCalls[0].Function.Arguments)

	tool := out.Messages[1]
	assert.Equal(t, "tool", tool.Role)
	assert.Equal(t, "c1", tool.ToolCallID)
	assert.Equal(t, "sunny", tool.Content)
}

func TestToChatRequestDropsUnknownBlocks(t *testing.T) {
	req := &MessagesRequest{
		Model:     "m",
		MaxTokens: 1,
		Messages: []MessageParam{
			{Role: "user", Content: json.RawMessage(`[
				{"type":"thinking","thinking":"hmm"},
				{"type":"text","text":"kept"}
			]`)},
		},
	}
	out, err := ToChatRequest(req)
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "kept", out.Messages[0].Content)
}

func TestToChatRequestTools(t *testing.T) {
	req := &MessagesRequest{
		Model:     "m",
		MaxTokens: 1,
		Messages:  []MessageParam{{Role: "user", Content: json.RawMessage(`"x"`)}},
		Tools: []ToolParam{
			{
				Name:        "get_weather",
				Description: "weather lookup",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
			},
			{Type: "web_search_20250305", Name: "web_search"},
		},
		ToolChoice: &ToolChoice{Type: "tool", Name: "get_weather"},
	}
	out, err := ToChatRequest(req)
	require.NoError(t, err)

	require.Len(t, out.Tools, 2)
	assert.Equal(t, "function", out.Tools[0].Type)
	assert.Equal(t, "get_weather", out.Tools[0].Function.Name)
	assert.Contains(t, string(out.Tools[0].Function.Parameters), "city")

	// Built-in tool: named, with an empty object schema.
	assert.Equal(t, "web_search", out.Tools[1].Function.Name)
	assert.JSONEq(t, `{"type":"object","properties":{}}`, string(out.Tools[1].Function.Parameters))

	choice, ok := out.ToolChoice.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "function", choice["type"])
}

func TestToChatRequestToolChoiceModes(t *testing.T) {
	base := MessagesRequest{
		Model:     "m",
		MaxTokens: 1,
		Messages:  []MessageParam{{Role: "user", Content: json.RawMessage(`"x"`)}},
	}

	auto := base
	auto.ToolChoice = &ToolChoice{Type: "auto"}
	out, err := ToChatRequest(&auto)
	require.NoError(t, err)
	assert.Equal(t, "auto", out.ToolChoice)

	any := base
	any.ToolChoice = &ToolChoice{Type: "any"}
	out, err = ToChatRequest(&any)
	require.NoError(t, err)
	assert.Equal(t, "required", out.ToolChoice)
}
