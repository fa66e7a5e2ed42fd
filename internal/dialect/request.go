package dialect

import (
	"encoding/json"
	"fmt"
	"strings"
)

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// ToChatRequest converts an Anthropic Messages request into an OpenAI
// Chat Completions request. Unknown content block types are dropped;
// tool_result blocks become separate role:"tool" messages following the
// message that carried them.
func ToChatRequest(req *MessagesRequest) (*ChatRequest, error) {
	out := &ChatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Stop:        req.StopSequences,
	}
	if req.Metadata != nil {
		out.User = req.Metadata.UserID
	}

	if system, err := systemMessage(req.System); err != nil {
		return nil, err
	} else if system != "" {
		out.Messages = append(out.Messages, ChatMessage{Role: "system", Content: system})
	}

	for i, msg := range req.Messages {
		converted, err := convertMessage(msg)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out.Messages = append(out.Messages, converted...)
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, convertTool(tool))
	}
	out.ToolChoice = convertToolChoice(req.ToolChoice)

	return out, nil
}

// systemMessage flattens the system prompt, which arrives either as a
// plain string or an array of text blocks.
func systemMessage(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", fmt.Errorf("invalid system prompt: %w", err)
	}
	var parts []string
	for _, block := range blocks {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

// convertMessage returns the base chat message plus any trailing tool
// messages produced by tool_result blocks. A message whose blocks all
// translate to tool results produces no base message at all.
func convertMessage(msg MessageParam) ([]ChatMessage, error) {
	var text string
	if err := json.Unmarshal(msg.Content, &text); err == nil {
		return []ChatMessage{{Role: msg.Role, Content: text}}, nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return nil, fmt.Errorf("invalid content: %w", err)
	}

	var (
		parts     []ChatContentPart
		toolCalls []ChatToolCall
		trailing  []ChatMessage
	)
	for _, block := range blocks {
		switch block.Type {
		case "text":
			parts = append(parts, ChatContentPart{Type: "text", Text: block.Text})
		case "image":
			if url := sourceURL(block.Source); url != "" {
				parts = append(parts, ChatContentPart{Type: "image_url", ImageURL: &ChatImageURL{URL: url}})
			}
		case "tool_use":
			args := string(block.Input)
			if args == "" || args == "null" {
				args = "{}"
			}
			toolCalls = append(toolCalls, ChatToolCall{
				ID:   block.ID,
				Type: "function",
				Function: ChatToolCallFunc{
					Name:      block.Name,
					Arguments: args,
				},
			})
		case "tool_result":
			trailing = append(trailing, ChatMessage{
				Role:       "tool",
				ToolCallID: block.ToolUseID,
				Content:    toolResultText(block.Content),
			})
		case "document":
			if file := documentFile(block.Source); file != nil {
				parts = append(parts, ChatContentPart{Type: "file", File: file})
			}
		}
	}

	var out []ChatMessage
	if len(parts) > 0 || len(toolCalls) > 0 {
		base := ChatMessage{Role: msg.Role, ToolCalls: toolCalls}
		switch {
		case len(parts) == 1 && parts[0].Type == "text":
			base.Content = parts[0].Text
		case len(parts) == 0:
			// Tool calls only still need a content field.
			base.Content = ""
		default:
			base.Content = parts
		}
		out = append(out, base)
	}
	return append(out, trailing...), nil
}

func sourceURL(src *BlockSource) string {
	if src == nil {
		return ""
	}
	if src.Type == "url" {
		return src.URL
	}
	return fmt.Sprintf("data:%s;base64,%s", src.MediaType, src.Data)
}

func documentFile(src *BlockSource) *ChatFile {
	if src == nil {
		return nil
	}
	if src.Type == "url" {
		return &ChatFile{FileURL: src.URL, MimeType: src.MediaType}
	}
	return &ChatFile{FileData: src.Data, MimeType: src.MediaType}
}

// toolResultText renders a tool_result payload as a single string the
// way OpenAI tool messages expect: plain strings pass through, text
// blocks concatenate, anything else stays raw JSON.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, block := range blocks {
			if block.Type == "text" {
				parts = append(parts, block.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

func convertTool(tool ToolParam) ChatTool {
	fn := ChatFunction{
		Name:        tool.Name,
		Description: tool.Description,
		Parameters:  tool.InputSchema,
	}
	if len(fn.Parameters) == 0 {
		// Provider built-ins carry no schema and may carry no name.
		if fn.Name == "" {
			fn.Name = tool.Type
		}
		fn.Parameters = emptyObjectSchema
	}
	return ChatTool{Type: "function", Function: fn}
}

func convertToolChoice(choice *ToolChoice) any {
	if choice == nil {
		return nil
	}
	switch choice.Type {
	case "auto":
		return "auto"
	case "any":
		return "required"
	case "tool":
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": choice.Name},
		}
	}
	return nil
}
