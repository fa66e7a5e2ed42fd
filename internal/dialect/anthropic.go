package dialect

import "encoding/json"

// MessagesRequest is an Anthropic Messages API request. System and
// per-message content keep their raw JSON because both accept a string
// or an array of blocks.
type MessagesRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	System        json.RawMessage `json:"system,omitempty"`
	Messages      []MessageParam  `json:"messages"`
	Tools         []ToolParam     `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	Metadata      *Metadata       `json:"metadata,omitempty"`
}

type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

type MessageParam struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentBlock is the discriminated union of Anthropic request content
// blocks. Unknown Type values are dropped silently on the request path.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image, document
	Source *BlockSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type BlockSource struct {
	Type      string `json:"type"`
	URL       string `json:"url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// ToolParam with an InputSchema is a client-defined function; one with
// only a Type is a provider built-in.
type ToolParam struct {
	Type        string          `json:"type,omitempty"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type MessagesResponse struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Role         string          `json:"role"`
	Model        string          `json:"model,omitempty"`
	Content      []ResponseBlock `json:"content"`
	StopReason   string          `json:"stop_reason,omitempty"`
	StopSequence *string         `json:"stop_sequence"`
	Usage        MessagesUsage   `json:"usage"`
}

// ResponseBlock is a response content block: text or tool_use.
type ResponseBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"-"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// MarshalJSON keeps the text field present (possibly empty) on text
// blocks and absent on tool_use blocks.
func (b ResponseBlock) MarshalJSON() ([]byte, error) {
	if b.Type == "text" {
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{b.Type, b.Text})
	}
	type alias ResponseBlock
	return json.Marshal(alias(b))
}

func (b *ResponseBlock) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type  string         `json:"type"`
		Text  string         `json:"text"`
		ID    string         `json:"id"`
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*b = ResponseBlock{Type: raw.Type, Text: raw.Text, ID: raw.ID, Name: raw.Name, Input: raw.Input}
	return nil
}

type MessagesUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// ProviderError is the Anthropic-side rendering of an upstream failure.
type ProviderError struct {
	Error    ProviderErrorDetail `json:"error"`
	Provider string              `json:"provider,omitempty"`
}

type ProviderErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   any    `json:"param"`
	Code    any    `json:"code"`
}
