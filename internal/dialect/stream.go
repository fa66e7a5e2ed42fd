package dialect

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// Event is one Anthropic SSE event ready to be written as
// "event: <Name>\ndata: <json>\n\n".
type Event struct {
	Name string
	Data any
}

// WriteEvent serializes one event onto an SSE stream.
func WriteEvent(w io.Writer, e Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", e.Name, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Name, data)
	return err
}

type messageStartPayload struct {
	Type    string           `json:"type"`
	Message MessagesResponse `json:"message"`
}

type contentBlockStartPayload struct {
	Type         string        `json:"type"`
	Index        int           `json:"index"`
	ContentBlock ResponseBlock `json:"content_block"`
}

type contentBlockDeltaPayload struct {
	Type  string     `json:"type"`
	Index int        `json:"index"`
	Delta blockDelta `json:"delta"`
}

type blockDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type contentBlockStopPayload struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type messageDeltaPayload struct {
	Type  string        `json:"type"`
	Delta messageDelta  `json:"delta"`
	Usage MessagesUsage `json:"usage"`
}

type messageDelta struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

type messageStopPayload struct {
	Type string `json:"type"`
}

// StreamBridge rewrites an OpenAI chat-completion SSE stream into the
// Anthropic Messages event protocol. Feed it upstream lines one at a
// time; it returns the Anthropic events each line produces. "[DONE]"
// and plain EOF (via Finish) are equivalent terminators.
type StreamBridge struct {
	model     string
	messageID string

	started  bool
	closed   bool
	textOpen bool

	// contentIndex is the index of the text block; tool blocks sit at
	// contentIndex+1+deltaIndex so interleaved tool deltas keep stable
	// positions.
	contentIndex int
	toolsStarted map[int]bool

	finishReason string
	usage        MessagesUsage
	hasUsage     bool
}

func NewStreamBridge(model string) *StreamBridge {
	return &StreamBridge{
		model:        model,
		toolsStarted: make(map[int]bool),
	}
}

// ProcessLine handles one raw line from the upstream SSE body.
// Non-data lines and malformed payloads are skipped without output.
func (b *StreamBridge) ProcessLine(line string) []Event {
	if b.closed {
		return nil
	}
	line = strings.TrimSpace(line)
	payload, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return nil
	}
	payload = strings.TrimSpace(payload)
	if payload == "[DONE]" {
		return b.close()
	}

	var chunk ChatStreamChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return nil
	}
	return b.processChunk(&chunk)
}

// Finish terminates the stream if the upstream closed without a
// "[DONE]" marker, so downstream clients never hang waiting for
// message_stop.
func (b *StreamBridge) Finish() []Event {
	if b.closed {
		return nil
	}
	return b.close()
}

// Usage returns the last usage object seen on the stream, if any.
func (b *StreamBridge) Usage() (MessagesUsage, bool) {
	return b.usage, b.hasUsage
}

func (b *StreamBridge) processChunk(chunk *ChatStreamChunk) []Event {
	var events []Event

	if !b.started {
		b.started = true
		b.messageID = chunk.ID
		if b.messageID == "" {
			b.messageID = fmt.Sprintf("msg_%d", time.Now().UnixMilli())
		}
		if chunk.Model != "" {
			b.model = chunk.Model
		}
		events = append(events, b.messageStart())
	}

	if chunk.Usage != nil {
		// Providers disagree on whether usage arrives once at the end
		// or cumulatively; the last value wins either way.
		b.usage = MessagesUsage{
			InputTokens:              chunk.Usage.PromptTokens,
			OutputTokens:             chunk.Usage.CompletionTokens,
			CacheReadInputTokens:     chunk.Usage.CacheReadInputTokens,
			CacheCreationInputTokens: chunk.Usage.CacheCreationInputTokens,
		}
		b.hasUsage = true
	}

	for _, choice := range chunk.Choices {
		if choice.Delta.Content != nil && *choice.Delta.Content != "" {
			if !b.textOpen {
				b.textOpen = true
				events = append(events, Event{"content_block_start", contentBlockStartPayload{
					Type:         "content_block_start",
					Index:        b.contentIndex,
					ContentBlock: ResponseBlock{Type: "text"},
				}})
			}
			events = append(events, Event{"content_block_delta", contentBlockDeltaPayload{
				Type:  "content_block_delta",
				Index: b.contentIndex,
				Delta: blockDelta{Type: "text_delta", Text: *choice.Delta.Content},
			}})
		}

		for _, call := range choice.Delta.ToolCalls {
			events = append(events, b.processToolDelta(call)...)
		}

		if choice.FinishReason != "" {
			b.finishReason = choice.FinishReason
		}
	}

	return events
}

func (b *StreamBridge) processToolDelta(call ChatToolCall) []Event {
	var events []Event
	index := b.toolIndex(call.Index)

	if !b.toolsStarted[call.Index] && call.ID != "" {
		b.toolsStarted[call.Index] = true
		if b.textOpen {
			b.textOpen = false
			events = append(events, Event{"content_block_stop", contentBlockStopPayload{
				Type:  "content_block_stop",
				Index: b.contentIndex,
			}})
		}
		events = append(events, Event{"content_block_start", contentBlockStartPayload{
			Type:  "content_block_start",
			Index: index,
			ContentBlock: ResponseBlock{
				Type:  "tool_use",
				ID:    call.ID,
				Name:  call.Function.Name,
				Input: map[string]any{},
			},
		}})
	}

	if call.Function.Arguments != "" {
		events = append(events, Event{"content_block_delta", contentBlockDeltaPayload{
			Type:  "content_block_delta",
			Index: index,
			Delta: blockDelta{Type: "input_json_delta", PartialJSON: call.Function.Arguments},
		}})
	}
	return events
}

func (b *StreamBridge) toolIndex(deltaIndex int) int {
	return b.contentIndex + 1 + deltaIndex
}

func (b *StreamBridge) messageStart() Event {
	return Event{"message_start", messageStartPayload{
		Type: "message_start",
		Message: MessagesResponse{
			ID:      b.messageID,
			Type:    "message",
			Role:    "assistant",
			Model:   b.model,
			Content: []ResponseBlock{},
			Usage:   MessagesUsage{InputTokens: b.usage.InputTokens},
		},
	}}
}

func (b *StreamBridge) close() []Event {
	b.closed = true

	var events []Event
	if !b.started {
		// Upstream produced nothing; synthesize the envelope so the
		// client still gets a well-formed message.
		b.started = true
		b.messageID = fmt.Sprintf("msg_%d", time.Now().UnixMilli())
		events = append(events, b.messageStart())
	}

	if b.textOpen {
		b.textOpen = false
		events = append(events, Event{"content_block_stop", contentBlockStopPayload{
			Type:  "content_block_stop",
			Index: b.contentIndex,
		}})
	}

	toolIndexes := make([]int, 0, len(b.toolsStarted))
	for idx := range b.toolsStarted {
		toolIndexes = append(toolIndexes, idx)
	}
	sort.Ints(toolIndexes)
	for _, idx := range toolIndexes {
		events = append(events, Event{"content_block_stop", contentBlockStopPayload{
			Type:  "content_block_stop",
			Index: b.toolIndex(idx),
		}})
	}

	events = append(events,
		Event{"message_delta", messageDeltaPayload{
			Type:  "message_delta",
			Delta: messageDelta{StopReason: StopReason(b.finishReason)},
			Usage: b.usage,
		}},
		Event{"message_stop", messageStopPayload{Type: "message_stop"}},
	)
	return events
}
