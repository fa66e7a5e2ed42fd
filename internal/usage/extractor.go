// Package usage pulls token counts out of provider responses without
// altering the bytes forwarded to the client. It understands both the
// OpenAI (prompt_tokens/completion_tokens) and Anthropic
// (input_tokens/output_tokens) field names.
package usage

import (
	"bytes"
	"io"

	"github.com/tidwall/gjson"
)

type Usage struct {
	PromptTokens             int
	CompletionTokens         int
	CacheReadInputTokens     int
	CacheCreationInputTokens int
}

func (u *Usage) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens
}

// merge overwrites only the fields present in the payload, so an
// Anthropic message_delta that carries output_tokens alone does not
// wipe the input count from message_start.
func (u *Usage) merge(obj gjson.Result) bool {
	if !obj.IsObject() {
		return false
	}
	found := false
	set := func(field string, dst *int) {
		if v := obj.Get(field); v.Exists() {
			*dst = int(v.Int())
			found = true
		}
	}
	set("prompt_tokens", &u.PromptTokens)
	set("completion_tokens", &u.CompletionTokens)
	set("input_tokens", &u.PromptTokens)
	set("output_tokens", &u.CompletionTokens)
	set("cache_read_input_tokens", &u.CacheReadInputTokens)
	set("cache_creation_input_tokens", &u.CacheCreationInputTokens)
	return found
}

// FromResponseBody extracts usage from a unary JSON response body.
func FromResponseBody(body []byte) (*Usage, bool) {
	var u Usage
	if u.merge(gjson.GetBytes(body, "usage")) {
		return &u, true
	}
	return nil, false
}

// StreamExtractor tees an SSE body to dst while scanning completed
// lines for usage payloads. The downstream write always happens first
// and is never modified; extraction failures cost nothing but the
// counts. The latest usage seen wins.
type StreamExtractor struct {
	dst   io.Writer
	buf   bytes.Buffer
	usage Usage
	seen  bool
}

func NewStreamExtractor(dst io.Writer) *StreamExtractor {
	return &StreamExtractor{dst: dst}
}

func (e *StreamExtractor) Write(p []byte) (int, error) {
	n, err := e.dst.Write(p)
	if n > 0 {
		e.buf.Write(p[:n])
		e.scan()
	}
	return n, err
}

// Usage returns the most recent usage observed, typically read after
// the stream ends.
func (e *StreamExtractor) Usage() (*Usage, bool) {
	if !e.seen {
		return nil, false
	}
	u := e.usage
	return &u, true
}

func (e *StreamExtractor) scan() {
	for {
		line, err := e.buf.ReadBytes('\n')
		if err != nil {
			// Partial line stays buffered for the next write.
			e.buf.Write(line)
			return
		}
		e.scanLine(bytes.TrimSpace(line))
	}
}

func (e *StreamExtractor) scanLine(line []byte) {
	payload, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return
	}

	if e.usage.merge(gjson.GetBytes(payload, "usage")) {
		e.seen = true
	}
	// Anthropic streams carry the input count inside message_start.
	if e.usage.merge(gjson.GetBytes(payload, "message.usage")) {
		e.seen = true
	}
}
