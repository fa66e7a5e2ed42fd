// Package handlers implements the caller-facing HTTP surface. Every
// LLM handler assumes admission has already attached a RequestContext.
package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/aigateway/internal/middleware"
	"github.com/amerfu/aigateway/internal/proxy"
	"github.com/amerfu/aigateway/internal/services/spend"
	"github.com/amerfu/aigateway/internal/usage"
)

// LLMHandler serves the OpenAI-dialect passthrough endpoints. Bodies
// flow to the upstream unmodified; responses flow back teed through the
// usage extractor.
type LLMHandler struct {
	engine *proxy.Engine
	queue  *spend.Queue
	logger *zap.Logger
}

type LLMHandlerConfig struct {
	Engine *proxy.Engine
	Queue  *spend.Queue
	Logger *zap.Logger
}

func NewLLMHandler(cfg *LLMHandlerConfig) *LLMHandler {
	return &LLMHandler{
		engine: cfg.Engine,
		queue:  cfg.Queue,
		logger: cfg.Logger,
	}
}

func (h *LLMHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.passthrough(w, r, proxy.PathChatCompletions)
}

func (h *LLMHandler) Completions(w http.ResponseWriter, r *http.Request) {
	h.passthrough(w, r, proxy.PathCompletions)
}

func (h *LLMHandler) Embeddings(w http.ResponseWriter, r *http.Request) {
	h.passthrough(w, r, proxy.PathEmbeddings)
}

func (h *LLMHandler) passthrough(w http.ResponseWriter, r *http.Request, path string) {
	rc, ok := middleware.GetRequestContext(r.Context())
	if !ok {
		WriteError(w, http.StatusInternalServerError, "Service temporarily unavailable")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	start := time.Now()
	resp, err := h.engine.Forward(r.Context(), rc.Deployment, path, body)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Service temporarily unavailable")
		return
	}
	defer resp.Body.Close()

	tokens, ok := h.relay(w, resp)

	if rc.Billable() && ok {
		h.enqueueUsage(rc, path, resp.StatusCode, time.Since(start), tokens)
	}
}

// relay copies the upstream response to the client, teeing SSE bodies
// through the stream extractor. It returns the usage observed, if any.
func (h *LLMHandler) relay(w http.ResponseWriter, resp *http.Response) (*usage.Usage, bool) {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}

	if isEventStream(resp) {
		sw := middleware.NewStreamingResponseWriter(w)
		sw.WriteHeader(resp.StatusCode)
		extractor := usage.NewStreamExtractor(sw)
		if err := flushCopy(extractor, sw, resp.Body); err != nil {
			// Client gone or upstream died mid-stream; the record, if
			// usage was seen, is still worth settling.
			h.logger.Debug("Stream relay ended early", zap.Error(err))
		}
		return extractor.Usage()
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.logger.Warn("Failed to read upstream response", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "Service temporarily unavailable")
		return nil, false
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		h.logger.Debug("Client write failed", zap.Error(err))
	}
	return usage.FromResponseBody(body)
}

func (h *LLMHandler) enqueueUsage(rc *middleware.RequestContext, endpoint string, status int, duration time.Duration, tokens *usage.Usage) {
	record := &spend.Record{
		Timestamp:          time.Now(),
		Endpoint:           endpoint,
		Status:             status,
		DurationMS:         duration.Milliseconds(),
		AccountID:          rc.Account.ID,
		KeyID:              rc.Key.ID,
		DeploymentID:       rc.Deployment.ID,
		Provider:           rc.Deployment.Provider,
		Model:              rc.RequestedModel,
		Mode:               rc.SpendMode,
		InputTokens:        tokens.PromptTokens,
		OutputTokens:       tokens.CompletionTokens,
		InputCostPerToken:  rc.Deployment.InputCostPerToken.String(),
		OutputCostPerToken: rc.Deployment.OutputCostPerToken.String(),
	}
	// The request context may already be canceled; the enqueue is
	// best effort either way.
	if err := h.queue.Enqueue(context.Background(), record); err != nil {
		h.logger.Warn("Failed to enqueue spend record",
			zap.String("model", record.Model),
			zap.Error(err))
	}
}

func isEventStream(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

// flushCopy pumps the body to dst, flushing after every read so SSE
// chunks reach the client immediately.
func flushCopy(dst io.Writer, flusher http.Flusher, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			flusher.Flush()
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
