package handlers

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/aigateway/internal/dialect"
	"github.com/amerfu/aigateway/internal/middleware"
	"github.com/amerfu/aigateway/internal/proxy"
	"github.com/amerfu/aigateway/internal/services/spend"
	"github.com/amerfu/aigateway/internal/usage"
)

// MessagesHandler serves /v1/messages. Deployments that natively speak
// the Anthropic dialect get a plain passthrough; everything else goes
// through the dialect bridge in both directions.
type MessagesHandler struct {
	engine      *proxy.Engine
	passthrough *LLMHandler
	logger      *zap.Logger
}

type MessagesHandlerConfig struct {
	Engine *proxy.Engine
	Queue  *spend.Queue
	Logger *zap.Logger
}

func NewMessagesHandler(cfg *MessagesHandlerConfig) *MessagesHandler {
	return &MessagesHandler{
		engine: cfg.Engine,
		passthrough: NewLLMHandler(&LLMHandlerConfig{
			Engine: cfg.Engine,
			Queue:  cfg.Queue,
			Logger: cfg.Logger,
		}),
		logger: cfg.Logger,
	}
}

func (h *MessagesHandler) Messages(w http.ResponseWriter, r *http.Request) {
	rc, ok := middleware.GetRequestContext(r.Context())
	if !ok {
		WriteError(w, http.StatusInternalServerError, "Service temporarily unavailable")
		return
	}

	if rc.Deployment.SpeaksAnthropic() {
		h.passthrough.passthrough(w, r, proxy.PathMessages)
		return
	}
	h.bridge(w, r, rc)
}

// bridge translates the Anthropic request into a chat completion, sends
// it upstream, and translates the response back.
func (h *MessagesHandler) bridge(w http.ResponseWriter, r *http.Request, rc *middleware.RequestContext) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	var anthropicReq dialect.MessagesRequest
	if err := json.Unmarshal(body, &anthropicReq); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	chatReq, err := dialect.ToChatRequest(&anthropicReq)
	if err != nil {
		h.logger.Debug("Request translation failed", zap.Error(err))
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	// The upstream knows the deployment name, not the caller's alias.
	chatReq.Model = rc.Deployment.DeploymentName

	upstreamBody, err := json.Marshal(chatReq)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Service temporarily unavailable")
		return
	}

	start := time.Now()
	resp, err := h.engine.Forward(r.Context(), rc.Deployment, proxy.PathChatCompletions, upstreamBody)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Service temporarily unavailable")
		return
	}
	defer resp.Body.Close()

	var (
		tokens  *usage.Usage
		sawUse  bool
		status  = resp.StatusCode
		streams = chatReq.Stream && isEventStream(resp)
	)
	if streams {
		tokens, sawUse = h.bridgeStream(w, resp.Body, rc.RequestedModel)
	} else {
		tokens, sawUse = h.bridgeUnary(w, resp, rc.Deployment.Provider)
	}

	if rc.Billable() && sawUse {
		h.passthrough.enqueueUsage(rc, proxy.PathMessages, status, time.Since(start), tokens)
	}
}

func (h *MessagesHandler) bridgeUnary(w http.ResponseWriter, resp *http.Response, provider string) (*usage.Usage, bool) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.logger.Warn("Failed to read upstream response", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "Service temporarily unavailable")
		return nil, false
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.WriteHeader(resp.StatusCode)
		json.NewEncoder(w).Encode(dialect.TranslateError(provider, body))
		return nil, false
	}

	var chatResp dialect.ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		h.logger.Warn("Unparseable upstream response", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "Service temporarily unavailable")
		return nil, false
	}

	translated := dialect.ToMessagesResponse(&chatResp)
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(translated); err != nil {
		h.logger.Debug("Client write failed", zap.Error(err))
	}

	if chatResp.Usage == nil {
		return nil, false
	}
	return &usage.Usage{
		PromptTokens:             chatResp.Usage.PromptTokens,
		CompletionTokens:         chatResp.Usage.CompletionTokens,
		CacheReadInputTokens:     chatResp.Usage.CacheReadInputTokens,
		CacheCreationInputTokens: chatResp.Usage.CacheCreationInputTokens,
	}, true
}

// bridgeStream rewrites the upstream OpenAI SSE stream into Anthropic
// events line by line.
func (h *MessagesHandler) bridgeStream(w http.ResponseWriter, body io.Reader, model string) (*usage.Usage, bool) {
	sw := middleware.NewStreamingResponseWriter(w)
	sw.Header().Set("Content-Type", "text/event-stream")
	sw.Header().Set("Cache-Control", "no-cache")
	sw.Header().Set("Connection", "keep-alive")
	sw.WriteHeader(http.StatusOK)

	bridge := dialect.NewStreamBridge(model)
	emit := func(events []dialect.Event) bool {
		for _, event := range events {
			if err := dialect.WriteEvent(sw, event); err != nil {
				h.logger.Debug("Stream write failed", zap.Error(err))
				return false
			}
		}
		if len(events) > 0 {
			sw.Flush()
		}
		return true
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if !emit(bridge.ProcessLine(scanner.Text())) {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		h.logger.Debug("Upstream stream ended early", zap.Error(err))
	}
	// EOF without [DONE] still closes the message.
	emit(bridge.Finish())

	u, ok := bridge.Usage()
	if !ok {
		return nil, false
	}
	return &usage.Usage{
		PromptTokens:             u.InputTokens,
		CompletionTokens:         u.OutputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens,
	}, true
}
