// Package proxy forwards request bodies to upstream provider
// deployments with the deployment's own credentials attached.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/amerfu/aigateway/internal/services/deployment"
)

const defaultAnthropicVersion = "2023-06-01"

// Upstream path per gateway surface.
const (
	PathChatCompletions = "/chat/completions"
	PathCompletions     = "/completions"
	PathEmbeddings      = "/embeddings"
	PathMessages        = "/messages"
)

type Engine struct {
	client *http.Client
	logger *zap.Logger
}

type EngineConfig struct {
	// Timeout bounds the entire upstream exchange, body included, so
	// a stalled stream cannot pin a connection forever.
	Timeout time.Duration
	Logger  *zap.Logger
}

func NewEngine(cfg *EngineConfig) *Engine {
	return &Engine{
		client: &http.Client{Timeout: cfg.Timeout},
		logger: cfg.Logger,
	}
}

// Forward POSTs body to the deployment at path and returns the raw
// upstream response. The caller owns resp.Body. Client disconnects
// propagate through ctx and abort the upstream call.
func (e *Engine) Forward(ctx context.Context, dep *deployment.Deployment, path string, body []byte) (*http.Response, error) {
	url := dep.URL(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	e.authorize(req, dep)

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Warn("Upstream request failed",
			zap.String("deployment", dep.String()),
			zap.String("path", path),
			zap.Error(err))
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}

	e.logger.Debug("Upstream responded",
		zap.String("deployment", dep.String()),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)))
	return resp, nil
}

// ForwardGet relays a GET to the deployment, used by the attestation
// and signature surfaces which take no body.
func (e *Engine) ForwardGet(ctx context.Context, dep *deployment.Deployment, pathAndQuery string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dep.URL(pathAndQuery), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	e.authorize(req, dep)

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Warn("Upstream request failed",
			zap.String("deployment", dep.String()),
			zap.String("path", pathAndQuery),
			zap.Error(err))
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	return resp, nil
}

// authorize attaches credentials in the upstream's native scheme.
func (e *Engine) authorize(req *http.Request, dep *deployment.Deployment) {
	if dep.SpeaksAnthropic() {
		req.Header.Set("x-api-key", dep.Config.APIKey)
		version := dep.Config.APIVersion
		if version == "" {
			version = defaultAnthropicVersion
		}
		req.Header.Set("anthropic-version", version)
		return
	}
	req.Header.Set("Authorization", "Bearer "+dep.Config.APIKey)
}
