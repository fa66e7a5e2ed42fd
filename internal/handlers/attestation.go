package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/amerfu/aigateway/internal/middleware"
	"github.com/amerfu/aigateway/internal/proxy"
)

// AttestationHandler serves the public confidential-compute surfaces:
// enclave attestation reports and per-request signatures. Both proxy a
// GET to the resolved deployment.
type AttestationHandler struct {
	engine *proxy.Engine
	logger *zap.Logger
}

func NewAttestationHandler(engine *proxy.Engine, logger *zap.Logger) *AttestationHandler {
	return &AttestationHandler{engine: engine, logger: logger}
}

// Report serves GET /v1/attestation/report?model=…
func (h *AttestationHandler) Report(w http.ResponseWriter, r *http.Request) {
	h.relay(w, r, "/attestation/report")
}

// Signature serves GET /v1/signature/{hash}?model=…, where hash is the
// request hash computed at admission for confidential deployments.
func (h *AttestationHandler) Signature(w http.ResponseWriter, r *http.Request) {
	h.relay(w, r, "/signature/"+chi.URLParam(r, "hash"))
}

func (h *AttestationHandler) relay(w http.ResponseWriter, r *http.Request, path string) {
	rc, ok := middleware.GetRequestContext(r.Context())
	if !ok {
		WriteError(w, http.StatusInternalServerError, "Service temporarily unavailable")
		return
	}

	resp, err := h.engine.ForwardGet(r.Context(), rc.Deployment, path)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Service temporarily unavailable")
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Debug("Client write failed", zap.Error(err))
	}
}
