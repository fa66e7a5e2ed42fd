package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/amerfu/aigateway/internal/services/deployment"
	"github.com/amerfu/aigateway/internal/services/keystore"
	"github.com/amerfu/aigateway/internal/services/ratelimit"
	"github.com/amerfu/aigateway/internal/services/spend"
)

// Paths admitted without authentication.
var publicPrefixes = []string{"/v1/attestation/report", "/v1/signature/"}

// Admission authenticates the caller, checks budgets, classifies the
// spend mode, applies the rate limit, and resolves the deployment. On
// success a RequestContext is attached to the request; any failure is
// answered directly with the gateway error shape.
type Admission struct {
	keys     *keystore.Store
	resolver *deployment.Resolver
	limiter  *ratelimit.Limiter
	logger   *zap.Logger

	freeModels map[string]bool
	defaultRPM int
}

type AdmissionConfig struct {
	Keys     *keystore.Store
	Resolver *deployment.Resolver
	Limiter  *ratelimit.Limiter
	Logger   *zap.Logger

	// FreeModels is the allow-list anonymous callers may use.
	FreeModels []string
	// DefaultRPM applies when the account carries no rate limit.
	DefaultRPM int
}

func NewAdmission(cfg *AdmissionConfig) *Admission {
	free := make(map[string]bool, len(cfg.FreeModels))
	for _, model := range cfg.FreeModels {
		if model = strings.TrimSpace(model); model != "" {
			free[model] = true
		}
	}
	return &Admission{
		keys:       cfg.Keys,
		resolver:   cfg.Resolver,
		limiter:    cfg.Limiter,
		logger:     cfg.Logger,
		freeModels: free,
		defaultRPM: cfg.DefaultRPM,
	}
}

func (a *Admission) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc, body, ok := a.admit(w, r)
		if !ok {
			return
		}
		if body != nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		next.ServeHTTP(w, r.WithContext(WithRequestContext(r.Context(), rc)))
	})
}

// admit runs the full admission procedure. It returns the buffered
// request body so the handler can re-read what model extraction
// consumed. A false return means the response has been written.
func (a *Admission) admit(w http.ResponseWriter, r *http.Request) (*RequestContext, []byte, bool) {
	model, body, err := a.extractModel(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Model parameter is required")
		return nil, nil, false
	}

	rc := &RequestContext{RequestedModel: model, SpendMode: spend.ModeRegular}

	token := bearerToken(r)
	switch {
	case isPublicPath(r.URL.Path):
		// No account, no budget check.
	case token != "":
		key, err := a.keys.LookupToken(r.Context(), token)
		if errors.Is(err, keystore.ErrKeyNotFound) {
			writeError(w, http.StatusUnauthorized, "Invalid API key provided")
			return nil, nil, false
		}
		if err != nil {
			a.logger.Error("Key lookup failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Service temporarily unavailable")
			return nil, nil, false
		}
		rc.Key = key
		rc.Account = &key.Account
		if !a.classify(w, rc) {
			return nil, nil, false
		}
		if !a.applyRateLimit(w, r, rc) {
			return nil, nil, false
		}
	default:
		if !a.freeModels[model] {
			writeError(w, http.StatusForbidden, "This model requires an API key")
			return nil, nil, false
		}
	}

	dep, err := a.resolver.Resolve(r.Context(), model)
	if errors.Is(err, deployment.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Model '%s' is not available", model))
		return nil, nil, false
	}
	if err != nil {
		a.logger.Error("Deployment resolution failed", zap.String("model", model), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Service temporarily unavailable")
		return nil, nil, false
	}
	rc.Deployment = dep

	if dep.IsConfidential() && r.Method == http.MethodPost {
		sum := sha256.Sum256(body)
		rc.RequestHash = hex.EncodeToString(sum[:])
	}

	return rc, body, true
}

// classify sets the spend mode and enforces budget ceilings for an
// authenticated key.
func (a *Admission) classify(w http.ResponseWriter, rc *RequestContext) bool {
	if rc.Key.IsSubscription() {
		switch {
		case !rc.Key.SubscriptionExhausted():
			rc.SpendMode = spend.ModeSubscription
		case rc.Account.Credits.IsPositive():
			rc.SpendMode = spend.ModeSubscriptionOverflow
		default:
			writeError(w, http.StatusPaymentRequired, "Subscription quota exceeded")
			return false
		}
		return true
	}

	if rc.Account.OverBudget() {
		writeError(w, http.StatusPaymentRequired, "Account quota exceeded. Please add credits to continue.")
		return false
	}
	if rc.Key.OverBudget() {
		writeError(w, http.StatusPaymentRequired, "API key quota exceeded")
		return false
	}
	rc.SpendMode = spend.ModeRegular
	return true
}

func (a *Admission) applyRateLimit(w http.ResponseWriter, r *http.Request, rc *RequestContext) bool {
	if rc.Account.IsEnterprise() {
		return true
	}
	limit := a.defaultRPM
	if rc.Account.RateLimitRPM != nil {
		limit = *rc.Account.RateLimitRPM
	}

	result, err := a.limiter.CheckAndIncrement(r.Context(), rc.Account.ID, limit)
	if err != nil {
		// The limiter fails open internally; an error here is a bug,
		// but still not worth rejecting the request over.
		a.logger.Error("Rate limit check failed", zap.Error(err))
		return true
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt, 10))

	if !result.Allowed {
		w.Header().Set("Retry-After", strconv.FormatInt(result.RetryAfter(time.Now()), 10))
		writeRateLimitError(w)
		return false
	}
	return true
}

// extractModel pulls the requested model from the JSON body for POSTs
// or the query string otherwise, returning the buffered body for POSTs.
func (a *Admission) extractModel(r *http.Request) (string, []byte, error) {
	if r.Method != http.MethodPost {
		model := r.URL.Query().Get("model")
		if model == "" {
			return "", nil, errors.New("missing model parameter")
		}
		return model, nil, nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read request body: %w", err)
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		return "", nil, errors.New("missing model field")
	}
	return model, body, nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func isPublicPath(path string) bool {
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Message: message,
		Type:    "error",
	}})
}

func writeRateLimitError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Message: "Rate limit exceeded. Please slow down your requests.",
		Type:    "rate_limit_error",
		Code:    "rate_limit_exceeded",
	}})
}
