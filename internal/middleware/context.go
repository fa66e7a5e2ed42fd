// Package middleware carries the gateway's request-scoped admission
// logic and the helpers handlers use to reach its results.
package middleware

import (
	"context"

	"github.com/amerfu/aigateway/internal/models"
	"github.com/amerfu/aigateway/internal/services/deployment"
	"github.com/amerfu/aigateway/internal/services/spend"
)

type contextKey string

const requestContextKey contextKey = "gateway_request_context"

// RequestContext is the admission result for one request. Account and
// Key are nil for anonymous and public-endpoint traffic; Deployment is
// always set once admitted.
type RequestContext struct {
	Account    *models.Account
	Key        *models.ApiKey
	Deployment *deployment.Deployment

	// RequestedModel is the model string exactly as the caller sent it,
	// which may be an alias of Deployment.ModelID.
	RequestedModel string

	SpendMode spend.Mode

	// RequestHash is the hex SHA-256 of the request body, set only for
	// POSTs to confidential-enclave deployments.
	RequestHash string
}

// Billable reports whether this request should produce a spend record.
// Anonymous traffic has no key to charge.
func (rc *RequestContext) Billable() bool {
	return rc.Key != nil
}

func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

func GetRequestContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey).(*RequestContext)
	return rc, ok
}
