// Package ratelimit implements a sliding-window request limiter over two
// fixed 60-second windows in Redis. The previous window is weighted by
// the fraction of the current window remaining, which keeps state at one
// counter per account per minute and admission at one round trip.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	windowSeconds = 60
	keyTTL        = 120 * time.Second
)

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is the unix second the current window rolls over.
	ResetAt int64
}

type Limiter struct {
	client *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

func NewLimiter(client *redis.Client, logger *zap.Logger) *Limiter {
	return &Limiter{
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

// CheckAndIncrement counts this request against the account's window and
// decides admission. The INCR is the authoritative write; on rejection it
// is rolled back, so the window may overshoot by at most one in-flight
// request.
//
// Redis being unreachable admits the request: the limiter never fails
// closed on infrastructure errors.
func (l *Limiter) CheckAndIncrement(ctx context.Context, accountID uint, limit int) (*Result, error) {
	now := l.now().Unix()
	window := now / windowSeconds

	currKey := fmt.Sprintf("ratelimit:%d:%d", accountID, window)
	prevKey := fmt.Sprintf("ratelimit:%d:%d", accountID, window-1)

	pipe := l.client.Pipeline()
	prevCmd := pipe.Get(ctx, prevKey)
	incrCmd := pipe.Incr(ctx, currKey)
	pipe.Expire(ctx, currKey, keyTTL)

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		l.logger.Warn("Rate limiter unavailable, admitting request",
			zap.Uint("account_id", accountID),
			zap.Error(err))
		return &Result{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit,
			ResetAt:   (window + 1) * windowSeconds,
		}, nil
	}

	prev, err := prevCmd.Int64()
	if err != nil {
		prev = 0
	}
	curr := incrCmd.Val()

	progress := float64(now%windowSeconds) / windowSeconds
	estimated := int64(float64(prev)*(1-progress)) + curr

	result := &Result{
		Limit:   limit,
		ResetAt: (window + 1) * windowSeconds,
	}

	if estimated > int64(limit) {
		// Roll back the increment we just made.
		if err := l.client.Decr(ctx, currKey).Err(); err != nil {
			l.logger.Warn("Failed to roll back rate limit increment", zap.Error(err))
		}
		return result, nil
	}

	result.Allowed = true
	if remaining := int64(limit) - estimated; remaining > 0 {
		result.Remaining = int(remaining)
	}
	return result, nil
}

// RetryAfter returns the seconds a rejected caller should wait, at
// least 1.
func (r *Result) RetryAfter(now time.Time) int64 {
	wait := r.ResetAt - now.Unix()
	if wait < 1 {
		wait = 1
	}
	return wait
}
