// Package spend implements the usage settlement pipeline: requests
// enqueue durable spend records into Redis, and a single leased worker
// drains them in batches into the budget tables and the analytical
// store.
package spend

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Mode decides which budgets a record settles against.
type Mode string

const (
	// ModeRegular bills the account and the key.
	ModeRegular Mode = "regular"
	// ModeSubscription bills only the key's quota.
	ModeSubscription Mode = "subscription"
	// ModeSubscriptionOverflow is a subscription key past its quota,
	// billed like a regular request.
	ModeSubscriptionOverflow Mode = "subscription_overflow"
)

// Record is the durable unit queued per completed request. Per-token
// costs travel as strings so the wire format stays independent of the
// decimal implementation.
type Record struct {
	Timestamp    time.Time `msgpack:"timestamp"`
	Endpoint     string    `msgpack:"endpoint"`
	Status       int       `msgpack:"status"`
	DurationMS   int64     `msgpack:"duration_ms"`
	AccountID    uint      `msgpack:"account_id"`
	KeyID        uint      `msgpack:"key_id"`
	DeploymentID uint      `msgpack:"deployment_id"`
	Provider     string    `msgpack:"provider"`
	Model        string    `msgpack:"model"`
	Mode         Mode      `msgpack:"mode"`

	InputTokens        int    `msgpack:"input_tokens"`
	OutputTokens       int    `msgpack:"output_tokens"`
	InputCostPerToken  string `msgpack:"input_cost_per_token"`
	OutputCostPerToken string `msgpack:"output_cost_per_token"`
}

// Cost computes the record's total cost in dollars.
func (r *Record) Cost() (decimal.Decimal, error) {
	input, err := costComponent(r.InputCostPerToken, r.InputTokens)
	if err != nil {
		return decimal.Zero, fmt.Errorf("input cost: %w", err)
	}
	output, err := costComponent(r.OutputCostPerToken, r.OutputTokens)
	if err != nil {
		return decimal.Zero, fmt.Errorf("output cost: %w", err)
	}
	return input.Add(output), nil
}

func costComponent(perToken string, tokens int) (decimal.Decimal, error) {
	if perToken == "" || tokens == 0 {
		return decimal.Zero, nil
	}
	rate, err := decimal.NewFromString(perToken)
	if err != nil {
		return decimal.Zero, err
	}
	return rate.Mul(decimal.NewFromInt(int64(tokens))), nil
}

// BillsAccount reports whether the record's cost counts against the
// account budget and credits, in addition to the key budget.
func (r *Record) BillsAccount() bool {
	return r.Mode != ModeSubscription
}
