package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// KeyTypeSubscription marks keys that draw on a prepaid quota instead of
// the account budget.
const KeyTypeSubscription = "subscription"

type ApiKey struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	KeyName  string `json:"key_name"`
	KeyAlias string `json:"key_alias"`
	KeyHash  string `gorm:"column:api_key_hash;uniqueIndex;not null" json:"-"`

	AccountID uint    `gorm:"not null;index" json:"account_id"`
	Account   Account `gorm:"foreignKey:AccountID;constraint:OnDelete:CASCADE" json:"-"`

	Active bool `gorm:"default:true" json:"active"`

	BudgetLimit *decimal.Decimal `gorm:"type:numeric" json:"budget_limit"`
	BudgetUsed  decimal.Decimal  `gorm:"type:numeric;default:0" json:"budget_used"`

	RateLimitRPM *int `json:"rate_limit_rpm"`
	RateLimitTPM *int `json:"rate_limit_tpm"`

	Metadata datatypes.JSONMap `json:"metadata,omitempty"`
}

func (k *ApiKey) IsSubscription() bool {
	t, _ := k.Metadata["type"].(string)
	return t == KeyTypeSubscription
}

// SubscriptionExhausted reports whether the prepaid quota is used up.
// Subscription keys without a limit never exhaust.
func (k *ApiKey) SubscriptionExhausted() bool {
	return k.BudgetLimit != nil && k.BudgetUsed.GreaterThanOrEqual(*k.BudgetLimit)
}

func (k *ApiKey) OverBudget() bool {
	return k.BudgetLimit != nil && k.BudgetUsed.GreaterThanOrEqual(*k.BudgetLimit)
}

// HashToken hashes a bearer token the way api_key_hash stores it:
// lowercase hex SHA-256.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
