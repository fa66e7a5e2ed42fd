package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TierEnterprise is exempt from rate limiting.
const TierEnterprise = "ENTERPRISE"

type Account struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Username string `gorm:"uniqueIndex;not null" json:"username"`
	Email    string `gorm:"uniqueIndex;not null" json:"email"`
	Tier     string `gorm:"default:''" json:"tier"`

	// BudgetLimit nil means unlimited. BudgetUsed only grows; the
	// settlement worker is its sole writer.
	BudgetLimit *decimal.Decimal `gorm:"type:numeric" json:"budget_limit"`
	BudgetUsed  decimal.Decimal  `gorm:"type:numeric;default:0" json:"budget_used"`
	Credits     decimal.Decimal  `gorm:"type:numeric;default:0" json:"credits"`

	RateLimitRPM *int `json:"rate_limit_rpm"`
	RateLimitTPM *int `json:"rate_limit_tpm"`
}

func (a *Account) IsEnterprise() bool {
	return a.Tier == TierEnterprise
}

// OverBudget reports whether the account's hard ceiling is reached.
// Accounts without a limit are never over budget.
func (a *Account) OverBudget() bool {
	return a.BudgetLimit != nil && a.BudgetUsed.GreaterThanOrEqual(*a.BudgetLimit)
}
