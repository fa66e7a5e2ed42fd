package spend

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Settler applies aggregated batch totals to the budget tables. Each
// table is updated with a single CASE statement so a batch touching N
// accounts costs one UPDATE, not N.
type Settler struct {
	db *gorm.DB
	// multiplier converts dollars of cost into credit units.
	multiplier decimal.Decimal
	logger     *zap.Logger
}

func NewSettler(db *gorm.DB, creditMultiplier int64, logger *zap.Logger) *Settler {
	return &Settler{
		db:         db,
		multiplier: decimal.NewFromInt(creditMultiplier),
		logger:     logger,
	}
}

// Settle applies the per-account and per-key totals inside one
// transaction. Account rows also have credits drawn down at the
// configured multiplier.
func (s *Settler) Settle(ctx context.Context, accountTotals, keyTotals map[uint]decimal.Decimal) error {
	if len(accountTotals) == 0 && len(keyTotals) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.settleAccounts(tx, accountTotals); err != nil {
			return err
		}
		return s.settleKeys(tx, keyTotals)
	})
}

func (s *Settler) settleAccounts(tx *gorm.DB, totals map[uint]decimal.Decimal) error {
	if len(totals) == 0 {
		return nil
	}

	ids := sortedIDs(totals)

	var sql strings.Builder
	var args []any
	sql.WriteString("UPDATE accounts SET budget_used = budget_used + CASE id")
	for _, id := range ids {
		sql.WriteString(" WHEN ? THEN ?")
		args = append(args, id, totals[id].String())
	}
	sql.WriteString(" ELSE 0 END, credits = credits - CASE id")
	for _, id := range ids {
		sql.WriteString(" WHEN ? THEN ?")
		args = append(args, id, totals[id].Mul(s.multiplier).String())
	}
	sql.WriteString(" ELSE 0 END, updated_at = CURRENT_TIMESTAMP WHERE id IN ?")
	args = append(args, ids)

	if err := tx.Exec(sql.String(), args...).Error; err != nil {
		return fmt.Errorf("failed to settle account budgets: %w", err)
	}
	s.logger.Debug("Settled account budgets", zap.Int("accounts", len(ids)))
	return nil
}

func (s *Settler) settleKeys(tx *gorm.DB, totals map[uint]decimal.Decimal) error {
	if len(totals) == 0 {
		return nil
	}

	ids := sortedIDs(totals)

	var sql strings.Builder
	var args []any
	sql.WriteString("UPDATE api_keys SET budget_used = budget_used + CASE id")
	for _, id := range ids {
		sql.WriteString(" WHEN ? THEN ?")
		args = append(args, id, totals[id].String())
	}
	sql.WriteString(" ELSE 0 END, updated_at = CURRENT_TIMESTAMP WHERE id IN ?")
	args = append(args, ids)

	if err := tx.Exec(sql.String(), args...).Error; err != nil {
		return fmt.Errorf("failed to settle key budgets: %w", err)
	}
	s.logger.Debug("Settled key budgets", zap.Int("keys", len(ids)))
	return nil
}

func sortedIDs(totals map[uint]decimal.Decimal) []uint {
	ids := make([]uint, 0, len(totals))
	for id := range totals {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
