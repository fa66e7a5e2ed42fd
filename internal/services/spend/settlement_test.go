package spend

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/amerfu/aigateway/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Account{}, &models.ApiKey{}))
	return db
}

func seedAccount(t *testing.T, db *gorm.DB, id uint, used, credits string) {
	t.Helper()
	account := models.Account{
		ID:         id,
		Username:   fmt.Sprintf("user%d", id),
		Email:      fmt.Sprintf("user%d@example.com", id),
		BudgetUsed: decimal.RequireFromString(used),
		Credits:    decimal.RequireFromString(credits),
	}
	require.NoError(t, db.Create(&account).Error)
}

func seedKey(t *testing.T, db *gorm.DB, id, accountID uint, used string) {
	t.Helper()
	key := models.ApiKey{
		ID:         id,
		KeyHash:    fmt.Sprintf("hash-%d-%d", accountID, id),
		AccountID:  accountID,
		Active:     true,
		BudgetUsed: decimal.RequireFromString(used),
	}
	require.NoError(t, db.Create(&key).Error)
}

func TestSettleUpdatesAccountsAndKeys(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, 1, "99.5", "1000000000")
	seedAccount(t, db, 2, "0", "500")
	seedKey(t, db, 10, 1, "0")
	seedKey(t, db, 11, 2, "1.5")

	settler := NewSettler(db, 2_000_000, zap.NewNop())
	err := settler.Settle(context.Background(),
		map[uint]decimal.Decimal{
			1: decimal.RequireFromString("0.3"),
			2: decimal.RequireFromString("0.0001"),
		},
		map[uint]decimal.Decimal{
			10: decimal.RequireFromString("0.3"),
			11: decimal.RequireFromString("0.0001"),
		},
	)
	require.NoError(t, err)

	var account models.Account
	require.NoError(t, db.First(&account, 1).Error)
	assert.True(t, account.BudgetUsed.Equal(decimal.RequireFromString("99.8")),
		"budget_used = %s", account.BudgetUsed)
	assert.True(t, account.Credits.Equal(decimal.RequireFromString("999400000")),
		"credits = %s", account.Credits)

	account = models.Account{}
	require.NoError(t, db.First(&account, 2).Error)
	assert.True(t, account.BudgetUsed.Equal(decimal.RequireFromString("0.0001")))
	assert.True(t, account.Credits.Equal(decimal.RequireFromString("300")),
		"credits = %s", account.Credits)

	var key models.ApiKey
	require.NoError(t, db.First(&key, 10).Error)
	assert.True(t, key.BudgetUsed.Equal(decimal.RequireFromString("0.3")))

	key = models.ApiKey{}
	require.NoError(t, db.First(&key, 11).Error)
	assert.True(t, key.BudgetUsed.Equal(decimal.RequireFromString("1.5001")))
}

func TestSettleLeavesOtherRowsAlone(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, 1, "10", "100")
	seedAccount(t, db, 2, "20", "200")
	seedKey(t, db, 10, 1, "0")

	settler := NewSettler(db, 2_000_000, zap.NewNop())
	err := settler.Settle(context.Background(),
		map[uint]decimal.Decimal{1: decimal.RequireFromString("1")},
		map[uint]decimal.Decimal{10: decimal.RequireFromString("1")},
	)
	require.NoError(t, err)

	var untouched models.Account
	require.NoError(t, db.First(&untouched, 2).Error)
	assert.True(t, untouched.BudgetUsed.Equal(decimal.RequireFromString("20")))
	assert.True(t, untouched.Credits.Equal(decimal.RequireFromString("200")))
}

func TestSettleEmptyTotalsIsNoop(t *testing.T) {
	db := newTestDB(t)
	settler := NewSettler(db, 2_000_000, zap.NewNop())
	assert.NoError(t, settler.Settle(context.Background(), nil, nil))
}
