package spend

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/amerfu/aigateway/internal/models"
)

type captureLogger struct {
	batches [][]*Record
}

func (c *captureLogger) LogSpend(_ context.Context, records []*Record) error {
	c.batches = append(c.batches, records)
	return nil
}

func newTestWorker(t *testing.T, db *gorm.DB) (*Worker, *Queue, *redis.Client, *captureLogger) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	queue := NewQueue(client, zap.NewNop())
	capture := &captureLogger{}
	worker := NewWorker(&WorkerConfig{
		Queue:     queue,
		Settler:   NewSettler(db, 2_000_000, zap.NewNop()),
		Analytics: capture,
		Client:    client,
		Logger:    zap.NewNop(),
		Interval:  time.Hour, // ticks driven manually via runCycle
		BatchSize: 500,
	})
	return worker, queue, client, capture
}

func TestWorkerSettlesBatchOnce(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, 1, "0", "1000000000")
	seedKey(t, db, 10, 1, "0")

	worker, queue, _, capture := newTestWorker(t, db)
	ctx := context.Background()

	record := testRecord(10) // cost 0.0002 against account 1
	require.NoError(t, queue.Enqueue(ctx, record))

	worker.runCycle(ctx)

	var account models.Account
	require.NoError(t, db.First(&account, 1).Error)
	assert.True(t, account.BudgetUsed.Equal(decimal.RequireFromString("0.0002")),
		"budget_used = %s", account.BudgetUsed)
	assert.True(t, account.Credits.Equal(decimal.RequireFromString("999999600")),
		"credits = %s", account.Credits)

	require.Len(t, capture.batches, 1)
	require.Len(t, capture.batches[0], 1)

	// A second cycle finds nothing; the record was popped exactly once.
	worker.runCycle(ctx)
	require.NoError(t, db.First(&account, 1).Error)
	assert.True(t, account.BudgetUsed.Equal(decimal.RequireFromString("0.0002")))
	assert.Len(t, capture.batches, 1)
}

func TestWorkerSubscriptionModeSkipsAccount(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, 1, "0", "1000")
	seedKey(t, db, 10, 1, "0")

	worker, queue, _, _ := newTestWorker(t, db)
	ctx := context.Background()

	record := testRecord(10)
	record.Mode = ModeSubscription
	require.NoError(t, queue.Enqueue(ctx, record))

	worker.runCycle(ctx)

	var account models.Account
	require.NoError(t, db.First(&account, 1).Error)
	assert.True(t, account.BudgetUsed.IsZero(), "budget_used = %s", account.BudgetUsed)
	assert.True(t, account.Credits.Equal(decimal.RequireFromString("1000")))

	var key models.ApiKey
	require.NoError(t, db.First(&key, 10).Error)
	assert.True(t, key.BudgetUsed.Equal(decimal.RequireFromString("0.0002")),
		"key budget_used = %s", key.BudgetUsed)
}

func TestWorkerDiscardsZeroCostRecords(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, 1, "0", "1000")
	seedKey(t, db, 10, 1, "0")

	worker, queue, _, capture := newTestWorker(t, db)
	ctx := context.Background()

	free := testRecord(10)
	free.InputCostPerToken = "0"
	free.OutputCostPerToken = "0"
	require.NoError(t, queue.Enqueue(ctx, free))

	worker.runCycle(ctx)

	// No analytical row and no budget movement.
	assert.Empty(t, capture.batches)
	var key models.ApiKey
	require.NoError(t, db.First(&key, 10).Error)
	assert.True(t, key.BudgetUsed.IsZero())
}

func TestWorkerSkipsWhenLeaseHeld(t *testing.T) {
	db := newTestDB(t)
	worker, queue, client, capture := newTestWorker(t, db)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, leaseKey, "locked", time.Minute).Err())
	require.NoError(t, queue.Enqueue(ctx, testRecord(10)))

	worker.runCycle(ctx)

	length, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), length, "record must stay queued while another replica holds the lease")
	assert.Empty(t, capture.batches)
}

func TestWorkerReleasesLease(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, 1, "0", "1000")
	seedKey(t, db, 10, 1, "0")

	worker, queue, client, _ := newTestWorker(t, db)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, testRecord(10)))
	worker.runCycle(ctx)

	exists, err := client.Exists(ctx, leaseKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}

func TestWorkerStopDrainsQueue(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, 1, "0", "1000000000")
	seedKey(t, db, 10, 1, "0")

	worker, queue, _, _ := newTestWorker(t, db)
	ctx := context.Background()

	worker.Start()
	for i := 0; i < 3; i++ {
		require.NoError(t, queue.Enqueue(ctx, testRecord(10)))
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	worker.Stop(stopCtx)

	length, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)
}
