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
)

func newTestQueue(t *testing.T) (*Queue, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewQueue(client, zap.NewNop()), client, mr
}

func testRecord(keyID uint) *Record {
	return &Record{
		Timestamp:          time.Now().UTC().Truncate(time.Millisecond),
		Endpoint:           "/chat/completions",
		Status:             200,
		DurationMS:         420,
		AccountID:          1,
		KeyID:              keyID,
		DeploymentID:       7,
		Provider:           "openai",
		Model:              "gpt-x",
		Mode:               ModeRegular,
		InputTokens:        100,
		OutputTokens:       50,
		InputCostPerToken:  "0.000001",
		OutputCostPerToken: "0.000002",
	}
}

func TestQueueRoundTrip(t *testing.T) {
	queue, _, _ := newTestQueue(t)
	ctx := context.Background()

	original := testRecord(3)
	require.NoError(t, queue.Enqueue(ctx, original))

	length, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)

	records, err := queue.DrainBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, original, records[0])

	length, err = queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)
}

func TestQueueDrainIsFIFOAndBounded(t *testing.T) {
	queue, _, _ := newTestQueue(t)
	ctx := context.Background()

	for i := uint(1); i <= 5; i++ {
		require.NoError(t, queue.Enqueue(ctx, testRecord(i)))
	}

	records, err := queue.DrainBatch(ctx, 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, uint(1), records[0].KeyID)
	assert.Equal(t, uint(3), records[2].KeyID)

	records, err = queue.DrainBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint(4), records[0].KeyID)
}

func TestQueueDropsUndecodableEntries(t *testing.T) {
	queue, client, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, client.LPush(ctx, queueKey, "definitely-not-msgpack").Err())
	require.NoError(t, queue.Enqueue(ctx, testRecord(1)))

	records, err := queue.DrainBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint(1), records[0].KeyID)
}

func TestRecordCost(t *testing.T) {
	record := testRecord(1)
	cost, err := record.Cost()
	require.NoError(t, err)
	// 100·0.000001 + 50·0.000002 = 0.0002
	assert.True(t, cost.Equal(decimal.RequireFromString("0.0002")), "got %s", cost)

	zero := testRecord(1)
	zero.InputTokens = 0
	zero.OutputTokens = 0
	cost, err = zero.Cost()
	require.NoError(t, err)
	assert.True(t, cost.IsZero())

	bad := testRecord(1)
	bad.InputCostPerToken = "oops"
	_, err = bad.Cost()
	assert.Error(t, err)
}

func TestRecordBillsAccount(t *testing.T) {
	r := testRecord(1)
	assert.True(t, r.BillsAccount())

	r.Mode = ModeSubscriptionOverflow
	assert.True(t, r.BillsAccount())

	r.Mode = ModeSubscription
	assert.False(t, r.BillsAccount())
}
