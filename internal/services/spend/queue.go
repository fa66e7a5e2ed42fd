package spend

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const queueKey = "spend:queue"

// Queue is the durable spend buffer in Redis. Records are MessagePack
// encoded, base64 wrapped, and pushed left; the worker pops right, so
// order is FIFO and a crash between pop and settlement loses at most
// one batch.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	return &Queue{client: client, logger: logger}
}

func (q *Queue) Enqueue(ctx context.Context, record *Record) error {
	packed, err := msgpack.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode spend record: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(packed)
	if err := q.client.LPush(ctx, queueKey, encoded).Err(); err != nil {
		return fmt.Errorf("failed to enqueue spend record: %w", err)
	}
	return nil
}

func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, queueKey).Result()
}

// DrainBatch pops up to max records in one pipelined round trip.
// Records that fail to decode are dropped with a log line rather than
// poisoning the batch.
func (q *Queue) DrainBatch(ctx context.Context, max int) ([]*Record, error) {
	length, err := q.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue length: %w", err)
	}
	count := int64(max)
	if length < count {
		count = length
	}
	if count == 0 {
		return nil, nil
	}

	pipe := q.client.Pipeline()
	cmds := make([]*redis.StringCmd, count)
	for i := range cmds {
		cmds[i] = pipe.RPop(ctx, queueKey)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to drain spend queue: %w", err)
	}

	records := make([]*Record, 0, count)
	for _, cmd := range cmds {
		encoded, err := cmd.Result()
		if err != nil {
			// Queue emptied under us.
			continue
		}
		record, err := decodeRecord(encoded)
		if err != nil {
			q.logger.Warn("Dropping undecodable spend record", zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func decodeRecord(encoded string) (*Record, error) {
	packed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("bad base64: %w", err)
	}
	var record Record
	if err := msgpack.Unmarshal(packed, &record); err != nil {
		return nil, fmt.Errorf("bad msgpack: %w", err)
	}
	return &record, nil
}
