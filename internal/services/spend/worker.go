package spend

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	leaseKey = "spend:lock"
	leaseTTL = 30 * time.Second
)

// SpendLogger receives the raw records of each settled batch for
// analytical storage. Failures are logged, not retried: the budget
// tables are the source of truth and the analytical store is best
// effort.
type SpendLogger interface {
	LogSpend(ctx context.Context, records []*Record) error
}

// Worker drains the spend queue on an interval. A Redis lease keeps
// the drain single-flight across replicas; a replica that loses the
// race simply waits for the next tick.
type Worker struct {
	queue     *Queue
	settler   *Settler
	analytics SpendLogger
	client    *redis.Client
	logger    *zap.Logger

	interval  time.Duration
	batchSize int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type WorkerConfig struct {
	Queue     *Queue
	Settler   *Settler
	Analytics SpendLogger
	Client    *redis.Client
	Logger    *zap.Logger
	Interval  time.Duration
	BatchSize int
}

func NewWorker(cfg *WorkerConfig) *Worker {
	return &Worker{
		queue:     cfg.Queue,
		settler:   cfg.Settler,
		analytics: cfg.Analytics,
		client:    cfg.Client,
		logger:    cfg.Logger,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		stopCh:    make(chan struct{}),
	}
}

func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.runCycle(context.Background())
			case <-w.stopCh:
				return
			}
		}
	}()
	w.logger.Info("Spend worker started",
		zap.Duration("interval", w.interval),
		zap.Int("batch_size", w.batchSize))
}

// Stop halts the ticker and runs one final bounded drain so records
// accepted before shutdown still settle. The context caps how long the
// drain may run.
func (w *Worker) Stop(ctx context.Context) {
	close(w.stopCh)
	w.wg.Wait()

	for ctx.Err() == nil {
		if !w.runCycle(ctx) {
			break
		}
	}
	w.logger.Info("Spend worker stopped")
}

// runCycle drains and settles one batch under the lease. It reports
// whether a full batch was processed, i.e. whether more work may be
// waiting.
func (w *Worker) runCycle(ctx context.Context) bool {
	acquired, err := w.client.SetNX(ctx, leaseKey, "locked", leaseTTL).Result()
	if err != nil {
		w.logger.Warn("Failed to acquire spend lease", zap.Error(err))
		return false
	}
	if !acquired {
		return false
	}
	defer func() {
		// Release unconditionally; worst case another replica waits
		// out the TTL.
		if err := w.client.Del(context.Background(), leaseKey).Err(); err != nil {
			w.logger.Warn("Failed to release spend lease", zap.Error(err))
		}
	}()

	records, err := w.queue.DrainBatch(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("Failed to drain spend queue", zap.Error(err))
		return false
	}
	if len(records) == 0 {
		return false
	}

	w.processBatch(ctx, records)
	return len(records) == w.batchSize
}

func (w *Worker) processBatch(ctx context.Context, records []*Record) {
	// Correlates the settlement and analytics log lines for one drain.
	batchID := uuid.NewString()

	accountTotals := make(map[uint]decimal.Decimal)
	keyTotals := make(map[uint]decimal.Decimal)
	billable := make([]*Record, 0, len(records))

	for _, record := range records {
		cost, err := record.Cost()
		if err != nil {
			w.logger.Warn("Dropping spend record with bad cost",
				zap.String("model", record.Model),
				zap.Uint("key_id", record.KeyID),
				zap.Error(err))
			continue
		}
		if cost.IsZero() {
			continue
		}
		billable = append(billable, record)

		if record.BillsAccount() {
			accountTotals[record.AccountID] = accountTotals[record.AccountID].Add(cost)
		}
		keyTotals[record.KeyID] = keyTotals[record.KeyID].Add(cost)
	}
	if len(billable) == 0 {
		return
	}

	// Budgets and analytics are independent sinks; write them in
	// parallel.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := w.settler.Settle(ctx, accountTotals, keyTotals); err != nil {
			w.logger.Error("Failed to settle spend batch",
				zap.String("batch_id", batchID),
				zap.Int("records", len(billable)),
				zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := w.analytics.LogSpend(ctx, billable); err != nil {
			w.logger.Error("Failed to log spend batch",
				zap.String("batch_id", batchID),
				zap.Error(err))
		}
	}()
	wg.Wait()

	w.logger.Info("Processed spend batch",
		zap.String("batch_id", batchID),
		zap.Int("records", len(billable)),
		zap.Int("accounts", len(accountTotals)),
		zap.Int("keys", len(keyTotals)))
}
