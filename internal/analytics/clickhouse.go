// Package analytics writes per-request spend rows to ClickHouse. The
// table is append-only; cost columns are materialized from token counts
// so queries never recompute pricing.
package analytics

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amerfu/aigateway/internal/config"
	"github.com/amerfu/aigateway/internal/services/spend"
)

const spendLogsDDL = `
CREATE TABLE IF NOT EXISTS spend_logs (
    timestamp             DateTime64(3),
    endpoint              LowCardinality(String),
    duration_ms           UInt32,
    account_id            UInt64,
    key_id                UInt64,
    provider              LowCardinality(String),
    model                 String,
    deployment_id         UInt64,
    input_tokens          UInt32,
    output_tokens         UInt32,
    input_cost_per_token  Decimal64(12),
    output_cost_per_token Decimal64(12),
    input_cost            Decimal64(12) MATERIALIZED input_tokens * input_cost_per_token,
    output_cost           Decimal64(12) MATERIALIZED output_tokens * output_cost_per_token,
    total_cost            Decimal64(12) MATERIALIZED input_cost + output_cost
)
ENGINE = MergeTree
PARTITION BY toYYYYMM(timestamp)
ORDER BY (account_id, key_id, timestamp)
TTL toDateTime(timestamp) + INTERVAL 1 YEAR
`

type ClickHouse struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewClickHouse opens the connection, verifies it, and creates the
// spend_logs table if missing.
func NewClickHouse(ctx context.Context, cfg *config.ClickHouseConfig, logger *zap.Logger) (*ClickHouse, error) {
	options, err := clickhouse.ParseDSN(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid clickhouse url: %w", err)
	}
	if cfg.Username != "" {
		options.Auth.Username = cfg.Username
	}
	if cfg.Password != "" {
		options.Auth.Password = cfg.Password
	}
	if cfg.Database != "" {
		options.Auth.Database = cfg.Database
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, spendLogsDDL); err != nil {
		return nil, fmt.Errorf("failed to create spend_logs table: %w", err)
	}

	logger.Info("Connected to ClickHouse", zap.String("database", options.Auth.Database))
	return &ClickHouse{conn: conn, logger: logger}, nil
}

// LogSpend inserts one row per record in a single batch.
func (c *ClickHouse) LogSpend(ctx context.Context, records []*spend.Record) error {
	if len(records) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, "INSERT INTO spend_logs")
	if err != nil {
		return fmt.Errorf("failed to prepare spend batch: %w", err)
	}
	for i, record := range records {
		err := batch.Append(
			record.Timestamp,
			record.Endpoint,
			uint32(record.DurationMS),
			uint64(record.AccountID),
			uint64(record.KeyID),
			record.Provider,
			record.Model,
			uint64(record.DeploymentID),
			uint32(record.InputTokens),
			uint32(record.OutputTokens),
			parseRate(record.InputCostPerToken),
			parseRate(record.OutputCostPerToken),
		)
		if err != nil {
			return fmt.Errorf("failed to append spend row %d: %w", i, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send spend batch: %w", err)
	}

	c.logger.Debug("Wrote spend rows", zap.Int("rows", len(records)))
	return nil
}

func (c *ClickHouse) Close() error {
	return c.conn.Close()
}

func parseRate(raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return rate
}
