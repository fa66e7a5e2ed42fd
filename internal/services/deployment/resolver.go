package deployment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/amerfu/aigateway/internal/crypto"
	"github.com/amerfu/aigateway/internal/models"
)

var ErrNotFound = errors.New("no deployment for model")

const (
	cachePrefix = "model-deployment:"

	// Negative results are cached briefly to absorb lookup storms for
	// unknown models.
	positiveTTL = 24 * time.Hour
	negativeTTL = 5 * time.Minute

	negativeSentinel = "__none__"

	encryptedPrefix = "encrypted_"
)

type Resolver struct {
	db        *gorm.DB
	cache     *redis.Client
	decryptor *crypto.Decryptor
	logger    *zap.Logger
}

type ResolverConfig struct {
	DB        *gorm.DB
	Cache     *redis.Client
	Decryptor *crypto.Decryptor
	Logger    *zap.Logger
}

func NewResolver(cfg *ResolverConfig) *Resolver {
	return &Resolver{
		db:        cfg.DB,
		cache:     cfg.Cache,
		decryptor: cfg.Decryptor,
		logger:    cfg.Logger,
	}
}

// Resolve returns the active deployment for a canonical model id or
// alias. Hits are served from cache; misses fall through to a single SQL
// join and are cached, negatively on ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, model string) (*Deployment, error) {
	cacheKey := cachePrefix + model

	if cached, err := r.cache.Get(ctx, cacheKey).Result(); err == nil {
		if cached == negativeSentinel {
			return nil, ErrNotFound
		}
		var dep Deployment
		if err := json.Unmarshal([]byte(cached), &dep); err == nil {
			return &dep, nil
		}
		// Unreadable cache entry; fall through to the database.
		r.logger.Warn("Dropping corrupt deployment cache entry", zap.String("model", model))
		r.cache.Del(ctx, cacheKey)
	} else if err != redis.Nil {
		// Cache unavailable is not fatal; resolve from the database.
		r.logger.Warn("Deployment cache read failed", zap.Error(err))
	}

	dep, err := r.resolveFromStore(ctx, model)
	if errors.Is(err, ErrNotFound) {
		if err := r.cache.Set(ctx, cacheKey, negativeSentinel, negativeTTL).Err(); err != nil {
			r.logger.Warn("Failed to cache negative result", zap.Error(err))
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(dep); err == nil {
		if err := r.cache.Set(ctx, cacheKey, data, positiveTTL).Err(); err != nil {
			r.logger.Warn("Failed to cache deployment", zap.Error(err))
		}
	}

	return dep, nil
}

// Invalidate wildcard-deletes every cached model resolution.
func (r *Resolver) Invalidate(ctx context.Context) error {
	patterns := []string{"models:*", "embedding-models:*", cachePrefix + "*"}
	for _, pattern := range patterns {
		iter := r.cache.Scan(ctx, 0, pattern, 0).Iterator()
		for iter.Next(ctx) {
			if err := r.cache.Del(ctx, iter.Val()).Err(); err != nil {
				return fmt.Errorf("failed to delete %s: %w", iter.Val(), err)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to scan %s: %w", pattern, err)
		}
	}
	return nil
}

type deploymentRow struct {
	models.Deployment
	CanonicalModel string
}

func (r *Resolver) resolveFromStore(ctx context.Context, model string) (*Deployment, error) {
	var row deploymentRow
	err := r.db.WithContext(ctx).
		Table("deployments").
		Select("deployments.*, models.model_id AS canonical_model").
		Joins("JOIN models ON models.id = deployments.model_id AND models.active").
		Joins("LEFT JOIN model_aliases ON model_aliases.model_id = models.id AND model_aliases.active").
		Where("deployments.active AND (models.model_id = ? OR model_aliases.alias = ?)", model, model).
		Limit(1).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment: %w", err)
	}

	return r.buildSnapshot(&row)
}

// buildSnapshot decrypts encrypted_* config fields and promotes known
// keys into the typed provider config.
func (r *Resolver) buildSnapshot(row *deploymentRow) (*Deployment, error) {
	plain := make(map[string]string, len(row.Config))
	for key, value := range row.Config {
		str, ok := value.(string)
		if !ok {
			str = fmt.Sprintf("%v", value)
		}
		if strings.HasPrefix(key, encryptedPrefix) {
			decrypted, err := r.decryptor.Decrypt(str)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt config field %s: %w", key, err)
			}
			plain[strings.TrimPrefix(key, encryptedPrefix)] = decrypted
			continue
		}
		plain[key] = str
	}

	cfg := ProviderConfig{Extra: map[string]string{}}
	for key, value := range plain {
		switch key {
		case "base_url":
			cfg.BaseURL = value
		case "api_key":
			cfg.APIKey = value
		case "api_version":
			cfg.APIVersion = value
		case "input_cost_per_token", "output_cost_per_token":
			// Promoted below.
		default:
			cfg.Extra[key] = value
		}
	}
	if len(cfg.Extra) == 0 {
		cfg.Extra = nil
	}

	inputCost, err := parseCost(plain["input_cost_per_token"])
	if err != nil {
		return nil, fmt.Errorf("bad input_cost_per_token for deployment %d: %w", row.ID, err)
	}
	outputCost, err := parseCost(plain["output_cost_per_token"])
	if err != nil {
		return nil, fmt.Errorf("bad output_cost_per_token for deployment %d: %w", row.ID, err)
	}

	return &Deployment{
		ID:                 row.ID,
		ModelID:            row.CanonicalModel,
		Provider:           row.ProviderName,
		DeploymentName:     row.DeploymentName,
		Config:             cfg,
		InputCostPerToken:  inputCost,
		OutputCostPerToken: outputCost,
	}, nil
}

func parseCost(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}
