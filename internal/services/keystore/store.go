// Package keystore resolves bearer tokens to API key and account records.
// It is strictly read-only; budget counters are written by the spend worker.
package keystore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/amerfu/aigateway/internal/models"
)

// ErrKeyNotFound covers both unknown and inactive keys so callers cannot
// distinguish the two.
var ErrKeyNotFound = errors.New("api key not found")

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// LookupToken resolves a raw bearer token. The owning account is preloaded.
func (s *Store) LookupToken(ctx context.Context, token string) (*models.ApiKey, error) {
	return s.LookupHash(ctx, models.HashToken(token))
}

func (s *Store) LookupHash(ctx context.Context, hash string) (*models.ApiKey, error) {
	var key models.ApiKey
	err := s.db.WithContext(ctx).
		Preload("Account").
		Where("api_key_hash = ?", hash).
		First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	if !key.Active {
		return nil, ErrKeyNotFound
	}
	return &key, nil
}
