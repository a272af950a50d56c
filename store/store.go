// Package store persists committed transaction records.
package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/localmarket/dealflow/config"
	"github.com/localmarket/dealflow/market"
)

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("store: record not found")
	// ErrConflict is returned when a record with the same id already exists.
	ErrConflict = errors.New("store: record already exists")
)

// RecordStore saves and retrieves transaction records. Records are written
// once; only their status changes afterwards.
type RecordStore interface {
	Save(ctx context.Context, rec *market.TransactionRecord) error
	Get(ctx context.Context, id string) (*market.TransactionRecord, error)
	Delete(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status market.RecordStatus) error
}

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (RecordStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Driver {
	case "", config.DriverMemory:
		return NewMemoryStore(), nil
	case config.DriverRedis:
		s, err := NewRedisStoreFromURL(ctx, cfg.RedisURL,
			WithKeyPrefix(cfg.KeyPrefix),
			WithTTL(cfg.TTL),
			WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

func validStatus(s market.RecordStatus) bool {
	switch s {
	case market.StatusConfirmed, market.StatusInTransit, market.StatusDelivered,
		market.StatusCompleted, market.StatusCancelled:
		return true
	}
	return false
}
