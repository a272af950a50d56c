package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/localmarket/dealflow/market"
)

// DefaultKeyPrefix namespaces keys written by RedisStore.
const DefaultKeyPrefix = "dealflow"

// RedisStore keeps records as JSON documents in Redis, one key per record.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the key namespace. An empty prefix keeps the default.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithTTL expires records after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) RedisOption {
	return func(s *RedisStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewRedisStore wraps an existing client. The caller owns the client.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: DefaultKeyPrefix,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisStoreFromURL dials the server at url and checks it answers.
func NewRedisStoreFromURL(ctx context.Context, url string, opts ...RedisOption) (*RedisStore, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: connect to redis: %w", err)
	}
	s := NewRedisStore(client, opts...)
	s.logger.Info("redis record store connected", zap.String("addr", o.Addr), zap.String("prefix", s.prefix))
	return s, nil
}

func (s *RedisStore) key(id string) string {
	return fmt.Sprintf("%s:txn:%s", s.prefix, id)
}

func (s *RedisStore) Save(ctx context.Context, rec *market.TransactionRecord) error {
	if rec == nil || rec.ID == "" {
		return market.Invalid("record", "missing id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode record %s: %w", rec.ID, err)
	}
	ok, err := s.client.SetNX(ctx, s.key(rec.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("store: save record %s: %w", rec.ID, err)
	}
	if !ok {
		return ErrConflict
	}
	s.logger.Debug("record saved", zap.String("record", rec.ID))
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*market.TransactionRecord, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get record %s: %w", id, err)
	}
	var rec market.TransactionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("store: decode record %s: %w", id, err)
	}
	return &rec, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.key(id)).Result()
	if err != nil {
		return fmt.Errorf("store: delete record %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.logger.Debug("record deleted", zap.String("record", id))
	return nil
}

// UpdateStatus rewrites the stored document under WATCH so a concurrent
// writer forces a retry instead of a lost update.
func (s *RedisStore) UpdateStatus(ctx context.Context, id string, status market.RecordStatus) error {
	if !validStatus(status) {
		return market.Invalid("status", "unknown record status "+string(status))
	}
	key := s.key(id)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec market.TransactionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		rec.Status = status
		out, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, out, redis.KeepTTL)
			return nil
		})
		return err
	}

	const attempts = 3
	for i := 0; i < attempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			s.logger.Debug("record status updated", zap.String("record", id), zap.String("status", string(status)))
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrNotFound):
			return err
		default:
			return fmt.Errorf("store: update record %s: %w", id, err)
		}
	}
	return fmt.Errorf("store: update record %s: %w", id, redis.TxFailedErr)
}

// Close releases the underlying client.
func (s *RedisStore) Close() error { return s.client.Close() }
