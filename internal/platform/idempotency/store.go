// Package idempotency records processed request keys so retried uploads are
// rejected instead of imported twice.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a processed key is remembered.
const DefaultTTL = 24 * time.Hour

// ErrConflict indicates a duplicate key.
var ErrConflict = errors.New("idempotency: request already processed")

// Store persists processed keys in Redis.
type Store struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewStore constructs the store.
func NewStore(client redis.UniversalClient, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

func storeKey(module, key string) string {
	return "spendlens:idem:" + module + ":" + key
}

// CheckAndInsert claims key within module. A key claimed earlier and not yet
// expired yields ErrConflict.
func (s *Store) CheckAndInsert(ctx context.Context, key, module string) error {
	if s == nil || s.client == nil {
		return errors.New("idempotency: store not initialised")
	}
	if key == "" {
		return errors.New("idempotency: key required")
	}
	if module == "" {
		return errors.New("idempotency: module required")
	}
	ok, err := s.client.SetNX(ctx, storeKey(module, key), time.Now().UTC().Format(time.RFC3339), s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

// Delete releases a key, typically used to roll back failed processing.
func (s *Store) Delete(ctx context.Context, key, module string) error {
	if s == nil || s.client == nil {
		return nil
	}
	if key == "" {
		return errors.New("idempotency: key required")
	}
	return s.client.Del(ctx, storeKey(module, key)).Err()
}
