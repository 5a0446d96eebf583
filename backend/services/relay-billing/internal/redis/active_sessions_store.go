package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"relayrent/backend/services/relay-billing/internal/models"
)

// Store caches the active session of each relay for fast dashboard reads.
// Postgres stays the source of truth; a miss falls back to it.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore returns redis-backed store.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

// Key returns the cache key for a relay.
func Key(ref models.RelayRef) string {
	return fmt.Sprintf("relays:active:%s:%d", ref.DeviceID, ref.Pin)
}

// Save caches session under its relay.
func (s *Store) Save(ctx context.Context, session models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, Key(session.Ref()), data, s.ttl).Err()
}

// Get returns the cached session; found is false on a miss.
func (s *Store) Get(ctx context.Context, ref models.RelayRef) (models.Session, bool, error) {
	result, err := s.client.Get(ctx, Key(ref)).Result()
	if errors.Is(err, redis.Nil) {
		return models.Session{}, false, nil
	}
	if err != nil {
		return models.Session{}, false, err
	}
	var session models.Session
	if err := json.Unmarshal([]byte(result), &session); err != nil {
		return models.Session{}, false, err
	}
	if session.State != models.SessionActive {
		return models.Session{}, false, nil
	}
	return session, true, nil
}

// Delete removes the cached session of a relay.
func (s *Store) Delete(ctx context.Context, ref models.RelayRef) error {
	return s.client.Del(ctx, Key(ref)).Err()
}
