package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store persists the rate limit state.
type Store interface {
	Load(ctx context.Context) (*State, error)
	Update(ctx context.Context, update *State) (*State, error)
}

// MemoryStore keeps the state in process. It is the default store.
type MemoryStore struct {
	mu    sync.Mutex
	state State
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: *NewState()}
}

// Load implements Store.
func (m *MemoryStore) Load(ctx context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	return &s, nil
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, update *State) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.merge(update)
	s := m.state
	return &s, nil
}

// RedisStore shares the state between processes through Redis.
type RedisStore struct {
	redis redis.UniversalClient
	key   string
}

// NewRedisStore creates a store backed by redisClient under RedisKeyState.
func NewRedisStore(redisClient redis.UniversalClient) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient, key: RedisKeyState}
}

// Load implements Store. A missing key yields the initial state.
func (r *RedisStore) Load(ctx context.Context) (*State, error) {
	data, err := r.redis.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return NewState(), nil
		}
		return nil, fmt.Errorf("redis get rate limit state: %w", err)
	}

	state := NewState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parse rate limit state: %w", err)
	}
	return state, nil
}

// Update implements Store. The read-merge-write runs in a WATCH transaction so
// concurrent writers never shorten each other's pause.
func (r *RedisStore) Update(ctx context.Context, update *State) (*State, error) {
	var merged *State

	txf := func(tx *redis.Tx) error {
		state := NewState()
		data, err := tx.Get(ctx, r.key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("redis get rate limit state: %w", err)
		default:
			if err := json.Unmarshal(data, state); err != nil {
				return fmt.Errorf("parse rate limit state: %w", err)
			}
		}

		state.merge(update)
		encoded, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshal rate limit state: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.key, encoded, RedisStateTTL)
			return nil
		})
		if err != nil {
			return err
		}
		merged = state
		return nil
	}

	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		err := r.redis.Watch(ctx, txf, r.key)
		if err == nil {
			return merged, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, fmt.Errorf("store rate limit state in redis: %w", err)
		}
	}
	return nil, fmt.Errorf("store rate limit state in redis: %w", redis.TxFailedErr)
}
