package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrDuplicateCorrelation correlation id 已被登记
var ErrDuplicateCorrelation = errors.New("correlation id already registered")

type correlationEntry struct {
	userID    string
	expiresAt time.Time
}

// MemoryCorrelationStore 单实例部署使用的 correlationId -> userId 映射
type MemoryCorrelationStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]correlationEntry
	now     func() time.Time
}

func NewMemoryCorrelationStore(ttl time.Duration) *MemoryCorrelationStore {
	return &MemoryCorrelationStore{
		ttl:     ttl,
		entries: make(map[string]correlationEntry),
		now:     time.Now,
	}
}

func (s *MemoryCorrelationStore) Register(_ context.Context, correlationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.purgeLocked(now)

	if _, exists := s.entries[correlationID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCorrelation, correlationID)
	}

	s.entries[correlationID] = correlationEntry{userID: userID, expiresAt: now.Add(s.ttl)}
	return nil
}

// Lookup 未登记或已过期时 found 为 false
func (s *MemoryCorrelationStore) Lookup(_ context.Context, correlationID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[correlationID]
	if !ok || !s.now().Before(e.expiresAt) {
		return "", false, nil
	}
	return e.userID, true, nil
}

func (s *MemoryCorrelationStore) Remove(_ context.Context, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, correlationID)
	return nil
}

func (s *MemoryCorrelationStore) purgeLocked(now time.Time) {
	for id, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, id)
		}
	}
}

// RedisCorrelationStore 多实例共享，SETNX 带 TTL
type RedisCorrelationStore struct {
	client    redis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

func NewRedisCorrelationStore(client redis.Cmdable, keyPrefix string, ttl time.Duration) *RedisCorrelationStore {
	return &RedisCorrelationStore{
		client:    client,
		keyPrefix: keyPrefix + "correlation:",
		ttl:       ttl,
	}
}

func (s *RedisCorrelationStore) Register(ctx context.Context, correlationID, userID string) error {
	ok, err := s.client.SetNX(ctx, s.keyPrefix+correlationID, userID, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("register correlation: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCorrelation, correlationID)
	}
	return nil
}

func (s *RedisCorrelationStore) Lookup(ctx context.Context, correlationID string) (string, bool, error) {
	userID, err := s.client.Get(ctx, s.keyPrefix+correlationID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup correlation: %w", err)
	}
	return userID, true, nil
}

func (s *RedisCorrelationStore) Remove(ctx context.Context, correlationID string) error {
	if err := s.client.Del(ctx, s.keyPrefix+correlationID).Err(); err != nil {
		return fmt.Errorf("remove correlation: %w", err)
	}
	return nil
}
