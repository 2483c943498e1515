package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/qiuyier/ledger-sync/internal/currency"
)

// ErrCacheMiss 缓存为空
var ErrCacheMiss = errors.New("cache miss")

// MemoryRateCache 进程内汇率快照
type MemoryRateCache struct {
	mu    sync.RWMutex
	table currency.RateTable
}

func NewMemoryRateCache() *MemoryRateCache {
	return &MemoryRateCache{}
}

// Warm 整体替换快照
func (c *MemoryRateCache) Warm(_ context.Context, table currency.RateTable) error {
	snapshot := make(currency.RateTable, len(table))
	for pair, rate := range table {
		snapshot[pair] = rate
	}

	c.mu.Lock()
	c.table = snapshot
	c.mu.Unlock()
	return nil
}

func (c *MemoryRateCache) Snapshot(_ context.Context) (currency.RateTable, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.table == nil {
		return nil, ErrCacheMiss
	}

	out := make(currency.RateTable, len(c.table))
	for pair, rate := range c.table {
		out[pair] = rate
	}
	return out, nil
}

// RedisRateCache 汇率快照存放在一个 hash 中，field 为 "BASE/TARGET"
type RedisRateCache struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// NewRedisRateCache ttl 应大于同步间隔，过期后读者回退到数据库
func NewRedisRateCache(client redis.Cmdable, keyPrefix string, ttl time.Duration) *RedisRateCache {
	return &RedisRateCache{
		client: client,
		key:    keyPrefix + "rates:active",
		ttl:    ttl,
	}
}

// Warm 删除旧快照并写入新快照，在一个 MULTI 中完成
func (c *RedisRateCache) Warm(ctx context.Context, table currency.RateTable) error {
	fields := encodeRates(table)

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, c.key)
		if len(fields) > 0 {
			pipe.HSet(ctx, c.key, fields)
			if c.ttl > 0 {
				pipe.Expire(ctx, c.key, c.ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("warm rate cache: %w", err)
	}
	return nil
}

func (c *RedisRateCache) Snapshot(ctx context.Context) (currency.RateTable, error) {
	fields, err := c.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, fmt.Errorf("read rate cache: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrCacheMiss
	}
	return decodeRates(fields)
}

func encodeRates(table currency.RateTable) map[string]any {
	fields := make(map[string]any, len(table))
	for pair, rate := range table {
		fields[pair.String()] = rate.String()
	}
	return fields
}

func decodeRates(fields map[string]string) (currency.RateTable, error) {
	table := make(currency.RateTable, len(fields))
	for field, raw := range fields {
		base, target, ok := strings.Cut(field, "/")
		if !ok {
			return nil, fmt.Errorf("malformed rate cache field %q", field)
		}
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("malformed rate cache value %s=%q: %w", field, raw, err)
		}
		table[currency.Pair{Base: base, Target: target}] = value
	}
	return table, nil
}
