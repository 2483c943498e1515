package ratesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/qiuyier/ledger-sync/internal/cache"
	"github.com/qiuyier/ledger-sync/internal/currency"
	"github.com/qiuyier/ledger-sync/internal/metrics"
)

// Provider 外部汇率源
type Provider interface {
	FetchRates(ctx context.Context) ([]currency.Rate, error)
}

// RateStore 汇率持久化，ReplaceActive 必须在单个事务内完成过期和写入
type RateStore interface {
	ReplaceActive(ctx context.Context, rates []currency.Rate, now time.Time) error
	ActiveRates(ctx context.Context) (currency.RateTable, error)
}

// RateCache 汇率读缓存
type RateCache interface {
	Warm(ctx context.Context, table currency.RateTable) error
	Snapshot(ctx context.Context) (currency.RateTable, error)
}

type Config struct {
	Interval    time.Duration // 两次成功同步之间的间隔
	MaxAttempts int           // 每个周期的最大尝试次数
	BackoffCap  time.Duration // 单次重试等待上限
}

// Job 周期性同步汇率；唯一的汇率写入方
type Job struct {
	cfg      Config
	provider Provider
	store    RateStore
	cache    RateCache
	signal   *RunSignal
	logger   *zap.Logger
	metrics  *metrics.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewJob(cfg Config, provider Provider, store RateStore, cache RateCache, signal *RunSignal, logger *zap.Logger, mt *metrics.Metrics) *Job {
	if cfg.Interval <= 0 {
		cfg.Interval = 7 * 24 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}

	return &Job{
		cfg:      cfg,
		provider: provider,
		store:    store,
		cache:    cache,
		signal:   signal,
		logger:   logger.Named("ratesync"),
		metrics:  mt,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepContext,
	}
}

// Run 循环执行同步周期直到 ctx 结束
// 某个周期重试耗尽时返回错误，由调用方终止进程
func (j *Job) Run(ctx context.Context) error {
	j.logger.Info("rate sync started",
		zap.Duration("interval", j.cfg.Interval),
		zap.Int("max_attempts", j.cfg.MaxAttempts),
	)

	for {
		if err := j.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				j.logger.Info("rate sync stopped")
				return nil
			}

			j.logger.Error("rate sync failed, giving up",
				zap.Bool("critical", true),
				zap.Error(err),
			)
			return err
		}

		if err := j.sleep(ctx, j.cfg.Interval); err != nil {
			j.logger.Info("rate sync stopped")
			return nil
		}
	}
}

// RunCycle 执行一个同步周期，每个周期的重试计数从 1 开始
func (j *Job) RunCycle(ctx context.Context) error {
	var lastErr error

	for attempt := 1; attempt <= j.cfg.MaxAttempts; attempt++ {
		count, err := j.syncOnce(ctx)
		if err == nil {
			j.metrics.RecordSyncAttempt(true)
			j.logger.Info("exchange rates synchronized",
				zap.Int("attempt", attempt),
				zap.Int("rates", count),
			)
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		j.metrics.RecordSyncAttempt(false)
		lastErr = err

		if attempt == j.cfg.MaxAttempts {
			break
		}

		delay := BackoffDelay(attempt, j.cfg.BackoffCap)
		j.logger.Warn("rate sync attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)

		if err := j.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrSyncExhausted, j.cfg.MaxAttempts, lastErr)
}

// syncOnce 拉取、事务内替换、提交后刷新缓存、置位就绪信号
func (j *Job) syncOnce(ctx context.Context) (int, error) {
	rates, err := j.provider.FetchRates(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch rates: %w", err)
	}
	if len(rates) == 0 {
		return 0, fmt.Errorf("%w: provider returned no rates", ErrProvider)
	}

	table, err := currency.NewRateTable(rates)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrProvider, err)
	}

	now := j.now()
	if err := j.store.ReplaceActive(ctx, table.Rates(), now); err != nil {
		return 0, fmt.Errorf("persist rates: %w", err)
	}

	// 提交后刷新缓存，失败视为本次尝试失败
	if err := j.cache.Warm(ctx, table); err != nil {
		return 0, fmt.Errorf("warm cache: %w", err)
	}

	j.signal.Signal()
	j.metrics.RecordSyncSuccess(float64(now.Unix()), len(table))
	return len(table), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SnapshotSource 优先读缓存，未命中或出错时回退到数据库
type SnapshotSource struct {
	cache  RateCache
	store  RateStore
	logger *zap.Logger
}

func NewSnapshotSource(cache RateCache, store RateStore, logger *zap.Logger) *SnapshotSource {
	return &SnapshotSource{cache: cache, store: store, logger: logger.Named("rates")}
}

func (s *SnapshotSource) Snapshot(ctx context.Context) (currency.RateTable, error) {
	table, err := s.cache.Snapshot(ctx)
	if err == nil {
		return table, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn("rate cache unavailable, reading database", zap.Error(err))
	}

	return s.store.ActiveRates(ctx)
}
