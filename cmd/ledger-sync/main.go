package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/qiuyier/ledger-sync/config"
	"github.com/qiuyier/ledger-sync/internal/auth"
	"github.com/qiuyier/ledger-sync/internal/broker"
	"github.com/qiuyier/ledger-sync/internal/cache"
	"github.com/qiuyier/ledger-sync/internal/classifier"
	"github.com/qiuyier/ledger-sync/internal/consts"
	"github.com/qiuyier/ledger-sync/internal/logger"
	"github.com/qiuyier/ledger-sync/internal/matching"
	"github.com/qiuyier/ledger-sync/internal/metrics"
	"github.com/qiuyier/ledger-sync/internal/notify"
	"github.com/qiuyier/ledger-sync/internal/ratesync"
	"github.com/qiuyier/ledger-sync/internal/server"
	"github.com/qiuyier/ledger-sync/internal/storage"
	"github.com/qiuyier/ledger-sync/internal/ws"
)

type correlationStore interface {
	classifier.CorrelationRecorder
	matching.CorrelationStore
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ledger-sync:", err)
		os.Exit(1)
	}
}

func run() error {
	// .env 可选
	_ = godotenv.Load()

	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	gin.SetMode(cfg.Server.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mt := metrics.New(prometheus.DefaultRegisterer)

	// 存储
	db, err := storage.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = storage.Close(db) }()

	if cfg.Database.Migrate {
		if err := storage.Migrate(db, log); err != nil {
			return err
		}
	}

	rateCache, correlations, closeCache, err := buildCaches(cfg.Redis, 2*cfg.RateSync.Interval, log)
	if err != nil {
		return err
	}
	defer closeCache()

	rateRepo := storage.NewRateRepository(db)
	ledgerRepo := storage.NewLedgerRepository(db)

	// 汇率同步
	gate := ratesync.NewRunSignal()
	provider := ratesync.NewHTTPProvider(cfg.RateSync.ProviderURL, cfg.RateSync.APIKey, cfg.RateSync.Currencies, cfg.RateSync.Timeout)
	job := ratesync.NewJob(ratesync.Config{
		Interval:    cfg.RateSync.Interval,
		MaxAttempts: cfg.RateSync.MaxAttempts,
		BackoffCap:  cfg.RateSync.BackoffCap,
	}, provider, rateRepo, rateCache, gate, log, mt)

	// broker
	conn := broker.NewConnectionManager(cfg.RabbitMQ.URL, cfg.RabbitMQ.ReconnectDelay, log, broker.WithConnectionMetrics(mt))
	defer func() {
		if err := conn.Close(); err != nil {
			log.Warn("close rabbitmq connection", zap.Error(err))
		}
	}()

	dispatcher, err := broker.NewDispatcher(conn, cfg.RabbitMQ.Topology, broker.DispatcherConfig{
		Prefetch:       cfg.RabbitMQ.Prefetch,
		Workers:        cfg.RabbitMQ.Workers,
		HandlerTimeout: cfg.RabbitMQ.HandlerTimeout,
		CloseTimeout:   cfg.Server.ShutdownTimeout,
	}, log, mt)
	if err != nil {
		return err
	}
	defer func() { _ = dispatcher.Close() }()

	// 推送
	hub := ws.NewHub(cfg.WS.MaxConnPerUser, log)
	sinks := []notify.Sink{{Name: consts.SinkWebSocket, Notifier: hub}}
	if cfg.Notifications.Kafka.Enabled {
		publisher := notify.NewKafkaPublisher(cfg.Notifications.Kafka.Brokers, cfg.Notifications.Kafka.Topic, log)
		defer func() { _ = publisher.Close() }()
		sinks = append(sinks, notify.Sink{Name: consts.SinkKafka, Notifier: publisher})
	}
	notifier := notify.NewFanout(log, mt, sinks...)

	matcher := matching.NewHandler(ledgerRepo, ratesync.NewSnapshotSource(rateCache, rateRepo, log), correlations, notifier, log)
	if err := dispatcher.RegisterEvent(consts.EventTransactionsMatched, matcher.Handle); err != nil {
		return err
	}

	classifierClient := classifier.NewClient(cfg.Classifier.URL, cfg.Classifier.Timeout, correlations, log, mt)

	srv := server.New(cfg.Server, server.Deps{
		Gate:            gate,
		Broker:          dispatcher,
		Database:        dbPinger(db),
		Classifications: server.NewClassificationHandler(ledgerRepo, classifierClient, log),
		WebSocket:       ws.NewHandler(hub, auth.NewJWTAuth(cfg.JWT.Secret, cfg.JWT.ExpireTime), cfg.WS, log),
		Metrics:         promhttp.Handler(),
	}, log)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return job.Run(gctx)
	})

	// 首次同步完成后再开始消费，避免在空汇率表上处理匹配结果
	g.Go(func() error {
		if err := gate.Wait(gctx); err != nil {
			return nil
		}
		log.Info("first rate sync completed, subscribing to broker queues")
		return dispatcher.SubscribeAll(gctx)
	})

	g.Go(func() error {
		return srv.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		hub.Close("server shutting down")
		return nil
	})

	log.Info("ledger-sync started",
		zap.String("http_port", cfg.Server.HTTPPort),
		zap.Strings("queues", cfg.RabbitMQ.Topology.QueueNames()),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("ledger-sync stopped with error", zap.Error(err))
		return err
	}

	log.Info("ledger-sync stopped")
	return nil
}

// buildCaches redis 未启用时使用进程内实现；汇率快照 TTL 为两个同步周期
func buildCaches(cfg config.RedisConfig, rateTTL time.Duration, log *zap.Logger) (ratesync.RateCache, correlationStore, func(), error) {
	if !cfg.Enabled {
		log.Info("redis disabled, using in-memory caches")
		return cache.NewMemoryRateCache(), cache.NewMemoryCorrelationStore(cfg.CorrelationTTL), func() {}, nil
	}

	client, err := cache.NewRedisClient(cfg, log)
	if err != nil {
		return nil, nil, nil, err
	}

	closeFn := func() {
		if err := client.Close(); err != nil {
			log.Warn("close redis client", zap.Error(err))
		}
	}

	return cache.NewRedisRateCache(client, cfg.KeyPrefix, rateTTL),
		cache.NewRedisCorrelationStore(client, cfg.KeyPrefix, cfg.CorrelationTTL),
		closeFn, nil
}

func dbPinger(db *gorm.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return storage.Ping(ctx, db)
	}
}
