package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	nanoid "github.com/jaevor/go-nanoid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/qiuyier/ledger-sync/internal/metrics"
)

// DispatcherConfig 消费配置
type DispatcherConfig struct {
	Prefetch       int           // 每个 consumer 的 QoS prefetch，默认 1
	Workers        int           // 每个队列的并发 worker，默认 1（保持顺序）
	HandlerTimeout time.Duration // 单条消息处理超时，0 表示不限制
	CloseTimeout   time.Duration // 关闭时等待 worker 的最长时间
}

// Dispatcher 声明拓扑、按队列启动 consumer，并按 routing key 分发消息
type Dispatcher struct {
	conn     *ConnectionManager
	topology Topology
	cfg      DispatcherConfig
	logger   *zap.Logger
	metrics  *metrics.Metrics

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	// 订阅状态
	subscribeMu   sync.Mutex
	hookOnce      sync.Once
	activeChannel Channel
	consumerTag   func() string

	// 关闭控制
	closeOnce sync.Once
	closed    atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// 统计信息
	stats BrokerStats
}

func NewDispatcher(conn *ConnectionManager, topology Topology, cfg DispatcherConfig, logger *zap.Logger, mt *metrics.Metrics) (*Dispatcher, error) {
	if err := topology.Validate(); err != nil {
		return nil, err
	}

	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 30 * time.Second
	}

	tag, err := nanoid.Standard(12)
	if err != nil {
		return nil, fmt.Errorf("create consumer tag generator: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		conn:        conn,
		topology:    topology,
		cfg:         cfg,
		logger:      logger.Named("dispatcher"),
		metrics:     mt,
		handlers:    make(map[string]Handler),
		consumerTag: tag,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Register 为 routing key 注册唯一的 handler
func (d *Dispatcher) Register(routingKey string, handler Handler) error {
	if routingKey == "" {
		return fmt.Errorf("routing key is empty")
	}

	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()

	if _, exists := d.handlers[routingKey]; exists {
		return fmt.Errorf("handler for routing key %q already registered", routingKey)
	}
	d.handlers[routingKey] = handler

	d.logger.Info("handler registered",
		zap.String("routing_key", routingKey),
		zap.Int("total_handlers", len(d.handlers)),
	)
	return nil
}

// RegisterEvent 通过拓扑中的事件名查找 routing key 后注册
func (d *Dispatcher) RegisterEvent(event string, handler Handler) error {
	key, ok := d.topology.RoutingKey(event)
	if !ok {
		return fmt.Errorf("no routing key configured for event %q", event)
	}
	return d.Register(key, handler)
}

// SubscribeAll 确保连接、声明拓扑并为每个队列启动 consumer；可重复调用
func (d *Dispatcher) SubscribeAll(ctx context.Context) error {
	if d.closed.Load() {
		return ErrBrokerClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := d.conn.Initialize(); err != nil {
		return err
	}

	// 连接替换后 consumer 会丢失，重连时重新订阅
	d.hookOnce.Do(func() {
		d.conn.OnReconnect(d.resubscribe)
	})

	ch, err := d.conn.Channel()
	if err != nil {
		return err
	}

	return d.setup(ch)
}

func (d *Dispatcher) resubscribe(_ context.Context, ch Channel) error {
	if d.closed.Load() {
		return nil
	}

	d.logger.Info("re-declaring topology after reconnect")
	return d.setup(ch)
}

func (d *Dispatcher) setup(ch Channel) error {
	d.subscribeMu.Lock()
	defer d.subscribeMu.Unlock()

	if d.activeChannel == ch {
		return nil
	}

	if err := d.topology.declare(ch); err != nil {
		return err
	}

	if err := ch.Qos(d.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos failed: %w", err)
	}

	for _, queue := range d.topology.QueueNames() {
		deliveries, err := ch.Consume(
			queue,
			fmt.Sprintf("ledger-sync-%s-%s", queue, d.consumerTag()),
			false, // autoAck
			false, // exclusive
			false, // noLocal
			false, // noWait
			nil,
		)
		if err != nil {
			return fmt.Errorf("consume queue %s failed: %w", queue, err)
		}

		d.startWorkers(queue, deliveries)
	}

	d.activeChannel = ch

	d.logger.Info("subscribed to all queues",
		zap.Strings("queues", d.topology.QueueNames()),
		zap.Int("prefetch", d.cfg.Prefetch),
	)
	return nil
}

// 每个队列启动 Workers 个 goroutine 读取同一个 delivery channel
func (d *Dispatcher) startWorkers(queue string, deliveries <-chan amqp.Delivery) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)

		go func(workerID int) {
			defer d.wg.Done()

			atomic.AddInt32(&d.stats.ActiveConsumers, 1)
			defer atomic.AddInt32(&d.stats.ActiveConsumers, -1)
			d.metrics.ConsumerStarted()
			defer d.metrics.ConsumerStopped()

			d.logger.Debug("consumer started",
				zap.String("queue", queue),
				zap.Int("worker_id", workerID),
			)

			for {
				select {
				case <-d.ctx.Done():
					return
				case msg, ok := <-deliveries:
					if !ok {
						// channel 关闭，ConnectionManager 重连后由回调重新订阅
						d.logger.Warn("delivery channel closed",
							zap.String("queue", queue),
							zap.Int("worker_id", workerID),
						)
						return
					}
					d.handleDelivery(queue, workerID, msg)
				}
			}
		}(i)
	}
}

// handleDelivery 处理单条消息：成功 ack，其余情况 nack 且不重新入队
func (d *Dispatcher) handleDelivery(queue string, workerID int, delivery amqp.Delivery) {
	start := time.Now()
	routingKey := delivery.RoutingKey

	log := d.logger.With(
		zap.String("queue", queue),
		zap.String("routing_key", routingKey),
		zap.Uint64("delivery_tag", delivery.DeliveryTag),
		zap.Int("worker_id", workerID),
	)

	msg, err := DecodeMessage(delivery.Body)
	if err != nil {
		atomic.AddInt64(&d.stats.PoisonCount, 1)
		d.metrics.RecordMessage(routingKey, metrics.OutcomePoison, 0)
		log.Error("malformed message rejected", zap.Error(err))
		d.reject(log, delivery)
		return
	}
	msg.RoutingKey = routingKey
	msg.Queue = queue
	msg.DeliveryTag = delivery.DeliveryTag

	log = log.With(
		zap.String("correlation_id", msg.CorrelationID),
		zap.String("user_id", msg.UserID),
	)

	d.handlersMu.RLock()
	handler, exists := d.handlers[routingKey]
	d.handlersMu.RUnlock()

	if !exists {
		atomic.AddInt64(&d.stats.UnknownCount, 1)
		d.metrics.RecordMessage(routingKey, metrics.OutcomeUnknown, 0)
		log.Warn("message rejected", zap.Error(ErrUnknownRoutingKey))
		d.reject(log, delivery)
		return
	}

	err = d.invoke(handler, msg)
	duration := time.Since(start)

	if err != nil {
		atomic.AddInt64(&d.stats.ErrorCount, 1)
		d.metrics.RecordMessage(routingKey, metrics.OutcomeFailed, duration.Seconds())
		log.Error("handler failed, message dropped",
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		d.reject(log, delivery)
		return
	}

	if err := delivery.Ack(false); err != nil {
		log.Error("ack failed", zap.Error(err))
		return
	}

	atomic.AddInt64(&d.stats.ProcessedCount, 1)
	d.metrics.RecordMessage(routingKey, metrics.OutcomeAck, duration.Seconds())

	log.Debug("message processed", zap.Duration("duration", duration))
}

// invoke 每条消息独立的 context，handler panic 视为失败
func (d *Dispatcher) invoke(handler Handler, msg *Message) (err error) {
	ctx := d.ctx
	if d.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.HandlerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return handler(ctx, msg)
}

func (d *Dispatcher) reject(log *zap.Logger, delivery amqp.Delivery) {
	if err := delivery.Nack(false, false); err != nil {
		log.Error("nack failed", zap.Error(err))
	}
}

// GetStats 获取统计信息
func (d *Dispatcher) GetStats() *BrokerStats {
	return &BrokerStats{
		ActiveConsumers: atomic.LoadInt32(&d.stats.ActiveConsumers),
		ProcessedCount:  atomic.LoadInt64(&d.stats.ProcessedCount),
		PoisonCount:     atomic.LoadInt64(&d.stats.PoisonCount),
		UnknownCount:    atomic.LoadInt64(&d.stats.UnknownCount),
		ErrorCount:      atomic.LoadInt64(&d.stats.ErrorCount),
	}
}

// HealthCheck broker channel 是否可用
func (d *Dispatcher) HealthCheck() error {
	if d.closed.Load() {
		return ErrBrokerClosed
	}
	if !d.conn.IsOpen() {
		return fmt.Errorf("%w: channel is closed", ErrConnection)
	}
	return nil
}

// Close 停止所有 consumer；连接由 ConnectionManager 关闭
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.logger.Info("closing dispatcher")

		d.cancel()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.logger.Info("all consumers stopped gracefully")
		case <-time.After(d.cfg.CloseTimeout):
			d.logger.Warn("force closing: consumers timeout")
		}

		stats := d.GetStats()
		d.logger.Info("dispatcher closed",
			zap.Int64("processed", stats.ProcessedCount),
			zap.Int64("poison", stats.PoisonCount),
			zap.Int64("unknown", stats.UnknownCount),
			zap.Int64("errors", stats.ErrorCount),
		)
	})

	return nil
}
