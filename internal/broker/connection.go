package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/qiuyier/ledger-sync/internal/metrics"
)

// ReconnectHook 重连成功后在新 channel 上执行
type ReconnectHook func(ctx context.Context, ch Channel) error

// ConnectionManager 持有唯一的 broker 连接和 channel，连接断开后按固定间隔重连
type ConnectionManager struct {
	url            string
	dial           Dialer
	reconnectDelay time.Duration
	logger         *zap.Logger
	metrics        *metrics.Metrics

	// initMu 串行化拨号与句柄替换
	initMu sync.Mutex

	mu      sync.RWMutex
	conn    Connection
	channel Channel

	hooksMu sync.Mutex
	hooks   []ReconnectHook

	// 关闭控制
	closeOnce sync.Once
	closed    atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// ConnectionOption 可选配置
type ConnectionOption func(*ConnectionManager)

// WithDialer 替换默认的 amqp Dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(m *ConnectionManager) {
		m.dial = dial
	}
}

// WithConnectionMetrics 记录重连次数
func WithConnectionMetrics(mt *metrics.Metrics) ConnectionOption {
	return func(m *ConnectionManager) {
		m.metrics = mt
	}
}

func NewConnectionManager(url string, reconnectDelay time.Duration, logger *zap.Logger, opts ...ConnectionOption) *ConnectionManager {
	if reconnectDelay <= 0 {
		reconnectDelay = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &ConnectionManager{
		url:            url,
		dial:           DialAMQP,
		reconnectDelay: reconnectDelay,
		logger:         logger.Named("amqp"),
		ctx:            ctx,
		cancel:         cancel,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Initialize 打开连接和 channel；broker 不可达时返回 ErrConnection，本层不重试
// 已有可用连接时直接返回
func (m *ConnectionManager) Initialize() error {
	_, _, err := m.connect()
	return err
}

// connect 返回当前可用的句柄，必要时重新拨号
func (m *ConnectionManager) connect() (Connection, Channel, error) {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	if m.closed.Load() {
		return nil, nil, ErrBrokerClosed
	}

	if conn, ch, ok := m.current(); ok {
		return conn, ch, nil
	}

	conn, err := m.dial(m.url)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("%w: open channel: %w", ErrConnection, err)
	}

	m.mu.Lock()
	// 旧句柄先释放再替换
	m.disposeLocked()
	m.conn = conn
	m.channel = ch
	m.mu.Unlock()

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	m.wg.Add(1)
	go m.watch(conn, connClosed, chanClosed)

	m.logger.Info("rabbitmq connection established")
	return conn, ch, nil
}

func (m *ConnectionManager) current() (Connection, Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	open := m.conn != nil && !m.conn.IsClosed() &&
		m.channel != nil && !m.channel.IsClosed()
	return m.conn, m.channel, open
}

// Channel 返回当前 channel，首次 Initialize 成功前返回 ErrNotInitialized
func (m *ConnectionManager) Channel() (Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.channel == nil {
		return nil, ErrNotInitialized
	}
	return m.channel, nil
}

// IsOpen 连接和 channel 都处于打开状态
func (m *ConnectionManager) IsOpen() bool {
	_, _, open := m.current()
	return open
}

// OnReconnect 注册重连后需要执行的回调（重新声明拓扑、重新订阅）
func (m *ConnectionManager) OnReconnect(hook ReconnectHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()

	m.hooks = append(m.hooks, hook)
}

// Close 关闭连接并停止重连循环
func (m *ConnectionManager) Close() error {
	var closeErr error

	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.cancel()

		// 等待进行中的拨号结束，之后不会再有新连接
		m.initMu.Lock()
		m.mu.Lock()
		if m.channel != nil {
			if err := m.channel.Close(); err != nil && !m.channel.IsClosed() {
				closeErr = err
			}
		}
		if m.conn != nil {
			if err := m.conn.Close(); err != nil && closeErr == nil && !m.conn.IsClosed() {
				closeErr = err
			}
		}
		m.conn = nil
		m.channel = nil
		m.mu.Unlock()
		m.initMu.Unlock()

		m.wg.Wait()
		m.logger.Info("rabbitmq connection closed")
	})

	return closeErr
}

// 监听连接或 channel 关闭事件；服务端可能只关闭 channel 而保留连接
func (m *ConnectionManager) watch(conn Connection, connClosed, chanClosed chan *amqp.Error) {
	defer m.wg.Done()

	var (
		amqpErr *amqp.Error
		ok      bool
		scope   string
	)

	select {
	case <-m.ctx.Done():
		return
	case amqpErr, ok = <-connClosed:
		scope = "connection"
	case amqpErr, ok = <-chanClosed:
		scope = "channel"
	}

	// 主动关闭或已被替换的连接不触发重连
	if m.closed.Load() || !m.isCurrent(conn) {
		return
	}

	fields := []zap.Field{
		zap.String("scope", scope),
		zap.Duration("retry_in", m.reconnectDelay),
	}
	if ok && amqpErr != nil {
		fields = append(fields,
			zap.Int("code", amqpErr.Code),
			zap.String("reason", amqpErr.Reason),
		)
	}
	m.logger.Warn("rabbitmq connection lost", fields...)

	// channel 单独关闭时连同连接一起释放，统一走重连和回调
	m.dispose(conn)
	m.reconnect()
}

// reconnect 无上限地按固定间隔重连，直到成功或关闭
func (m *ConnectionManager) reconnect() {
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(m.reconnectDelay)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, ch, err := m.connect()
		if err != nil {
			m.logger.Warn("rabbitmq reconnect failed",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}

		if err := m.runHooks(ch); err != nil {
			// 连接已被替换，由新连接的监听负责恢复
			if !m.isCurrent(conn) {
				m.logger.Warn("rabbitmq reconnect hooks failed on a replaced connection",
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
				return
			}

			m.logger.Error("rabbitmq reconnect hooks failed",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			m.dispose(conn)
			continue
		}

		m.metrics.RecordReconnect()
		m.logger.Info("rabbitmq reconnected", zap.Int("attempt", attempt))
		return
	}
}

func (m *ConnectionManager) runHooks(ch Channel) error {
	m.hooksMu.Lock()
	hooks := make([]ReconnectHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.hooksMu.Unlock()

	for _, hook := range hooks {
		if err := hook(m.ctx, ch); err != nil {
			return err
		}
	}
	return nil
}

func (m *ConnectionManager) isCurrent(conn Connection) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.conn == conn
}

// dispose 仅在 conn 仍为当前连接时释放
func (m *ConnectionManager) dispose(conn Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != conn {
		return
	}
	m.disposeLocked()
}

func (m *ConnectionManager) disposeLocked() {
	if m.channel != nil {
		_ = m.channel.Close()
		m.channel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}
