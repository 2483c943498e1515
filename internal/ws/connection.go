package ws

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	sendWait     = 100 * time.Millisecond
	drainTimeout = time.Second
)

type Connection struct {
	// 基本信息，Email 为推送分组键
	UserID   string
	Email    string
	DeviceID string

	// WebSocket 连接
	conn *websocket.Conn

	// sendChan 不关闭，写循环通过 ctx 退出
	sendChan   chan []byte
	writerDone chan struct{}

	// 状态
	lastActive atomic.Int64
	closed     atomic.Bool

	// 日志
	logger *zap.Logger

	// 配置
	maxMessageSize int64
	pongTimeout    time.Duration

	// 上下文
	ctx    context.Context
	cancel context.CancelFunc
}

func NewConnection(
	userID, email, deviceID string,
	conn *websocket.Conn,
	sendChanSize int,
	maxMessageSize int64,
	pongTimeout time.Duration,
	logger *zap.Logger,
) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		UserID:         userID,
		Email:          email,
		DeviceID:       deviceID,
		conn:           conn,
		sendChan:       make(chan []byte, sendChanSize),
		writerDone:     make(chan struct{}),
		maxMessageSize: maxMessageSize,
		pongTimeout:    pongTimeout,
		logger:         logger.With(zap.String("user_id", userID), zap.String("device_id", deviceID)),
		ctx:            ctx,
		cancel:         cancel,
	}

	c.UpdateLastActive()

	return c
}

// UpdateLastActive 更新最后活跃时间
func (c *Connection) UpdateLastActive() {
	c.lastActive.Store(time.Now().Unix())
}

// GetLastActive 获取最后活跃时间
func (c *Connection) GetLastActive() time.Time {
	return time.Unix(c.lastActive.Load(), 0)
}

// Send 发送消息（异步），队列满或连接关闭时丢弃
func (c *Connection) Send(data []byte) bool {
	if c.closed.Load() {
		return false
	}

	timer := time.NewTimer(sendWait)
	defer timer.Stop()

	select {
	case c.sendChan <- data:
		return true
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		c.logger.Warn("send channel full, message dropped")
		return false
	}
}

// Close 通知写循环发送剩余消息（最多等待 1 秒）后关闭底层连接
func (c *Connection) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.cancel()

	select {
	case <-c.writerDone:
	case <-time.After(drainTimeout):
	}

	_ = c.conn.Close()
	c.logger.Info("connection closed")
}

// ReadPump 读取消息循环
func (c *Connection) ReadPump(handler MessageHandler) {
	defer c.Close()

	c.conn.SetReadLimit(c.maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))

	c.conn.SetPongHandler(func(string) error {
		c.UpdateLastActive()
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("read error", zap.Error(err))
			}
			return
		}

		c.UpdateLastActive()

		if err := handler.HandleMessage(c, message); err != nil {
			c.logger.Warn("handle message error", zap.Error(err))
		}
	}
}

// WritePump 写入消息循环
func (c *Connection) WritePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
		c.cancel()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.drain()
			return

		case message := <-c.sendChan:
			if err := c.write(websocket.TextMessage, message); err != nil {
				c.logger.Error("write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Error("ping error", zap.Error(err))
				return
			}
		}
	}
}

// drain 写出队列中剩余的消息并发送 close 帧
func (c *Connection) drain() {
	deadline := time.Now().Add(drainTimeout)

	for time.Now().Before(deadline) {
		select {
		case message := <-c.sendChan:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
			continue
		default:
		}
		break
	}

	_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *Connection) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}
