package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"github.com/qiuyier/ledger-sync/internal/consts"
	"github.com/qiuyier/ledger-sync/internal/notify"
)

var (
	ErrUserOffline      = notify.ErrRecipientOffline
	ErrTooManyConns     = errors.New("too many connections for this user")
	ErrConnectionExists = errors.New("connection already exists")
)

type UserConnections struct {
	Conns   map[string]*Connection
	mu      sync.RWMutex
	removed bool
}

// Hub 按邮箱分组的在线连接，实现 notify.Notifier
type Hub struct {
	connMap cmap.ConcurrentMap[string, *UserConnections]

	// 统计
	totalConns atomic.Int64

	// 配置
	maxConnPerUser int

	logger *zap.Logger
}

func NewHub(maxConnPerUser int, logger *zap.Logger) *Hub {
	if maxConnPerUser <= 0 {
		maxConnPerUser = 1
	}

	return &Hub{
		connMap:        cmap.New[*UserConnections](),
		maxConnPerUser: maxConnPerUser,
		logger:         logger.Named("ws"),
	}
}

// AddConnection 添加连接
func (h *Hub) AddConnection(conn *Connection) error {
	for {
		userConns := h.connMap.Upsert(conn.Email, nil, func(exist bool, inMap, _ *UserConnections) *UserConnections {
			if exist {
				return inMap
			}
			return &UserConnections{Conns: make(map[string]*Connection)}
		})

		userConns.mu.Lock()

		// 已被 RemoveConnection 摘除，重新获取
		if userConns.removed {
			userConns.mu.Unlock()
			continue
		}

		// 同一设备重复连接
		if _, exists := userConns.Conns[conn.DeviceID]; exists {
			userConns.mu.Unlock()
			return ErrConnectionExists
		}

		// 检查连接数限制
		if len(userConns.Conns) >= h.maxConnPerUser {
			userConns.mu.Unlock()
			return ErrTooManyConns
		}

		userConns.Conns[conn.DeviceID] = conn
		userConns.mu.Unlock()

		total := h.totalConns.Add(1)

		h.logger.Info("connection added",
			zap.String("user_id", conn.UserID),
			zap.String("group_key", conn.Email),
			zap.String("device_id", conn.DeviceID),
			zap.Int64("total", total),
		)
		return nil
	}
}

// RemoveConnection 移除连接；同一设备已被新连接替换时不处理
func (h *Hub) RemoveConnection(conn *Connection) {
	h.connMap.RemoveCb(conn.Email, func(_ string, userConns *UserConnections, exists bool) bool {
		if !exists {
			return false
		}

		userConns.mu.Lock()
		defer userConns.mu.Unlock()

		if current, ok := userConns.Conns[conn.DeviceID]; ok && current == conn {
			delete(userConns.Conns, conn.DeviceID)
			total := h.totalConns.Add(-1)

			h.logger.Info("connection removed",
				zap.String("group_key", conn.Email),
				zap.String("device_id", conn.DeviceID),
				zap.Int64("total", total),
			)
		}

		// 用户所有连接都断开，删除用户记录
		if len(userConns.Conns) == 0 {
			userConns.removed = true
			return true
		}
		return false
	})
}

// SendToUser 发送给指定分组的所有设备
func (h *Hub) SendToUser(groupKey string, data []byte) error {
	userConns, ok := h.connMap.Get(groupKey)
	if !ok {
		return ErrUserOffline
	}

	userConns.mu.RLock()
	conns := make([]*Connection, 0, len(userConns.Conns))
	for _, conn := range userConns.Conns {
		conns = append(conns, conn)
	}
	userConns.mu.RUnlock()

	sendCount := 0
	for _, conn := range conns {
		if conn.Send(data) {
			sendCount++
		}
	}

	if sendCount == 0 {
		return ErrUserOffline
	}

	return nil
}

// Notify 以 event 消息推送给分组下的所有设备
func (h *Hub) Notify(_ context.Context, groupKey, event string, payload any) error {
	data, err := encodeMessage(MessageTypeEvent, &EventPayload{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	return h.SendToUser(groupKey, data)
}

// IsUserOnline 判断用户是否在线
func (h *Hub) IsUserOnline(groupKey string) bool {
	userConns, ok := h.connMap.Get(groupKey)
	if !ok {
		return false
	}

	userConns.mu.RLock()
	defer userConns.mu.RUnlock()

	return len(userConns.Conns) > 0
}

// GetStats 获取在线统计
func (h *Hub) GetStats() map[string]int64 {
	return map[string]int64{
		"total": h.totalConns.Load(),
		"users": int64(h.connMap.Count()),
	}
}

// KickoutUser 发送踢出消息后关闭该分组的所有连接
func (h *Hub) KickoutUser(groupKey string, reason string) {
	userConns, ok := h.connMap.Get(groupKey)
	if !ok {
		return
	}

	userConns.mu.RLock()
	conns := make([]*Connection, 0, len(userConns.Conns))
	for _, conn := range userConns.Conns {
		conns = append(conns, conn)
	}
	userConns.mu.RUnlock()

	h.kickout(conns, reason)
}

// Close 踢出所有连接
func (h *Hub) Close(reason string) {
	var conns []*Connection
	h.connMap.IterCb(func(_ string, userConns *UserConnections) {
		userConns.mu.RLock()
		defer userConns.mu.RUnlock()

		for _, conn := range userConns.Conns {
			conns = append(conns, conn)
		}
	})

	h.kickout(conns, reason)
	h.logger.Info("websocket hub closed", zap.Int("kicked", len(conns)))
}

func (h *Hub) kickout(conns []*Connection, reason string) {
	kickData, _ := encodeMessage(MessageTypeKickout, &ErrorPayload{
		Code:    consts.ErrorCodeKickout,
		Message: reason,
	})

	for _, conn := range conns {
		conn.Send(kickData)
		conn.Close()
	}
}
