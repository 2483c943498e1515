package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrRecipientOffline 接收方当前没有可投递的连接
var ErrRecipientOffline = errors.New("recipient offline")

// Notifier 推送通道；groupKey 为用户邮箱
type Notifier interface {
	Notify(ctx context.Context, groupKey, event string, payload any) error
}

// Event 推送事件
type Event struct {
	GroupKey  string          `json:"groupKey"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewEvent 序列化 payload，nil 表示无载荷
func NewEvent(groupKey, event string, payload any) (*Event, error) {
	e := &Event{
		GroupKey:  groupKey,
		Event:     event,
		Timestamp: time.Now().Unix(),
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		e.Payload = data
	}

	return e, nil
}
