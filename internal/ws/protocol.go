package ws

import (
	"encoding/json"
	"time"
)

// 消息类型
const (
	MessageTypePing    = "ping"
	MessageTypePong    = "pong"
	MessageTypeEvent   = "event"
	MessageTypeError   = "error"
	MessageTypeKickout = "kickout"
)

// WSMessage WebSocket 消息协议
type WSMessage struct {
	Type      string          `json:"type"`
	MsgID     string          `json:"msg_id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventPayload 服务端推送的业务事件
type EventPayload struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// ErrorPayload 错误载荷
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewWSMessage 构造 WebSocket 消息
func NewWSMessage(msgType string, payload any) (*WSMessage, error) {
	msg := &WSMessage{
		Type:      msgType,
		Timestamp: time.Now().Unix(),
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = data
	}

	return msg, nil
}

// encodeMessage 构造并序列化
func encodeMessage(msgType string, payload any) ([]byte, error) {
	msg, err := NewWSMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// ParsePayload 解析载荷
func (m *WSMessage) ParsePayload(v any) error {
	return json.Unmarshal(m.Payload, v)
}
