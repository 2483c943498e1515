package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Handler 按 routing key 注册的消息处理函数
type Handler func(ctx context.Context, msg *Message) error

// Message 代理消息信封
type Message struct {
	CorrelationID string          `json:"correlationId"`
	UserID        string          `json:"userId"`
	Response      json.RawMessage `json:"response"`

	// 投递元数据，不参与序列化
	RoutingKey  string `json:"-"`
	Queue       string `json:"-"`
	DeliveryTag uint64 `json:"-"`
}

// BrokerStats 统计信息
type BrokerStats struct {
	ActiveConsumers int32
	ProcessedCount  int64
	PoisonCount     int64
	UnknownCount    int64
	ErrorCount      int64
}

// DecodeMessage 解析消息体，缺少 correlationId 或 userId 视为毒消息
func DecodeMessage(body []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPoisonMessage, err)
	}

	msg.CorrelationID = strings.TrimSpace(msg.CorrelationID)
	msg.UserID = strings.TrimSpace(msg.UserID)

	if msg.CorrelationID == "" {
		return nil, fmt.Errorf("%w: missing correlationId", ErrPoisonMessage)
	}
	if msg.UserID == "" {
		return nil, fmt.Errorf("%w: missing userId", ErrPoisonMessage)
	}

	return &msg, nil
}

// EncodeMessage 序列化消息信封
func EncodeMessage(correlationID, userID string, response any) ([]byte, error) {
	raw, err := json.Marshal(response)
	if err != nil {
		return nil, err
	}

	return json.Marshal(&Message{
		CorrelationID: correlationID,
		UserID:        userID,
		Response:      raw,
	})
}
