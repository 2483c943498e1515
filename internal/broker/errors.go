package broker

import "errors"

var (
	// ErrConnection 无法连接到 broker
	ErrConnection = errors.New("broker connection failed")

	// ErrNotInitialized 在首次 Initialize 成功之前获取 channel
	ErrNotInitialized = errors.New("broker connection not initialized")

	// ErrBrokerClosed broker 已关闭
	ErrBrokerClosed = errors.New("broker is closed")

	// ErrPoisonMessage 消息体无法解析，不重试
	ErrPoisonMessage = errors.New("poison message")

	// ErrUnknownRoutingKey 没有注册对应 handler
	ErrUnknownRoutingKey = errors.New("unknown routing key")

	// ErrInvalidTopology 拓扑配置不合法
	ErrInvalidTopology = errors.New("invalid broker topology")
)
