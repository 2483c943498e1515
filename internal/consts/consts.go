package consts

// 逻辑事件名，对应拓扑 routing_keys 的 key
const (
	EventTransactionsMatched   = "TransactionsMatched"
	EventTransactionsRefreshed = "TransactionsRefreshed"
)

// 推送通道
const (
	SinkWebSocket = "websocket"
	SinkKafka     = "kafka"
)

// WebSocket 错误码
const (
	ErrorCodeBadMessage = 4000
	ErrorCodeKickout    = 4001
)
