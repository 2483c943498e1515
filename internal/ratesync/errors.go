package ratesync

import "errors"

var (
	// ErrSyncExhausted 一个同步周期内所有重试均失败
	ErrSyncExhausted = errors.New("rate sync exhausted retries")

	// ErrProvider 汇率源返回非 2xx 或无法解析的响应
	ErrProvider = errors.New("rate provider error")
)
