package ratesync

import "time"

// BackoffDelay 第 attempt 次失败后的等待时间：min(2^attempt 秒, limit)
func BackoffDelay(attempt int, limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	// 2^34 秒超出 time.Duration 范围
	if attempt >= 34 {
		return limit
	}

	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > limit {
		return limit
	}
	return delay
}
