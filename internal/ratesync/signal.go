package ratesync

import (
	"context"
	"sync"
)

// RunSignal 一次性就绪信号：首次同步成功后置位，之后不再复位
type RunSignal struct {
	once sync.Once
	done chan struct{}
}

func NewRunSignal() *RunSignal {
	return &RunSignal{done: make(chan struct{})}
}

// Signal 标记首次同步完成，重复调用无副作用
func (s *RunSignal) Signal() {
	s.once.Do(func() {
		close(s.done)
	})
}

// Wait 阻塞到信号置位或 ctx 结束
func (s *RunSignal) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RunSignal) Done() <-chan struct{} {
	return s.done
}

func (s *RunSignal) Fired() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
