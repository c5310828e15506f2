package negotiation

import (
	"context"
	"sync"
)

// barrier 等待固定数量的报价单元完成，计数达到期望值时关闭 done。
type barrier struct {
	expected int

	mu        sync.Mutex
	completed int
	done      chan struct{}
}

func newBarrier(expected int) *barrier {
	b := &barrier{expected: expected, done: make(chan struct{})}
	if expected <= 0 {
		close(b.done)
	}
	return b
}

// Arrive 记录一个单元完成，多余的调用被忽略。
func (b *barrier) Arrive() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.completed >= b.expected {
		return
	}
	b.completed++
	if b.completed == b.expected {
		close(b.done)
	}
}

// Completed 返回已完成的单元数。
func (b *barrier) Completed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completed
}

// Wait 阻塞到全部单元完成或 ctx 结束，全部完成时返回 true。
func (b *barrier) Wait(ctx context.Context) bool {
	select {
	case <-b.done:
		return true
	case <-ctx.Done():
		select {
		case <-b.done:
			return true
		default:
			return false
		}
	}
}
