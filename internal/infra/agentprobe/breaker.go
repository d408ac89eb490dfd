package agentprobe

import (
	"sync"
	"time"
)

// Status 表示签名代理当前的可达性。
type Status string

const (
	StatusUnknown    Status = "unknown"
	StatusServing    Status = "serving"
	StatusNotServing Status = "not_serving"
)

// breaker 连续失败达到阈值后判定为不可用，一次成功即恢复。
type breaker struct {
	threshold int

	mu         sync.Mutex
	status     Status
	failures   int
	lastChange time.Time
}

func newBreaker(threshold int) *breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &breaker{
		threshold:  threshold,
		status:     StatusUnknown,
		lastChange: time.Now(),
	}
}

// Success 返回状态是否发生变化。
func (b *breaker) Success() (changed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.status != StatusServing {
		b.status = StatusServing
		b.lastChange = time.Now()
		return true
	}
	return false
}

// Failure 返回状态是否发生变化。
func (b *breaker) Failure() (changed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold && b.status != StatusNotServing {
		b.status = StatusNotServing
		b.lastChange = time.Now()
		return true
	}
	return false
}

func (b *breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *breaker) Since() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastChange
}
