package signer

import (
	"log/slog"
	"sync"
)

// LogHandler 接收每条生命周期日志。
type LogHandler func(message string)

// LogSink 是只追加的事件日志，可选地同步转发给调用方注册的 handler。
type LogSink struct {
	logger *slog.Logger

	// fwdMu 保证 handler 收到消息的顺序与 entries 一致；handler 内不得再调用 Log。
	fwdMu sync.Mutex

	mu      sync.RWMutex
	entries []string
	handler LogHandler
}

// NewLogSink 构造 LogSink，logger 为空时使用 slog.Default()。
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// SetHandler 注册转发 handler，后注册者覆盖先注册者。
func (l *LogSink) SetHandler(h LogHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// Log 追加一条日志并转发。attrs 只进入 slog，不影响记录的消息文本。
func (l *LogSink) Log(message string, attrs ...any) {
	l.fwdMu.Lock()
	defer l.fwdMu.Unlock()

	l.mu.Lock()
	l.entries = append(l.entries, message)
	handler := l.handler
	l.mu.Unlock()

	l.logger.Debug(message, attrs...)
	if handler != nil {
		l.forward(handler, message)
	}
}

func (l *LogSink) forward(handler LogHandler, message string) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Warn("log handler panicked", "panic", r, "message", message)
		}
	}()
	handler(message)
}

// Entries 返回目前为止所有日志的副本。
func (l *LogSink) Entries() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len 返回日志条数。
func (l *LogSink) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
