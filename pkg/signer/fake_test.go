package signer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

var errUseOfClosedConn = errors.New("use of closed network connection")

type fakeFrame struct {
	kind int
	data []byte
}

type fakeConn struct {
	reply    []byte
	readErr  error
	writeErr error
	// hold 让 ReadMessage 一直阻塞到 Close。
	hold bool

	mu        sync.Mutex
	frames    []fakeFrame
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn(reply string) *fakeConn {
	return &fakeConn{reply: []byte(reply), closed: make(chan struct{})}
}

func (c *fakeConn) WriteMessage(kind int, data []byte) error {
	if kind == websocket.TextMessage && c.writeErr != nil {
		return c.writeErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, fakeFrame{kind: kind, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	if c.hold {
		<-c.closed
		return 0, nil, errUseOfClosedConn
	}
	if c.readErr != nil {
		return 0, nil, c.readErr
	}
	return websocket.TextMessage, c.reply, nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) textFrames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.frames {
		if f.kind == websocket.TextMessage {
			out = append(out, string(f.data))
		}
	}
	return out
}

func (c *fakeConn) sawCloseFrame() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.frames {
		if f.kind == websocket.CloseMessage {
			return true
		}
	}
	return false
}

type fakeDialer struct {
	conn *fakeConn
	err  error
	// gate 非空时 Dial 阻塞到 gate 关闭。
	gate  chan struct{}
	calls atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context, _ Config) (Conn, error) {
	d.calls.Add(1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

// callbacks 统计两个回调的触发次数。
type callbacks struct {
	mu        sync.Mutex
	successes []any
	failures  []error
}

func (c *callbacks) onSuccess(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successes = append(c.successes, v)
}

func (c *callbacks) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.successes), len(c.failures)
}
