package signer

import (
	"context"
	"net"

	"github.com/gorilla/websocket"
	"github.com/mdlayher/vsock"
)

// Conn 是一次签名往返所需的最小连接能力，*websocket.Conn 直接满足该接口。
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer 为每次 Sign 建立一条全新的连接，连接从不复用。
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Conn, error)
}

// DialerFunc 允许用普通函数实现 Dialer。
type DialerFunc func(ctx context.Context, cfg Config) (Conn, error)

// Dial 实现 Dialer。
func (f DialerFunc) Dial(ctx context.Context, cfg Config) (Conn, error) {
	return f(ctx, cfg)
}

// WebSocketDialer 基于 gorilla/websocket 拨号。
type WebSocketDialer struct{}

// Dial 实现 Dialer。
func (WebSocketDialer) Dial(ctx context.Context, cfg Config) (Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	if cfg.VsockCID != 0 {
		port, err := cfg.vsockPort()
		if err != nil {
			return nil, err
		}
		cid := cfg.VsockCID
		d.NetDialContext = func(context.Context, string, string) (net.Conn, error) {
			c, err := vsock.Dial(cid, port, nil)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	}
	conn, resp, err := d.DialContext(ctx, cfg.Endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// closeNormally 先发送 1000 关闭帧再断开，关闭帧写失败不影响结果。
func closeNormally(conn Conn) error {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}
