package signer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aegis-sign/cardsigner/pkg/apierrors"
)

// State 表示一次签名往返所处的阶段。
type State string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateOpen          State = "open"
	StateAwaitingReply State = "awaiting_reply"
	StateClosed        State = "closed"
	StateFailed        State = "failed"
)

const outcomeSuccess = "success"

// Exchange 是单次 Sign 的状态机，不会回到 idle，也不支持取消。
type Exchange struct {
	id        string
	session   *Session
	payload   []byte
	onSuccess SuccessFunc
	onError   ErrorFunc

	mu    sync.Mutex
	state State

	timedOut atomic.Bool
	done     chan struct{}
	value    any
	err      *apierrors.Error
}

func newExchange(s *Session, payload []byte, onSuccess SuccessFunc, onError ErrorFunc) *Exchange {
	return &Exchange{
		id:        uuid.NewString(),
		session:   s,
		payload:   payload,
		onSuccess: onSuccess,
		onError:   onError,
		state:     StateIdle,
		done:      make(chan struct{}),
	}
}

// ID 返回本次往返的唯一标识。
func (e *Exchange) ID() string { return e.id }

// Payload 返回发送给签名代理的 JSON 文本。
func (e *Exchange) Payload() []byte { return e.payload }

// State 返回当前状态。
func (e *Exchange) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done 在回调执行完毕且连接关闭后关闭。
func (e *Exchange) Done() <-chan struct{} { return e.done }

// Wait 阻塞直到往返结束或 ctx 结束；ctx 结束不会中止往返本身。
func (e *Exchange) Wait(ctx context.Context) (any, error) {
	select {
	case <-e.done:
		if e.err != nil {
			return nil, e.err
		}
		return e.value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Exchange) setState(st State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = st
}

func (e *Exchange) log(msg string) {
	e.session.sink.Log(msg, slog.String("exchange", e.id))
}

func (e *Exchange) run() {
	defer close(e.done)
	s := e.session
	start := time.Now()
	s.metrics.exchangeStarted()

	e.setState(StateConnecting)
	e.log("WebSocket client created")
	conn, err := s.dialer.Dial(context.Background(), s.cfg)
	if err != nil {
		e.unreachable(err, start)
		return
	}

	e.setState(StateOpen)
	if err := conn.WriteMessage(websocket.TextMessage, e.payload); err != nil {
		_ = conn.Close()
		e.unreachable(err, start)
		e.log("Connection closed")
		return
	}
	e.log("Data sent to WebSocket: " + string(e.payload))

	e.setState(StateAwaitingReply)
	stop := e.armReplyTimeout(conn)
	_, data, err := conn.ReadMessage()
	stop()
	if err != nil {
		_ = conn.Close()
		e.setState(StateClosed)
		e.log("Connection closed")
		e.fail(e.readFailure(err), start)
		return
	}

	e.log("Data received from WebSocket: " + string(data))
	res, err := decodeResult(data)
	switch {
	case err != nil:
		e.fail(apierrors.Wrap(apierrors.CodeMalformedReply, "reply from signing service is not valid JSON", err), start)
	case res.Error != nil:
		e.fail(apierrors.Remote(res.Error), start)
	default:
		e.succeed(res.DataSigned, start)
	}

	if err := closeNormally(conn); err != nil {
		s.logger.Debug("close websocket", slog.String("exchange", e.id), slog.Any("err", err))
	}
	e.setState(StateClosed)
	e.log("Connection closed")
}

func (e *Exchange) unreachable(cause error, start time.Time) {
	msg := fmt.Sprintf("Connection error: the WebSocket service %s can not be reached.", e.session.cfg.Endpoint)
	e.log(msg)
	e.setState(StateFailed)
	e.fail(apierrors.Wrap(apierrors.CodeTransportUnreachable, msg, cause), start)
}

func (e *Exchange) readFailure(err error) *apierrors.Error {
	if e.timedOut.Load() {
		msg := fmt.Sprintf("no reply from %s within %s", e.session.cfg.Endpoint, e.session.cfg.ReplyTimeout)
		return apierrors.Wrap(apierrors.CodeTransportUnreachable, msg, err)
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return apierrors.Wrap(apierrors.CodeTransportUnreachable, "connection closed by signing service before reply", err)
	}
	return apierrors.Wrap(apierrors.CodeTransportUnreachable, "connection lost before reply", err)
}

// armReplyTimeout 在超时后关闭连接以解除 ReadMessage 阻塞。
func (e *Exchange) armReplyTimeout(conn Conn) func() {
	timeout := e.session.cfg.ReplyTimeout
	if timeout <= 0 {
		return func() {}
	}
	timer := time.AfterFunc(timeout, func() {
		e.timedOut.Store(true)
		_ = conn.Close()
	})
	return func() { timer.Stop() }
}

func (e *Exchange) succeed(value any, start time.Time) {
	e.value = value
	e.session.metrics.exchangeFinished(outcomeSuccess, time.Since(start))
	defer e.recoverCallback("onSuccess")
	e.onSuccess(value)
}

func (e *Exchange) fail(err *apierrors.Error, start time.Time) {
	e.err = err
	e.session.metrics.exchangeFinished(string(err.Code), time.Since(start))
	if e.onError == nil {
		e.session.logger.Warn("sign failed without error handler", slog.String("exchange", e.id), slog.String("code", string(err.Code)), slog.Any("err", err))
		return
	}
	defer e.recoverCallback("onError")
	e.onError(err)
}

func (e *Exchange) recoverCallback(name string) {
	if r := recover(); r != nil {
		e.session.logger.Error("sign callback panicked", slog.String("exchange", e.id), slog.String("callback", name), slog.Any("panic", r))
	}
}
