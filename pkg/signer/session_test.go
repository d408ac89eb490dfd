package signer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/aegis-sign/cardsigner/pkg/apierrors"
)

const successReply = `{"dataSigned":[{"id":"a","contentB64":"c2ln"}],"error":null}`

func waitExchange(t *testing.T, ex *Exchange) {
	t.Helper()
	select {
	case <-ex.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("exchange %s did not finish, state=%s", ex.ID(), ex.State())
	}
}

func (c *callbacks) onError(err *apierrors.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, err)
}

func (c *callbacks) lastError(t *testing.T) *apierrors.Error {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.failures)
	apiErr, ok := apierrors.FromError(c.failures[len(c.failures)-1])
	require.True(t, ok)
	return apiErr
}

func TestSignSendsBatchInInsertionOrder(t *testing.T) {
	conn := newFakeConn(successReply)
	s := NewSession(WithDialer(&fakeDialer{conn: conn}))
	s.AddData("a", "dGVzdA==", nil).AddData("b", "eA==", map[string]any{"opt": 1})

	cb := &callbacks{}
	ex, err := s.Sign(cb.onSuccess, cb.onError)
	require.NoError(t, err)
	waitExchange(t, ex)

	want := `{"dataToSign":[{"id":"a","contentB64":"dGVzdA==","params":null},{"id":"b","contentB64":"eA==","params":{"opt":1}}]}`
	require.Equal(t, []string{want}, conn.textFrames())
	require.Equal(t, want, string(ex.Payload()))
}

func TestSignSendsConfiguredDllList(t *testing.T) {
	conn := newFakeConn(successReply)
	libs := []string{"bit4xpki.dll"}
	cfg := DefaultConfig()
	cfg.PKCS11Libraries = libs
	s := NewSession(WithConfig(cfg), WithDialer(&fakeDialer{conn: conn}))
	libs[0] = "changed.dll"
	s.AddData("a", "eA==", nil)

	ex, err := s.Sign(func(any) {}, nil)
	require.NoError(t, err)
	waitExchange(t, ex)
	require.Equal(t, `{"dataToSign":[{"id":"a","contentB64":"eA==","params":null}],"dllList":["bit4xpki.dll"]}`, conn.textFrames()[0])
}

func TestDuplicateIDsAreSentSeparately(t *testing.T) {
	conn := newFakeConn(successReply)
	s := NewSession(WithDialer(&fakeDialer{conn: conn}))
	s.AddData("a", "eA==", nil).AddData("a", "eQ==", nil)

	ex, err := s.Sign(func(any) {}, nil)
	require.NoError(t, err)
	waitExchange(t, ex)
	require.Equal(t, `{"dataToSign":[{"id":"a","contentB64":"eA==","params":null},{"id":"a","contentB64":"eQ==","params":null}]}`, conn.textFrames()[0])
}

func TestCleanDataSendsEmptyBatch(t *testing.T) {
	conn := newFakeConn(`{"dataSigned":[]}`)
	s := NewSession(WithDialer(&fakeDialer{conn: conn}))
	s.AddData("a", "dGVzdA==", nil).CleanData()
	require.Empty(t, s.Batch())

	ex, err := s.Sign(func(any) {}, nil)
	require.NoError(t, err)
	waitExchange(t, ex)
	require.Equal(t, []string{`{"dataToSign":[]}`}, conn.textFrames())
}

func TestSignDoesNotClearBatch(t *testing.T) {
	conn := newFakeConn(successReply)
	s := NewSession(WithDialer(&fakeDialer{conn: conn}))
	s.AddData("a", "dGVzdA==", nil)
	ex, err := s.Sign(func(any) {}, nil)
	require.NoError(t, err)
	waitExchange(t, ex)
	require.Len(t, s.Batch(), 1)
}

func TestSetLogHandlerRejectsNil(t *testing.T) {
	s := NewSession(WithDialer(&fakeDialer{conn: newFakeConn(successReply)}))
	s.AddData("a", "dGVzdA==", nil)
	before := s.Log()

	err := s.SetLogHandler(nil)
	require.Error(t, err)
	require.Equal(t, apierrors.CodeInvalidArgument, apierrors.CodeOf(err))
	require.Len(t, s.Batch(), 1)
	require.Equal(t, before, s.Log())
}

func TestSignRejectsNilSuccessHandlerBeforeDialing(t *testing.T) {
	dialer := &fakeDialer{conn: newFakeConn(successReply)}
	s := NewSession(WithDialer(dialer))

	ex, err := s.Sign(nil, func(*apierrors.Error) {})
	require.Nil(t, ex)
	require.Equal(t, apierrors.CodeInvalidArgument, apierrors.CodeOf(err))
	require.Zero(t, dialer.calls.Load())
	require.Empty(t, s.Log())
}

func TestSignRejectsUnencodableParams(t *testing.T) {
	dialer := &fakeDialer{conn: newFakeConn(successReply)}
	s := NewSession(WithDialer(dialer))
	s.AddData("a", "eA==", map[string]any{"bad": make(chan int)})

	_, err := s.Sign(func(any) {}, nil)
	require.Equal(t, apierrors.CodeInvalidArgument, apierrors.CodeOf(err))
	require.Zero(t, dialer.calls.Load())
}

func TestSignSuccessInvokesOnlyOnSuccess(t *testing.T) {
	conn := newFakeConn(successReply)
	s := NewSession(WithDialer(&fakeDialer{conn: conn}))
	s.AddData("a", "dGVzdA==", nil)

	cb := &callbacks{}
	ex, err := s.Sign(cb.onSuccess, cb.onError)
	require.NoError(t, err)
	waitExchange(t, ex)

	successes, failures := cb.counts()
	require.Equal(t, 1, successes)
	require.Zero(t, failures)
	require.Equal(t, []any{map[string]any{"id": "a", "contentB64": "c2ln"}}, cb.successes[0])
	require.Equal(t, StateClosed, ex.State())
	require.True(t, conn.isClosed())
	require.True(t, conn.sawCloseFrame())

	value, err := ex.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, cb.successes[0], value)
}

func TestSignRemoteErrorInvokesOnlyOnError(t *testing.T) {
	conn := newFakeConn(`{"dataSigned":null,"error":"bad cert"}`)
	s := NewSession(WithDialer(&fakeDialer{conn: conn}))

	cb := &callbacks{}
	ex, err := s.Sign(cb.onSuccess, cb.onError)
	require.NoError(t, err)
	waitExchange(t, ex)

	successes, failures := cb.counts()
	require.Zero(t, successes)
	require.Equal(t, 1, failures)
	apiErr := cb.lastError(t)
	require.Equal(t, apierrors.CodeRemoteSigningError, apiErr.Code)
	require.Equal(t, "bad cert", apiErr.Payload)
	require.Equal(t, StateClosed, ex.State())
	require.True(t, conn.isClosed())
}

func TestSignTransportUnreachableGoesToOnError(t *testing.T) {
	s := NewSession(WithDialer(&fakeDialer{err: errors.New("connection refused")}))

	var logAtCallback []string
	var codes []apierrors.Code
	ex, err := s.Sign(func(any) { t.Error("onSuccess must not fire") }, func(e *apierrors.Error) {
		codes = append(codes, e.Code)
		logAtCallback = s.Log()
	})
	require.NoError(t, err)
	waitExchange(t, ex)

	require.Equal(t, []apierrors.Code{apierrors.CodeTransportUnreachable}, codes)
	require.Contains(t, logAtCallback, "Connection error: the WebSocket service "+DefaultEndpoint+" can not be reached.")
	require.Equal(t, StateFailed, ex.State())

	_, err = ex.Wait(context.Background())
	require.Equal(t, apierrors.CodeTransportUnreachable, apierrors.CodeOf(err))
}

func TestSignWriteFailureIsTransportError(t *testing.T) {
	conn := newFakeConn(successReply)
	conn.writeErr = errors.New("broken pipe")
	s := NewSession(WithDialer(&fakeDialer{conn: conn}))

	cb := &callbacks{}
	ex, err := s.Sign(cb.onSuccess, cb.onError)
	require.NoError(t, err)
	waitExchange(t, ex)

	require.Equal(t, apierrors.CodeTransportUnreachable, cb.lastError(t).Code)
	require.Equal(t, StateFailed, ex.State())
	require.True(t, conn.isClosed())
}

func TestPeerClosingBeforeReplyIsReported(t *testing.T) {
	conn := newFakeConn("")
	conn.readErr = &websocket.CloseError{Code: websocket.CloseNormalClosure}
	s := NewSession(WithDialer(&fakeDialer{conn: conn}))

	cb := &callbacks{}
	ex, err := s.Sign(cb.onSuccess, cb.onError)
	require.NoError(t, err)
	waitExchange(t, ex)

	apiErr := cb.lastError(t)
	require.Equal(t, apierrors.CodeTransportUnreachable, apiErr.Code)
	require.Contains(t, apiErr.Error(), "before reply")
	require.Equal(t, StateClosed, ex.State())
	require.Equal(t, "Connection closed", s.Log()[len(s.Log())-1])
}

func TestMalformedReply(t *testing.T) {
	for _, reply := range []string{"not json", "null", `["x"]`} {
		conn := newFakeConn(reply)
		s := NewSession(WithDialer(&fakeDialer{conn: conn}))
		cb := &callbacks{}
		ex, err := s.Sign(cb.onSuccess, cb.onError)
		require.NoError(t, err)
		waitExchange(t, ex)
		require.Equal(t, apierrors.CodeMalformedReply, cb.lastError(t).Code, reply)
		successes, _ := cb.counts()
		require.Zero(t, successes)
	}
}

func TestReplyTimeout(t *testing.T) {
	conn := newFakeConn("")
	conn.hold = true
	cfg := DefaultConfig()
	cfg.ReplyTimeout = 20 * time.Millisecond
	s := NewSession(WithConfig(cfg), WithDialer(&fakeDialer{conn: conn}))

	cb := &callbacks{}
	ex, err := s.Sign(cb.onSuccess, cb.onError)
	require.NoError(t, err)
	waitExchange(t, ex)

	apiErr := cb.lastError(t)
	require.Equal(t, apierrors.CodeTransportUnreachable, apiErr.Code)
	require.Contains(t, apiErr.Error(), "no reply")
}

func TestWithoutReplyTimeoutExchangeWaits(t *testing.T) {
	conn := newFakeConn("")
	conn.hold = true
	s := NewSession(WithDialer(&fakeDialer{conn: conn}))

	ex, err := s.Sign(func(any) {}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = ex.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, StateAwaitingReply, ex.State())

	_ = conn.Close()
	waitExchange(t, ex)
}

func TestSignSnapshotsBatchAtCallTime(t *testing.T) {
	conn := newFakeConn(successReply)
	dialer := &fakeDialer{conn: conn, gate: make(chan struct{})}
	s := NewSession(WithDialer(dialer))
	s.AddData("a", "dGVzdA==", nil)

	ex, err := s.Sign(func(any) {}, nil)
	require.NoError(t, err)
	s.AddData("late", "eA==", nil)
	s.CleanData()
	close(dialer.gate)
	waitExchange(t, ex)

	require.Equal(t, []string{`{"dataToSign":[{"id":"a","contentB64":"dGVzdA==","params":null}]}`}, conn.textFrames())
}

func TestLogHandlerReceivesMessagesInOrder(t *testing.T) {
	conn := newFakeConn(successReply)
	s := NewSession(WithDialer(&fakeDialer{conn: conn}))
	var mu sync.Mutex
	var forwarded []string
	require.NoError(t, s.SetLogHandler(func(msg string) {
		mu.Lock()
		defer mu.Unlock()
		forwarded = append(forwarded, msg)
	}))
	s.AddData("a", "dGVzdA==", nil)

	ex, err := s.Sign(func(any) {}, nil)
	require.NoError(t, err)
	waitExchange(t, ex)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, s.Log(), forwarded)
	require.Equal(t, []string{
		"WebSocket client created",
		"Data sent to WebSocket: " + string(ex.Payload()),
		"Data received from WebSocket: " + successReply,
		"Connection closed",
	}, forwarded)
}

func TestLogHandlerLastWriteWins(t *testing.T) {
	s := NewSession(WithDialer(&fakeDialer{conn: newFakeConn(successReply)}))
	first, second := 0, 0
	require.NoError(t, s.SetLogHandler(func(string) { first++ }))
	require.NoError(t, s.SetLogHandler(func(string) { second++ }))

	ex, err := s.Sign(func(any) {}, nil)
	require.NoError(t, err)
	waitExchange(t, ex)
	require.Zero(t, first)
	require.Equal(t, len(s.Log()), second)
}

func TestPanickingHandlersDoNotBreakExchange(t *testing.T) {
	conn := newFakeConn(successReply)
	s := NewSession(WithDialer(&fakeDialer{conn: conn}))
	require.NoError(t, s.SetLogHandler(func(string) { panic("handler bug") }))

	ex, err := s.Sign(func(any) { panic("callback bug") }, nil)
	require.NoError(t, err)
	waitExchange(t, ex)

	require.Equal(t, StateClosed, ex.State())
	require.True(t, conn.isClosed())
	require.Len(t, s.Log(), 4)
}

func TestSessionsAreIndependent(t *testing.T) {
	a := NewSession(WithDialer(&fakeDialer{conn: newFakeConn(successReply)}))
	b := NewSession(WithDialer(&fakeDialer{conn: newFakeConn(successReply)}))
	a.AddData("a", "eA==", nil)
	require.Len(t, a.Batch(), 1)
	require.Empty(t, b.Batch())

	ex, err := a.Sign(func(any) {}, nil)
	require.NoError(t, err)
	waitExchange(t, ex)
	require.NotEmpty(t, a.Log())
	require.Empty(t, b.Log())
}

func TestMetricsRecordOutcomes(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	ok := NewSession(WithMetrics(metrics), WithDialer(&fakeDialer{conn: newFakeConn(successReply)}))
	bad := NewSession(WithMetrics(metrics), WithDialer(&fakeDialer{err: errors.New("refused")}))

	ex1, err := ok.Sign(func(any) {}, nil)
	require.NoError(t, err)
	ex2, err := bad.Sign(func(any) {}, nil)
	require.NoError(t, err)
	waitExchange(t, ex1)
	waitExchange(t, ex2)

	require.Equal(t, 2.0, testutil.ToFloat64(metrics.started))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.outcomes.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.outcomes.WithLabelValues(string(apierrors.CodeTransportUnreachable))))
	require.Zero(t, testutil.ToFloat64(metrics.inFlight))
}

func TestExchangeIDsAreUnique(t *testing.T) {
	s := NewSession(WithDialer(&fakeDialer{conn: newFakeConn(successReply)}))
	ex1, err := s.Sign(func(any) {}, nil)
	require.NoError(t, err)
	waitExchange(t, ex1)
	ex2, err := s.Sign(func(any) {}, nil)
	require.NoError(t, err)
	waitExchange(t, ex2)
	require.NotEqual(t, ex1.ID(), ex2.ID())
	require.True(t, strings.Count(strings.Join(s.Log(), "\n"), "WebSocket client created") == 2)
}
