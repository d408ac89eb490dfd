package signer

import (
	"log/slog"
	"sync"

	"github.com/aegis-sign/cardsigner/pkg/apierrors"
)

// SuccessFunc 接收签名代理回传的 dataSigned。
type SuccessFunc func(dataSigned any)

// ErrorFunc 接收所有失败，err.Code 区分传输失败、代理报错与回复格式错误。
type ErrorFunc func(err *apierrors.Error)

// Session 持有待签名批次与日志；每次 Sign 都独立建立连接。
type Session struct {
	cfg     Config
	dialer  Dialer
	logger  *slog.Logger
	metrics *Metrics
	sink    *LogSink

	mu    sync.Mutex
	batch []Request
}

// Option 允许自定义 Session 行为。
type Option func(*Session)

// WithConfig 替换连接配置。
func WithConfig(cfg Config) Option {
	return func(s *Session) { s.cfg = cfg }
}

// WithEndpoint 仅替换签名代理地址。
func WithEndpoint(endpoint string) Option {
	return func(s *Session) { s.cfg.Endpoint = endpoint }
}

// WithDialer 自定义拨号器。
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithMetrics 注入共享的 Metrics。
func WithMetrics(m *Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// NewSession 构造一个独立的签名会话。
func NewSession(opts ...Option) *Session {
	s := &Session{
		cfg:    DefaultConfig(),
		dialer: WebSocketDialer{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dialer == nil {
		s.dialer = WebSocketDialer{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.cfg = s.cfg.normalize()
	s.sink = NewLogSink(s.logger)
	return s
}

// Config 返回当前配置副本。
func (s *Session) Config() Config {
	return s.cfg
}

// SetLogHandler 注册日志转发 handler。
func (s *Session) SetLogHandler(h LogHandler) error {
	if h == nil {
		return apierrors.New(apierrors.CodeInvalidArgument, "the log handler must be a function")
	}
	s.sink.SetHandler(h)
	return nil
}

// AddData 追加一条待签名数据，不校验 id 唯一性与 base64 格式。params 为 nil 时发送 null。
func (s *Session) AddData(id, contentB64 string, params map[string]any) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch = append(s.batch, Request{ID: id, ContentB64: contentB64, Params: params})
	return s
}

// CleanData 清空批次。
func (s *Session) CleanData() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch = nil
	return s
}

// Batch 返回当前批次的副本。
func (s *Session) Batch() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.batch))
	copy(out, s.batch)
	return out
}

// Log 返回累计的生命周期日志。
func (s *Session) Log() []string {
	return s.sink.Entries()
}

// Sign 在调用时刻序列化当前批次，随后在后台完成一次连接→发送→接收→关闭。
// 批次不会被自动清空；结果只通过回调返回。onError 为 nil 时失败仅记录日志。
func (s *Session) Sign(onSuccess SuccessFunc, onError ErrorFunc) (*Exchange, error) {
	if onSuccess == nil {
		return nil, apierrors.New(apierrors.CodeInvalidArgument, "the sign success handler must be a function")
	}
	s.mu.Lock()
	payload, err := encodeBatch(s.batch, s.cfg.PKCS11Libraries)
	s.mu.Unlock()
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInvalidArgument, "sign batch is not JSON encodable", err)
	}
	ex := newExchange(s, payload, onSuccess, onError)
	go ex.run()
	return ex, nil
}
