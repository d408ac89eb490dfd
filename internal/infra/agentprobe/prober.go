package agentprobe

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aegis-sign/cardsigner/pkg/signer"
)

// Config 控制探测节奏。
type Config struct {
	Agent            signer.Config
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
	Backoff          BackoffConfig
}

// DefaultConfig 返回默认探测参数。
func DefaultConfig() Config {
	return Config{
		Agent:            signer.DefaultConfig(),
		Interval:         10 * time.Second,
		Timeout:          2 * time.Second,
		FailureThreshold: 2,
		Backoff: BackoffConfig{
			Initial: 500 * time.Millisecond,
			Max:     10 * time.Second,
			Jitter:  0.2,
		},
	}
}

// Prober 周期性地与签名代理完成一次空握手，只建立并关闭连接，不发送待签名数据。
type Prober struct {
	cfg      Config
	dialer   signer.Dialer
	logger   *slog.Logger
	breaker  *breaker
	schedule *schedule
	onChange func(Status)
}

// Option 允许自定义 Prober。
type Option func(*Prober)

// WithDialer 自定义拨号器。
func WithDialer(d signer.Dialer) Option {
	return func(p *Prober) { p.dialer = d }
}

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(p *Prober) { p.logger = l }
}

// OnChange 注册状态变化回调。
func OnChange(fn func(Status)) Option {
	return func(p *Prober) { p.onChange = fn }
}

// New 构造 Prober。
func New(cfg Config, opts ...Option) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Backoff.Initial <= 0 || cfg.Backoff.Max <= 0 {
		cfg.Backoff = DefaultConfig().Backoff
	}
	p := &Prober{
		cfg:      cfg,
		dialer:   signer.WebSocketDialer{},
		logger:   slog.Default(),
		breaker:  newBreaker(cfg.FailureThreshold),
		schedule: newSchedule(cfg.Interval, cfg.Backoff),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Status 返回最近一次判定的状态。
func (p *Prober) Status() Status {
	return p.breaker.Status()
}

// Healthy 表示签名代理当前可达。
func (p *Prober) Healthy() bool {
	return p.breaker.Status() == StatusServing
}

// Since 返回状态最近一次变化的时间。
func (p *Prober) Since() time.Time {
	return p.breaker.Since()
}

// ProbeOnce 执行一次探测并更新状态。
func (p *Prober) ProbeOnce(ctx context.Context) error {
	probeCtx := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	conn, err := p.dialer.Dial(probeCtx, p.cfg.Agent)
	if err != nil {
		if p.breaker.Failure() {
			p.logger.Warn("signing agent unreachable", slog.String("endpoint", p.cfg.Agent.Endpoint), slog.Any("err", err))
			p.notify()
		}
		return err
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	if p.breaker.Success() {
		p.logger.Info("signing agent reachable", slog.String("endpoint", p.cfg.Agent.Endpoint))
		p.notify()
	}
	return nil
}

// Run 阻塞直到 ctx 结束；失败后按退避间隔重新探测。
func (p *Prober) Run(ctx context.Context) {
	for {
		delay := p.schedule.next(p.ProbeOnce(ctx) == nil)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (p *Prober) notify() {
	if p.onChange != nil {
		p.onChange(p.breaker.Status())
	}
}
