package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/aegis-sign/cardsigner/pkg/apierrors"
	"github.com/aegis-sign/cardsigner/pkg/signer"
)

var (
	// ErrQueueFull 当队列无可用 slot 时返回。
	ErrQueueFull = errors.New("relay queue full")
	// ErrRateLimited 表示命中速率限制。
	ErrRateLimited = errors.New("relay rate limited")
	// ErrClosed 表示 Dispatcher 已停止。
	ErrClosed = errors.New("relay dispatcher closed")
)

// Dispatcher 接收签名请求、排队，并逐个通过独立的 signer.Session 发给签名代理。不做重试。
type Dispatcher struct {
	cfg     Config
	queue   chan *job
	stopCh  chan struct{}
	metrics *Metrics
	logger  *slog.Logger

	limiter atomic.Pointer[rate.Limiter]

	mu       sync.Mutex
	inFlight map[string]time.Time
	closed   bool

	processed atomic.Uint64
	wg        sync.WaitGroup
}

// job 是队列中的元素。
type job struct {
	id    string
	items []signer.Request
	done  chan outcome
}

type outcome struct {
	value any
	err   *apierrors.Error
}

// NewDispatcher 创建并启动后台 worker。
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	normalized := cfg.normalize()
	if err := normalized.Agent.Validate(); err != nil {
		return nil, err
	}
	d := &Dispatcher{
		cfg:      normalized,
		queue:    make(chan *job, normalized.MaxQueue),
		stopCh:   make(chan struct{}),
		metrics:  normalized.Metrics,
		logger:   normalized.Logger,
		inFlight: make(map[string]time.Time),
	}
	if normalized.RateLimit > 0 {
		d.limiter.Store(rate.NewLimiter(rate.Limit(normalized.RateLimit), normalized.RateBurst))
	}
	d.start()
	return d, nil
}

// Submit 将一个批次放入队列并等待签名代理的结果。ctx 结束只放弃等待，已发出的往返不会被中止。
func (d *Dispatcher) Submit(ctx context.Context, items []signer.Request) (any, error) {
	if limiter := d.limiter.Load(); limiter != nil && !limiter.Allow() {
		d.metrics.incRejected("rate_limited")
		return nil, apierrors.Wrap(apierrors.CodeRetryLater, "too many sign requests", ErrRateLimited).WithRetryAfter(time.Second)
	}
	j := &job{id: uuid.NewString(), items: items, done: make(chan outcome, 1)}
	if err := d.enqueue(j); err != nil {
		return nil, err
	}
	d.logger.Info("relay job enqueued", slog.String("job", j.id), slog.Int("items", len(items)))
	select {
	case out := <-j.done:
		if out.err != nil {
			return nil, out.err
		}
		return out.value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// enqueue 在持有 mu 的情况下检查 closed 并非阻塞入队，Close 之后不会再有 job 进入队列。
func (d *Dispatcher) enqueue(j *job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errShuttingDown()
	}
	d.metrics.incQueueDepth()
	select {
	case d.queue <- j:
		return nil
	default:
		d.metrics.decQueueDepth()
		d.metrics.incRejected("queue_full")
		return apierrors.Wrap(apierrors.CodeRetryLater, "signing queue is full", ErrQueueFull).WithRetryAfter(5 * time.Second)
	}
}

func errShuttingDown() *apierrors.Error {
	return apierrors.Wrap(apierrors.CodeTransportUnreachable, "relay shutting down", ErrClosed).WithRetryAfter(5 * time.Second)
}

// Close 停止 worker 并等待当前往返结束，仍在队列中的 job 以 ErrClosed 结束。
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.stopCh)
	d.wg.Wait()
	d.drain()
}

func (d *Dispatcher) drain() {
	for {
		select {
		case j := <-d.queue:
			if j == nil {
				continue
			}
			d.metrics.decQueueDepth()
			d.metrics.incJob(string(apierrors.CodeTransportUnreachable))
			d.logger.Warn("relay job dropped on shutdown", slog.String("job", j.id))
			j.done <- outcome{err: errShuttingDown()}
		default:
			return
		}
	}
}

// UpdateRateLimit 热更新速率限制。
func (d *Dispatcher) UpdateRateLimit(rateValue float64) {
	if rateValue <= 0 {
		d.limiter.Store(nil)
		return
	}
	d.limiter.Store(rate.NewLimiter(rate.Limit(rateValue), d.cfg.RateBurst))
}

func (d *Dispatcher) start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop()
	}
}

func (d *Dispatcher) workerLoop() {
	defer d.wg.Done()
	for {
		// stopCh 优先，剩余 job 交给 drain。
		select {
		case <-d.stopCh:
			return
		default:
		}
		select {
		case <-d.stopCh:
			return
		case j := <-d.queue:
			if j == nil {
				continue
			}
			d.metrics.decQueueDepth()
			d.handleJob(j)
		}
	}
}

func (d *Dispatcher) handleJob(j *job) {
	d.markInFlight(j.id)
	defer d.finishJob(j.id)
	d.metrics.observeItems(len(j.items))

	opts := []signer.Option{
		signer.WithConfig(d.cfg.Agent),
		signer.WithLogger(d.logger.With(slog.String("job", j.id))),
		signer.WithMetrics(d.cfg.SessionMetrics),
	}
	if d.cfg.Dialer != nil {
		opts = append(opts, signer.WithDialer(d.cfg.Dialer))
	}
	session := signer.NewSession(opts...)
	for _, item := range j.items {
		session.AddData(item.ID, item.ContentB64, item.Params)
	}

	var out outcome
	ex, err := session.Sign(
		func(dataSigned any) { out.value = dataSigned },
		func(e *apierrors.Error) { out.err = e },
	)
	if err != nil {
		apiErr, ok := apierrors.FromError(err)
		if !ok {
			apiErr = apierrors.Wrap(apierrors.CodeInvalidArgument, "invalid sign batch", err)
		}
		out.err = apiErr
	} else {
		<-ex.Done()
	}

	result := "success"
	if out.err != nil {
		result = string(out.err.Code)
		d.logger.Warn("relay job failed", slog.String("job", j.id), slog.String("code", string(out.err.Code)), slog.Any("err", out.err))
	}
	d.metrics.incJob(result)
	d.processed.Add(1)
	j.done <- out
}

func (d *Dispatcher) markInFlight(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight[id] = time.Now()
}

func (d *Dispatcher) finishJob(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, id)
}
