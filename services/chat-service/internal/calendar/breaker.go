package calendar

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrBreakerOpen = errors.New("calendar circuit breaker is open; fast-fail")

type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type BreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	// OnStateChange, if set, is called with the breaker lock held.
	OnStateChange func(BreakerState)
}

// Breaker wraps an Adapter and fails fast once the backend has failed
// MaxFailures times in a row. Only outage-like errors count: a missing event or
// one principal's revoked grant says nothing about the backend's health.
type Breaker struct {
	inner  Adapter
	cfg    BreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

func NewBreaker(inner Adapter, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{inner: inner, cfg: cfg, logger: logger, now: time.Now, state: Closed}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) CreateEvent(ctx context.Context, req EventRequest) (string, error) {
	var ref string
	err := b.execute(ctx, "create", func(ctx context.Context) error {
		var err error
		ref, err = b.inner.CreateEvent(ctx, req)
		return err
	})
	return ref, err
}

func (b *Breaker) DeleteEvent(ctx context.Context, ref string) error {
	return b.execute(ctx, "delete", func(ctx context.Context) error { return b.inner.DeleteEvent(ctx, ref) })
}

func (b *Breaker) AnnotateCompleted(ctx context.Context, ref string) error {
	return b.execute(ctx, "annotate", func(ctx context.Context) error { return b.inner.AnnotateCompleted(ctx, ref) })
}

func (b *Breaker) Ready(ctx context.Context) error {
	return b.inner.Ready(ctx)
}

func (b *Breaker) execute(ctx context.Context, op string, fn func(context.Context) error) error {
	b.mu.Lock()
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return &Error{Kind: KindUnavailable, Op: op, Err: ErrBreakerOpen}
		}
		b.setState(HalfOpen)
		b.logger.Info("calendar breaker probing", "op", op)
	case HalfOpen:
		// One probe at a time.
		b.mu.Unlock()
		return &Error{Kind: KindUnavailable, Op: op, Err: ErrBreakerOpen}
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil || !countsAsFailure(err) {
		if b.state != Closed {
			b.logger.Info("calendar breaker closed", "op", op)
			b.setState(Closed)
		}
		b.failures = 0
		return err
	}

	b.failures++
	if b.state == HalfOpen || b.failures >= b.cfg.MaxFailures {
		if b.state != Open {
			b.logger.Warn("calendar breaker opened", "op", op, "failures", b.failures, "err", err)
			b.setState(Open)
		}
		b.openedAt = b.now()
	}
	return err
}

func (b *Breaker) setState(s BreakerState) {
	b.state = s
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(s)
	}
}

func countsAsFailure(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindUnknown:
		return true
	default:
		return false
	}
}
