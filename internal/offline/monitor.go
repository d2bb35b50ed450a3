package offline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"messaging-core/internal/errs"
)

// Pinger reports whether the remote store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StallHandler is told about every operation that halted a drain.
type StallHandler func(ctx context.Context, stall *QueueStalledError)

// Monitor watches connectivity and drains the queue whenever the store is reachable.
type Monitor struct {
	queue    *Queue
	store    Pinger
	apply    ApplyFunc
	interval time.Duration
	log      *slog.Logger
	onStall  StallHandler

	wake   chan struct{}
	online atomic.Bool

	// retry builds the backoff schedule for one drain attempt.
	retry func() backoff.BackOff
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithStallHandler registers fn for stalled operations.
func WithStallHandler(fn StallHandler) MonitorOption {
	return func(m *Monitor) { m.onStall = fn }
}

// WithRetry overrides the backoff schedule used while a drain keeps hitting connectivity errors.
func WithRetry(fn func() backoff.BackOff) MonitorOption {
	return func(m *Monitor) { m.retry = fn }
}

// NewMonitor builds a monitor. It does nothing until Run is called.
func NewMonitor(queue *Queue, store Pinger, apply ApplyFunc, interval time.Duration, log *slog.Logger, opts ...MonitorOption) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m := &Monitor{
		queue:    queue,
		store:    store,
		apply:    apply,
		interval: interval,
		log:      log,
		wake:     make(chan struct{}, 1),
		retry:    defaultRetry,
	}
	m.online.Store(true)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func defaultRetry() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// Online reports the result of the last connectivity probe.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// RequestDrain asks Run to probe and drain now instead of waiting for the next tick.
func (m *Monitor) RequestDrain() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run probes the store every interval and drains after each successful probe. It returns
// when ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info("queue.monitor.started", "interval", m.interval.String())
	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-m.wake:
		}
		m.Check(ctx)
	}
}

// Check runs one probe and, if the store answered, one drain.
func (m *Monitor) Check(ctx context.Context) {
	if err := m.store.Ping(ctx); err != nil {
		if m.online.Swap(false) {
			m.log.Warn("store.offline", "error", err)
		}
		return
	}
	if !m.online.Swap(true) {
		m.log.Info("store.online", "queued", m.queue.Len())
	}
	if m.queue.Len() == 0 {
		return
	}
	if err := m.drain(ctx); err != nil && ctx.Err() == nil {
		m.log.Warn("queue.drain.incomplete", "error", err, "queued", m.queue.Len())
	}
}

// drain retries while some lane keeps failing on connectivity. Stalls of any other cause are
// reported as soon as they are seen, once per operation; connectivity stalls still left when
// the retry schedule gives up are reported at the end.
func (m *Monitor) drain(ctx context.Context) error {
	reported := make(map[string]bool)
	var waiting []*QueueStalledError
	attempt := func() error {
		n, err := m.queue.Drain(ctx, m.apply)
		if n > 0 {
			m.log.Info("queue.drained", "applied", n, "queued", m.queue.Len())
		}
		waiting = waiting[:0]
		if err == nil {
			return nil
		}
		stalls := Stalls(err)
		if len(stalls) == 0 {
			return backoff.Permanent(err)
		}
		for _, stall := range stalls {
			if errors.Is(stall, errs.ErrConnectivity) {
				waiting = append(waiting, stall)
				continue
			}
			if !reported[stall.OpID] {
				reported[stall.OpID] = true
				m.report(ctx, stall)
			}
		}
		if len(waiting) > 0 {
			m.online.Store(false)
			return err
		}
		return backoff.Permanent(err)
	}
	err := backoff.Retry(attempt, backoff.WithContext(m.retry(), ctx))
	if err != nil && ctx.Err() == nil {
		for _, stall := range waiting {
			m.report(ctx, stall)
		}
	}
	return err
}

func (m *Monitor) report(ctx context.Context, stall *QueueStalledError) {
	if m.onStall != nil {
		m.onStall(ctx, stall)
	}
}

// Stalls extracts every *QueueStalledError from an error returned by Drain.
func Stalls(err error) []*QueueStalledError {
	var out []*QueueStalledError
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			out = append(out, Stalls(e)...)
		}
		return out
	}
	var stall *QueueStalledError
	if errors.As(err, &stall) {
		out = append(out, stall)
	}
	return out
}
