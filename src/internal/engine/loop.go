package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"troupe-main/src/internal/clock"
)

// TickFunc is one periodic step of the engine. It receives the tick time read
// from the loop's clock.
type TickFunc func(ctx context.Context, now time.Time)

type registered struct {
	name    string
	fn      TickFunc
	running atomic.Bool
}

// Loop drives all time-based progress from a single ticker. A registered
// function whose previous run has not returned is skipped for that tick.
type Loop struct {
	mu       sync.Mutex
	funcs    []*registered
	clock    clock.Clock
	interval time.Duration
	ticker   *time.Ticker
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}
}

func New(clk clock.Clock, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	return &Loop{clock: clk, interval: interval}
}

func (l *Loop) Register(name string, fn TickFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.funcs = append(l.funcs, &registered{name: name, fn: fn})
}

func (l *Loop) Start(ctx context.Context) {
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.ticker = time.NewTicker(l.interval)
	l.done = make(chan struct{})
	slog.Info("engine loop started", "interval", l.interval)
	go l.run()
}

// Stop cancels the loop and waits for running tick functions.
func (l *Loop) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	l.wg.Wait()
}

func (l *Loop) run() {
	defer close(l.done)
	defer l.ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.ticker.C:
			l.TickNow(l.ctx)
		}
	}
}

// TickNow runs every registered function once, in registration order, without
// waiting for them to return.
func (l *Loop) TickNow(ctx context.Context) {
	now := l.clock.Now()
	l.mu.Lock()
	fs := make([]*registered, len(l.funcs))
	copy(fs, l.funcs)
	l.mu.Unlock()

	for _, r := range fs {
		if !r.running.CompareAndSwap(false, true) {
			slog.Debug("tick skipped, previous run still active", "func", r.name)
			continue
		}
		l.wg.Add(1)
		go func(r *registered) {
			defer l.wg.Done()
			defer r.running.Store(false)
			r.fn(ctx, now)
		}(r)
	}
}

// Wait blocks until tick functions started so far have returned.
func (l *Loop) Wait() {
	l.wg.Wait()
}
