package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"troupe-main/src/internal/clock"

	"github.com/stretchr/testify/assert"
)

func TestTickNowPassesClockTime(t *testing.T) {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	l := New(clk, time.Hour)

	var mu sync.Mutex
	var seen []time.Time
	l.Register("probe", func(ctx context.Context, now time.Time) {
		mu.Lock()
		seen = append(seen, now)
		mu.Unlock()
	})

	l.TickNow(context.Background())
	l.Wait()
	clk.Advance(time.Second)
	l.TickNow(context.Background())
	l.Wait()

	assert.Equal(t, []time.Time{start, start.Add(time.Second)}, seen)
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	l := New(clock.NewFake(time.Now()), time.Hour)
	release := make(chan struct{})
	var runs atomic.Int32
	l.Register("slow", func(ctx context.Context, now time.Time) {
		runs.Add(1)
		<-release
	})

	l.TickNow(context.Background())
	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	l.TickNow(context.Background())
	close(release)
	l.Wait()

	assert.Equal(t, int32(1), runs.Load())
}

func TestLoopRunsOnTicker(t *testing.T) {
	l := New(clock.Real{}, 5*time.Millisecond)
	var runs atomic.Int32
	l.Register("count", func(ctx context.Context, now time.Time) { runs.Add(1) })

	l.Start(context.Background())
	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, time.Millisecond)
	l.Stop()
}
