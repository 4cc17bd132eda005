package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	"troupe-main/src/internal/clock"
	"troupe-main/src/internal/events"
	"troupe-main/src/internal/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	account, target, text string
}

type fakeTransport struct {
	mu    sync.Mutex
	sent  []sent
	fail  map[string]error
	block chan struct{}
	began chan struct{}
}

func (f *fakeTransport) Send(ctx context.Context, accountID, targetID, text string) error {
	if f.began != nil {
		f.began <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{accountID, targetID, text})
	if err, ok := f.fail[text]; ok {
		return err
	}
	return nil
}

func (f *fakeTransport) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		out = append(out, s.text)
	}
	return out
}

type recordingObserver struct {
	mu        sync.Mutex
	completed []string
	failed    []string
}

func (r *recordingObserver) TaskCompleted(t tasks.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, t.ID)
}

func (r *recordingObserver) TaskFailed(t tasks.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, t.ID)
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTask(conv, text string, at time.Time) *tasks.Task {
	return tasks.New(tasks.Spec{ConversationID: conv, RoleID: "r", AccountID: "acc", TargetID: "target", Content: text}, at, t0)
}

func TestEnqueueRejectsPastSchedule(t *testing.T) {
	clk := clock.NewFake(t0)
	s := New(clk, &fakeTransport{}, Options{})

	err := s.Enqueue(newTask("c1", "late", t0.Add(-time.Second)))
	assert.ErrorIs(t, err, ErrPastSchedule)

	task := newTask("c1", "now", t0)
	require.NoError(t, s.Enqueue(task))
	assert.ErrorIs(t, s.Enqueue(task), ErrDuplicate)
}

func TestTickDispatchesOnlyDueTasks(t *testing.T) {
	clk := clock.NewFake(t0)
	tr := &fakeTransport{}
	obs := &recordingObserver{}
	bus := events.NewBus(16)
	evts, cancel := bus.Subscribe()
	defer cancel()
	s := New(clk, tr, Options{Events: bus})
	s.AddObserver(obs)

	due := newTask("c1", "hello", t0.Add(time.Second))
	later := newTask("c1", "later", t0.Add(time.Minute))
	require.NoError(t, s.Enqueue(due))
	require.NoError(t, s.Enqueue(later))

	assert.Equal(t, 0, s.Tick(context.Background(), t0))
	now := clk.Advance(time.Second)
	assert.Equal(t, 1, s.Tick(context.Background(), now))
	s.Wait()

	assert.Equal(t, []string{"hello"}, tr.texts())
	assert.Equal(t, []string{due.ID}, obs.completed)

	pending := s.Pending("c1")
	require.Len(t, pending, 1)
	assert.Equal(t, later.ID, pending[0].ID)
	_, ok := s.Get(due.ID)
	assert.False(t, ok, "completed task leaves the queue")

	st := s.Stats()
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.Succeeded)
	assert.Equal(t, 1, st.Pending)

	audit := s.Audit()
	require.Len(t, audit, 1)
	assert.Equal(t, tasks.StatusCompleted, audit[0].Status)
	assert.Equal(t, t0.Add(time.Second), audit[0].ScheduledTime)

	evt := <-evts
	assert.Equal(t, events.TaskCompleted, evt.Type)
	assert.Equal(t, due.ID, evt.TaskID)
}

func TestFailureIsRecordedWithoutRetry(t *testing.T) {
	clk := clock.NewFake(t0)
	tr := &fakeTransport{fail: map[string]error{"bad": errors.New("account banned")}}
	obs := &recordingObserver{}
	s := New(clk, tr, Options{})
	s.AddObserver(obs)

	bad := newTask("c1", "bad", t0)
	require.NoError(t, s.Enqueue(bad))
	s.Tick(context.Background(), t0)
	s.Wait()
	s.Tick(context.Background(), t0.Add(time.Minute))
	s.Wait()

	assert.Equal(t, []string{"bad"}, tr.texts(), "scheduler must not retry")
	assert.Equal(t, []string{bad.ID}, obs.failed)
	st := s.Stats()
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 0, st.Succeeded)
	audit := s.Audit()
	require.Len(t, audit, 1)
	assert.Equal(t, "account banned", audit[0].Error)
}

func TestTasksOfOneConversationKeepScheduledOrder(t *testing.T) {
	clk := clock.NewFake(t0)
	tr := &fakeTransport{}
	s := New(clk, tr, Options{})

	require.NoError(t, s.Enqueue(newTask("c1", "third", t0.Add(3*time.Second))))
	require.NoError(t, s.Enqueue(newTask("c1", "first", t0.Add(time.Second))))
	require.NoError(t, s.Enqueue(newTask("c1", "second", t0.Add(2*time.Second))))

	assert.Equal(t, 3, s.Tick(context.Background(), t0.Add(5*time.Second)))
	s.Wait()
	assert.Equal(t, []string{"first", "second", "third"}, tr.texts())
}

// Four pending tasks and one executing: cancelling removes the four and the
// executing task's completion does not reach observers.
func TestCancelConversationWithExecutingTask(t *testing.T) {
	clk := clock.NewFake(t0)
	tr := &fakeTransport{block: make(chan struct{}), began: make(chan struct{}, 1)}
	obs := &recordingObserver{}
	s := New(clk, tr, Options{})
	s.AddObserver(obs)

	executing := newTask("c1", "in flight", t0)
	require.NoError(t, s.Enqueue(executing))
	s.Tick(context.Background(), t0)
	<-tr.began

	got, ok := s.Get(executing.ID)
	require.True(t, ok)
	assert.Equal(t, tasks.StatusExecuting, got.Status)

	for i := range 4 {
		require.NoError(t, s.Enqueue(newTask("c1", "pending", t0.Add(time.Duration(i+1)*time.Minute))))
	}
	require.NoError(t, s.Enqueue(newTask("c2", "other", t0.Add(time.Minute))))

	removed := s.CancelConversation("c1")
	assert.Len(t, removed, 4)
	assert.Len(t, s.Pending("c1"), 1, "only the executing task is left")
	assert.Len(t, s.Pending("c2"), 1)

	close(tr.block)
	s.Wait()

	assert.Empty(t, obs.completed, "callback after cancellation is a no-op")
	assert.Equal(t, 1, s.Stats().Succeeded, "the send itself is still accounted")
	assert.Empty(t, s.Pending("c1"))
}

func TestTasksEnqueuedAfterCancelStillNotify(t *testing.T) {
	clk := clock.NewFake(t0)
	obs := &recordingObserver{}
	s := New(clk, &fakeTransport{}, Options{})
	s.AddObserver(obs)

	s.CancelConversation("c1")
	task := newTask("c1", "again", t0)
	require.NoError(t, s.Enqueue(task))
	s.Tick(context.Background(), t0)
	s.Wait()
	assert.Equal(t, []string{task.ID}, obs.completed)
}

func TestSendTimeoutCountsAsFailure(t *testing.T) {
	clk := clock.NewFake(t0)
	tr := &fakeTransport{block: make(chan struct{})}
	obs := &recordingObserver{}
	s := New(clk, tr, Options{SendTimeout: 20 * time.Millisecond})
	s.AddObserver(obs)

	task := newTask("c1", "slow", t0)
	require.NoError(t, s.Enqueue(task))
	s.Tick(context.Background(), t0)
	s.Wait()

	assert.Equal(t, []string{task.ID}, obs.failed)
	audit := s.Audit()
	require.Len(t, audit, 1)
	assert.Contains(t, audit[0].Error, "deadline")
}

func TestCancelSpecificTasks(t *testing.T) {
	clk := clock.NewFake(t0)
	s := New(clk, &fakeTransport{}, Options{})
	a := newTask("c1", "a", t0.Add(time.Minute))
	b := newTask("c1", "b", t0.Add(time.Minute))
	require.NoError(t, s.Enqueue(a))
	require.NoError(t, s.Enqueue(b))

	assert.Equal(t, []string{a.ID}, s.Cancel(a.ID, "missing"))
	pending := s.Pending("")
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)
}

func TestLatencyAverages(t *testing.T) {
	s := New(clock.NewFake(t0), &fakeTransport{}, Options{})
	s.stats.Total = 1
	s.recordLatencyLocked(100 * time.Millisecond)
	s.stats.Total = 2
	s.recordLatencyLocked(300 * time.Millisecond)

	assert.Equal(t, 200*time.Millisecond, s.stats.AvgLatency)
	assert.InDelta(t, float64(140*time.Millisecond), float64(s.stats.EMALatency), float64(time.Microsecond))
}
