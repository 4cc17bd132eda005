// Package scheduler holds every pending send task across conversations and
// dispatches the due ones to the transport on each tick.
//
// A conversation never has more than one dispatch batch in flight, so tasks of
// one conversation leave in non-decreasing scheduled time order. Completions are
// applied under the scheduler lock and observers are notified afterwards, outside
// of it, so they may enqueue follow-up tasks.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
	"troupe-main/src/internal/clock"
	"troupe-main/src/internal/events"
	"troupe-main/src/internal/metrics"
	"troupe-main/src/internal/tasks"

	"golang.org/x/sync/semaphore"
)

var (
	ErrPastSchedule = errors.New("scheduled time is in the past")
	ErrNotPending   = errors.New("task is not pending")
	ErrDuplicate    = errors.New("task already enqueued")
)

// Transport delivers one message from a persona account to the target.
type Transport interface {
	Send(ctx context.Context, accountID, targetID, text string) error
}

// Observer is notified after a task leaves the queue. Callbacks for tasks of
// a conversation cancelled after they were enqueued are suppressed.
type Observer interface {
	TaskCompleted(task tasks.Task)
	TaskFailed(task tasks.Task)
}

// AuditSink persists finished tasks.
type AuditSink interface {
	RecordTask(ctx context.Context, task tasks.Task) error
}

type Options struct {
	SendTimeout   time.Duration
	MaxConcurrent int
	AuditSize     int
	Events        events.Emitter
	Metrics       *metrics.Metrics
	Audit         AuditSink
}

type Stats struct {
	Total      int           `json:"total"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	AvgLatency time.Duration `json:"avg_latency"`
	EMALatency time.Duration `json:"ema_latency"`
	Pending    int           `json:"pending"`
	InFlight   int           `json:"in_flight"`
}

const emaAlpha = 0.2

type Scheduler struct {
	mu        sync.Mutex
	clock     clock.Clock
	transport Transport
	opts      Options
	queue     map[string]*tasks.Task
	epochs    map[string]int
	taskEpoch map[string]int
	busy      map[string]bool
	observers []Observer
	stats     Stats
	audit     []tasks.Task
	sem       *semaphore.Weighted
	wg        sync.WaitGroup
}

func New(clk clock.Clock, transport Transport, opts Options) *Scheduler {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.AuditSize <= 0 {
		opts.AuditSize = 200
	}
	if opts.Events == nil {
		opts.Events = events.Discard{}
	}
	return &Scheduler{
		clock:     clk,
		transport: transport,
		opts:      opts,
		queue:     make(map[string]*tasks.Task),
		epochs:    make(map[string]int),
		taskEpoch: make(map[string]int),
		busy:      make(map[string]bool),
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrent)),
	}
}

func (s *Scheduler) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Enqueue adds a pending task. Its scheduled time must not be in the past.
func (s *Scheduler) Enqueue(t *tasks.Task) error {
	if t.Status != tasks.StatusPending {
		return fmt.Errorf("enqueue %s: %w", t.ID, ErrNotPending)
	}
	now := s.clock.Now()
	if t.ScheduledTime.Before(now) {
		return fmt.Errorf("enqueue %s at %s: %w", t.ID, t.ScheduledTime.Format(time.RFC3339), ErrPastSchedule)
	}

	s.mu.Lock()
	if _, ok := s.queue[t.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("enqueue %s: %w", t.ID, ErrDuplicate)
	}
	s.queue[t.ID] = t
	s.taskEpoch[t.ID] = s.epochs[t.ConversationID]
	pending := s.pendingLocked()
	s.mu.Unlock()

	s.opts.Metrics.SetPending(pending)
	slog.Debug("task enqueued", "task_id", t.ID, "conversation_id", t.ConversationID, "role_id", t.RoleID, "scheduled", t.ScheduledTime)
	return nil
}

// Tick dispatches every due task and returns how many were claimed. Sends run
// asynchronously; use Wait to block until their results are applied.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	batches := make(map[string][]*tasks.Task)
	for _, t := range s.queue {
		if !t.Due(now) || s.busy[t.ConversationID] {
			continue
		}
		batches[t.ConversationID] = append(batches[t.ConversationID], t)
	}
	claimed := 0
	work := make(map[string][]string, len(batches))
	for conv, list := range batches {
		slices.SortFunc(list, func(a, b *tasks.Task) int {
			if c := a.ScheduledTime.Compare(b.ScheduledTime); c != 0 {
				return c
			}
			if c := a.Created.Compare(b.Created); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})
		ids := make([]string, len(list))
		for i, t := range list {
			ids[i] = t.ID
		}
		s.busy[conv] = true
		work[conv] = ids
		claimed += len(ids)
	}
	s.stats.InFlight += len(work)
	s.mu.Unlock()

	for conv, ids := range work {
		s.wg.Add(1)
		go s.dispatch(ctx, conv, ids)
	}
	return claimed
}

func (s *Scheduler) dispatch(ctx context.Context, conv string, ids []string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.busy, conv)
		s.stats.InFlight--
		s.mu.Unlock()
	}()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		slog.Warn("dispatch aborted", "conversation_id", conv, "error", err)
		return
	}
	defer s.sem.Release(1)

	for _, id := range ids {
		task, ok := s.begin(id)
		if !ok {
			continue
		}
		start := s.clock.Now()
		sendCtx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
		err := s.transport.Send(sendCtx, task.AccountID, task.TargetID, task.Content)
		if err == nil && sendCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("send timed out after %s", s.opts.SendTimeout)
		}
		cancel()
		s.finish(ctx, id, err, s.clock.Now().Sub(start))
	}
}

// begin marks a claimed task executing. Tasks cancelled since the tick are skipped.
func (s *Scheduler) begin(id string) (tasks.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.queue[id]
	if !ok || t.Status != tasks.StatusPending {
		return tasks.Task{}, false
	}
	if err := t.Begin(s.clock.Now()); err != nil {
		slog.Error("task begin failed", "task_id", id, "error", err)
		return tasks.Task{}, false
	}
	return *t, true
}

func (s *Scheduler) finish(ctx context.Context, id string, sendErr error, latency time.Duration) {
	s.mu.Lock()
	t, ok := s.queue[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.queue, id)
	now := s.clock.Now()
	if sendErr == nil {
		_ = t.Complete(now)
		s.stats.Succeeded++
	} else {
		_ = t.Fail(now, sendErr.Error())
		s.stats.Failed++
	}
	s.stats.Total++
	s.recordLatencyLocked(latency)

	snapshot := *t
	s.audit = append(s.audit, snapshot)
	if over := len(s.audit) - s.opts.AuditSize; over > 0 {
		s.audit = slices.Delete(s.audit, 0, over)
	}
	current := s.taskEpoch[id] == s.epochs[snapshot.ConversationID]
	delete(s.taskEpoch, id)
	observers := slices.Clone(s.observers)
	pending := s.pendingLocked()
	s.mu.Unlock()

	s.opts.Metrics.SetPending(pending)
	s.opts.Metrics.TaskFinished(sendErr == nil, latency)
	if s.opts.Audit != nil {
		if err := s.opts.Audit.RecordTask(ctx, snapshot); err != nil {
			slog.Warn("failed to record task history", "task_id", id, "error", err)
		}
	}

	evt := events.New(events.TaskCompleted, now)
	if sendErr != nil {
		evt.Type = events.TaskFailed
		evt.Payload = map[string]any{"error": snapshot.Error, "account_id": snapshot.AccountID}
		slog.Warn("task failed", "task_id", id, "conversation_id", snapshot.ConversationID, "account_id", snapshot.AccountID, "error", sendErr)
	} else {
		slog.Info("task completed", "task_id", id, "conversation_id", snapshot.ConversationID, "role_id", snapshot.RoleID, "latency", latency)
	}
	evt.ConversationID = snapshot.ConversationID
	evt.TaskID = snapshot.ID
	evt.RoleID = snapshot.RoleID
	evt.SessionID = snapshot.SessionID
	s.opts.Events.Emit(evt)

	if !current {
		slog.Debug("ignoring completion for cancelled conversation", "task_id", id, "conversation_id", snapshot.ConversationID)
		return
	}
	for _, o := range observers {
		if sendErr == nil {
			o.TaskCompleted(snapshot)
		} else {
			o.TaskFailed(snapshot)
		}
	}
}

func (s *Scheduler) recordLatencyLocked(latency time.Duration) {
	n := time.Duration(s.stats.Total)
	s.stats.AvgLatency += (latency - s.stats.AvgLatency) / n
	if s.stats.Total == 1 {
		s.stats.EMALatency = latency
		return
	}
	s.stats.EMALatency = time.Duration(emaAlpha*float64(latency) + (1-emaAlpha)*float64(s.stats.EMALatency))
}

func (s *Scheduler) pendingLocked() int {
	n := 0
	for _, t := range s.queue {
		if t.Status == tasks.StatusPending {
			n++
		}
	}
	return n
}

// CancelConversation drops every pending task of the conversation and returns
// their ids. Executing tasks finish, but their observers are not called.
func (s *Scheduler) CancelConversation(conversationID string) []string {
	s.mu.Lock()
	s.epochs[conversationID]++
	var removed []string
	for id, t := range s.queue {
		if t.ConversationID == conversationID && t.Status == tasks.StatusPending {
			delete(s.queue, id)
			delete(s.taskEpoch, id)
			removed = append(removed, id)
		}
	}
	pending := s.pendingLocked()
	s.mu.Unlock()

	s.opts.Metrics.SetPending(pending)
	slices.Sort(removed)
	slog.Info("conversation tasks cancelled", "conversation_id", conversationID, "removed", len(removed))
	return removed
}

// Cancel drops the given tasks if they are still pending.
func (s *Scheduler) Cancel(ids ...string) []string {
	s.mu.Lock()
	var removed []string
	for _, id := range ids {
		t, ok := s.queue[id]
		if !ok || t.Status != tasks.StatusPending {
			continue
		}
		delete(s.queue, id)
		delete(s.taskEpoch, id)
		removed = append(removed, id)
	}
	pending := s.pendingLocked()
	s.mu.Unlock()
	s.opts.Metrics.SetPending(pending)
	return removed
}

// Pending returns queued tasks of a conversation, or of all conversations when
// conversationID is empty, ordered by scheduled time.
func (s *Scheduler) Pending(conversationID string) []tasks.Task {
	s.mu.Lock()
	var res []tasks.Task
	for _, t := range s.queue {
		if conversationID != "" && t.ConversationID != conversationID {
			continue
		}
		res = append(res, *t)
	}
	s.mu.Unlock()
	slices.SortFunc(res, func(a, b tasks.Task) int {
		if c := a.ScheduledTime.Compare(b.ScheduledTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return res
}

func (s *Scheduler) Get(id string) (tasks.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.queue[id]
	if !ok {
		return tasks.Task{}, false
	}
	return *t, true
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Pending = s.pendingLocked()
	return st
}

// Audit returns the most recently finished tasks, oldest first.
func (s *Scheduler) Audit() []tasks.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.audit)
}

// Wait blocks until every in-flight dispatch has been applied.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
