package script

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"
	"time"
	"troupe-main/src/internal/clock"
	"troupe-main/src/internal/events"
	"troupe-main/src/internal/metrics"
	"troupe-main/src/internal/tasks"
	"troupe-main/src/internal/textgen"
)

var (
	ErrNotPaused      = errors.New("conversation is not paused")
	ErrNothingWaiting = errors.New("no stage is waiting for a trigger")
	ErrNoRoles        = errors.New("no roles bound to conversation")
)

// Scheduler is the part of the task scheduler the machine drives.
type Scheduler interface {
	Enqueue(t *tasks.Task) error
	Cancel(ids ...string) []string
	CancelConversation(conversationID string) []string
}

// Store persists state snapshots. Terminal conversations are archived.
type Store interface {
	SaveConversation(st State) error
	ArchiveConversation(st State) error
}

// History supplies the conversation so far for text generation.
type History interface {
	Turns(conversationID string) []textgen.Turn
}

type Options struct {
	MaxConsecutiveFailures int
	DefaultFailureAction   FailureAction
	Events                 events.Emitter
	Metrics                *metrics.Metrics
	Store                  Store
	History                History
	Rand                   *rand.Rand
}

// Machine owns the execution state of every scripted and free-form
// conversation. All state changes happen under one lock; text generation runs
// with the lock released and its result is dropped if the conversation was
// paused, resumed or cancelled in the meantime.
type Machine struct {
	mu    sync.Mutex
	clock clock.Clock
	sched Scheduler
	gen   textgen.Generator
	opts  Options
	rng   *rand.Rand
	convs map[string]*conversation
	wg    sync.WaitGroup
}

type expansion struct {
	conversationID string
	stageIndex     int
	base           time.Time
	gen            int
}

type handoffError struct {
	reason string
}

func (e *handoffError) Error() string { return "handoff required: " + e.reason }

func New(clk clock.Clock, sched Scheduler, gen textgen.Generator, opts Options) *Machine {
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = 3
	}
	if !opts.DefaultFailureAction.Valid() {
		opts.DefaultFailureAction = FailureNotify
	}
	if opts.Events == nil {
		opts.Events = events.Discard{}
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Machine{
		clock: clk,
		sched: sched,
		gen:   gen,
		opts:  opts,
		rng:   rng,
		convs: make(map[string]*conversation),
	}
}

func (m *Machine) newStateLocked(s Start, mode Mode, now time.Time) (*conversation, error) {
	if s.ConversationID == "" || s.TargetID == "" {
		return nil, errors.New("conversation id and target id are required")
	}
	if len(s.Roles) == 0 {
		return nil, ErrNoRoles
	}
	if c, ok := m.convs[s.ConversationID]; ok && !c.state.Status.Terminal() {
		return nil, fmt.Errorf("start %s: %w", s.ConversationID, ErrAlreadyRunning)
	}
	st := State{
		ConversationID: s.ConversationID,
		SessionID:      s.SessionID,
		TargetID:       s.TargetID,
		TargetName:     s.TargetName,
		Goal:           s.Goal,
		Mode:           mode,
		Status:         StatusRunning,
		IsRunning:      true,
		Roles:          slices.Clone(s.Roles),
		Variables:      s.Variables,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if s.Script != nil {
		st.ScriptID = s.Script.ID
	}
	c := newConversation(st, s.Script)
	m.convs[s.ConversationID] = c
	return c, nil
}

// StartScript begins executing a script at stage 0.
func (m *Machine) StartScript(ctx context.Context, s Start) error {
	if s.Script == nil {
		return fmt.Errorf("start %s: %w: no script", s.ConversationID, ErrInvalidScript)
	}
	if err := s.Script.Validate(); err != nil {
		return err
	}
	for _, roleID := range s.Script.Roles() {
		if !slices.ContainsFunc(s.Roles, func(r RoleBinding) bool { return r.RoleID == roleID }) {
			return fmt.Errorf("start %s: role %q has no account", s.ConversationID, roleID)
		}
	}

	m.mu.Lock()
	now := m.clock.Now()
	c, err := m.newStateLocked(s, ModeScript, now)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	slog.Info("script started", "conversation_id", s.ConversationID, "script_id", s.Script.ID, "stages", len(s.Script.Stages))
	next := m.activateLocked(c, 0, now)
	m.persistLocked(c)
	m.mu.Unlock()

	m.runExpansions(ctx, next)
	return nil
}

// StartFreeform runs a conversation without a script: each customer message
// is answered by text generation, rotating through the roles.
func (m *Machine) StartFreeform(ctx context.Context, s Start) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.newStateLocked(s, ModeFreeform, m.clock.Now())
	if err != nil {
		return err
	}
	slog.Info("free-form conversation started", "conversation_id", s.ConversationID, "roles", len(s.Roles))
	m.persistLocked(c)
	return nil
}

// Restore loads a persisted conversation after a restart. Its tasks were lost
// with the old scheduler, so it comes back paused with them held for Resume.
func (m *Machine) Restore(st State, sc *Script) error {
	if st.Status.Terminal() {
		return nil
	}
	if st.Mode == ModeScript && sc == nil {
		return fmt.Errorf("restore %s: script %q not found", st.ConversationID, st.ScriptID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	st.Held = append(st.Held, st.PendingTasks...)
	st.PendingTasks = nil
	st.PendingTaskIDs = nil
	if st.Status != StatusPaused {
		st.Status = StatusPaused
		st.Reason = "restored after restart"
		st.PausedAt = now
	}
	st.IsRunning = false
	st.Waiting = ""
	st.ExpansionDue = time.Time{}
	c := newConversation(st, sc)
	m.convs[st.ConversationID] = c
	m.persistLocked(c)
	return nil
}

// activateLocked makes stage idx current. It returns an expansion to run when
// the trigger fires immediately.
func (m *Machine) activateLocked(c *conversation, idx int, now time.Time) *expansion {
	st := &c.state
	st.CurrentStageIndex = idx
	st.StageActivatedAt = now
	st.Waiting = ""
	st.ExpansionDue = time.Time{}
	st.UpdatedAt = now
	if idx >= len(c.script.Stages) {
		m.finishLocked(c, StatusCompleted, "all stages done", now)
		return nil
	}

	stage := c.script.Stages[idx]
	slog.Debug("stage activated", "conversation_id", st.ConversationID, "stage_id", stage.ID, "trigger", stage.Trigger.Kind())
	switch tr := stage.Trigger.(type) {
	case TimeTrigger:
		if tr.Delay <= 0 {
			return m.queueLocked(c, idx, now)
		}
		st.Waiting = TriggerTime
		st.ExpansionDue = now.Add(tr.Delay)
	case MessageTrigger:
		st.Waiting = TriggerMessage
	case KeywordTrigger:
		st.Waiting = TriggerKeyword
	default:
		return m.queueLocked(c, idx, now)
	}
	return nil
}

func (m *Machine) queueLocked(c *conversation, idx int, base time.Time) *expansion {
	c.expanding = true
	return &expansion{conversationID: c.state.ConversationID, stageIndex: idx, base: base, gen: c.gen}
}

// advanceLocked activates the next stage once the current one has no tasks left.
func (m *Machine) advanceLocked(c *conversation, now time.Time) *expansion {
	st := &c.state
	if !st.IsRunning || st.Mode != ModeScript || c.expanding || st.Waiting != "" || len(c.pending) > 0 {
		return nil
	}
	return m.activateLocked(c, st.CurrentStageIndex, now)
}

func (m *Machine) runExpansions(ctx context.Context, e *expansion) {
	for e != nil {
		e = m.expand(ctx, *e)
	}
}

func (m *Machine) spawn(e *expansion) {
	if e == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runExpansions(context.Background(), e)
	}()
}

// expand resolves every message of a stage and enqueues one task per message.
func (m *Machine) expand(ctx context.Context, e expansion) *expansion {
	m.mu.Lock()
	c, ok := m.convs[e.conversationID]
	if !ok || c.gen != e.gen || !c.state.IsRunning {
		m.mu.Unlock()
		return nil
	}
	c.state.Waiting = ""
	c.state.ExpansionDue = time.Time{}
	stage := c.script.Stages[e.stageIndex]
	vars := c.variables()
	roles := make([]RoleBinding, len(stage.Messages))
	var resolveErr error
	for i, msg := range stage.Messages {
		r, ok := c.role(msg.RoleID)
		if !ok {
			resolveErr = fmt.Errorf("role %q has no account", msg.RoleID)
			break
		}
		roles[i] = r
	}
	target := textgen.Target{ID: c.state.TargetID, Name: c.state.TargetName, Goal: c.state.Goal}
	m.mu.Unlock()

	texts := make([]string, len(stage.Messages))
	for i, msg := range stage.Messages {
		if resolveErr != nil {
			break
		}
		texts[i], resolveErr = m.resolve(ctx, e.conversationID, msg, roles[i], target, roleVariables(vars, roles[i]))
		if resolveErr != nil {
			resolveErr = fmt.Errorf("message %d: %w", i, resolveErr)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c.gen != e.gen || !c.state.IsRunning {
		slog.Debug("dropping expansion for interrupted conversation", "conversation_id", e.conversationID, "stage_id", stage.ID)
		return nil
	}
	c.expanding = false
	now := m.clock.Now()

	var handoff *handoffError
	if errors.As(resolveErr, &handoff) {
		m.emitLocked(c, events.HandoffRequired, now, map[string]any{"reason": handoff.reason, "stage_id": stage.ID})
		c.state.CurrentStageIndex = e.stageIndex
		m.pauseLocked(c, handoff.Error(), now, false)
		m.persistLocked(c)
		return nil
	}
	if resolveErr != nil {
		slog.Warn("stage expansion failed", "conversation_id", e.conversationID, "stage_id", stage.ID, "error", resolveErr)
		next := m.failStageLocked(c, e.stageIndex, resolveErr.Error(), now)
		m.persistLocked(c)
		return next
	}

	at := e.base
	for i, msg := range stage.Messages {
		at = roles[i].notBefore(at.Add(msg.Timing.DelayAfterPrevious + m.sampleLocked(msg.Timing.Random)))
		when := at
		if when.Before(now) {
			when = now
		}
		t := tasks.New(tasks.Spec{
			ConversationID: e.conversationID,
			RoleID:         roles[i].RoleID,
			AccountID:      roles[i].AccountID,
			TargetID:       c.state.TargetID,
			Content:        texts[i],
			Source:         tasks.SourceScript,
			StageID:        stage.ID,
			StageIndex:     e.stageIndex,
			SessionID:      c.state.SessionID,
		}, when, now)
		if err := m.sched.Enqueue(t); err != nil {
			slog.Error("failed to enqueue stage message", "conversation_id", e.conversationID, "stage_id", stage.ID, "error", err)
			continue
		}
		c.pending[t.ID] = *t
	}

	c.state.CurrentStageIndex = e.stageIndex + 1
	c.state.UpdatedAt = now
	m.opts.Metrics.StageExpanded()
	m.emitLocked(c, events.StageAdvanced, now, map[string]any{
		"stage_id":    stage.ID,
		"stage_index": e.stageIndex,
		"tasks":       len(stage.Messages),
	})
	slog.Info("stage expanded", "conversation_id", e.conversationID, "stage_id", stage.ID, "tasks", len(stage.Messages))

	next := m.advanceLocked(c, now)
	m.persistLocked(c)
	return next
}

func (m *Machine) resolve(ctx context.Context, conversationID string, msg StageMessage, role RoleBinding, target textgen.Target, vars map[string]string) (string, error) {
	switch ct := msg.Content.(type) {
	case TextContent:
		return render(ct.Text, vars), nil
	case TemplateContent:
		return render(ct.Template, vars), nil
	case AIContent:
		req := textgen.Request{
			Prompt:   render(ct.Prompt, vars),
			Role:     textgen.Role{ID: role.RoleID, Name: role.Name, Persona: role.Persona, EntryType: role.EntryType},
			Target:   target,
			Fallback: render(ct.Fallback, vars),
		}
		if m.opts.History != nil {
			req.History = m.opts.History.Turns(conversationID)
		}
		reply, err := m.gen.Generate(ctx, req)
		if err != nil {
			return "", err
		}
		if reply.ShouldHandoff {
			return "", &handoffError{reason: reply.HandoffReason}
		}
		if reply.Content == "" {
			return "", errors.New("empty generated content")
		}
		return reply.Content, nil
	}
	return "", fmt.Errorf("unsupported content %T", msg.Content)
}

func (m *Machine) sampleLocked(r *RandomDelay) time.Duration {
	if r == nil || r.Max <= r.Min {
		if r != nil {
			return r.Min
		}
		return 0
	}
	return r.Min + time.Duration(m.rng.Int64N(int64(r.Max-r.Min)+1))
}

// Tick expands stages whose time trigger is due. Expansion uses the due time as
// its base, so a late tick does not shift the message times.
func (m *Machine) Tick(ctx context.Context, now time.Time) {
	m.mu.Lock()
	var due []*expansion
	for _, c := range m.convs {
		st := &c.state
		if st.IsRunning && st.Waiting == TriggerTime && !c.expanding && !st.ExpansionDue.After(now) {
			due = append(due, m.queueLocked(c, st.CurrentStageIndex, st.ExpansionDue))
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range due {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.runExpansions(ctx, e)
		}()
	}
	wg.Wait()
}

// TaskCompleted implements the scheduler observer.
func (m *Machine) TaskCompleted(t tasks.Task) {
	m.mu.Lock()
	c, ok := m.convs[t.ConversationID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, mine := c.pending[t.ID]; !mine {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	delete(c.pending, t.ID)
	c.completed[t.ID] = true
	finished := t.Finished
	c.state.LastMessageTime = &finished
	c.state.ConsecutiveFailures = 0
	c.state.UpdatedAt = now
	next := m.advanceLocked(c, now)
	m.persistLocked(c)
	m.mu.Unlock()

	m.spawn(next)
}

// TaskFailed implements the scheduler observer. The stage's failure action
// decides what happens next.
func (m *Machine) TaskFailed(t tasks.Task) {
	m.mu.Lock()
	c, ok := m.convs[t.ConversationID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, mine := c.pending[t.ID]; !mine {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	delete(c.pending, t.ID)
	c.failed[t.ID] = true
	c.state.ConsecutiveFailures++
	c.state.UpdatedAt = now

	var next *expansion
	switch {
	case !c.state.IsRunning:
	case c.state.ConsecutiveFailures >= m.opts.MaxConsecutiveFailures:
		m.finishLocked(c, StatusFailed, fmt.Sprintf("%d consecutive send failures, last: %s", c.state.ConsecutiveFailures, t.Error), now)
	case t.Source == tasks.SourceScript && c.script != nil && t.StageIndex < len(c.script.Stages):
		next = m.failStageLocked(c, t.StageIndex, t.Error, now)
	default:
		next = m.advanceLocked(c, now)
	}
	m.persistLocked(c)
	m.mu.Unlock()

	m.spawn(next)
}

func (m *Machine) failStageLocked(c *conversation, idx int, reason string, now time.Time) *expansion {
	stage := c.script.Stages[idx]
	action := stage.FailureAction
	if action == "" {
		action = m.opts.DefaultFailureAction
	}
	if action == FailureRetry && c.retried[idx] {
		action = FailurePause
	}
	slog.Warn("stage failed", "conversation_id", c.state.ConversationID, "stage_id", stage.ID, "action", action, "error", reason)
	m.emitLocked(c, events.StageFailed, now, map[string]any{
		"stage_id":    stage.ID,
		"stage_index": idx,
		"action":      string(action),
		"error":       reason,
	})

	switch action {
	case FailureSkip:
		m.cancelStageLocked(c, idx)
		if c.state.CurrentStageIndex <= idx {
			c.state.CurrentStageIndex = idx + 1
		}
		return m.advanceLocked(c, now)
	case FailureRetry:
		c.retried[idx] = true
		m.cancelStageLocked(c, idx)
		c.state.CurrentStageIndex = idx
		c.state.Waiting = ""
		if c.expanding {
			return nil
		}
		return m.queueLocked(c, idx, now)
	case FailurePause:
		c.state.CurrentStageIndex = idx
		m.pauseLocked(c, "stage "+stage.ID+" failed: "+reason, now, false)
		return nil
	default:
		// A stage that never expanded is left behind, otherwise advancing
		// would queue the same index again.
		if c.state.CurrentStageIndex <= idx {
			c.state.CurrentStageIndex = idx + 1
		}
		return m.advanceLocked(c, now)
	}
}

func (m *Machine) cancelStageLocked(c *conversation, idx int) {
	var ids []string
	for id, t := range c.pending {
		if t.Source == tasks.SourceScript && t.StageIndex == idx {
			ids = append(ids, id)
		}
	}
	for _, id := range m.sched.Cancel(ids...) {
		delete(c.pending, id)
	}
}

// pauseLocked cancels pending tasks. With hold they are kept and re-enqueued
// on Resume; otherwise Resume re-activates the current stage.
func (m *Machine) pauseLocked(c *conversation, reason string, now time.Time, hold bool) {
	ids := slices.Sorted(maps.Keys(c.pending))
	for _, id := range m.sched.Cancel(ids...) {
		if hold {
			c.state.Held = append(c.state.Held, c.pending[id])
		}
		delete(c.pending, id)
	}
	c.gen++
	c.expanding = false
	st := &c.state
	st.IsRunning = false
	st.Status = StatusPaused
	st.Reason = reason
	st.Waiting = ""
	st.ExpansionDue = time.Time{}
	st.PausedAt = now
	st.UpdatedAt = now
	m.emitLocked(c, events.ConversationPaused, now, map[string]any{"reason": reason, "held": len(st.Held)})
	slog.Info("conversation paused", "conversation_id", st.ConversationID, "reason", reason, "held", len(st.Held))
}

func (m *Machine) finishLocked(c *conversation, status Status, reason string, now time.Time) {
	st := &c.state
	if len(c.pending) > 0 {
		m.sched.CancelConversation(st.ConversationID)
		clear(c.pending)
	}
	c.gen++
	c.expanding = false
	st.Status = status
	st.IsRunning = false
	st.Reason = reason
	st.Waiting = ""
	st.ExpansionDue = time.Time{}
	st.FinishedAt = now
	st.UpdatedAt = now

	typ := events.ConversationCompleted
	switch status {
	case StatusFailed:
		typ = events.ConversationFailed
	case StatusCancelled:
		typ = events.ConversationCancelled
	}
	m.emitLocked(c, typ, now, map[string]any{"reason": reason})
	m.opts.Metrics.ConversationFinished(string(status))
	slog.Info("conversation finished", "conversation_id", st.ConversationID, "status", status, "reason", reason)
}

// OnCustomerMessage reacts to a message from the target. A waiting message
// trigger fires on any message, a keyword trigger on a contained keyword, and
// free-form conversations get a generated reply.
func (m *Machine) OnCustomerMessage(ctx context.Context, conversationID, text string) error {
	m.mu.Lock()
	c, ok := m.convs[conversationID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("customer message for %s: %w", conversationID, ErrNotFound)
	}
	now := m.clock.Now()
	st := &c.state
	st.LastMessageTime = &now
	st.UpdatedAt = now
	if !st.IsRunning {
		m.persistLocked(c)
		m.mu.Unlock()
		return fmt.Errorf("customer message for %s: %w", conversationID, ErrNotRunning)
	}

	if st.Mode == ModeFreeform {
		return m.replyLocked(ctx, c, text, now)
	}

	if m.successLocked(c, text) {
		m.finishLocked(c, StatusCompleted, "success condition met", now)
		m.persistLocked(c)
		m.mu.Unlock()
		return nil
	}

	var next *expansion
	if !c.expanding && st.CurrentStageIndex < len(c.script.Stages) {
		stage := c.script.Stages[st.CurrentStageIndex]
		switch st.Waiting {
		case TriggerMessage:
			next = m.queueLocked(c, st.CurrentStageIndex, now)
		case TriggerKeyword:
			if kw, ok := stage.Trigger.(KeywordTrigger); ok && kw.Matches(text) {
				slog.Info("keyword trigger matched", "conversation_id", conversationID, "stage_id", stage.ID)
				next = m.queueLocked(c, st.CurrentStageIndex, now)
			}
		}
	}
	m.persistLocked(c)
	m.mu.Unlock()

	m.runExpansions(ctx, next)
	return nil
}

// successLocked checks the success conditions of every stage reached so far.
func (m *Machine) successLocked(c *conversation, text string) bool {
	last := min(c.state.CurrentStageIndex, len(c.script.Stages)-1)
	for i := 0; i <= last; i++ {
		if containsAny(text, c.script.Stages[i].SuccessConditions) {
			return true
		}
	}
	return false
}

// replyLocked generates a free-form reply. It is entered with the lock held
// and releases it.
func (m *Machine) replyLocked(ctx context.Context, c *conversation, text string, now time.Time) error {
	st := &c.state
	convID := st.ConversationID
	role := st.Roles[st.NextRole%len(st.Roles)]
	st.NextRole++
	gen := c.gen
	req := textgen.Request{
		Prompt: fmt.Sprintf("The customer just wrote: %q\nWrite the next message of your role.", text),
		Role:   textgen.Role{ID: role.RoleID, Name: role.Name, Persona: role.Persona, EntryType: role.EntryType},
		Target: textgen.Target{ID: st.TargetID, Name: st.TargetName, Goal: st.Goal},
	}
	m.persistLocked(c)
	m.mu.Unlock()

	if m.opts.History != nil {
		req.History = m.opts.History.Turns(convID)
	}
	reply, err := m.gen.Generate(ctx, req)

	m.mu.Lock()
	defer m.mu.Unlock()
	if c.gen != gen || !c.state.IsRunning {
		return nil
	}
	if err != nil {
		return fmt.Errorf("generate reply for %s: %w", convID, err)
	}
	now = m.clock.Now()
	if reply.ShouldHandoff {
		m.emitLocked(c, events.HandoffRequired, now, map[string]any{"reason": reply.HandoffReason, "role_id": role.RoleID})
		m.pauseLocked(c, "handoff required: "+reply.HandoffReason, now, true)
		m.persistLocked(c)
		return nil
	}
	if reply.Content == "" {
		return nil
	}
	t := tasks.New(tasks.Spec{
		ConversationID: c.state.ConversationID,
		RoleID:         role.RoleID,
		AccountID:      role.AccountID,
		TargetID:       c.state.TargetID,
		Content:        reply.Content,
		Source:         tasks.SourceReply,
		StageIndex:     -1,
		SessionID:      c.state.SessionID,
	}, role.notBefore(now.Add(max(reply.Delay, 0))), now)
	if err := m.sched.Enqueue(t); err != nil {
		return fmt.Errorf("enqueue reply for %s: %w", c.state.ConversationID, err)
	}
	c.pending[t.ID] = *t
	m.persistLocked(c)
	return nil
}

// TriggerStage fires the waiting stage regardless of its trigger.
func (m *Machine) TriggerStage(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	c, ok := m.convs[conversationID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("trigger %s: %w", conversationID, ErrNotFound)
	}
	if !c.state.IsRunning {
		m.mu.Unlock()
		return fmt.Errorf("trigger %s: %w", conversationID, ErrNotRunning)
	}
	if c.state.Waiting == "" || c.expanding {
		m.mu.Unlock()
		return fmt.Errorf("trigger %s: %w", conversationID, ErrNothingWaiting)
	}
	next := m.queueLocked(c, c.state.CurrentStageIndex, m.clock.Now())
	m.mu.Unlock()

	m.runExpansions(ctx, next)
	return nil
}

// Pause stops a running conversation, holding its pending tasks.
func (m *Machine) Pause(conversationID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conversationID]
	if !ok {
		return fmt.Errorf("pause %s: %w", conversationID, ErrNotFound)
	}
	if !c.state.IsRunning {
		return fmt.Errorf("pause %s: %w", conversationID, ErrNotRunning)
	}
	if reason == "" {
		reason = "paused by operator"
	}
	m.pauseLocked(c, reason, m.clock.Now(), true)
	m.persistLocked(c)
	return nil
}

// Resume restarts a paused conversation. Held tasks keep their distance from
// the pause time; without held tasks the current stage is activated again.
func (m *Machine) Resume(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	c, ok := m.convs[conversationID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("resume %s: %w", conversationID, ErrNotFound)
	}
	st := &c.state
	if st.Status != StatusPaused {
		m.mu.Unlock()
		return fmt.Errorf("resume %s (status %s): %w", conversationID, st.Status, ErrNotPaused)
	}
	now := m.clock.Now()
	c.gen++
	st.IsRunning = true
	st.Status = StatusRunning
	st.Reason = ""
	st.ConsecutiveFailures = 0
	st.UpdatedAt = now

	held := st.Held
	st.Held = nil
	slices.SortFunc(held, func(a, b tasks.Task) int {
		if d := a.ScheduledTime.Compare(b.ScheduledTime); d != 0 {
			return d
		}
		return cmp.Compare(a.ID, b.ID)
	})
	for _, t := range held {
		at := now.Add(max(t.ScheduledTime.Sub(st.PausedAt), 0))
		nt := t.Reschedule(at, now)
		if err := m.sched.Enqueue(nt); err != nil {
			slog.Error("failed to re-enqueue held task", "conversation_id", conversationID, "error", err)
			continue
		}
		c.pending[nt.ID] = *nt
	}
	st.PausedAt = time.Time{}
	slog.Info("conversation resumed", "conversation_id", conversationID, "requeued", len(held))

	next := m.advanceLocked(c, now)
	m.persistLocked(c)
	m.mu.Unlock()

	m.runExpansions(ctx, next)
	return nil
}

// Cancel stops a conversation for good and drops its pending tasks.
func (m *Machine) Cancel(conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conversationID]
	if !ok {
		return fmt.Errorf("cancel %s: %w", conversationID, ErrNotFound)
	}
	if c.state.Status.Terminal() {
		return fmt.Errorf("cancel %s (status %s): %w", conversationID, c.state.Status, ErrNotRunning)
	}
	m.sched.CancelConversation(conversationID)
	clear(c.pending)
	m.finishLocked(c, StatusCancelled, "cancelled", m.clock.Now())
	m.persistLocked(c)
	return nil
}

func (m *Machine) State(conversationID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conversationID]
	if !ok {
		return State{}, fmt.Errorf("state %s: %w", conversationID, ErrNotFound)
	}
	return c.snapshot(), nil
}

func (m *Machine) List() []State {
	m.mu.Lock()
	res := make([]State, 0, len(m.convs))
	for _, c := range m.convs {
		res = append(res, c.snapshot())
	}
	m.mu.Unlock()
	slices.SortFunc(res, func(a, b State) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ConversationID, b.ConversationID)
	})
	return res
}

// Wait blocks until expansions started from scheduler callbacks are done.
func (m *Machine) Wait() {
	m.wg.Wait()
}

func (m *Machine) emitLocked(c *conversation, typ events.Type, now time.Time, payload map[string]any) {
	evt := events.New(typ, now)
	evt.ConversationID = c.state.ConversationID
	evt.SessionID = c.state.SessionID
	evt.Payload = payload
	m.opts.Events.Emit(evt)
}

func (m *Machine) persistLocked(c *conversation) {
	if m.opts.Store == nil {
		return
	}
	snap := c.snapshot()
	var err error
	if snap.Status.Terminal() {
		err = m.opts.Store.ArchiveConversation(snap)
	} else {
		err = m.opts.Store.SaveConversation(snap)
	}
	if err != nil {
		slog.Warn("failed to persist conversation state", "conversation_id", snap.ConversationID, "error", err)
	}
}
