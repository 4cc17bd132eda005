package entry

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"
	"troupe-main/src/internal/clock"
	"troupe-main/src/internal/events"
	"troupe-main/src/internal/tasks"
	"troupe-main/src/internal/textgen"

	"github.com/google/uuid"
)

type Scheduler interface {
	Enqueue(t *tasks.Task) error
	CancelConversation(conversationID string) []string
}

type Store interface {
	SaveSession(s Session) error
}

type History interface {
	Turns(conversationID string) []textgen.Turn
}

type Options struct {
	Events  events.Emitter
	Store   Store
	History History
	Rand    *rand.Rand
}

type CreateRequest struct {
	ConversationID string
	TargetID       string
	TargetName     string
	Goal           string
	Roles          []RoleEntry
	Rhythm         Rhythm
	// Scripted sessions leave pacing to the script; no follow-ups are sent.
	Scripted bool
}

var followUpPrompts = map[EntryType]string{
	Opener:     "Nudge the conversation toward the goal with one short, natural message.",
	Supporter:  "Back up what was said earlier with a short personal experience.",
	Atmosphere: "Add a light, casual remark that keeps the group chat lively.",
}

type sessionState struct {
	s             Session
	followPending map[string]bool
	generating    bool
	gen           int
}

type followJob struct {
	sessionID string
	gen       int
	role      RoleEntry
	req       textgen.Request
}

// Orchestrator owns every entry session.
type Orchestrator struct {
	mu       sync.Mutex
	clock    clock.Clock
	sched    Scheduler
	gen      textgen.Generator
	opts     Options
	rng      *rand.Rand
	sessions map[string]*sessionState
	wg       sync.WaitGroup
}

func New(clk clock.Clock, sched Scheduler, gen textgen.Generator, opts Options) *Orchestrator {
	if opts.Events == nil {
		opts.Events = events.Discard{}
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Orchestrator{
		clock:    clk,
		sched:    sched,
		gen:      gen,
		opts:     opts,
		rng:      rng,
		sessions: make(map[string]*sessionState),
	}
}

func (o *Orchestrator) CreateSession(req CreateRequest) (Session, error) {
	if req.TargetID == "" {
		return Session{}, fmt.Errorf("%w: target is required", ErrInvalidRoles)
	}
	if err := ValidateRoles(req.Roles); err != nil {
		return Session{}, err
	}
	if err := req.Rhythm.Validate(); err != nil {
		return Session{}, err
	}

	id := "sess_" + uuid.New().String()[:8]
	conv := cmp.Or(req.ConversationID, "conv_"+uuid.New().String()[:8])
	o.mu.Lock()
	defer o.mu.Unlock()
	st := &sessionState{
		s: Session{
			ID:             id,
			ConversationID: conv,
			TargetID:       req.TargetID,
			TargetName:     req.TargetName,
			Goal:           req.Goal,
			Roles:          sortByOrder(req.Roles),
			Rhythm:         req.Rhythm,
			Scripted:       req.Scripted,
			Status:         StatusCreated,
			Created:        o.clock.Now(),
		},
		followPending: make(map[string]bool),
	}
	o.sessions[id] = st
	o.persistLocked(st)
	slog.Info("entry session created", "session_id", id, "conversation_id", conv, "roles", len(req.Roles))
	return st.s.clone(), nil
}

// Start schedules every role's arrival at start time plus its entry delay.
// Opening messages are enqueued right away for their arrival time, so
// stopping the session before an arrival drops them.
func (o *Orchestrator) Start(sessionID string) (Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("start %s: %w", sessionID, ErrNotFound)
	}
	s := &st.s
	if s.Status != StatusCreated {
		return Session{}, fmt.Errorf("start %s (status %s): %w", sessionID, s.Status, ErrBadState)
	}

	now := o.clock.Now()
	arrivals := make([]Arrival, 0, len(s.Roles))
	for _, r := range s.Roles {
		a := Arrival{RoleID: r.RoleID, At: now.Add(r.Delay())}
		if r.OpeningMessage != "" {
			t := tasks.New(tasks.Spec{
				ConversationID: s.ConversationID,
				RoleID:         r.RoleID,
				AccountID:      r.AccountID,
				TargetID:       s.TargetID,
				Content:        r.OpeningMessage,
				Source:         tasks.SourceEntry,
				StageIndex:     -1,
				SessionID:      s.ID,
			}, a.At, now)
			if err := o.sched.Enqueue(t); err != nil {
				o.sched.CancelConversation(s.ConversationID)
				return Session{}, fmt.Errorf("start %s: enqueue opening for %s: %w", sessionID, r.RoleID, err)
			}
			a.TaskID = t.ID
		}
		arrivals = append(arrivals, a)
	}
	s.Arrivals = arrivals
	s.Status = StatusRunning
	s.Started = now
	o.persistLocked(st)
	slog.Info("entry session started", "session_id", sessionID, "conversation_id", s.ConversationID)
	return s.clone(), nil
}

// Restore loads a persisted session after a restart. Opening messages of
// roles that had not entered yet were lost with the old scheduler and are
// enqueued again, no earlier than now.
func (o *Orchestrator) Restore(s Session) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.sessions[s.ID]; ok {
		return fmt.Errorf("restore %s: %w", s.ID, ErrBadState)
	}
	st := &sessionState{s: s.clone(), followPending: make(map[string]bool)}
	o.sessions[s.ID] = st
	if s.Status != StatusRunning {
		return nil
	}
	now := o.clock.Now()
	st.s.NextFollowUp = time.Time{}
	for i := range st.s.Arrivals {
		a := &st.s.Arrivals[i]
		if a.Entered || a.TaskID == "" {
			continue
		}
		r := st.s.Roles[i]
		if a.At.Before(now) {
			a.At = now
		}
		t := tasks.New(tasks.Spec{
			ConversationID: st.s.ConversationID,
			RoleID:         r.RoleID,
			AccountID:      r.AccountID,
			TargetID:       st.s.TargetID,
			Content:        r.OpeningMessage,
			Source:         tasks.SourceEntry,
			StageIndex:     -1,
			SessionID:      st.s.ID,
		}, a.At, now)
		if err := o.sched.Enqueue(t); err != nil {
			slog.Warn("failed to re-enqueue opening message", "session_id", s.ID, "role_id", r.RoleID, "error", err)
			continue
		}
		a.TaskID = t.ID
	}
	o.persistLocked(st)
	slog.Info("entry session restored", "session_id", s.ID, "status", s.Status)
	return nil
}

// Stop ends the session and cancels every task of its conversation that has
// not been dispatched yet.
func (o *Orchestrator) Stop(sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.sessions[sessionID]
	if !ok {
		return fmt.Errorf("stop %s: %w", sessionID, ErrNotFound)
	}
	s := &st.s
	if s.Status == StatusStopped {
		return fmt.Errorf("stop %s: %w", sessionID, ErrBadState)
	}
	removed := o.sched.CancelConversation(s.ConversationID)
	st.gen++
	st.generating = false
	clear(st.followPending)
	s.Status = StatusStopped
	s.Stopped = o.clock.Now()
	o.persistLocked(st)
	slog.Info("entry session stopped", "session_id", sessionID, "cancelled_tasks", len(removed))
	return nil
}

// Tick records arrivals that are due and starts rhythm follow-ups. Text
// generation runs in the background.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) {
	o.mu.Lock()
	var jobs []*followJob
	for _, st := range o.sessions {
		s := &st.s
		if s.Status != StatusRunning {
			continue
		}
		changed := false
		for i := range s.Arrivals {
			a := &s.Arrivals[i]
			if a.Entered || a.At.After(now) {
				continue
			}
			a.Entered = true
			a.EnteredAt = a.At
			changed = true
			role := s.Roles[i]
			evt := events.New(events.RoleEntered, now)
			evt.ConversationID = s.ConversationID
			evt.SessionID = s.ID
			evt.RoleID = role.RoleID
			evt.TaskID = a.TaskID
			evt.Payload = map[string]any{"entry_type": string(role.EntryType), "account_id": role.AccountID}
			o.opts.Events.Emit(evt)
			slog.Info("role entered", "session_id", s.ID, "role_id", role.RoleID, "entry_type", role.EntryType)
		}
		if !s.AllEntered && !slices.ContainsFunc(s.Arrivals, func(a Arrival) bool { return !a.Entered }) {
			s.AllEntered = true
			changed = true
		}
		if job := o.planLocked(st, now); job != nil {
			jobs = append(jobs, job)
			changed = true
		}
		if changed {
			o.persistLocked(st)
		}
	}
	o.mu.Unlock()

	for _, j := range jobs {
		o.wg.Go(func() { o.followUp(ctx, j) })
	}
}

// Wait blocks until every follow-up generation started by Tick has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// planLocked decides whether a follow-up is due. While the rhythm waits for
// the user, only the silence timeout releases the gate.
func (o *Orchestrator) planLocked(st *sessionState, now time.Time) *followJob {
	s := &st.s
	r := s.Rhythm
	if s.Scripted || !s.AllEntered || s.FollowUpsHalted || st.generating || len(st.followPending) > 0 {
		return nil
	}
	if r.MaxFollowUps > 0 && s.FollowUps >= r.MaxFollowUps {
		return nil
	}
	if r.WaitForUserReply && s.AwaitingReply {
		silence := time.Duration(r.UserSilenceTimeoutSeconds) * time.Second
		if silence <= 0 || now.Sub(s.LastRoleMessage) < silence || now.Before(s.NextFollowUp) {
			return nil
		}
		slog.Info("target silent, re-engaging", "session_id", s.ID, "silent_for", now.Sub(s.LastRoleMessage))
	} else {
		if s.NextFollowUp.IsZero() {
			base := s.lastArrival()
			for _, t := range []time.Time{s.LastRoleMessage, s.LastUserReply} {
				if t.After(base) {
					base = t
				}
			}
			s.NextFollowUp = base.Add(o.intervalLocked(r))
		}
		if now.Before(s.NextFollowUp) {
			return nil
		}
	}

	role := s.Roles[s.NextRole%len(s.Roles)]
	s.NextRole++
	st.generating = true
	req := textgen.Request{
		Prompt: followUpPrompts[role.EntryType],
		Role:   textgen.Role{ID: role.RoleID, Name: role.Name, Persona: role.Persona, EntryType: string(role.EntryType)},
		Target: textgen.Target{ID: s.TargetID, Name: s.TargetName, Goal: s.Goal},
	}
	return &followJob{sessionID: s.ID, gen: st.gen, role: role, req: req}
}

func (o *Orchestrator) intervalLocked(r Rhythm) time.Duration {
	spread := r.MaxIntervalSeconds - r.MinIntervalSeconds
	secs := r.MinIntervalSeconds
	if spread > 0 {
		secs += o.rng.IntN(spread + 1)
	}
	return time.Duration(secs) * time.Second
}

// retryBackoff holds follow-ups back after a failed generation or send.
func retryBackoff(r Rhythm) time.Duration {
	return max(time.Duration(r.MinIntervalSeconds)*time.Second, 30*time.Second)
}

func (o *Orchestrator) followUp(ctx context.Context, j *followJob) {
	if o.opts.History != nil {
		o.mu.Lock()
		conv := o.sessions[j.sessionID].s.ConversationID
		o.mu.Unlock()
		j.req.History = o.opts.History.Turns(conv)
	}
	reply, err := o.gen.Generate(ctx, j.req)

	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.sessions[j.sessionID]
	if st.gen != j.gen || st.s.Status != StatusRunning {
		return
	}
	st.generating = false
	s := &st.s
	now := o.clock.Now()

	switch {
	case err != nil:
		slog.Warn("follow-up generation failed", "session_id", s.ID, "role_id", j.role.RoleID, "error", err)
		s.NextFollowUp = now.Add(retryBackoff(s.Rhythm))
	case reply.ShouldHandoff:
		s.FollowUpsHalted = true
		evt := events.New(events.HandoffRequired, now)
		evt.ConversationID = s.ConversationID
		evt.SessionID = s.ID
		evt.RoleID = j.role.RoleID
		evt.Payload = map[string]any{"reason": reply.HandoffReason}
		o.opts.Events.Emit(evt)
		slog.Info("follow-ups halted for handoff", "session_id", s.ID, "reason", reply.HandoffReason)
	case reply.Content == "":
		s.NextFollowUp = time.Time{}
	default:
		t := tasks.New(tasks.Spec{
			ConversationID: s.ConversationID,
			RoleID:         j.role.RoleID,
			AccountID:      j.role.AccountID,
			TargetID:       s.TargetID,
			Content:        reply.Content,
			Source:         tasks.SourceFollowUp,
			StageIndex:     -1,
			SessionID:      s.ID,
		}, now, now)
		if err := o.sched.Enqueue(t); err != nil {
			slog.Error("failed to enqueue follow-up", "session_id", s.ID, "error", err)
			break
		}
		st.followPending[t.ID] = true
		s.FollowUps++
		s.NextFollowUp = time.Time{}
		slog.Info("follow-up scheduled", "session_id", s.ID, "role_id", j.role.RoleID, "task_id", t.ID, "count", s.FollowUps)
	}
	o.persistLocked(st)
}

// OnUserReply opens the rhythm gate for every running session of the
// conversation.
func (o *Orchestrator) OnUserReply(conversationID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.clock.Now()
	for _, st := range o.sessions {
		s := &st.s
		if s.ConversationID != conversationID || s.Status != StatusRunning {
			continue
		}
		s.LastUserReply = now
		s.AwaitingReply = false
		s.NextFollowUp = time.Time{}
		o.persistLocked(st)
	}
}

func (o *Orchestrator) TaskCompleted(t tasks.Task) {
	o.taskDone(t, true)
}

func (o *Orchestrator) TaskFailed(t tasks.Task) {
	o.taskDone(t, false)
}

func (o *Orchestrator) taskDone(t tasks.Task, ok bool) {
	if t.SessionID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	st, found := o.sessions[t.SessionID]
	if !found || st.s.Status != StatusRunning {
		return
	}
	s := &st.s
	delete(st.followPending, t.ID)
	s.NextFollowUp = time.Time{}
	if ok {
		s.LastRoleMessage = t.Finished
		s.AwaitingReply = s.Rhythm.WaitForUserReply
	} else {
		s.NextFollowUp = o.clock.Now().Add(retryBackoff(s.Rhythm))
		slog.Warn("session message failed", "session_id", s.ID, "task_id", t.ID, "role_id", t.RoleID, "error", t.Error, "retry_at", s.NextFollowUp)
	}
	o.persistLocked(st)
}

func (o *Orchestrator) Get(sessionID string) (Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return st.s.clone(), nil
}

// ForConversation returns the most recent session of a conversation.
func (o *Orchestrator) ForConversation(conversationID string) (Session, bool) {
	var best Session
	found := false
	for _, s := range o.List() {
		if s.ConversationID == conversationID {
			best, found = s, true
		}
	}
	return best, found
}

func (o *Orchestrator) List() []Session {
	o.mu.Lock()
	res := make([]Session, 0, len(o.sessions))
	for _, st := range o.sessions {
		res = append(res, st.s.clone())
	}
	o.mu.Unlock()
	slices.SortFunc(res, func(a, b Session) int {
		if c := a.Created.Compare(b.Created); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return res
}

func (o *Orchestrator) persistLocked(st *sessionState) {
	if o.opts.Store == nil {
		return
	}
	if err := o.opts.Store.SaveSession(st.s.clone()); err != nil {
		slog.Warn("failed to persist session", "session_id", st.s.ID, "error", err)
	}
}
