package entry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	"troupe-main/src/internal/clock"
	"troupe-main/src/internal/events"
	"troupe-main/src/internal/scheduler"
	"troupe-main/src/internal/textgen"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

type fakeTransport struct {
	mu   sync.Mutex
	sent []string
	// failFrom rejects the n-th send and every one after it. Zero never fails.
	failFrom int
}

func (f *fakeTransport) Send(ctx context.Context, accountID, targetID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	if f.failFrom > 0 && len(f.sent) >= f.failFrom {
		return errors.New("account offline")
	}
	return nil
}

func (f *fakeTransport) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeGen struct {
	mu    sync.Mutex
	roles []string
	reply func(n int, req textgen.Request) (textgen.Reply, error)
}

func (g *fakeGen) Generate(ctx context.Context, req textgen.Request) (textgen.Reply, error) {
	g.mu.Lock()
	g.roles = append(g.roles, req.Role.ID)
	n := len(g.roles)
	g.mu.Unlock()
	if g.reply == nil {
		return textgen.Reply{Content: req.Role.ID + " follow-up"}, nil
	}
	return g.reply(n, req)
}

func (g *fakeGen) calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.roles...)
}

type memStore struct {
	mu    sync.Mutex
	saved []Session
}

func (m *memStore) SaveSession(s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, s)
	return nil
}

type harness struct {
	clk   *clock.Fake
	tr    *fakeTransport
	gen   *fakeGen
	sched *scheduler.Scheduler
	o     *Orchestrator
	bus   *events.Bus
	store *memStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFake(t0)
	tr := &fakeTransport{}
	bus := events.NewBus(64)
	sched := scheduler.New(clk, tr, scheduler.Options{Events: bus})
	gen := &fakeGen{}
	store := &memStore{}
	o := New(clk, sched, gen, Options{Events: bus, Store: store})
	sched.AddObserver(o)
	return &harness{clk: clk, tr: tr, gen: gen, sched: sched, o: o, bus: bus, store: store}
}

// step advances the clock and runs one orchestrator and scheduler tick.
func (h *harness) step(d time.Duration) {
	ctx := context.Background()
	now := h.clk.Advance(d)
	h.o.Tick(ctx, now)
	h.o.Wait()
	h.sched.Tick(ctx, now)
	h.sched.Wait()
}

func trio() []RoleEntry {
	return []RoleEntry{
		{RoleID: "crowd", AccountID: "irc:kim", EntryOrder: 3, EntryDelaySeconds: 90, EntryType: Atmosphere},
		{RoleID: "lead", AccountID: "irc:dana", EntryOrder: 1, EntryType: Opener, OpeningMessage: "hi all"},
		{RoleID: "fan", AccountID: "irc:sam", EntryOrder: 2, EntryDelaySeconds: 30, EntryType: Supporter, OpeningMessage: "me too"},
	}
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestValidateRoles(t *testing.T) {
	opener := RoleEntry{RoleID: "lead", AccountID: "a", EntryOrder: 1, EntryType: Opener}
	tests := map[string][]RoleEntry{
		"empty":     nil,
		"no opener": {{RoleID: "fan", AccountID: "a", EntryOrder: 1, EntryType: Supporter}},
		"two openers": {opener,
			{RoleID: "b", AccountID: "b", EntryOrder: 2, EntryType: Opener}},
		"opener delayed": {{RoleID: "lead", AccountID: "a", EntryOrder: 1, EntryDelaySeconds: 5, EntryType: Opener}},
		"duplicate order": {opener,
			{RoleID: "fan", AccountID: "b", EntryOrder: 1, EntryDelaySeconds: 5, EntryType: Supporter}},
		"duplicate role": {opener,
			{RoleID: "lead", AccountID: "b", EntryOrder: 2, EntryDelaySeconds: 5, EntryType: Supporter}},
		"delay decreases": {opener,
			{RoleID: "fan", AccountID: "b", EntryOrder: 2, EntryDelaySeconds: 60, EntryType: Supporter},
			{RoleID: "crowd", AccountID: "c", EntryOrder: 3, EntryDelaySeconds: 30, EntryType: Atmosphere}},
		"unknown type": {opener,
			{RoleID: "fan", AccountID: "b", EntryOrder: 2, EntryDelaySeconds: 5, EntryType: "lurker"}},
		"missing account": {{RoleID: "lead", EntryOrder: 1, EntryType: Opener}},
	}
	for name, roles := range tests {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, ValidateRoles(roles), ErrInvalidRoles)
		})
	}
	assert.NoError(t, ValidateRoles(trio()))
}

func TestRhythmValidate(t *testing.T) {
	assert.NoError(t, Rhythm{MinIntervalSeconds: 30, MaxIntervalSeconds: 30}.Validate())
	assert.ErrorIs(t, Rhythm{MinIntervalSeconds: 60, MaxIntervalSeconds: 30}.Validate(), ErrInvalidRhythm)
	assert.ErrorIs(t, Rhythm{MaxFollowUps: -1}.Validate(), ErrInvalidRhythm)
}

func TestCreateSession(t *testing.T) {
	h := newHarness(t)
	s, err := h.o.CreateSession(CreateRequest{TargetID: "alex", Roles: trio(), Scripted: true})
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, s.Status)
	assert.Regexp(t, `^sess_`, s.ID)
	assert.Regexp(t, `^conv_`, s.ConversationID)
	assert.Equal(t, []string{"lead", "fan", "crowd"}, []string{s.Roles[0].RoleID, s.Roles[1].RoleID, s.Roles[2].RoleID})

	_, err = h.o.CreateSession(CreateRequest{TargetID: "alex", Roles: trio(), Rhythm: Rhythm{MinIntervalSeconds: 9, MaxIntervalSeconds: 1}})
	assert.ErrorIs(t, err, ErrInvalidRhythm)

	_, err = h.o.Start("sess_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRolesEnterInOrder(t *testing.T) {
	h := newHarness(t)
	ch, cancel := h.bus.Subscribe()
	defer cancel()

	s, err := h.o.CreateSession(CreateRequest{ConversationID: "conv-1", TargetID: "alex", Roles: trio(), Scripted: true})
	require.NoError(t, err)
	s, err = h.o.Start(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, s.Status)

	require.Len(t, s.Arrivals, 3)
	assert.Equal(t, s.Started, s.Arrivals[0].At, "opener enters immediately")
	for i := 1; i < len(s.Arrivals); i++ {
		assert.False(t, s.Arrivals[i].At.Before(s.Arrivals[i-1].At))
	}
	assert.Empty(t, s.Arrivals[2].TaskID, "no opening message")

	pending := h.sched.Pending("conv-1")
	require.Len(t, pending, 2)
	assert.Equal(t, t0, pending[0].ScheduledTime)
	assert.Equal(t, t0.Add(30*time.Second), pending[1].ScheduledTime)

	_, err = h.o.Start(s.ID)
	assert.ErrorIs(t, err, ErrBadState)

	h.step(0)
	assert.Equal(t, []string{"hi all"}, h.tr.texts())
	h.step(30 * time.Second)
	assert.Equal(t, []string{"hi all", "me too"}, h.tr.texts())
	s, _ = h.o.Get(s.ID)
	assert.False(t, s.AllEntered)

	h.step(60 * time.Second)
	s, _ = h.o.Get(s.ID)
	assert.True(t, s.AllEntered)
	assert.Equal(t, t0.Add(30*time.Second), s.LastRoleMessage)

	var entered []string
	for _, e := range drain(ch) {
		if e.Type == events.RoleEntered {
			entered = append(entered, e.RoleID)
			assert.Equal(t, s.ID, e.SessionID)
		}
	}
	assert.Equal(t, []string{"lead", "fan", "crowd"}, entered)
	assert.Empty(t, h.gen.calls(), "scripted sessions send no follow-ups")
}

func TestStopCancelsPendingEntries(t *testing.T) {
	h := newHarness(t)
	s, err := h.o.CreateSession(CreateRequest{ConversationID: "conv-1", TargetID: "alex", Roles: trio()})
	require.NoError(t, err)
	_, err = h.o.Start(s.ID)
	require.NoError(t, err)

	h.step(0)
	require.NoError(t, h.o.Stop(s.ID))
	assert.Empty(t, h.sched.Pending("conv-1"))

	h.step(2 * time.Minute)
	assert.Equal(t, []string{"hi all"}, h.tr.texts())
	s, _ = h.o.Get(s.ID)
	assert.Equal(t, StatusStopped, s.Status)
	assert.False(t, s.Arrivals[1].Entered)
	assert.ErrorIs(t, h.o.Stop(s.ID), ErrBadState)

	h.store.mu.Lock()
	last := h.store.saved[len(h.store.saved)-1]
	h.store.mu.Unlock()
	assert.Equal(t, StatusStopped, last.Status)
}

func TestFollowUpsWaitForReply(t *testing.T) {
	h := newHarness(t)
	s, err := h.o.CreateSession(CreateRequest{
		ConversationID: "conv-1",
		TargetID:       "alex",
		Roles:          []RoleEntry{{RoleID: "lead", AccountID: "irc:dana", EntryOrder: 1, EntryType: Opener, OpeningMessage: "hi"}},
		Rhythm: Rhythm{
			MinIntervalSeconds:        60,
			MaxIntervalSeconds:        60,
			WaitForUserReply:          true,
			UserSilenceTimeoutSeconds: 600,
			MaxFollowUps:              2,
		},
	})
	require.NoError(t, err)
	_, err = h.o.Start(s.ID)
	require.NoError(t, err)

	h.step(0)
	s, _ = h.o.Get(s.ID)
	assert.True(t, s.AwaitingReply)

	h.step(5 * time.Minute)
	assert.Empty(t, h.gen.calls(), "gate holds while waiting for the target")

	h.o.OnUserReply("conv-1")
	h.step(30 * time.Second)
	assert.Empty(t, h.gen.calls(), "interval counts from the reply")
	h.step(30 * time.Second)
	assert.Equal(t, []string{"hi", "lead follow-up"}, h.tr.texts())

	h.step(9 * time.Minute)
	assert.Len(t, h.tr.texts(), 2)
	h.step(time.Minute)
	assert.Len(t, h.tr.texts(), 3, "silence timeout re-engages")

	h.step(30 * time.Minute)
	assert.Len(t, h.tr.texts(), 3, "follow-ups are capped")
	s, _ = h.o.Get(s.ID)
	assert.Equal(t, 2, s.FollowUps)
}

func TestFollowUpsRotateUntilHandoff(t *testing.T) {
	h := newHarness(t)
	h.gen.reply = func(n int, req textgen.Request) (textgen.Reply, error) {
		if n == 3 {
			return textgen.Reply{ShouldHandoff: true, HandoffReason: "asks for a discount code"}, nil
		}
		return textgen.Reply{Content: req.Role.ID}, nil
	}
	ch, cancel := h.bus.Subscribe()
	defer cancel()

	s, err := h.o.CreateSession(CreateRequest{
		ConversationID: "conv-1",
		TargetID:       "alex",
		Roles: []RoleEntry{
			{RoleID: "lead", AccountID: "irc:dana", EntryOrder: 1, EntryType: Opener, OpeningMessage: "hi"},
			{RoleID: "fan", AccountID: "irc:sam", EntryOrder: 2, EntryDelaySeconds: 5, EntryType: Supporter},
		},
		Rhythm: Rhythm{MinIntervalSeconds: 10, MaxIntervalSeconds: 10},
	})
	require.NoError(t, err)
	_, err = h.o.Start(s.ID)
	require.NoError(t, err)

	h.step(0)
	h.step(5 * time.Second)
	assert.Empty(t, h.gen.calls(), "interval counts from the last arrival")
	h.step(10 * time.Second)
	h.step(10 * time.Second)
	h.step(10 * time.Second)
	h.step(time.Minute)

	assert.Equal(t, []string{"lead", "fan", "lead"}, h.gen.calls())
	assert.Equal(t, []string{"hi", "lead", "fan"}, h.tr.texts())
	s, _ = h.o.Get(s.ID)
	assert.True(t, s.FollowUpsHalted)

	var handoff *events.Event
	for _, e := range drain(ch) {
		if e.Type == events.HandoffRequired {
			handoff = &e
		}
	}
	require.NotNil(t, handoff)
	assert.Equal(t, "asks for a discount code", handoff.Payload["reason"])
}

func TestFollowUpGenerationFailureBacksOff(t *testing.T) {
	h := newHarness(t)
	h.gen.reply = func(n int, req textgen.Request) (textgen.Reply, error) {
		return textgen.Reply{}, errors.New("model down")
	}
	s, err := h.o.CreateSession(CreateRequest{
		ConversationID: "conv-1",
		TargetID:       "alex",
		Roles:          []RoleEntry{{RoleID: "lead", AccountID: "irc:dana", EntryOrder: 1, EntryType: Opener}},
		Rhythm:         Rhythm{MinIntervalSeconds: 45, MaxIntervalSeconds: 45},
	})
	require.NoError(t, err)
	_, err = h.o.Start(s.ID)
	require.NoError(t, err)

	h.step(0)
	h.step(45 * time.Second)
	require.Len(t, h.gen.calls(), 1)
	s, _ = h.o.Get(s.ID)
	assert.Equal(t, t0.Add(90*time.Second), s.NextFollowUp)
	assert.Empty(t, h.tr.texts())

	h.step(44 * time.Second)
	assert.Len(t, h.gen.calls(), 1)
	h.step(time.Second)
	assert.Len(t, h.gen.calls(), 2)
}

func TestFailedFollowUpSendBacksOff(t *testing.T) {
	h := newHarness(t)
	h.tr.failFrom = 2
	s, err := h.o.CreateSession(CreateRequest{
		ConversationID: "conv-1",
		TargetID:       "alex",
		Roles:          []RoleEntry{{RoleID: "lead", AccountID: "irc:dana", EntryOrder: 1, EntryType: Opener, OpeningMessage: "hi"}},
		Rhythm: Rhythm{
			MinIntervalSeconds:        60,
			MaxIntervalSeconds:        60,
			WaitForUserReply:          true,
			UserSilenceTimeoutSeconds: 600,
		},
	})
	require.NoError(t, err)
	_, err = h.o.Start(s.ID)
	require.NoError(t, err)

	h.step(0)
	h.step(10 * time.Minute)
	require.Len(t, h.gen.calls(), 1, "silence timeout re-engages once")
	assert.Equal(t, []string{"hi", "lead follow-up"}, h.tr.texts())
	s, _ = h.o.Get(s.ID)
	assert.Equal(t, t0.Add(11*time.Minute), s.NextFollowUp)

	for range 5 {
		h.step(time.Second)
	}
	assert.Len(t, h.gen.calls(), 1, "a failed send holds the next follow-up back")
	assert.Len(t, h.tr.texts(), 2)

	h.step(55 * time.Second)
	assert.Len(t, h.gen.calls(), 2)
	assert.Len(t, h.tr.texts(), 3)
}

func TestForConversation(t *testing.T) {
	h := newHarness(t)
	first, err := h.o.CreateSession(CreateRequest{ConversationID: "conv-1", TargetID: "alex", Roles: trio()})
	require.NoError(t, err)
	h.clk.Advance(time.Second)
	second, err := h.o.CreateSession(CreateRequest{ConversationID: "conv-1", TargetID: "alex", Roles: trio()})
	require.NoError(t, err)

	got, ok := h.o.ForConversation("conv-1")
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)
	assert.Len(t, h.o.List(), 2)
	assert.Equal(t, first.ID, h.o.List()[0].ID)

	_, ok = h.o.ForConversation("conv-2")
	assert.False(t, ok)
}
