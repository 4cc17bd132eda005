package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
	"troupe-main/src/internal/campaigns"
	"troupe-main/src/internal/entry"
	"troupe-main/src/internal/events"
	"troupe-main/src/internal/script"
	"troupe-main/src/internal/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

const pitchYAML = `
id: pitch
name: Pitch
stages:
  - id: open
    order: 1
    trigger: {kind: time, delay_seconds: 0}
    messages:
      - role_id: expert
        content: {kind: text, text: "hello {{target}}"}
        timing: {delay_after_previous: 2}
`

func newStorage(t *testing.T) *Storage {
	t.Helper()
	st, err := New(t.TempDir(), "")
	require.NoError(t, err)
	return st
}

func TestConversationLifecycle(t *testing.T) {
	st := newStorage(t)
	state := script.State{ConversationID: "conv-1", TargetID: "alex", Status: script.StatusRunning, StartedAt: t0}
	require.NoError(t, st.SaveConversation(state))

	live, err := st.LoadConversations()
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "alex", live[0].TargetID)

	state.Status = script.StatusCompleted
	state.FinishedAt = t0.Add(time.Hour)
	require.NoError(t, st.ArchiveConversation(state))

	live, err = st.LoadConversations()
	require.NoError(t, err)
	assert.Empty(t, live)
	_, err = os.Stat(filepath.Join(st.ArchiveDir(), "conversation-conv-1.2026-04-02-11-00-00Z.json"))
	assert.NoError(t, err)
}

func TestSessionsRoundTrip(t *testing.T) {
	st := newStorage(t)
	sess := entry.Session{ID: "sess_1", ConversationID: "conv-1", Status: entry.StatusRunning, Created: t0,
		Roles: []entry.RoleEntry{{RoleID: "lead", AccountID: "irc:dana", EntryOrder: 1, EntryType: entry.Opener}}}
	require.NoError(t, st.SaveSession(sess))
	sess.FollowUps = 2
	require.NoError(t, st.SaveSession(sess))

	got, err := st.LoadSessions()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].FollowUps)
	assert.Equal(t, sess.Roles, got[0].Roles)
}

func TestCampaignCRUD(t *testing.T) {
	st := newStorage(t)
	c := campaigns.New("weekly", "0 0 9 * * MON", campaigns.Plan{TargetID: "alex", Roles: []campaigns.PlanRole{{ID: "expert"}}}, t0)
	require.NoError(t, st.SaveCampaign(c))

	got, err := st.LoadCampaign(c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Plan, got.Plan)

	list, err := st.ListCampaigns()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, st.DeleteCampaign(c.ID))
	_, err = st.LoadCampaign(c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, st.DeleteCampaign(c.ID), ErrNotFound)
}

func TestLoadCronTxt(t *testing.T) {
	st := newStorage(t)
	jobs, err := st.LoadCronTxt()
	require.NoError(t, err)
	assert.Empty(t, jobs)

	txt := "# weekly pitch\n0 0 9 * * MON plans/pitch.yaml\nbroken line\n\n"
	require.NoError(t, os.WriteFile(filepath.Join(st.GetBaseDir(), "campaigns.txt"), []byte(txt), 0644))
	jobs, err = st.LoadCronTxt()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "0 0 9 * * MON", jobs[0].Spec)
	assert.Equal(t, filepath.Join(st.GetBaseDir(), "plans", "pitch.yaml"), jobs[0].PlanFile)
}

func TestScriptsSaveLoadDelete(t *testing.T) {
	st := newStorage(t)
	require.NoError(t, os.WriteFile(filepath.Join(st.ScriptsDir(), "pitch.yaml"), []byte(pitchYAML), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(st.ScriptsDir(), "broken.yml"), []byte("id: [nope"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(st.ScriptsDir(), "notes.txt"), []byte("ignored"), 0644))

	list, err := st.LoadScripts()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "pitch", list[0].ID)
	assert.False(t, list[0].Updated.IsZero())

	copied := *list[0]
	copied.ID = "pitch-2"
	require.NoError(t, st.SaveScript(&copied))
	list, err = st.LoadScripts()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, list[0].Stages, list[1].Stages)

	assert.Error(t, st.SaveScript(&script.Script{}), "invalid scripts are rejected")
	require.NoError(t, st.DeleteScript("pitch-2"))
	assert.ErrorIs(t, st.DeleteScript("pitch-2"), ErrNotFound)
}

func TestWatchScripts(t *testing.T) {
	st := newStorage(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var changed []string
	var removed []string
	w, err := st.WatchScripts(ctx, func(sc *script.Script) {
		mu.Lock()
		changed = append(changed, sc.ID)
		mu.Unlock()
	}, func(path string) {
		mu.Lock()
		removed = append(removed, filepath.Base(path))
		mu.Unlock()
	})
	require.NoError(t, err)
	defer w.Close()

	path := filepath.Join(st.ScriptsDir(), "pitch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(pitchYAML), 0644))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changed) == 1 && changed[0] == "pitch"
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, os.Remove(path))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(removed) == 1 && removed[0] == "pitch.yaml"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestHistoryTasksAndEvents(t *testing.T) {
	h, err := NewHistory(":memory:")
	require.NoError(t, err)
	defer h.Close()
	ctx := context.Background()

	task := tasks.New(tasks.Spec{ConversationID: "conv-1", RoleID: "expert", AccountID: "irc:dana", TargetID: "alex",
		Content: "hello", Source: tasks.SourceScript, StageID: "open"}, t0, t0)
	require.NoError(t, task.Begin(t0))
	require.NoError(t, task.Fail(t0.Add(time.Second), "send rejected"))
	require.NoError(t, h.RecordTask(ctx, *task))
	require.NoError(t, h.RecordTask(ctx, *task), "re-recording overwrites")

	got, err := h.Tasks(ctx, "conv-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, task.ID, got[0].ID)
	assert.Equal(t, tasks.StatusFailed, got[0].Status)
	assert.Equal(t, "send rejected", got[0].Error)
	assert.True(t, t0.Equal(got[0].ScheduledTime))

	for i, typ := range []events.Type{events.StageAdvanced, events.TaskFailed, events.ConversationPaused} {
		e := events.New(typ, t0.Add(time.Duration(i)*time.Second))
		e.ConversationID = "conv-1"
		e.Payload = map[string]any{"n": i}
		require.NoError(t, h.Handle(e))
	}
	other := events.New(events.MatchFailed, t0)
	require.NoError(t, h.Handle(other))

	evs, err := h.Events(ctx, "conv-1", 2)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, events.TaskFailed, evs[0].Type)
	assert.Equal(t, events.ConversationPaused, evs[1].Type)
	assert.Equal(t, float64(2), evs[1].Payload["n"])

	all, err := h.Events(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestHistorySuccessRates(t *testing.T) {
	h, err := NewHistory(":memory:")
	require.NoError(t, err)
	defer h.Close()
	ctx := context.Background()

	record := func(conv, status string) {
		require.NoError(t, h.RecordOutcome(ctx, Outcome{
			ConversationID: conv,
			Status:         status,
			FinishedAt:     t0,
			Roles: []OutcomeRole{
				{RoleID: "lead", Archetype: "expert", AccountID: "irc:dana"},
				{RoleID: "fan", AccountID: "irc:sam"},
			},
		}))
	}
	record("c1", "completed")
	record("c2", "completed")
	record("c3", "failed")
	record("c4", "cancelled")
	record("c5", "completed")

	rates, err := h.SuccessRates(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, rates["irc:dana"]["expert"], 1e-9)
	assert.InDelta(t, 0.75, rates["irc:sam"]["fan"], 1e-9)
	assert.NotContains(t, rates, "irc:kim")
}
