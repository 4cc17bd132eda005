package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"
	"troupe-main/src/internal/tasks"
	"troupe-main/src/internal/textgen"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func delivered(conv, role, text string) tasks.Task {
	t := tasks.New(tasks.Spec{ConversationID: conv, RoleID: role, AccountID: "irc:" + role, Content: text}, t0, t0)
	_ = t.Begin(t0)
	_ = t.Complete(t0.Add(time.Second))
	return *t
}

func TestTurnsInterleaveTargetAndRoles(t *testing.T) {
	m := NewManager(0)
	m.TaskCompleted(delivered("conv-1", "expert", "anyone tried it?"))
	m.AddInbound("conv-1", "what is it?", t0.Add(time.Minute))
	m.TaskFailed(delivered("conv-1", "fan", "lost"))
	m.TaskCompleted(delivered("conv-1", "fan", "it is great"))
	m.TaskCompleted(delivered("conv-2", "fan", "elsewhere"))

	assert.Equal(t, []textgen.Turn{
		{From: "expert", Text: "anyone tried it?"},
		{From: TargetSpeaker, Text: "what is it?"},
		{From: "fan", Text: "it is great"},
	}, m.Turns("conv-1"))
	assert.Equal(t, []string{"conv-1", "conv-2"}, m.ListIDs())
	assert.Empty(t, m.Turns("conv-3"))
}

func TestTurnsKeepMostRecent(t *testing.T) {
	m := NewManager(2)
	for i := range 5 {
		m.AddInbound("conv-1", fmt.Sprintf("line %d", i), t0)
	}
	turns := m.Turns("conv-1")
	require.Len(t, turns, 2)
	assert.Equal(t, "line 3", turns[0].Text)
	assert.Len(t, m.Lines("conv-1"), 5)
}

func TestArchiveWritesAndForgets(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(0)
	m.AddInbound("conv-1", "hello", t0)

	path, err := m.Archive("conv-1", dir, t0)
	require.NoError(t, err)
	assert.Contains(t, path, "transcript-conv-1.2026-04-02-10-00-00Z.json")
	assert.Empty(t, m.Lines("conv-1"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var a Archived
	require.NoError(t, json.Unmarshal(data, &a))
	assert.Equal(t, "conv-1", a.ConversationID)
	assert.Equal(t, "hello", a.Lines[0].Text)

	path, err = m.Archive("conv-1", dir, t0)
	require.NoError(t, err)
	assert.Empty(t, path, "nothing left to archive")
}

func TestSnapshotRestore(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(0)
	m.AddInbound("conv-1", "hello", t0)
	require.NoError(t, m.Snapshot("conv-1", dir, t0))

	snaps, err := LoadSnapshots(dir)
	require.NoError(t, err)
	require.Len(t, snaps, 1)

	fresh := NewManager(0)
	fresh.Restore(snaps[0])
	assert.Equal(t, m.Lines("conv-1"), fresh.Lines("conv-1"))

	none, err := LoadSnapshots(dir + "/missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestConcurrentAppend(t *testing.T) {
	m := NewManager(0)
	var wg sync.WaitGroup
	const n = 100
	for range n {
		wg.Go(func() { m.AddInbound("conv-1", "x", t0) })
	}
	wg.Wait()
	assert.Len(t, m.Lines("conv-1"), n)
}
