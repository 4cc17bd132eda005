package tasks

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskLifecycle(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	task := New(Spec{ConversationID: "c1", RoleID: "expert", Content: "hi"}, now.Add(time.Minute), now)

	assert.Equal(t, StatusPending, task.Status)
	assert.False(t, task.Due(now))
	assert.True(t, task.Due(now.Add(time.Minute)))

	require.NoError(t, task.Begin(now))
	require.NoError(t, task.Complete(now.Add(time.Second)))
	assert.True(t, task.Done())
	assert.Equal(t, now.Add(time.Second), task.Finished)
}

func TestTaskTransitionsNeverReverse(t *testing.T) {
	now := time.Now()
	task := New(Spec{ConversationID: "c1"}, now, now)

	err := task.Complete(now)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "pending cannot complete directly")

	require.NoError(t, task.Begin(now))
	assert.ErrorIs(t, task.Begin(now), ErrInvalidTransition)

	require.NoError(t, task.Fail(now, "boom"))
	assert.Equal(t, "boom", task.Error)
	assert.ErrorIs(t, task.Begin(now), ErrInvalidTransition)
	assert.ErrorIs(t, task.Complete(now), ErrInvalidTransition)
}

func TestRescheduleCreatesNewTask(t *testing.T) {
	now := time.Now()
	orig := New(Spec{ConversationID: "c1", RoleID: "r", Content: "x"}, now, now)
	moved := orig.Reschedule(now.Add(time.Hour), now)

	assert.NotEqual(t, orig.ID, moved.ID)
	assert.Equal(t, now, orig.ScheduledTime)
	assert.Equal(t, now.Add(time.Hour), moved.ScheduledTime)
	assert.Equal(t, orig.Content, moved.Content)
	assert.Equal(t, StatusPending, moved.Status)
}
