package tasks

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Source records which component produced a task.
type Source string

const (
	SourceScript   Source = "script"
	SourceEntry    Source = "entry"
	SourceFollowUp Source = "follow_up"
	SourceReply    Source = "reply"
)

var ErrInvalidTransition = errors.New("invalid task status transition")

// Task is a single scheduled outbound message.
// ScheduledTime is fixed at creation; use Reschedule to move a task.
type Task struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	RoleID         string    `json:"role_id"`
	AccountID      string    `json:"account_id"`
	TargetID       string    `json:"target_id"`
	Content        string    `json:"content"`
	ScheduledTime  time.Time `json:"scheduled_time"`
	Status         Status    `json:"status"`
	Error          string    `json:"error,omitempty"`
	Source         Source    `json:"source"`
	StageID        string    `json:"stage_id,omitempty"`
	StageIndex     int       `json:"stage_index"`
	SessionID      string    `json:"session_id,omitempty"`
	Created        time.Time `json:"created"`
	Started        time.Time `json:"started,omitempty"`
	Finished       time.Time `json:"finished,omitempty"`
}

// Spec is the caller-supplied part of a task.
type Spec struct {
	ConversationID string
	RoleID         string
	AccountID      string
	TargetID       string
	Content        string
	Source         Source
	StageID        string
	StageIndex     int
	SessionID      string
}

func New(spec Spec, scheduled, now time.Time) *Task {
	return &Task{
		ID:             "task_" + uuid.New().String()[:8],
		ConversationID: spec.ConversationID,
		RoleID:         spec.RoleID,
		AccountID:      spec.AccountID,
		TargetID:       spec.TargetID,
		Content:        spec.Content,
		ScheduledTime:  scheduled,
		Status:         StatusPending,
		Source:         spec.Source,
		StageID:        spec.StageID,
		StageIndex:     spec.StageIndex,
		SessionID:      spec.SessionID,
		Created:        now,
	}
}

// Reschedule returns a fresh pending task with a new id carrying the same payload.
func (t *Task) Reschedule(at, now time.Time) *Task {
	return New(t.Spec(), at, now)
}

func (t *Task) Spec() Spec {
	return Spec{
		ConversationID: t.ConversationID,
		RoleID:         t.RoleID,
		AccountID:      t.AccountID,
		TargetID:       t.TargetID,
		Content:        t.Content,
		Source:         t.Source,
		StageID:        t.StageID,
		StageIndex:     t.StageIndex,
		SessionID:      t.SessionID,
	}
}

func (t *Task) Begin(now time.Time) error {
	if t.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusExecuting)
	}
	t.Status = StatusExecuting
	t.Started = now
	return nil
}

func (t *Task) Complete(now time.Time) error {
	if t.Status != StatusExecuting {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusCompleted)
	}
	t.Status = StatusCompleted
	t.Finished = now
	return nil
}

func (t *Task) Fail(now time.Time, reason string) error {
	if t.Status != StatusExecuting {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusFailed)
	}
	t.Status = StatusFailed
	t.Error = reason
	t.Finished = now
	return nil
}

func (t *Task) Done() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// Due reports whether a pending task may be dispatched at now.
func (t *Task) Due(now time.Time) bool {
	return t.Status == StatusPending && !t.ScheduledTime.After(now)
}
