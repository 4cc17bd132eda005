package script

import (
	"maps"
	"slices"
	"strings"
	"time"
	"troupe-main/src/internal/tasks"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type Mode string

const (
	ModeScript   Mode = "script"
	ModeFreeform Mode = "freeform"
)

// RoleBinding ties a role to the account that speaks for it.
type RoleBinding struct {
	RoleID    string `json:"role_id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name,omitempty"`
	Persona   string `json:"persona,omitempty"`
	EntryType string `json:"entry_type,omitempty"`
	Archetype string `json:"archetype,omitempty"`
	// ArrivesAt is when the role enters the conversation. Nothing is sent
	// for the role before it.
	ArrivesAt time.Time `json:"arrives_at,omitzero"`
}

// notBefore moves t to the role's arrival when it would come earlier.
func (r RoleBinding) notBefore(t time.Time) time.Time {
	if t.Before(r.ArrivesAt) {
		return r.ArrivesAt
	}
	return t
}

type Start struct {
	ConversationID string
	TargetID       string
	TargetName     string
	SessionID      string
	Goal           string
	Script         *Script
	Roles          []RoleBinding
	Variables      map[string]string
}

// State is the execution state of one conversation.
type State struct {
	ConversationID      string            `json:"conversation_id"`
	SessionID           string            `json:"session_id,omitempty"`
	ScriptID            string            `json:"script_id,omitempty"`
	TargetID            string            `json:"target_id"`
	TargetName          string            `json:"target_name,omitempty"`
	Goal                string            `json:"goal,omitempty"`
	Mode                Mode              `json:"mode"`
	Status              Status            `json:"status"`
	IsRunning           bool              `json:"is_running"`
	CurrentStageIndex   int               `json:"current_stage_index"`
	Waiting             TriggerKind       `json:"waiting,omitempty"`
	StageActivatedAt    time.Time         `json:"stage_activated_at,omitzero"`
	ExpansionDue        time.Time         `json:"expansion_due,omitzero"`
	LastMessageTime     *time.Time        `json:"last_message_time,omitempty"`
	PendingTaskIDs      []string          `json:"pending_task_ids"`
	CompletedTaskIDs    []string          `json:"completed_task_ids"`
	FailedTaskIDs       []string          `json:"failed_task_ids,omitempty"`
	PendingTasks        []tasks.Task      `json:"pending_tasks,omitempty"`
	Held                []tasks.Task      `json:"held,omitempty"`
	Roles               []RoleBinding     `json:"roles"`
	Variables           map[string]string `json:"variables,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	RetriedStages       []int             `json:"retried_stages,omitempty"`
	NextRole            int               `json:"next_role"`
	Reason              string            `json:"reason,omitempty"`
	StartedAt           time.Time         `json:"started_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	PausedAt            time.Time         `json:"paused_at,omitzero"`
	FinishedAt          time.Time         `json:"finished_at,omitzero"`
}

type conversation struct {
	state     State
	script    *Script
	pending   map[string]tasks.Task
	completed map[string]bool
	failed    map[string]bool
	retried   map[int]bool
	expanding bool
	gen       int
}

func newConversation(st State, sc *Script) *conversation {
	c := &conversation{
		state:     st,
		script:    sc,
		pending:   make(map[string]tasks.Task),
		completed: make(map[string]bool),
		failed:    make(map[string]bool),
		retried:   make(map[int]bool),
	}
	for _, id := range st.CompletedTaskIDs {
		c.completed[id] = true
	}
	for _, id := range st.FailedTaskIDs {
		c.failed[id] = true
	}
	for _, i := range st.RetriedStages {
		c.retried[i] = true
	}
	return c
}

func (c *conversation) snapshot() State {
	st := c.state
	st.PendingTaskIDs = slices.Sorted(maps.Keys(c.pending))
	st.CompletedTaskIDs = slices.Sorted(maps.Keys(c.completed))
	st.FailedTaskIDs = slices.Sorted(maps.Keys(c.failed))
	st.RetriedStages = slices.Sorted(maps.Keys(c.retried))
	st.PendingTasks = make([]tasks.Task, 0, len(c.pending))
	for _, id := range st.PendingTaskIDs {
		st.PendingTasks = append(st.PendingTasks, c.pending[id])
	}
	st.Held = slices.Clone(c.state.Held)
	st.Roles = slices.Clone(c.state.Roles)
	st.Variables = maps.Clone(c.state.Variables)
	if c.state.LastMessageTime != nil {
		t := *c.state.LastMessageTime
		st.LastMessageTime = &t
	}
	return st
}

func (c *conversation) role(id string) (RoleBinding, bool) {
	for _, r := range c.state.Roles {
		if r.RoleID == id {
			return r, true
		}
	}
	return RoleBinding{}, false
}

// variables merges script defaults, start variables and the built-ins.
func (c *conversation) variables() map[string]string {
	vars := make(map[string]string)
	if c.script != nil {
		maps.Copy(vars, c.script.Variables)
	}
	maps.Copy(vars, c.state.Variables)
	vars["target"] = c.state.TargetID
	if c.state.TargetName != "" {
		vars["target"] = c.state.TargetName
	}
	vars["target_id"] = c.state.TargetID
	vars["goal"] = c.state.Goal
	return vars
}

func roleVariables(vars map[string]string, r RoleBinding) map[string]string {
	out := maps.Clone(vars)
	out["role"] = r.RoleID
	out["role_name"] = r.Name
	if r.Name == "" {
		out["role_name"] = r.RoleID
	}
	out["account"] = r.AccountID
	return out
}

// render substitutes {{name}} placeholders.
func render(s string, vars map[string]string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	pairs := make([]string, 0, len(vars)*4)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v, "{{ "+k+" }}", v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}
