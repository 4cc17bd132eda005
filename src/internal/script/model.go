// Package script defines scripted conversations and the per-conversation state
// machine that walks their stages.
package script

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("conversation not found")
	ErrNotRunning     = errors.New("conversation is not running")
	ErrAlreadyRunning = errors.New("conversation is already running")
	ErrInvalidScript  = errors.New("invalid script")
)

type TriggerKind string

const (
	TriggerTime    TriggerKind = "time"
	TriggerMessage TriggerKind = "message"
	TriggerKeyword TriggerKind = "keyword"
	TriggerManual  TriggerKind = "manual"
)

// Trigger decides when a stage expands into tasks. It is one of TimeTrigger,
// MessageTrigger, KeywordTrigger or ManualTrigger.
type Trigger interface {
	Kind() TriggerKind
	isTrigger()
}

type TimeTrigger struct {
	Delay time.Duration
}

type MessageTrigger struct{}

type KeywordTrigger struct {
	Keywords []string
}

type ManualTrigger struct{}

func (TimeTrigger) Kind() TriggerKind    { return TriggerTime }
func (MessageTrigger) Kind() TriggerKind { return TriggerMessage }
func (KeywordTrigger) Kind() TriggerKind { return TriggerKeyword }
func (ManualTrigger) Kind() TriggerKind  { return TriggerManual }

func (TimeTrigger) isTrigger()    {}
func (MessageTrigger) isTrigger() {}
func (KeywordTrigger) isTrigger() {}
func (ManualTrigger) isTrigger()  {}

// Matches reports whether text contains any keyword, ignoring case.
func (k KeywordTrigger) Matches(text string) bool {
	return containsAny(text, k.Keywords)
}

func containsAny(text string, words []string) bool {
	lower := strings.ToLower(text)
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" && strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

type ContentKind string

const (
	ContentText       ContentKind = "text"
	ContentAIGenerate ContentKind = "ai_generate"
	ContentTemplate   ContentKind = "template"
)

// Content is one of TextContent, AIContent or TemplateContent.
type Content interface {
	Kind() ContentKind
	isContent()
}

type TextContent struct {
	Text string
}

// AIContent is resolved by text generation. Fallback is sent when generation
// fails.
type AIContent struct {
	Prompt   string
	Fallback string
}

type TemplateContent struct {
	Template string
}

func (TextContent) Kind() ContentKind     { return ContentText }
func (AIContent) Kind() ContentKind       { return ContentAIGenerate }
func (TemplateContent) Kind() ContentKind { return ContentTemplate }

func (TextContent) isContent()     {}
func (AIContent) isContent()       {}
func (TemplateContent) isContent() {}

type FailureAction string

const (
	FailureSkip   FailureAction = "skip"
	FailureRetry  FailureAction = "retry"
	FailurePause  FailureAction = "pause"
	FailureNotify FailureAction = "notify"
)

func (a FailureAction) Valid() bool {
	switch a {
	case FailureSkip, FailureRetry, FailurePause, FailureNotify:
		return true
	}
	return false
}

type RandomDelay struct {
	Min time.Duration
	Max time.Duration
}

type Timing struct {
	DelayAfterPrevious time.Duration
	Random             *RandomDelay
}

type StageMessage struct {
	RoleID  string
	Content Content
	Timing  Timing
}

type Stage struct {
	ID                string
	Name              string
	Order             int
	Trigger           Trigger
	Messages          []StageMessage
	SuccessConditions []string
	FailureAction     FailureAction
}

type Script struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Goal        string            `json:"goal,omitempty" yaml:"goal,omitempty"`
	Variables   map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
	Stages      []Stage           `json:"stages" yaml:"stages"`
	Updated     time.Time         `json:"updated,omitzero" yaml:"-"`
}

// Roles lists the role ids the script's messages are attributed to, in first
// appearance order.
func (s *Script) Roles() []string {
	seen := make(map[string]bool)
	var out []string
	for _, st := range s.Stages {
		for _, m := range st.Messages {
			if !seen[m.RoleID] {
				seen[m.RoleID] = true
				out = append(out, m.RoleID)
			}
		}
	}
	return out
}

func (s *Script) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidScript)
	}
	ids := make(map[string]bool)
	for i, st := range s.Stages {
		if st.ID == "" {
			return fmt.Errorf("%w: stage %d has no id", ErrInvalidScript, i)
		}
		if ids[st.ID] {
			return fmt.Errorf("%w: duplicate stage id %q", ErrInvalidScript, st.ID)
		}
		ids[st.ID] = true
		if i > 0 && st.Order <= s.Stages[i-1].Order {
			return fmt.Errorf("%w: stage %q order %d is not greater than %d", ErrInvalidScript, st.ID, st.Order, s.Stages[i-1].Order)
		}
		switch tr := st.Trigger.(type) {
		case nil:
			return fmt.Errorf("%w: stage %q has no trigger", ErrInvalidScript, st.ID)
		case TimeTrigger:
			if tr.Delay < 0 {
				return fmt.Errorf("%w: stage %q has a negative delay", ErrInvalidScript, st.ID)
			}
		case KeywordTrigger:
			if len(tr.Keywords) == 0 {
				return fmt.Errorf("%w: stage %q keyword trigger without keywords", ErrInvalidScript, st.ID)
			}
		}
		if st.FailureAction != "" && !st.FailureAction.Valid() {
			return fmt.Errorf("%w: stage %q unknown failure action %q", ErrInvalidScript, st.ID, st.FailureAction)
		}
		for j, m := range st.Messages {
			if m.RoleID == "" {
				return fmt.Errorf("%w: stage %q message %d has no role", ErrInvalidScript, st.ID, j)
			}
			if m.Content == nil {
				return fmt.Errorf("%w: stage %q message %d has no content", ErrInvalidScript, st.ID, j)
			}
			if m.Timing.DelayAfterPrevious < 0 {
				return fmt.Errorf("%w: stage %q message %d has a negative delay", ErrInvalidScript, st.ID, j)
			}
			if r := m.Timing.Random; r != nil && (r.Min < 0 || r.Max < r.Min) {
				return fmt.Errorf("%w: stage %q message %d random delay %s..%s", ErrInvalidScript, st.ID, j, r.Min, r.Max)
			}
		}
	}
	return nil
}
