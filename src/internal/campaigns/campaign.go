// Package campaigns defines launch plans and the recurring campaigns that
// fire them.
package campaigns

import (
	"errors"
	"fmt"
	"time"
	"troupe-main/src/internal/entry"
	"troupe-main/src/internal/matcher"

	"github.com/google/uuid"
)

var ErrInvalidPlan = errors.New("invalid plan")

// PlanRole is one persona a plan needs.
type PlanRole struct {
	ID        string          `json:"id" yaml:"id"`
	Archetype string          `json:"archetype,omitempty" yaml:"archetype,omitempty"`
	Name      string          `json:"name,omitempty" yaml:"name,omitempty"`
	Persona   string          `json:"persona,omitempty" yaml:"persona,omitempty"`
	EntryType entry.EntryType `json:"entry_type,omitempty" yaml:"entry_type,omitempty"`
	// EntryDelaySeconds overrides the default stagger when set.
	EntryDelaySeconds *int   `json:"entry_delay_seconds,omitempty" yaml:"entry_delay_seconds,omitempty"`
	OpeningMessage    string `json:"opening_message,omitempty" yaml:"opening_message,omitempty"`
}

func (r PlanRole) MatcherRole() matcher.Role {
	return matcher.Role{ID: r.ID, Archetype: r.Archetype, Name: r.Name, Persona: r.Persona}
}

// Plan describes one conversation to launch.
type Plan struct {
	Goal           string            `json:"goal" yaml:"goal"`
	TargetID       string            `json:"target_id" yaml:"target_id"`
	TargetName     string            `json:"target_name,omitempty" yaml:"target_name,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty"`
	Roles          []PlanRole        `json:"roles" yaml:"roles"`
	Rhythm         *entry.Rhythm     `json:"rhythm,omitempty" yaml:"rhythm,omitempty"`
	ScriptID       string            `json:"script_id,omitempty" yaml:"script_id,omitempty"`
	Variables      map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
	Policy         *matcher.Policy   `json:"policy,omitempty" yaml:"policy,omitempty"`
	// AllowPartial launches with the roles that could be matched when the
	// policy forbids account reuse and accounts run out.
	AllowPartial   bool              `json:"allow_partial,omitempty" yaml:"allow_partial,omitempty"`
}

func (p Plan) Validate() error {
	if p.TargetID == "" {
		return fmt.Errorf("%w: target_id is required", ErrInvalidPlan)
	}
	if len(p.Roles) == 0 {
		return fmt.Errorf("%w: at least one role is required", ErrInvalidPlan)
	}
	seen := make(map[string]bool, len(p.Roles))
	openers := 0
	for _, r := range p.Roles {
		if r.ID == "" || seen[r.ID] {
			return fmt.Errorf("%w: role id %q is empty or duplicated", ErrInvalidPlan, r.ID)
		}
		seen[r.ID] = true
		if r.EntryType != "" && !r.EntryType.Valid() {
			return fmt.Errorf("%w: role %q has unknown entry type %q", ErrInvalidPlan, r.ID, r.EntryType)
		}
		if r.EntryType == entry.Opener {
			openers++
		}
	}
	if openers > 1 {
		return fmt.Errorf("%w: %d roles claim the opener slot", ErrInvalidPlan, openers)
	}
	return nil
}

func (p Plan) MatcherRoles() []matcher.Role {
	out := make([]matcher.Role, len(p.Roles))
	for i, r := range p.Roles {
		out[i] = r.MatcherRole()
	}
	return out
}

// Campaign launches its plan on a cron schedule.
type Campaign struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	CronExpression string    `json:"cron_expression"`
	Plan           Plan      `json:"plan"`
	Active         bool      `json:"active"`
	LastRun        time.Time `json:"last_run,omitzero"`
	LastError      string    `json:"last_error,omitempty"`
	Created        time.Time `json:"created"`
}

func New(name, expr string, plan Plan, now time.Time) *Campaign {
	return &Campaign{
		ID:             "camp_" + uuid.New().String()[:8],
		Name:           name,
		CronExpression: expr,
		Plan:           plan,
		Active:         true,
		Created:        now,
	}
}
