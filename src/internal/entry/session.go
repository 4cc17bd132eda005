// Package entry staggers how persona roles join a conversation and paces the
// follow-up messages they send once everyone has arrived.
package entry

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	ErrInvalidRoles  = errors.New("invalid role entries")
	ErrInvalidRhythm = errors.New("invalid rhythm")
	ErrNotFound      = errors.New("session not found")
	ErrBadState      = errors.New("session is in the wrong state")
)

type EntryType string

const (
	Opener     EntryType = "opener"
	Supporter  EntryType = "supporter"
	Atmosphere EntryType = "atmosphere"
)

func (t EntryType) Valid() bool {
	return t == Opener || t == Supporter || t == Atmosphere
}

// RoleEntry describes how one role joins the conversation.
type RoleEntry struct {
	RoleID            string    `json:"role_id"`
	AccountID         string    `json:"account_id"`
	EntryOrder        int       `json:"entry_order"`
	EntryDelaySeconds int       `json:"entry_delay_seconds"`
	EntryType         EntryType `json:"entry_type"`
	OpeningMessage    string    `json:"opening_message,omitempty"`
	Name              string    `json:"name,omitempty"`
	Persona           string    `json:"persona,omitempty"`
}

func (r RoleEntry) Delay() time.Duration {
	return time.Duration(r.EntryDelaySeconds) * time.Second
}

// Rhythm paces role-initiated follow-ups after every role has entered.
type Rhythm struct {
	MinIntervalSeconds        int  `json:"min_interval_seconds" yaml:"min_interval_seconds"`
	MaxIntervalSeconds        int  `json:"max_interval_seconds" yaml:"max_interval_seconds"`
	WaitForUserReply          bool `json:"wait_for_user_reply" yaml:"wait_for_user_reply"`
	UserSilenceTimeoutSeconds int  `json:"user_silence_timeout_seconds" yaml:"user_silence_timeout_seconds"`
	MaxFollowUps              int  `json:"max_follow_ups" yaml:"max_follow_ups"`
}

func (r Rhythm) Validate() error {
	if r.MinIntervalSeconds < 0 || r.UserSilenceTimeoutSeconds < 0 || r.MaxFollowUps < 0 {
		return fmt.Errorf("%w: negative value", ErrInvalidRhythm)
	}
	if r.MaxIntervalSeconds < r.MinIntervalSeconds {
		return fmt.Errorf("%w: max interval %ds below min interval %ds", ErrInvalidRhythm, r.MaxIntervalSeconds, r.MinIntervalSeconds)
	}
	return nil
}

// ValidateRoles checks the entry invariants: exactly one opener entering
// without delay, unique entry orders and delays that never decrease with
// entry order.
func ValidateRoles(roles []RoleEntry) error {
	if len(roles) == 0 {
		return fmt.Errorf("%w: no roles", ErrInvalidRoles)
	}
	openers := 0
	ids := make(map[string]bool)
	orders := make(map[int]bool)
	for _, r := range roles {
		if r.RoleID == "" || r.AccountID == "" {
			return fmt.Errorf("%w: role and account are required", ErrInvalidRoles)
		}
		if ids[r.RoleID] {
			return fmt.Errorf("%w: duplicate role %q", ErrInvalidRoles, r.RoleID)
		}
		ids[r.RoleID] = true
		if orders[r.EntryOrder] {
			return fmt.Errorf("%w: duplicate entry order %d", ErrInvalidRoles, r.EntryOrder)
		}
		orders[r.EntryOrder] = true
		if !r.EntryType.Valid() {
			return fmt.Errorf("%w: role %q has unknown entry type %q", ErrInvalidRoles, r.RoleID, r.EntryType)
		}
		if r.EntryDelaySeconds < 0 {
			return fmt.Errorf("%w: role %q has a negative delay", ErrInvalidRoles, r.RoleID)
		}
		if r.EntryType == Opener {
			openers++
			if r.EntryDelaySeconds != 0 {
				return fmt.Errorf("%w: opener %q must enter without delay", ErrInvalidRoles, r.RoleID)
			}
		}
	}
	if openers != 1 {
		return fmt.Errorf("%w: want exactly one opener, got %d", ErrInvalidRoles, openers)
	}
	sorted := sortByOrder(roles)
	for i := 1; i < len(sorted); i++ {
		if sorted[i].EntryDelaySeconds < sorted[i-1].EntryDelaySeconds {
			return fmt.Errorf("%w: role %q (order %d) enters before %q (order %d)", ErrInvalidRoles,
				sorted[i].RoleID, sorted[i].EntryOrder, sorted[i-1].RoleID, sorted[i-1].EntryOrder)
		}
	}
	return nil
}

func sortByOrder(roles []RoleEntry) []RoleEntry {
	out := slices.Clone(roles)
	slices.SortStableFunc(out, func(a, b RoleEntry) int { return cmp.Compare(a.EntryOrder, b.EntryOrder) })
	return out
}

type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

type Arrival struct {
	RoleID    string    `json:"role_id"`
	At        time.Time `json:"at"`
	TaskID    string    `json:"task_id,omitempty"`
	Entered   bool      `json:"entered"`
	EnteredAt time.Time `json:"entered_at,omitzero"`
}

type Session struct {
	ID              string      `json:"id"`
	ConversationID  string      `json:"conversation_id"`
	TargetID        string      `json:"target_id"`
	TargetName      string      `json:"target_name,omitempty"`
	Goal            string      `json:"goal,omitempty"`
	Roles           []RoleEntry `json:"roles"`
	Rhythm          Rhythm      `json:"rhythm"`
	Scripted        bool        `json:"scripted"`
	Status          Status      `json:"status"`
	Arrivals        []Arrival   `json:"arrivals,omitempty"`
	AllEntered      bool        `json:"all_entered"`
	AwaitingReply   bool        `json:"awaiting_reply"`
	FollowUps       int         `json:"follow_ups"`
	FollowUpsHalted bool        `json:"follow_ups_halted,omitempty"`
	NextFollowUp    time.Time   `json:"next_follow_up,omitzero"`
	LastRoleMessage time.Time   `json:"last_role_message,omitzero"`
	LastUserReply   time.Time   `json:"last_user_reply,omitzero"`
	NextRole        int         `json:"next_role"`
	Created         time.Time   `json:"created"`
	Started         time.Time   `json:"started,omitzero"`
	Stopped         time.Time   `json:"stopped,omitzero"`
}

func (s *Session) clone() Session {
	out := *s
	out.Roles = slices.Clone(s.Roles)
	out.Arrivals = slices.Clone(s.Arrivals)
	return out
}

// lastArrival is when the final role entered.
func (s *Session) lastArrival() time.Time {
	var t time.Time
	for _, a := range s.Arrivals {
		if a.EnteredAt.After(t) {
			t = a.EnteredAt
		}
	}
	return t
}
