// Package matcher assigns persona accounts to the roles a plan requires.
//
// Match is a pure function of its inputs. Swapping or removing an account is
// done by calling it again with an adjusted Policy.
package matcher

import (
	"cmp"
	"fmt"
	"maps"
	"math"
	"slices"
)

type Reason string

const (
	ReasonNoAccounts    Reason = "no_accounts"
	ReasonNoRoles       Reason = "no_roles"
	ReasonInvalidPolicy Reason = "invalid_policy"
)

// MatchError is the typed failure of Match.
type MatchError struct {
	Reason Reason
	Detail string
}

func (e *MatchError) Error() string {
	if e.Detail == "" {
		return "match failed: " + string(e.Reason)
	}
	return "match failed: " + string(e.Reason) + ": " + e.Detail
}

// Is matches any MatchError with the same reason.
func (e *MatchError) Is(target error) bool {
	t, ok := target.(*MatchError)
	return ok && t.Reason == e.Reason
}

var ErrNoAccounts = &MatchError{Reason: ReasonNoAccounts}

type Account struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Channel string `json:"channel,omitempty"`
	Online  bool   `json:"online"`
	// SuccessRates maps a role archetype to the share of past conversations
	// this account played it in that succeeded, in [0,1].
	SuccessRates map[string]float64 `json:"success_rates,omitempty"`
}

type Role struct {
	ID        string `json:"id"`
	Archetype string `json:"archetype,omitempty"`
	Name      string `json:"name,omitempty"`
	Persona   string `json:"persona,omitempty"`
}

func (r Role) archetype() string {
	return cmp.Or(r.Archetype, r.ID)
}

type Policy struct {
	AllowMultiRole bool              `json:"allow_multi_role" yaml:"allow_multi_role"`
	AllowOffline   bool              `json:"allow_offline" yaml:"allow_offline"`
	Pinned         map[string]string `json:"pinned,omitempty" yaml:"pinned,omitempty"`
	Exclude        []string          `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// WithPin returns a copy of p forcing accountID onto roleID.
func (p Policy) WithPin(roleID, accountID string) Policy {
	out := p
	out.Pinned = maps.Clone(p.Pinned)
	if out.Pinned == nil {
		out.Pinned = make(map[string]string)
	}
	out.Pinned[roleID] = accountID
	out.Exclude = slices.DeleteFunc(slices.Clone(p.Exclude), func(id string) bool { return id == accountID })
	return out
}

// WithExclude returns a copy of p that never uses accountID.
func (p Policy) WithExclude(accountID string) Policy {
	out := p
	out.Exclude = append(slices.Clone(p.Exclude), accountID)
	out.Pinned = maps.Clone(p.Pinned)
	for role, acc := range out.Pinned {
		if acc == accountID {
			delete(out.Pinned, role)
		}
	}
	return out
}

// Assignment is one role to account mapping.
type Assignment struct {
	RoleID    string   `json:"role_id"`
	AccountID string   `json:"account_id"`
	Score     int      `json:"score"`
	Reasons   []string `json:"reasons"`
	Degraded  bool     `json:"degraded"`
}

type Result struct {
	Matches    []Assignment `json:"matches"`
	Unassigned []string     `json:"unassigned,omitempty"`
}

func (r Result) Complete() bool { return len(r.Unassigned) == 0 }

func (r Result) Degraded() bool {
	return slices.ContainsFunc(r.Matches, func(a Assignment) bool { return a.Degraded })
}

// AccountFor returns the account assigned to a role.
func (r Result) AccountFor(roleID string) (string, bool) {
	for _, a := range r.Matches {
		if a.RoleID == roleID {
			return a.AccountID, true
		}
	}
	return "", false
}

const (
	baseScore     = 50
	maxRateBonus  = 40
	onlineBonus   = 10
	servedPenalty = 5
)

// Score rates an account for a role given how many roles it already serves.
func Score(role Role, acc Account, served int) (int, []string) {
	score := baseScore
	reasons := []string{fmt.Sprintf("base score %d", baseScore)}
	if rate, ok := acc.SuccessRates[role.archetype()]; ok {
		rate = math.Max(0, math.Min(1, rate))
		bonus := int(math.Round(rate * maxRateBonus))
		score += bonus
		reasons = append(reasons, fmt.Sprintf("%.0f%% success as %s (+%d)", rate*100, role.archetype(), bonus))
	} else {
		reasons = append(reasons, "no history as "+role.archetype())
	}
	if acc.Online {
		score += onlineBonus
		reasons = append(reasons, fmt.Sprintf("online (+%d)", onlineBonus))
	} else {
		reasons = append(reasons, "offline")
	}
	if served > 0 {
		score -= servedPenalty * served
		reasons = append(reasons, fmt.Sprintf("already serves %d role(s) (-%d)", served, servedPenalty*served))
	}
	return max(0, min(100, score)), reasons
}

// Match assigns accounts to roles greedily in role order, best score first
// with ties going to the smaller account id. When accounts run out and the
// policy allows it, remaining roles reuse assigned accounts round-robin;
// otherwise they are reported as unassigned. Every assignment whose account
// serves more than one role is marked degraded.
func Match(roles []Role, accounts []Account, p Policy) (Result, error) {
	if len(roles) == 0 {
		return Result{}, &MatchError{Reason: ReasonNoRoles}
	}
	roleIDs := make(map[string]bool, len(roles))
	for _, r := range roles {
		if r.ID == "" || roleIDs[r.ID] {
			return Result{}, &MatchError{Reason: ReasonInvalidPolicy, Detail: fmt.Sprintf("role id %q is empty or duplicated", r.ID)}
		}
		roleIDs[r.ID] = true
	}

	excluded := make(map[string]bool, len(p.Exclude))
	for _, id := range p.Exclude {
		excluded[id] = true
	}
	pool := make(map[string]Account)
	var order []string
	for _, a := range accounts {
		if a.ID == "" || excluded[a.ID] || (!a.Online && !p.AllowOffline) {
			continue
		}
		if _, dup := pool[a.ID]; dup {
			continue
		}
		pool[a.ID] = a
		order = append(order, a.ID)
	}
	if len(pool) == 0 {
		return Result{}, &MatchError{Reason: ReasonNoAccounts, Detail: fmt.Sprintf("%d accounts offered, none usable", len(accounts))}
	}
	slices.Sort(order)

	pinnedAccounts := make(map[string]string)
	for roleID, accID := range p.Pinned {
		if !roleIDs[roleID] {
			return Result{}, &MatchError{Reason: ReasonInvalidPolicy, Detail: fmt.Sprintf("pinned role %q is not required", roleID)}
		}
		if _, ok := pool[accID]; !ok {
			return Result{}, &MatchError{Reason: ReasonInvalidPolicy, Detail: fmt.Sprintf("pinned account %q is not available", accID)}
		}
		if other, ok := pinnedAccounts[accID]; ok && !p.AllowMultiRole {
			return Result{}, &MatchError{Reason: ReasonInvalidPolicy, Detail: fmt.Sprintf("account %q pinned to %q and %q", accID, other, roleID)}
		}
		pinnedAccounts[accID] = roleID
	}

	served := make(map[string]int)
	var used []string
	var res Result
	var remaining []Role
	assign := func(role Role, accID string, extra ...string) {
		score, reasons := Score(role, pool[accID], served[accID])
		res.Matches = append(res.Matches, Assignment{
			RoleID:    role.ID,
			AccountID: accID,
			Score:     score,
			Reasons:   append(extra, reasons...),
		})
		if served[accID] == 0 {
			used = append(used, accID)
		}
		served[accID]++
	}

	for _, role := range roles {
		if accID, ok := p.Pinned[role.ID]; ok {
			assign(role, accID, "pinned by policy")
			continue
		}
		best, bestScore := "", -1
		for _, id := range order {
			if served[id] > 0 || pinnedAccounts[id] != "" {
				continue
			}
			if s, _ := Score(role, pool[id], 0); s > bestScore {
				best, bestScore = id, s
			}
		}
		if best == "" {
			remaining = append(remaining, role)
			continue
		}
		assign(role, best)
	}

	for i, role := range remaining {
		if !p.AllowMultiRole {
			res.Unassigned = append(res.Unassigned, role.ID)
			continue
		}
		assign(role, used[i%len(used)], "reused, not enough accounts")
	}
	// Every role of a shared account is degraded, the first one included.
	for i := range res.Matches {
		res.Matches[i].Degraded = served[res.Matches[i].AccountID] > 1
	}

	res.Matches = sortByRoles(res.Matches, roles)
	return res, nil
}

func sortByRoles(ms []Assignment, roles []Role) []Assignment {
	pos := make(map[string]int, len(roles))
	for i, r := range roles {
		pos[r.ID] = i
	}
	slices.SortStableFunc(ms, func(a, b Assignment) int { return cmp.Compare(pos[a.RoleID], pos[b.RoleID]) })
	return ms
}
