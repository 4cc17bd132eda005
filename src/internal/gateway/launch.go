package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"troupe-main/src/internal/campaigns"
	"troupe-main/src/internal/entry"
	"troupe-main/src/internal/events"
	"troupe-main/src/internal/matcher"
	"troupe-main/src/internal/script"
)

// Accounts lists every channel account with its success rates from past
// conversations.
func (gw *Gateway) Accounts(ctx context.Context) []matcher.Account {
	accs := gw.Router.Accounts()
	rates, err := gw.History.SuccessRates(ctx)
	if err != nil {
		slog.Warn("success rates unavailable", "error", err)
		return accs
	}
	for i := range accs {
		accs[i].SuccessRates = rates[accs[i].ID]
	}
	return accs
}

// Policy returns p, or the configured default policy when p is nil.
func (gw *Gateway) Policy(p *matcher.Policy) matcher.Policy {
	if p != nil {
		return *p
	}
	cfg := gw.CurrentConfig()
	return matcher.Policy{
		AllowMultiRole: cfg.Matcher.AllowMultiRole,
		AllowOffline:   cfg.Matcher.AllowOffline,
	}
}

// Match assigns the current accounts to roles without launching anything.
func (gw *Gateway) Match(ctx context.Context, roles []matcher.Role, p *matcher.Policy) (matcher.Result, error) {
	return matcher.Match(roles, gw.Accounts(ctx), gw.Policy(p))
}

// LaunchPlan matches accounts to the plan's roles, creates and starts the
// entry session and starts the conversation, scripted when the plan names a
// script and free-form otherwise.
func (gw *Gateway) LaunchPlan(ctx context.Context, plan campaigns.Plan) (Launch, error) {
	if err := plan.Validate(); err != nil {
		return Launch{}, err
	}
	var sc *script.Script
	if plan.ScriptID != "" {
		var ok bool
		if sc, ok = gw.Script(plan.ScriptID); !ok {
			return Launch{}, fmt.Errorf("%w: %s", ErrUnknownScript, plan.ScriptID)
		}
	}
	if plan.ConversationID != "" {
		if st, err := gw.Machine.State(plan.ConversationID); err == nil && !st.Status.Terminal() {
			return Launch{}, fmt.Errorf("%w: %s", ErrConversationExists, plan.ConversationID)
		}
	}

	res, err := gw.Match(ctx, plan.MatcherRoles(), plan.Policy)
	if err == nil && !res.Complete() && !plan.AllowPartial {
		err = fmt.Errorf("%w: %v", ErrPartialMatch, res.Unassigned)
	}
	if err != nil {
		gw.matchFailed(plan, res, err)
		return Launch{}, err
	}
	gw.Metrics.MatchOutcome(matchOutcome(res))

	roles := entryRoles(plan, res, gw.CurrentConfig().Engine.EntryStagger)
	if len(roles) == 0 {
		err := fmt.Errorf("%w: no role has an account", ErrPartialMatch)
		gw.matchFailed(plan, res, err)
		return Launch{}, err
	}
	rhythm := gw.defaultRhythm()
	if plan.Rhythm != nil {
		rhythm = *plan.Rhythm
	}

	sess, err := gw.Entries.CreateSession(entry.CreateRequest{
		ConversationID: plan.ConversationID,
		TargetID:       plan.TargetID,
		TargetName:     plan.TargetName,
		Goal:           plan.Goal,
		Roles:          roles,
		Rhythm:         rhythm,
		Scripted:       sc != nil,
	})
	if err != nil {
		return Launch{}, err
	}

	// Entries start first so the machine knows when each role arrives.
	id := sess.ID
	if sess, err = gw.Entries.Start(id); err != nil {
		gw.Entries.Stop(id)
		return Launch{}, err
	}
	start := script.Start{
		ConversationID: sess.ConversationID,
		TargetID:       plan.TargetID,
		TargetName:     plan.TargetName,
		SessionID:      sess.ID,
		Goal:           plan.Goal,
		Script:         sc,
		Roles:          bindings(plan, roles, sess.Arrivals),
		Variables:      plan.Variables,
	}
	mode := script.ModeFreeform
	if sc != nil {
		mode = script.ModeScript
		err = gw.Machine.StartScript(ctx, start)
	} else {
		err = gw.Machine.StartFreeform(ctx, start)
	}
	if err != nil {
		gw.Entries.Stop(sess.ID)
		return Launch{}, fmt.Errorf("start conversation %s: %w", sess.ConversationID, err)
	}

	slog.Info("plan launched", "conversation_id", sess.ConversationID, "session_id", sess.ID,
		"mode", mode, "roles", len(roles), "degraded", res.Degraded())
	return Launch{ConversationID: sess.ConversationID, SessionID: sess.ID, Mode: mode, Match: res}, nil
}

func (gw *Gateway) matchFailed(plan campaigns.Plan, res matcher.Result, err error) {
	reason := "partial"
	var me *matcher.MatchError
	if errors.As(err, &me) {
		reason = string(me.Reason)
	}
	gw.Metrics.MatchOutcome("failed")
	evt := events.New(events.MatchFailed, gw.clock.Now())
	evt.ConversationID = plan.ConversationID
	evt.Payload = map[string]any{
		"reason":     reason,
		"target_id":  plan.TargetID,
		"goal":       plan.Goal,
		"unassigned": res.Unassigned,
		"error":      err.Error(),
	}
	gw.Bus.Emit(evt)
	slog.Warn("plan match failed", "target_id", plan.TargetID, "reason", reason, "error", err)
}

func matchOutcome(res matcher.Result) string {
	switch {
	case !res.Complete():
		return "partial"
	case res.Degraded():
		return "degraded"
	}
	return "matched"
}

// entryRoles orders the matched roles for entry. The plan's opener, or its
// first role, enters immediately; the rest follow after their own delay or a
// multiple of stagger, never earlier than the role before them.
func entryRoles(plan campaigns.Plan, res matcher.Result, stagger time.Duration) []entry.RoleEntry {
	ordered := make([]campaigns.PlanRole, 0, len(plan.Roles))
	for _, r := range plan.Roles {
		if _, ok := res.AccountFor(r.ID); ok {
			ordered = append(ordered, r)
		}
	}
	for i, r := range ordered {
		if r.EntryType == entry.Opener && i > 0 {
			copy(ordered[1:i+1], ordered[:i])
			ordered[0] = r
			break
		}
	}

	out := make([]entry.RoleEntry, len(ordered))
	prev := 0
	for i, r := range ordered {
		acc, _ := res.AccountFor(r.ID)
		delay := 0
		typ := entry.Opener
		if i > 0 {
			delay = i * int(stagger/time.Second)
			if r.EntryDelaySeconds != nil {
				delay = *r.EntryDelaySeconds
			}
			delay = max(delay, prev)
			typ = r.EntryType
			if typ == "" || typ == entry.Opener {
				typ = entry.Supporter
				if i > 1 {
					typ = entry.Atmosphere
				}
			}
		}
		prev = delay
		out[i] = entry.RoleEntry{
			RoleID:            r.ID,
			AccountID:         acc,
			EntryOrder:        i,
			EntryDelaySeconds: delay,
			EntryType:         typ,
			OpeningMessage:    r.OpeningMessage,
			Name:              r.Name,
			Persona:           r.Persona,
		}
	}
	return out
}

func bindings(plan campaigns.Plan, roles []entry.RoleEntry, arrivals []entry.Arrival) []script.RoleBinding {
	archetypes := make(map[string]string, len(plan.Roles))
	for _, r := range plan.Roles {
		archetypes[r.ID] = r.Archetype
	}
	arrive := make(map[string]time.Time, len(arrivals))
	for _, a := range arrivals {
		arrive[a.RoleID] = a.At
	}
	out := make([]script.RoleBinding, len(roles))
	for i, r := range roles {
		out[i] = script.RoleBinding{
			RoleID:    r.RoleID,
			AccountID: r.AccountID,
			Name:      r.Name,
			Persona:   r.Persona,
			EntryType: string(r.EntryType),
			Archetype: archetypes[r.RoleID],
			ArrivesAt: arrive[r.RoleID],
		}
	}
	return out
}

func (gw *Gateway) defaultRhythm() entry.Rhythm {
	r := gw.CurrentConfig().Rhythm
	return entry.Rhythm{
		MinIntervalSeconds:        int(r.MinInterval / time.Second),
		MaxIntervalSeconds:        int(r.MaxInterval / time.Second),
		WaitForUserReply:          r.WaitForUserReply,
		UserSilenceTimeoutSeconds: int(r.UserSilenceTimeout / time.Second),
		MaxFollowUps:              r.MaxFollowUps,
	}
}
