package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"troupe-main/src/internal/channels"
	"troupe-main/src/internal/entry"
	"troupe-main/src/internal/scheduler"
	"troupe-main/src/internal/script"
	"troupe-main/src/internal/storage"
	"troupe-main/src/internal/transcript"
)

// conversationStore persists machine snapshots and, once a conversation
// ends, records its outcome and archives its transcript.
type conversationStore struct {
	gw *Gateway
}

func (s conversationStore) SaveConversation(st script.State) error {
	return s.gw.Storage.SaveConversation(st)
}

func (s conversationStore) ArchiveConversation(st script.State) error {
	if err := s.gw.Storage.ArchiveConversation(st); err != nil {
		return err
	}
	// called under the machine lock
	s.gw.wg.Go(func() { s.gw.finished(st) })
	return nil
}

func (gw *Gateway) finished(st script.State) {
	ctx := context.WithoutCancel(gw.context())
	outcome := storage.Outcome{
		ConversationID: st.ConversationID,
		Status:         string(st.Status),
		FinishedAt:     st.FinishedAt,
	}
	for _, r := range st.Roles {
		outcome.Roles = append(outcome.Roles, storage.OutcomeRole{RoleID: r.RoleID, Archetype: r.Archetype, AccountID: r.AccountID})
	}
	if err := gw.History.RecordOutcome(ctx, outcome); err != nil {
		slog.Warn("failed to record outcome", "conversation_id", st.ConversationID, "error", err)
	}

	if path, err := gw.Transcripts.Archive(st.ConversationID, gw.Storage.ArchiveDir(), st.FinishedAt); err != nil {
		slog.Warn("failed to archive transcript", "conversation_id", st.ConversationID, "error", err)
	} else if path != "" {
		slog.Info("transcript archived", "conversation_id", st.ConversationID, "path", path)
	}
	if err := transcript.RemoveSnapshot(st.ConversationID, gw.Storage.TranscriptsDir()); err != nil {
		slog.Warn("failed to remove transcript snapshot", "conversation_id", st.ConversationID, "error", err)
	}

	if st.SessionID != "" {
		if err := gw.Entries.Stop(st.SessionID); err != nil && !errors.Is(err, entry.ErrBadState) {
			slog.Warn("failed to stop entry session", "session_id", st.SessionID, "error", err)
		}
	}
}

// handleInbound routes a channel message to every live conversation whose
// target sent it to one of the conversation's accounts.
func (gw *Gateway) handleInbound(in channels.Inbound) {
	at := in.At
	if at.IsZero() {
		at = gw.clock.Now()
	}
	routed := 0
	for _, st := range gw.Machine.List() {
		if st.Status.Terminal() || !sameTarget(st.TargetID, in.Sender) {
			continue
		}
		if !slices.ContainsFunc(st.Roles, func(r script.RoleBinding) bool { return r.AccountID == in.AccountID }) {
			continue
		}
		gw.deliver(gw.context(), st.ConversationID, in.Text, at)
		routed++
	}
	if routed == 0 {
		slog.Debug("inbound message outside any conversation", "channel", in.Channel, "account_id", in.AccountID, "sender", in.Sender)
	}
}

func sameTarget(targetID, sender string) bool {
	norm := func(s string) string { return strings.ToLower(strings.TrimPrefix(s, "+")) }
	return norm(targetID) == norm(sender)
}

func (gw *Gateway) deliver(ctx context.Context, conversationID, text string, at time.Time) error {
	gw.Transcripts.AddInbound(conversationID, text, at)
	gw.Entries.OnUserReply(conversationID)
	err := gw.Machine.OnCustomerMessage(ctx, conversationID, text)
	switch {
	case err == nil:
	case errors.Is(err, script.ErrNotRunning):
		slog.Debug("customer message while conversation is not running", "conversation_id", conversationID)
	default:
		slog.Warn("customer message not handled", "conversation_id", conversationID, "error", err)
	}
	return err
}

// PostMessage injects a customer message as if it arrived on a channel.
func (gw *Gateway) PostMessage(ctx context.Context, conversationID, text string) error {
	st, err := gw.Machine.State(conversationID)
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		return fmt.Errorf("message for %s (status %s): %w", conversationID, st.Status, script.ErrNotRunning)
	}
	err = gw.deliver(ctx, conversationID, text, gw.clock.Now())
	if errors.Is(err, script.ErrNotRunning) {
		return nil
	}
	return err
}

// CancelConversation cancels the conversation and stops its entry session.
func (gw *Gateway) CancelConversation(conversationID string) error {
	st, err := gw.Machine.State(conversationID)
	if err != nil {
		return err
	}
	if err := gw.Machine.Cancel(conversationID); err != nil {
		return err
	}
	if st.SessionID != "" {
		// the archive hook may have stopped it already
		if err := gw.Entries.Stop(st.SessionID); err != nil && !errors.Is(err, entry.ErrBadState) {
			slog.Warn("failed to stop entry session", "session_id", st.SessionID, "error", err)
		}
	}
	return nil
}

// StopSession stops an entry session and cancels its conversation.
func (gw *Gateway) StopSession(sessionID string) error {
	s, err := gw.Entries.Get(sessionID)
	if err != nil {
		return err
	}
	if err := gw.Entries.Stop(sessionID); err != nil {
		return err
	}
	if st, err := gw.Machine.State(s.ConversationID); err == nil && !st.Status.Terminal() {
		return gw.Machine.Cancel(s.ConversationID)
	}
	return nil
}

// Stats summarizes the engine for the API and the monitor.
type Stats struct {
	Scheduler     scheduler.Stats `json:"scheduler"`
	Conversations map[string]int  `json:"conversations"`
	Sessions      map[string]int  `json:"sessions"`
	Channels      []string        `json:"channels"`
	Scripts       int             `json:"scripts"`
}

func (gw *Gateway) Stats() Stats {
	s := Stats{
		Scheduler:     gw.Scheduler.Stats(),
		Conversations: make(map[string]int),
		Sessions:      make(map[string]int),
		Channels:      gw.Router.Names(),
	}
	for _, st := range gw.Machine.List() {
		s.Conversations[string(st.Status)]++
	}
	for _, sess := range gw.Entries.List() {
		s.Sessions[string(sess.Status)]++
	}
	gw.mu.RLock()
	s.Scripts = len(gw.scripts)
	gw.mu.RUnlock()
	return s
}
