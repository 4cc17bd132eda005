package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"troupe-main/src/internal/events"
	"troupe-main/src/internal/tasks"

	_ "github.com/mattn/go-sqlite3"
)

// History is the SQLite audit trail of finished tasks, engine events and
// conversation outcomes. Outcomes feed the matcher's success rates.
type History struct {
	db *sql.DB
}

func NewHistory(dsn string) (*History, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if strings.Contains(dsn, ":memory:") {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	h := &History{db: db}
	if err := h.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}
	return h, nil
}

func (h *History) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS task_history (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			session_id TEXT,
			role_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			content TEXT NOT NULL,
			source TEXT NOT NULL,
			stage_id TEXT,
			status TEXT NOT NULL,
			error TEXT,
			scheduled_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_history_conv ON task_history(conversation_id, scheduled_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			conversation_id TEXT,
			session_id TEXT,
			task_id TEXT,
			role_id TEXT,
			payload TEXT,
			at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_conv ON events(conversation_id, at)`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			conversation_id TEXT NOT NULL,
			role_id TEXT NOT NULL,
			archetype TEXT NOT NULL,
			account_id TEXT NOT NULL,
			status TEXT NOT NULL,
			finished_at INTEGER NOT NULL,
			PRIMARY KEY (conversation_id, role_id)
		)`,
	}
	for _, m := range migrations {
		if _, err := h.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (h *History) Close() error {
	return h.db.Close()
}

// RecordTask stores a finished task. Re-recording the same id overwrites it.
func (h *History) RecordTask(ctx context.Context, t tasks.Task) error {
	_, err := h.db.ExecContext(ctx, `INSERT OR REPLACE INTO task_history
		(id, conversation_id, session_id, role_id, account_id, target_id, content, source, stage_id, status, error, scheduled_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ConversationID, t.SessionID, t.RoleID, t.AccountID, t.TargetID, t.Content,
		string(t.Source), t.StageID, string(t.Status), t.Error,
		t.ScheduledTime.UnixNano(), t.Finished.UnixNano())
	if err != nil {
		return fmt.Errorf("record task %s: %w", t.ID, err)
	}
	return nil
}

// Tasks returns the finished tasks of a conversation, oldest first.
func (h *History) Tasks(ctx context.Context, conversationID string, limit int) ([]tasks.Task, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := h.db.QueryContext(ctx, `SELECT id, conversation_id, session_id, role_id, account_id, target_id,
		content, source, stage_id, status, error, scheduled_at, finished_at
		FROM task_history WHERE conversation_id = ? ORDER BY scheduled_at, finished_at LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []tasks.Task
	for rows.Next() {
		var (
			t                   tasks.Task
			session, stage, msg sql.NullString
			source, status      string
			scheduled, finished int64
		)
		if err := rows.Scan(&t.ID, &t.ConversationID, &session, &t.RoleID, &t.AccountID, &t.TargetID,
			&t.Content, &source, &stage, &status, &msg, &scheduled, &finished); err != nil {
			return nil, err
		}
		t.SessionID = session.String
		t.StageID = stage.String
		t.Error = msg.String
		t.Source = tasks.Source(source)
		t.Status = tasks.Status(status)
		t.ScheduledTime = time.Unix(0, scheduled).UTC()
		t.Finished = time.Unix(0, finished).UTC()
		res = append(res, t)
	}
	return res, rows.Err()
}

// Handle stores an event. It makes History usable as an events.Sink.
func (h *History) Handle(evt events.Event) error {
	var payload []byte
	if len(evt.Payload) > 0 {
		var err error
		if payload, err = json.Marshal(evt.Payload); err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
	}
	_, err := h.db.Exec(`INSERT OR IGNORE INTO events (id, type, conversation_id, session_id, task_id, role_id, payload, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, string(evt.Type), evt.ConversationID, evt.SessionID, evt.TaskID, evt.RoleID, string(payload), evt.At.UnixNano())
	return err
}

// Events returns the most recent events, newest last. An empty conversation
// id returns events of every conversation.
func (h *History) Events(ctx context.Context, conversationID string, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, type, conversation_id, session_id, task_id, role_id, payload, at FROM events`
	var args []any
	if conversationID != "" {
		query += ` WHERE conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []events.Event
	for rows.Next() {
		var (
			e                           events.Event
			typ                         string
			conv, sess, task, role, pay sql.NullString
			at                          int64
		)
		if err := rows.Scan(&e.ID, &typ, &conv, &sess, &task, &role, &pay, &at); err != nil {
			return nil, err
		}
		e.Type = events.Type(typ)
		e.ConversationID = conv.String
		e.SessionID = sess.String
		e.TaskID = task.String
		e.RoleID = role.String
		e.At = time.Unix(0, at).UTC()
		if pay.String != "" {
			if err := json.Unmarshal([]byte(pay.String), &e.Payload); err != nil {
				slog.Warn("undecodable event payload", "event_id", e.ID, "error", err)
			}
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(res)
	return res, nil
}

type OutcomeRole struct {
	RoleID    string
	Archetype string
	AccountID string
}

// Outcome is how a finished conversation ended for each role that took part.
type Outcome struct {
	ConversationID string
	Status         string
	FinishedAt     time.Time
	Roles          []OutcomeRole
}

func (h *History) RecordOutcome(ctx context.Context, o Outcome) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, r := range o.Roles {
		archetype := r.Archetype
		if archetype == "" {
			archetype = r.RoleID
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO outcomes
			(conversation_id, role_id, archetype, account_id, status, finished_at) VALUES (?, ?, ?, ?, ?, ?)`,
			o.ConversationID, r.RoleID, archetype, r.AccountID, o.Status, o.FinishedAt.UnixNano()); err != nil {
			return fmt.Errorf("record outcome %s/%s: %w", o.ConversationID, r.RoleID, err)
		}
	}
	return tx.Commit()
}

// SuccessRates returns, per account and archetype, the share of completed
// conversations among completed and failed ones. Cancelled conversations do
// not count.
func (h *History) SuccessRates(ctx context.Context) (map[string]map[string]float64, error) {
	rows, err := h.db.QueryContext(ctx, `SELECT account_id, archetype,
		SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), COUNT(*)
		FROM outcomes WHERE status IN ('completed', 'failed') GROUP BY account_id, archetype`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make(map[string]map[string]float64)
	for rows.Next() {
		var (
			account, archetype string
			ok, total          int
		)
		if err := rows.Scan(&account, &archetype, &ok, &total); err != nil {
			return nil, err
		}
		if total == 0 {
			continue
		}
		if res[account] == nil {
			res[account] = make(map[string]float64)
		}
		res[account][archetype] = float64(ok) / float64(total)
	}
	return res, rows.Err()
}
