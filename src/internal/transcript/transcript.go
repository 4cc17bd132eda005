// Package transcript keeps the running text of each conversation: what the
// target wrote and what every persona sent. It is the history handed to text
// generation.
package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
	"troupe-main/src/internal/tasks"
	"troupe-main/src/internal/textgen"
)

// TargetSpeaker marks lines written by the target.
const TargetSpeaker = "target"

const DefaultMaxTurns = 40

type Line struct {
	From      string    `json:"from"`
	AccountID string    `json:"account_id,omitempty"`
	Text      string    `json:"text"`
	TaskID    string    `json:"task_id,omitempty"`
	At        time.Time `json:"at"`
}

type Transcript struct {
	ConversationID string `json:"conversation_id"`
	Lines          []Line `json:"lines"`
	mu             sync.RWMutex
}

type Archived struct {
	ConversationID string    `json:"conversation_id"`
	Lines          []Line    `json:"lines"`
	ArchivedAt     time.Time `json:"archived_at"`
}

func (t *Transcript) toArchive(at time.Time) Archived {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Archived{
		ConversationID: t.ConversationID,
		Lines:          slices.Clone(t.Lines),
		ArchivedAt:     at,
	}
}

// Manager holds the live transcripts. It observes the scheduler so every
// delivered task lands in its conversation.
type Manager struct {
	transcripts map[string]*Transcript
	maxTurns    int
	mu          sync.RWMutex
}

// NewManager returns a manager whose Turns returns at most maxTurns lines.
func NewManager(maxTurns int) *Manager {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Manager{
		transcripts: make(map[string]*Transcript),
		maxTurns:    maxTurns,
	}
}

func (m *Manager) GetOrCreate(conversationID string) *Transcript {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.transcripts[conversationID]; ok {
		return t
	}
	t := &Transcript{ConversationID: conversationID}
	m.transcripts[conversationID] = t
	return t
}

func (m *Manager) Append(conversationID string, line Line) {
	t := m.GetOrCreate(conversationID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Lines = append(t.Lines, line)
}

// AddInbound records a message from the target.
func (m *Manager) AddInbound(conversationID, text string, at time.Time) {
	m.Append(conversationID, Line{From: TargetSpeaker, Text: text, At: at})
}

func (m *Manager) TaskCompleted(t tasks.Task) {
	m.Append(t.ConversationID, Line{
		From:      t.RoleID,
		AccountID: t.AccountID,
		Text:      t.Content,
		TaskID:    t.ID,
		At:        t.Finished,
	})
}

// TaskFailed is a no-op: undelivered text is not part of the conversation.
func (m *Manager) TaskFailed(tasks.Task) {}

// Lines returns a copy of the full transcript.
func (m *Manager) Lines(conversationID string) []Line {
	m.mu.RLock()
	t, ok := m.transcripts[conversationID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.Lines)
}

// Turns returns the most recent lines as generation history.
func (m *Manager) Turns(conversationID string) []textgen.Turn {
	lines := m.Lines(conversationID)
	if len(lines) > m.maxTurns {
		lines = lines[len(lines)-m.maxTurns:]
	}
	turns := make([]textgen.Turn, 0, len(lines))
	for _, l := range lines {
		turns = append(turns, textgen.Turn{From: l.From, Text: l.Text})
	}
	return turns
}

func (m *Manager) ListIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.transcripts))
	for id := range m.transcripts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Restore installs previously archived lines, replacing any live transcript.
func (m *Manager) Restore(a Archived) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcripts[a.ConversationID] = &Transcript{ConversationID: a.ConversationID, Lines: slices.Clone(a.Lines)}
}

// Archive writes the transcript to dir and drops it from memory.
func (m *Manager) Archive(conversationID, dir string, now time.Time) (string, error) {
	m.mu.Lock()
	t, ok := m.transcripts[conversationID]
	if ok {
		delete(m.transcripts, conversationID)
	}
	m.mu.Unlock()
	if !ok {
		return "", nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	ts := now.UTC().Format("2006-01-02-15-04-05Z")
	path := filepath.Join(dir, fmt.Sprintf("transcript-%s.%s.json", conversationID, ts))

	data, err := json.MarshalIndent(t.toArchive(now), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write file %s: %w", path, err)
	}
	return path, nil
}

// Snapshot writes the live transcript without dropping it.
func (m *Manager) Snapshot(conversationID, dir string, now time.Time) error {
	m.mu.RLock()
	t, ok := m.transcripts[conversationID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(t.toArchive(now), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, conversationID+".json"), data, 0644)
}

// RemoveSnapshot deletes the snapshot Snapshot wrote, if any.
func RemoveSnapshot(conversationID, dir string) error {
	err := os.Remove(filepath.Join(dir, conversationID+".json"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// LoadSnapshots reads every live snapshot written by Snapshot.
func LoadSnapshots(dir string) ([]Archived, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var res []Archived
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var a Archived
		if err := json.Unmarshal(data, &a); err == nil && a.ConversationID != "" {
			res = append(res, a)
		}
	}
	return res, nil
}
