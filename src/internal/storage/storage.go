package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
	"troupe-main/src/internal/campaigns"
	"troupe-main/src/internal/entry"
	"troupe-main/src/internal/script"
)

var ErrNotFound = errors.New("not found")

const (
	conversationsDir = "conversations"
	sessionsDir      = "sessions"
	campaignsDir     = "campaigns"
	archiveDir       = "archive"
	transcriptsDir   = "transcripts"
)

// Storage keeps engine state as JSON files under one base directory.
type Storage struct {
	baseDir    string
	scriptsDir string
	mu         sync.RWMutex
}

type CronTxtJob struct {
	Spec     string
	PlanFile string
}

func New(baseDir, scriptsDir string) (*Storage, error) {
	if scriptsDir == "" {
		scriptsDir = filepath.Join(baseDir, "scripts")
	}
	for _, dir := range []string{
		baseDir,
		scriptsDir,
		filepath.Join(baseDir, conversationsDir),
		filepath.Join(baseDir, sessionsDir),
		filepath.Join(baseDir, campaignsDir),
		filepath.Join(baseDir, archiveDir),
		filepath.Join(baseDir, transcriptsDir),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	return &Storage{baseDir: baseDir, scriptsDir: scriptsDir}, nil
}

func (s *Storage) GetBaseDir() string {
	return s.baseDir
}

func (s *Storage) ScriptsDir() string {
	return s.scriptsDir
}

// TranscriptsDir holds live transcript snapshots.
func (s *Storage) TranscriptsDir() string {
	return filepath.Join(s.baseDir, transcriptsDir)
}

// ArchiveDir holds finished conversations and their transcripts.
func (s *Storage) ArchiveDir() string {
	return filepath.Join(s.baseDir, archiveDir)
}

func (s *Storage) SaveState(name string, state any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.baseDir, name+".json"), state)
}

func (s *Storage) LoadState(name string, state any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := filepath.Join(s.baseDir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, state)
}

func (s *Storage) SaveConversation(st script.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.baseDir, conversationsDir, st.ConversationID+".json"), st)
}

// ArchiveConversation moves a finished conversation out of the live set.
func (s *Storage) ArchiveConversation(st script.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := st.FinishedAt.UTC().Format("2006-01-02-15-04-05Z")
	path := filepath.Join(s.baseDir, archiveDir, fmt.Sprintf("conversation-%s.%s.json", st.ConversationID, ts))
	if err := writeJSON(path, st); err != nil {
		return err
	}
	live := filepath.Join(s.baseDir, conversationsDir, st.ConversationID+".json")
	if err := os.Remove(live); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Storage) LoadConversations() ([]script.State, error) {
	return loadAll[script.State](s, conversationsDir)
}

func (s *Storage) SaveSession(sess entry.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.baseDir, sessionsDir, sess.ID+".json"), sess)
}

func (s *Storage) LoadSessions() ([]entry.Session, error) {
	return loadAll[entry.Session](s, sessionsDir)
}

func (s *Storage) SaveCampaign(c *campaigns.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.baseDir, campaignsDir, c.ID+".json"), c)
}

func (s *Storage) LoadCampaign(id string) (*campaigns.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, campaignsDir, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	var c campaigns.Campaign
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Storage) ListCampaigns() ([]*campaigns.Campaign, error) {
	list, err := loadAll[campaigns.Campaign](s, campaignsDir)
	if err != nil {
		return nil, err
	}
	res := make([]*campaigns.Campaign, len(list))
	for i := range list {
		res[i] = &list[i]
	}
	slices.SortFunc(res, func(a, b *campaigns.Campaign) int { return a.Created.Compare(b.Created) })
	return res, nil
}

func (s *Storage) DeleteCampaign(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(filepath.Join(s.baseDir, campaignsDir, id+".json"))
	if os.IsNotExist(err) {
		return fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return err
}

// LoadCronTxt reads campaigns.txt: one "<6-field cron spec> <plan file>" per
// line. Plan files are resolved relative to the storage directory.
func (s *Storage) LoadCronTxt() ([]CronTxtJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := filepath.Join(s.baseDir, "campaigns.txt")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var jobs []CronTxtJob
	for line := range strings.Lines(string(data)) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 7 {
			continue
		}
		plan := fields[6]
		if !filepath.IsAbs(plan) {
			plan = filepath.Join(s.baseDir, plan)
		}
		jobs = append(jobs, CronTxtJob{Spec: strings.Join(fields[:6], " "), PlanFile: plan})
	}
	return jobs, nil
}

func loadAll[T any](s *Storage, sub string) ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.baseDir, sub)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var res []T
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var v T
		if err := json.Unmarshal(data, &v); err == nil {
			res = append(res, v)
		}
	}
	return res, nil
}

// writeJSON replaces path atomically.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.%d.tmp", path, time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
