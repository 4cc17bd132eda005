// Package cron fires campaigns on their schedules. A firing launches the
// campaign's plan as a new conversation.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
	"troupe-main/src/internal/campaigns"
	"troupe-main/src/internal/clock"
	"troupe-main/src/internal/storage"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

var ErrInvalidSchedule = errors.New("invalid cron expression")

// LaunchFunc starts one conversation for a plan and returns its id.
type LaunchFunc func(ctx context.Context, plan campaigns.Plan) (string, error)

type CronManager struct {
	st       *storage.Storage
	clock    clock.Clock
	launchFn LaunchFunc
	c        *cron.Cron
	jobs     map[string]cron.EntryID
	mu       sync.RWMutex
}

func NewCronManager(st *storage.Storage, clk clock.Clock, launchFn LaunchFunc) *CronManager {
	return &CronManager{
		st:       st,
		clock:    clk,
		launchFn: launchFn,
		c:        cron.New(cron.WithSeconds()),
		jobs:     make(map[string]cron.EntryID),
	}
}

// Start schedules campaigns.txt entries and every active stored campaign.
func (m *CronManager) Start() {
	legacyJobs, err := m.st.LoadCronTxt()
	if err != nil {
		slog.Warn("failed to load campaigns.txt on startup", "error", err)
	} else {
		for _, job := range legacyJobs {
			id := "legacy-" + uuid.New().String()[:8]
			m.AddLegacyJob(id, job.Spec, job.PlanFile)
		}
	}

	stored, err := m.st.ListCampaigns()
	if err != nil {
		slog.Warn("failed to load campaigns on startup", "error", err)
	} else {
		for _, c := range stored {
			if c.Active {
				if err := m.AddCampaign(c); err != nil {
					slog.Error("failed to schedule campaign on startup", "campaign_id", c.ID, "error", err)
				}
			}
		}
	}

	m.c.Start()
}

// Stop waits for running launches to return.
func (m *CronManager) Stop() {
	<-m.c.Stop().Done()
}

// AddLegacyJob schedules a plan read from a YAML file at every firing, so
// edits to the file apply without a restart.
func (m *CronManager) AddLegacyJob(id, spec, planFile string) {
	entryID, err := m.c.AddFunc(spec, func() {
		plan, err := loadPlanFile(planFile)
		if err != nil {
			slog.Error("legacy campaign plan unreadable", "job_id", id, "file", planFile, "error", err)
			return
		}
		conv, err := m.launchFn(context.Background(), plan)
		if err != nil {
			slog.Error("legacy campaign launch failed", "job_id", id, "spec", spec, "error", err)
			return
		}
		slog.Info("legacy campaign launched", "job_id", id, "conversation_id", conv)
	})
	if err != nil {
		slog.Error("failed to schedule legacy campaign", "job_id", id, "spec", spec, "error", err)
		return
	}
	m.mu.Lock()
	m.jobs[id] = entryID
	m.mu.Unlock()
}

func loadPlanFile(path string) (campaigns.Plan, error) {
	var plan campaigns.Plan
	data, err := os.ReadFile(path)
	if err != nil {
		return plan, err
	}
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return plan, fmt.Errorf("decode plan: %w", err)
	}
	return plan, plan.Validate()
}

// Validate checks a six-field cron expression.
func Validate(expr string) error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}
	return nil
}

// AddCampaign (re)schedules c. Inactive campaigns are only unscheduled.
func (m *CronManager) AddCampaign(c *campaigns.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entryID, ok := m.jobs[c.ID]; ok {
		m.c.Remove(entryID)
		delete(m.jobs, c.ID)
	}
	if !c.Active {
		return nil
	}

	id := c.ID
	entryID, err := m.c.AddFunc(c.CronExpression, func() {
		m.runCampaign(id)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule campaign %s: %w", c.ID, err)
	}
	m.jobs[c.ID] = entryID
	return nil
}

func (m *CronManager) RemoveCampaign(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entryID, ok := m.jobs[id]; ok {
		m.c.Remove(entryID)
		delete(m.jobs, id)
	}
}

// NextRun reports when a scheduled campaign fires next.
func (m *CronManager) NextRun(id string) (time.Time, bool) {
	m.mu.RLock()
	entryID, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	return m.c.Entry(entryID).Next, true
}

// RunNow fires a campaign outside its schedule.
func (m *CronManager) RunNow(id string) (string, error) {
	return m.runCampaign(id)
}

func (m *CronManager) runCampaign(id string) (string, error) {
	// the stored copy wins so API edits apply to the next firing
	c, err := m.st.LoadCampaign(id)
	if err != nil {
		slog.Error("campaign vanished", "campaign_id", id, "error", err)
		return "", err
	}
	slog.Info("running campaign", "campaign_id", c.ID, "name", c.Name)

	conv, err := m.launchFn(context.Background(), c.Plan)
	c.LastRun = m.clock.Now()
	c.LastError = ""
	if err != nil {
		c.LastError = err.Error()
		slog.Error("campaign launch failed", "campaign_id", c.ID, "error", err)
	} else {
		slog.Info("campaign launched", "campaign_id", c.ID, "conversation_id", conv)
	}
	if serr := m.st.SaveCampaign(c); serr != nil {
		slog.Warn("failed to update campaign last_run", "campaign_id", c.ID, "error", serr)
	}
	return conv, err
}
