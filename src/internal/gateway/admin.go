package gateway

import (
	"context"
	"time"
	"troupe-main/src/internal/campaigns"
	"troupe-main/src/internal/config"
	"troupe-main/src/internal/cron"
)

// Now reads the engine clock.
func (gw *Gateway) Now() time.Time {
	return gw.clock.Now()
}

func (gw *Gateway) ChannelStatus() map[string]map[string]any {
	return gw.Router.Status()
}

func (gw *Gateway) ChannelEnroll(ctx context.Context, channel, account string) error {
	return gw.Router.Enroll(ctx, channel, account)
}

// UpdateConfig swaps the config used for plan defaults. Engine, channel and
// model settings apply on the next start.
func (gw *Gateway) UpdateConfig(newCfg *config.Config) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	gw.Config = newCfg
}

func (gw *Gateway) CurrentConfig() *config.Config {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	return gw.Config
}

func (gw *Gateway) ListCampaigns() ([]*campaigns.Campaign, error) {
	return gw.Storage.ListCampaigns()
}

func (gw *Gateway) GetCampaign(id string) (*campaigns.Campaign, error) {
	return gw.Storage.LoadCampaign(id)
}

// SaveCampaign stores a new or edited campaign and (re)schedules it.
func (gw *Gateway) SaveCampaign(c *campaigns.Campaign) error {
	if err := cron.Validate(c.CronExpression); err != nil {
		return err
	}
	if err := c.Plan.Validate(); err != nil {
		return err
	}
	if err := gw.Storage.SaveCampaign(c); err != nil {
		return err
	}
	return gw.cronMgr.AddCampaign(c)
}

func (gw *Gateway) DeleteCampaign(id string) error {
	if err := gw.Storage.DeleteCampaign(id); err != nil {
		return err
	}
	gw.cronMgr.RemoveCampaign(id)
	return nil
}

func (gw *Gateway) RunCampaign(id string) (string, error) {
	return gw.cronMgr.RunNow(id)
}

func (gw *Gateway) NextCampaignRun(id string) (time.Time, bool) {
	return gw.cronMgr.NextRun(id)
}
