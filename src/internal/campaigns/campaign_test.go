package campaigns

import (
	"testing"
	"time"
	"troupe-main/src/internal/matcher"

	"github.com/stretchr/testify/assert"
)

func TestPlanValidate(t *testing.T) {
	ok := Plan{TargetID: "alex", Roles: []PlanRole{{ID: "expert", EntryType: "opener"}, {ID: "fan"}}}
	assert.NoError(t, ok.Validate())

	for name, p := range map[string]Plan{
		"no target":      {Roles: []PlanRole{{ID: "expert"}}},
		"no roles":       {TargetID: "alex"},
		"duplicate role": {TargetID: "alex", Roles: []PlanRole{{ID: "a"}, {ID: "a"}}},
		"empty role id":  {TargetID: "alex", Roles: []PlanRole{{}}},
		"bad entry type": {TargetID: "alex", Roles: []PlanRole{{ID: "a", EntryType: "lurker"}}},
		"two openers":    {TargetID: "alex", Roles: []PlanRole{{ID: "a", EntryType: "opener"}, {ID: "b", EntryType: "opener"}}},
	} {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, p.Validate(), ErrInvalidPlan)
		})
	}
}

func TestMatcherRoles(t *testing.T) {
	p := Plan{Roles: []PlanRole{{ID: "lead", Archetype: "expert", Name: "Dana", OpeningMessage: "hi"}}}
	assert.Equal(t, []matcher.Role{{ID: "lead", Archetype: "expert", Name: "Dana"}}, p.MatcherRoles())
}

func TestNewCampaign(t *testing.T) {
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	c := New("weekly", "0 0 9 * * MON", Plan{TargetID: "alex"}, now)
	assert.Regexp(t, `^camp_[0-9a-f]{8}$`, c.ID)
	assert.True(t, c.Active)
	assert.Equal(t, now, c.Created)
}
