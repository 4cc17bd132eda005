package script

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const demoYAML = `
id: demo
name: Demo pitch
goal: get a trial signup
variables:
  product: Widget
stages:
  - id: warmup
    order: 1
    trigger: {kind: time, delay_seconds: 60}
    messages:
      - role_id: expert
        content: {kind: text, text: "Anyone tried {{product}}?"}
        timing: {delay_after_previous: 5, random_delay: {min: 1, max: 3}}
  - id: pricing
    order: 2
    trigger: {kind: keyword, keywords: [price, discount]}
    failure_action: skip
    success_conditions: [sign up]
    messages:
      - role_id: fan
        content: {kind: ai_generate, ai_prompt: "say it was cheap", text: "it was cheap"}
        timing: {delay_after_previous: 0}
      - role_id: expert
        content: {kind: template, text: "Ask me, {{target}}"}
        timing: {delay_after_previous: 12.5}
  - id: close
    order: 3
    trigger: {kind: manual}
    messages: []
`

func TestParseYAML(t *testing.T) {
	sc, err := ParseYAML([]byte(demoYAML))
	require.NoError(t, err)

	assert.Equal(t, "demo", sc.ID)
	assert.Equal(t, map[string]string{"product": "Widget"}, sc.Variables)
	require.Len(t, sc.Stages, 3)

	warm := sc.Stages[0]
	assert.Equal(t, TimeTrigger{Delay: time.Minute}, warm.Trigger)
	require.Len(t, warm.Messages, 1)
	assert.Equal(t, Timing{DelayAfterPrevious: 5 * time.Second, Random: &RandomDelay{Min: time.Second, Max: 3 * time.Second}}, warm.Messages[0].Timing)

	pricing := sc.Stages[1]
	assert.Equal(t, KeywordTrigger{Keywords: []string{"price", "discount"}}, pricing.Trigger)
	assert.Equal(t, FailureSkip, pricing.FailureAction)
	assert.Equal(t, AIContent{Prompt: "say it was cheap", Fallback: "it was cheap"}, pricing.Messages[0].Content)
	assert.Equal(t, TemplateContent{Template: "Ask me, {{target}}"}, pricing.Messages[1].Content)
	assert.Equal(t, 12500*time.Millisecond, pricing.Messages[1].Timing.DelayAfterPrevious)

	assert.Equal(t, ManualTrigger{}, sc.Stages[2].Trigger)
	assert.Equal(t, []string{"expert", "fan"}, sc.Roles())
}

func TestStageJSONShape(t *testing.T) {
	sc, err := ParseYAML([]byte(demoYAML))
	require.NoError(t, err)

	data, err := json.Marshal(sc.Stages[1])
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, map[string]any{"kind": "keyword", "keywords": []any{"price", "discount"}}, raw["trigger"])

	data, err = json.Marshal(sc)
	require.NoError(t, err)
	var back Script
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, sc.Stages, back.Stages)
}

func TestParseYAMLRejectsBadScripts(t *testing.T) {
	tests := map[string]string{
		"unknown trigger": `
id: x
stages:
  - {id: a, order: 1, trigger: {kind: sometimes}}`,
		"unknown content": `
id: x
stages:
  - id: a
    order: 1
    trigger: {kind: manual}
    messages:
      - {role_id: r, content: {kind: video}}`,
		"order not increasing": `
id: x
stages:
  - {id: a, order: 2, trigger: {kind: manual}}
  - {id: b, order: 2, trigger: {kind: manual}}`,
		"keyword without words": `
id: x
stages:
  - {id: a, order: 1, trigger: {kind: keyword}}`,
		"bad failure action": `
id: x
stages:
  - {id: a, order: 1, trigger: {kind: manual}, failure_action: explode}`,
		"random range inverted": `
id: x
stages:
  - id: a
    order: 1
    trigger: {kind: manual}
    messages:
      - {role_id: r, content: {kind: text, text: hi}, timing: {delay_after_previous: 0, random_delay: {min: 5, max: 1}}}`,
		"missing id": `
stages: []`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestKeywordMatchingIgnoresCase(t *testing.T) {
	kw := KeywordTrigger{Keywords: []string{"price", " Discount "}}
	assert.True(t, kw.Matches("any DISCOUNT left?"))
	assert.True(t, kw.Matches("what's the price"))
	assert.False(t, kw.Matches("hello there"))
	assert.False(t, KeywordTrigger{Keywords: []string{""}}.Matches("anything"))
}
