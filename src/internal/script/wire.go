package script

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Stages are stored as JSON (API, storage) and YAML (script files) with the
// same flat shape: durations in seconds and a "kind" tag on triggers and content.

type wireTrigger struct {
	Kind         TriggerKind `json:"kind" yaml:"kind"`
	DelaySeconds float64     `json:"delay_seconds,omitempty" yaml:"delay_seconds,omitempty"`
	Keywords     []string    `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

type wireContent struct {
	Kind     ContentKind `json:"kind" yaml:"kind"`
	Text     string      `json:"text,omitempty" yaml:"text,omitempty"`
	AIPrompt string      `json:"ai_prompt,omitempty" yaml:"ai_prompt,omitempty"`
}

type wireRandom struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

type wireTiming struct {
	DelayAfterPrevious float64     `json:"delay_after_previous" yaml:"delay_after_previous"`
	RandomDelay        *wireRandom `json:"random_delay,omitempty" yaml:"random_delay,omitempty"`
}

type wireMessage struct {
	RoleID  string      `json:"role_id" yaml:"role_id"`
	Content wireContent `json:"content" yaml:"content"`
	Timing  wireTiming  `json:"timing" yaml:"timing"`
}

type wireStage struct {
	ID                string        `json:"id" yaml:"id"`
	Name              string        `json:"name,omitempty" yaml:"name,omitempty"`
	Order             int           `json:"order" yaml:"order"`
	Trigger           wireTrigger   `json:"trigger" yaml:"trigger"`
	Messages          []wireMessage `json:"messages" yaml:"messages"`
	SuccessConditions []string      `json:"success_conditions,omitempty" yaml:"success_conditions,omitempty"`
	FailureAction     FailureAction `json:"failure_action,omitempty" yaml:"failure_action,omitempty"`
}

func seconds(d time.Duration) float64 { return d.Seconds() }

func duration(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

func (s Stage) toWire() wireStage {
	w := wireStage{
		ID:                s.ID,
		Name:              s.Name,
		Order:             s.Order,
		SuccessConditions: s.SuccessConditions,
		FailureAction:     s.FailureAction,
	}
	switch tr := s.Trigger.(type) {
	case TimeTrigger:
		w.Trigger = wireTrigger{Kind: TriggerTime, DelaySeconds: seconds(tr.Delay)}
	case KeywordTrigger:
		w.Trigger = wireTrigger{Kind: TriggerKeyword, Keywords: tr.Keywords}
	case nil:
	default:
		w.Trigger = wireTrigger{Kind: tr.Kind()}
	}
	for _, m := range s.Messages {
		wm := wireMessage{RoleID: m.RoleID, Timing: wireTiming{DelayAfterPrevious: seconds(m.Timing.DelayAfterPrevious)}}
		if r := m.Timing.Random; r != nil {
			wm.Timing.RandomDelay = &wireRandom{Min: seconds(r.Min), Max: seconds(r.Max)}
		}
		switch c := m.Content.(type) {
		case TextContent:
			wm.Content = wireContent{Kind: ContentText, Text: c.Text}
		case AIContent:
			wm.Content = wireContent{Kind: ContentAIGenerate, AIPrompt: c.Prompt, Text: c.Fallback}
		case TemplateContent:
			wm.Content = wireContent{Kind: ContentTemplate, Text: c.Template}
		}
		w.Messages = append(w.Messages, wm)
	}
	return w
}

func (w wireStage) toStage() (Stage, error) {
	s := Stage{
		ID:                w.ID,
		Name:              w.Name,
		Order:             w.Order,
		SuccessConditions: w.SuccessConditions,
		FailureAction:     w.FailureAction,
	}
	switch w.Trigger.Kind {
	case TriggerTime:
		s.Trigger = TimeTrigger{Delay: duration(w.Trigger.DelaySeconds)}
	case TriggerMessage:
		s.Trigger = MessageTrigger{}
	case TriggerKeyword:
		s.Trigger = KeywordTrigger{Keywords: w.Trigger.Keywords}
	case TriggerManual:
		s.Trigger = ManualTrigger{}
	default:
		return Stage{}, fmt.Errorf("stage %q: unknown trigger kind %q", w.ID, w.Trigger.Kind)
	}
	for i, wm := range w.Messages {
		m := StageMessage{RoleID: wm.RoleID, Timing: Timing{DelayAfterPrevious: duration(wm.Timing.DelayAfterPrevious)}}
		if r := wm.Timing.RandomDelay; r != nil {
			m.Timing.Random = &RandomDelay{Min: duration(r.Min), Max: duration(r.Max)}
		}
		switch wm.Content.Kind {
		case ContentText:
			m.Content = TextContent{Text: wm.Content.Text}
		case ContentAIGenerate:
			m.Content = AIContent{Prompt: wm.Content.AIPrompt, Fallback: wm.Content.Text}
		case ContentTemplate:
			m.Content = TemplateContent{Template: wm.Content.Text}
		default:
			return Stage{}, fmt.Errorf("stage %q message %d: unknown content kind %q", w.ID, i, wm.Content.Kind)
		}
		s.Messages = append(s.Messages, m)
	}
	return s, nil
}

func (s Stage) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.toWire())
}

func (s *Stage) UnmarshalJSON(data []byte) error {
	var w wireStage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	st, err := w.toStage()
	if err != nil {
		return err
	}
	*s = st
	return nil
}

func (s Stage) MarshalYAML() (any, error) {
	return s.toWire(), nil
}

func (s *Stage) UnmarshalYAML(value *yaml.Node) error {
	var w wireStage
	if err := value.Decode(&w); err != nil {
		return err
	}
	st, err := w.toStage()
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseYAML decodes and validates one script document.
func ParseYAML(data []byte) (*Script, error) {
	var sc Script
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("decode script: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}
