// Package textgen resolves AI-generated message content for personas. It wraps
// chat-completion providers behind a single Generator interface and turns the
// model's answer into a Reply carrying text, pacing and a handoff flag.
package textgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var ErrUnavailable = errors.New("text generation unavailable")

// Role describes the persona a message is written for.
type Role struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Persona   string `json:"persona,omitempty"`
	EntryType string `json:"entry_type,omitempty"`
}

// Target describes who the conversation is aimed at.
type Target struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Goal string `json:"goal,omitempty"`
}

// Turn is one line of conversation history.
type Turn struct {
	From string `json:"from"`
	Text string `json:"text"`
}

type Request struct {
	Prompt  string
	Role    Role
	Target  Target
	History []Turn
	// Fallback is used by Guard when generation fails. Empty means the guard's
	// configured fallback text.
	Fallback string
}

type Reply struct {
	Content       string        `json:"content"`
	Delay         time.Duration `json:"delay"`
	ShouldHandoff bool          `json:"should_handoff"`
	HandoffReason string        `json:"handoff_reason,omitempty"`
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Reply, error)
}

// Unavailable is used when no provider is configured.
type Unavailable struct{}

func (Unavailable) Generate(context.Context, Request) (Reply, error) {
	return Reply{}, ErrUnavailable
}

const replyFormat = `Answer with a single JSON object and nothing else:
{"content": "<message text>", "delay_seconds": <seconds to wait before sending>, "should_handoff": <true if a human must take over>, "handoff_reason": "<why>"}`

func systemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You write chat messages for one participant of a group conversation on a messaging app.\n")
	if req.Role.Name != "" {
		fmt.Fprintf(&b, "You are %s.", req.Role.Name)
	} else {
		fmt.Fprintf(&b, "You play the role %q.", req.Role.ID)
	}
	if req.Role.Persona != "" {
		b.WriteString(" " + req.Role.Persona)
	}
	b.WriteString("\n")
	if req.Role.EntryType != "" {
		fmt.Fprintf(&b, "Your part in the conversation: %s.\n", req.Role.EntryType)
	}
	if req.Target.Name != "" {
		fmt.Fprintf(&b, "The person you are talking to is %s.\n", req.Target.Name)
	}
	if req.Target.Goal != "" {
		fmt.Fprintf(&b, "Conversation goal: %s\n", req.Target.Goal)
	}
	b.WriteString("Keep messages short and natural. Never reveal that you follow a plan.\n")
	b.WriteString(replyFormat)
	return b.String()
}

func userPrompt(req Request) string {
	if len(req.History) == 0 {
		return req.Prompt
	}
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, t := range req.History {
		fmt.Fprintf(&b, "%s: %s\n", t.From, t.Text)
	}
	b.WriteString("\n")
	b.WriteString(req.Prompt)
	return b.String()
}

var jsonFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

type wireReply struct {
	Content       string   `json:"content"`
	DelaySeconds  *float64 `json:"delay_seconds"`
	ShouldHandoff bool     `json:"should_handoff"`
	HandoffReason string   `json:"handoff_reason"`
}

// ParseReply reads the model answer. Fenced or bare JSON is decoded; anything
// else is taken as plain message text sent after defaultDelay.
func ParseReply(raw string, defaultDelay time.Duration) Reply {
	raw = strings.TrimSpace(raw)
	candidates := []string{raw}
	if m := jsonFenceRe.FindStringSubmatch(raw); len(m) > 1 {
		candidates = append([]string{strings.TrimSpace(m[1])}, candidates...)
	}
	if i, j := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); i >= 0 && j > i {
		candidates = append(candidates, raw[i:j+1])
	}

	for _, c := range candidates {
		var w wireReply
		if err := json.Unmarshal([]byte(c), &w); err != nil || (w.Content == "" && !w.ShouldHandoff) {
			continue
		}
		r := Reply{
			Content:       strings.TrimSpace(w.Content),
			Delay:         defaultDelay,
			ShouldHandoff: w.ShouldHandoff,
			HandoffReason: w.HandoffReason,
		}
		if w.DelaySeconds != nil && *w.DelaySeconds >= 0 {
			r.Delay = time.Duration(*w.DelaySeconds * float64(time.Second))
		}
		return r
	}
	return Reply{Content: raw, Delay: defaultDelay}
}

// splitModel splits "provider/model".
func splitModel(modelStr string) (string, string, error) {
	parts := strings.SplitN(modelStr, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid model format %q, expected provider/model", modelStr)
	}
	return parts[0], parts[1], nil
}
