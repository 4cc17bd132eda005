package textgen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"troupe-main/src/internal/config"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReply(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Reply
	}{
		{
			name: "bare json",
			raw:  `{"content":"hi there","delay_seconds":12,"should_handoff":false}`,
			want: Reply{Content: "hi there", Delay: 12 * time.Second},
		},
		{
			name: "fenced json",
			raw:  "Sure!\n```json\n{\"content\":\"deal\",\"delay_seconds\":3}\n```",
			want: Reply{Content: "deal", Delay: 3 * time.Second},
		},
		{
			name: "handoff",
			raw:  `{"content":"","should_handoff":true,"handoff_reason":"asks for a call"}`,
			want: Reply{Delay: 20 * time.Second, ShouldHandoff: true, HandoffReason: "asks for a call"},
		},
		{
			name: "plain text",
			raw:  "  just text  ",
			want: Reply{Content: "just text", Delay: 20 * time.Second},
		},
		{
			name: "missing delay uses default",
			raw:  `prefix {"content":"ok"} suffix`,
			want: Reply{Content: "ok", Delay: 20 * time.Second},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseReply(tt.raw, 20*time.Second))
		})
	}
}

type genFunc func(ctx context.Context, req Request) (Reply, error)

func (f genFunc) Generate(ctx context.Context, req Request) (Reply, error) { return f(ctx, req) }

func TestGuardReturnsReply(t *testing.T) {
	g := NewGuard(genFunc(func(ctx context.Context, req Request) (Reply, error) {
		return Reply{Content: "hello " + req.Role.ID, Delay: time.Second}, nil
	}), time.Second, "fallback", 5*time.Second)

	r, err := g.Generate(context.Background(), Request{Role: Role{ID: "expert"}})
	require.NoError(t, err)
	assert.Equal(t, "hello expert", r.Content)
}

func TestGuardFallsBackOnTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	g := NewGuard(genFunc(func(ctx context.Context, req Request) (Reply, error) {
		<-block
		return Reply{Content: "too late"}, nil
	}), 10*time.Millisecond, "configured fallback", 5*time.Second)

	r, err := g.Generate(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, Reply{Content: "configured fallback", Delay: 5 * time.Second}, r)

	r, err = g.Generate(context.Background(), Request{Fallback: "message text"})
	require.NoError(t, err)
	assert.Equal(t, "message text", r.Content)
}

func TestGuardWithoutFallbackReturnsError(t *testing.T) {
	g := NewGuard(Unavailable{}, time.Second, "", 0)
	_, err := g.Generate(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestBasicGeneratorUsesFallbackModel(t *testing.T) {
	var models []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		models = append(models, body.Model)
		if body.Model == "broken" {
			http.Error(w, `{"error":{"message":"down"}}`, http.StatusInternalServerError)
			return
		}
		if assert.Len(t, body.Messages, 2) {
			assert.True(t, strings.Contains(body.Messages[0].Content, "satisfied customer"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"{\"content\":\"works great\",\"delay_seconds\":7}"}}]}`))
	}))
	defer srv.Close()

	cfg := &config.Config{
		Models: config.ModelsConfig{Providers: map[string]config.ProviderConfig{
			"local": {BaseURL: srv.URL + "/v1", APIKey: "k"},
		}},
		TextGen: config.TextGenConfig{
			Model:        config.ModelSelection{Primary: "local/broken", Fallbacks: []string{"local/good"}},
			DefaultDelay: time.Second,
		},
	}
	g, err := NewBasicGenerator(cfg)
	require.NoError(t, err)

	r, err := g.Generate(context.Background(), Request{
		Prompt: "say something",
		Role:   Role{ID: "fan", Persona: "A satisfied customer."},
	})
	require.NoError(t, err)
	assert.Equal(t, Reply{Content: "works great", Delay: 7 * time.Second}, r)
	assert.Equal(t, []string{"broken", "good"}, models)
}

func TestBasicGeneratorRequiresKnownProvider(t *testing.T) {
	_, err := NewBasicGenerator(&config.Config{TextGen: config.TextGenConfig{Model: config.ModelSelection{Primary: "nope/x"}}})
	assert.Error(t, err)

	_, err = NewBasicGenerator(&config.Config{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

type fakeChatModel struct {
	got []*schema.Message
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.got = input
	return schema.AssistantMessage(`{"content":"from eino","delay_seconds":2}`, nil), nil
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not supported")
}

func TestEinoGeneratorChain(t *testing.T) {
	cm := &fakeChatModel{}
	g, err := newEinoGenerator(context.Background(), cm, "local/m", time.Second)
	require.NoError(t, err)

	r, err := g.Generate(context.Background(), Request{
		Prompt:  "continue",
		Role:    Role{ID: "expert", Name: "Dana"},
		History: []Turn{{From: "customer", Text: "how much?"}},
	})
	require.NoError(t, err)
	assert.Equal(t, Reply{Content: "from eino", Delay: 2 * time.Second}, r)
	require.Len(t, cm.got, 2)
	assert.Contains(t, cm.got[0].Content, "You are Dana.")
	assert.Contains(t, cm.got[1].Content, "customer: how much?")
}
