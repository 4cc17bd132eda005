package textgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"troupe-main/src/internal/config"

	openai "github.com/sashabaranov/go-openai"
)

// BasicGenerator runs a plain chat completion against the primary model and
// walks the fallbacks in order when it fails.
type BasicGenerator struct {
	clients      map[string]*openai.Client
	primary      string
	fallbacks    []string
	temperature  float32
	defaultDelay time.Duration
}

func NewBasicGenerator(cfg *config.Config) (*BasicGenerator, error) {
	tg := cfg.TextGen
	if tg.Model.Primary == "" {
		return nil, fmt.Errorf("textgen.model.primary: %w", ErrUnavailable)
	}
	b := &BasicGenerator{
		clients:      make(map[string]*openai.Client),
		primary:      tg.Model.Primary,
		fallbacks:    tg.Model.Fallbacks,
		temperature:  tg.Temperature,
		defaultDelay: tg.DefaultDelay,
	}
	for _, m := range b.models() {
		provider, _, err := splitModel(m)
		if err != nil {
			return nil, err
		}
		if _, ok := b.clients[provider]; ok {
			continue
		}
		prov, ok := cfg.Models.Providers[provider]
		if !ok {
			return nil, fmt.Errorf("provider %q not configured", provider)
		}
		oc := openai.DefaultConfig(prov.APIKey)
		if prov.BaseURL != "" {
			oc.BaseURL = prov.BaseURL
		}
		b.clients[provider] = openai.NewClientWithConfig(oc)
	}
	return b, nil
}

func (b *BasicGenerator) models() []string {
	return append([]string{b.primary}, b.fallbacks...)
}

func (b *BasicGenerator) Generate(ctx context.Context, req Request) (Reply, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(req)},
		{Role: openai.ChatMessageRoleUser, Content: userPrompt(req)},
	}

	var lastErr error
	for _, m := range b.models() {
		provider, model, _ := splitModel(m)
		slog.Debug("attempting LLM", "model", m, "role_id", req.Role.ID)
		resp, err := b.clients[provider].CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       model,
			Messages:    messages,
			Temperature: b.temperature,
		})
		if err == nil && len(resp.Choices) == 0 {
			err = errors.New("no choices returned")
		}
		if err == nil {
			slog.Info("LLM success", "model", m, "role_id", req.Role.ID)
			return ParseReply(resp.Choices[0].Message.Content, b.defaultDelay), nil
		}
		lastErr = fmt.Errorf("model %s failed: %w", m, err)
		slog.Warn("LLM failed", "model", m, "role_id", req.Role.ID, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return Reply{}, fmt.Errorf("all models failed: primary=%s fallbacks=%v: %w", b.primary, b.fallbacks, lastErr)
}
