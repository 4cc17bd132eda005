package textgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"troupe-main/src/internal/config"
)

// Guard bounds every generation call by a timeout and substitutes fallback
// text when the wrapped generator fails or is late.
type Guard struct {
	next         Generator
	timeout      time.Duration
	fallbackText string
	defaultDelay time.Duration
}

func NewGuard(next Generator, timeout time.Duration, fallbackText string, defaultDelay time.Duration) *Guard {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Guard{next: next, timeout: timeout, fallbackText: fallbackText, defaultDelay: defaultDelay}
}

type result struct {
	reply Reply
	err   error
}

// Generate never waits longer than the timeout, even for a generator that
// ignores its context. The error is returned only when no fallback exists.
func (g *Guard) Generate(ctx context.Context, req Request) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		r, err := g.next.Generate(ctx, req)
		done <- result{r, err}
	}()

	var err error
	select {
	case res := <-done:
		if res.err == nil && (res.reply.Content != "" || res.reply.ShouldHandoff) {
			return res.reply, nil
		}
		err = res.err
		if err == nil {
			err = errors.New("empty reply")
		}
	case <-ctx.Done():
		err = fmt.Errorf("generation timed out after %s: %w", g.timeout, ctx.Err())
	}

	fallback := req.Fallback
	if fallback == "" {
		fallback = g.fallbackText
	}
	if fallback == "" {
		return Reply{}, err
	}
	slog.Warn("text generation failed, using fallback", "role_id", req.Role.ID, "error", err)
	return Reply{Content: fallback, Delay: g.defaultDelay}, nil
}

// NewFromConfig builds the configured generator wrapped in a Guard. Without a
// primary model it returns a guard over Unavailable so fallbacks still apply.
func NewFromConfig(ctx context.Context, cfg *config.Config) (*Guard, error) {
	tg := cfg.TextGen
	var gen Generator = Unavailable{}
	if tg.Model.Primary != "" {
		var err error
		switch tg.Engine {
		case "eino":
			gen, err = NewEinoGenerator(ctx, cfg)
		case "", "basic":
			gen, err = NewBasicGenerator(cfg)
		default:
			err = fmt.Errorf("unknown textgen engine %q", tg.Engine)
		}
		if err != nil {
			return nil, err
		}
		slog.Info("text generation configured", "engine", tg.Engine, "model", tg.Model.Primary)
	} else {
		slog.Warn("no textgen.model.primary configured, AI content uses fallback text only")
	}
	return NewGuard(gen, tg.Timeout, tg.FallbackText, tg.DefaultDelay), nil
}
