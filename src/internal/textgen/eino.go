package textgen

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"troupe-main/src/internal/config"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

// newSlogHandler logs component execution of the generation chain.
func newSlogHandler() callbacks.Handler {
	return callbacks.NewHandlerBuilder().
		OnStartFn(func(ctx context.Context, info *callbacks.RunInfo, input callbacks.CallbackInput) context.Context {
			slog.Debug("eino component start", "name", info.Name, "type", info.Type, "component", info.Component)
			return ctx
		}).
		OnEndFn(func(ctx context.Context, info *callbacks.RunInfo, output callbacks.CallbackOutput) context.Context {
			slog.Debug("eino component end", "name", info.Name, "type", info.Type, "component", info.Component)
			return ctx
		}).
		OnErrorFn(func(ctx context.Context, info *callbacks.RunInfo, err error) context.Context {
			slog.Error("eino component error", "name", info.Name, "type", info.Type, "component", info.Component, "error", err)
			return ctx
		}).
		Build()
}

// EinoGenerator runs generation as a compiled eino chain:
// prompt -> chat model -> reply parser.
type EinoGenerator struct {
	runnable compose.Runnable[Request, Reply]
	model    string
}

func NewEinoGenerator(ctx context.Context, cfg *config.Config) (*EinoGenerator, error) {
	providerName, modelName, err := splitModel(cfg.TextGen.Model.Primary)
	if err != nil {
		return nil, err
	}
	prov, ok := cfg.Models.Providers[providerName]
	if !ok {
		return nil, fmt.Errorf("provider %q not found", providerName)
	}

	temperature := cfg.TextGen.Temperature
	cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		BaseURL:     prov.BaseURL,
		APIKey:      prov.APIKey,
		Model:       modelName,
		Temperature: &temperature,
		Timeout:     cfg.TextGen.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}
	return newEinoGenerator(ctx, cm, cfg.TextGen.Model.Primary, cfg.TextGen.DefaultDelay)
}

func newEinoGenerator(ctx context.Context, cm model.BaseChatModel, modelStr string, defaultDelay time.Duration) (*EinoGenerator, error) {
	chain := compose.NewChain[Request, Reply]()
	chain.AppendLambda(compose.InvokableLambda(func(ctx context.Context, req Request) ([]*schema.Message, error) {
		return []*schema.Message{
			schema.SystemMessage(systemPrompt(req)),
			schema.UserMessage(userPrompt(req)),
		}, nil
	}), compose.WithNodeName("prompt"))
	chain.AppendChatModel(cm, compose.WithNodeName("chat"))
	chain.AppendLambda(compose.InvokableLambda(func(ctx context.Context, msg *schema.Message) (Reply, error) {
		return ParseReply(msg.Content, defaultDelay), nil
	}), compose.WithNodeName("parse"))

	r, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile generation chain: %w", err)
	}
	return &EinoGenerator{runnable: r, model: modelStr}, nil
}

func (e *EinoGenerator) Generate(ctx context.Context, req Request) (Reply, error) {
	reply, err := e.runnable.Invoke(ctx, req, compose.WithCallbacks(newSlogHandler()))
	if err != nil {
		return Reply{}, fmt.Errorf("model %s failed: %w", e.model, err)
	}
	slog.Info("LLM success", "model", e.model, "role_id", req.Role.ID)
	return reply, nil
}
