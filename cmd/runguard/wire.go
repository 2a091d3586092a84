package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/runguard/internal/agent"
	"github.com/user/runguard/internal/agent/llmagent"
	"github.com/user/runguard/internal/config"
	ctxengine "github.com/user/runguard/internal/context"
	"github.com/user/runguard/internal/gateway"
	"github.com/user/runguard/internal/runtime"
	"github.com/user/runguard/internal/runtime/tools"
	"github.com/user/runguard/internal/state"
	"github.com/user/runguard/internal/types"
	"github.com/user/runguard/pkg/llm"
	"github.com/user/runguard/pkg/llm/openai"
)

const defaultInstructions = "You are a careful assistant. Use tools when they help and call finish when the task is done."

// buildGateway wires stores, tools, and the agent factory from cfg. The
// returned function releases the event store.
func buildGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gateway.Gateway, func(context.Context) error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	events, closeStore, err := gateway.OpenStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	logOpts, err := gateway.LogOptions(cfg, logger)
	if err != nil {
		closeStore(ctx)
		return nil, nil, err
	}

	registry := runtime.NewRegistry(
		tools.NewBash(cfg.Tools.WorkDir),
		tools.NewReadURL(nil),
	)

	newAgent, err := agentFactory(cfg, registry)
	if err != nil {
		closeStore(ctx)
		return nil, nil, err
	}

	gw, err := gateway.New(state.NewSessionStore(cfg.DataDir), events, gateway.Options{
		NewAgent:      newAgent,
		AgentName:     cfg.Agent,
		Tools:         registry,
		ToolTimeout:   time.Duration(cfg.Tools.TimeoutSeconds) * time.Second,
		MaxIterations: cfg.MaxIterations,
		Headless:      cfg.Headless,
		LogOptions:    logOpts,
		Logger:        logger,
	})
	if err != nil {
		closeStore(ctx)
		return nil, nil, err
	}
	return gw, closeStore, nil
}

func agentFactory(cfg *config.Config, registry *runtime.Registry) (gateway.AgentFactory, error) {
	if cfg.Agent == config.AgentEcho {
		return func(types.SessionID) (agent.Agent, error) { return agent.NewEcho(), nil }, nil
	}

	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
	})
	engine, err := ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return nil, fmt.Errorf("create context engine: %w", err)
	}
	instructions := cfg.Instructions
	if instructions == "" {
		instructions = defaultInstructions
	}
	return func(id types.SessionID) (agent.Agent, error) {
		return llmagent.New(provider, engine, registry, id, instructions), nil
	}, nil
}
