package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/user/runguard/internal/types"
)

// Echo replies to the latest user message and then waits for input. A few
// slash commands exercise the other actions:
//
//	/finish [outputs]  ends the task
//	/bash <command>    asks the environment to run a shell command
//	/think             takes another step without waiting
type Echo struct {
	mu      sync.Mutex
	metrics Metrics
}

func NewEcho() *Echo {
	return &Echo{}
}

func (e *Echo) Name() string { return "echo" }

func (e *Echo) Reset() {
	e.mu.Lock()
	e.metrics = Metrics{}
	e.mu.Unlock()
}

func (e *Echo) SystemMessage() types.Event {
	return types.Event{
		Source: types.SourceAgent,
		Payload: types.SystemMessageAction{
			Content: "You repeat what the user says.",
			Tools:   []string{"bash"},
		},
	}
}

func (e *Echo) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics
}

func (e *Echo) Step(_ context.Context, history []types.Event) (types.Event, error) {
	e.mu.Lock()
	e.metrics.Steps++
	e.mu.Unlock()

	if len(history) > 0 {
		if obs, ok := history[len(history)-1].Payload.(types.ToolResultObservation); ok {
			return action(types.MessageAction{Content: obs.Result, WaitForResponse: true}), nil
		}
	}

	text, ok := lastUserMessage(history)
	if !ok {
		return action(types.MessageAction{Content: "How can I help?", WaitForResponse: true}), nil
	}

	switch cmd, rest, _ := strings.Cut(strings.TrimSpace(text), " "); cmd {
	case "/finish":
		return action(types.FinishAction{Outputs: rest}), nil
	case "/bash":
		args, err := json.Marshal(map[string]string{"command": rest})
		if err != nil {
			return types.Event{}, fmt.Errorf("marshal bash arguments: %w", err)
		}
		return action(types.ToolCallAction{
			Tool:      "bash",
			CallID:    uuid.NewString(),
			Arguments: args,
		}), nil
	case "/think":
		return action(types.MessageAction{Content: "thinking"}), nil
	}
	return action(types.MessageAction{Content: text, WaitForResponse: true}), nil
}

func action(p types.Payload) types.Event {
	return types.Event{Source: types.SourceAgent, Payload: p}
}

func lastUserMessage(history []types.Event) (string, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		ev := history[i]
		if m, ok := ev.Payload.(types.MessageAction); ok && ev.Source == types.SourceUser {
			return m.Content, true
		}
	}
	return "", false
}
