// Package llmagent drives an agent from a chat-completion provider.
package llmagent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/user/runguard/internal/agent"
	rgcontext "github.com/user/runguard/internal/context"
	"github.com/user/runguard/internal/types"
	"github.com/user/runguard/pkg/llm"
)

// FinishTool is the tool name the model calls to end its task.
const FinishTool = "finish"

var finishParams = json.RawMessage(`{"type":"object","properties":{"summary":{"type":"string","description":"What was accomplished"}},"required":["summary"]}`)

// ToolSet describes the tools the environment can run.
type ToolSet interface {
	Names() []string
	AsLLMTools() []llm.Tool
}

// Agent asks a provider for the next action given the session history.
type Agent struct {
	provider     llm.Provider
	engine       *rgcontext.Engine
	tools        ToolSet
	sessionID    types.SessionID
	instructions string

	mu      sync.Mutex
	metrics agent.Metrics
}

// New creates an agent for one session. instructions become the content of
// the session's system message.
func New(provider llm.Provider, engine *rgcontext.Engine, tools ToolSet, sessionID types.SessionID, instructions string) *Agent {
	return &Agent{
		provider:     provider,
		engine:       engine,
		tools:        tools,
		sessionID:    sessionID,
		instructions: instructions,
	}
}

func (a *Agent) Name() string { return "llm" }

func (a *Agent) Reset() {
	a.mu.Lock()
	a.metrics = agent.Metrics{}
	a.mu.Unlock()
}

func (a *Agent) SystemMessage() types.Event {
	return types.Event{
		Source: types.SourceAgent,
		Payload: types.SystemMessageAction{
			Content: a.instructions,
			Tools:   append(a.tools.Names(), FinishTool),
		},
	}
}

func (a *Agent) Metrics() agent.Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics
}

func (a *Agent) Step(ctx context.Context, history []types.Event) (types.Event, error) {
	messages, err := a.engine.BuildPrompt(a.sessionID, history, a.tools.Names())
	if err != nil {
		return types.Event{}, fmt.Errorf("build prompt: %w", err)
	}

	tools := append(a.tools.AsLLMTools(), llm.Tool{
		Type: "function",
		Function: llm.Function{
			Name:        FinishTool,
			Description: "Call when the task is complete.",
			Parameters:  finishParams,
		},
	})

	resp, err := a.provider.Complete(ctx, messages, tools)
	if err != nil {
		return types.Event{}, fmt.Errorf("LLM call: %w", err)
	}

	a.mu.Lock()
	a.metrics.Steps++
	a.metrics.PromptTokens += resp.Usage.InputTokens
	a.metrics.CompletionTokens += resp.Usage.OutputTokens
	a.mu.Unlock()

	// One action per step. Extra tool calls are dropped; the model sees the
	// first result and can ask again.
	if len(resp.ToolCalls) > 0 {
		tc := resp.ToolCalls[0]
		tc.Function.Arguments = normalizeArguments(tc.Function.Arguments)
		if tc.Function.Name == FinishTool {
			var args struct {
				Summary string `json:"summary"`
			}
			if len(tc.Function.Arguments) > 0 {
				if err := json.Unmarshal(tc.Function.Arguments, &args); err != nil {
					args.Summary = resp.Content
				}
			}
			return event(types.FinishAction{Outputs: args.Summary}), nil
		}
		callID := tc.ID
		if callID == "" {
			callID = uuid.NewString()
		}
		return event(types.ToolCallAction{
			Tool:      tc.Function.Name,
			CallID:    callID,
			Arguments: tc.Function.Arguments,
		}), nil
	}

	return event(types.MessageAction{Content: resp.Content, WaitForResponse: true}), nil
}

func event(p types.Payload) types.Event {
	return types.Event{Source: types.SourceAgent, Payload: p}
}

// normalizeArguments unwraps arguments that arrive as a JSON-encoded string,
// which is how OpenAI-compatible APIs send them.
func normalizeArguments(raw json.RawMessage) json.RawMessage {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return json.RawMessage(s)
	}
	return raw
}
