// Package runtime is the environment side of a session: it executes the
// tool calls the agent emits and records their results in the event log.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/user/runguard/internal/stream"
	"github.com/user/runguard/internal/types"
)

// maxResultChars truncates tool output recorded in the log.
const maxResultChars = 16000

// EventLog is the subset of *stream.Log the runtime needs.
type EventLog interface {
	SessionID() types.SessionID
	Append(ctx context.Context, ev types.Event, source types.EventSource) (types.Event, error)
	Subscribe(id types.SubscriberID, h stream.Handler) error
	Unsubscribe(id types.SubscriberID)
}

// Runtime runs tools on behalf of the agent.
type Runtime struct {
	log         EventLog
	registry    *Registry
	toolTimeout time.Duration
	logger      *slog.Logger
}

// New creates a Runtime that executes tools from registry. A zero
// toolTimeout leaves timeouts to the tools.
func New(log EventLog, registry *Registry, toolTimeout time.Duration, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		log:         log,
		registry:    registry,
		toolTimeout: toolTimeout,
		logger:      logger.With("session_id", string(log.SessionID())),
	}
}

// Start subscribes the runtime to the log.
func (rt *Runtime) Start() error {
	return rt.log.Subscribe(types.SubscriberRuntime, rt.onEvent)
}

// Stop unsubscribes the runtime.
func (rt *Runtime) Stop() {
	rt.log.Unsubscribe(types.SubscriberRuntime)
}

func (rt *Runtime) onEvent(ctx context.Context, ev types.Event) error {
	call, ok := ev.Payload.(types.ToolCallAction)
	if !ok || ev.Source != types.SourceAgent {
		return nil
	}

	result, execErr := rt.execute(ctx, call)
	obs := types.ToolResultObservation{
		Tool:   call.Tool,
		CallID: call.CallID,
		Cause:  ev.ID,
		Result: truncate(result),
	}
	if execErr != nil {
		obs.IsError = true
		if obs.Result == "" {
			obs.Result = "error: " + execErr.Error()
		} else {
			obs.Result = truncate(fmt.Sprintf("error: %v\n%s", execErr, result))
		}
		rt.logger.Warn("tool failed", "tool", call.Tool, "call_id", call.CallID, "error", execErr)
	} else {
		rt.logger.Info("tool executed", "tool", call.Tool, "call_id", call.CallID, "result_len", len(result))
	}

	if _, err := rt.log.Append(ctx, types.Event{Payload: obs}, types.SourceEnvironment); err != nil {
		return fmt.Errorf("record tool result: %w", err)
	}
	return nil
}

func (rt *Runtime) execute(ctx context.Context, call types.ToolCallAction) (result string, err error) {
	tool, ok := rt.registry.Get(call.Tool)
	if !ok {
		return "", fmt.Errorf("unknown tool %q", call.Tool)
	}
	if rt.toolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rt.toolTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", call.Tool, r)
		}
	}()

	args := call.Arguments
	if len(args) == 0 {
		args = []byte("{}")
	}
	result, err = tool.Execute(ctx, args)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && err != nil {
		err = fmt.Errorf("tool %s timed out: %w", call.Tool, err)
	}
	return result, err
}

// truncate keeps at most maxResultChars bytes, cut on a rune boundary.
func truncate(s string) string {
	if len(s) <= maxResultChars {
		return s
	}
	cut := maxResultChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n[truncated]"
}
