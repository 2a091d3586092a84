// Package controller drives an agent through a session's event log. It owns
// the run state machine and the iteration budget: each agent action counts
// as one iteration, and each user message resets the budget to the current
// iteration plus the initial allowance.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/runguard/internal/agent"
	"github.com/user/runguard/internal/stream"
	"github.com/user/runguard/internal/types"
)

const idlePollInterval = 5 * time.Millisecond

// EventLog is the subset of *stream.Log the controller needs.
type EventLog interface {
	SessionID() types.SessionID
	Append(ctx context.Context, ev types.Event, source types.EventSource) (types.Event, error)
	Subscribe(id types.SubscriberID, h stream.Handler) error
	Unsubscribe(id types.SubscriberID)
	ReadAll(ctx context.Context) ([]types.Event, error)
	Appended() int64
	Pending() int64
}

// Options configures a Controller.
type Options struct {
	// MaxIterations is the initial budget and the allowance granted by each
	// user message. Must be positive.
	MaxIterations int
	// Headless suppresses the user-facing error observation emitted when the
	// budget runs out.
	Headless bool
	Logger   *slog.Logger
	Tracer   trace.Tracer
}

// Snapshot is a consistent view of the controller's counters.
type Snapshot struct {
	AgentState           types.AgentState `json:"agent_state"`
	Iteration            int              `json:"iteration"`
	MaxIterations        int              `json:"max_iterations"`
	InitialMaxIterations int              `json:"initial_max_iterations"`
	Reason               string           `json:"reason,omitempty"`
	LastEventID          types.ID         `json:"last_event_id"`
}

// Controller runs one agent against one session's log.
type Controller struct {
	agent    agent.Agent
	log      EventLog
	headless bool
	logger   *slog.Logger
	tracer   trace.Tracer

	// transMu serializes state changes together with the observation each
	// one appends.
	transMu sync.Mutex

	mu               sync.Mutex
	state            types.AgentState
	reason           string
	iteration        int
	maxIterations    int
	initialMax       int
	stepInFlight     bool
	pendingUserInput bool
	userTurnPending  bool
	pendingCall      string
	systemMessage    *types.Event
	history          []types.Event
	lastEventID      types.ID
	started          bool
	closed           bool

	stepsStarted atomic.Int64
	ctx          context.Context
	cancel       context.CancelFunc
	steps        sync.WaitGroup
}

// New returns a controller in the loading state. Start must be called
// before it reacts to events.
func New(a agent.Agent, log EventLog, opts Options) (*Controller, error) {
	if a == nil {
		return nil, errors.New("agent is required")
	}
	if log == nil {
		return nil, errors.New("event log is required")
	}
	if opts.MaxIterations <= 0 {
		return nil, fmt.Errorf("max iterations must be positive, got %d", opts.MaxIterations)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/user/runguard/internal/controller")
	}
	return &Controller{
		agent:         a,
		log:           log,
		headless:      opts.Headless,
		logger:        logger.With("session_id", string(log.SessionID()), "agent", a.Name()),
		tracer:        tracer,
		state:         types.StateLoading,
		maxIterations: opts.MaxIterations,
		initialMax:    opts.MaxIterations,
	}, nil
}

// Start rebuilds the agent's view from the log's history, installs the
// leading system message, and subscribes to new events.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("controller already started")
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Unlock()

	history, err := c.log.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}

	c.mu.Lock()
	for _, ev := range history {
		c.remember(ev)
	}
	haveSystem := c.systemMessage != nil
	c.mu.Unlock()

	if err := c.log.Subscribe(types.SubscriberController, c.onEvent); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	if haveSystem {
		return nil
	}
	sys := c.agent.SystemMessage()
	c.mu.Lock()
	c.installSystemMessage(sys)
	c.mu.Unlock()
	if sys.ID.IsSet() {
		return nil
	}
	if _, err := c.log.Append(ctx, sys, types.SourceAgent); err != nil {
		return fmt.Errorf("append system message: %w", err)
	}
	return nil
}

// remember records a replayed or delivered event in the agent's view.
// Must hold c.mu.
func (c *Controller) remember(ev types.Event) {
	if ev.ID.IsSet() {
		c.lastEventID = ev.ID
	}
	switch ev.Payload.(type) {
	case types.SystemMessageAction:
		c.installSystemMessage(ev)
	case types.AgentStateChangedObservation:
	default:
		c.history = append(c.history, ev)
	}
}

// installSystemMessage replaces the leading context. Must hold c.mu.
func (c *Controller) installSystemMessage(ev types.Event) {
	c.systemMessage = &ev
}

// onEvent is the controller's subscriber callback. Events arrive one at a
// time in id order.
func (c *Controller) onEvent(ctx context.Context, ev types.Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.remember(ev)
	c.mu.Unlock()

	switch p := ev.Payload.(type) {
	case types.SystemMessageAction, types.AgentStateChangedObservation:
		return nil
	case types.MessageAction:
		if ev.Source == types.SourceUser {
			return c.onUserMessage(ctx)
		}
	case types.ToolResultObservation:
		if ev.Source == types.SourceEnvironment {
			return c.onToolResult(ctx, p)
		}
	}
	if ev.Source == types.SourceAgent {
		return c.onAgentAction(ctx, ev)
	}
	return nil
}

func (c *Controller) onUserMessage(ctx context.Context) error {
	c.mu.Lock()
	if c.state.IsTerminal() {
		c.mu.Unlock()
		return nil
	}
	c.maxIterations = extendedBudget(c.iteration, c.initialMax)
	state := c.state
	switch {
	case c.stepInFlight:
		c.pendingUserInput = true
	case state == types.StateLoading:
		c.userTurnPending = true
	}
	iteration, maxIterations := c.iteration, c.maxIterations
	c.mu.Unlock()

	c.logger.Info("iteration budget extended",
		"iteration", iteration,
		"max_iterations", maxIterations)

	switch state {
	case types.StateAwaitingUserInput:
		if c.setState(ctx, types.StateRunning, "") {
			c.requestStep()
		}
	case types.StateRunning:
		c.requestStep()
	}
	return nil
}

type followUp int

const (
	followStep followUp = iota
	followFinish
	followAwait
	followToolResult
)

func (c *Controller) onAgentAction(ctx context.Context, ev types.Event) error {
	c.mu.Lock()
	if c.state.IsTerminal() {
		c.stepInFlight = false
		c.mu.Unlock()
		return nil
	}
	c.iteration++
	c.stepInFlight = false
	userQueued := c.pendingUserInput
	c.pendingUserInput = false

	next := followStep
	switch p := ev.Payload.(type) {
	case types.FinishAction:
		next = followFinish
	case types.MessageAction:
		if p.WaitForResponse && !userQueued {
			next = followAwait
		}
	case types.ToolCallAction:
		c.pendingCall = p.CallID
		next = followToolResult
	}
	state := c.state
	iteration := c.iteration
	c.mu.Unlock()

	c.logger.Debug("agent action",
		"event_id", ev.ID.String(),
		"kind", string(ev.Kind()),
		"iteration", iteration)

	if state != types.StateRunning {
		return nil
	}

	switch next {
	case followFinish:
		c.setState(ctx, types.StateFinished, "")
		return nil
	case followAwait:
		c.setState(ctx, types.StateAwaitingUserInput, "")
	}

	c.mu.Lock()
	exhausted := c.state == types.StateRunning && limitReached(c.iteration, c.maxIterations)
	maxIterations := c.maxIterations
	c.mu.Unlock()

	if exhausted {
		return c.stopAtLimit(ctx, iteration, maxIterations)
	}
	if next == followStep {
		c.requestStep()
	}
	return nil
}

func (c *Controller) onToolResult(_ context.Context, obs types.ToolResultObservation) error {
	c.mu.Lock()
	if c.pendingCall == "" || obs.CallID != c.pendingCall {
		c.mu.Unlock()
		return nil
	}
	c.pendingCall = ""
	c.mu.Unlock()

	c.requestStep()
	return nil
}

func (c *Controller) stopAtLimit(ctx context.Context, iteration, maxIterations int) error {
	c.logger.Warn("iteration limit reached",
		"iteration", iteration,
		"max_iterations", maxIterations)

	if !c.setState(ctx, types.StateError, ReasonIterationLimit) || c.headless {
		return nil
	}
	msg := fmt.Sprintf("%s: reached %d of %d iterations. Send a message to continue in a new run.",
		ErrIterationLimitExceeded, iteration, maxIterations)
	if _, err := c.log.Append(ctx, types.Event{Payload: types.ErrorObservation{Message: msg}}, types.SourceEnvironment); err != nil {
		return fmt.Errorf("append limit error: %w", err)
	}
	return nil
}

// SetAgentStateTo requests a state change. Invalid requests fail with a
// *TransitionError; a request for the current non-terminal state is a no-op.
func (c *Controller) SetAgentStateTo(ctx context.Context, to types.AgentState) error {
	from, err := c.transition(ctx, to, "")
	if err != nil || from == to {
		return err
	}
	if to != types.StateRunning {
		return nil
	}

	c.mu.Lock()
	resume := c.userTurnPending || from == types.StatePaused || from == types.StateAwaitingUserInput
	c.mu.Unlock()
	if resume {
		c.requestStep()
	}
	return nil
}

// setState is the reaction-side transition. A rejection means the
// controller lost a race with an external transition; it is logged and
// reported as false.
func (c *Controller) setState(ctx context.Context, to types.AgentState, reason string) bool {
	if _, err := c.transition(ctx, to, reason); err != nil {
		c.logger.Warn("state change rejected", "to", string(to), "error", err)
		return false
	}
	return true
}

// transition applies one state change and records it in the log. It
// returns the previous state.
func (c *Controller) transition(ctx context.Context, to types.AgentState, reason string) (types.AgentState, error) {
	c.transMu.Lock()
	defer c.transMu.Unlock()

	c.mu.Lock()
	from := c.state
	noop, err := checkTransition(from, to)
	if err != nil || noop {
		c.mu.Unlock()
		return from, err
	}
	c.state = to
	c.reason = reason
	c.mu.Unlock()

	c.logger.Info("agent state changed",
		"from", string(from),
		"to", string(to),
		"reason", reason)

	if to == types.StateStopped || to == types.StateError {
		c.agent.Reset()
	}

	obs := types.Event{Payload: types.AgentStateChangedObservation{State: to, Reason: reason}}
	if _, err := c.log.Append(ctx, obs, types.SourceEnvironment); err != nil {
		c.logger.Error("record state change", "to", string(to), "error", err)
	}
	return from, nil
}

// requestStep starts an agent step unless one is already outstanding, the
// controller is not running, or a tool call is still unanswered. A running
// controller whose budget is used up stops at the limit instead.
func (c *Controller) requestStep() {
	c.mu.Lock()
	if c.closed || c.state != types.StateRunning || c.stepInFlight || c.pendingCall != "" {
		c.mu.Unlock()
		return
	}
	if limitReached(c.iteration, c.maxIterations) {
		ctx, iteration, maxIterations := c.ctx, c.iteration, c.maxIterations
		c.mu.Unlock()
		if err := c.stopAtLimit(ctx, iteration, maxIterations); err != nil {
			c.logger.Error("stop at limit", "error", err)
		}
		return
	}
	c.stepInFlight = true
	c.userTurnPending = false
	iteration := c.iteration
	history := make([]types.Event, 0, len(c.history)+1)
	if c.systemMessage != nil {
		history = append(history, *c.systemMessage)
	}
	history = append(history, c.history...)
	ctx := c.ctx
	c.stepsStarted.Add(1)
	c.steps.Add(1)
	c.mu.Unlock()

	go c.runStep(ctx, history, iteration)
}

func (c *Controller) runStep(ctx context.Context, history []types.Event, iteration int) {
	defer c.steps.Done()

	ctx, span := c.tracer.Start(ctx, "controller.step",
		trace.WithAttributes(
			attribute.String("runguard.session_id", string(c.log.SessionID())),
			attribute.String("runguard.agent", c.agent.Name()),
			attribute.Int("runguard.iteration", iteration),
			attribute.Int("runguard.history_len", len(history)),
		),
	)
	defer span.End()

	ev, err := c.agent.Step(ctx, history)
	if err == nil {
		span.SetAttributes(attribute.String("runguard.action", string(ev.Kind())))
		err = checkAction(ev)
	}
	if err == nil {
		_, err = c.log.Append(ctx, ev, types.SourceAgent)
	}
	if err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "agent step failed")
	if ctx.Err() != nil {
		c.clearStep()
		return
	}
	c.logger.Error("agent step failed", "iteration", iteration, "error", err)
	c.setState(ctx, types.StateError, err.Error())
	c.clearStep()
}

// checkAction rejects step results the controller never reacts to as an
// agent action. Appending one would leave the step outstanding forever.
func checkAction(ev types.Event) error {
	switch ev.Payload.(type) {
	case nil:
		return fmt.Errorf("%w: empty payload", ErrInvalidAction)
	case types.SystemMessageAction, types.AgentStateChangedObservation:
		return fmt.Errorf("%w: %s", ErrInvalidAction, ev.Kind())
	}
	return nil
}

func (c *Controller) clearStep() {
	c.mu.Lock()
	c.stepInFlight = false
	c.mu.Unlock()
}

// State returns a snapshot of the controller.
func (c *Controller) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		AgentState:           c.state,
		Iteration:            c.iteration,
		MaxIterations:        c.maxIterations,
		InitialMaxIterations: c.initialMax,
		Reason:               c.reason,
		LastEventID:          c.lastEventID,
	}
}

// SetIteration overwrites the iteration counter. Used when resuming a
// session and in tests.
func (c *Controller) SetIteration(n int) {
	c.mu.Lock()
	c.iteration = n
	c.mu.Unlock()
}

// Restore sets the counters saved from an earlier run of the session.
func (c *Controller) Restore(iteration, maxIterations int) {
	c.mu.Lock()
	c.iteration = iteration
	if maxIterations > 0 {
		c.maxIterations = maxIterations
	}
	c.mu.Unlock()
}

// Metrics returns the agent's accumulated usage.
func (c *Controller) Metrics() agent.Metrics {
	return c.agent.Metrics()
}

// WaitIdle blocks until no step is outstanding, no delivery is pending, and
// nothing new was appended or started during the check. Returns false on
// timeout.
func (c *Controller) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		appended := c.log.Appended()
		started := c.stepsStarted.Load()
		c.mu.Lock()
		inFlight := c.stepInFlight
		c.mu.Unlock()
		if !inFlight && c.log.Pending() == 0 &&
			c.log.Appended() == appended && c.stepsStarted.Load() == started {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(idlePollInterval):
		}
	}
}

// Close unsubscribes and waits for an outstanding step to return. The state
// is left as is; callers stop the run first if they want it recorded.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	c.log.Unsubscribe(types.SubscriberController)
	if cancel != nil {
		cancel()
	}
	c.steps.Wait()
	return nil
}
