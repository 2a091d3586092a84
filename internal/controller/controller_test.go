package controller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/runguard/internal/agent"
	"github.com/user/runguard/internal/state"
	"github.com/user/runguard/internal/stream"
	"github.com/user/runguard/internal/types"
)

const waitTimeout = 5 * time.Second

// scriptedAgent answers each step with next(history).
type scriptedAgent struct {
	mu      sync.Mutex
	next    func(call int, history []types.Event) (types.Event, error)
	calls   int
	resets  int
	seen    [][]types.Event
	sysText string
}

func (a *scriptedAgent) Name() string { return "scripted" }

func (a *scriptedAgent) Reset() {
	a.mu.Lock()
	a.resets++
	a.mu.Unlock()
}

func (a *scriptedAgent) SystemMessage() types.Event {
	text := a.sysText
	if text == "" {
		text = "system"
	}
	return types.Event{Source: types.SourceAgent, Payload: types.SystemMessageAction{Content: text}}
}

func (a *scriptedAgent) Step(_ context.Context, history []types.Event) (types.Event, error) {
	a.mu.Lock()
	a.calls++
	call := a.calls
	a.seen = append(a.seen, history)
	a.mu.Unlock()
	return a.next(call, history)
}

func (a *scriptedAgent) Metrics() agent.Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return agent.Metrics{Steps: a.calls}
}

func (a *scriptedAgent) stepCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *scriptedAgent) resetCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resets
}

func reply(p types.Payload) (types.Event, error) {
	return types.Event{Payload: p}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	t    *testing.T
	log  *stream.Log
	ctrl *Controller
}

func newHarness(t *testing.T, a agent.Agent, opts Options) *harness {
	t.Helper()
	ctx := context.Background()
	log, err := stream.Open(ctx, types.NewSessionID(), state.NewMemoryStore(),
		stream.WithLogger(quietLogger()), stream.WithRetryPolicy(stream.NoRetry()))
	require.NoError(t, err)

	opts.Logger = quietLogger()
	ctrl, err := New(a, log, opts)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(ctx))

	t.Cleanup(func() {
		_ = ctrl.Close()
		_ = log.Close()
	})
	h := &harness{t: t, log: log, ctrl: ctrl}
	h.idle()
	return h
}

func (h *harness) idle() {
	h.t.Helper()
	require.True(h.t, h.ctrl.WaitIdle(waitTimeout), "controller did not go idle")
}

func (h *harness) say(text string) {
	h.t.Helper()
	_, err := h.log.Append(context.Background(), types.Event{Payload: types.MessageAction{Content: text}}, types.SourceUser)
	require.NoError(h.t, err)
	h.idle()
}

func (h *harness) set(s types.AgentState) {
	h.t.Helper()
	require.NoError(h.t, h.ctrl.SetAgentStateTo(context.Background(), s))
	h.idle()
}

func (h *harness) events() []types.Event {
	h.t.Helper()
	evs, err := h.log.ReadAll(context.Background())
	require.NoError(h.t, err)
	return evs
}

func TestNewRejectsNonPositiveBudget(t *testing.T) {
	log, err := stream.Open(context.Background(), "s", state.NewMemoryStore(), stream.WithLogger(quietLogger()))
	require.NoError(t, err)
	defer log.Close()

	_, err = New(agent.NewEcho(), log, Options{MaxIterations: 0})
	require.Error(t, err)
	_, err = New(agent.NewEcho(), log, Options{MaxIterations: -3})
	require.Error(t, err)
}

func TestUserMessageExtendsBudgetFromCurrentIteration(t *testing.T) {
	h := newHarness(t, agent.NewEcho(), Options{MaxIterations: 100})

	h.set(types.StateRunning)
	h.ctrl.SetIteration(90)
	h.say("first")

	snap := h.ctrl.State()
	assert.Equal(t, 190, snap.MaxIterations)
	assert.Equal(t, 91, snap.Iteration)
	assert.Equal(t, types.StateAwaitingUserInput, snap.AgentState)

	h.ctrl.SetIteration(180)
	h.say("second")

	snap = h.ctrl.State()
	assert.Equal(t, 280, snap.MaxIterations)
	assert.Equal(t, 181, snap.Iteration)
	assert.Equal(t, 100, snap.InitialMaxIterations)
}

func TestSystemMessageIsNotCounted(t *testing.T) {
	a := &scriptedAgent{next: func(int, []types.Event) (types.Event, error) {
		return reply(types.MessageAction{Content: "ok", WaitForResponse: true})
	}}
	h := newHarness(t, a, Options{MaxIterations: 10})

	// The agent's system message had no id; the log assigned one and the
	// controller accepted it without counting an iteration.
	evs := h.events()
	require.NotEmpty(t, evs)
	assert.Equal(t, types.KindSystemMessage, evs[0].Kind())
	assert.True(t, evs[0].ID.IsSet())
	assert.Equal(t, 0, h.ctrl.State().Iteration)

	_, err := h.log.Append(context.Background(),
		types.Event{Payload: types.SystemMessageAction{Content: "replacement"}}, types.SourceAgent)
	require.NoError(t, err)
	h.idle()
	assert.Equal(t, 0, h.ctrl.State().Iteration)

	h.set(types.StateRunning)
	h.say("hi")
	require.Equal(t, 1, a.stepCalls())
	a.mu.Lock()
	first := a.seen[0][0]
	a.mu.Unlock()
	assert.Equal(t, types.SystemMessageAction{Content: "replacement"}, first.Payload)
}

func TestIterationLimitStopsRun(t *testing.T) {
	for _, headless := range []bool{false, true} {
		a := &scriptedAgent{next: func(int, []types.Event) (types.Event, error) {
			return reply(types.MessageAction{Content: "more"})
		}}
		h := newHarness(t, a, Options{MaxIterations: 5, Headless: headless})

		h.set(types.StateRunning)
		h.say("go")

		snap := h.ctrl.State()
		assert.Equal(t, types.StateError, snap.AgentState)
		assert.Equal(t, ReasonIterationLimit, snap.Reason)
		assert.Equal(t, 5, snap.Iteration)
		assert.Equal(t, 5, a.stepCalls(), "no step may run once the budget is used")
		assert.Equal(t, 1, a.resetCalls())

		var errorObs int
		for _, ev := range h.events() {
			if obs, ok := ev.Payload.(types.ErrorObservation); ok {
				errorObs++
				assert.Contains(t, obs.Message, ErrIterationLimitExceeded.Error())
			}
		}
		if headless {
			assert.Zero(t, errorObs)
		} else {
			assert.Equal(t, 1, errorObs)
		}
	}
}

func TestLimitIgnoredOnceAwaitingInput(t *testing.T) {
	a := &scriptedAgent{next: func(int, []types.Event) (types.Event, error) {
		return reply(types.MessageAction{Content: "done?", WaitForResponse: true})
	}}
	h := newHarness(t, a, Options{MaxIterations: 1})

	h.set(types.StateRunning)
	h.say("go")

	snap := h.ctrl.State()
	assert.Equal(t, types.StateAwaitingUserInput, snap.AgentState)
	assert.Equal(t, 1, snap.Iteration)

	h.say("again")
	snap = h.ctrl.State()
	assert.Equal(t, 2, snap.MaxIterations)
	assert.Equal(t, 2, snap.Iteration)
	assert.Equal(t, types.StateAwaitingUserInput, snap.AgentState)
}

func TestTerminalStatesRejectEveryTransition(t *testing.T) {
	paths := map[types.AgentState][]types.AgentState{
		types.StateStopped:  {types.StateStopped},
		types.StateError:    {types.StateError},
		types.StateFinished: {types.StateRunning, types.StateAwaitingUserInput, types.StateFinished},
	}
	all := []types.AgentState{
		types.StateLoading, types.StateRunning, types.StateAwaitingUserInput, types.StatePaused,
		types.StateFinished, types.StateError, types.StateStopped,
	}

	for terminal, path := range paths {
		t.Run(string(terminal), func(t *testing.T) {
			h := newHarness(t, agent.NewEcho(), Options{MaxIterations: 10})
			for _, s := range path {
				h.set(s)
			}
			require.Equal(t, terminal, h.ctrl.State().AgentState)

			for _, to := range all {
				err := h.ctrl.SetAgentStateTo(context.Background(), to)
				require.ErrorIs(t, err, ErrInvalidTransition, "to %s", to)
				var te *TransitionError
				require.True(t, errors.As(err, &te))
				assert.Equal(t, terminal, te.From)
				assert.Equal(t, to, te.To)
			}
		})
	}
}

func TestStateChangesAreRecorded(t *testing.T) {
	h := newHarness(t, agent.NewEcho(), Options{MaxIterations: 10})
	h.set(types.StateRunning)
	h.set(types.StateRunning) // no-op
	h.set(types.StatePaused)
	h.set(types.StateStopped)

	var recorded []types.AgentState
	for _, ev := range h.events() {
		if obs, ok := ev.Payload.(types.AgentStateChangedObservation); ok {
			assert.Equal(t, types.SourceEnvironment, ev.Source)
			recorded = append(recorded, obs.State)
		}
	}
	assert.Equal(t, []types.AgentState{types.StateRunning, types.StatePaused, types.StateStopped}, recorded)
}

func TestUserMessageDuringStepKeepsRunning(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	a := &scriptedAgent{next: func(call int, _ []types.Event) (types.Event, error) {
		if call == 1 {
			entered <- struct{}{}
			<-release
		}
		return reply(types.MessageAction{Content: "waiting", WaitForResponse: true})
	}}
	h := newHarness(t, a, Options{MaxIterations: 10})
	h.set(types.StateRunning)

	ctx := context.Background()
	_, err := h.log.Append(ctx, types.Event{Payload: types.MessageAction{Content: "start"}}, types.SourceUser)
	require.NoError(t, err)
	<-entered

	_, err = h.log.Append(ctx, types.Event{Payload: types.MessageAction{Content: "also this"}}, types.SourceUser)
	require.NoError(t, err)
	require.True(t, h.log.WaitIdle(waitTimeout))
	assert.Equal(t, 1, a.stepCalls(), "a second step may not start while one is outstanding")
	close(release)
	h.idle()

	snap := h.ctrl.State()
	assert.Equal(t, 2, a.stepCalls())
	assert.Equal(t, 2, snap.Iteration)
	assert.Equal(t, types.StateAwaitingUserInput, snap.AgentState)
}

func TestToolCallWaitsForResult(t *testing.T) {
	a := &scriptedAgent{next: func(call int, history []types.Event) (types.Event, error) {
		if call == 1 {
			return reply(types.ToolCallAction{Tool: "bash", CallID: "c1"})
		}
		last := history[len(history)-1]
		obs, ok := last.Payload.(types.ToolResultObservation)
		if !ok {
			return types.Event{}, errors.New("expected tool result")
		}
		return reply(types.FinishAction{Outputs: obs.Result})
	}}
	h := newHarness(t, a, Options{MaxIterations: 10})

	require.NoError(t, h.log.Subscribe("fake_runtime", func(ctx context.Context, ev types.Event) error {
		call, ok := ev.Payload.(types.ToolCallAction)
		if !ok || ev.Source != types.SourceAgent {
			return nil
		}
		_, err := h.log.Append(ctx, types.Event{Payload: types.ToolResultObservation{
			Tool: call.Tool, CallID: call.CallID, Cause: ev.ID, Result: "42",
		}}, types.SourceEnvironment)
		return err
	}))

	h.set(types.StateRunning)
	h.say("compute")

	snap := h.ctrl.State()
	assert.Equal(t, types.StateFinished, snap.AgentState)
	assert.Equal(t, 2, snap.Iteration)
}

func TestAgentErrorMovesToError(t *testing.T) {
	a := &scriptedAgent{next: func(int, []types.Event) (types.Event, error) {
		return types.Event{}, errors.New("model unavailable")
	}}
	h := newHarness(t, a, Options{MaxIterations: 10})
	h.set(types.StateRunning)
	h.say("go")

	snap := h.ctrl.State()
	assert.Equal(t, types.StateError, snap.AgentState)
	assert.Contains(t, snap.Reason, "model unavailable")
	assert.Equal(t, 0, snap.Iteration)
	assert.Equal(t, 1, a.resetCalls())
}

func TestPausedExtendsButDoesNotResume(t *testing.T) {
	a := &scriptedAgent{next: func(int, []types.Event) (types.Event, error) {
		return reply(types.MessageAction{Content: "ok", WaitForResponse: true})
	}}
	h := newHarness(t, a, Options{MaxIterations: 10})
	h.set(types.StateRunning)
	h.set(types.StatePaused)
	h.ctrl.SetIteration(4)

	h.say("while paused")
	snap := h.ctrl.State()
	assert.Equal(t, types.StatePaused, snap.AgentState)
	assert.Equal(t, 14, snap.MaxIterations)
	assert.Zero(t, a.stepCalls())

	h.set(types.StateRunning)
	assert.Equal(t, 1, a.stepCalls())
	assert.Equal(t, types.StateAwaitingUserInput, h.ctrl.State().AgentState)
}

func TestUserTurnWhileLoadingStartsOnRunning(t *testing.T) {
	a := &scriptedAgent{next: func(int, []types.Event) (types.Event, error) {
		return reply(types.MessageAction{Content: "hello", WaitForResponse: true})
	}}
	h := newHarness(t, a, Options{MaxIterations: 10})

	h.say("task")
	assert.Zero(t, a.stepCalls())
	assert.Equal(t, types.StateLoading, h.ctrl.State().AgentState)

	h.set(types.StateRunning)
	assert.Equal(t, 1, a.stepCalls())
}

func TestUserMessageAfterTerminalIsIgnored(t *testing.T) {
	h := newHarness(t, agent.NewEcho(), Options{MaxIterations: 10})
	h.set(types.StateStopped)
	h.say("anyone?")

	snap := h.ctrl.State()
	assert.Equal(t, types.StateStopped, snap.AgentState)
	assert.Equal(t, 10, snap.MaxIterations)
}

func TestStartReplaysHistory(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	sid := types.NewSessionID()

	first, err := stream.Open(ctx, sid, store, stream.WithLogger(quietLogger()))
	require.NoError(t, err)
	c1, err := New(agent.NewEcho(), first, Options{MaxIterations: 10, Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, c1.Start(ctx))
	require.NoError(t, c1.SetAgentStateTo(ctx, types.StateRunning))
	_, err = first.Append(ctx, types.Event{Payload: types.MessageAction{Content: "remember me"}}, types.SourceUser)
	require.NoError(t, err)
	require.True(t, c1.WaitIdle(waitTimeout))
	require.NoError(t, c1.Close())
	require.NoError(t, first.Close())

	second, err := stream.Open(ctx, sid, store, stream.WithLogger(quietLogger()))
	require.NoError(t, err)
	defer second.Close()
	a := &scriptedAgent{next: func(int, []types.Event) (types.Event, error) {
		return reply(types.MessageAction{Content: "ok", WaitForResponse: true})
	}}
	c2, err := New(a, second, Options{MaxIterations: 10, Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, c2.Start(ctx))
	defer c2.Close()
	c2.Restore(1, 11)

	require.NoError(t, c2.SetAgentStateTo(ctx, types.StateRunning))
	_, err = second.Append(ctx, types.Event{Payload: types.MessageAction{Content: "again"}}, types.SourceUser)
	require.NoError(t, err)
	require.True(t, c2.WaitIdle(waitTimeout))

	a.mu.Lock()
	history := a.seen[0]
	a.mu.Unlock()
	var texts []string
	for _, ev := range history {
		if m, ok := ev.Payload.(types.MessageAction); ok && ev.Source == types.SourceUser {
			texts = append(texts, m.Content)
		}
	}
	assert.Equal(t, []string{"remember me", "again"}, texts)
	// The replayed log already carried a system message, so none was added.
	var systems int
	for _, ev := range history {
		if ev.Kind() == types.KindSystemMessage {
			systems++
		}
	}
	assert.Equal(t, 1, systems)
	assert.Equal(t, 2, c2.State().Iteration)
	assert.Equal(t, 11, c2.State().MaxIterations)
}

func TestResumeFromPauseAtLimitDoesNotStep(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	a := &scriptedAgent{next: func(call int, _ []types.Event) (types.Event, error) {
		if call == 1 {
			entered <- struct{}{}
			<-release
		}
		return reply(types.MessageAction{Content: "more"})
	}}
	h := newHarness(t, a, Options{MaxIterations: 1})
	h.set(types.StateRunning)

	ctx := context.Background()
	_, err := h.log.Append(ctx, types.Event{Payload: types.MessageAction{Content: "go"}}, types.SourceUser)
	require.NoError(t, err)
	<-entered
	require.NoError(t, h.ctrl.SetAgentStateTo(ctx, types.StatePaused))
	close(release)
	h.idle()

	snap := h.ctrl.State()
	assert.Equal(t, types.StatePaused, snap.AgentState)
	assert.Equal(t, 1, snap.Iteration)
	assert.Equal(t, 1, snap.MaxIterations)

	h.set(types.StateRunning)
	snap = h.ctrl.State()
	assert.Equal(t, types.StateError, snap.AgentState)
	assert.Equal(t, ReasonIterationLimit, snap.Reason)
	assert.Equal(t, 1, snap.Iteration)
	assert.Equal(t, 1, a.stepCalls(), "no step may run once the budget is used")
}

func TestRestoredAtLimitStopsWhenRunning(t *testing.T) {
	a := &scriptedAgent{next: func(int, []types.Event) (types.Event, error) {
		return reply(types.MessageAction{Content: "more"})
	}}
	h := newHarness(t, a, Options{MaxIterations: 3})
	h.ctrl.Restore(3, 3)
	h.set(types.StateAwaitingUserInput)
	h.set(types.StateRunning)

	snap := h.ctrl.State()
	assert.Equal(t, types.StateError, snap.AgentState)
	assert.Equal(t, ReasonIterationLimit, snap.Reason)
	assert.Zero(t, a.stepCalls())

	var errorObs int
	for _, ev := range h.events() {
		if _, ok := ev.Payload.(types.ErrorObservation); ok {
			errorObs++
		}
	}
	assert.Equal(t, 1, errorObs)
}

func TestNonActionStepResultMovesToError(t *testing.T) {
	for _, p := range []types.Payload{
		types.SystemMessageAction{Content: "new rules"},
		types.AgentStateChangedObservation{State: types.StateFinished},
	} {
		a := &scriptedAgent{next: func(int, []types.Event) (types.Event, error) {
			return reply(p)
		}}
		h := newHarness(t, a, Options{MaxIterations: 10})
		h.set(types.StateRunning)
		h.say("go")

		snap := h.ctrl.State()
		assert.Equal(t, types.StateError, snap.AgentState, p.Kind())
		assert.Contains(t, snap.Reason, ErrInvalidAction.Error())
		assert.Zero(t, snap.Iteration)
		assert.Equal(t, 1, a.resetCalls())

		var systemMessages int
		for _, ev := range h.events() {
			if _, ok := ev.Payload.(types.SystemMessageAction); ok {
				systemMessages++
			}
		}
		assert.Equal(t, 1, systemMessages, "the step result must not reach the log")
	}
}
