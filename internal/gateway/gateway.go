// Package gateway assembles and owns the per-session context: event log,
// controller, runtime, and the session index subscriber.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/runguard/internal/agent"
	"github.com/user/runguard/internal/controller"
	"github.com/user/runguard/internal/runtime"
	"github.com/user/runguard/internal/stream"
	"github.com/user/runguard/internal/types"
)

// ErrUnknownSession is returned for operations on a session that is not
// open in this gateway.
var ErrUnknownSession = errors.New("session not open")

// ErrAlreadyOpen is returned by Open for a session that is open or being
// opened.
var ErrAlreadyOpen = errors.New("session already open")

// AgentFactory builds the agent for a session.
type AgentFactory func(sessionID types.SessionID) (agent.Agent, error)

// Options configures a Gateway.
type Options struct {
	NewAgent      AgentFactory
	AgentName     string
	Tools         *runtime.Registry
	ToolTimeout   time.Duration
	MaxIterations int
	Headless      bool
	LogOptions    []stream.Option
	Logger        *slog.Logger
}

// Session is the explicit context of one conversation. Each session has its
// own log and controller.
type Session struct {
	ID         types.SessionID
	Log        *stream.Log
	Controller *controller.Controller
	Runtime    *runtime.Runtime

	index *indexer
}

// SessionSpec selects the session to open. An empty ID creates a new one.
type SessionSpec struct {
	ID types.SessionID
}

// Gateway opens sessions over shared stores.
type Gateway struct {
	sessions types.SessionStore
	events   types.EventStore
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	open    map[types.SessionID]*Session
	opening map[types.SessionID]struct{}
}

// New creates a Gateway. MaxIterations must be positive and NewAgent set.
func New(sessions types.SessionStore, events types.EventStore, opts Options) (*Gateway, error) {
	if sessions == nil || events == nil {
		return nil, errors.New("session and event stores are required")
	}
	if opts.NewAgent == nil {
		return nil, errors.New("agent factory is required")
	}
	if opts.MaxIterations <= 0 {
		return nil, fmt.Errorf("max iterations must be positive, got %d", opts.MaxIterations)
	}
	if opts.Tools == nil {
		opts.Tools = runtime.NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		sessions: sessions,
		events:   events,
		opts:     opts,
		logger:   logger,
		open:     make(map[types.SessionID]*Session),
		opening:  make(map[types.SessionID]struct{}),
	}, nil
}

// Open builds the session context. A new session starts running; a resumed
// one restores its counters from the index and waits for user input. The id
// is reserved for the whole assembly, so concurrent opens of one session
// cannot each get a log over the same store.
func (g *Gateway) Open(ctx context.Context, spec SessionSpec) (*Session, error) {
	id := spec.ID
	if id == "" {
		id = types.NewSessionID()
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}

	if err := g.reserve(id); err != nil {
		return nil, err
	}
	sess, resumed, err := g.build(ctx, id)

	g.mu.Lock()
	delete(g.opening, id)
	if err == nil {
		g.open[id] = sess
	}
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}

	g.logger.Info("session opened",
		"session_id", string(id),
		"resumed", resumed,
		"iteration", sess.Controller.State().Iteration,
		"max_iterations", sess.Controller.State().MaxIterations)
	return sess, nil
}

func (g *Gateway) reserve(id types.SessionID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.open[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, id)
	}
	if _, ok := g.opening[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, id)
	}
	g.opening[id] = struct{}{}
	return nil
}

func (g *Gateway) build(ctx context.Context, id types.SessionID) (*Session, bool, error) {
	idx, resumed, err := g.resolve(ctx, id)
	if err != nil {
		return nil, false, err
	}

	logOpts := append(append([]stream.Option{}, g.opts.LogOptions...), stream.WithLogger(g.logger))
	log, err := stream.Open(ctx, id, g.events, logOpts...)
	if err != nil {
		return nil, false, fmt.Errorf("open event log: %w", err)
	}

	sess, err := g.assemble(ctx, log, idx, resumed)
	if err != nil {
		log.Close()
		return nil, false, err
	}
	return sess, resumed, nil
}

func (g *Gateway) resolve(ctx context.Context, id types.SessionID) (*types.SessionIndex, bool, error) {
	if idx, err := g.sessions.Get(ctx, id); err == nil {
		return idx, true, nil
	}
	idx, err := g.sessions.Create(ctx, id, g.opts.AgentName, g.opts.MaxIterations)
	if err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}
	return idx, false, nil
}

func (g *Gateway) assemble(ctx context.Context, log *stream.Log, idx *types.SessionIndex, resumed bool) (*Session, error) {
	a, err := g.opts.NewAgent(log.SessionID())
	if err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	ctrl, err := controller.New(a, log, controller.Options{
		MaxIterations: g.opts.MaxIterations,
		Headless:      g.opts.Headless,
		Logger:        g.logger,
	})
	if err != nil {
		return nil, err
	}
	if resumed {
		ctrl.Restore(idx.Iteration, idx.MaxIterations)
	}

	sess := &Session{
		ID:         log.SessionID(),
		Log:        log,
		Controller: ctrl,
		Runtime:    runtime.New(log, g.opts.Tools, g.opts.ToolTimeout, g.logger),
	}
	sess.index = newIndexer(g.sessions, idx, ctrl, g.logger.With("session_id", string(log.SessionID())))

	if err := sess.Runtime.Start(); err != nil {
		return nil, fmt.Errorf("start runtime: %w", err)
	}
	if err := log.Subscribe(types.SubscriberSessionIndex, sess.index.onEvent); err != nil {
		return nil, fmt.Errorf("subscribe session index: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		return nil, fmt.Errorf("start controller: %w", err)
	}

	initial := types.StateRunning
	if resumed {
		initial = types.StateAwaitingUserInput
	}
	if err := ctrl.SetAgentStateTo(ctx, initial); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns an open session.
func (g *Gateway) Get(id types.SessionID) (*Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sess, ok := g.open[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return sess, nil
}

// Send appends text as a user message to an open session.
func (g *Gateway) Send(ctx context.Context, id types.SessionID, text string) (types.Event, error) {
	sess, err := g.Get(id)
	if err != nil {
		return types.Event{}, err
	}
	ev := types.Event{Payload: types.MessageAction{Content: text}}
	return sess.Log.Append(ctx, ev, types.SourceUser)
}

// Close tears down an open session and persists its final snapshot.
func (g *Gateway) Close(ctx context.Context, id types.SessionID) error {
	g.mu.Lock()
	sess, ok := g.open[id]
	delete(g.open, id)
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return g.teardown(ctx, sess)
}

func (g *Gateway) teardown(ctx context.Context, sess *Session) error {
	sess.Runtime.Stop()
	err := sess.Controller.Close()
	sess.Log.Unsubscribe(types.SubscriberSessionIndex)
	if ierr := sess.index.flush(ctx); ierr != nil {
		err = errors.Join(err, ierr)
	}
	if lerr := sess.Log.Close(); lerr != nil {
		err = errors.Join(err, lerr)
	}
	g.logger.Info("session closed",
		"session_id", string(sess.ID),
		"state", string(sess.Controller.State().AgentState))
	return err
}

// Stop closes every open session.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	open := g.open
	g.open = make(map[types.SessionID]*Session)
	g.mu.Unlock()

	var errs []error
	for _, sess := range open {
		if err := g.teardown(ctx, sess); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", sess.ID, err))
		}
	}
	return errors.Join(errs...)
}

// History returns the persisted events of any session, open or not.
func (g *Gateway) History(ctx context.Context, id types.SessionID) ([]types.Event, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if sess, err := g.Get(id); err == nil {
		return sess.Log.ReadAll(ctx)
	}
	if _, err := g.sessions.Get(ctx, id); err != nil {
		return nil, err
	}
	log, err := stream.Open(ctx, id, g.events, g.opts.LogOptions...)
	if err != nil {
		return nil, err
	}
	defer log.Close()
	return log.ReadAll(ctx)
}

// List returns the session index, oldest first.
func (g *Gateway) List(ctx context.Context) ([]*types.SessionIndex, error) {
	return g.sessions.List(ctx)
}

// Clear deletes a closed session's index entry and, when the store supports
// it, its events.
func (g *Gateway) Clear(ctx context.Context, id types.SessionID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	_, open := g.open[id]
	_, opening := g.opening[id]
	g.mu.Unlock()
	if open || opening {
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, id)
	}
	if p, ok := g.events.(types.EventPurger); ok {
		if err := p.Purge(ctx, id); err != nil {
			return fmt.Errorf("purge events: %w", err)
		}
	}
	return g.sessions.Delete(ctx, id)
}
