// Package stream implements a session's event log: an append-only, totally
// ordered history that assigns ids, persists each event, and fans it out to
// subscribers.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/runguard/internal/codec"
	"github.com/user/runguard/internal/types"
)

var (
	// ErrStoreFailure wraps any failure to persist an event.
	ErrStoreFailure = errors.New("event store failure")
	// ErrIDAssigned is returned when appending an event that already has an id.
	ErrIDAssigned = errors.New("event already has an id")
	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("event log closed")
)

const idlePollInterval = 5 * time.Millisecond

// Log is the event log of one session.
type Log struct {
	sessionID types.SessionID
	store     types.EventStore
	codec     codec.Codec
	retry     *RetryPolicy
	logger    *slog.Logger
	now       func() time.Time

	// mu serializes appends: id assignment, persistence, and enqueueing to
	// subscribers happen under it, so every subscriber sees ascending ids.
	mu     sync.Mutex
	nextID int64
	closed bool

	appended atomic.Int64
	disp     *dispatcher
}

type options struct {
	codec         codec.Codec
	retry         *RetryPolicy
	logger        *slog.Logger
	maxConcurrent int64
	now           func() time.Time
}

// Option configures a Log.
type Option func(*options)

// WithCodec sets the record encoding. Defaults to JSON.
func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithRetryPolicy sets how failed store writes are retried.
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(o *options) { o.retry = p }
}

// WithLogger sets the logger used for subscriber failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMaxConcurrentDispatch bounds how many subscriber handlers may run at
// the same time. Defaults to 4.
func WithMaxConcurrentDispatch(n int64) Option {
	return func(o *options) { o.maxConcurrent = n }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Open returns the log of sessionID backed by store. Persisted history is
// replayed to find the next id, so a reopened session continues where it
// left off.
func Open(ctx context.Context, sessionID types.SessionID, store types.EventStore, opts ...Option) (*Log, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	if store == nil {
		return nil, errors.New("event store is required")
	}
	o := options{
		codec:         codec.JSON{},
		retry:         DefaultRetryPolicy(),
		logger:        slog.Default(),
		maxConcurrent: 4,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	l := &Log{
		sessionID: sessionID,
		store:     store,
		codec:     o.codec,
		retry:     o.retry,
		logger:    o.logger,
		now:       o.now,
	}

	history, err := l.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	if n := len(history); n > 0 {
		last, _ := history[n-1].ID.Value()
		l.nextID = last + 1
	}
	l.appended.Store(int64(len(history)))
	l.disp = newDispatcher(ctx, o.maxConcurrent, sessionID, o.logger)

	l.logger.Debug("event log opened",
		"session_id", string(sessionID),
		"codec", l.codec.Name(),
		"next_id", l.nextID)
	return l, nil
}

// SessionID returns the session this log belongs to.
func (l *Log) SessionID() types.SessionID {
	return l.sessionID
}

// Append persists ev as the next event of the session and queues it for
// every subscriber. The returned event carries the assigned id, source, and
// timestamp. If the store write fails the error wraps ErrStoreFailure, no
// subscriber is notified, and the id is reused by the next append.
func (l *Log) Append(ctx context.Context, ev types.Event, source types.EventSource) (types.Event, error) {
	if ev.Payload == nil {
		return types.Event{}, errors.New("event has no payload")
	}
	if ev.ID.IsSet() {
		return types.Event{}, fmt.Errorf("%w: %s", ErrIDAssigned, ev.ID)
	}
	if !source.Valid() {
		return types.Event{}, fmt.Errorf("invalid event source %q", source)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return types.Event{}, ErrClosed
	}

	ev.ID = types.NewID(l.nextID)
	ev.Source = source
	ev.Timestamp = l.now().UTC()

	data, err := l.codec.Encode(ev)
	if err != nil {
		return types.Event{}, fmt.Errorf("encode event: %w", err)
	}

	err = l.retry.Execute(ctx, func() error {
		return l.store.Write(ctx, l.sessionID, data)
	})
	if err != nil {
		l.logger.Warn("event write failed",
			"session_id", string(l.sessionID),
			"event_id", ev.ID.String(),
			"kind", string(ev.Kind()),
			"error", err)
		return types.Event{}, fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}

	l.nextID++
	l.appended.Add(1)
	l.disp.enqueue(ev)

	l.logger.Debug("event appended",
		"session_id", string(l.sessionID),
		"event_id", ev.ID.String(),
		"source", string(source),
		"kind", string(ev.Kind()))
	return ev, nil
}

// Subscribe registers h under id. Subscribing an id that is already
// registered replaces its handler without changing its position.
func (l *Log) Subscribe(id types.SubscriberID, h Handler) error {
	if id == "" {
		return errors.New("subscriber id is required")
	}
	if h == nil {
		return errors.New("handler is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.disp.subscribe(id, h)
	return nil
}

// Unsubscribe removes id. Events queued for it are dropped. Unknown ids are
// ignored.
func (l *Log) Unsubscribe(id types.SubscriberID) {
	l.disp.unsubscribe(id)
}

// Subscribers returns registered subscriber ids in registration order.
func (l *Log) Subscribers() []types.SubscriberID {
	return l.disp.subscribers()
}

// ReadAll decodes the durable history in id order.
func (l *Log) ReadAll(ctx context.Context) ([]types.Event, error) {
	records, err := l.store.ReadAll(ctx, l.sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: read history: %w", ErrStoreFailure, err)
	}
	events := make([]types.Event, 0, len(records))
	var prev int64 = -1
	for i, rec := range records {
		ev, err := l.codec.Decode(rec)
		if err != nil {
			return nil, fmt.Errorf("decode record %d: %w", i, err)
		}
		id, ok := ev.ID.Value()
		if !ok || id <= prev {
			return nil, fmt.Errorf("record %d: id %s out of order", i, ev.ID)
		}
		prev = id
		events = append(events, ev)
	}
	return events, nil
}

// Appended returns the number of events in the log, including history
// found at open.
func (l *Log) Appended() int64 {
	return l.appended.Load()
}

// Pending returns the number of deliveries queued or running.
func (l *Log) Pending() int64 {
	return l.disp.pending.Load()
}

// WaitIdle blocks until no deliveries are queued or running, or the timeout
// expires. Returns true if idle, false if timed out.
func (l *Log) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if l.Pending() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(idlePollInterval):
		}
	}
}

// Close stops delivery. Queued events are dropped and later appends fail
// with ErrClosed. It waits for running handlers, so a handler must not call
// it.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.disp.stop()
	return nil
}
