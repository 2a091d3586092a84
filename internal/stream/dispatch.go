package stream

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/user/runguard/internal/types"
)

// Handler receives events delivered to a subscriber. A returned error is
// logged and dropped.
type Handler func(ctx context.Context, ev types.Event) error

// dispatcher manages per-subscriber lanes with a global concurrency
// semaphore. Each subscriber gets its own unbounded FIFO lane so it sees
// events in append order, while the semaphore limits how many handlers run
// at once across all lanes.
type dispatcher struct {
	mu        sync.RWMutex
	lanes     map[types.SubscriberID]*lane
	order     []*lane
	semaphore *semaphore.Weighted
	pending   atomic.Int64
	logger    *slog.Logger
	sessionID types.SessionID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type lane struct {
	id      types.SubscriberID
	mu      sync.Mutex
	handler Handler
	queue   []types.Event
	closed  bool
	wake    chan struct{}
}

func newDispatcher(ctx context.Context, maxConcurrent int64, sessionID types.SessionID, logger *slog.Logger) *dispatcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	d := &dispatcher{
		lanes:     make(map[types.SubscriberID]*lane),
		semaphore: semaphore.NewWeighted(maxConcurrent),
		logger:    logger,
		sessionID: sessionID,
	}
	d.ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	return d
}

// subscribe registers h under id, or swaps the handler of an existing lane
// in place so the subscriber keeps its position and queued events.
func (d *dispatcher) subscribe(id types.SubscriberID, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if l, ok := d.lanes[id]; ok {
		l.mu.Lock()
		l.handler = h
		l.mu.Unlock()
		return
	}

	l := &lane{id: id, handler: h, wake: make(chan struct{}, 1)}
	d.lanes[id] = l
	d.order = append(d.order, l)
	d.wg.Add(1)
	go d.processLane(l)
}

// unsubscribe removes the lane and drops whatever it had queued.
func (d *dispatcher) unsubscribe(id types.SubscriberID) {
	d.mu.Lock()
	l, ok := d.lanes[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.lanes, id)
	for i, o := range d.order {
		if o == l {
			d.order = append(d.order[:i:i], d.order[i+1:]...)
			break
		}
	}
	d.mu.Unlock()

	d.closeLane(l)
}

func (d *dispatcher) closeLane(l *lane) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	dropped := len(l.queue)
	l.queue = nil
	l.mu.Unlock()

	d.pending.Add(-int64(dropped))
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// enqueue hands ev to every lane in registration order. It never blocks.
func (d *dispatcher) enqueue(ev types.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, l := range d.order {
		l.mu.Lock()
		if !l.closed {
			d.pending.Add(1)
			l.queue = append(l.queue, ev)
		}
		l.mu.Unlock()
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
}

// processLane drains a single lane, acquiring a semaphore slot before
// running the handler synchronously. Within a lane delivery is strictly
// FIFO.
func (d *dispatcher) processLane(l *lane) {
	defer d.wg.Done()
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			select {
			case <-l.wake:
				continue
			case <-d.ctx.Done():
				return
			}
		}
		ev := l.queue[0]
		l.queue[0] = types.Event{}
		l.queue = l.queue[1:]
		h := l.handler
		l.mu.Unlock()

		if err := d.semaphore.Acquire(d.ctx, 1); err != nil {
			d.pending.Add(-1)
			return
		}
		d.deliver(l.id, h, ev)
		d.semaphore.Release(1)
		d.pending.Add(-1)
	}
}

// deliver runs one handler call. Errors and panics are subscriber failures:
// logged, never propagated.
func (d *dispatcher) deliver(id types.SubscriberID, h Handler, ev types.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("subscriber panicked",
				"session_id", string(d.sessionID),
				"subscriber", string(id),
				"event_id", ev.ID.String(),
				"error", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	if err := h(d.ctx, ev); err != nil {
		d.logger.Error("subscriber failed",
			"session_id", string(d.sessionID),
			"subscriber", string(id),
			"event_id", ev.ID.String(),
			"kind", string(ev.Kind()),
			"error", err)
	}
}

func (d *dispatcher) subscribers() []types.SubscriberID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]types.SubscriberID, len(d.order))
	for i, l := range d.order {
		ids[i] = l.id
	}
	return ids
}

// stop cancels in-flight waits, closes all lanes, and waits for the lane
// goroutines to exit.
func (d *dispatcher) stop() {
	d.cancel()
	d.mu.Lock()
	lanes := d.order
	d.order = nil
	d.lanes = make(map[types.SubscriberID]*lane)
	d.mu.Unlock()
	for _, l := range lanes {
		d.closeLane(l)
	}
	d.wg.Wait()
}
