package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/user/runguard/internal/controller"
	"github.com/user/runguard/internal/types"
)

// indexer keeps a session's index entry in step with its log.
type indexer struct {
	store  types.SessionStore
	ctrl   *controller.Controller
	logger *slog.Logger

	mu  sync.Mutex
	idx types.SessionIndex
}

func newIndexer(store types.SessionStore, idx *types.SessionIndex, ctrl *controller.Controller, logger *slog.Logger) *indexer {
	return &indexer{store: store, ctrl: ctrl, logger: logger, idx: *idx}
}

func (x *indexer) onEvent(ctx context.Context, ev types.Event) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.idx.LastEventID = ev.ID
	if obs, ok := ev.Payload.(types.AgentStateChangedObservation); ok {
		x.idx.Status = obs.State
		x.idx.Reason = obs.Reason
	}
	snap := x.ctrl.State()
	x.idx.Iteration = snap.Iteration
	x.idx.MaxIterations = snap.MaxIterations
	return x.save(ctx)
}

// flush records the controller's final snapshot.
func (x *indexer) flush(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	snap := x.ctrl.State()
	x.idx.Status = snap.AgentState
	x.idx.Reason = snap.Reason
	x.idx.Iteration = snap.Iteration
	x.idx.MaxIterations = snap.MaxIterations
	if later(snap.LastEventID, x.idx.LastEventID) {
		x.idx.LastEventID = snap.LastEventID
	}
	return x.save(ctx)
}

// save must hold x.mu.
func (x *indexer) save(ctx context.Context) error {
	entry := x.idx
	if err := x.store.Update(ctx, &entry); err != nil {
		x.logger.Error("update session index", "error", err)
		return err
	}
	x.idx.UpdatedAt = entry.UpdatedAt
	return nil
}

func later(a, b types.ID) bool {
	av, aok := a.Value()
	bv, bok := b.Value()
	return aok && (!bok || av > bv)
}
