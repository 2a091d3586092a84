// internal/state/session_test.go
package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/user/runguard/internal/types"
)

func TestSessionStore(t *testing.T) {
	dir := t.TempDir()
	store := NewSessionStore(dir)
	ctx := context.Background()

	id := types.NewSessionID()
	created, err := store.Create(ctx, id, "echo", 100)
	if err != nil {
		t.Fatal(err)
	}
	if created.Status != types.StateLoading {
		t.Errorf("expected loading status, got %s", created.Status)
	}

	// Test get
	session, err := store.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if session.MaxIterations != 100 {
		t.Errorf("expected max iterations 100, got %d", session.MaxIterations)
	}

	// Test idempotency
	again, err := store.Create(ctx, id, "other", 5)
	if err != nil {
		t.Fatal(err)
	}
	if again.Agent != "echo" || again.MaxIterations != 100 {
		t.Error("expected existing session to be returned unchanged")
	}

	// Test update
	session.Status = types.StateRunning
	session.Iteration = 12
	session.LastEventID = types.NewID(30)
	if err := store.Update(ctx, session); err != nil {
		t.Fatal(err)
	}
	reloaded, err := NewSessionStore(dir).Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Status != types.StateRunning || reloaded.Iteration != 12 {
		t.Errorf("update not persisted: %+v", reloaded)
	}
	if v, ok := reloaded.LastEventID.Value(); !ok || v != 30 {
		t.Errorf("expected last event id 30, got %s", reloaded.LastEventID)
	}
}

func TestSessionStoreUnknown(t *testing.T) {
	store := NewSessionStore(t.TempDir())
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); err == nil {
		t.Error("expected error for unknown session")
	}
	if err := store.Update(ctx, &types.SessionIndex{SessionID: "missing"}); err == nil {
		t.Error("expected error updating unknown session")
	}
}

func TestSessionStoreListOrder(t *testing.T) {
	store := NewSessionStore(t.TempDir())
	ctx := context.Background()

	first := types.NewSessionID()
	second := types.NewSessionID()
	if _, err := store.Create(ctx, first, "echo", 10); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Create(ctx, second, "echo", 10); err != nil {
		t.Fatal(err)
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list))
	}
	if list[0].SessionID != first {
		t.Errorf("expected oldest session first")
	}
}

func TestSessionStoreDelete(t *testing.T) {
	dir := t.TempDir()
	sessions := NewSessionStore(dir)
	events := NewEventStore(dir)
	ctx := context.Background()

	id := types.NewSessionID()
	if _, err := sessions.Create(ctx, id, "echo", 10); err != nil {
		t.Fatal(err)
	}
	if err := events.Write(ctx, id, []byte(`{"id":0}`)); err != nil {
		t.Fatal(err)
	}

	if err := sessions.Delete(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := sessions.Get(ctx, id); err == nil {
		t.Error("expected deleted session to be gone from the index")
	}
	records, err := events.ReadAll(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("expected session directory to be removed, found %d records", len(records))
	}
	if err := sessions.Delete(ctx, id); err == nil {
		t.Error("expected error deleting an unknown session")
	}
}

func TestStoresRejectEscapingSessionIDs(t *testing.T) {
	dir := t.TempDir()
	sentinel := filepath.Join(dir, "keep")
	if err := os.WriteFile(sentinel, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	sessions := NewSessionStore(dir)
	events := NewEventStore(dir)
	ctx := context.Background()

	for _, id := range []types.SessionID{"", ".", "..", "../..", "a/b", `a\b`} {
		if _, err := sessions.Create(ctx, id, "echo", 10); !errors.Is(err, types.ErrInvalidSessionID) {
			t.Errorf("Create(%q): expected ErrInvalidSessionID, got %v", id, err)
		}
		if err := sessions.Delete(ctx, id); !errors.Is(err, types.ErrInvalidSessionID) {
			t.Errorf("Delete(%q): expected ErrInvalidSessionID, got %v", id, err)
		}
		if err := events.Write(ctx, id, []byte(`{"id":0}`)); !errors.Is(err, types.ErrInvalidSessionID) {
			t.Errorf("Write(%q): expected ErrInvalidSessionID, got %v", id, err)
		}
		if _, err := events.ReadAll(ctx, id); !errors.Is(err, types.ErrInvalidSessionID) {
			t.Errorf("ReadAll(%q): expected ErrInvalidSessionID, got %v", id, err)
		}
		if err := events.Purge(ctx, id); !errors.Is(err, types.ErrInvalidSessionID) {
			t.Errorf("Purge(%q): expected ErrInvalidSessionID, got %v", id, err)
		}
	}

	if _, err := os.Stat(sentinel); err != nil {
		t.Fatalf("data dir was touched: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "events.jsonl")); !os.IsNotExist(err) {
		t.Error("expected no events file outside sessions/")
	}
}
