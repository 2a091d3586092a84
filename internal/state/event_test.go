// internal/state/event_test.go
package state

import (
	"context"
	"testing"

	"github.com/user/runguard/internal/types"
)

func TestEventStore(t *testing.T) {
	dir := t.TempDir()
	store := NewEventStore(dir)
	ctx := context.Background()

	sessionID := types.NewSessionID()

	records := []string{
		`{"id":0,"kind":"message"}`,
		`{"id":1,"kind":"finish"}`,
	}
	for _, rec := range records {
		if err := store.Write(ctx, sessionID, []byte(rec)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.ReadAll(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	for i := range records {
		if string(got[i]) != records[i] {
			t.Errorf("record %d: expected %s, got %s", i, records[i], got[i])
		}
	}

	// A second store over the same directory sees the same history.
	reopened, err := NewEventStore(dir).ReadAll(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(reopened) != 2 {
		t.Errorf("expected 2 records after reopen, got %d", len(reopened))
	}
}

func TestEventStoreEmptySession(t *testing.T) {
	store := NewEventStore(t.TempDir())
	got, err := store.ReadAll(context.Background(), types.NewSessionID())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty history, got %d records", len(got))
	}
}

func TestEventStoreRejectsBinaryRecords(t *testing.T) {
	store := NewEventStore(t.TempDir())
	ctx := context.Background()
	sid := types.NewSessionID()

	if err := store.Write(ctx, sid, []byte("{\"a\":\n1}")); err == nil {
		t.Error("expected error for multi-line record")
	}
	if err := store.Write(ctx, sid, []byte{0xa1, 0x61, 0x61, 0x01}); err == nil {
		t.Error("expected error for non-JSON record")
	}
	if err := store.Write(ctx, "", []byte(`{}`)); err == nil {
		t.Error("expected error for missing session id")
	}
}

func TestMemoryStoreCopiesRecords(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	sid := types.NewSessionID()

	data := []byte("abc")
	if err := store.Write(ctx, sid, data); err != nil {
		t.Fatal(err)
	}
	data[0] = 'z'

	got, err := store.ReadAll(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	if string(got[0]) != "abc" {
		t.Errorf("store kept a reference to caller bytes: %s", got[0])
	}
	got[0][0] = 'y'

	again, _ := store.ReadAll(ctx, sid)
	if string(again[0]) != "abc" {
		t.Errorf("ReadAll leaked internal bytes: %s", again[0])
	}
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	stores := map[string]interface {
		types.EventStore
		types.EventPurger
	}{
		"file":   NewEventStore(t.TempDir()),
		"memory": NewMemoryStore(),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			if err := store.Purge(ctx, "never-written"); err != nil {
				t.Fatalf("purging an empty session: %v", err)
			}
			for _, id := range []types.SessionID{"a", "b"} {
				if err := store.Write(ctx, id, []byte(`{"id":0}`)); err != nil {
					t.Fatal(err)
				}
			}
			if err := store.Purge(ctx, "a"); err != nil {
				t.Fatal(err)
			}
			if got, _ := store.ReadAll(ctx, "a"); len(got) != 0 {
				t.Errorf("expected purged session to be empty, got %d records", len(got))
			}
			if got, _ := store.ReadAll(ctx, "b"); len(got) != 1 {
				t.Errorf("expected other session to keep its record, got %d", len(got))
			}
		})
	}
}
