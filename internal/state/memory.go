package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/user/runguard/internal/types"
)

// MemoryStore keeps records in memory. It is not durable and is meant for
// tests and throwaway sessions.
type MemoryStore struct {
	mu      sync.Mutex
	records map[types.SessionID][][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[types.SessionID][][]byte)}
}

func (m *MemoryStore) Write(_ context.Context, sessionID types.SessionID, data []byte) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[sessionID] = append(m.records[sessionID], append([]byte(nil), data...))
	return nil
}

func (m *MemoryStore) ReadAll(_ context.Context, sessionID types.SessionID) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.records[sessionID]
	out := make([][]byte, len(all))
	for i, rec := range all {
		out[i] = append([]byte(nil), rec...)
	}
	return out, nil
}

func (m *MemoryStore) Purge(_ context.Context, sessionID types.SessionID) error {
	m.mu.Lock()
	delete(m.records, sessionID)
	m.mu.Unlock()
	return nil
}
