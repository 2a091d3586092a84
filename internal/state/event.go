// internal/state/event.go
package state

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/runguard/internal/types"
)

// maxRecordSize bounds a single JSONL line when reading back.
const maxRecordSize = 16 << 20

// EventStore is a JSONL-backed append-only record store.
// Records are stored per-session in sessions/<sessionID>/events.jsonl.
type EventStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
}

// NewEventStore creates a new file-backed EventStore rooted at the given directory.
func NewEventStore(root string) *EventStore {
	return &EventStore{
		root:  root,
		locks: make(map[types.SessionID]*sync.Mutex),
	}
}

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (e *EventStore) getLock(sessionID types.SessionID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	if lock, ok := e.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	e.locks[sessionID] = lock
	return lock
}

func (e *EventStore) eventsPath(sessionID types.SessionID) (string, error) {
	dir, err := sessionDir(e.root, sessionID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "events.jsonl"), nil
}

// Write appends one record as a line. The record must be single-line JSON,
// which rules out binary codecs.
func (e *EventStore) Write(_ context.Context, sessionID types.SessionID, data []byte) error {
	path, err := e.eventsPath(sessionID)
	if err != nil {
		return err
	}
	if bytes.ContainsRune(data, '\n') || !json.Valid(data) {
		return fmt.Errorf("file store requires single-line JSON records")
	}

	lock := e.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return f.Sync()
}

// ReadAll returns every record for the session in write order. A session
// with no file has an empty history.
func (e *EventStore) ReadAll(_ context.Context, sessionID types.SessionID) ([][]byte, error) {
	path, err := e.eventsPath(sessionID)
	if err != nil {
		return nil, err
	}
	lock := e.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var records [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		records = append(records, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan events file: %w", err)
	}
	return records, nil
}

// Purge removes the session's events file.
func (e *EventStore) Purge(_ context.Context, sessionID types.SessionID) error {
	path, err := e.eventsPath(sessionID)
	if err != nil {
		return err
	}
	lock := e.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove events file: %w", err)
	}
	return nil
}
