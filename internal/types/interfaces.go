package types

import (
	"context"
)

// EventStore is the persistence collaborator behind an event log: a durable,
// ordered, append-only byte store namespaced by session.
type EventStore interface {
	Write(ctx context.Context, sessionID SessionID, data []byte) error
	ReadAll(ctx context.Context, sessionID SessionID) ([][]byte, error)
}

// EventPurger is implemented by stores that can drop a session's records.
type EventPurger interface {
	Purge(ctx context.Context, sessionID SessionID) error
}

type SessionStore interface {
	Create(ctx context.Context, id SessionID, agent string, maxIterations int) (*SessionIndex, error)
	Get(ctx context.Context, id SessionID) (*SessionIndex, error)
	List(ctx context.Context) ([]*SessionIndex, error)
	Update(ctx context.Context, session *SessionIndex) error
	Delete(ctx context.Context, id SessionID) error
}
