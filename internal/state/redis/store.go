// Package redis implements an event record store on Redis Streams. Each
// session is one stream; records are appended with XADD and replayed with
// XRANGE, so Redis assigns the order.
package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/user/runguard/internal/types"
)

const (
	defaultKeyPrefix = "runguard:events"
	dataField        = "data"
)

// Options configures the Redis store.
type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Store appends records to one Redis stream per session.
type Store struct {
	rdb    *redis.Client
	stream streamClient
	prefix string

	mu sync.Mutex
	// unsure holds sessions whose last XADD failed without a known outcome.
	unsure map[types.SessionID]bool
}

type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRange(ctx context.Context, stream, start, stop string) *redis.XMessageSliceCmd
	XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

var (
	_ types.EventStore  = (*Store)(nil)
	_ types.EventPurger = (*Store)(nil)
)

// New connects to Redis and returns a Store.
func New(opts Options) (*Store, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	s := newStoreWithClient(rdb, opts.KeyPrefix)
	s.rdb = rdb
	return s, nil
}

func newStoreWithClient(c streamClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Store{stream: c, prefix: prefix, unsure: make(map[types.SessionID]bool)}
}

func (s *Store) key(sessionID types.SessionID) string {
	return s.prefix + ":" + string(sessionID)
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.rdb == nil {
		return errors.New("redis client not configured")
	}
	return s.rdb.Ping(ctx).Err()
}

// Close releases the client's connections.
func (s *Store) Close() error {
	if s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

// Write appends data to the session's stream. After a failed XADD the next
// write first checks whether the failed one landed, so a retried record is
// not stored twice.
func (s *Store) Write(ctx context.Context, sessionID types.SessionID, data []byte) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unsure[sessionID] {
		landed, err := s.lastIs(ctx, sessionID, data)
		if err != nil {
			return err
		}
		delete(s.unsure, sessionID)
		if landed {
			return nil
		}
	}

	err := s.stream.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key(sessionID),
		Values: map[string]any{dataField: data},
	}).Err()
	if err != nil {
		s.unsure[sessionID] = true
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// lastIs reports whether the newest entry of the stream holds data.
func (s *Store) lastIs(ctx context.Context, sessionID types.SessionID, data []byte) (bool, error) {
	msgs, err := s.stream.XRevRangeN(ctx, s.key(sessionID), "+", "-", 1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("xrevrange: %w", err)
	}
	if len(msgs) == 0 {
		return false, nil
	}
	last, err := entryData(msgs[0])
	if err != nil {
		return false, err
	}
	return bytes.Equal(last, data), nil
}

func entryData(msg redis.XMessage) ([]byte, error) {
	switch v := msg.Values[dataField].(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return append([]byte(nil), v...), nil
	}
	return nil, fmt.Errorf("stream entry %s has no %q field", msg.ID, dataField)
}

func (s *Store) ReadAll(ctx context.Context, sessionID types.SessionID) ([][]byte, error) {
	msgs, err := s.stream.XRange(ctx, s.key(sessionID), "-", "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xrange: %w", err)
	}

	records := make([][]byte, 0, len(msgs))
	for _, msg := range msgs {
		data, err := entryData(msg)
		if err != nil {
			return nil, err
		}
		records = append(records, data)
	}
	return records, nil
}

// Purge deletes the session's stream.
func (s *Store) Purge(ctx context.Context, sessionID types.SessionID) error {
	s.mu.Lock()
	delete(s.unsure, sessionID)
	s.mu.Unlock()
	if err := s.stream.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}
