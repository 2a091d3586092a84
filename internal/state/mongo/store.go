// Package mongo implements a MongoDB-backed event record store.
package mongo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/user/runguard/internal/types"
)

type (
	// Options configures the Mongo store.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	// Store keeps one document per record, ordered by a per-session sequence.
	Store struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration

		mu   sync.Mutex
		next map[types.SessionID]int64
	}

	recordDocument struct {
		SessionID string    `bson:"session_id"`
		Seq       int64     `bson:"seq"`
		Data      []byte    `bson:"data"`
		WrittenAt time.Time `bson:"written_at"`
	}
)

const (
	defaultCollection = "runguard_events"
	defaultTimeout    = 5 * time.Second
)

var (
	_ types.EventStore  = (*Store)(nil)
	_ types.EventPurger = (*Store)(nil)
)

// Connect dials uri and returns a Store over database.collection.
func Connect(ctx context.Context, uri, database, collection string) (*Store, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}
	client, err := mongodriver.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	return New(Options{Client: client, Database: database, Collection: collection})
}

// New returns a Store backed by the provided MongoDB client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	wrapper := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	s := newStoreWithCollection(wrapper, timeout)
	s.mongo = opts.Client
	return s, nil
}

func newStoreWithCollection(coll collection, timeout time.Duration) *Store {
	return &Store{
		coll:    coll,
		timeout: timeout,
		next:    make(map[types.SessionID]int64),
	}
}

// Ping checks connectivity with the primary.
func (s *Store) Ping(ctx context.Context) error {
	if s.mongo == nil {
		return errors.New("mongo client not configured")
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	if s.mongo == nil {
		return nil
	}
	return s.mongo.Disconnect(ctx)
}

// Write inserts data as the next record of the session. The sequence only
// advances once the insert succeeds.
func (s *Store) Write(ctx context.Context, sessionID types.SessionID, data []byte) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	seq, ok := s.next[sessionID]
	if !ok {
		last, lastData, err := s.lastRecord(ctx, sessionID)
		if err != nil {
			return err
		}
		// Encoded records carry their event id, so an identical newest
		// record is this write landing before an earlier attempt timed out.
		if last >= 0 && bytes.Equal(lastData, data) {
			s.next[sessionID] = last + 1
			return nil
		}
		seq = last + 1
	}

	doc := recordDocument{
		SessionID: string(sessionID),
		Seq:       seq,
		Data:      append([]byte(nil), data...),
		WrittenAt: time.Now().UTC(),
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		// Another writer may own the sequence; re-read it next time.
		delete(s.next, sessionID)
		return fmt.Errorf("insert record: %w", err)
	}
	s.next[sessionID] = seq + 1
	return nil
}

// ReadAll returns every record for the session ordered by sequence.
func (s *Store) ReadAll(ctx context.Context, sessionID types.SessionID) (records [][]byte, err error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Find(ctx, bson.M{"session_id": string(sessionID)},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find records: %w", err)
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	for cur.Next(ctx) {
		var doc recordDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		records = append(records, append([]byte(nil), doc.Data...))
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Purge deletes every record of the session.
func (s *Store) Purge(ctx context.Context, sessionID types.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.coll.DeleteMany(ctx, bson.M{"session_id": string(sessionID)}); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	delete(s.next, sessionID)
	return nil
}

// lastRecord returns the highest stored sequence for the session and its
// data, or -1.
func (s *Store) lastRecord(ctx context.Context, sessionID types.SessionID) (last int64, data []byte, err error) {
	cur, err := s.coll.Find(ctx, bson.M{"session_id": string(sessionID)},
		options.Find().SetSort(bson.D{{Key: "seq", Value: -1}}).SetLimit(1))
	if err != nil {
		return 0, nil, fmt.Errorf("find last record: %w", err)
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	last = -1
	if cur.Next(ctx) {
		var doc recordDocument
		if err := cur.Decode(&doc); err != nil {
			return 0, nil, err
		}
		last, data = doc.Seq, doc.Data
	}
	return last, data, cur.Err()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "seq", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

type collection interface {
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteMany(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return c.coll.Indexes()
}
