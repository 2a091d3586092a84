package types

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// ErrInvalidSessionID is returned for ids that are not canonical UUIDs.
var ErrInvalidSessionID = errors.New("invalid session id")

type SessionID string
type SubscriberID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

// Validate accepts only the canonical form NewSessionID produces. Session
// ids name directories and keys, so nothing else is let through.
func (id SessionID) Validate() error {
	parsed, err := uuid.Parse(string(id))
	if err != nil || parsed.String() != string(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, string(id))
	}
	return nil
}

// ID is the log-assigned position of an event within its session. The zero
// value means the event has not been persisted yet; only the event log turns
// it into an assigned id.
type ID struct {
	seq int64
	set bool
}

// NewID returns an assigned id. Only the event log and decoders call it.
func NewID(seq int64) ID {
	return ID{seq: seq, set: true}
}

// Value returns the id and whether it has been assigned.
func (id ID) Value() (int64, bool) {
	return id.seq, id.set
}

func (id ID) IsSet() bool {
	return id.set
}

func (id ID) String() string {
	if !id.set {
		return "unassigned"
	}
	return strconv.FormatInt(id.seq, 10)
}

func (id ID) MarshalJSON() ([]byte, error) {
	if !id.set {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(id.seq, 10)), nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ID{}
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*id = NewID(n)
	return nil
}

// MarshalText encodes an unassigned id as the empty string. Binary codecs
// use it; JSON keeps the number/null form above.
func (id ID) MarshalText() ([]byte, error) {
	if !id.set {
		return []byte{}, nil
	}
	return []byte(strconv.FormatInt(id.seq, 10)), nil
}

func (id *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*id = ID{}
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*id = NewID(n)
	return nil
}

// Well-known subscriber ids. Each component subscribes to a session's log
// under exactly one of these.
const (
	SubscriberController   SubscriberID = "agent_controller"
	SubscriberRuntime      SubscriberID = "runtime"
	SubscriberSessionIndex SubscriberID = "session_index"
	SubscriberCLI          SubscriberID = "cli"
)
