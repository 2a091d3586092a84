// Package codec serializes events for the persistence collaborators.
//
// Every record is an envelope {id, source, timestamp, kind, payload}; the kind
// selects the payload type on decode. Two encodings are provided: JSON, one
// line per record, and CBOR using Core Deterministic Encoding.
package codec

import (
	"fmt"

	"github.com/user/runguard/internal/types"
)

// Codec turns events into bytes and back.
type Codec interface {
	Name() string
	Encode(ev types.Event) ([]byte, error)
	Decode(data []byte) (types.Event, error)
}

// ByName returns the codec registered under name. The empty name selects JSON.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "cbor":
		return CBOR{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

func checkEncodable(ev types.Event) error {
	if ev.Payload == nil {
		return fmt.Errorf("event has no payload")
	}
	if !ev.Source.Valid() {
		return fmt.Errorf("invalid event source %q", ev.Source)
	}
	return nil
}
