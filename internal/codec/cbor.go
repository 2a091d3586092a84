package codec

import (
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/user/runguard/internal/types"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// types.ID implements encoding.TextMarshaler; without this it would
	// encode as an empty map and lose the sequence number.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborRecord struct {
	ID        types.ID          `cbor:"id"`
	Source    types.EventSource `cbor:"source"`
	Timestamp time.Time         `cbor:"timestamp"`
	Kind      types.EventKind   `cbor:"kind"`
	Payload   cbor.RawMessage   `cbor:"payload"`
}

// CBOR encodes events deterministically: the same event always produces the
// same bytes. Records may contain newlines, so it needs a binary-safe store.
type CBOR struct{}

func (CBOR) Name() string { return "cbor" }

func (CBOR) Encode(ev types.Event) ([]byte, error) {
	if err := checkEncodable(ev); err != nil {
		return nil, err
	}
	payload, err := encMode.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	data, err := encMode.Marshal(cborRecord{
		ID:        ev.ID,
		Source:    ev.Source,
		Timestamp: ev.Timestamp,
		Kind:      ev.Kind(),
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return data, nil
}

func (CBOR) Decode(data []byte) (types.Event, error) {
	var rec cborRecord
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return types.Event{}, fmt.Errorf("unmarshal record: %w", err)
	}
	target, err := types.NewPayload(rec.Kind)
	if err != nil {
		return types.Event{}, err
	}
	if len(rec.Payload) > 0 {
		if err := decMode.Unmarshal(rec.Payload, target); err != nil {
			return types.Event{}, fmt.Errorf("unmarshal %s payload: %w", rec.Kind, err)
		}
	}
	payload, err := types.Deref(target)
	if err != nil {
		return types.Event{}, err
	}
	return types.Event{
		ID:        rec.ID,
		Source:    rec.Source,
		Timestamp: rec.Timestamp,
		Payload:   payload,
	}, nil
}
