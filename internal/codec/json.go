package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/user/runguard/internal/types"
)

type jsonRecord struct {
	ID        types.ID          `json:"id"`
	Source    types.EventSource `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
	Kind      types.EventKind   `json:"kind"`
	Payload   json.RawMessage   `json:"payload"`
}

// JSON encodes each event as a single-line JSON object.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Encode(ev types.Event) ([]byte, error) {
	if err := checkEncodable(ev); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	data, err := json.Marshal(jsonRecord{
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

func (JSON) Decode(data []byte) (types.Event, error) {
	var rec jsonRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return types.Event{}, fmt.Errorf("unmarshal record: %w", err)
	}
	target, err := types.NewPayload(rec.Kind)
	if err != nil {
		return types.Event{}, err
	}
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, target); err != nil {
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
