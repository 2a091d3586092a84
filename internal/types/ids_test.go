package types

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewSessionID(t *testing.T) {
	id := NewSessionID()
	if id == "" {
		t.Error("expected non-empty SessionID")
	}
	if len(string(id)) != 36 {
		t.Errorf("expected UUID format, got %s", id)
	}
}

func TestIDZeroValueIsUnassigned(t *testing.T) {
	var id ID
	if id.IsSet() {
		t.Fatal("zero ID must be unassigned")
	}
	if _, ok := id.Value(); ok {
		t.Error("expected Value to report unassigned")
	}
	if id.String() != "unassigned" {
		t.Errorf("unexpected string %q", id.String())
	}
}

func TestIDJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		A ID `json:"a"`
		B ID `json:"b"`
	}{A: NewID(0), B: ID{}})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"a":0,"b":null}` {
		t.Fatalf("unexpected encoding %s", data)
	}

	var decoded struct {
		A ID `json:"a"`
		B ID `json:"b"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if v, ok := decoded.A.Value(); !ok || v != 0 {
		t.Errorf("expected assigned 0, got %v %v", v, ok)
	}
	if decoded.B.IsSet() {
		t.Error("expected null to decode as unassigned")
	}
}

func TestSessionIDValidate(t *testing.T) {
	if err := NewSessionID().Validate(); err != nil {
		t.Fatalf("generated id rejected: %v", err)
	}
	for _, bad := range []SessionID{
		"",
		"..",
		".",
		"../escape",
		"a/b",
		"api-1",
		"6F9619FF-8B86-D011-B42D-00C04FC964FF",
		"{6f9619ff-8b86-d011-b42d-00c04fc964ff}",
		"urn:uuid:6f9619ff-8b86-d011-b42d-00c04fc964ff",
	} {
		err := bad.Validate()
		if !errors.Is(err, ErrInvalidSessionID) {
			t.Errorf("%q: expected ErrInvalidSessionID, got %v", bad, err)
		}
	}
}
