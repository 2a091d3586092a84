package main

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/user/runguard/internal/types"
)

func TestFormatEvent(t *testing.T) {
	cases := []struct {
		name string
		ev   types.Event
		want string
	}{
		{
			"user message",
			types.Event{ID: types.NewID(2), Source: types.SourceUser, Payload: types.MessageAction{Content: "hi"}},
			"[2] user        hi",
		},
		{
			"tool call",
			types.Event{ID: types.NewID(3), Source: types.SourceAgent, Payload: types.ToolCallAction{Tool: "bash", Arguments: json.RawMessage(`{"command":"ls"}`)}},
			`[3] agent       -> bash {"command":"ls"}`,
		},
		{
			"limit",
			types.Event{ID: types.NewID(9), Source: types.SourceEnvironment, Payload: types.AgentStateChangedObservation{State: types.StateError, Reason: "IterationLimitExceeded"}},
			"[9] environment state -> error (IterationLimitExceeded)",
		},
		{
			"tool error",
			types.Event{ID: types.NewID(4), Source: types.SourceEnvironment, Payload: types.ToolResultObservation{Tool: "bash", Cause: types.NewID(3), Result: "no\nsuch   file", IsError: true}},
			"[4] environment <- bash (error, cause 3): no such file",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := formatEvent(tc.ev); got != tc.want {
				t.Errorf("formatEvent() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestOneLineTruncates(t *testing.T) {
	got := oneLine(strings.Repeat("x", maxLineChars+10))
	if len(got) != maxLineChars+3 || !strings.HasSuffix(got, "...") {
		t.Errorf("unexpected truncation: %d chars", len(got))
	}
}
