package main

import (
	"fmt"
	"strings"

	"github.com/user/runguard/internal/types"
)

// formatEvent renders one event as a single line for the terminal.
func formatEvent(ev types.Event) string {
	prefix := fmt.Sprintf("[%s] %-11s", ev.ID, ev.Source)
	switch p := ev.Payload.(type) {
	case types.MessageAction:
		return fmt.Sprintf("%s %s", prefix, p.Content)
	case types.SystemMessageAction:
		return fmt.Sprintf("%s system: %s (tools: %s)", prefix, oneLine(p.Content), strings.Join(p.Tools, ", "))
	case types.ToolCallAction:
		return fmt.Sprintf("%s -> %s %s", prefix, p.Tool, string(p.Arguments))
	case types.ToolResultObservation:
		status := "ok"
		if p.IsError {
			status = "error"
		}
		return fmt.Sprintf("%s <- %s (%s, cause %s): %s", prefix, p.Tool, status, p.Cause, oneLine(p.Result))
	case types.FinishAction:
		return fmt.Sprintf("%s finished: %s", prefix, p.Outputs)
	case types.AgentStateChangedObservation:
		if p.Reason != "" {
			return fmt.Sprintf("%s state -> %s (%s)", prefix, p.State, p.Reason)
		}
		return fmt.Sprintf("%s state -> %s", prefix, p.State)
	case types.ErrorObservation:
		return fmt.Sprintf("%s error: %s", prefix, p.Message)
	}
	return fmt.Sprintf("%s %s", prefix, ev.Kind())
}

const maxLineChars = 200

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxLineChars {
		return s[:maxLineChars] + "..."
	}
	return s
}
