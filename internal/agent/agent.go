// Package agent defines the decision-making collaborator driven by the
// controller, plus a deterministic Echo agent.
package agent

import (
	"context"

	"github.com/user/runguard/internal/types"
)

// Agent produces one action per step from the session history.
type Agent interface {
	Name() string
	// Reset clears any per-run state. Called when a run stops or fails.
	Reset()
	// SystemMessage returns the leading context of every conversation. Its
	// id may be unassigned.
	SystemMessage() types.Event
	// Step returns the agent's next action. The returned event must not
	// carry an id; the event log assigns one.
	Step(ctx context.Context, history []types.Event) (types.Event, error)
	Metrics() Metrics
}

// Metrics accumulates usage across steps.
type Metrics struct {
	Steps            int `json:"steps"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// TotalTokens returns prompt plus completion tokens.
func (m Metrics) TotalTokens() int {
	return m.PromptTokens + m.CompletionTokens
}
