package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventSource tags who produced an event.
type EventSource string

const (
	SourceUser        EventSource = "user"
	SourceAgent       EventSource = "agent"
	SourceEnvironment EventSource = "environment"
)

func (s EventSource) Valid() bool {
	switch s {
	case SourceUser, SourceAgent, SourceEnvironment:
		return true
	}
	return false
}

// AgentState is the controller's run state as seen by external observers.
type AgentState string

const (
	StateLoading           AgentState = "loading"
	StateRunning           AgentState = "running"
	StateAwaitingUserInput AgentState = "awaiting_user_input"
	StatePaused            AgentState = "paused"
	StateFinished          AgentState = "finished"
	StateError             AgentState = "error"
	StateStopped           AgentState = "stopped"
)

// IsTerminal reports whether no transition may leave the state.
func (s AgentState) IsTerminal() bool {
	return s == StateFinished || s == StateError || s == StateStopped
}

// EventKind names a payload variant. It is the discriminator stored on disk.
type EventKind string

const (
	KindMessage           EventKind = "message"
	KindSystemMessage     EventKind = "system_message"
	KindToolCall          EventKind = "tool_call"
	KindFinish            EventKind = "finish"
	KindToolResult        EventKind = "tool_result"
	KindAgentStateChanged EventKind = "agent_state_changed"
	KindError             EventKind = "error"
)

// Payload is the closed set of things an event can carry.
type Payload interface {
	Kind() EventKind
	payload()
}

// Event is an immutable record in a session's log. Events are passed by
// value, so a subscriber holding a copy cannot change the log's history.
type Event struct {
	ID        ID
	Source    EventSource
	Timestamp time.Time
	Payload   Payload
}

// Kind returns the payload's kind, or "" for an empty event.
func (e Event) Kind() EventKind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// MessageAction is free text from the user or the agent.
type MessageAction struct {
	Content         string `json:"content"`
	WaitForResponse bool   `json:"wait_for_response,omitempty"`
}

// SystemMessageAction is the leading context of a conversation.
type SystemMessageAction struct {
	Content string   `json:"content"`
	Tools   []string `json:"tools,omitempty"`
}

// ToolCallAction asks the environment to run a tool.
type ToolCallAction struct {
	Tool      string          `json:"tool"`
	CallID    string          `json:"call_id"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// FinishAction ends the agent's task.
type FinishAction struct {
	Outputs string `json:"outputs,omitempty"`
}

// ToolResultObservation answers a ToolCallAction. Cause is the id of the
// action it answers.
type ToolResultObservation struct {
	Tool    string `json:"tool"`
	CallID  string `json:"call_id"`
	Cause   ID     `json:"cause"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error,omitempty"`
}

// AgentStateChangedObservation records a controller state transition.
type AgentStateChangedObservation struct {
	State  AgentState `json:"state"`
	Reason string     `json:"reason,omitempty"`
}

// ErrorObservation is a user-facing error report.
type ErrorObservation struct {
	Message string `json:"message"`
}

func (MessageAction) Kind() EventKind                { return KindMessage }
func (SystemMessageAction) Kind() EventKind          { return KindSystemMessage }
func (ToolCallAction) Kind() EventKind               { return KindToolCall }
func (FinishAction) Kind() EventKind                 { return KindFinish }
func (ToolResultObservation) Kind() EventKind        { return KindToolResult }
func (AgentStateChangedObservation) Kind() EventKind { return KindAgentStateChanged }
func (ErrorObservation) Kind() EventKind             { return KindError }

func (MessageAction) payload()                {}
func (SystemMessageAction) payload()          {}
func (ToolCallAction) payload()               {}
func (FinishAction) payload()                 {}
func (ToolResultObservation) payload()        {}
func (AgentStateChangedObservation) payload() {}
func (ErrorObservation) payload()             {}

// NewPayload returns a pointer to a zero payload of the given kind, ready to
// be decoded into. Callers dereference it with Deref.
func NewPayload(kind EventKind) (any, error) {
	switch kind {
	case KindMessage:
		return &MessageAction{}, nil
	case KindSystemMessage:
		return &SystemMessageAction{}, nil
	case KindToolCall:
		return &ToolCallAction{}, nil
	case KindFinish:
		return &FinishAction{}, nil
	case KindToolResult:
		return &ToolResultObservation{}, nil
	case KindAgentStateChanged:
		return &AgentStateChangedObservation{}, nil
	case KindError:
		return &ErrorObservation{}, nil
	}
	return nil, fmt.Errorf("unknown event kind: %q", kind)
}

// Deref turns a pointer from NewPayload back into a Payload value.
func Deref(p any) (Payload, error) {
	switch v := p.(type) {
	case *MessageAction:
		return *v, nil
	case *SystemMessageAction:
		return *v, nil
	case *ToolCallAction:
		return *v, nil
	case *FinishAction:
		return *v, nil
	case *ToolResultObservation:
		return *v, nil
	case *AgentStateChangedObservation:
		return *v, nil
	case *ErrorObservation:
		return *v, nil
	}
	return nil, fmt.Errorf("unsupported payload type %T", p)
}

// SessionIndex is the persisted summary of a session.
type SessionIndex struct {
	SessionID     SessionID  `json:"session_id"`
	Agent         string     `json:"agent"`
	Status        AgentState `json:"status"`
	Reason        string     `json:"reason,omitempty"`
	Iteration     int        `json:"iteration"`
	MaxIterations int        `json:"max_iterations"`
	LastEventID   ID         `json:"last_event_id"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
