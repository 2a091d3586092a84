// Package context turns a session's event history into a token-budgeted
// chat prompt.
package context

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/runguard/internal/types"
	"github.com/user/runguard/pkg/llm"
)

// Engine assembles token-budgeted prompts for the LLM.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
	prompt    *template.Template
	now       func() time.Time
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	if maxTokens <= reserve {
		return nil, fmt.Errorf("context window %d must exceed reserve %d", maxTokens, reserve)
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	tmpl, err := template.New("system").Parse(DefaultPrompt)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
		prompt:    tmpl,
		now:       time.Now,
	}, nil
}

// countTokens returns the token count for a string.
func (e *Engine) countTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

func (e *Engine) messageTokens(msg llm.Message) int {
	n := e.countTokens(msg.Content)
	for _, tc := range msg.Tools {
		n += e.countTokens(tc.Function.Name)
		n += e.countTokens(string(tc.Function.Arguments))
	}
	return n
}

// BuildPrompt assembles a prompt from the session history. The leading
// system message supplies the instructions; the most recent events that
// fit the budget follow in chronological order.
func (e *Engine) BuildPrompt(sessionID types.SessionID, history []types.Event, toolNames []string) ([]llm.Message, error) {
	inputBudget := e.maxTokens - e.reserve

	var instructions string
	for _, ev := range history {
		if sys, ok := ev.Payload.(types.SystemMessageAction); ok {
			instructions = sys.Content
		}
	}

	var b strings.Builder
	err := e.prompt.Execute(&b, PromptData{
		Time:         e.now().Format(time.RFC3339),
		SessionID:    string(sessionID),
		Tools:        strings.Join(toolNames, ", "),
		Instructions: instructions,
	})
	if err != nil {
		return nil, fmt.Errorf("render system prompt: %w", err)
	}
	sysPrompt := b.String()
	remaining := inputBudget - e.countTokens(sysPrompt)
	if remaining <= 0 {
		return nil, fmt.Errorf("system prompt exceeds the context budget")
	}

	// Walk backwards so the newest events survive truncation.
	var selected []llm.Message
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		msg, ok := eventToMessage(history[i])
		if !ok {
			continue
		}
		n := e.messageTokens(msg)
		if used+n > remaining {
			break
		}
		selected = append(selected, msg)
		used += n
	}

	// A tool result whose call was cut off cannot lead the conversation.
	for len(selected) > 0 && selected[len(selected)-1].Role == "tool" {
		selected = selected[:len(selected)-1]
	}

	messages := make([]llm.Message, 0, 1+len(selected))
	messages = append(messages, llm.Message{Role: "system", Content: sysPrompt})
	for i := len(selected) - 1; i >= 0; i-- {
		messages = append(messages, selected[i])
	}
	return messages, nil
}

func eventToMessage(ev types.Event) (llm.Message, bool) {
	switch p := ev.Payload.(type) {
	case types.MessageAction:
		role := "assistant"
		if ev.Source == types.SourceUser {
			role = "user"
		}
		return llm.Message{Role: role, Content: p.Content}, true

	case types.ToolCallAction:
		return llm.Message{
			Role: "assistant",
			Tools: []llm.ToolCall{{
				ID:   p.CallID,
				Type: "function",
				Function: llm.FunctionCall{
					Name:      p.Tool,
					Arguments: p.Arguments,
				},
			}},
		}, true

	case types.ToolResultObservation:
		return llm.Message{
			Role:    "tool",
			Content: p.Result,
			Tools:   []llm.ToolCall{{ID: p.CallID}},
		}, true

	case types.FinishAction:
		return llm.Message{Role: "assistant", Content: p.Outputs}, true

	case types.ErrorObservation:
		return llm.Message{Role: "user", Content: "[error] " + p.Message}, true
	}
	return llm.Message{}, false
}
