// Package events decodes the tagged JSON event stream an engine
// session emits. The raw lines are persisted verbatim; decoding is
// only used to classify events for lifecycle decisions.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEventType is returned by Decode for unrecognized tags.
var ErrUnknownEventType = errors.New("unknown event type")

// Type tags the event union.
type Type string

const (
	TypeMessage      Type = "message"
	TypeThinking     Type = "thinking"
	TypeToolUse      Type = "tool_use"
	TypeToolResult   Type = "tool_result"
	TypeTurnComplete Type = "turn_complete"
	TypeError        Type = "error"
	TypeInterrupted  Type = "interrupted"
)

// Event is one decoded entry of the session stream.
type Event interface {
	EventType() Type
}

// Message is assistant-visible text output.
type Message struct {
	Type    Type   `json:"type"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (e *Message) EventType() Type { return TypeMessage }

// Thinking is intermediate reasoning output.
type Thinking struct {
	Type    Type   `json:"type"`
	Content string `json:"content"`
}

func (e *Thinking) EventType() Type { return TypeThinking }

// ToolUse records a tool invocation by the session.
type ToolUse struct {
	Type  Type            `json:"type"`
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input,omitempty"`
}

func (e *ToolUse) EventType() Type { return TypeToolUse }

// ToolResult records a tool invocation's outcome.
type ToolResult struct {
	Type    Type   `json:"type"`
	Tool    string `json:"tool"`
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"isError,omitempty"`
}

func (e *ToolResult) EventType() Type { return TypeToolResult }

// TurnComplete marks the end of a generation turn. It is the terminal
// event of a run: the agent goes back to waiting.
type TurnComplete struct {
	Type       Type   `json:"type"`
	StopReason string `json:"stopReason,omitempty"`
}

func (e *TurnComplete) EventType() Type { return TypeTurnComplete }

// Error is a session-level failure.
type Error struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

func (e *Error) EventType() Type { return TypeError }

// Interrupted marks a hard abort of the current generation.
type Interrupted struct {
	Type Type `json:"type"`
}

func (e *Interrupted) EventType() Type { return TypeInterrupted }

// Decode parses one raw event line into its concrete type.
func Decode(raw []byte) (Event, error) {
	var tag struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}

	var ev Event
	switch tag.Type {
	case TypeMessage:
		ev = &Message{}
	case TypeThinking:
		ev = &Thinking{}
	case TypeToolUse:
		ev = &ToolUse{}
	case TypeToolResult:
		ev = &ToolResult{}
	case TypeTurnComplete:
		ev = &TurnComplete{}
	case TypeError:
		ev = &Error{}
	case TypeInterrupted:
		ev = &Interrupted{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, tag.Type)
	}

	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, fmt.Errorf("malformed %s event: %w", tag.Type, err)
	}
	return ev, nil
}

// IsTerminal reports whether the event ends the current run.
func IsTerminal(ev Event) bool {
	return ev.EventType() == TypeTurnComplete
}
