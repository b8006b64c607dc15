// Package protocol defines the relay events exchanged between muti-shell nodes.
package protocol

import "encoding/json"

// Event names as they appear on the wire.
const (
	EventKeypress         = "keypress"
	EventKeypressResponse = "keypress-response"
	EventCommand          = "command"
	EventCommandResponse  = "command-response"
	EventHeartbeat        = "heartbeat"
	EventPrompt           = "prompt"
	EventClose            = "close"
	EventResume           = "resume"
	EventStdout           = "stdout"
)

// Direction of travel along a chain of nodes.
type Direction uint8

const (
	// Upstream travels from the terminal toward the executing node.
	Upstream Direction = iota + 1
	// Downstream travels from the executing node toward the terminal.
	Downstream
)

// String returns "up" or "down".
func (d Direction) String() string {
	switch d {
	case Upstream:
		return "up"
	case Downstream:
		return "down"
	default:
		return "unknown"
	}
}

// DirectionOf returns the direction an event normally travels.
// heartbeat and prompt travel both ways and report 0.
func DirectionOf(event string) Direction {
	switch event {
	case EventKeypress, EventCommand:
		return Upstream
	case EventKeypressResponse, EventCommandResponse, EventClose, EventResume, EventStdout:
		return Downstream
	default:
		return 0
	}
}

// Known reports whether event is part of the catalogue.
func Known(event string) bool {
	switch event {
	case EventKeypress, EventKeypressResponse, EventCommand, EventCommandResponse,
		EventHeartbeat, EventPrompt, EventClose, EventResume, EventStdout:
		return true
	default:
		return false
	}
}

// Keypress carries a raw keystroke and the current line buffer.
// Seq is echoed in the response.
type Keypress struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	SessionID string `json:"sessionId,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
}

// KeypressResponse carries the resolved line. A nil Value leaves the line unchanged.
type KeypressResponse struct {
	Value *string `json:"value"`
	Seq   uint64  `json:"seq,omitempty"`
}

// Command submits a command line for execution. Seq is echoed in the
// response.
type Command struct {
	Command   string          `json:"command"`
	Args      json.RawMessage `json:"args,omitempty"`
	Completed bool            `json:"completed"`
	SessionID string          `json:"sessionId,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
}

// CommandResponse reports the outcome of a Command.
type CommandResponse struct {
	Command   string          `json:"command"`
	Completed bool            `json:"completed"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
}

// Heartbeat establishes or refreshes the prompt delimiter.
type Heartbeat struct {
	Delimiter string `json:"delimiter"`
}

// Prompt relays an interactive question downstream (Options set) and its
// answer upstream (Value set).
type Prompt struct {
	Options *Question `json:"options,omitempty"`
	Value   *string   `json:"value,omitempty"`
}

// Question describes what a handler asks the person at the terminal.
type Question struct {
	Type    string   `json:"type"`
	Name    string   `json:"name"`
	Message string   `json:"message"`
	Default string   `json:"default,omitempty"`
	Choices []string `json:"choices,omitempty"`
}

// Question types.
const (
	QuestionInput    = "input"
	QuestionPassword = "password"
	QuestionConfirm  = "confirm"
	QuestionList     = "list"
)

// Close instructs the direct peer to drop its upstream link.
type Close struct{}

// Resume tells a dormant client to redraw its prompt.
type Resume struct {
	SessionID string `json:"sessionId,omitempty"`
}

// Stdout carries handler output destined for the terminal.
type Stdout struct {
	Value string `json:"value"`
}
