package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Command is one outbound request to an agent: JSON followed by a newline.
type Command struct {
	ID      string `json:"id"`
	Action  string `json:"action"`
	Payload any    `json:"payload,omitempty"`
}

// EncodeCommand frames a command for the wire.
func EncodeCommand(cmd Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command %s: %w", cmd.Action, err)
	}
	return append(data, '\n'), nil
}

// Message is one inbound NUL-delimited frame from an agent.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ResponsePayload is the payload of a "response" message, carrying the id of
// the command it answers and either a result or an error string.
type ResponsePayload struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// MessageKind classifies inbound messages for dispatch. Anything the console
// does not know about lands in KindUnknown rather than being dropped.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindResponse
	KindReady
	KindState
	KindFileChange
	KindLog
)

// Message type strings the agent emits.
const (
	TypeResponse   = "response"
	TypeReady      = "agent:ready"
	TypeFileChange = "file:change"
	TypeLog        = "log"

	statePrefix = "state:"
)

// Actions understood by the agent.
const (
	ActionPing     = "ping"
	ActionExec     = "exec"
	ActionReadFile = "read_file"
	ActionListDir  = "list_files"
	ActionWrite    = "write_file"
	ActionStartMon = "startMonitoring"
	ActionStopMon  = "stopMonitoring"
	ActionShutdown = "shutdown"
)

// Kind classifies the message by its type string.
func (m Message) Kind() MessageKind {
	switch {
	case m.Type == TypeResponse:
		return KindResponse
	case m.Type == TypeReady:
		return KindReady
	case m.Type == TypeFileChange:
		return KindFileChange
	case m.Type == TypeLog:
		return KindLog
	case strings.HasPrefix(m.Type, statePrefix):
		return KindState
	default:
		return KindUnknown
	}
}

// Response decodes the payload of a response message.
func (m Message) Response() (ResponsePayload, error) {
	var rp ResponsePayload
	if m.Type != TypeResponse {
		return rp, fmt.Errorf("message type %q is not a response", m.Type)
	}
	if err := json.Unmarshal(m.Payload, &rp); err != nil {
		return rp, fmt.Errorf("decode response payload: %w", err)
	}
	return rp, nil
}
