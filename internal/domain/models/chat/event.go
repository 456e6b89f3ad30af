package chat

import (
	"encoding/json"
	"fmt"
)

// Event type constants. Each payload variant carries one of these in its
// "type" discriminator field on the wire.
const (
	EventSessionInfo         = "session_info"
	EventText                = "text"
	EventThinking            = "thinking"
	EventToolCalls           = "tool_calls"
	EventToolResult          = "tool_result"
	EventToolError           = "tool_error"
	EventPluginElicitRequest = "plugin_elicit_request"
	EventIsomorphicHandoff   = "isomorphic_handoff"
	EventComplete            = "complete"
	EventError               = "error"
)

// Payload is the sum type of chat stream event payloads.
// Concrete payloads serialize with a "type" discriminator field.
type Payload interface {
	EventType() string
}

// SessionInfoPayload is the first event of a session whose writer starts with
// a configured provider: the negotiated capabilities and resolved persona.
// A stream that fails configuration carries only error and complete.
type SessionInfoPayload struct {
	Persona      string       `json:"persona,omitempty"`
	Model        string       `json:"model"`
	Provider     string       `json:"provider"`
	Capabilities Capabilities `json:"capabilities"`
}

// Capabilities describes what the session can do.
type Capabilities struct {
	Tools   []string `json:"tools,omitempty"`
	Plugins []string `json:"plugins,omitempty"`
}

func (SessionInfoPayload) EventType() string { return EventSessionInfo }

// TextPayload carries a partial text generation token.
type TextPayload struct {
	Text string `json:"text"`
}

func (TextPayload) EventType() string { return EventText }

// ThinkingPayload carries a partial thinking token.
type ThinkingPayload struct {
	Thinking string `json:"thinking"`
}

func (ThinkingPayload) EventType() string { return EventThinking }

// ToolCallsPayload signals that the provider requested one or more tool invocations.
type ToolCallsPayload struct {
	Calls []ToolCall `json:"calls"`
}

func (ToolCallsPayload) EventType() string { return EventToolCalls }

// ToolResultPayload carries the outcome of a successful server-side tool execution.
type ToolResultPayload struct {
	CallID   string      `json:"callId"`
	ToolName string      `json:"toolName"`
	Result   interface{} `json:"result"`
}

func (ToolResultPayload) EventType() string { return EventToolResult }

// ToolErrorPayload carries a failed tool execution. The engine continues to the
// next iteration so the model can react to the error.
type ToolErrorPayload struct {
	CallID   string `json:"callId"`
	ToolName string `json:"toolName"`
	Error    string `json:"error"`
}

func (ToolErrorPayload) EventType() string { return EventToolError }

// PluginElicitRequestPayload signals that a plugin tool is suspended awaiting
// structured user input. The next request carrying the matching
// (sessionId, callId, elicitId) triple resumes the tool.
type PluginElicitRequestPayload struct {
	SessionID string      `json:"sessionId"`
	CallID    string      `json:"callId"`
	ElicitID  string      `json:"elicitId"`
	ToolName  string      `json:"toolName"`
	Key       string      `json:"key"`
	Message   string      `json:"message"`
	Schema    interface{} `json:"schema,omitempty"`
}

func (PluginElicitRequestPayload) EventType() string { return EventPluginElicitRequest }

// IsomorphicHandoffPayload signals that the server yielded control to the client
// for a tool's client phase. The next request carries the client output.
type IsomorphicHandoffPayload struct {
	CallID   string      `json:"callId"`
	ToolName string      `json:"toolName"`
	Params   interface{} `json:"params,omitempty"`
}

func (IsomorphicHandoffPayload) EventType() string { return EventIsomorphicHandoff }

// CompletePayload carries the final text and usage counters. Terminal for a
// non-suspended engine.
type CompletePayload struct {
	Text         string `json:"text"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
	StopReason   string `json:"stopReason,omitempty"`
}

func (CompletePayload) EventType() string { return EventComplete }

// ErrorPayload carries a stream-level error. Terminal when Recoverable is false.
type ErrorPayload struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

func (ErrorPayload) EventType() string { return EventError }

// MarshalPayload serializes a payload with its "type" discriminator injected.
func MarshalPayload(p Payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.EventType(), err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("reshape %s payload: %w", p.EventType(), err)
	}
	fields["type"] = p.EventType()

	return json.Marshal(fields)
}

// UnmarshalPayload deserializes a payload by its "type" discriminator.
func UnmarshalPayload(data []byte) (Payload, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("read payload discriminator: %w", err)
	}

	var p Payload
	switch head.Type {
	case EventSessionInfo:
		p = &SessionInfoPayload{}
	case EventText:
		p = &TextPayload{}
	case EventThinking:
		p = &ThinkingPayload{}
	case EventToolCalls:
		p = &ToolCallsPayload{}
	case EventToolResult:
		p = &ToolResultPayload{}
	case EventToolError:
		p = &ToolErrorPayload{}
	case EventPluginElicitRequest:
		p = &PluginElicitRequestPayload{}
	case EventIsomorphicHandoff:
		p = &IsomorphicHandoffPayload{}
	case EventComplete:
		p = &CompletePayload{}
	case EventError:
		p = &ErrorPayload{}
	default:
		return nil, fmt.Errorf("unknown event type: %q", head.Type)
	}

	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", head.Type, err)
	}
	return p, nil
}
