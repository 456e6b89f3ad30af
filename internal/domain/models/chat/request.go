package chat

import (
	"encoding/json"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Request is the POST body of the chat endpoint.
type Request struct {
	Messages []Message `json:"messages"`

	// EnabledTools is either a bool (all tools on/off) or a list of tool names.
	EnabledTools *EnabledTools `json:"enabledTools,omitempty"`

	EnabledPlugins []string `json:"enabledPlugins,omitempty"`
	SystemPrompt   string   `json:"systemPrompt,omitempty"`
	Persona        string   `json:"persona,omitempty"`

	PluginElicitResponses   []ElicitResponse         `json:"pluginElicitResponses,omitempty"`
	PluginAbort             *PluginAbort             `json:"pluginAbort,omitempty"`
	IsomorphicClientOutputs []IsomorphicClientOutput `json:"isomorphicClientOutputs,omitempty"`
}

// EnabledTools accepts either a bool or a list of tool names on the wire.
type EnabledTools struct {
	All   *bool
	Names []string
}

func (e *EnabledTools) UnmarshalJSON(data []byte) error {
	var all bool
	if err := json.Unmarshal(data, &all); err == nil {
		e.All = &all
		return nil
	}
	var names []string
	if err := json.Unmarshal(data, &names); err == nil {
		e.Names = names
		return nil
	}
	return fmt.Errorf("enabledTools must be a bool or a list of tool names")
}

func (e EnabledTools) MarshalJSON() ([]byte, error) {
	if e.All != nil {
		return json.Marshal(*e.All)
	}
	return json.Marshal(e.Names)
}

// Allows reports whether the given tool name is enabled. A nil EnabledTools
// enables nothing; enabledTools=true enables everything.
func (e *EnabledTools) Allows(name string) bool {
	if e == nil {
		return false
	}
	if e.All != nil {
		return *e.All
	}
	for _, n := range e.Names {
		if n == name {
			return true
		}
	}
	return false
}

// ElicitResponse delivers the user's answer to a pending elicitation.
type ElicitResponse struct {
	SessionID string       `json:"sessionId"`
	CallID    string       `json:"callId"`
	ElicitID  string       `json:"elicitId"`
	Result    ElicitResult `json:"result"`
}

// ElicitResult is the user's decision for one elicitation.
type ElicitResult struct {
	Action  string                 `json:"action"` // "accept", "decline", "cancel"
	Content map[string]interface{} `json:"content,omitempty"`
}

// Elicit action constants.
const (
	ElicitAccept  = "accept"
	ElicitDecline = "decline"
	ElicitCancel  = "cancel"
)

// PluginAbort cancels a running tool session.
type PluginAbort struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// IsomorphicClientOutput carries the client-phase output of an isomorphic tool
// back to the server after a handoff.
type IsomorphicClientOutput struct {
	CallID       string                 `json:"callId"`
	ToolName     string                 `json:"toolName"`
	Params       map[string]interface{} `json:"params,omitempty"`
	ClientOutput interface{}            `json:"clientOutput"`
}

// Validate checks the request body shape. Messages may be empty on a resume
// request (elicit responses or client outputs carry the fresh input instead).
func (r Request) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Messages, validation.Each(validation.By(validateMessage))),
		validation.Field(&r.PluginElicitResponses, validation.Each(validation.By(validateElicitResponse))),
	)
}

func validateMessage(value interface{}) error {
	msg, ok := value.(Message)
	if !ok {
		return fmt.Errorf("invalid message type")
	}
	return validation.ValidateStruct(&msg,
		validation.Field(&msg.Role,
			validation.Required,
			validation.In(RoleUser, RoleAssistant, RoleSystem, RoleTool),
		),
	)
}

func validateElicitResponse(value interface{}) error {
	resp, ok := value.(ElicitResponse)
	if !ok {
		return fmt.Errorf("invalid elicit response type")
	}
	return validation.ValidateStruct(&resp,
		validation.Field(&resp.CallID, validation.Required),
		validation.Field(&resp.ElicitID, validation.Required),
		validation.Field(&resp.Result, validation.By(func(v interface{}) error {
			res := v.(ElicitResult)
			return validation.ValidateStruct(&res,
				validation.Field(&res.Action,
					validation.Required,
					validation.In(ElicitAccept, ElicitDecline, ElicitCancel),
				),
			)
		})),
	)
}

// HasFreshInputs reports whether the body carries work for a new writer:
// a plugin elicit response, an isomorphic client output, an abort, or a new
// trailing user message.
func (r *Request) HasFreshInputs() bool {
	if len(r.PluginElicitResponses) > 0 || len(r.IsomorphicClientOutputs) > 0 || r.PluginAbort != nil {
		return true
	}
	if n := len(r.Messages); n > 0 && r.Messages[n-1].Role == RoleUser {
		return true
	}
	return false
}
