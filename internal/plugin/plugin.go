package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"relay/internal/domain/models/chat"
	"relay/internal/domain/services"
)

// Host is the handle a plugin tool body uses to talk to the outside world
// while it runs. Elicit and Sample suspend the tool until answered.
type Host interface {
	// Elicit suspends the tool and asks the user for structured input at one
	// of the tool's declared elicitation points. The returned result reflects
	// the user's decision (accept with content, decline, or cancel).
	Elicit(ctx context.Context, key, message string) (chat.ElicitResult, error)

	// Sample asks the current chat provider for a completion on the tool's
	// behalf. Handled entirely server-side; never visible to the client.
	Sample(ctx context.Context, req SampleRequest) (*SampleResult, error)

	// Progress reports informational progress (not delivered to the client).
	Progress(message string)

	// Log emits an informational log line from the tool body.
	Log(message string)
}

// SampleRequest asks the provider for a completion on behalf of a tool.
type SampleRequest struct {
	Prompt       string
	System       string
	MaxTokens    int
	OutputSchema interface{}
	Tools        []services.ToolDefinition
}

// SampleResult is the provider's answer to a sample request. When the request
// carried both an output schema and a tool list, ToolCall holds the structured
// interpretation and Text is empty.
type SampleResult struct {
	Text     string
	ToolCall *chat.ToolCall
}

// RunFunc is a plugin tool body: ordinary sequential code that may suspend at
// elicit and sample points via the host.
type RunFunc func(ctx context.Context, host Host, input map[string]interface{}) (interface{}, error)

// Elicitation declares one elicitation point of a plugin tool: the key the
// body passes to Host.Elicit, a default message, and the JSON schema the
// user's accept payload must satisfy.
type Elicitation struct {
	Key     string                 `json:"key"`
	Message string                 `json:"message,omitempty"`
	Schema  map[string]interface{} `json:"schema"`

	compiled *jsonschema.Schema
}

// ValidateContent checks an accept payload against the declared schema.
func (e *Elicitation) ValidateContent(content map[string]interface{}) error {
	if e.compiled == nil {
		return nil
	}
	// The validator wants plain decoded JSON values.
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("encode elicit content: %w", err)
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode elicit content: %w", err)
	}
	if err := e.compiled.Validate(decoded); err != nil {
		return fmt.Errorf("elicit content does not match schema for key %q: %w", e.Key, err)
	}
	return nil
}

// Tool is a plugin tool definition: an opaque suspendable computation with an
// input schema and a set of declared elicitation keys.
type Tool struct {
	Name         string
	Description  string
	InputSchema  interface{}
	Elicitations map[string]*Elicitation
	Run          RunFunc
}

// Registry holds plugin tool definitions. It is long-lived and independent of
// any HTTP request.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*Tool),
	}
}

// Register adds a plugin tool, compiling its elicitation response schemas.
func (r *Registry) Register(tool *Tool) error {
	for key, decl := range tool.Elicitations {
		if decl.Key == "" {
			decl.Key = key
		}
		if decl.Schema == nil {
			continue
		}
		raw, err := json.Marshal(decl.Schema)
		if err != nil {
			return fmt.Errorf("plugin %s: encode schema for key %q: %w", tool.Name, key, err)
		}
		compiled, err := jsonschema.CompileString(fmt.Sprintf("%s/%s", tool.Name, key), string(raw))
		if err != nil {
			return fmt.Errorf("plugin %s: compile schema for key %q: %w", tool.Name, key, err)
		}
		decl.compiled = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; !exists {
		r.order = append(r.order, tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// Get returns a registered plugin tool.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered plugin names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Tools returns all registered plugin tools in registration order.
func (r *Registry) Tools() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}
