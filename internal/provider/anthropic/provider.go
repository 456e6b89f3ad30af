package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"relay/internal/domain/models/chat"
	"relay/internal/domain/services"
)

const defaultMaxTokens = 4096

// Provider adapts the Anthropic Messages API to the ChatProvider interface.
type Provider struct {
	client anthropic.Client
}

// NewProvider creates an Anthropic provider with the given API key.
func NewProvider(apiKey string) *Provider {
	return &Provider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "anthropic"
}

// SupportsModel returns true for Claude model identifiers.
func (p *Provider) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "claude-")
}

// Generate produces a complete response. Used for server-side sampling.
func (p *Provider) Generate(ctx context.Context, req *services.GenerateRequest) (*services.GenerateResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic generate: %w", err)
	}

	resp := &services.GenerateResponse{
		Model:        string(msg.Model),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		StopReason:   string(msg.StopReason),
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			call, err := toolUseToCall(block.ID, block.Name, block.Input)
			if err != nil {
				return nil, err
			}
			resp.ToolCalls = append(resp.ToolCalls, call)
		}
	}
	return resp, nil
}

// StreamChat produces a streaming response. Text and thinking deltas are
// emitted live; tool calls are accumulated by the SDK and emitted whole before
// the final metadata event.
func (p *Provider) StreamChat(ctx context.Context, req *services.GenerateRequest) (<-chan services.StreamEvent, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	eventChan := make(chan services.StreamEvent, 10)

	go func() {
		defer close(eventChan)

		stream := p.client.Messages.NewStreaming(ctx, params)

		// Accumulator for final message content and metadata.
		message := anthropic.Message{}

		for stream.Next() {
			event := stream.Current()

			if err := message.Accumulate(event); err != nil {
				eventChan <- services.StreamEvent{Err: fmt.Errorf("accumulate message: %w", err)}
				return
			}

			switch e := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch e.Delta.Type {
				case "text_delta":
					text := e.Delta.Text
					if text != "" {
						select {
						case eventChan <- services.StreamEvent{Text: &text}:
						case <-ctx.Done():
							eventChan <- services.StreamEvent{Err: ctx.Err()}
							return
						}
					}
				case "thinking_delta":
					thinking := e.Delta.Thinking
					if thinking != "" {
						select {
						case eventChan <- services.StreamEvent{Thinking: &thinking}:
						case <-ctx.Done():
							eventChan <- services.StreamEvent{Err: ctx.Err()}
							return
						}
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			eventChan <- services.StreamEvent{Err: fmt.Errorf("anthropic streaming: %w", err)}
			return
		}

		// Emit accumulated tool calls in content order.
		for _, block := range message.Content {
			if block.Type != "tool_use" {
				continue
			}
			call, err := toolUseToCall(block.ID, block.Name, block.Input)
			if err != nil {
				eventChan <- services.StreamEvent{Err: err}
				return
			}
			eventChan <- services.StreamEvent{ToolCall: &call}
		}

		eventChan <- services.StreamEvent{
			Metadata: &services.StreamMetadata{
				Model:        string(message.Model),
				InputTokens:  int(message.Usage.InputTokens),
				OutputTokens: int(message.Usage.OutputTokens),
				StopReason:   string(message.StopReason),
			},
		}
	}()

	return eventChan, nil
}

// buildParams converts a GenerateRequest to Anthropic API parameters.
func (p *Provider) buildParams(req *services.GenerateRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}

	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	system := req.System
	if req.OutputSchema != nil && len(req.Tools) == 0 {
		// No structured-output parameter in the Messages API: encode the
		// schema as an instruction.
		schemaJSON, err := json.Marshal(req.OutputSchema)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("encode output schema: %w", err)
		}
		instruction := fmt.Sprintf("Respond with a single JSON object matching this schema, and nothing else:\n%s", schemaJSON)
		if system != "" {
			system += "\n\n" + instruction
		} else {
			system = instruction
		}
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}

	if len(req.Tools) > 0 {
		toolParams, err := convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = toolParams
	}

	return params, nil
}

// convertMessages converts chat messages to Anthropic SDK format. Tool-role
// messages become user messages carrying tool_result blocks; assistant
// messages carry tool_use blocks for their recorded calls.
func convertMessages(messages []chat.Message) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))

	for i, msg := range messages {
		var blocks []anthropic.ContentBlockParamUnion

		switch msg.Role {
		case chat.RoleTool:
			blocks = append(blocks, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			result = append(result, anthropic.NewUserMessage(blocks...))

		case chat.RoleUser:
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			result = append(result, anthropic.NewUserMessage(blocks...))

		case chat.RoleAssistant:
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(call.CallID, call.Arguments, call.Name))
			}
			result = append(result, anthropic.NewAssistantMessage(blocks...))

		case chat.RoleSystem:
			// System content is carried in params.System.
			continue

		default:
			return nil, fmt.Errorf("message %d: unsupported role %q", i, msg.Role)
		}
	}

	return result, nil
}

// convertTools converts tool definitions to Anthropic tool parameters.
func convertTools(defs []services.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(defs))

	for _, def := range defs {
		raw, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("encode schema for tool %s: %w", def.Name, err)
		}

		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", def.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if toolParam.OfTool != nil {
			toolParam.OfTool.Description = anthropic.String(def.Description)
		}
		result = append(result, toolParam)
	}

	return result, nil
}

// toolUseToCall converts a tool_use content block into a domain ToolCall.
func toolUseToCall(id, name string, input json.RawMessage) (chat.ToolCall, error) {
	args := map[string]interface{}{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return chat.ToolCall{}, fmt.Errorf("tool %s: invalid input JSON: %w", name, err)
		}
	}
	return chat.ToolCall{CallID: id, Name: name, Arguments: args}, nil
}
