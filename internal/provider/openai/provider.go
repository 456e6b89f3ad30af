package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"relay/internal/domain/models/chat"
	"relay/internal/domain/services"
)

// Provider adapts any OpenAI-compatible chat completions API to the
// ChatProvider interface. A custom base URL serves OpenRouter-style gateways.
type Provider struct {
	client *openai.Client
	name   string
}

// NewProvider creates an OpenAI provider. baseURL may be empty for the
// default endpoint.
func NewProvider(apiKey, baseURL string) *Provider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Provider{
		client: openai.NewClientWithConfig(cfg),
		name:   "openai",
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return p.name
}

// SupportsModel returns true for GPT-style and routed model identifiers.
func (p *Provider) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o") || strings.Contains(model, "/")
}

// Generate produces a complete response. Used for server-side sampling.
func (p *Provider) Generate(ctx context.Context, req *services.GenerateRequest) (*services.GenerateResponse, error) {
	chatReq, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai generate: empty choices")
	}

	choice := resp.Choices[0]
	out := &services.GenerateResponse{
		Text:         choice.Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		StopReason:   string(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		call, err := toolCallFromOpenAI(tc.ID, tc.Function.Name, tc.Function.Arguments)
		if err != nil {
			return nil, err
		}
		out.ToolCalls = append(out.ToolCalls, call)
	}
	return out, nil
}

// StreamChat produces a streaming response. Tool call argument fragments are
// accumulated per index and the calls emitted whole once the stream finishes.
func (p *Provider) StreamChat(ctx context.Context, req *services.GenerateRequest) (<-chan services.StreamEvent, error) {
	chatReq, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	eventChan := make(chan services.StreamEvent, 10)

	go func() {
		defer close(eventChan)
		defer stream.Close()

		type partialCall struct {
			id   string
			name string
			args strings.Builder
		}
		var (
			calls     []*partialCall
			finish    string
			usage     *openai.Usage
			modelName string
		)

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				eventChan <- services.StreamEvent{Err: fmt.Errorf("openai stream recv: %w", err)}
				return
			}

			if resp.Model != "" {
				modelName = resp.Model
			}
			if resp.Usage != nil {
				usage = resp.Usage
			}
			if len(resp.Choices) == 0 {
				continue
			}

			choice := resp.Choices[0]
			if choice.FinishReason != "" {
				finish = string(choice.FinishReason)
			}

			if choice.Delta.Content != "" {
				text := choice.Delta.Content
				select {
				case eventChan <- services.StreamEvent{Text: &text}:
				case <-ctx.Done():
					eventChan <- services.StreamEvent{Err: ctx.Err()}
					return
				}
			}

			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				for len(calls) <= idx {
					calls = append(calls, &partialCall{})
				}
				if tc.ID != "" {
					calls[idx].id = tc.ID
				}
				if tc.Function.Name != "" {
					calls[idx].name = tc.Function.Name
				}
				calls[idx].args.WriteString(tc.Function.Arguments)
			}
		}

		for _, pc := range calls {
			call, err := toolCallFromOpenAI(pc.id, pc.name, pc.args.String())
			if err != nil {
				eventChan <- services.StreamEvent{Err: err}
				return
			}
			eventChan <- services.StreamEvent{ToolCall: &call}
		}

		metadata := &services.StreamMetadata{
			Model:      modelName,
			StopReason: normalizeFinishReason(finish, len(calls) > 0),
		}
		if usage != nil {
			metadata.InputTokens = usage.PromptTokens
			metadata.OutputTokens = usage.CompletionTokens
		}
		eventChan <- services.StreamEvent{Metadata: metadata}
	}()

	return eventChan, nil
}

// buildRequest converts a GenerateRequest to the OpenAI chat completions shape.
func (p *Provider) buildRequest(req *services.GenerateRequest) (openai.ChatCompletionRequest, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)

	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}

	for i, msg := range req.Messages {
		switch msg.Role {
		case chat.RoleUser, chat.RoleSystem:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})

		case chat.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				args, err := json.Marshal(call.Arguments)
				if err != nil {
					return openai.ChatCompletionRequest{}, fmt.Errorf("message %d: encode tool arguments: %w", i, err)
				}
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   call.CallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(args),
					},
				})
			}
			messages = append(messages, m)

		case chat.RoleTool:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})

		default:
			return openai.ChatCompletionRequest{}, fmt.Errorf("message %d: unsupported role %q", i, msg.Role)
		}
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}

	for _, def := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.InputSchema,
			},
		})
	}

	if req.OutputSchema != nil && len(req.Tools) == 0 {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	return chatReq, nil
}

func toolCallFromOpenAI(id, name, arguments string) (chat.ToolCall, error) {
	args := map[string]interface{}{}
	if strings.TrimSpace(arguments) != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return chat.ToolCall{}, fmt.Errorf("tool %s: invalid arguments JSON: %w", name, err)
		}
	}
	return chat.ToolCall{CallID: id, Name: name, Arguments: args}, nil
}

// normalizeFinishReason maps OpenAI finish reasons to the domain vocabulary.
func normalizeFinishReason(reason string, hasToolCalls bool) string {
	switch reason {
	case "tool_calls":
		return "tool_use"
	case "length":
		return "max_tokens"
	case "stop", "":
		if hasToolCalls {
			return "tool_use"
		}
		return "end_turn"
	default:
		return reason
	}
}
