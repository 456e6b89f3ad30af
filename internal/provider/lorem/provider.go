package lorem

import (
	"context"
	"fmt"
	"strings"
	"time"

	loremgen "github.com/bozaro/golorem"

	"relay/internal/domain/services"
)

// Provider is a mock LLM provider that generates lorem ipsum text.
// Used for testing and development without requiring real API keys.
type Provider struct {
	generator *loremgen.Lorem
}

// NewProvider creates a new lorem ipsum provider.
func NewProvider() *Provider {
	return &Provider{
		generator: loremgen.New(),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "lorem"
}

// SupportsModel returns true if the model name starts with "lorem-".
// Example models: "lorem-fast", "lorem-slow", "lorem-thinking"
func (p *Provider) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "lorem-")
}

// getStreamDelay returns the delay between words based on the model name.
// - lorem-slow: 2 words/second
// - lorem-fast: 30 words/second
// - default: 10 words/second
func getStreamDelay(model string) time.Duration {
	if strings.Contains(model, "slow") {
		return 500 * time.Millisecond
	}
	if strings.Contains(model, "fast") {
		return 33 * time.Millisecond
	}
	return 100 * time.Millisecond
}

// Generate produces a complete lorem ipsum response (blocking).
func (p *Provider) Generate(ctx context.Context, req *services.GenerateRequest) (*services.GenerateResponse, error) {
	if !p.SupportsModel(req.Model) {
		return nil, fmt.Errorf("model '%s' is not supported by lorem provider", req.Model)
	}

	text := p.generator.Paragraph(2, 4)
	return &services.GenerateResponse{
		Text:         text,
		Model:        req.Model,
		InputTokens:  estimateTokens(req),
		OutputTokens: len(strings.Fields(text)),
		StopReason:   "end_turn",
	}, nil
}

// StreamChat generates a streaming lorem ipsum response, word by word with a
// model-dependent delay. Models containing "thinking" emit a short thinking
// prelude first.
func (p *Provider) StreamChat(ctx context.Context, req *services.GenerateRequest) (<-chan services.StreamEvent, error) {
	if !p.SupportsModel(req.Model) {
		return nil, fmt.Errorf("model '%s' is not supported by lorem provider", req.Model)
	}

	delay := getStreamDelay(req.Model)
	thinking := strings.Contains(req.Model, "thinking")

	eventChan := make(chan services.StreamEvent, 10)

	go func() {
		defer close(eventChan)

		outputTokens := 0

		if thinking {
			words := strings.Fields(p.generator.Sentence(8, 12))
			for _, word := range words {
				if err := p.emitWord(ctx, eventChan, word, delay, true); err != nil {
					return
				}
				outputTokens++
			}
		}

		words := strings.Fields(p.generator.Paragraph(1, 3))
		for _, word := range words {
			if err := p.emitWord(ctx, eventChan, word, delay, false); err != nil {
				return
			}
			outputTokens++
		}

		eventChan <- services.StreamEvent{
			Metadata: &services.StreamMetadata{
				Model:        req.Model,
				InputTokens:  estimateTokens(req),
				OutputTokens: outputTokens,
				StopReason:   "end_turn",
			},
		}
	}()

	return eventChan, nil
}

func (p *Provider) emitWord(ctx context.Context, eventChan chan<- services.StreamEvent, word string, delay time.Duration, thinking bool) error {
	delta := word + " "
	ev := services.StreamEvent{}
	if thinking {
		ev.Thinking = &delta
	} else {
		ev.Text = &delta
	}

	select {
	case eventChan <- ev:
	case <-ctx.Done():
		eventChan <- services.StreamEvent{Err: ctx.Err()}
		return ctx.Err()
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		eventChan <- services.StreamEvent{Err: ctx.Err()}
		return ctx.Err()
	}
	return nil
}

// estimateTokens estimates the input token count using word count as a proxy.
func estimateTokens(req *services.GenerateRequest) int {
	total := 0
	for _, msg := range req.Messages {
		total += len(strings.Fields(msg.Content))
	}
	return total
}
