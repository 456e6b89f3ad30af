package plugin

import (
	"context"
	"fmt"
)

// RegisterBuiltins registers the built-in plugin tools.
func RegisterBuiltins(registry *Registry) error {
	if err := registry.Register(BookFlightTool()); err != nil {
		return err
	}
	if err := registry.Register(DeepPromptTool()); err != nil {
		return err
	}
	return nil
}

// BookFlightTool is a two-step booking flow: the tool elicits a flight choice,
// then a seat choice, then confirms the booking.
func BookFlightTool() *Tool {
	return &Tool{
		Name:        "book_flight",
		Description: "Books a flight for the user, asking them to pick a flight and a seat.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"origin":      map[string]interface{}{"type": "string"},
				"destination": map[string]interface{}{"type": "string"},
			},
		},
		Elicitations: map[string]*Elicitation{
			"pickFlight": {
				Message: "Which flight would you like to book?",
				Schema: map[string]interface{}{
					"type":     "object",
					"required": []interface{}{"flightId"},
					"properties": map[string]interface{}{
						"flightId": map[string]interface{}{"type": "string"},
					},
				},
			},
			"pickSeat": {
				Message: "Which seat would you like?",
				Schema: map[string]interface{}{
					"type":     "object",
					"required": []interface{}{"seat"},
					"properties": map[string]interface{}{
						"seat": map[string]interface{}{"type": "string"},
					},
				},
			},
		},
		Run: runBookFlight,
	}
}

func runBookFlight(ctx context.Context, host Host, input map[string]interface{}) (interface{}, error) {
	host.Progress("searching flights")

	flight, err := host.Elicit(ctx, "pickFlight", "")
	if err != nil {
		return nil, err
	}
	if flight.Action != "accept" {
		return map[string]interface{}{
			"booked": false,
			"reason": fmt.Sprintf("flight selection %s", flight.Action),
		}, nil
	}

	seat, err := host.Elicit(ctx, "pickSeat", "")
	if err != nil {
		return nil, err
	}
	if seat.Action != "accept" {
		return map[string]interface{}{
			"booked": false,
			"reason": fmt.Sprintf("seat selection %s", seat.Action),
		}, nil
	}

	return map[string]interface{}{
		"booked":   true,
		"flightId": flight.Content["flightId"],
		"seat":     seat.Content["seat"],
	}, nil
}

// DeepPromptTool refines a rough prompt through a server-side sample: the tool
// asks the current provider to rewrite the user's draft, then elicits the
// user's approval of the rewrite before returning it. The sample itself is
// answered server-side without any client involvement.
func DeepPromptTool() *Tool {
	return &Tool{
		Name:        "deep_prompt",
		Description: "Rewrites a rough prompt into a detailed one using the model itself.",
		InputSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"draft"},
			"properties": map[string]interface{}{
				"draft": map[string]interface{}{"type": "string"},
			},
		},
		Elicitations: map[string]*Elicitation{
			"approveRewrite": {
				Message: "Use this rewritten prompt?",
				Schema: map[string]interface{}{
					"type":     "object",
					"required": []interface{}{"approved"},
					"properties": map[string]interface{}{
						"approved": map[string]interface{}{"type": "boolean"},
					},
				},
			},
		},
		Run: runDeepPrompt,
	}
}

func runDeepPrompt(ctx context.Context, host Host, input map[string]interface{}) (interface{}, error) {
	draft, _ := input["draft"].(string)
	if draft == "" {
		return nil, fmt.Errorf("draft is required")
	}

	sampled, err := host.Sample(ctx, SampleRequest{
		Prompt:    fmt.Sprintf("Rewrite the following draft prompt to be specific and detailed. Reply with the rewritten prompt only.\n\n%s", draft),
		System:    "You are a prompt engineer. Output only the rewritten prompt.",
		MaxTokens: 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("rewrite sample failed: %w", err)
	}

	approval, err := host.Elicit(ctx, "approveRewrite", fmt.Sprintf("Use this rewritten prompt?\n\n%s", sampled.Text))
	if err != nil {
		return nil, err
	}
	if approval.Action != "accept" {
		return map[string]interface{}{"prompt": draft, "rewritten": false}, nil
	}
	if approved, _ := approval.Content["approved"].(bool); !approved {
		return map[string]interface{}{"prompt": draft, "rewritten": false}, nil
	}

	return map[string]interface{}{"prompt": sampled.Text, "rewritten": true}, nil
}
