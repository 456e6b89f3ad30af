package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
)

// CurrentTimeInput is the input schema for the current_time tool.
type CurrentTimeInput struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name; defaults to UTC"`
}

// WordCountInput is the input schema for the word_count tool.
type WordCountInput struct {
	Text string `json:"text" jsonschema:"required,description=Text to count words and characters in"`
}

// ClientGeolocationInput is the input schema for the client_geolocation tool.
// The tool runs on the client; the server only emits a handoff.
type ClientGeolocationInput struct {
	HighAccuracy bool `json:"highAccuracy,omitempty" jsonschema:"description=Request high-accuracy positioning from the client"`
}

// reflectSchema generates a JSON schema for a tool input struct. Schemas are
// inlined (no $defs indirection) so they serialize cleanly into provider
// requests.
func reflectSchema(v interface{}) interface{} {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		Anonymous:      true,
	}
	return reflector.Reflect(v)
}

// RegisterBuiltins registers the built-in server-side and isomorphic tools.
func RegisterBuiltins(registry *Registry) {
	registry.Register(Definition{
		Name:        "current_time",
		Description: "Returns the current date and time, optionally in a given IANA timezone.",
		InputSchema: reflectSchema(&CurrentTimeInput{}),
	}, FuncExecutor(currentTime))

	registry.Register(Definition{
		Name:        "word_count",
		Description: "Counts words and characters in the given text.",
		InputSchema: reflectSchema(&WordCountInput{}),
	}, FuncExecutor(wordCount))

	registry.Register(Definition{
		Name:        "client_geolocation",
		Description: "Obtains the user's location from the client device.",
		InputSchema: reflectSchema(&ClientGeolocationInput{}),
		Isomorphic:  true,
	}, nil)
}

func currentTime(ctx context.Context, input map[string]interface{}) (interface{}, error) {
	loc := time.UTC
	if tz, ok := input["timezone"].(string); ok && tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q: %w", tz, err)
		}
		loc = parsed
	}

	now := time.Now().In(loc)
	return map[string]interface{}{
		"iso":      now.Format(time.RFC3339),
		"unix":     now.Unix(),
		"timezone": loc.String(),
	}, nil
}

func wordCount(ctx context.Context, input map[string]interface{}) (interface{}, error) {
	text, ok := input["text"].(string)
	if !ok {
		return nil, fmt.Errorf("text is required")
	}

	words := 0
	inWord := false
	for _, r := range text {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			inWord = false
			continue
		}
		if !inWord {
			words++
			inWord = true
		}
	}

	return map[string]interface{}{
		"words":      words,
		"characters": len([]rune(text)),
	}, nil
}
