package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"relay/internal/domain/models/chat"
	"relay/internal/domain/services"
	"relay/internal/plugin"
	"relay/internal/stream"
	"relay/internal/tools"
)

// turn scripts one provider stream: events to emit, in order.
type turn struct {
	thinking  []string
	text      []string
	toolCalls []chat.ToolCall
	err       error
	delay     time.Duration
}

// scriptedProvider replays scripted turns, one per StreamChat call.
type scriptedProvider struct {
	mu       sync.Mutex
	turns    []turn
	sampled  string
	position int
}

func (p *scriptedProvider) nextTurn() turn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.position >= len(p.turns) {
		return turn{} // empty response
	}
	t := p.turns[p.position]
	p.position++
	return t
}

func (p *scriptedProvider) StreamChat(ctx context.Context, req *services.GenerateRequest) (<-chan services.StreamEvent, error) {
	t := p.nextTurn()
	ch := make(chan services.StreamEvent, 16)

	go func() {
		defer close(ch)
		for i := range t.thinking {
			ch <- services.StreamEvent{Thinking: &t.thinking[i]}
		}
		for i := range t.text {
			if t.delay > 0 {
				time.Sleep(t.delay)
			}
			ch <- services.StreamEvent{Text: &t.text[i]}
		}
		if t.err != nil {
			ch <- services.StreamEvent{Err: t.err}
			return
		}
		for i := range t.toolCalls {
			ch <- services.StreamEvent{ToolCall: &t.toolCalls[i]}
		}
		stop := "end_turn"
		if len(t.toolCalls) > 0 {
			stop = "tool_use"
		}
		ch <- services.StreamEvent{Metadata: &services.StreamMetadata{
			Model:        req.Model,
			InputTokens:  3,
			OutputTokens: len(t.text),
			StopReason:   stop,
		}}
	}()

	return ch, nil
}

func (p *scriptedProvider) Generate(ctx context.Context, req *services.GenerateRequest) (*services.GenerateResponse, error) {
	return &services.GenerateResponse{Text: p.sampled, StopReason: "end_turn"}, nil
}

// streamCalls reports how many times StreamChat was invoked.
func (p *scriptedProvider) streamCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

func (p *scriptedProvider) Name() string                    { return "scripted" }
func (p *scriptedProvider) SupportsModel(model string) bool { return true }

func testDeps(t *testing.T, provider services.ChatProvider) Deps {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	toolRegistry := tools.NewRegistry()
	tools.RegisterBuiltins(toolRegistry)

	pluginRegistry := plugin.NewRegistry()
	if err := plugin.RegisterBuiltins(pluginRegistry); err != nil {
		t.Fatal(err)
	}

	return Deps{
		Provider:      provider,
		Tools:         toolRegistry,
		Plugins:       pluginRegistry,
		PluginManager: plugin.NewManager(pluginRegistry, time.Minute, logger),
		Logger:        logger,
		Model:         "scripted-1",
	}
}

// drain reads the buffered events after the engine has returned. The engine
// appends synchronously before returning, so a short quiet period suffices
// for buffers still open at a suspension point.
func drain(t *testing.T, buf *stream.Buffer) []stream.Event {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := buf.Replay(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}

	var events []stream.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-time.After(300 * time.Millisecond):
			return events
		}
	}
}

func eventTypes(events []stream.Event) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Payload.EventType()
	}
	return types
}

func assertTypes(t *testing.T, events []stream.Event, want []string) {
	t.Helper()
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}
}

func assertDenseLSNs(t *testing.T, events []stream.Event) {
	t.Helper()
	for i, ev := range events {
		if ev.LSN != uint64(i)+1 {
			t.Errorf("event %d: lsn %d, want %d", i, ev.LSN, i+1)
		}
	}
}

func TestBasicStream(t *testing.T) {
	provider := &scriptedProvider{turns: []turn{
		{text: []string{"Hello,", " world!"}},
	}}
	buf := stream.NewBuffer()

	eng := New(testDeps(t, provider), Config{})
	eng.Run(context.Background(), "sess-1", buf, &chat.Request{
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "Hi"}},
	})
	buf.Close()

	events := drain(t, buf)
	assertTypes(t, events, []string{"session_info", "text", "text", "complete"})
	assertDenseLSNs(t, events)

	complete := events[3].Payload.(chat.CompletePayload)
	if complete.Text != "Hello, world!" {
		t.Errorf("complete text = %q, want %q", complete.Text, "Hello, world!")
	}
}

func TestEmptyProviderResponse(t *testing.T) {
	provider := &scriptedProvider{}
	buf := stream.NewBuffer()

	eng := New(testDeps(t, provider), Config{})
	eng.Run(context.Background(), "sess-1", buf, &chat.Request{
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "Hi"}},
	})
	buf.Close()

	events := drain(t, buf)
	assertTypes(t, events, []string{"session_info", "complete"})
	if events[1].Payload.(chat.CompletePayload).Text != "" {
		t.Error("empty response should complete with empty text")
	}
}

func TestThinkingPrecedesText(t *testing.T) {
	provider := &scriptedProvider{turns: []turn{
		{thinking: []string{"hmm "}, text: []string{"answer"}},
	}}
	buf := stream.NewBuffer()

	eng := New(testDeps(t, provider), Config{})
	eng.Run(context.Background(), "sess-1", buf, &chat.Request{
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "Hi"}},
	})
	buf.Close()

	events := drain(t, buf)
	assertTypes(t, events, []string{"session_info", "thinking", "text", "complete"})
}

func TestNoProviderConfigured(t *testing.T) {
	buf := stream.NewBuffer()
	deps := testDeps(t, nil)

	eng := New(deps, Config{})
	eng.Run(context.Background(), "sess-1", buf, &chat.Request{
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "Hi"}},
	})
	buf.Close()

	events := drain(t, buf)
	assertTypes(t, events, []string{"error", "complete"})

	errPayload := events[0].Payload.(chat.ErrorPayload)
	if errPayload.Recoverable {
		t.Error("provider-not-configured must be unrecoverable")
	}
	if errPayload.Message != "Provider not configured" {
		t.Errorf("error message = %q", errPayload.Message)
	}
}

func TestServerToolLoop(t *testing.T) {
	provider := &scriptedProvider{turns: []turn{
		{toolCalls: []chat.ToolCall{{CallID: "call-1", Name: "word_count", Arguments: map[string]interface{}{"text": "one two three"}}}},
		{text: []string{"Three words."}},
	}}
	buf := stream.NewBuffer()

	allTools := true
	eng := New(testDeps(t, provider), Config{})
	eng.Run(context.Background(), "sess-1", buf, &chat.Request{
		Messages:     []chat.Message{{Role: chat.RoleUser, Content: "count this"}},
		EnabledTools: &chat.EnabledTools{All: &allTools},
	})
	buf.Close()

	events := drain(t, buf)
	assertTypes(t, events, []string{"session_info", "tool_calls", "tool_result", "text", "complete"})
	assertDenseLSNs(t, events)

	result := events[2].Payload.(chat.ToolResultPayload)
	if result.CallID != "call-1" || result.ToolName != "word_count" {
		t.Errorf("unexpected tool result: %+v", result)
	}
}

func TestToolErrorContinuesLoop(t *testing.T) {
	provider := &scriptedProvider{turns: []turn{
		{toolCalls: []chat.ToolCall{{CallID: "call-1", Name: "no_such_tool"}}},
		{text: []string{"The tool failed."}},
	}}
	buf := stream.NewBuffer()

	eng := New(testDeps(t, provider), Config{})
	eng.Run(context.Background(), "sess-1", buf, &chat.Request{
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "go"}},
	})
	buf.Close()

	events := drain(t, buf)
	assertTypes(t, events, []string{"session_info", "tool_calls", "tool_error", "text", "complete"})
}

func TestMaxIterationsYieldsSingleErrorThenComplete(t *testing.T) {
	// Every turn requests another tool call; the loop must stop at the bound.
	turns := make([]turn, 20)
	for i := range turns {
		turns[i] = turn{toolCalls: []chat.ToolCall{{CallID: "call", Name: "current_time", Arguments: map[string]interface{}{}}}}
	}
	provider := &scriptedProvider{turns: turns}
	buf := stream.NewBuffer()

	eng := New(testDeps(t, provider), Config{MaxIterations: 3})
	eng.Run(context.Background(), "sess-1", buf, &chat.Request{
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "loop"}},
	})
	buf.Close()

	events := drain(t, buf)

	var errCount, completeCount int
	for _, ev := range events {
		switch p := ev.Payload.(type) {
		case chat.ErrorPayload:
			errCount++
			if p.Recoverable {
				t.Error("max-iterations error must be unrecoverable")
			}
		case chat.CompletePayload:
			completeCount++
		}
	}
	if errCount != 1 {
		t.Errorf("error events = %d, want exactly 1", errCount)
	}
	if completeCount != 1 {
		t.Errorf("complete events = %d, want exactly 1", completeCount)
	}
	// complete must be the final event
	if events[len(events)-1].Payload.EventType() != chat.EventComplete {
		t.Error("stream does not end with complete")
	}
}

func TestIsomorphicHandoffAndResume(t *testing.T) {
	provider := &scriptedProvider{turns: []turn{
		{toolCalls: []chat.ToolCall{{CallID: "call-geo", Name: "client_geolocation", Arguments: map[string]interface{}{}}}},
		{text: []string{"You are in Lisbon."}},
	}}
	buf := stream.NewBuffer()
	deps := testDeps(t, provider)

	allTools := true
	req1 := &chat.Request{
		Messages:     []chat.Message{{Role: chat.RoleUser, Content: "where am I"}},
		EnabledTools: &chat.EnabledTools{All: &allTools},
	}
	New(deps, Config{}).Run(context.Background(), "sess-1", buf, req1)

	events := drain(t, buf)
	assertTypes(t, events, []string{"session_info", "tool_calls", "isomorphic_handoff"})

	handoff := events[2].Payload.(chat.IsomorphicHandoffPayload)
	if handoff.CallID != "call-geo" || handoff.ToolName != "client_geolocation" {
		t.Fatalf("unexpected handoff: %+v", handoff)
	}

	// Next request carries the client output; a fresh engine resumes on the
	// same buffer.
	req2 := &chat.Request{
		Messages: append(req1.Messages, chat.Message{
			Role: chat.RoleAssistant, ToolCalls: []chat.ToolCall{{CallID: "call-geo", Name: "client_geolocation"}},
		}),
		IsomorphicClientOutputs: []chat.IsomorphicClientOutput{
			{CallID: "call-geo", ToolName: "client_geolocation", ClientOutput: map[string]interface{}{"lat": 38.7, "lon": -9.1}},
		},
	}
	New(deps, Config{}).Run(context.Background(), "sess-1", buf, req2)
	buf.Close()

	events = drain(t, buf)
	assertTypes(t, events, []string{
		"session_info", "tool_calls", "isomorphic_handoff",
		"tool_result", "text", "complete",
	})
	assertDenseLSNs(t, events)
}

func TestPluginElicitSuspendAndResume(t *testing.T) {
	provider := &scriptedProvider{turns: []turn{
		{toolCalls: []chat.ToolCall{{CallID: "call-bf", Name: "book_flight", Arguments: map[string]interface{}{"origin": "SFO"}}}},
		{text: []string{"Booked!"}},
	}}
	buf := stream.NewBuffer()
	deps := testDeps(t, provider)

	// Request 1: the provider calls book_flight; the tool suspends at pickFlight.
	req1 := &chat.Request{
		Messages:       []chat.Message{{Role: chat.RoleUser, Content: "Book a flight"}},
		EnabledPlugins: []string{"book_flight"},
	}
	New(deps, Config{}).Run(context.Background(), "sess-1", buf, req1)

	events := drain(t, buf)
	assertTypes(t, events, []string{"session_info", "tool_calls", "plugin_elicit_request"})

	elicit1 := events[2].Payload.(chat.PluginElicitRequestPayload)
	if elicit1.Key != "pickFlight" || elicit1.CallID != "call-bf" || elicit1.SessionID != "sess-1" {
		t.Fatalf("unexpected elicit: %+v", elicit1)
	}

	// Request 2: accept pickFlight; the tool suspends again at pickSeat.
	buf.Reopen()
	req2 := &chat.Request{
		PluginElicitResponses: []chat.ElicitResponse{{
			SessionID: "sess-1",
			CallID:    "call-bf",
			ElicitID:  elicit1.ElicitID,
			Result:    chat.ElicitResult{Action: chat.ElicitAccept, Content: map[string]interface{}{"flightId": "FL001"}},
		}},
	}
	New(deps, Config{}).Run(context.Background(), "sess-1", buf, req2)

	events = drain(t, buf)
	last := events[len(events)-1].Payload.(chat.PluginElicitRequestPayload)
	if last.Key != "pickSeat" || last.CallID != "call-bf" {
		t.Fatalf("unexpected second elicit: %+v", last)
	}

	// Request 3: accept pickSeat; the tool completes and the loop continues to
	// the provider's final text.
	buf.Reopen()
	req3 := &chat.Request{
		Messages: req1.Messages,
		PluginElicitResponses: []chat.ElicitResponse{{
			SessionID: "sess-1",
			CallID:    "call-bf",
			ElicitID:  last.ElicitID,
			Result:    chat.ElicitResult{Action: chat.ElicitAccept, Content: map[string]interface{}{"seat": "14C"}},
		}},
	}
	New(deps, Config{}).Run(context.Background(), "sess-1", buf, req3)
	buf.Close()

	events = drain(t, buf)
	types := eventTypes(events)

	// The tail of the stream: tool_result for the booking, then text+complete.
	wantTail := []string{"tool_result", "text", "complete"}
	if len(types) < len(wantTail) {
		t.Fatalf("too few events: %v", types)
	}
	for i, want := range wantTail {
		got := types[len(types)-len(wantTail)+i]
		if got != want {
			t.Fatalf("tail event %d = %s, want %s (full: %v)", i, got, want, types)
		}
	}
	assertDenseLSNs(t, events)

	result := events[len(events)-3].Payload.(chat.ToolResultPayload)
	booking := result.Result.(map[string]interface{})
	if booking["booked"] != true || booking["flightId"] != "FL001" || booking["seat"] != "14C" {
		t.Errorf("unexpected booking result: %v", booking)
	}
}

func TestDuplicateElicitResponseEmitsToolError(t *testing.T) {
	provider := &scriptedProvider{turns: []turn{
		{toolCalls: []chat.ToolCall{{CallID: "call-bf", Name: "book_flight", Arguments: map[string]interface{}{}}}},
	}}
	buf := stream.NewBuffer()
	deps := testDeps(t, provider)

	req1 := &chat.Request{
		Messages:       []chat.Message{{Role: chat.RoleUser, Content: "Book a flight"}},
		EnabledPlugins: []string{"book_flight"},
	}
	New(deps, Config{}).Run(context.Background(), "sess-1", buf, req1)

	events := drain(t, buf)
	elicit := events[len(events)-1].Payload.(chat.PluginElicitRequestPayload)

	// Answer once (valid), which suspends at pickSeat.
	buf.Reopen()
	respond := func(elicitID string) *chat.Request {
		return &chat.Request{
			PluginElicitResponses: []chat.ElicitResponse{{
				SessionID: "sess-1",
				CallID:    "call-bf",
				ElicitID:  elicitID,
				Result:    chat.ElicitResult{Action: chat.ElicitAccept, Content: map[string]interface{}{"flightId": "FL001"}},
			}},
		}
	}
	New(deps, Config{}).Run(context.Background(), "sess-1", buf, respond(elicit.ElicitID))

	// Answer the same elicitId again: elicit-not-pending surfaces as tool_error.
	buf.Reopen()
	New(deps, Config{}).Run(context.Background(), "sess-1", buf, respond(elicit.ElicitID))
	buf.Close()

	events = drain(t, buf)
	foundNotPending := false
	for _, ev := range events {
		if p, ok := ev.Payload.(chat.ToolErrorPayload); ok {
			if p.CallID == "call-bf" {
				foundNotPending = true
			}
		}
	}
	if !foundNotPending {
		t.Errorf("duplicate elicit response did not surface an error: %v", eventTypes(events))
	}
}

func TestRecoverableErrorRetriesUntilSuccess(t *testing.T) {
	provider := &scriptedProvider{turns: []turn{
		{err: context.DeadlineExceeded},
		{err: context.DeadlineExceeded},
		{text: []string{"recovered"}},
	}}
	buf := stream.NewBuffer()

	eng := New(testDeps(t, provider), Config{MaxIterations: 5})
	eng.Run(context.Background(), "sess-1", buf, &chat.Request{
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "Hi"}},
	})
	buf.Close()

	// Both failing turns and the successful one must have been attempted.
	if calls := provider.streamCalls(); calls != 3 {
		t.Fatalf("provider called %d times, want 3 (retry until success)", calls)
	}

	events := drain(t, buf)
	var errCount, textCount int
	for _, ev := range events {
		switch p := ev.Payload.(type) {
		case chat.ErrorPayload:
			errCount++
			if !p.Recoverable {
				t.Errorf("transient provider failure emitted as unrecoverable: %q", p.Message)
			}
		case chat.TextPayload:
			textCount++
			if p.Text != "recovered" {
				t.Errorf("text = %q, want %q", p.Text, "recovered")
			}
		}
	}
	if errCount != 1 {
		t.Errorf("identical recoverable errors emitted %d times, want 1", errCount)
	}
	if textCount != 1 {
		t.Errorf("recovered turn emitted %d text events, want 1", textCount)
	}

	last := events[len(events)-1].Payload
	complete, ok := last.(chat.CompletePayload)
	if !ok {
		t.Fatalf("stream should recover and complete: %v", eventTypes(events))
	}
	if complete.Text != "recovered" {
		t.Errorf("complete text = %q, want %q", complete.Text, "recovered")
	}
}

func TestRecoverableErrorExhaustsIterations(t *testing.T) {
	// A provider that fails every time: the loop retries until the iteration
	// bound, then terminates with one unrecoverable error and complete.
	turns := make([]turn, 10)
	for i := range turns {
		turns[i] = turn{err: context.DeadlineExceeded}
	}
	provider := &scriptedProvider{turns: turns}
	buf := stream.NewBuffer()

	eng := New(testDeps(t, provider), Config{MaxIterations: 3})
	eng.Run(context.Background(), "sess-1", buf, &chat.Request{
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "Hi"}},
	})
	buf.Close()

	if calls := provider.streamCalls(); calls != 3 {
		t.Errorf("provider called %d times, want 3 (bounded by max iterations)", calls)
	}

	events := drain(t, buf)
	types := eventTypes(events)
	if types[len(types)-1] != chat.EventComplete {
		t.Fatalf("stream does not end with complete: %v", types)
	}

	var unrecoverable int
	for _, ev := range events {
		if p, ok := ev.Payload.(chat.ErrorPayload); ok && !p.Recoverable {
			unrecoverable++
		}
	}
	if unrecoverable != 1 {
		t.Errorf("unrecoverable errors = %d, want exactly 1 (max iterations)", unrecoverable)
	}
}
