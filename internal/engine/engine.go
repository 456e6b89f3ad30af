package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"relay/internal/domain/models/chat"
	"relay/internal/domain/services"
	"relay/internal/plugin"
	"relay/internal/tools"
)

// Appender is the slice of the durable buffer the engine writes through. The
// buffer assigns LSNs at append time, so wire order matches LSN order.
type Appender interface {
	Append(p chat.Payload) (uint64, error)
	Tail() uint64
}

// Deps are the DI contexts a writer initializes before running the engine.
type Deps struct {
	Provider      services.ChatProvider
	Tools         *tools.Registry
	Plugins       *plugin.Registry
	PluginManager *plugin.Manager
	Logger        *slog.Logger

	// Resolved generation settings for this session.
	Model   string
	System  string
	Persona string
}

// Config bounds the engine's behavior.
type Config struct {
	// MaxIterations bounds the tool loop (default 10).
	MaxIterations int

	// StreamTimeout bounds each provider stream read. On expiry the engine
	// emits error(recoverable=true).
	StreamTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = 60 * time.Second
	}
	return c
}

// Engine is the phase machine that orchestrates provider streaming, tool
// execution, and elicit suspension for one writer run. A fresh engine instance
// is constructed per writer; suspended state lives in the plugin session
// manager, not here.
type Engine struct {
	deps Deps
	cfg  Config

	messages  []chat.Message
	finalText string
	usage     services.StreamMetadata

	// lastError dedups recoverable error events across retries.
	lastError string
}

// New creates an engine for one writer run. Missing dependencies are filled
// with empty defaults so a partially initialized writer still produces a
// well-formed error stream instead of a panic.
func New(deps Deps, cfg Config) *Engine {
	if deps.Tools == nil {
		deps.Tools = tools.NewRegistry()
	}
	if deps.Plugins == nil {
		deps.Plugins = plugin.NewRegistry()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.PluginManager == nil {
		deps.PluginManager = plugin.NewManager(deps.Plugins, 0, deps.Logger)
	}
	return &Engine{
		deps: deps,
		cfg:  cfg.withDefaults(),
	}
}

// Run drives the phase machine to a terminal phase or a suspension point,
// appending events to the buffer as it goes. It never panics across the
// writer boundary; all failures surface as stream events.
func (e *Engine) Run(ctx context.Context, sessionID string, buf Appender, req *chat.Request) {
	log := e.deps.Logger

	// Configuration errors surface as a single unrecoverable error followed
	// by complete (error kind 2).
	if e.deps.Provider == nil {
		e.emitError(buf, false, "Provider not configured")
		e.emitComplete(buf)
		return
	}

	// session_info leads a fresh buffer; a resumed writer appends to a log
	// that already carries it.
	if buf.Tail() == 0 {
		e.append(buf, chat.SessionInfoPayload{
			Persona:  e.deps.Persona,
			Model:    e.deps.Model,
			Provider: e.deps.Provider.Name(),
			Capabilities: chat.Capabilities{
				Tools:   e.enabledToolNames(req),
				Plugins: e.enabledPluginNames(req),
			},
		})
	}

	e.messages = e.buildMessages(req)

	// Phase: process_plugin_abort.
	if req.PluginAbort != nil {
		reason := req.PluginAbort.Reason
		if reason == "" {
			reason = "aborted by client"
		}
		if err := e.deps.PluginManager.Abort(req.PluginAbort.SessionID, reason); err != nil {
			log.Warn("plugin abort failed",
				"call_id", req.PluginAbort.SessionID,
				"error", err,
			)
		}
	}

	// Phase: process_plugin_responses.
	for _, resp := range req.PluginElicitResponses {
		if suspended := e.dispatchElicitResponse(ctx, sessionID, buf, resp); suspended {
			return
		}
	}

	// Phase: process_client_outputs.
	for _, out := range req.IsomorphicClientOutputs {
		e.append(buf, chat.ToolResultPayload{
			CallID:   out.CallID,
			ToolName: out.ToolName,
			Result:   out.ClientOutput,
		})
		e.appendToolMessage(out.CallID, out.ClientOutput)
	}

	// Phases: start_iteration ⇄ streaming_provider ⇄ executing_tools.
	for iteration := 0; ; iteration++ {
		if iteration >= e.cfg.MaxIterations {
			e.emitError(buf, false, fmt.Sprintf("max tool iterations exceeded (%d)", e.cfg.MaxIterations))
			e.emitComplete(buf)
			return
		}

		calls, outcome := e.streamProvider(ctx, buf, req)
		switch outcome {
		case streamTerminal:
			return
		case streamRetry:
			// Recoverable provider failure: try again, bounded by the
			// iteration limit above.
			continue
		}
		if len(calls) == 0 {
			e.emitComplete(buf)
			return
		}

		e.append(buf, chat.ToolCallsPayload{Calls: calls})

		if suspended := e.executeTools(ctx, sessionID, buf, req, calls); suspended {
			return
		}
	}
}

// streamResult tells Run how one provider stream ended.
type streamResult int

const (
	// streamCompleted: the stream finished; collected tool calls (possibly
	// none) decide the next phase.
	streamCompleted streamResult = iota
	// streamTerminal: the engine already emitted a terminal event.
	streamTerminal
	// streamRetry: a recoverable provider failure was published; the loop
	// should attempt another stream.
	streamRetry
)

// streamProvider runs one provider stream, emitting thinking and text events
// as they arrive and collecting tool calls.
func (e *Engine) streamProvider(ctx context.Context, buf Appender, req *chat.Request) ([]chat.ToolCall, streamResult) {
	genReq := &services.GenerateRequest{
		Messages: e.messages,
		Model:    e.deps.Model,
		System:   e.deps.System,
		Tools:    e.providerTools(req),
	}

	events, err := e.deps.Provider.StreamChat(ctx, genReq)
	if err != nil {
		// Stream never started: no tool side-effects yet, retry is safe.
		e.emitError(buf, true, fmt.Sprintf("provider stream failed: %v", err))
		return nil, streamRetry
	}

	var (
		iterText  string
		toolCalls []chat.ToolCall
	)

	timer := time.NewTimer(e.cfg.StreamTimeout)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(e.cfg.StreamTimeout)

		select {
		case <-ctx.Done():
			e.emitError(buf, false, fmt.Sprintf("streaming interrupted: %v", ctx.Err()))
			e.emitComplete(buf)
			return nil, streamTerminal

		case <-timer.C:
			e.emitError(buf, true, "provider stream timed out")
			return nil, streamRetry

		case ev, ok := <-events:
			if !ok {
				// Channel closed without metadata; treat what we have as final.
				e.finalText += iterText
				e.appendAssistantMessage(iterText, toolCalls)
				return toolCalls, streamCompleted
			}

			switch {
			case ev.Err != nil:
				e.emitError(buf, true, fmt.Sprintf("provider error: %v", ev.Err))
				return nil, streamRetry

			case ev.Thinking != nil:
				e.append(buf, chat.ThinkingPayload{Thinking: *ev.Thinking})

			case ev.Text != nil:
				iterText += *ev.Text
				e.append(buf, chat.TextPayload{Text: *ev.Text})

			case ev.ToolCall != nil:
				toolCalls = append(toolCalls, *ev.ToolCall)

			case ev.Metadata != nil:
				e.usage.Model = ev.Metadata.Model
				e.usage.InputTokens += ev.Metadata.InputTokens
				e.usage.OutputTokens += ev.Metadata.OutputTokens
				e.usage.StopReason = ev.Metadata.StopReason
				e.finalText += iterText
				e.appendAssistantMessage(iterText, toolCalls)
				return toolCalls, streamCompleted
			}
		}
	}
}

// executeTools runs the executing_tools phase for one batch of calls.
// Returns true if the engine reached a terminal-for-this-request phase
// (handoff_pending or plugin_awaiting_elicit).
func (e *Engine) executeTools(ctx context.Context, sessionID string, buf Appender, req *chat.Request, calls []chat.ToolCall) bool {
	// Any isomorphic tool with client authority: yield to the client.
	var isomorphic []chat.ToolCall
	for _, call := range calls {
		if def, ok := e.deps.Tools.Get(call.Name); ok && def.Isomorphic {
			isomorphic = append(isomorphic, call)
		}
	}
	if len(isomorphic) > 0 {
		for _, call := range isomorphic {
			e.append(buf, chat.IsomorphicHandoffPayload{
				CallID:   call.CallID,
				ToolName: call.Name,
				Params:   call.Arguments,
			})
		}
		return true
	}

	// Plugin tools: suspendable computations, handled one at a time so an
	// elicit suspension leaves later plugin calls uncreated.
	var serverCalls []chat.ToolCall
	for _, call := range calls {
		if _, isPlugin := e.deps.Plugins.Get(call.Name); !isPlugin {
			serverCalls = append(serverCalls, call)
			continue
		}

		if _, err := e.deps.PluginManager.Create(call.Name, call.Arguments, call.CallID, e.deps.Provider); err != nil {
			e.append(buf, chat.ToolErrorPayload{
				CallID:   call.CallID,
				ToolName: call.Name,
				Error:    err.Error(),
			})
			e.appendToolMessage(call.CallID, map[string]interface{}{"error": err.Error()})
			continue
		}

		if suspended := e.consumePluginSession(ctx, sessionID, buf, call.CallID, call.Name); suspended {
			return true
		}
	}

	// Server-side tools run concurrently; results are emitted in call order.
	if len(serverCalls) > 0 {
		results := e.deps.Tools.ExecuteParallel(ctx, serverCalls)
		for _, result := range results {
			if result.IsError {
				e.append(buf, chat.ToolErrorPayload{
					CallID:   result.CallID,
					ToolName: result.Name,
					Error:    result.Err.Error(),
				})
				e.appendToolMessage(result.CallID, map[string]interface{}{"error": result.Err.Error()})
				continue
			}
			e.append(buf, chat.ToolResultPayload{
				CallID:   result.CallID,
				ToolName: result.Name,
				Result:   result.Result,
			})
			e.appendToolMessage(result.CallID, result.Result)
		}
	}

	return false
}

// dispatchElicitResponse delivers one elicit response and consumes the tool
// session's next events. Returns true if the tool suspended again.
func (e *Engine) dispatchElicitResponse(ctx context.Context, sessionID string, buf Appender, resp chat.ElicitResponse) bool {
	sess := e.deps.PluginManager.Get(resp.CallID, e.deps.Provider)
	toolName := ""
	if sess != nil {
		toolName = sess.ToolName
	}

	if err := e.deps.PluginManager.RespondToElicit(resp.CallID, resp.ElicitID, resp.Result); err != nil {
		e.append(buf, chat.ToolErrorPayload{
			CallID:   resp.CallID,
			ToolName: toolName,
			Error:    err.Error(),
		})
		return false
	}

	return e.consumePluginSession(ctx, sessionID, buf, resp.CallID, toolName)
}

// consumePluginSession reads the projected event stream of one tool session
// until it suspends on an elicitation or terminates. Returns true when the
// engine should stop for this request (plugin_awaiting_elicit).
func (e *Engine) consumePluginSession(ctx context.Context, sessionID string, buf Appender, callID, toolName string) bool {
	events, ok := e.deps.PluginManager.Events(callID)
	if !ok {
		e.append(buf, chat.ToolErrorPayload{
			CallID:   callID,
			ToolName: toolName,
			Error:    "tool session not found",
		})
		e.appendToolMessage(callID, map[string]interface{}{"error": "tool session not found"})
		return false
	}

	for {
		select {
		case <-ctx.Done():
			e.emitError(buf, false, fmt.Sprintf("streaming interrupted: %v", ctx.Err()))
			e.emitComplete(buf)
			return true

		case ev, open := <-events:
			if !open {
				e.append(buf, chat.ToolErrorPayload{
					CallID:   callID,
					ToolName: toolName,
					Error:    "tool session ended without a result",
				})
				e.appendToolMessage(callID, map[string]interface{}{"error": "tool session ended without a result"})
				return false
			}

			switch ev.Kind {
			case plugin.KindElicitRequest:
				e.append(buf, chat.PluginElicitRequestPayload{
					SessionID: sessionID,
					CallID:    callID,
					ElicitID:  ev.Elicit.ElicitID,
					ToolName:  toolName,
					Key:       ev.Elicit.Key,
					Message:   ev.Elicit.Message,
					Schema:    ev.Elicit.Schema,
				})
				return true

			case plugin.KindResult:
				e.append(buf, chat.ToolResultPayload{
					CallID:   callID,
					ToolName: toolName,
					Result:   ev.Result,
				})
				e.appendToolMessage(callID, ev.Result)
				return false

			case plugin.KindError:
				e.append(buf, chat.ToolErrorPayload{
					CallID:   callID,
					ToolName: toolName,
					Error:    ev.Err.Error(),
				})
				e.appendToolMessage(callID, map[string]interface{}{"error": ev.Err.Error()})
				return false

			case plugin.KindCancelled:
				msg := fmt.Sprintf("tool session cancelled: %s", ev.Reason)
				e.append(buf, chat.ToolErrorPayload{
					CallID:   callID,
					ToolName: toolName,
					Error:    msg,
				})
				e.appendToolMessage(callID, map[string]interface{}{"error": msg})
				return false
			}
		}
	}
}

// buildMessages assembles the conversation the provider sees.
func (e *Engine) buildMessages(req *chat.Request) []chat.Message {
	messages := make([]chat.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Role == chat.RoleSystem {
			// System content is carried in GenerateRequest.System.
			continue
		}
		messages = append(messages, msg)
	}
	return messages
}

func (e *Engine) appendAssistantMessage(text string, calls []chat.ToolCall) {
	if text == "" && len(calls) == 0 {
		return
	}
	e.messages = append(e.messages, chat.Message{
		Role:      chat.RoleAssistant,
		Content:   text,
		ToolCalls: calls,
	})
}

func (e *Engine) appendToolMessage(callID string, result interface{}) {
	content, err := json.Marshal(result)
	if err != nil {
		content = []byte(fmt.Sprintf("%v", result))
	}
	e.messages = append(e.messages, chat.Message{
		Role:       chat.RoleTool,
		ToolCallID: callID,
		Content:    string(content),
	})
}

func (e *Engine) providerTools(req *chat.Request) []services.ToolDefinition {
	defs := e.deps.Tools.Definitions(req.EnabledTools)
	for _, name := range req.EnabledPlugins {
		tool, ok := e.deps.Plugins.Get(name)
		if !ok {
			continue
		}
		defs = append(defs, services.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return defs
}

func (e *Engine) enabledToolNames(req *chat.Request) []string {
	var names []string
	for _, name := range e.deps.Tools.Names() {
		if req.EnabledTools.Allows(name) {
			names = append(names, name)
		}
	}
	return names
}

func (e *Engine) enabledPluginNames(req *chat.Request) []string {
	var names []string
	for _, name := range req.EnabledPlugins {
		if _, ok := e.deps.Plugins.Get(name); ok {
			names = append(names, name)
		}
	}
	return names
}

// append writes one event to the buffer. An append failure means the buffer
// closed under us (session released mid-write); nothing useful can follow.
func (e *Engine) append(buf Appender, p chat.Payload) {
	if _, err := buf.Append(p); err != nil {
		e.deps.Logger.Warn("buffer append failed",
			"event_type", p.EventType(),
			"error", err,
		)
	}
}

// emitError publishes an error event. Recoverable conditions retried within
// the loop are never re-emitted with the same message.
func (e *Engine) emitError(buf Appender, recoverable bool, message string) {
	if recoverable && message == e.lastError {
		return
	}
	e.lastError = message
	e.append(buf, chat.ErrorPayload{Message: message, Recoverable: recoverable})
}

// emitComplete publishes the terminal complete event with accumulated text
// and usage counters.
func (e *Engine) emitComplete(buf Appender) {
	e.append(buf, chat.CompletePayload{
		Text:         e.finalText,
		InputTokens:  e.usage.InputTokens,
		OutputTokens: e.usage.OutputTokens,
		StopReason:   e.usage.StopReason,
	})
}
