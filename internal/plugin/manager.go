package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"relay/internal/domain"
	"relay/internal/domain/models/chat"
	"relay/internal/domain/services"
)

// SessionInfo is a diagnostic snapshot of one active tool session.
type SessionInfo struct {
	CallID   string        `json:"callId"`
	ToolName string        `json:"toolName"`
	Status   Status        `json:"status"`
	Age      time.Duration `json:"age"`
}

// wrapper consumes a tool session's raw event stream and projects it to the
// engine: elicit requests and terminal events pass through, sample requests
// are answered server-side, progress and log lines are skipped.
type wrapper struct {
	session   *ToolSession
	provider  services.ChatProvider
	projected chan Event

	// removeOnce guards map removal: the entry leaves the manager exactly
	// once, and only after its terminal event has been handed to the
	// projected stream the engine consumes.
	removeOnce sync.Once
}

// Manager wraps tool sessions for the chat engine. It is long-lived: entries
// survive across HTTP requests until their session reaches a terminal status
// or is explicitly aborted. The callId → session map is serialized under a
// single lock.
type Manager struct {
	mu       sync.Mutex
	wrappers map[string]*wrapper

	registry      *Registry
	elicitTimeout time.Duration
	logger        *slog.Logger
}

// NewManager creates a plugin session manager over the given plugin registry.
func NewManager(registry *Registry, elicitTimeout time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		wrappers:      make(map[string]*wrapper),
		registry:      registry,
		elicitTimeout: elicitTimeout,
		logger:        logger,
	}
}

// Create constructs a suspendable tool computation keyed by callId, registers
// it, and begins consuming its event stream. The provider handles the tool's
// server-side sample requests.
func (m *Manager) Create(toolName string, input map[string]interface{}, callID string, provider services.ChatProvider) (*ToolSession, error) {
	tool, ok := m.registry.Get(toolName)
	if !ok {
		return nil, fmt.Errorf("plugin tool %s: %w", toolName, domain.ErrNotFound)
	}

	m.mu.Lock()
	if existing, exists := m.wrappers[callID]; exists {
		m.mu.Unlock()
		return existing.session, nil
	}

	sess := newToolSession(tool, input, callID, m.elicitTimeout)
	w := &wrapper{
		session:   sess,
		provider:  provider,
		projected: make(chan Event, 16),
	}
	m.wrappers[callID] = w
	m.mu.Unlock()

	sess.start()
	go m.pump(w)

	m.logger.Info("plugin session created",
		"call_id", callID,
		"tool", toolName,
	)
	return sess, nil
}

// Get looks up an existing tool session by callId. A non-nil provider updates
// the wrapper's sampling provider, which a resuming request must do since the
// original request's provider context is gone.
func (m *Manager) Get(callID string, provider services.ChatProvider) *ToolSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wrappers[callID]
	if !ok {
		return nil
	}
	if provider != nil {
		w.provider = provider
	}
	return w.session
}

// Events returns the projected event stream for a tool session.
func (m *Manager) Events(callID string) (<-chan Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wrappers[callID]
	if !ok {
		return nil, false
	}
	return w.projected, true
}

// RespondToElicit delivers an elicit response into the suspended tool session.
// Precondition: the tool is awaiting that elicitId; otherwise
// ErrElicitNotPending is reported.
func (m *Manager) RespondToElicit(callID, elicitID string, result chat.ElicitResult) error {
	m.mu.Lock()
	w, ok := m.wrappers[callID]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("tool session %s: %w", callID, domain.ErrElicitNotPending)
	}
	return w.session.RespondToElicit(elicitID, result)
}

// Abort cancels the computation for the given callId.
func (m *Manager) Abort(callID, reason string) error {
	m.mu.Lock()
	w, ok := m.wrappers[callID]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("tool session %s: %w", callID, domain.ErrNotFound)
	}

	m.logger.Info("plugin session aborted", "call_id", callID, "reason", reason)
	w.session.Abort(reason)
	return nil
}

// ListActive returns diagnostic info for all registered tool sessions.
func (m *Manager) ListActive() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(m.wrappers))
	for _, w := range m.wrappers {
		infos = append(infos, SessionInfo{
			CallID:   w.session.ID,
			ToolName: w.session.ToolName,
			Status:   w.session.Status(),
			Age:      w.session.Age(),
		})
	}
	return infos
}

// pump consumes the raw tool session stream. Runs until the session's out
// channel closes after its terminal event.
func (m *Manager) pump(w *wrapper) {
	callID := w.session.ID

	for ev := range w.session.out {
		switch ev.Kind {
		case KindSampleRequest:
			answer := m.handleSample(w, ev.Sample)
			ev.sampleReply <- answer

		case KindProgress, KindLog:
			m.logger.Debug("plugin session event",
				"call_id", callID,
				"kind", ev.Kind,
				"message", ev.Message,
			)

		case KindElicitRequest:
			w.projected <- ev

		case KindResult, KindError, KindCancelled:
			w.projected <- ev
			w.removeOnce.Do(func() {
				m.mu.Lock()
				delete(m.wrappers, callID)
				m.mu.Unlock()
				m.logger.Info("plugin session released",
					"call_id", callID,
					"status", w.session.Status(),
				)
			})
		}
	}
	close(w.projected)
}

// handleSample answers a tool's sample request by calling the wrapper's chat
// provider. Never visible to the engine or client. When the request carries
// both an output schema and a tool list, the response is interpreted as a
// structured tool call whose arguments are the parsed output.
func (m *Manager) handleSample(w *wrapper, req *SampleRequest) sampleAnswer {
	if w.provider == nil {
		return sampleAnswer{err: domain.ErrProviderNotConfigured}
	}

	genReq := &services.GenerateRequest{
		Messages: []chat.Message{
			{Role: chat.RoleUser, Content: req.Prompt},
		},
		System:       req.System,
		MaxTokens:    req.MaxTokens,
		Tools:        req.Tools,
		OutputSchema: req.OutputSchema,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	resp, err := w.provider.Generate(ctx, genReq)
	if err != nil {
		return sampleAnswer{err: fmt.Errorf("sample request failed: %w", err)}
	}

	m.logger.Debug("sample response queued",
		"call_id", w.session.ID,
		"output_tokens", resp.OutputTokens,
	)

	// Provider answered with an explicit tool call.
	if len(resp.ToolCalls) > 0 {
		call := resp.ToolCalls[0]
		return sampleAnswer{result: &SampleResult{ToolCall: &call}}
	}

	// Schema + tools: parse the text output into structured arguments.
	if req.OutputSchema != nil && len(req.Tools) > 0 {
		var args map[string]interface{}
		text := strings.TrimSpace(resp.Text)
		if err := json.Unmarshal([]byte(text), &args); err != nil {
			return sampleAnswer{err: fmt.Errorf("sample output is not valid JSON for schema: %w", err)}
		}
		return sampleAnswer{result: &SampleResult{
			ToolCall: &chat.ToolCall{
				Name:      req.Tools[0].Name,
				Arguments: args,
			},
		}}
	}

	return sampleAnswer{result: &SampleResult{Text: resp.Text}}
}
