package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"relay/internal/domain"
	"relay/internal/domain/models/chat"
)

// Status of a tool session.
type Status string

const (
	StatusInitializing   Status = "initializing"
	StatusRunning        Status = "running"
	StatusAwaitingElicit Status = "awaiting_elicit"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
	StatusAborted        Status = "aborted"
)

// Terminal reports whether the status ends the session.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusAborted:
		return true
	}
	return false
}

// EventKind discriminates tool session stream events.
type EventKind string

const (
	KindElicitRequest EventKind = "elicit_request"
	KindSampleRequest EventKind = "sample_request"
	KindProgress      EventKind = "progress"
	KindLog           EventKind = "log"
	KindResult        EventKind = "result"
	KindError         EventKind = "error"
	KindCancelled     EventKind = "cancelled"
)

// ElicitRequest describes one pending elicitation. ElicitID is unique within
// the tool session.
type ElicitRequest struct {
	ElicitID string
	Key      string
	Message  string
	Schema   map[string]interface{}
}

// Event is one entry in a tool session's event stream. Tool session events
// have their own ordering within the computation and are independent of any
// chat session LSN.
type Event struct {
	Kind    EventKind
	Elicit  *ElicitRequest
	Sample  *SampleRequest
	Message string
	Result  interface{}
	Err     error
	Reason  string

	// sampleReply carries the manager's answer back into the waiting tool
	// body for sample_request events.
	sampleReply chan sampleAnswer
}

type sampleAnswer struct {
	result *SampleResult
	err    error
}

// errElicitTimeout marks an elicitation that expired before the user answered.
var errElicitTimeout = errors.New("elicit timed out")

// ToolSession owns one suspendable tool computation. It is keyed by the
// provider-assigned callId so a later HTTP request can locate it, and it runs
// on its own goroutine detached from any request context.
type ToolSession struct {
	ID       string // callId
	ToolName string

	tool          *Tool
	input         map[string]interface{}
	elicitTimeout time.Duration

	out    chan Event
	cancel context.CancelFunc

	mu            sync.Mutex
	status        Status
	pendingElicit *ElicitRequest
	elicitCh      chan chat.ElicitResult // fresh channel per elicitation
	abortReason   string
	startedAt     time.Time
}

func newToolSession(tool *Tool, input map[string]interface{}, callID string, elicitTimeout time.Duration) *ToolSession {
	return &ToolSession{
		ID:            callID,
		ToolName:      tool.Name,
		tool:          tool,
		input:         input,
		elicitTimeout: elicitTimeout,
		out:           make(chan Event, 16),
		status:        StatusInitializing,
		startedAt:     time.Now(),
	}
}

// start launches the tool body on its own goroutine. The session context is
// detached from the creating request so the computation survives across HTTP
// request boundaries.
func (s *ToolSession) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go func() {
		defer close(s.out)
		defer cancel()

		s.setStatus(StatusRunning)
		result, err := s.tool.Run(ctx, &host{session: s}, s.input)

		switch {
		case err == nil:
			s.setStatus(StatusCompleted)
			s.out <- Event{Kind: KindResult, Result: result}
		case errors.Is(err, errElicitTimeout):
			s.setStatus(StatusCancelled)
			s.out <- Event{Kind: KindCancelled, Reason: "timeout"}
		case errors.Is(err, context.Canceled):
			s.mu.Lock()
			reason := s.abortReason
			s.mu.Unlock()
			if reason == "" {
				reason = "cancelled"
			}
			s.setStatus(StatusAborted)
			s.out <- Event{Kind: KindCancelled, Reason: reason}
		default:
			s.setStatus(StatusFailed)
			s.out <- Event{Kind: KindError, Err: err}
		}
	}()
}

// Status returns the session's current status.
func (s *ToolSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *ToolSession) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.status = status
}

// RespondToElicit delivers the user's answer into the suspended tool body.
// The tool must be awaiting the given elicitId; otherwise ErrElicitNotPending
// is returned, including for duplicate responses to an already-answered
// elicitation. Accept payloads are validated against the declared schema
// before delivery.
func (s *ToolSession) RespondToElicit(elicitID string, result chat.ElicitResult) error {
	s.mu.Lock()
	if s.status != StatusAwaitingElicit || s.pendingElicit == nil || s.pendingElicit.ElicitID != elicitID {
		s.mu.Unlock()
		return fmt.Errorf("tool session %s elicit %s: %w", s.ID, elicitID, domain.ErrElicitNotPending)
	}
	key := s.pendingElicit.Key
	s.mu.Unlock()

	if result.Action == chat.ElicitAccept {
		if decl, ok := s.tool.Elicitations[key]; ok {
			if err := decl.ValidateContent(result.Content); err != nil {
				return fmt.Errorf("%w: %v", domain.ErrValidation, err)
			}
		}
	}

	s.mu.Lock()
	// Re-check under the lock: the pending guard flips exactly once.
	if s.status != StatusAwaitingElicit || s.pendingElicit == nil || s.pendingElicit.ElicitID != elicitID {
		s.mu.Unlock()
		return fmt.Errorf("tool session %s elicit %s: %w", s.ID, elicitID, domain.ErrElicitNotPending)
	}
	ch := s.elicitCh
	s.pendingElicit = nil
	s.status = StatusRunning
	s.mu.Unlock()

	ch <- result
	return nil
}

// PendingElicit returns the current pending elicitation, if any.
func (s *ToolSession) PendingElicit() *ElicitRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingElicit
}

// Abort cancels the computation. The tool body observes context cancellation
// at its next suspension point.
func (s *ToolSession) Abort(reason string) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	if reason == "" {
		reason = "aborted"
	}
	s.abortReason = reason
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
}

// Age returns how long the session has been running.
func (s *ToolSession) Age() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.startedAt)
}

// host implements Host backed by a ToolSession.
type host struct {
	session *ToolSession
}

func (h *host) Elicit(ctx context.Context, key, message string) (chat.ElicitResult, error) {
	s := h.session

	decl, ok := s.tool.Elicitations[key]
	if !ok {
		return chat.ElicitResult{}, fmt.Errorf("tool %s has no declared elicitation key %q", s.ToolName, key)
	}
	if message == "" {
		message = decl.Message
	}

	req := &ElicitRequest{
		ElicitID: uuid.NewString(),
		Key:      key,
		Message:  message,
		Schema:   decl.Schema,
	}

	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return chat.ElicitResult{}, context.Canceled
	}
	s.status = StatusAwaitingElicit
	s.pendingElicit = req
	// A fresh buffered channel per elicitation so a response that loses a race
	// against the timeout can never be observed by a later elicitation.
	s.elicitCh = make(chan chat.ElicitResult, 1)
	resultCh := s.elicitCh
	s.mu.Unlock()

	s.out <- Event{Kind: KindElicitRequest, Elicit: req}

	timeout := s.elicitTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-resultCh:
		return result, nil
	case <-timer.C:
		// A response delivered at the timeout tick wins over cancellation.
		select {
		case result := <-resultCh:
			return result, nil
		default:
		}
		s.mu.Lock()
		s.pendingElicit = nil
		s.mu.Unlock()
		return chat.ElicitResult{}, errElicitTimeout
	case <-ctx.Done():
		s.mu.Lock()
		s.pendingElicit = nil
		s.mu.Unlock()
		return chat.ElicitResult{}, ctx.Err()
	}
}

func (h *host) Sample(ctx context.Context, req SampleRequest) (*SampleResult, error) {
	s := h.session

	reply := make(chan sampleAnswer, 1)
	s.out <- Event{Kind: KindSampleRequest, Sample: &req, sampleReply: reply}

	select {
	case answer := <-reply:
		return answer.result, answer.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *host) Progress(message string) {
	select {
	case h.session.out <- Event{Kind: KindProgress, Message: message}:
	default:
		// Progress is informational; drop rather than block the tool body.
	}
}

func (h *host) Log(message string) {
	select {
	case h.session.out <- Event{Kind: KindLog, Message: message}:
	default:
	}
}
