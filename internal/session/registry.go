package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"relay/internal/domain"
	"relay/internal/stream"
)

// Session is a durable conversation stream. It is retained while refCount > 0
// OR writerDone = false, and released exactly when both conditions go false.
type Session struct {
	ID        string
	Buffer    *stream.Buffer
	CreatedAt time.Time

	// Guarded by the registry mutex.
	refCount   int
	writerDone bool
	released   bool
}

// Registry owns sessions and their buffers. All ref-counting transitions are
// serialized under the registry mutex.
type Registry struct {
	mu     sync.Mutex
	store  Store
	grace  time.Duration
	logger *slog.Logger
}

// NewRegistry creates a session registry. grace is the delay between the
// release condition becoming true and the session actually being deleted; it
// absorbs rapid detach-then-reattach patterns from reconnecting clients.
func NewRegistry(store Store, grace time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		grace:  grace,
		logger: logger,
	}
}

func (r *Registry) lock()   { r.mu.Lock() }
func (r *Registry) unlock() { r.mu.Unlock() }

// Create generates a session id, allocates a buffer, and registers the
// session with refCount = 0 and writerDone = false.
func (r *Registry) Create() *Session {
	id := uuid.NewString()

	r.lock()
	defer r.unlock()

	s := &Session{
		ID:        id,
		Buffer:    r.store.CreateBuffer(id),
		CreatedAt: time.Now(),
	}
	r.store.CreateSession(s)

	r.logger.Debug("session created", "session_id", id)
	return s
}

// Get returns the session with the given id, or nil if it does not exist or
// has been released.
func (r *Registry) Get(id string) *Session {
	r.lock()
	defer r.unlock()

	s, ok := r.store.GetSession(id)
	if !ok || s.released {
		return nil
	}
	return s
}

// AttachReader increments the session's refCount and returns a replay channel
// positioned after lastLSN. The caller must pair every successful attach with
// a DetachReader.
func (r *Registry) AttachReader(ctx context.Context, id string, lastLSN uint64) (<-chan stream.Event, error) {
	r.lock()
	s, ok := r.store.GetSession(id)
	if !ok || s.released {
		r.unlock()
		return nil, fmt.Errorf("attach reader %s: %w", id, domain.ErrNotFound)
	}
	s.refCount++
	r.unlock()

	events, err := s.Buffer.Replay(ctx, lastLSN)
	if err != nil {
		r.DetachReader(id)
		return nil, err
	}
	return events, nil
}

// DetachReader decrements the session's refCount. When the count reaches zero
// and the writer is done, the session is scheduled for release.
func (r *Registry) DetachReader(id string) {
	r.lock()
	defer r.unlock()

	s, ok := r.store.GetSession(id)
	if !ok || s.released {
		return
	}
	if s.refCount > 0 {
		s.refCount--
	}
	r.maybeScheduleRelease(s)
}

// MarkWriterDone records that the session's writer has finished and closes the
// buffer so attached readers drain deterministically. If no readers remain,
// the session is scheduled for release.
func (r *Registry) MarkWriterDone(id string) {
	r.lock()
	defer r.unlock()

	s, ok := r.store.GetSession(id)
	if !ok || s.released {
		return
	}
	s.writerDone = true
	s.Buffer.Close()
	r.maybeScheduleRelease(s)
}

// RestartWriter clears writerDone and reopens the buffer so a new writer can
// continue appending to the same log. Used when a follow-up request carries
// fresh inputs for a suspended or finished session.
func (r *Registry) RestartWriter(id string) error {
	r.lock()
	defer r.unlock()

	s, ok := r.store.GetSession(id)
	if !ok || s.released {
		return fmt.Errorf("restart writer %s: %w", id, domain.ErrNotFound)
	}
	if !s.writerDone {
		// At most one writer per session: a concurrent resume already took it.
		return fmt.Errorf("restart writer %s: writer still active", id)
	}
	s.writerDone = false
	s.Buffer.Reopen()

	r.logger.Debug("session writer restarted", "session_id", id, "tail", s.Buffer.Tail())
	return nil
}

// WriterDone reports whether the session's writer has finished. Returns false
// for unknown sessions.
func (r *Registry) WriterDone(id string) bool {
	r.lock()
	defer r.unlock()

	s, ok := r.store.GetSession(id)
	if !ok {
		return false
	}
	return s.writerDone
}

// Counts returns the number of live sessions and buffers.
func (r *Registry) Counts() (sessions, buffers int) {
	return r.store.Counts()
}

// maybeScheduleRelease arms the grace timer when the release condition holds.
// The condition is re-checked when the timer fires so a reattach or writer
// restart during the grace window keeps the session alive. Called with the
// registry mutex held.
func (r *Registry) maybeScheduleRelease(s *Session) {
	if s.refCount != 0 || !s.writerDone || s.released {
		return
	}

	id := s.ID
	if r.grace <= 0 {
		r.release(s)
		return
	}

	time.AfterFunc(r.grace, func() {
		r.lock()
		defer r.unlock()

		s, ok := r.store.GetSession(id)
		if !ok || s.released {
			return
		}
		if s.refCount == 0 && s.writerDone {
			r.release(s)
		}
	})
}

// release deletes the session and its buffer. Called with the registry mutex
// held; a session is released at most once.
func (r *Registry) release(s *Session) {
	s.released = true
	s.Buffer.Close()
	r.store.DeleteBuffer(s.ID)
	r.store.DeleteSession(s.ID)

	r.logger.Debug("session released",
		"session_id", s.ID,
		"events", s.Buffer.Len(),
		"age", time.Since(s.CreatedAt),
	)
}
