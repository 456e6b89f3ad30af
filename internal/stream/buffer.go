package stream

import (
	"context"
	"sync"
	"time"

	"relay/internal/domain"
	"relay/internal/domain/models/chat"
)

// Event is one durable record in a session's log. LSNs are dense and strictly
// increasing within a buffer; LSN 0 is a sentinel and never assigned.
type Event struct {
	LSN       uint64
	Timestamp time.Time
	Payload   chat.Payload
}

// Buffer is a per-session append-only event log. A single writer appends at
// the tail; any number of readers replay from an arbitrary position and then
// follow the live tail until the buffer closes.
//
// The lock covers both LSN allocation and storage so the log is gapless.
// Waiters are woken through a broadcast channel that is replaced on every
// append: readers grab the current channel under the lock and block on it
// outside the lock.
type Buffer struct {
	mu     sync.Mutex
	events []Event
	wake   chan struct{}
	closed bool
}

// NewBuffer creates an empty open buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		wake: make(chan struct{}),
	}
}

// Append atomically allocates the next LSN, timestamps the event, stores it,
// and wakes all waiting readers. Fails with ErrBufferClosed once Close has
// been called.
func (b *Buffer) Append(p chat.Payload) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, domain.ErrBufferClosed
	}

	lsn := uint64(len(b.events)) + 1
	b.events = append(b.events, Event{
		LSN:       lsn,
		Timestamp: time.Now(),
		Payload:   p,
	})

	close(b.wake)
	b.wake = make(chan struct{})

	return lsn, nil
}

// Close marks the buffer closed and wakes all waiters so they can drain and
// terminate. Closing twice is a no-op.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.wake)
	b.wake = make(chan struct{})
}

// Reopen clears the closed flag so a new writer can append after a suspension
// point. Stored events and the LSN clock are untouched: the next append
// continues the dense sequence. Reopening an open buffer is a no-op.
func (b *Buffer) Reopen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = false
}

// Closed reports whether the writer has finished.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Tail returns the highest assigned LSN (0 for an empty buffer).
func (b *Buffer) Tail() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.events))
}

// Len returns the number of stored events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Replay yields all events with lsn > fromLSN in ascending order, then blocks
// for new events until the buffer is closed and drained, or ctx is cancelled.
// Each reader owns its own cursor; concurrent readers never observe LSN
// inversions.
//
// A fromLSN beyond the current tail blocks until the tail catches up. The
// core keeps the full log for the session's lifetime, so ErrStaleReader is
// never returned here; it exists for bounded-retention stores substituted
// behind the Store interface.
func (b *Buffer) Replay(ctx context.Context, fromLSN uint64) (<-chan Event, error) {
	out := make(chan Event)

	go func() {
		defer close(out)

		pos := fromLSN
		for {
			b.mu.Lock()
			var batch []Event
			if pos < uint64(len(b.events)) {
				batch = b.events[pos:len(b.events):len(b.events)]
			}
			closed := b.closed
			wake := b.wake
			b.mu.Unlock()

			for _, ev := range batch {
				select {
				case out <- ev:
					pos = ev.LSN
				case <-ctx.Done():
					return
				}
			}
			if len(batch) > 0 {
				continue
			}

			if closed {
				return
			}

			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
