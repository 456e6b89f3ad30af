package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"relay/internal/domain"
	"relay/internal/domain/models/chat"
)

func newTestRegistry(grace time.Duration) *Registry {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(NewMemoryStore(), grace, logger)
}

func TestCreateAssignsDistinctIDs(t *testing.T) {
	r := newTestRegistry(0)

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		s := r.Create()
		if s.ID == "" {
			t.Fatal("empty session id")
		}
		if seen[s.ID] {
			t.Fatalf("duplicate session id %s", s.ID)
		}
		seen[s.ID] = true
	}

	sessions, buffers := r.Counts()
	if sessions != 10 || buffers != 10 {
		t.Errorf("counts = (%d, %d), want (10, 10)", sessions, buffers)
	}
}

func TestGetUnknownReturnsNil(t *testing.T) {
	r := newTestRegistry(0)
	if s := r.Get("nope"); s != nil {
		t.Errorf("got %v, want nil", s)
	}
}

func TestReleaseRequiresWriterDoneAndZeroReaders(t *testing.T) {
	r := newTestRegistry(0)
	s := r.Create()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := r.AttachReader(ctx, s.ID, 0); err != nil {
		t.Fatal(err)
	}

	// Writer done but a reader is attached: session survives.
	r.MarkWriterDone(s.ID)
	if got := r.Get(s.ID); got == nil {
		t.Fatal("session released while a reader was attached")
	}

	// Last reader detaches: session releases.
	r.DetachReader(s.ID)
	if got := r.Get(s.ID); got != nil {
		t.Fatal("session retained after writerDone and refCount = 0")
	}

	sessions, buffers := r.Counts()
	if sessions != 0 || buffers != 0 {
		t.Errorf("counts = (%d, %d), want (0, 0)", sessions, buffers)
	}
}

func TestReaderDetachAloneDoesNotRelease(t *testing.T) {
	r := newTestRegistry(0)
	s := r.Create()

	ctx := context.Background()
	if _, err := r.AttachReader(ctx, s.ID, 0); err != nil {
		t.Fatal(err)
	}
	r.DetachReader(s.ID)

	// Writer still running: session survives.
	if got := r.Get(s.ID); got == nil {
		t.Fatal("session released while writer was running")
	}
}

func TestGraceWindowAbsorbsReattach(t *testing.T) {
	r := newTestRegistry(50 * time.Millisecond)
	s := r.Create()

	ctx := context.Background()
	if _, err := r.AttachReader(ctx, s.ID, 0); err != nil {
		t.Fatal(err)
	}
	r.MarkWriterDone(s.ID)
	r.DetachReader(s.ID)

	// Reattach inside the grace window keeps the session alive.
	if _, err := r.AttachReader(ctx, s.ID, 0); err != nil {
		t.Fatalf("reattach inside grace window: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := r.Get(s.ID); got == nil {
		t.Fatal("session released despite attached reader")
	}

	// Final detach: release after the grace window.
	r.DetachReader(s.ID)
	time.Sleep(100 * time.Millisecond)
	if got := r.Get(s.ID); got != nil {
		t.Fatal("session retained after final detach")
	}
}

func TestAttachReaderUnknownSession(t *testing.T) {
	r := newTestRegistry(0)
	_, err := r.AttachReader(context.Background(), "missing", 0)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestRestartWriterReopensBuffer(t *testing.T) {
	r := newTestRegistry(time.Hour) // long grace so the session survives the restart window
	s := r.Create()

	if _, err := s.Buffer.Append(chat.TextPayload{Text: "before suspend"}); err != nil {
		t.Fatal(err)
	}
	r.MarkWriterDone(s.ID)

	if _, err := s.Buffer.Append(chat.TextPayload{Text: "rejected"}); !errors.Is(err, domain.ErrBufferClosed) {
		t.Fatalf("append to closed buffer: got %v, want ErrBufferClosed", err)
	}

	if err := r.RestartWriter(s.ID); err != nil {
		t.Fatal(err)
	}

	lsn, err := s.Buffer.Append(chat.TextPayload{Text: "after resume"})
	if err != nil {
		t.Fatal(err)
	}
	if lsn != 2 {
		t.Errorf("resumed append lsn = %d, want 2 (dense continuation)", lsn)
	}
}

func TestMarkWriterDoneDrainsReaders(t *testing.T) {
	r := newTestRegistry(0)
	s := r.Create()

	events, err := r.AttachReader(context.Background(), s.ID, 0)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Buffer.Append(chat.TextPayload{Text: "only"}); err != nil {
		t.Fatal(err)
	}
	r.MarkWriterDone(s.ID)

	var count int
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				if count != 1 {
					t.Errorf("drained %d events, want 1", count)
				}
				r.DetachReader(s.ID)
				return
			}
			count++
		case <-timeout:
			t.Fatal("reader did not drain after MarkWriterDone")
		}
	}
}
