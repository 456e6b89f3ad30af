package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"relay/internal/domain/models/chat"
	"relay/internal/engine"
	"relay/internal/httputil"
	"relay/internal/session"
)

// Header names of the durable stream protocol.
const (
	HeaderSessionID = "X-Session-Id"
	HeaderLastLSN   = "X-Last-LSN"
)

// Initializer builds the DI contexts a writer needs: provider, tool registry,
// plugin registry, plugin session manager, and resolved generation settings.
// Returning an error surfaces as a single unrecoverable error event in the
// stream (the session is still created so the client gets a well-formed
// response).
type Initializer func(ctx context.Context, req *chat.Request) (engine.Deps, error)

// ChatHandler parses chat requests, creates or resumes durable sessions, and
// wires the engine to a buffer.
type ChatHandler struct {
	registry    *session.Registry
	initializer Initializer
	engineCfg   engine.Config
	logger      *slog.Logger
}

// NewChatHandler creates the durable chat handler.
func NewChatHandler(registry *session.Registry, initializer Initializer, engineCfg engine.Config, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{
		registry:    registry,
		initializer: initializer,
		engineCfg:   engineCfg,
		logger:      logger,
	}
}

// line is the NDJSON envelope: one per event, `{"lsn": ..., "event": {...}}`.
type line struct {
	LSN   uint64          `json:"lsn"`
	Event json.RawMessage `json:"event"`
}

// Chat handles POST /api/chat.
//
// Dispatch: an X-Session-Id naming a live session attaches a reader at
// X-Last-LSN; a new writer starts only when the previous writer is done and
// the body carries fresh inputs. Any other request creates a fresh session
// with a new writer, including reconnects naming an unknown session, which
// clients treat as a recovered session.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	lastLSN, err := httputil.ParseUint64Header(r, HeaderLastLSN, 0)
	if err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, startWriter, created := h.resolveSession(r.Header.Get(HeaderSessionID), &req)
	if created {
		// A stale X-Last-LSN refers to whatever session the client lost; a
		// fresh session streams from the start.
		lastLSN = 0
	}

	events, err := h.registry.AttachReader(r.Context(), sess.ID, lastLSN)
	if err != nil {
		// The session vanished between resolution and attach (released under
		// a rapid disconnect); treat as recovered with a fresh session.
		sess = h.registry.Create()
		startWriter = true
		events, err = h.registry.AttachReader(r.Context(), sess.ID, 0)
		if err != nil {
			httputil.RespondError(w, http.StatusInternalServerError, "failed to attach stream reader")
			return
		}
	}
	defer h.registry.DetachReader(sess.ID)

	if startWriter {
		go h.runWriter(sess, &req)
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(HeaderSessionID, sess.ID)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for ev := range events {
		payload, err := chat.MarshalPayload(ev.Payload)
		if err != nil {
			h.logger.Error("failed to marshal event payload",
				"session_id", sess.ID,
				"lsn", ev.LSN,
				"error", err,
			)
			continue
		}

		encoded, err := json.Marshal(line{LSN: ev.LSN, Event: payload})
		if err != nil {
			continue
		}

		if _, err := fmt.Fprintf(w, "%s\n", encoded); err != nil {
			// Client disconnected. The reader detaches; the writer continues
			// until its own terminal phase.
			h.logger.Debug("client disconnected during event write",
				"session_id", sess.ID,
				"lsn", ev.LSN,
			)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// resolveSession locates or creates the session for a request and decides
// whether a writer should start. created reports that the session is fresh
// rather than resumed.
func (h *ChatHandler) resolveSession(sessionID string, req *chat.Request) (sess *session.Session, startWriter, created bool) {
	if sessionID != "" {
		if sess := h.registry.Get(sessionID); sess != nil {
			if h.registry.WriterDone(sessionID) && req.HasFreshInputs() {
				if err := h.registry.RestartWriter(sessionID); err == nil {
					return sess, true, false
				}
			}
			// Live writer, or no fresh inputs: serve the cached stream.
			return sess, false, false
		}
		h.logger.Info("unknown session on reconnect, creating fresh session",
			"requested_session_id", sessionID,
		)
	}

	return h.registry.Create(), true, true
}

// runWriter initializes DI contexts and drives the engine for one writer run.
// Detached from the request context: a disconnected reader never halts the
// writer.
func (h *ChatHandler) runWriter(sess *session.Session, req *chat.Request) {
	ctx := context.Background()

	deps, err := h.initializer(ctx, req)
	if err != nil {
		h.logger.Error("writer initialization failed",
			"session_id", sess.ID,
			"error", err,
		)
		h.failWriter(sess, err)
		return
	}
	if deps.Logger == nil {
		deps.Logger = h.logger
	}

	eng := engine.New(deps, h.engineCfg)
	eng.Run(ctx, sess.ID, sess.Buffer, req)
	h.registry.MarkWriterDone(sess.ID)
}

// failWriter publishes an initialization failure as a configuration error
// (single unrecoverable error, then complete) and closes out the session.
func (h *ChatHandler) failWriter(sess *session.Session, err error) {
	appendOrLog := func(p chat.Payload) {
		if _, appendErr := sess.Buffer.Append(p); appendErr != nil {
			h.logger.Warn("failed to append writer failure event", "error", appendErr)
		}
	}
	appendOrLog(chat.ErrorPayload{Message: err.Error(), Recoverable: false})
	appendOrLog(chat.CompletePayload{})
	h.registry.MarkWriterDone(sess.ID)
}
