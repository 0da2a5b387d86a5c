package matl

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/suever/MATL-Online/internal/domain"
	"github.com/suever/MATL-Online/internal/octave"
)

// Handler buffers interpreter output lines for one task and flushes parsed
// fragments to the task's subscriber room as "status" events.
type Handler struct {
	emitter domain.Emitter
	log     *slog.Logger

	mu       sync.Mutex
	session  string
	contents []string
}

// NewHandler creates a Handler publishing through emitter. emitter may be nil
// when nothing listens.
func NewHandler(emitter domain.Emitter, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{emitter: emitter, log: log}
}

// Bind routes subsequent sends to the given subscriber id.
func (h *Handler) Bind(session string) {
	h.mu.Lock()
	h.session = session
	h.mu.Unlock()
}

// Session returns the bound subscriber id.
func (h *Handler) Session() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// Sink adapts ProcessMessage to the session's line callback.
func (h *Handler) Sink(ctx context.Context) octave.LineHandler {
	return func(line string) { h.ProcessMessage(ctx, line) }
}

// ProcessMessage interprets one output line.
func (h *Handler) ProcessMessage(ctx context.Context, message string) {
	switch {
	case message == TagPause:
		// Resend everything so far; more output may follow.
		h.Send(ctx)
		return
	case message == TagClear:
		h.Send(ctx)
		h.Clear()
		return
	case strings.HasPrefix(message, warningPrefix):
		return
	case strings.HasPrefix(message, runtimeError):
		h.mu.Lock()
		for _, line := range strings.Split(message, "\n") {
			h.contents = append(h.contents, TagStderr+line)
		}
		h.mu.Unlock()
		return
	}

	h.mu.Lock()
	h.contents = append(h.contents, message)
	h.mu.Unlock()
}

// Messages joins the buffered lines.
func (h *Handler) Messages() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return strings.Join(h.contents, "\n")
}

// Clear drops the buffer without sending it.
func (h *Handler) Clear() {
	h.mu.Lock()
	h.contents = nil
	h.mu.Unlock()
}

// Send parses the buffer and publishes it as a "status" event. The payload is
// returned either way so callers without a live subscriber can use it directly.
func (h *Handler) Send(ctx context.Context) domain.StatusPayload {
	payload := domain.StatusPayload{
		Data:    Parse(h.Messages()),
		Session: h.Session(),
	}
	if h.emitter == nil || payload.Session == "" {
		return payload
	}
	if err := h.emitter.Emit(ctx, payload.Session, domain.EventStatus, payload); err != nil {
		h.log.Error("Failed to emit status", "session", payload.Session, "error", err)
	}
	return payload
}
