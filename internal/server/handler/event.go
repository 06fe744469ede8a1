package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

// EventSource exposes recently emitted events.
type EventSource interface {
	Events() []domain.Event
}

// StreamReader reads the durable copy of the event log.
type StreamReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// EventHandler serves the recent event log, its Redis stream copy and the
// audit log. The last two are optional.
type EventHandler struct {
	source EventSource
	stream StreamReader
	name   string
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(source EventSource, logger *slog.Logger) *EventHandler {
	return &EventHandler{source: source, logger: logger}
}

// WithStream enables GET /api/events/stream backed by the named stream.
func (h *EventHandler) WithStream(r StreamReader, name string) *EventHandler {
	h.stream, h.name = r, name
	return h
}

// WithAudit enables GET /api/audit.
func (h *EventHandler) WithAudit(store domain.AuditStore) *EventHandler {
	h.audit = store
	return h
}

// ListEvents returns the most recent events, newest first.
// GET /api/events?kind=&trader=&limit=
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := domain.EventKind(q.Get("kind"))
	trader := domain.TraderID(q.Get("trader"))
	limit := parseListOpts(r).Limit

	all := h.source.Events()
	out := make([]domain.Event, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		ev := all[i]
		if kind != "" && ev.Kind != kind {
			continue
		}
		if trader != "" && ev.Trader != trader {
			continue
		}
		out = append(out, ev)
	}
	writeJSON(w, http.StatusOK, out)
}

type streamEntry struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// ReadStream pages through the persisted event stream in insertion order.
// Pass the last id seen as after to continue.
// GET /api/events/stream?after=&limit=
func (h *EventHandler) ReadStream(w http.ResponseWriter, r *http.Request) {
	if h.stream == nil {
		writeError(w, http.StatusNotImplemented, "event stream requires redis")
		return
	}
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	msgs, err := h.stream.StreamRead(r.Context(), h.name, after, parseListOpts(r).Limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "read event stream failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]streamEntry, 0, len(msgs))
	for _, m := range msgs {
		if !json.Valid(m.Payload) {
			continue
		}
		out = append(out, streamEntry{ID: m.ID, Event: m.Payload})
	}
	writeJSON(w, http.StatusOK, out)
}

// ListAudit returns audit entries, newest first.
// GET /api/audit?since=&limit=&offset=
func (h *EventHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotImplemented, "audit log requires postgres")
		return
	}
	opts := parseListOpts(r)
	if s := r.URL.Query().Get("since"); s != "" {
		since, err := parseSince(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339 or unix seconds")
			return
		}
		opts.Since = &since
	}
	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func parseSince(s string) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}
