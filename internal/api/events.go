package api

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/events"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

// EventHandler exposes the admin-only durable event log and the event
// type catalogue.
type EventHandler struct {
	events repositories.EventRepository
	logger *zap.Logger
}

func NewEventHandler(evts repositories.EventRepository, logger *zap.Logger) *EventHandler {
	return &EventHandler{events: evts, logger: logger.Named("event_handler")}
}

// List handles GET /api/v1/events with type/source_id/since filters.
func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	var filter repositories.EventFilter

	if name := r.URL.Query().Get("type"); name != "" {
		if !events.KnownType(name) {
			ErrBadRequest(w, "unknown event type")
			return
		}
		filter.EventTypeID = events.TypeID(name)
	}
	if raw := r.URL.Query().Get("source_id"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			ErrBadRequest(w, "invalid source_id")
			return
		}
		filter.SourceID = n
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			ErrBadRequest(w, "since must be RFC 3339")
			return
		}
		filter.Since = t
	}

	list, total, err := h.events.List(r.Context(), filter, pageOpts(r))
	if err != nil {
		h.logger.Error("event list failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	OkList(w, list, total)
}

// Types handles GET /api/v1/events/types: the catalogue with critical
// flags.
func (h *EventHandler) Types(w http.ResponseWriter, r *http.Request) {
	types, err := h.events.ListTypes(r.Context())
	if err != nil {
		h.logger.Error("event type list failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, types)
}
