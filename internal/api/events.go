package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"vpdcalc/internal/events"
)

// EventsHandler handles event log endpoints
type EventsHandler struct {
	store *events.Store
}

// NewEventsHandler creates new events handler
func NewEventsHandler(store *events.Store) *EventsHandler {
	return &EventsHandler{store: store}
}

// List returns events from the store
// GET /api/events?limit=50&since=123
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		if sinceID, err := strconv.ParseInt(sinceStr, 10, 64); err == nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"events": nonNil(h.store.GetSince(sinceID)),
				"lastId": h.store.LastID(),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": h.store.GetLast(queryInt(r, "limit", 50, 100)),
		"lastId": h.store.LastID(),
	})
}

// ForEntry returns the events of one entry
// GET /api/entries/{id}/events?limit=50
func (h *EventsHandler) ForEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": nonNil(h.store.ForEntry(id, queryInt(r, "limit", 50, 100))),
	})
}

func nonNil(list []events.Event) []events.Event {
	if list == nil {
		return []events.Event{}
	}
	return list
}
