package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"vpdcalc/internal/calculator"
	"vpdcalc/internal/entry"
	"vpdcalc/internal/history"
)

// EntryHandler exposes the configured calculators
type EntryHandler struct {
	manager *calculator.Manager
}

// NewEntryHandler creates new entry handler
func NewEntryHandler(manager *calculator.Manager) *EntryHandler {
	return &EntryHandler{manager: manager}
}

// EntryResponse is an entry together with its runtime state
type EntryResponse struct {
	*entry.Entry
	Running bool             `json:"running"`
	Reading *history.Reading `json:"reading,omitempty"`
}

func (h *EntryHandler) describe(e *entry.Entry) EntryResponse {
	resp := EntryResponse{Entry: e, Running: h.manager.Running(e.ID)}
	if reading, err := h.manager.Reading(e.ID); err == nil {
		resp.Reading = &reading
	}
	return resp
}

// List handles GET /api/entries
func (h *EntryHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.manager.List()
	if err != nil {
		writeErr(w, err)
		return
	}

	out := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, h.describe(e))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": out})
}

// Get handles GET /api/entries/{id}
func (h *EntryHandler) Get(w http.ResponseWriter, r *http.Request) {
	e, err := h.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.describe(e))
}

// Delete handles DELETE /api/entries/{id}
func (h *EntryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.RemoveEntry(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Reading handles GET /api/entries/{id}/reading
func (h *EntryHandler) Reading(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.manager.Get(id); err != nil {
		writeErr(w, err)
		return
	}

	reading, err := h.manager.Reading(id)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Entry is not running")
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

// History handles GET /api/entries/{id}/history?limit=100
func (h *EntryHandler) History(w http.ResponseWriter, r *http.Request) {
	readings, err := h.manager.History(chi.URLParam(r, "id"), queryInt(r, "limit", 100, 10000))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"readings": readings})
}

// Dashboard handles GET /api/entries/{id}/dashboard.
// Entries without threshold entities have no suggested card.
func (h *EntryHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.manager.SuggestedDashboard(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if d == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
