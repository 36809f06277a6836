package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"vpdcalc/internal/flow"
)

// FlowHandler drives the setup and options wizards
type FlowHandler struct {
	flows *flow.Manager
}

// NewFlowHandler creates new flow handler
func NewFlowHandler(flows *flow.Manager) *FlowHandler {
	return &FlowHandler{flows: flows}
}

// Start handles POST /api/flows
func (h *FlowHandler) Start(w http.ResponseWriter, r *http.Request) {
	res, err := h.flows.Start(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// StartOptions handles POST /api/entries/{id}/options
func (h *FlowHandler) StartOptions(w http.ResponseWriter, r *http.Request) {
	res, err := h.flows.StartOptions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Get handles GET /api/flows/{flowID}
func (h *FlowHandler) Get(w http.ResponseWriter, r *http.Request) {
	res, err := h.flows.Get(chi.URLParam(r, "flowID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Configure handles POST /api/flows/{flowID} with the step input as a JSON object
func (h *FlowHandler) Configure(w http.ResponseWriter, r *http.Request) {
	input := map[string]interface{}{}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.flows.Configure(r.Context(), chi.URLParam(r, "flowID"), input)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Abort handles DELETE /api/flows/{flowID}
func (h *FlowHandler) Abort(w http.ResponseWriter, r *http.Request) {
	if err := h.flows.Abort(chi.URLParam(r, "flowID")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
