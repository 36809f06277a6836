package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"vpdcalc/internal/calculator"
	"vpdcalc/internal/flow"
)

// writeJSON writes JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes {"error": msg}
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps sentinel errors to a status code
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, calculator.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "Entry not found")
	case errors.Is(err, flow.ErrFlowNotFound):
		writeError(w, http.StatusNotFound, "Flow not found")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// queryInt reads a positive integer query parameter, capped at limit
func queryInt(r *http.Request, name string, def, limit int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	if v > limit {
		return limit
	}
	return v
}

// getClientIP extracts client IP from request, considering reverse proxy headers
func getClientIP(r *http.Request) string {
	// Set by nginx
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}

	// X-Forwarded-For may hold a chain; the first is the client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
