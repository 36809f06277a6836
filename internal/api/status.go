package api

import (
	"net/http"
	"time"

	"vpdcalc/internal/calculator"
)

// Connectivity reports whether a connection is up.
// hass.WSClient and hass.Statestream implement it.
type Connectivity interface {
	Connected() bool
}

// BrokerStatus is implemented by mqtt.Client
type BrokerStatus interface {
	IsConnected() bool
}

type versioner interface {
	Version() string
}

// StatusHandler reports the health of the service
type StatusHandler struct {
	manager    *calculator.Manager
	broker     BrokerStatus
	source     Connectivity
	sourceName string
	version    string
	startedAt  time.Time
}

// NewStatusHandler creates new status handler. broker and source may be nil.
func NewStatusHandler(manager *calculator.Manager, broker BrokerStatus, source Connectivity, sourceName, version string) *StatusHandler {
	return &StatusHandler{
		manager:    manager,
		broker:     broker,
		source:     source,
		sourceName: sourceName,
		version:    version,
		startedAt:  time.Now(),
	}
}

// StatusResponse is returned by GET /api/status
type StatusResponse struct {
	Version         string `json:"version"`
	Uptime          string `json:"uptime"`
	MQTTConnected   bool   `json:"mqtt_connected"`
	Source          string `json:"source"`
	SourceConnected bool   `json:"source_connected"`
	HAVersion       string `json:"ha_version,omitempty"`
	Entries         int    `json:"entries"`
	Running         int    `json:"running"`
}

// Status handles GET /api/status
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	entries, err := h.manager.List()
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := StatusResponse{
		Version: h.version,
		Uptime:  time.Since(h.startedAt).Round(time.Second).String(),
		Source:  h.sourceName,
		Entries: len(entries),
	}
	for _, e := range entries {
		if h.manager.Running(e.ID) {
			resp.Running++
		}
	}
	if h.broker != nil {
		resp.MQTTConnected = h.broker.IsConnected()
	}
	if h.source != nil {
		resp.SourceConnected = h.source.Connected()
		if v, ok := h.source.(versioner); ok {
			resp.HAVersion = v.Version()
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
