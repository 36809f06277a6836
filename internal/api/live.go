package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"vpdcalc/internal/auth"
	"vpdcalc/internal/calculator"
)

const (
	liveWriteWait  = 10 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = 50 * time.Second
	liveBuffer     = 16
)

// LiveHandler streams readings over a websocket
type LiveHandler struct {
	manager      *calculator.Manager
	wsTokenStore *auth.WSTokenStore
	noAuth       bool
	logger       *log.Logger
	upgrader     websocket.Upgrader
}

// NewLiveHandler creates new live stream handler
func NewLiveHandler(manager *calculator.Manager, wsTokenStore *auth.WSTokenStore, noAuth bool, logger *log.Logger) *LiveHandler {
	h := &LiveHandler{
		manager:      manager,
		wsTokenStore: wsTokenStore,
		noAuth:       noAuth,
		logger:       logger,
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	return h
}

// checkOrigin requires the one-time token from /api/auth/ws-token.
// It stops cross-site websocket hijacking with the session cookie.
func (h *LiveHandler) checkOrigin(r *http.Request) bool {
	if h.noAuth {
		return true
	}

	token := r.URL.Query().Get("ws_token")
	if token == "" {
		h.logf("WebSocket rejected: missing ws_token")
		return false
	}

	if _, valid := h.wsTokenStore.Validate(token); !valid {
		h.logf("WebSocket rejected: invalid or expired ws_token")
		return false
	}
	return true
}

func (h *LiveHandler) logf(format string, args ...interface{}) {
	if h.logger != nil {
		h.logger.Printf("[API] "+format, args...)
	}
}

// Entry handles GET /api/entries/{id}/live
func (h *LiveHandler) Entry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.manager.Get(id); err != nil {
		writeErr(w, err)
		return
	}
	h.stream(w, r, id)
}

// All handles GET /api/live with readings of every entry
func (h *LiveHandler) All(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, "")
}

func (h *LiveHandler) stream(w http.ResponseWriter, r *http.Request, entryID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		return
	}
	defer ws.Close()

	readings, cancel := h.manager.SubscribeReadings(entryID, liveBuffer)
	defer cancel()

	ctx, stop := context.WithCancel(r.Context())
	defer stop()

	// Reader: only needed to process pongs and notice the client leaving
	go func() {
		defer stop()
		ws.SetReadDeadline(time.Now().Add(livePongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(livePongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if entryID != "" {
		if current, err := h.manager.Reading(entryID); err == nil {
			ws.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := ws.WriteJSON(current); err != nil {
				return
			}
		}
	}

	ping := time.NewTicker(livePingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case reading, ok := <-readings:
			ws.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if !ok {
				// Entry removed or shutting down
				ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"))
				return
			}
			if err := ws.WriteJSON(reading); err != nil {
				return
			}
		case <-ping.C:
			ws.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
