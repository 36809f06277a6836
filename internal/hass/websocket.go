package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vpdcalc/internal/events"
	"vpdcalc/internal/metrics"
	"vpdcalc/internal/task"
)

const (
	defaultMinBackoff = time.Second
	defaultMaxBackoff = time.Minute
	heartbeatInterval = 30 * time.Second
	callTimeout       = 10 * time.Second

	// eventQueueSize is how many state changes may wait for the listeners
	eventQueueSize = 256
)

// wsMessage covers every frame exchanged with the WebSocket API
type wsMessage struct {
	ID        int             `json:"id,omitempty"`
	Type      string          `json:"type"`
	Success   bool            `json:"success,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *wsError        `json:"error,omitempty"`
	Event     *wsEvent        `json:"event,omitempty"`
	HAVersion string          `json:"ha_version,omitempty"`
	Message   string          `json:"message,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsEvent struct {
	EventType string            `json:"event_type"`
	Data      StateChangedEvent `json:"data"`
}

type registryDevice struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Identifiers [][2]string `json:"identifiers"`
}

// WSClient is a StateSource backed by the Home Assistant WebSocket API.
// It keeps the connection alive and reconnects with capped exponential backoff.
type WSClient struct {
	*Tracker

	wsURL   string
	token   string
	logger  *log.Logger
	events  *events.Store
	metrics *metrics.Metrics
	dialer  *websocket.Dialer

	minBackoff time.Duration
	maxBackoff time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	nextID    int
	pending   map[int]chan wsMessage
	haVersion string

	writeMu   sync.Mutex
	ready     chan struct{}
	readyOnce sync.Once
}

// NewWSClient creates a client for the instance at baseURL (http or https)
func NewWSClient(baseURL, token string, ev *events.Store, m *metrics.Metrics, logger *log.Logger) (*WSClient, error) {
	wsURL, err := websocketURL(baseURL)
	if err != nil {
		return nil, err
	}

	return &WSClient{
		Tracker:    NewTracker(),
		wsURL:      wsURL,
		token:      token,
		logger:     logger,
		events:     ev,
		metrics:    m,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		pending:    make(map[int]chan wsMessage),
		ready:      make(chan struct{}),
	}, nil
}

// websocketURL maps http(s)://host[/path] to ws(s)://host[/path]/api/websocket
func websocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid Home Assistant URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported Home Assistant URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/websocket"
	return u.String(), nil
}

// Run keeps a session open until ctx is cancelled.
// It returns ErrAuthInvalid without retrying when the token is rejected.
func (c *WSClient) Run(ctx context.Context) error {
	backoff := c.minBackoff
	for {
		started := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuthInvalid) {
			c.events.Record(events.EventSourceDisconnected, "", false, err.Error())
			return err
		}

		c.events.Record(events.EventSourceDisconnected, "", false, fmt.Sprint(err))
		if c.logger != nil {
			c.logger.Printf("[HASS] Connection lost: %v (retrying in %s)", err, backoff)
		}

		// A session that lasted a while resets the backoff.
		if time.Since(started) > c.maxBackoff {
			backoff = c.minBackoff
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
		c.metrics.IncSourceReconnect()
	}
}

// WaitReady blocks until the first session has loaded all states
func (c *WSClient) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether a session is open
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Version returns the Home Assistant version of the last session
func (c *WSClient) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.haVersion
}

// session runs one connection from dial to disconnect
func (c *WSClient) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.wsURL, err)
	}
	defer conn.Close()

	version, err := c.authenticate(conn)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.haVersion = version
	c.mu.Unlock()
	defer c.dropConnection()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Listeners run on their own goroutine so pongs and results keep flowing
	queue := make(chan StateChangedEvent, eventQueueSize)
	go c.dispatchLoop(sessionCtx, queue)

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(conn, queue)
		cancel()
	}()

	// Unblock the read loop when the session ends
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()

	if err := c.sync(sessionCtx); err != nil {
		cancel()
		<-readErr
		return err
	}

	if c.logger != nil {
		c.logger.Printf("[HASS] Connected to Home Assistant %s", version)
	}
	c.events.Record(events.EventSourceConnected, "", true, version)
	c.readyOnce.Do(func() { close(c.ready) })

	go task.RunPeriodic(sessionCtx, heartbeatInterval, nil, "HASS", func(ctx context.Context) error {
		callCtx, callCancel := context.WithTimeout(ctx, callTimeout)
		defer callCancel()
		if _, err := c.call(callCtx, map[string]interface{}{"type": "ping"}); err != nil && ctx.Err() == nil {
			if c.logger != nil {
				c.logger.Printf("[HASS] Heartbeat failed: %v", err)
			}
			cancel()
		}
		return nil
	})

	err = <-readErr
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// authenticate performs the auth_required / auth / auth_ok handshake
func (c *WSClient) authenticate(conn *websocket.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(callTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return "", fmt.Errorf("failed to read auth request: %w", err)
	}
	if msg.Type != "auth_required" {
		return "", fmt.Errorf("unexpected message %q before auth", msg.Type)
	}

	if err := conn.WriteJSON(map[string]string{"type": "auth", "access_token": c.token}); err != nil {
		return "", fmt.Errorf("failed to send auth: %w", err)
	}

	if err := conn.ReadJSON(&msg); err != nil {
		return "", fmt.Errorf("failed to read auth result: %w", err)
	}
	switch msg.Type {
	case "auth_ok":
		return msg.HAVersion, nil
	case "auth_invalid":
		return "", fmt.Errorf("%w: %s", ErrAuthInvalid, msg.Message)
	default:
		return "", fmt.Errorf("unexpected auth response %q", msg.Type)
	}
}

// sync subscribes to state changes and reloads every state.
// Replacing the cache fires synthetic events for tracked entities that
// changed while the client was disconnected.
func (c *WSClient) sync(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	if _, err := c.call(callCtx, map[string]interface{}{
		"type":       "subscribe_events",
		"event_type": "state_changed",
	}); err != nil {
		return fmt.Errorf("failed to subscribe to state changes: %w", err)
	}

	raw, err := c.call(callCtx, map[string]interface{}{"type": "get_states"})
	if err != nil {
		return fmt.Errorf("failed to get states: %w", err)
	}

	var states []State
	if err := json.Unmarshal(raw, &states); err != nil {
		return fmt.Errorf("failed to decode states: %w", err)
	}

	fired := c.Replace(states)
	if c.logger != nil {
		c.logger.Printf("[HASS] Loaded %d states (%d tracked changed)", len(states), fired)
	}
	return nil
}

// readLoop routes results to pending calls and queues events for dispatchLoop
func (c *WSClient) readLoop(conn *websocket.Conn, queue chan<- StateChangedEvent) error {
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}

		switch msg.Type {
		case "result", "pong":
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case "event":
			if msg.Event == nil || msg.Event.EventType != "state_changed" {
				continue
			}
			select {
			case queue <- msg.Event.Data:
			default:
				// Keep the cache current even when listeners miss the change
				if msg.Event.Data.NewState != nil {
					c.Update(msg.Event.Data.NewState)
				}
				if c.logger != nil {
					c.logger.Printf("[HASS] Event queue full, listeners missed state change of %s", msg.Event.Data.EntityID)
				}
			}
		}
	}
}

// dispatchLoop hands queued events to the tracker until the session ends
func (c *WSClient) dispatchLoop(ctx context.Context, queue <-chan StateChangedEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-queue:
			c.Dispatch(event)
		}
	}
}

// call sends a command and waits for its result
func (c *WSClient) call(ctx context.Context, cmd map[string]interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	ch := make(chan wsMessage, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	cmd["id"] = id

	c.writeMu.Lock()
	err := conn.WriteJSON(cmd)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("failed to send %v: %w", cmd["type"], err)
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if res.Type == "pong" {
			return nil, nil
		}
		if !res.Success {
			if res.Error != nil {
				return nil, fmt.Errorf("%v failed: %s: %s", cmd["type"], res.Error.Code, res.Error.Message)
			}
			return nil, fmt.Errorf("%v failed", cmd["type"])
		}
		return res.Result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *WSClient) forget(id int) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// dropConnection fails every pending call and clears the connection
func (c *WSClient) dropConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.conn = nil
}

// DeviceIdentifiers returns the identifier values of a registry device.
// Home Assistant stores identifiers as (domain, id) pairs; the id part is returned.
func (c *WSClient) DeviceIdentifiers(ctx context.Context, deviceID string) ([]string, error) {
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	raw, err := c.call(callCtx, map[string]interface{}{"type": "config/device_registry/list"})
	if err != nil {
		return nil, err
	}

	var devices []registryDevice
	if err := json.Unmarshal(raw, &devices); err != nil {
		return nil, fmt.Errorf("failed to decode device registry: %w", err)
	}

	for _, d := range devices {
		if d.ID != deviceID {
			continue
		}
		ids := make([]string, 0, len(d.Identifiers))
		for _, pair := range d.Identifiers {
			if pair[1] != "" {
				ids = append(ids, pair[1])
			}
		}
		return ids, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
}
