// Package mqtt provides MQTT client functionality and Home Assistant discovery
package mqtt

import (
	"crypto/tls"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Bridge availability payloads
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Config holds MQTT client configuration
type Config struct {
	Broker   string // MQTT broker address (e.g., "tcp://localhost:1883")
	ClientID string // Unique client ID
	Username string // MQTT username (optional)
	Password string // MQTT password (optional)
	Prefix   string // Topic prefix for all messages
	UseTLS   bool   // Enable TLS connection

	// StatusTopic is the bridge availability topic relative to Prefix.
	// It carries a retained last will of "offline" and is set to "online"
	// on every connect. Empty disables it.
	StatusTopic string
}

// MessageHandler receives messages for a subscription
type MessageHandler func(topic string, payload []byte)

// Messenger is the subset of the client used by publishers and sources.
type Messenger interface {
	PublishRaw(topic string, qos byte, retained bool, payload interface{}) error
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Unsubscribe(topics ...string) error
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client wraps the MQTT client with additional functionality
type Client struct {
	client   mqtt.Client
	config   Config
	mu       sync.RWMutex
	logger   *log.Logger
	isActive bool

	subsMu    sync.Mutex
	subs      map[string]subscription
	onConnect []func()
}

// New creates a new MQTT client
func New(cfg Config, logger *log.Logger) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address is required")
	}

	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("vpdcalc-%d", time.Now().Unix())
	}

	c := &Client{
		config: cfg,
		logger: logger,
		subs:   make(map[string]subscription),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	// Configure TLS if enabled
	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	if cfg.StatusTopic != "" {
		opts.SetWill(c.buildTopic(cfg.StatusTopic), PayloadOffline, 1, true)
	}

	// Set connection handlers
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		if c.logger != nil {
			c.logger.Printf("[MQTT] Connection lost: %v", err)
		}
	})

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		if c.logger != nil {
			c.logger.Printf("[MQTT] Connected to broker: %s", cfg.Broker)
		}
		c.handleConnect()
	})

	opts.SetReconnectingHandler(func(client mqtt.Client, options *mqtt.ClientOptions) {
		if c.logger != nil {
			c.logger.Printf("[MQTT] Attempting to reconnect...")
		}
	})

	// Auto-reconnect settings
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(10 * time.Second)

	// Keep alive settings
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Handlers publish from inside callbacks, so they must not share the router goroutine.
	opts.SetOrderMatters(false)

	// Clean session; subscriptions are restored in handleConnect
	opts.SetCleanSession(true)

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// OnConnect registers fn to run after every (re)connect.
func (c *Client) OnConnect(fn func()) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// handleConnect announces the bridge, restores subscriptions and runs hooks.
func (c *Client) handleConnect() {
	c.mu.Lock()
	c.isActive = true
	c.mu.Unlock()

	if c.config.StatusTopic != "" {
		if err := c.PublishWithQoS(c.config.StatusTopic, 1, true, PayloadOnline); err != nil && c.logger != nil {
			c.logger.Printf("[MQTT] Failed to publish bridge status: %v", err)
		}
	}

	c.subsMu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, s := range c.subs {
		subs[topic] = s
	}
	hooks := append([]func(){}, c.onConnect...)
	c.subsMu.Unlock()

	for topic, s := range subs {
		if err := c.subscribe(topic, s); err != nil && c.logger != nil {
			c.logger.Printf("[MQTT] Failed to restore subscription %s: %v", topic, err)
		}
	}

	for _, fn := range hooks {
		fn()
	}
}

// Connect establishes connection to MQTT broker
func (c *Client) Connect() error {
	c.mu.RLock()
	active := c.isActive
	c.mu.RUnlock()
	if active {
		return nil // Already connected
	}

	if c.logger != nil {
		c.logger.Printf("[MQTT] Connecting to broker: %s", c.config.Broker)
	}

	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.mu.Lock()
	c.isActive = true
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Printf("[MQTT] Successfully connected")
	}

	return nil
}

// Disconnect announces the bridge as offline and closes the connection
func (c *Client) Disconnect() {
	c.mu.RLock()
	active := c.isActive
	c.mu.RUnlock()
	if !active {
		return
	}

	if c.config.StatusTopic != "" {
		if err := c.PublishWithQoS(c.config.StatusTopic, 1, true, PayloadOffline); err != nil && c.logger != nil {
			c.logger.Printf("[MQTT] Failed to publish bridge status: %v", err)
		}
	}

	c.mu.Lock()
	c.client.Disconnect(250) // Wait up to 250ms for graceful disconnect
	c.isActive = false
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Printf("[MQTT] Disconnected from broker")
	}
}

// PublishWithQoS publishes a message below the configured prefix
func (c *Client) PublishWithQoS(topic string, qos byte, retained bool, payload interface{}) error {
	return c.PublishRaw(c.buildTopic(topic), qos, retained, payload)
}

// PublishRaw publishes a message to an absolute topic (discovery, state, availability)
func (c *Client) PublishRaw(topic string, qos byte, retained bool, payload interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.isActive {
		return fmt.Errorf("MQTT client is not connected")
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish message: %w", token.Error())
	}

	if c.logger != nil {
		c.logger.Printf("[MQTT] Published to %s (QoS %d, retained %v)", topic, qos, retained)
	}

	return nil
}

// Subscribe registers handler for topic. The subscription is kept across
// reconnects. When the client is offline it is made on the next connect.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	s := subscription{qos: qos, handler: handler}

	c.subsMu.Lock()
	c.subs[topic] = s
	c.subsMu.Unlock()

	if !c.IsConnected() {
		return nil
	}
	return c.subscribe(topic, s)
}

func (c *Client) subscribe(topic string, s subscription) error {
	token := c.client.Subscribe(topic, s.qos, func(_ mqtt.Client, msg mqtt.Message) {
		s.handler(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, token.Error())
	}

	if c.logger != nil {
		c.logger.Printf("[MQTT] Subscribed to %s", topic)
	}
	return nil
}

// Unsubscribe removes subscriptions
func (c *Client) Unsubscribe(topics ...string) error {
	if len(topics) == 0 {
		return nil
	}

	c.subsMu.Lock()
	for _, topic := range topics {
		delete(c.subs, topic)
	}
	c.subsMu.Unlock()

	if !c.IsConnected() {
		return nil
	}

	token := c.client.Unsubscribe(topics...)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe: %w", token.Error())
	}
	return nil
}

// buildTopic constructs full topic path with prefix
func (c *Client) buildTopic(topic string) string {
	if c.config.Prefix == "" {
		return topic
	}
	return c.config.Prefix + "/" + topic
}

// IsConnected returns true if client is connected to broker
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isActive && c.client.IsConnected()
}

// GetConfig returns the current MQTT configuration
func (c *Client) GetConfig() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}
