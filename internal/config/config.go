package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Environment variable names
const (
	EnvAddr          = "VPDCALC_ADDR"
	EnvJWTSecret     = "VPDCALC_JWT_SECRET"
	EnvJWTExpiration = "VPDCALC_JWT_EXPIRATION"
	EnvNoAuth        = "VPDCALC_NO_AUTH"
	EnvAdminUser     = "VPDCALC_ADMIN_USER"
	EnvAdminPassword = "VPDCALC_ADMIN_PASSWORD"
	EnvDBPath        = "VPDCALC_DB_PATH"
	EnvHistorySize   = "VPDCALC_HISTORY_SIZE"
	EnvCORSOrigins   = "VPDCALC_CORS_ORIGINS"
	// MQTT settings
	EnvMQTTBroker      = "VPDCALC_MQTT_BROKER"
	EnvMQTTClientID    = "VPDCALC_MQTT_CLIENT_ID"
	EnvMQTTUsername    = "VPDCALC_MQTT_USERNAME"
	EnvMQTTPassword    = "VPDCALC_MQTT_PASSWORD"
	EnvMQTTPrefix      = "VPDCALC_MQTT_PREFIX"
	EnvMQTTUseTLS      = "VPDCALC_MQTT_USE_TLS"
	EnvDiscoveryPrefix = "VPDCALC_DISCOVERY_PREFIX"
	// Home Assistant settings
	EnvStateSource       = "VPDCALC_STATE_SOURCE"
	EnvHAURL             = "VPDCALC_HA_URL"
	EnvHAToken           = "VPDCALC_HA_TOKEN"
	EnvStatestreamPrefix = "VPDCALC_STATESTREAM_PREFIX"
	// InfluxDB settings
	EnvInfluxURL    = "VPDCALC_INFLUX_URL"
	EnvInfluxToken  = "VPDCALC_INFLUX_TOKEN"
	EnvInfluxOrg    = "VPDCALC_INFLUX_ORG"
	EnvInfluxBucket = "VPDCALC_INFLUX_BUCKET"
)

// State sources
const (
	StateSourceWebSocket   = "websocket"
	StateSourceStatestream = "statestream"
)

// Default values
const (
	DefaultAddr          = ":8099"
	DefaultJWTExpiration = 24 * time.Hour
	DefaultNoAuth        = false
	DefaultAdminUser     = "admin"
	DefaultDBPath        = "vpdcalc.db"
	DefaultHistorySize   = 288
	// MQTT defaults
	DefaultMQTTBroker      = "tcp://localhost:1883"
	DefaultMQTTClientID    = ""
	DefaultMQTTPrefix      = "vpd_calculator"
	DefaultMQTTUseTLS      = false
	DefaultDiscoveryPrefix = "homeassistant"
	// Home Assistant defaults
	DefaultStateSource       = StateSourceWebSocket
	DefaultHAURL             = "http://homeassistant.local:8123"
	DefaultStatestreamPrefix = "homeassistant_statestream"
	// InfluxDB defaults
	DefaultInfluxBucket = "vpd"
)

// keys lists every key the config understands, in file order.
var keys = []string{
	EnvAddr, EnvJWTSecret, EnvJWTExpiration, EnvNoAuth, EnvAdminUser, EnvAdminPassword,
	EnvDBPath, EnvHistorySize, EnvCORSOrigins,
	EnvMQTTBroker, EnvMQTTClientID, EnvMQTTUsername, EnvMQTTPassword, EnvMQTTPrefix, EnvMQTTUseTLS,
	EnvDiscoveryPrefix,
	EnvStateSource, EnvHAURL, EnvHAToken, EnvStatestreamPrefix,
	EnvInfluxURL, EnvInfluxToken, EnvInfluxOrg, EnvInfluxBucket,
}

// Config holds all application configuration.
// All access should be through getter methods for thread safety.
type Config struct {
	mu       sync.RWMutex
	filePath string
	dirty    bool // tracks if config was modified

	// Server settings
	addr        string
	dbPath      string
	historySize int
	corsOrigins []string

	// Security settings
	jwtSecret     string
	jwtExpiration time.Duration
	noAuth        bool
	adminUser     string
	adminPassword string

	// MQTT settings
	mqttBroker      string
	mqttClientID    string
	mqttUsername    string
	mqttPassword    string
	mqttPrefix      string
	mqttUseTLS      bool
	discoveryPrefix string

	// Home Assistant settings
	stateSource       string
	haURL             string
	haToken           string
	statestreamPrefix string

	// InfluxDB settings
	influxURL    string
	influxToken  string
	influxOrg    string
	influxBucket string
}

// Load loads configuration from .env file or creates it with defaults.
// Process environment variables override values from the file but are not
// written back to it.
func Load(filePath string) (*Config, error) {
	cfg := &Config{
		filePath: filePath,
	}

	cfg.setDefaults()

	if err := cfg.loadFromFile(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		// File doesn't exist - will be created with defaults
		cfg.dirty = true
	}

	// A plaintext password in the file is replaced by its hash on first start
	if hashed, err := cfg.hashAdminPassword(); err != nil {
		return nil, err
	} else if hashed {
		cfg.dirty = true
	}

	if cfg.jwtSecret == "" {
		secret, err := generateSecureSecret(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		cfg.jwtSecret = secret
		cfg.dirty = true
	}

	// Write the template before validating so a first run leaves an
	// editable file behind even when required values are missing.
	if cfg.dirty {
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
	}

	cfg.applyValues(environValues())
	if _, err := cfg.hashAdminPassword(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults initializes all fields with default values.
func (c *Config) setDefaults() {
	c.addr = DefaultAddr
	c.dbPath = DefaultDBPath
	c.historySize = DefaultHistorySize
	c.jwtSecret = ""
	c.jwtExpiration = DefaultJWTExpiration
	c.noAuth = DefaultNoAuth
	c.adminUser = DefaultAdminUser
	c.adminPassword = ""
	// MQTT defaults
	c.mqttBroker = DefaultMQTTBroker
	c.mqttClientID = DefaultMQTTClientID
	c.mqttUsername = ""
	c.mqttPassword = ""
	c.mqttPrefix = DefaultMQTTPrefix
	c.mqttUseTLS = DefaultMQTTUseTLS
	c.discoveryPrefix = DefaultDiscoveryPrefix
	// Home Assistant defaults
	c.stateSource = DefaultStateSource
	c.haURL = DefaultHAURL
	c.haToken = ""
	c.statestreamPrefix = DefaultStatestreamPrefix
	// InfluxDB defaults
	c.influxURL = ""
	c.influxToken = ""
	c.influxOrg = ""
	c.influxBucket = DefaultInfluxBucket
}

// loadFromFile reads configuration from .env file.
func (c *Config) loadFromFile() error {
	file, err := os.Open(c.filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	values, err := ParseEnvFile(file)
	if err != nil {
		return err
	}

	c.applyValues(values)
	return nil
}

// environValues collects the known keys that are set in the process environment.
func environValues() map[string]string {
	values := make(map[string]string)
	for _, key := range keys {
		if v, ok := os.LookupEnv(key); ok {
			values[key] = v
		}
	}
	return values
}

// applyValues applies parsed key-value pairs to config.
func (c *Config) applyValues(values map[string]string) {
	if v, ok := values[EnvAddr]; ok && v != "" {
		c.addr = v
	}
	if v, ok := values[EnvDBPath]; ok && v != "" {
		c.dbPath = v
	}
	if v, ok := values[EnvHistorySize]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.historySize = n
		}
	}
	if v, ok := values[EnvCORSOrigins]; ok {
		c.corsOrigins = splitList(v)
	}

	if v, ok := values[EnvJWTSecret]; ok && v != "" {
		c.jwtSecret = v
	}
	if v, ok := values[EnvJWTExpiration]; ok && v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			c.jwtExpiration = time.Duration(seconds) * time.Second
		}
	}
	if v, ok := values[EnvNoAuth]; ok {
		c.noAuth = parseBool(v)
	}
	if v, ok := values[EnvAdminUser]; ok && v != "" {
		c.adminUser = v
	}
	if v, ok := values[EnvAdminPassword]; ok {
		c.adminPassword = v
	}

	// MQTT settings
	if v, ok := values[EnvMQTTBroker]; ok {
		c.mqttBroker = v
	}
	if v, ok := values[EnvMQTTClientID]; ok {
		c.mqttClientID = v
	}
	if v, ok := values[EnvMQTTUsername]; ok {
		c.mqttUsername = v
	}
	if v, ok := values[EnvMQTTPassword]; ok {
		c.mqttPassword = v
	}
	if v, ok := values[EnvMQTTPrefix]; ok && v != "" {
		c.mqttPrefix = strings.Trim(v, "/")
	}
	if v, ok := values[EnvMQTTUseTLS]; ok {
		c.mqttUseTLS = parseBool(v)
	}
	if v, ok := values[EnvDiscoveryPrefix]; ok && v != "" {
		c.discoveryPrefix = strings.Trim(v, "/")
	}

	// Home Assistant settings
	if v, ok := values[EnvStateSource]; ok && v != "" {
		c.stateSource = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := values[EnvHAURL]; ok {
		c.haURL = strings.TrimRight(v, "/")
	}
	if v, ok := values[EnvHAToken]; ok {
		c.haToken = v
	}
	if v, ok := values[EnvStatestreamPrefix]; ok && v != "" {
		c.statestreamPrefix = strings.Trim(v, "/")
	}

	// InfluxDB settings
	if v, ok := values[EnvInfluxURL]; ok {
		c.influxURL = v
	}
	if v, ok := values[EnvInfluxToken]; ok {
		c.influxToken = v
	}
	if v, ok := values[EnvInfluxOrg]; ok {
		c.influxOrg = v
	}
	if v, ok := values[EnvInfluxBucket]; ok && v != "" {
		c.influxBucket = v
	}
}

// validate checks if configuration is valid.
func (c *Config) validate() error {
	if c.addr == "" {
		return errors.New("server address cannot be empty")
	}

	_, port, err := net.SplitHostPort(c.addr)
	if err != nil {
		if _, err := strconv.Atoi(strings.TrimPrefix(c.addr, ":")); err != nil {
			return fmt.Errorf("invalid server address format: %s", c.addr)
		}
	} else {
		portNum, err := strconv.Atoi(port)
		if err != nil || portNum < 1 || portNum > 65535 {
			return fmt.Errorf("invalid port number: %s", port)
		}
	}

	if c.jwtExpiration < time.Minute {
		return errors.New("JWT expiration must be at least 1 minute")
	}
	if c.jwtExpiration > 365*24*time.Hour {
		return errors.New("JWT expiration cannot exceed 1 year")
	}

	if !c.noAuth && c.adminPassword == "" {
		return fmt.Errorf("%s must be set unless %s is enabled", EnvAdminPassword, EnvNoAuth)
	}

	if c.dbPath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.historySize < 1 || c.historySize > 10000 {
		return fmt.Errorf("history size must be between 1 and 10000, got %d", c.historySize)
	}

	if c.mqttBroker == "" {
		return fmt.Errorf("%s is required", EnvMQTTBroker)
	}
	if strings.ContainsAny(c.mqttPrefix, "#+") || strings.ContainsAny(c.discoveryPrefix, "#+") {
		return errors.New("MQTT prefixes cannot contain wildcards")
	}

	switch c.stateSource {
	case StateSourceWebSocket:
		if c.haToken == "" {
			return fmt.Errorf("%s is required for the %s state source", EnvHAToken, StateSourceWebSocket)
		}
		if _, err := url.ParseRequestURI(c.haURL); err != nil {
			return fmt.Errorf("invalid Home Assistant URL %q: %w", c.haURL, err)
		}
	case StateSourceStatestream:
		if strings.ContainsAny(c.statestreamPrefix, "#+") {
			return errors.New("statestream prefix cannot contain wildcards")
		}
	default:
		return fmt.Errorf("unknown state source %q", c.stateSource)
	}

	if c.influxURL != "" && (c.influxOrg == "" || c.influxToken == "") {
		return errors.New("InfluxDB org and token are required when InfluxDB URL is set")
	}

	return nil
}

// Save writes current configuration to .env file.
func (c *Config) Save() error {
	c.mu.RLock()
	values := c.toMap()
	filePath := c.filePath
	c.mu.RUnlock()

	if err := WriteEnvFile(filePath, values); err != nil {
		return err
	}

	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()

	return nil
}

// toMap converts config to key-value map for saving.
func (c *Config) toMap() map[string]string {
	return map[string]string{
		EnvAddr:          c.addr,
		EnvDBPath:        c.dbPath,
		EnvHistorySize:   strconv.Itoa(c.historySize),
		EnvCORSOrigins:   strings.Join(c.corsOrigins, ","),
		EnvJWTSecret:     c.jwtSecret,
		EnvJWTExpiration: strconv.Itoa(int(c.jwtExpiration.Seconds())),
		EnvNoAuth:        strconv.FormatBool(c.noAuth),
		EnvAdminUser:     c.adminUser,
		EnvAdminPassword: c.adminPassword,
		// MQTT settings
		EnvMQTTBroker:      c.mqttBroker,
		EnvMQTTClientID:    c.mqttClientID,
		EnvMQTTUsername:    c.mqttUsername,
		EnvMQTTPassword:    c.mqttPassword,
		EnvMQTTPrefix:      c.mqttPrefix,
		EnvMQTTUseTLS:      strconv.FormatBool(c.mqttUseTLS),
		EnvDiscoveryPrefix: c.discoveryPrefix,
		// Home Assistant settings
		EnvStateSource:       c.stateSource,
		EnvHAURL:             c.haURL,
		EnvHAToken:           c.haToken,
		EnvStatestreamPrefix: c.statestreamPrefix,
		// InfluxDB settings
		EnvInfluxURL:    c.influxURL,
		EnvInfluxToken:  c.influxToken,
		EnvInfluxOrg:    c.influxOrg,
		EnvInfluxBucket: c.influxBucket,
	}
}

// Getters (thread-safe)

// Addr returns the server address.
func (c *Config) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr
}

// DBPath returns the bbolt database path.
func (c *Config) DBPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dbPath
}

// HistorySize returns how many readings are kept per entry.
func (c *Config) HistorySize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.historySize
}

// CORSOrigins returns the origins allowed to call the API from a browser.
func (c *Config) CORSOrigins() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.corsOrigins...)
}

// JWTSecret returns the JWT secret key.
func (c *Config) JWTSecret() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jwtSecret
}

// JWTExpiration returns the JWT token expiration duration.
func (c *Config) JWTExpiration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jwtExpiration
}

// NoAuth returns whether authentication is disabled.
func (c *Config) NoAuth() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.noAuth
}

// AdminUser returns the API login name.
func (c *Config) AdminUser() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.adminUser
}

// AdminPasswordHash returns the bcrypt hash of the API login password.
func (c *Config) AdminPasswordHash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.adminPassword
}

// FilePath returns the path to the .env file.
func (c *Config) FilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}

// MQTT Getters

// MQTTBroker returns the MQTT broker address.
func (c *Config) MQTTBroker() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttBroker
}

// MQTTClientID returns the MQTT client ID.
func (c *Config) MQTTClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttClientID
}

// MQTTUsername returns the MQTT username.
func (c *Config) MQTTUsername() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttUsername
}

// MQTTPassword returns the MQTT password.
func (c *Config) MQTTPassword() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttPassword
}

// MQTTPrefix returns the MQTT topic prefix.
func (c *Config) MQTTPrefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttPrefix
}

// MQTTUseTLS returns whether TLS is enabled for MQTT.
func (c *Config) MQTTUseTLS() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttUseTLS
}

// DiscoveryPrefix returns the Home Assistant discovery prefix.
func (c *Config) DiscoveryPrefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.discoveryPrefix
}

// Home Assistant Getters

// StateSource returns which upstream state source is used.
func (c *Config) StateSource() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stateSource
}

// HAURL returns the Home Assistant base URL.
func (c *Config) HAURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.haURL
}

// HAToken returns the Home Assistant long-lived access token.
func (c *Config) HAToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.haToken
}

// StatestreamPrefix returns the mqtt_statestream base topic.
func (c *Config) StatestreamPrefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statestreamPrefix
}

// InfluxDB Getters

// InfluxEnabled reports whether readings are mirrored to InfluxDB.
func (c *Config) InfluxEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.influxURL != ""
}

// InfluxURL returns the InfluxDB URL.
func (c *Config) InfluxURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.influxURL
}

// InfluxToken returns the InfluxDB token.
func (c *Config) InfluxToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.influxToken
}

// InfluxOrg returns the InfluxDB organization.
func (c *Config) InfluxOrg() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.influxOrg
}

// InfluxBucket returns the InfluxDB bucket.
func (c *Config) InfluxBucket() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.influxBucket
}

// Setters (thread-safe, auto-save)

// SetAdminPassword stores the bcrypt hash of password and saves to file.
func (c *Config) SetAdminPassword(password string) error {
	if password == "" {
		return errors.New("admin password cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	c.mu.Lock()
	c.adminPassword = string(hash)
	c.dirty = true
	c.mu.Unlock()

	return c.Save()
}

// hashAdminPassword replaces a plaintext admin password with its bcrypt hash.
// It reports whether anything changed.
func (c *Config) hashAdminPassword() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.adminPassword == "" || isPasswordHash(c.adminPassword) {
		return false, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(c.adminPassword), bcrypt.DefaultCost)
	if err != nil {
		return false, fmt.Errorf("failed to hash %s: %w", EnvAdminPassword, err)
	}
	c.adminPassword = string(hash)
	return true, nil
}

// isPasswordHash reports whether s is a bcrypt hash.
func isPasswordHash(s string) bool {
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}

// Helper functions

// generateSecureSecret generates a cryptographically secure random hex string.
func generateSecureSecret(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// splitList parses a comma-separated list, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseBool parses a boolean string value.
// Accepts: true, false, 1, 0, yes, no, on, off (case-insensitive)
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// String returns a string representation of the config (without secrets).
func (c *Config) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return fmt.Sprintf(
		"Config{Addr: %q, NoAuth: %v, DB: %q, MQTT: %q (prefix %q, discovery %q, TLS %v), Source: %s, HA: %q, HAToken: %s, Influx: %v}",
		c.addr, c.noAuth, c.dbPath, c.mqttBroker, c.mqttPrefix, c.discoveryPrefix, c.mqttUseTLS,
		c.stateSource, c.haURL, secretState(c.haToken), c.influxURL != "",
	)
}

func secretState(s string) string {
	if s == "" {
		return "[not set]"
	}
	return "[set]"
}
