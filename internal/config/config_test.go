package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func assertPassword(t *testing.T, hash, password string) {
	t.Helper()
	assert.True(t, isPasswordHash(hash), "not a bcrypt hash: %q", hash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)))
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadCreatesFileWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")

	_, err := Load(path)
	// Defaults lack an HA token and admin password, but the template is written anyway.
	require.Error(t, err)

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	values, err := ParseEnvFile(file)
	require.NoError(t, err)
	assert.Equal(t, DefaultMQTTPrefix, values[EnvMQTTPrefix])
	assert.Equal(t, DefaultDiscoveryPrefix, values[EnvDiscoveryPrefix])
	assert.Len(t, values[EnvJWTSecret], 64)
}

func TestLoadFromFile(t *testing.T) {
	path := writeFile(t, `
VPDCALC_ADDR=127.0.0.1:9000
VPDCALC_ADMIN_PASSWORD=hunter2
VPDCALC_JWT_SECRET=abc
VPDCALC_JWT_EXPIRATION=3600
VPDCALC_MQTT_BROKER=tcp://broker:1883
VPDCALC_MQTT_PREFIX=/grow/
VPDCALC_MQTT_USE_TLS=yes
VPDCALC_STATE_SOURCE=statestream
VPDCALC_STATESTREAM_PREFIX=ha_stream
VPDCALC_HISTORY_SIZE=10
VPDCALC_CORS_ORIGINS=http://localhost:5173, ,https://grow.example
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Addr())
	assertPassword(t, cfg.AdminPasswordHash(), "hunter2")
	assert.Equal(t, "abc", cfg.JWTSecret())
	assert.Equal(t, time.Hour, cfg.JWTExpiration())
	assert.Equal(t, "tcp://broker:1883", cfg.MQTTBroker())
	assert.Equal(t, "grow", cfg.MQTTPrefix())
	assert.True(t, cfg.MQTTUseTLS())
	assert.Equal(t, StateSourceStatestream, cfg.StateSource())
	assert.Equal(t, "ha_stream", cfg.StatestreamPrefix())
	assert.Equal(t, 10, cfg.HistorySize())
	assert.False(t, cfg.InfluxEnabled())
	assert.Equal(t, []string{"http://localhost:5173", "https://grow.example"}, cfg.CORSOrigins())
}

func TestSetAdminPasswordPersists(t *testing.T) {
	path := writeFile(t, "VPDCALC_ADMIN_PASSWORD=old\nVPDCALC_HA_TOKEN=t\nVPDCALC_JWT_SECRET=abc\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Error(t, cfg.SetAdminPassword(""))
	require.NoError(t, cfg.SetAdminPassword("new"))
	assertPassword(t, cfg.AdminPasswordHash(), "new")

	reloaded, err := Load(path)
	require.NoError(t, err)
	assertPassword(t, reloaded.AdminPasswordHash(), "new")
	assert.Equal(t, cfg.AdminPasswordHash(), reloaded.AdminPasswordHash())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "=new")
	assert.NotContains(t, string(data), `"new"`)
}

func TestPlaintextPasswordIsHashedOnLoad(t *testing.T) {
	path := writeFile(t, "VPDCALC_ADMIN_PASSWORD=grow-tent\nVPDCALC_HA_TOKEN=t\nVPDCALC_JWT_SECRET=abc\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assertPassword(t, cfg.AdminPasswordHash(), "grow-tent")

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	values, err := ParseEnvFile(file)
	require.NoError(t, err)
	assert.Equal(t, cfg.AdminPasswordHash(), values[EnvAdminPassword])

	// A stored hash is kept as is
	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.AdminPasswordHash(), reloaded.AdminPasswordHash())
}

func TestEnvironmentPasswordIsHashedInMemory(t *testing.T) {
	path := writeFile(t, "VPDCALC_HA_TOKEN=t\nVPDCALC_JWT_SECRET=abc\n")
	t.Setenv(EnvAdminPassword, "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assertPassword(t, cfg.AdminPasswordHash(), "from-env")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "from-env")
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, `
VPDCALC_NO_AUTH=true
VPDCALC_JWT_SECRET=abc
VPDCALC_HA_TOKEN=file-token
`)
	t.Setenv(EnvHAToken, "env-token")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.HAToken())

	// Overrides are not persisted.
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	values, err := ParseEnvFile(file)
	require.NoError(t, err)
	assert.Equal(t, "file-token", values[EnvHAToken])
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad port", "VPDCALC_NO_AUTH=1\nVPDCALC_HA_TOKEN=t\nVPDCALC_ADDR=:99999\n"},
		{"missing password", "VPDCALC_HA_TOKEN=t\n"},
		{"unknown source", "VPDCALC_NO_AUTH=1\nVPDCALC_STATE_SOURCE=carrier-pigeon\n"},
		{"wildcard prefix", "VPDCALC_NO_AUTH=1\nVPDCALC_HA_TOKEN=t\nVPDCALC_MQTT_PREFIX=a/#\n"},
		{"influx without org", "VPDCALC_NO_AUTH=1\nVPDCALC_HA_TOKEN=t\nVPDCALC_INFLUX_URL=http://influx:8086\n"},
		{"history too large", "VPDCALC_NO_AUTH=1\nVPDCALC_HA_TOKEN=t\nVPDCALC_HISTORY_SIZE=20000\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "VPDCALC_JWT_SECRET=abc\n"+tt.content))
			assert.Error(t, err)
		})
	}
}

func TestStringHidesSecrets(t *testing.T) {
	cfg, err := Load(writeFile(t, "VPDCALC_NO_AUTH=1\nVPDCALC_HA_TOKEN=supersecret\nVPDCALC_JWT_SECRET=abc\n"))
	require.NoError(t, err)
	assert.NotContains(t, cfg.String(), "supersecret")
	assert.Contains(t, cfg.String(), "HAToken: [set]")
}

func TestParseBool(t *testing.T) {
	for _, s := range []string{"true", "1", "YES", " on "} {
		assert.True(t, parseBool(s), s)
	}
	for _, s := range []string{"false", "0", "no", "", "maybe"} {
		assert.False(t, parseBool(s), s)
	}
}
