package mqtt_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpdcalc/internal/mqtt"
	"vpdcalc/internal/mqtt/mqtttest"
	"vpdcalc/internal/storage"
)

func newStorage(t *testing.T) storage.Storage {
	t.Helper()
	s, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "mqtt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewTopics(t *testing.T) {
	topics := mqtt.NewTopics("vpd_calculator", "homeassistant", "abc")

	assert.Equal(t, "vpd_calculator/bridge/status", topics.Bridge)
	assert.Equal(t, "vpd_calculator/abc/state", topics.State)
	assert.Equal(t, "vpd_calculator/abc/availability", topics.Availability)
	assert.Equal(t, "vpd_calculator/abc/attributes", topics.Attributes)
	assert.Equal(t, "homeassistant/sensor/abc/config", topics.SensorConfig)
	assert.Equal(t, "homeassistant/number/abc_min_vpd/config", topics.MinConfig)
	assert.Equal(t, "homeassistant/number/abc_max_vpd/config", topics.MaxConfig)
	assert.Equal(t, "vpd_calculator/abc/min_vpd/state", topics.MinState)
	assert.Equal(t, "vpd_calculator/abc/min_vpd/set", topics.MinSet)
	assert.Equal(t, "vpd_calculator/abc/max_vpd/state", topics.MaxState)
	assert.Equal(t, "vpd_calculator/abc/max_vpd/set", topics.MaxSet)
	assert.Len(t, topics.DiscoveryConfigs(), 3)

	assert.Equal(t, "homeassistant/status", mqtt.HAStatusTopic("homeassistant"))
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "1.27", mqtt.FormatNumber(1.27))
	assert.Equal(t, "1.2", mqtt.FormatNumber(1.20))
	assert.Equal(t, "0", mqtt.FormatNumber(0))
}

func TestPublisher(t *testing.T) {
	fake := mqtttest.NewMessenger()
	p := mqtt.NewPublisher(fake, nil, nil)

	require.NoError(t, p.PublishAvailability("a/availability", true))
	require.NoError(t, p.PublishNumber("state", "a/state", 1.1))
	require.NoError(t, p.PublishJSON("attributes", "a/attributes", map[string]float64{"temperature": 25}))

	got, _ := fake.Retained("a/availability")
	assert.Equal(t, mqtt.PayloadOnline, got)
	got, _ = fake.Retained("a/state")
	assert.Equal(t, "1.1", got)
	got, _ = fake.Retained("a/attributes")
	assert.JSONEq(t, `{"temperature":25}`, got)

	require.NoError(t, p.ClearRetained("a/state", "a/attributes"))
	_, ok := fake.Retained("a/state")
	assert.False(t, ok)

	fake.Fail(true)
	assert.Error(t, p.PublishAvailability("a/availability", false))
}

func TestDiscoveryPublishAndRemove(t *testing.T) {
	fake := mqtttest.NewMessenger()
	store := newStorage(t)
	d := mqtt.NewDiscoveryManager(fake, store, nil, nil)

	enabled := true
	cfg := mqtt.SensorConfig{
		EntityConfig: mqtt.EntityConfig{
			Name:       "Tent",
			UniqueID:   "abc_vpd_mqtt",
			StateTopic: "vpd_calculator/abc/state",
			Availability: []mqtt.Availability{
				{Topic: "vpd_calculator/bridge/status"},
				{Topic: "vpd_calculator/abc/availability", PayloadAvailable: "online"},
			},
			AvailabilityMode: mqtt.AvailabilityAll,
			EnabledByDefault: &enabled,
			Device:           &mqtt.DeviceInfo{Identifiers: []string{"dev1"}},
		},
		StateClass:    "measurement",
		ValueTemplate: "{{ value }}",
	}

	require.NoError(t, d.Publish("abc", "homeassistant/sensor/abc/config", cfg))
	require.NoError(t, d.Publish("abc", "homeassistant/number/abc_min_vpd/config", mqtt.NumberConfig{Min: 0.1}))

	msgs := fake.On("homeassistant/sensor/abc/config")
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Retained)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Payload), &payload))
	assert.Equal(t, "abc_vpd_mqtt", payload["unique_id"])
	assert.Equal(t, true, payload["enabled_by_default"])
	assert.Equal(t, "all", payload["availability_mode"])
	assert.Equal(t, []interface{}{
		map[string]interface{}{"topic": "vpd_calculator/bridge/status"},
		map[string]interface{}{"topic": "vpd_calculator/abc/availability", "payload_available": "online"},
	}, payload["availability"])
	assert.NotContains(t, payload, "availability_topic")
	assert.Equal(t, []interface{}{"dev1"}, payload["device"].(map[string]interface{})["identifiers"])

	_, cached := d.Cached("homeassistant/sensor/abc/config")
	assert.True(t, cached)

	topics, err := d.Topics("abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"homeassistant/number/abc_min_vpd/config", "homeassistant/sensor/abc/config"}, topics)

	require.NoError(t, d.Remove("abc"))
	_, ok := fake.Retained("homeassistant/sensor/abc/config")
	assert.False(t, ok)
	_, cached = d.Cached("homeassistant/sensor/abc/config")
	assert.False(t, cached)

	topics, err = d.Topics("abc")
	require.NoError(t, err)
	assert.Empty(t, topics)
}

func TestDiscoveryCleanupStale(t *testing.T) {
	fake := mqtttest.NewMessenger()
	store := newStorage(t)
	d := mqtt.NewDiscoveryManager(fake, store, nil, nil)

	require.NoError(t, d.Publish("live", "homeassistant/sensor/live/config", map[string]string{}))
	require.NoError(t, d.Publish("gone", "homeassistant/sensor/gone/config", map[string]string{}))

	// A restart loses the cache but keeps the records.
	d = mqtt.NewDiscoveryManager(fake, store, nil, nil)
	cleaned, err := d.CleanupStale(func(id string) bool { return id == "live" })
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	_, ok := fake.Retained("homeassistant/sensor/gone/config")
	assert.False(t, ok)
	_, ok = fake.Retained("homeassistant/sensor/live/config")
	assert.True(t, ok)
}

func TestDiscoveryRepublishOnHABirth(t *testing.T) {
	fake := mqtttest.NewMessenger()
	d := mqtt.NewDiscoveryManager(fake, newStorage(t), nil, nil)
	require.NoError(t, d.Publish("abc", "homeassistant/sensor/abc/config", map[string]string{"name": "Tent"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var after atomic.Bool
	require.NoError(t, d.WatchHAStatus(ctx, "homeassistant", time.Millisecond, func() { after.Store(true) }))
	assert.True(t, fake.Subscribed("homeassistant/status"))

	fake.Deliver("homeassistant/status", "offline")
	fake.Deliver("homeassistant/status", "online")

	assert.Eventually(t, func() bool {
		return len(fake.On("homeassistant/sensor/abc/config")) == 2 && after.Load()
	}, time.Second, time.Millisecond)
}

func TestMatch(t *testing.T) {
	assert.True(t, mqtttest.Match("a/+/c", "a/b/c"))
	assert.True(t, mqtttest.Match("a/#", "a/b/c"))
	assert.False(t, mqtttest.Match("a/+", "a/b/c"))
	assert.False(t, mqtttest.Match("a/b/c", "a/b"))
}
