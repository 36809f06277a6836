package calculator_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpdcalc/internal/calculator"
	"vpdcalc/internal/entry"
	"vpdcalc/internal/events"
	"vpdcalc/internal/hass"
	"vpdcalc/internal/history"
	"vpdcalc/internal/metrics"
	"vpdcalc/internal/mqtt"
	"vpdcalc/internal/mqtt/mqtttest"
	"vpdcalc/internal/storage"
)

type fakeRegistry struct {
	ids map[string][]string
}

func (f fakeRegistry) DeviceIdentifiers(_ context.Context, deviceID string) ([]string, error) {
	ids, ok := f.ids[deviceID]
	if !ok {
		return nil, hass.ErrDeviceNotFound
	}
	return ids, nil
}

// slowRegistry delays every lookup so concurrent reloads overlap
type slowRegistry struct {
	delay time.Duration
}

func (s slowRegistry) DeviceIdentifiers(ctx context.Context, deviceID string) ([]string, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []string{deviceID + "_ids"}, nil
}

// stalledRecorder blocks until the write context expires or it is released
type stalledRecorder struct {
	release chan struct{}
}

func (stalledRecorder) Name() string { return "stalled" }
func (s stalledRecorder) Record(ctx context.Context, _ history.Reading) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.release:
		return nil
	}
}
func (stalledRecorder) Close() error { return nil }

type env struct {
	fake    *mqtttest.Messenger
	tracker *hass.Tracker
	entries *entry.Store
	events  *events.Store
	history *history.BoltRecorder
	manager *calculator.Manager
	deps    calculator.Deps
}

func newEnv(t *testing.T, registry hass.DeviceRegistry) *env {
	t.Helper()

	store, err := storage.NewBoltStorage(filepath.Join(t.TempDir(), "vpdcalc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	e := &env{
		fake:    mqtttest.NewMessenger(),
		tracker: hass.NewTracker(),
		entries: entry.NewStore(store),
		events:  events.NewStore(100),
		history: history.NewBoltRecorder(store, 50),
	}
	m := metrics.New()
	e.deps = calculator.Deps{
		Messenger:       e.fake,
		Discovery:       mqtt.NewDiscoveryManager(e.fake, store, m, nil),
		Source:          e.tracker,
		Registry:        registry,
		Entries:         e.entries,
		Recorder:        e.history,
		History:         e.history,
		Metrics:         m,
		Events:          e.events,
		Prefix:          "vpd_calculator",
		DiscoveryPrefix: "homeassistant",
	}
	e.manager = calculator.NewManager(e.deps)
	return e
}

func (e *env) set(entityID, state string) {
	e.tracker.Dispatch(hass.StateChangedEvent{
		EntityID: entityID,
		NewState: &hass.State{EntityID: entityID, State: state},
	})
}

func (e *env) retained(t *testing.T, topic string) string {
	t.Helper()
	v, ok := e.fake.Retained(topic)
	require.True(t, ok, "nothing retained on %s", topic)
	return v
}

func tentData() entry.Data {
	d := entry.DefaultData()
	d.Name = "Tent"
	d.TempSensor = "sensor.tent_temperature"
	d.HumiditySensor = "sensor.tent_humidity"
	return d
}

func TestCreateEntryPublishesDiscoveryAndState(t *testing.T) {
	e := newEnv(t, nil)
	e.tracker.Update(&hass.State{EntityID: "sensor.tent_temperature", State: "25"})
	e.tracker.Update(&hass.State{EntityID: "sensor.tent_humidity", State: "60"})

	created, err := e.manager.CreateEntry(context.Background(), tentData())
	require.NoError(t, err)
	topics := mqtt.NewTopics("vpd_calculator", "homeassistant", created.ID)

	var sensor map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(e.retained(t, topics.SensorConfig)), &sensor))
	assert.Equal(t, "Tent", sensor["name"])
	assert.Equal(t, created.ID+"_vpd_mqtt", sensor["unique_id"])
	assert.Equal(t, "vpd_calculator_"+created.ID+"_vpd_mqtt", sensor["object_id"])
	assert.Equal(t, "kPa", sensor["unit_of_measurement"])
	assert.Equal(t, "pressure", sensor["device_class"])
	assert.Equal(t, "measurement", sensor["state_class"])
	assert.Equal(t, "{{ value }}", sensor["value_template"])
	assert.Equal(t, "vpd_calculator/bridge/status", topics.Bridge)
	assert.Equal(t, "all", sensor["availability_mode"])
	assert.Equal(t, []interface{}{
		map[string]interface{}{"topic": topics.Bridge, "payload_available": "online", "payload_not_available": "offline"},
		map[string]interface{}{"topic": topics.Availability, "payload_available": "online", "payload_not_available": "offline"},
	}, sensor["availability"])
	assert.NotContains(t, sensor, "availability_topic")

	device := sensor["device"].(map[string]interface{})
	assert.Equal(t, []interface{}{"vpd_calculator_" + created.ID}, device["identifiers"])
	assert.Equal(t, "VPD Calculator (Tent)", device["name"])
	assert.Equal(t, "VPD Calculator v1.0", device["model"])

	var number map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(e.retained(t, topics.MinConfig)), &number))
	assert.Equal(t, created.ID+"_vpd_min_mqtt", number["unique_id"])
	assert.Equal(t, topics.MinSet, number["command_topic"])
	assert.Equal(t, 0.1, number["min"])
	assert.Equal(t, 2.5, number["max"])
	assert.Equal(t, 0.01, number["step"])
	assert.Equal(t, "box", number["mode"])
	assert.Equal(t, "all", number["availability_mode"])
	assert.Equal(t, []interface{}{
		map[string]interface{}{"topic": topics.Bridge, "payload_available": "online", "payload_not_available": "offline"},
	}, number["availability"])

	assert.Equal(t, "online", e.retained(t, topics.Availability))
	assert.Equal(t, "1.27", e.retained(t, topics.State))
	assert.Equal(t, "0.85", e.retained(t, topics.MinState))
	assert.Equal(t, "1.15", e.retained(t, topics.MaxState))
	assert.True(t, e.fake.Subscribed(topics.MinSet))
	assert.True(t, e.fake.Subscribed(topics.MaxSet))

	var attrs map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(e.retained(t, topics.Attributes)), &attrs))
	assert.Equal(t, 25.0, attrs["temperature"])
	assert.Equal(t, 60.0, attrs["humidity"])
	assert.Equal(t, "high", attrs["status"])

	reading, err := e.manager.Reading(created.ID)
	require.NoError(t, err)
	require.NotNil(t, reading.VPD)
	assert.Equal(t, 1.27, *reading.VPD)
	assert.True(t, reading.Available)
}

func TestRecomputeOnStateChanges(t *testing.T) {
	e := newEnv(t, nil)
	e.tracker.Update(&hass.State{EntityID: "sensor.tent_temperature", State: "25"})
	e.tracker.Update(&hass.State{EntityID: "sensor.tent_humidity", State: "60"})

	created, err := e.manager.CreateEntry(context.Background(), tentData())
	require.NoError(t, err)
	topics := mqtt.NewTopics("vpd_calculator", "homeassistant", created.ID)

	e.set("sensor.tent_temperature", "30")
	assert.Equal(t, "1.7", e.retained(t, topics.State))

	// Same rounded value: nothing new on the state topic
	e.set("sensor.tent_temperature", "30.001")
	assert.Len(t, e.fake.On(topics.State), 2)

	e.set("sensor.tent_humidity", "unavailable")
	assert.Equal(t, "offline", e.retained(t, topics.Availability))
	assert.Equal(t, "1.7", e.retained(t, topics.State))
	assert.Len(t, e.fake.On(topics.Availability), 2)

	e.set("sensor.tent_humidity", "not-a-number")
	assert.Len(t, e.fake.On(topics.Availability), 2)

	e.set("sensor.tent_humidity", "60")
	e.set("sensor.tent_temperature", "25")
	assert.Equal(t, "online", e.retained(t, topics.Availability))
	assert.Equal(t, "1.27", e.retained(t, topics.State))

	readings, err := e.manager.History(created.ID, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(readings), 5)

	var changes int
	for _, ev := range e.events.ForEntry(created.ID, 0) {
		if ev.Type == events.EventAvailabilityChanged {
			changes++
		}
	}
	assert.Equal(t, 2, changes)
}

func TestFirstRecomputeAnnouncesOffline(t *testing.T) {
	e := newEnv(t, nil)

	created, err := e.manager.CreateEntry(context.Background(), tentData())
	require.NoError(t, err)
	topics := mqtt.NewTopics("vpd_calculator", "homeassistant", created.ID)

	assert.Equal(t, "offline", e.retained(t, topics.Availability))
	assert.Empty(t, e.fake.On(topics.State))

	reading, err := e.manager.Reading(created.ID)
	require.NoError(t, err)
	assert.Nil(t, reading.VPD)
	assert.False(t, reading.Available)
}

func TestThresholdCommands(t *testing.T) {
	e := newEnv(t, nil)
	created, err := e.manager.CreateEntry(context.Background(), tentData())
	require.NoError(t, err)
	topics := mqtt.NewTopics("vpd_calculator", "homeassistant", created.ID)

	e.fake.Deliver(topics.MinSet, "0.9")
	assert.Equal(t, "0.9", e.retained(t, topics.MinState))
	stored, err := e.entries.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.9, stored.Data.MinVPD)

	tests := []struct {
		name, topic, payload, state, want string
	}{
		{"not a number", topics.MinSet, "abc", topics.MinState, "0.9"},
		{"below range", topics.MinSet, "0.05", topics.MinState, "0.9"},
		{"below range before rounding", topics.MinSet, "0.095", topics.MinState, "0.9"},
		{"above range", topics.MaxSet, "3", topics.MaxState, "1.15"},
		{"min above max", topics.MinSet, "1.2", topics.MinState, "0.9"},
		{"max below min", topics.MaxSet, "0.9", topics.MaxState, "1.15"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(e.fake.On(tt.state))
			e.fake.Deliver(tt.topic, tt.payload)
			assert.Equal(t, tt.want, e.retained(t, tt.state))
			assert.Len(t, e.fake.On(tt.state), before+1)
		})
	}

	stored, err = e.entries.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.9, stored.Data.MinVPD)
	assert.Equal(t, 1.15, stored.Data.MaxVPD)

	e.fake.Deliver(topics.MaxSet, "1.4")
	assert.Equal(t, "1.4", e.retained(t, topics.MaxState))

	var rejected int
	for _, ev := range e.events.ForEntry(created.ID, 0) {
		if ev.Type == events.EventThresholdRejected {
			rejected++
		}
	}
	assert.Equal(t, len(tests), rejected)
}

func TestRemoveEntryClearsEverything(t *testing.T) {
	e := newEnv(t, nil)
	e.tracker.Update(&hass.State{EntityID: "sensor.tent_temperature", State: "25"})
	e.tracker.Update(&hass.State{EntityID: "sensor.tent_humidity", State: "60"})

	created, err := e.manager.CreateEntry(context.Background(), tentData())
	require.NoError(t, err)
	topics := mqtt.NewTopics("vpd_calculator", "homeassistant", created.ID)

	readings, unsubscribe := e.manager.SubscribeReadings(created.ID, 4)
	defer unsubscribe()

	require.NoError(t, e.manager.RemoveEntry(context.Background(), created.ID))

	for _, topic := range []string{
		topics.SensorConfig, topics.MinConfig, topics.MaxConfig,
		topics.Availability, topics.State, topics.Attributes,
		topics.MinState, topics.MaxState,
	} {
		_, ok := e.fake.Retained(topic)
		assert.False(t, ok, topic)
	}
	assert.False(t, e.fake.Subscribed(topics.MinSet))
	assert.Equal(t, 0, e.tracker.Listeners())

	_, err = e.manager.Get(created.ID)
	assert.ErrorIs(t, err, calculator.ErrEntryNotFound)
	assert.False(t, e.manager.Running(created.ID))

	_, open := <-readings
	assert.False(t, open)

	err = e.manager.RemoveEntry(context.Background(), created.ID)
	assert.ErrorIs(t, err, calculator.ErrEntryNotFound)
}

func TestUpdateEntryReloads(t *testing.T) {
	e := newEnv(t, nil)
	e.tracker.Update(&hass.State{EntityID: "sensor.tent_temperature", State: "25"})
	e.tracker.Update(&hass.State{EntityID: "sensor.tent_humidity", State: "60"})

	created, err := e.manager.CreateEntry(context.Background(), tentData())
	require.NoError(t, err)
	topics := mqtt.NewTopics("vpd_calculator", "homeassistant", created.ID)

	data := created.Data
	data.Name = "Veg tent"
	data.LeafDelta = -2
	data.CreateThresholds = false
	updated, err := e.manager.UpdateEntry(context.Background(), created.ID, data)
	require.NoError(t, err)
	assert.Equal(t, "Veg tent", updated.Title)

	assert.Equal(t, "0.91", e.retained(t, topics.State))
	_, ok := e.fake.Retained(topics.MinConfig)
	assert.False(t, ok)
	_, ok = e.fake.Retained(topics.MinState)
	assert.False(t, ok)
	assert.False(t, e.fake.Subscribed(topics.MinSet))
	assert.Equal(t, 1, e.tracker.Listeners())

	var sensor map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(e.retained(t, topics.SensorConfig)), &sensor))
	assert.Equal(t, "Veg tent", sensor["name"])

	_, err = e.manager.UpdateEntry(context.Background(), "missing", data)
	assert.ErrorIs(t, err, calculator.ErrEntryNotFound)
}

func TestTargetDevice(t *testing.T) {
	registry := fakeRegistry{ids: map[string][]string{"dev1": {"tent_sensor_1"}}}
	e := newEnv(t, registry)

	data := tentData()
	data.TargetDevice = "dev1"
	created, err := e.manager.CreateEntry(context.Background(), data)
	require.NoError(t, err)

	var sensor map[string]interface{}
	topics := mqtt.NewTopics("vpd_calculator", "homeassistant", created.ID)
	require.NoError(t, json.Unmarshal([]byte(e.retained(t, topics.SensorConfig)), &sensor))
	assert.Equal(t, map[string]interface{}{"identifiers": []interface{}{"tent_sensor_1"}}, sensor["device"])

	data.TargetDevice = "unknown"
	created, err = e.manager.CreateEntry(context.Background(), data)
	require.NoError(t, err)
	topics = mqtt.NewTopics("vpd_calculator", "homeassistant", created.ID)
	require.NoError(t, json.Unmarshal([]byte(e.retained(t, topics.SensorConfig)), &sensor))
	assert.Equal(t, map[string]interface{}{"identifiers": []interface{}{"unknown"}}, sensor["device"])
}

func TestLoadAllAndShutdown(t *testing.T) {
	e := newEnv(t, nil)
	first, err := e.entries.Create("", tentData())
	require.NoError(t, err)
	data := tentData()
	data.Name = "Clones"
	second, err := e.entries.Create("", data)
	require.NoError(t, err)

	require.NoError(t, e.manager.LoadAll(context.Background()))
	assert.True(t, e.manager.Running(first.ID))
	assert.True(t, e.manager.Running(second.ID))
	assert.Equal(t, 2, e.tracker.Listeners())

	require.NoError(t, e.manager.Shutdown())
	topics := mqtt.NewTopics("vpd_calculator", "homeassistant", first.ID)
	assert.Equal(t, "offline", e.retained(t, topics.Availability))
	_, ok := e.fake.Retained(topics.SensorConfig)
	assert.True(t, ok, "discovery must survive a shutdown")
	assert.Equal(t, 0, e.tracker.Listeners())
}

func TestLoadAllFailsWhenBrokerRejects(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.entries.Create("", tentData())
	require.NoError(t, err)

	e.fake.Fail(true)
	err = e.manager.LoadAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, e.tracker.Listeners())
}

func TestCreateEntryRollsBack(t *testing.T) {
	e := newEnv(t, nil)
	e.fake.Fail(true)

	_, err := e.manager.CreateEntry(context.Background(), tentData())
	require.Error(t, err)

	entries, err := e.manager.List()
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = e.manager.CreateEntry(context.Background(), entry.Data{Name: "bad"})
	assert.True(t, errors.Is(err, entry.ErrInvalid))
}

func TestSubscribeReadings(t *testing.T) {
	e := newEnv(t, nil)
	created, err := e.manager.CreateEntry(context.Background(), tentData())
	require.NoError(t, err)

	readings, unsubscribe := e.manager.SubscribeReadings(created.ID, 4)
	all, unsubscribeAll := e.manager.SubscribeReadings("", 4)
	defer unsubscribeAll()

	e.set("sensor.tent_temperature", "25")
	e.set("sensor.tent_humidity", "50")

	select {
	case r := <-readings:
		assert.Equal(t, created.ID, r.EntryID)
		assert.False(t, r.Available)
	case <-time.After(time.Second):
		t.Fatal("no reading delivered")
	}
	r := <-readings
	require.NotNil(t, r.VPD)
	assert.Equal(t, 1.58, *r.VPD)
	assert.Len(t, all, 2)

	unsubscribe()
	unsubscribe()
	_, open := <-readings
	assert.False(t, open)
}

func TestCleanupStale(t *testing.T) {
	e := newEnv(t, nil)
	created, err := e.manager.CreateEntry(context.Background(), tentData())
	require.NoError(t, err)

	// Discovery left behind by an entry deleted while the daemon was down
	require.NoError(t, e.deps.Discovery.Publish("deadbeef", "homeassistant/sensor/deadbeef/config", map[string]string{}))

	cleaned, err := e.manager.CleanupStale()
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	_, ok := e.fake.Retained("homeassistant/sensor/deadbeef/config")
	assert.False(t, ok)
	_, ok = e.fake.Retained(mqtt.NewTopics("vpd_calculator", "homeassistant", created.ID).SensorConfig)
	assert.True(t, ok)
}

func TestRepublishAll(t *testing.T) {
	e := newEnv(t, nil)
	e.tracker.Update(&hass.State{EntityID: "sensor.tent_temperature", State: "25"})
	e.tracker.Update(&hass.State{EntityID: "sensor.tent_humidity", State: "60"})
	created, err := e.manager.CreateEntry(context.Background(), tentData())
	require.NoError(t, err)
	topics := mqtt.NewTopics("vpd_calculator", "homeassistant", created.ID)

	e.fake.Reset()
	e.manager.RepublishAll()

	assert.Len(t, e.fake.On(topics.Availability), 1)
	assert.Len(t, e.fake.On(topics.State), 1)
	assert.Len(t, e.fake.On(topics.MinState), 1)
}

func TestSuggestedDashboard(t *testing.T) {
	e := newEnv(t, nil)
	created, err := e.manager.CreateEntry(context.Background(), tentData())
	require.NoError(t, err)

	d, err := e.manager.SuggestedDashboard(created.ID)
	require.NoError(t, err)
	require.NotNil(t, d)

	sensor := "sensor.vpd_calculator_" + created.ID + "_vpd_mqtt"
	minNumber := "number.vpd_calculator_" + created.ID + "_vpd_min_mqtt"
	maxNumber := "number.vpd_calculator_" + created.ID + "_vpd_max_mqtt"

	assert.Equal(t, []string{sensor, minNumber, maxNumber}, d.Entities)
	assert.Equal(t, "gauge", d.Config.Type)
	assert.Equal(t, "Tent", d.Config.Name)
	assert.Equal(t, sensor, d.Config.Entity)
	assert.Equal(t, "kPa", d.Config.Unit)
	assert.Equal(t, 0.2, d.Config.Min)
	assert.Equal(t, 2.0, d.Config.Max)
	assert.Equal(t, maxNumber, d.Config.Severity.Red)
	assert.Equal(t, minNumber, d.Config.Severity.Green)
	assert.Equal(t, 0.0, d.Config.Severity.Yellow)

	data := tentData()
	data.CreateThresholds = false
	plain, err := e.manager.CreateEntry(context.Background(), data)
	require.NoError(t, err)
	d, err = e.manager.SuggestedDashboard(plain.ID)
	require.NoError(t, err)
	assert.Nil(t, d)

	_, err = e.manager.SuggestedDashboard("missing")
	assert.ErrorIs(t, err, calculator.ErrEntryNotFound)
}

func TestStalledHistorySinkDoesNotBlockDispatch(t *testing.T) {
	e := newEnv(t, nil)
	deps := e.deps
	sink := stalledRecorder{release: make(chan struct{})}
	queue := history.NewQueue(history.NewMulti(deps.Metrics, nil, e.history, sink), 8, deps.Metrics, nil)
	deps.Recorder = queue
	manager := calculator.NewManager(deps)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		queue.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		close(sink.release)
		cancel()
		<-done
	})

	e.tracker.Update(&hass.State{EntityID: "sensor.tent_temperature", State: "25"})
	e.tracker.Update(&hass.State{EntityID: "sensor.tent_humidity", State: "60"})
	created, err := manager.CreateEntry(context.Background(), tentData())
	require.NoError(t, err)
	topics := mqtt.NewTopics("vpd_calculator", "homeassistant", created.ID)

	start := time.Now()
	for _, v := range []string{"61", "62", "63"} {
		e.set("sensor.tent_humidity", v)
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "1.17", e.retained(t, topics.State))
}

func TestConcurrentReloadsKeepOnePublisher(t *testing.T) {
	e := newEnv(t, slowRegistry{delay: 20 * time.Millisecond})
	data := tentData()
	data.TargetDevice = "dev1"
	created, err := e.manager.CreateEntry(context.Background(), data)
	require.NoError(t, err)
	topics := mqtt.NewTopics("vpd_calculator", "homeassistant", created.ID)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := data
			d.LeafDelta = -float64(i)
			_, err := e.manager.UpdateEntry(context.Background(), created.ID, d)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, e.tracker.Listeners())
	assert.True(t, e.manager.Running(created.ID))

	before := len(e.fake.On(topics.MinState))
	e.fake.Deliver(topics.MinSet, "0.9")
	assert.Len(t, e.fake.On(topics.MinState), before+1)
}

func TestRemoveRacingUpdateLeavesNoPublisher(t *testing.T) {
	e := newEnv(t, slowRegistry{delay: 20 * time.Millisecond})
	data := tentData()
	data.TargetDevice = "dev1"
	created, err := e.manager.CreateEntry(context.Background(), data)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := e.manager.UpdateEntry(context.Background(), created.ID, data)
		if err != nil {
			assert.ErrorIs(t, err, calculator.ErrEntryNotFound)
		}
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, e.manager.RemoveEntry(context.Background(), created.ID))
	}()
	wg.Wait()

	assert.Equal(t, 0, e.tracker.Listeners())
	assert.False(t, e.manager.Running(created.ID))
}

func TestRenameDropsOldMetricSeries(t *testing.T) {
	e := newEnv(t, nil)
	e.tracker.Update(&hass.State{EntityID: "sensor.tent_temperature", State: "25"})
	e.tracker.Update(&hass.State{EntityID: "sensor.tent_humidity", State: "60"})
	created, err := e.manager.CreateEntry(context.Background(), tentData())
	require.NoError(t, err)

	data := created.Data
	data.Name = "Veg tent"
	_, err = e.manager.UpdateEntry(context.Background(), created.ID, data)
	require.NoError(t, err)

	families, err := e.deps.Metrics.Registry().Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		if f.GetName() != "vpdcalc_reading_vpd_kilopascals" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "name" {
					names = append(names, l.GetValue())
				}
			}
		}
	}
	assert.Equal(t, []string{"Veg tent"}, names)
}
