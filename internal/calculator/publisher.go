// Package calculator runs one VPD publisher per configuration entry.
//
// A publisher listens to the temperature and humidity sensors of its entry,
// recomputes the VPD on every change and republishes it to Home Assistant
// through MQTT discovery. When thresholds are enabled it also exposes two
// number entities that can be set remotely.
package calculator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"vpdcalc/internal/entry"
	"vpdcalc/internal/events"
	"vpdcalc/internal/hass"
	"vpdcalc/internal/history"
	"vpdcalc/internal/metrics"
	"vpdcalc/internal/mqtt"
	"vpdcalc/internal/vpd"
)

// Identity of the calculator in Home Assistant
const (
	Domain       = "vpd_calculator"
	DeviceModel  = "VPD Calculator v1.0"
	Manufacturer = "vpdcalc"
	UnitKPa      = "kPa"
)

const (
	boundMin = "min"
	boundMax = "max"
)

// Deps are the collaborators shared by every publisher
type Deps struct {
	Messenger mqtt.Messenger
	Discovery *mqtt.DiscoveryManager
	Source    hass.StateSource
	Registry  hass.DeviceRegistry
	Entries   *entry.Store
	Recorder  history.Recorder
	History   *history.BoltRecorder
	Metrics   *metrics.Metrics
	Events    *events.Store
	Logger    *log.Logger

	Prefix          string
	DiscoveryPrefix string
}

// Publisher computes and publishes the VPD of one entry
type Publisher struct {
	deps   *Deps
	topics mqtt.Topics
	out    *mqtt.Publisher
	notify func(history.Reading)

	mu        sync.Mutex
	entry     entry.Entry
	device    *mqtt.DeviceInfo
	temp      *float64
	hum       *float64
	value     *float64
	available bool
	announced bool
	updatedAt time.Time

	// stateFailed retries the state message on the next recompute
	stateFailed bool

	removeListener func()
	subscribed     []string
	stopped        bool
}

// NewPublisher creates a publisher for e. notify receives every new reading.
func NewPublisher(deps *Deps, e entry.Entry, notify func(history.Reading)) *Publisher {
	return &Publisher{
		deps:   deps,
		topics: mqtt.NewTopics(deps.Prefix, deps.DiscoveryPrefix, e.ID),
		out:    mqtt.NewPublisher(deps.Messenger, deps.Metrics, deps.Logger),
		notify: notify,
		entry:  e,
	}
}

// Topics returns the MQTT topics of the entry
func (p *Publisher) Topics() mqtt.Topics {
	return p.topics
}

// Entry returns a copy of the entry as last persisted
func (p *Publisher) Entry() entry.Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entry
}

func (p *Publisher) logf(format string, args ...interface{}) {
	if p.deps.Logger != nil {
		p.deps.Logger.Printf("[%s] "+format, append([]interface{}{p.entry.ID}, args...)...)
	}
}

// Setup announces the entities, starts listening and publishes the first reading
func (p *Publisher) Setup(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	data := p.entry.Data
	p.device = p.resolveDevice(ctx)

	if err := p.deps.Discovery.Publish(p.entry.ID, p.topics.SensorConfig, p.sensorConfig()); err != nil {
		return err
	}

	if data.CreateThresholds {
		if err := p.setupThresholds(); err != nil {
			p.detach()
			return err
		}
	}

	sensors := []string{data.TempSensor, data.HumiditySensor}
	p.removeListener = p.deps.Source.TrackStateChange(sensors, p.handleStateChange)

	if s, ok := p.deps.Source.State(data.TempSensor); ok {
		p.temp = p.parse(s)
	}
	if s, ok := p.deps.Source.State(data.HumiditySensor); ok {
		p.hum = p.parse(s)
	}

	p.recompute()
	p.logf("Setup complete, sensor %s configured", p.uniqueID(""))
	return nil
}

// resolveDevice returns the device block of the discovery payloads.
// The target device's registry identifiers are preferred, then its raw id,
// then a virtual device for this calculator.
func (p *Publisher) resolveDevice(ctx context.Context) *mqtt.DeviceInfo {
	data := p.entry.Data
	if data.TargetDevice == "" {
		return &mqtt.DeviceInfo{
			Identifiers:  []string{Domain + "_" + p.entry.ID},
			Name:         fmt.Sprintf("VPD Calculator (%s)", data.Name),
			Model:        DeviceModel,
			Manufacturer: Manufacturer,
		}
	}

	if p.deps.Registry != nil {
		ids, err := p.deps.Registry.DeviceIdentifiers(ctx, data.TargetDevice)
		if err == nil && len(ids) > 0 {
			return &mqtt.DeviceInfo{Identifiers: ids}
		}
		switch {
		case err != nil:
			p.logf("Could not look up target device %s: %v", data.TargetDevice, err)
		default:
			p.logf("Target device %s has no usable identifiers", data.TargetDevice)
		}
	}
	return &mqtt.DeviceInfo{Identifiers: []string{data.TargetDevice}}
}

func (p *Publisher) uniqueID(suffix string) string {
	return p.entry.ID + "_vpd" + suffix + "_mqtt"
}

// ObjectID pins the Home Assistant entity id of an entry's entities
func ObjectID(entryID, suffix string) string {
	return Domain + "_" + entryID + "_vpd" + suffix + "_mqtt"
}

func (p *Publisher) sensorConfig() mqtt.SensorConfig {
	enabled := true
	return mqtt.SensorConfig{
		EntityConfig: mqtt.EntityConfig{
			Name:                p.entry.Data.Name,
			UniqueID:            p.uniqueID(""),
			ObjectID:            ObjectID(p.entry.ID, ""),
			StateTopic:          p.topics.State,
			JSONAttributesTopic: p.topics.Attributes,
			Availability:        p.availability(p.topics.Bridge, p.topics.Availability),
			AvailabilityMode:    mqtt.AvailabilityAll,
			DeviceClass:         "pressure",
			UnitOfMeasurement:   UnitKPa,
			EnabledByDefault:    &enabled,
			Device:              p.device,
		},
		StateClass:    "measurement",
		ValueTemplate: "{{ value }}",
	}
}

// availability lists topics carrying online/offline. The bridge topic goes
// offline through the broker's last will when the process dies. Thresholds
// stay settable while the sensors are unavailable, so numbers only follow
// the bridge.
func (p *Publisher) availability(topics ...string) []mqtt.Availability {
	out := make([]mqtt.Availability, 0, len(topics))
	for _, t := range topics {
		out = append(out, mqtt.Availability{
			Topic:               t,
			PayloadAvailable:    mqtt.PayloadOnline,
			PayloadNotAvailable: mqtt.PayloadOffline,
		})
	}
	return out
}

func (p *Publisher) numberConfig(bound string) mqtt.NumberConfig {
	state, command, label, icon := p.topics.MinState, p.topics.MinSet, "Min VPD", "mdi:arrow-collapse-down"
	if bound == boundMax {
		state, command, label, icon = p.topics.MaxState, p.topics.MaxSet, "Max VPD", "mdi:arrow-collapse-up"
	}

	return mqtt.NumberConfig{
		EntityConfig: mqtt.EntityConfig{
			Name:              p.entry.Data.Name + " " + label,
			UniqueID:          p.uniqueID("_" + bound),
			ObjectID:          ObjectID(p.entry.ID, "_"+bound),
			StateTopic:        state,
			Availability:      p.availability(p.topics.Bridge),
			AvailabilityMode:  mqtt.AvailabilityAll,
			UnitOfMeasurement: UnitKPa,
			Icon:              icon,
			EntityCategory:    "config",
			Device:            p.device,
		},
		CommandTopic: command,
		Min:          entry.ThresholdMinLimit,
		Max:          entry.ThresholdMaxLimit,
		Step:         entry.ThresholdStep,
		Mode:         "box",
	}
}

// setupThresholds must be called with p.mu held
func (p *Publisher) setupThresholds() error {
	id := p.entry.ID
	if err := p.deps.Discovery.Publish(id, p.topics.MinConfig, p.numberConfig(boundMin)); err != nil {
		return err
	}
	if err := p.deps.Discovery.Publish(id, p.topics.MaxConfig, p.numberConfig(boundMax)); err != nil {
		return err
	}

	p.publishThresholds()

	commands := []struct{ topic, bound string }{
		{p.topics.MinSet, boundMin},
		{p.topics.MaxSet, boundMax},
	}
	for _, c := range commands {
		if err := p.deps.Messenger.Subscribe(c.topic, 1, p.handleThreshold(c.bound)); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", c.topic, err)
		}
		p.subscribed = append(p.subscribed, c.topic)
	}
	return nil
}

func (p *Publisher) publishThresholds() {
	data := p.entry.Data
	p.out.PublishNumber("threshold", p.topics.MinState, data.MinVPD)
	p.out.PublishNumber("threshold", p.topics.MaxState, data.MaxVPD)
	p.deps.Metrics.SetThresholds(p.entry.ID, data.MinVPD, data.MaxVPD)
}

// parse logs and drops states that are not numbers
func (p *Publisher) parse(s *hass.State) *float64 {
	v, ok, err := hass.ParseNumeric(s)
	if err != nil {
		p.logf("Warning: %v", err)
		return nil
	}
	if !ok {
		return nil
	}
	return &v
}

func (p *Publisher) handleStateChange(event hass.StateChangedEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}

	value := p.parse(event.NewState)
	switch event.EntityID {
	case p.entry.Data.TempSensor:
		p.temp = value
	case p.entry.Data.HumiditySensor:
		p.hum = value
	default:
		return
	}
	p.recompute()
}

// recompute must be called with p.mu held
func (p *Publisher) recompute() {
	oldAvailable, oldValue := p.available, p.value

	var value *float64
	available := false
	if p.temp != nil && p.hum != nil {
		v, err := vpd.Compute(*p.temp, *p.hum, p.entry.Data.LeafDelta)
		if err != nil {
			p.logf("Error calculating VPD from %v and %v: %v", *p.temp, *p.hum, err)
		} else {
			value = &v
			available = true
		}
	}
	p.value, p.available = value, available
	p.updatedAt = time.Now().UTC()

	wasAnnounced := p.announced
	availabilityChanged := !wasAnnounced || oldAvailable != available
	valueChanged := !sameValue(oldValue, value)

	if availabilityChanged {
		if err := p.out.PublishAvailability(p.topics.Availability, available); err == nil {
			p.announced = true
		}
		if wasAnnounced {
			p.deps.Events.Record(events.EventAvailabilityChanged, p.entry.ID, available, availabilityLabel(available))
		}
	}

	if available && (valueChanged || p.stateFailed) {
		err := p.out.PublishNumber("state", p.topics.State, *value)
		p.stateFailed = err != nil
		p.deps.Metrics.IncStateChange(p.entry.ID)
	}

	if valueChanged || availabilityChanged {
		p.out.PublishJSON("attributes", p.topics.Attributes, p.attributes())
	}

	reading := p.reading()
	p.deps.Metrics.ObserveReading(p.entry.ID, p.entry.Data.Name, p.temp, p.hum, value, available)

	// Recorder runs on the dispatch path; main wraps slow sinks in a history.Queue
	if p.deps.Recorder != nil {
		if err := p.deps.Recorder.Record(context.Background(), reading); err != nil {
			p.logf("Failed to record reading: %v", err)
		}
	}

	if p.notify != nil {
		p.notify(reading)
	}
}

func availabilityLabel(available bool) string {
	if available {
		return mqtt.PayloadOnline
	}
	return mqtt.PayloadOffline
}

func sameValue(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// attributes is the JSON published on the attributes topic
func (p *Publisher) attributes() map[string]interface{} {
	data := p.entry.Data
	attrs := map[string]interface{}{
		"temperature_sensor": data.TempSensor,
		"humidity_sensor":    data.HumiditySensor,
		"leaf_delta":         data.LeafDelta,
	}
	if p.temp != nil {
		attrs["temperature"] = *p.temp
		attrs["leaf_temperature"] = vpd.Round(vpd.LeafTemperature(*p.temp, data.LeafDelta))
	}
	if p.hum != nil {
		attrs["humidity"] = *p.hum
	}
	if data.CreateThresholds {
		attrs["min_vpd"] = data.MinVPD
		attrs["max_vpd"] = data.MaxVPD
		if p.value != nil {
			attrs["status"] = string(vpd.Classify(*p.value, data.MinVPD, data.MaxVPD))
		}
	}
	return attrs
}

// reading must be called with p.mu held
func (p *Publisher) reading() history.Reading {
	data := p.entry.Data
	r := history.Reading{
		EntryID:     p.entry.ID,
		Name:        data.Name,
		Timestamp:   p.updatedAt,
		Temperature: copyValue(p.temp),
		Humidity:    copyValue(p.hum),
		LeafDelta:   data.LeafDelta,
		VPD:         copyValue(p.value),
		Available:   p.available,
	}
	if data.CreateThresholds {
		r.MinVPD, r.MaxVPD = data.MinVPD, data.MaxVPD
		if p.value != nil {
			r.Status = string(vpd.Classify(*p.value, data.MinVPD, data.MaxVPD))
		}
	}
	return r
}

func copyValue(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Reading returns the current reading
func (p *Publisher) Reading() history.Reading {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reading()
}

// handleThreshold returns the command handler of the min or max number
func (p *Publisher) handleThreshold(bound string) mqtt.MessageHandler {
	return func(_ string, payload []byte) {
		p.mu.Lock()
		defer p.mu.Unlock()

		if p.stopped {
			return
		}

		raw := strings.TrimSpace(string(payload))
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			p.rejectThreshold(bound, fmt.Sprintf("%q is not a number", raw))
			return
		}
		if !entry.InThresholdRange(v) {
			p.rejectThreshold(bound, fmt.Sprintf("%v is outside [%v, %v]", v, entry.ThresholdMinLimit, entry.ThresholdMaxLimit))
			return
		}
		v = vpd.Round(v)

		updated, err := p.deps.Entries.Update(p.entry.ID, func(d *entry.Data) error {
			if bound == boundMin {
				d.MinVPD = v
			} else {
				d.MaxVPD = v
			}
			return nil
		})
		if err != nil {
			p.rejectThreshold(bound, err.Error())
			return
		}

		p.entry = *updated
		p.publishThresholds()
		p.out.PublishJSON("attributes", p.topics.Attributes, p.attributes())
		p.deps.Metrics.IncThresholdCommand(p.entry.ID, true)
		p.deps.Events.Record(events.EventThresholdChanged, p.entry.ID, true, fmt.Sprintf("%s_vpd=%v", bound, v))
		p.logf("Set %s_vpd to %v", bound, v)
	}
}

// rejectThreshold restores the retained value the command tried to replace
func (p *Publisher) rejectThreshold(bound, reason string) {
	topic, current := p.topics.MinState, p.entry.Data.MinVPD
	if bound == boundMax {
		topic, current = p.topics.MaxState, p.entry.Data.MaxVPD
	}
	p.out.PublishNumber("threshold", topic, current)

	p.deps.Metrics.IncThresholdCommand(p.entry.ID, false)
	p.deps.Events.Record(events.EventThresholdRejected, p.entry.ID, false, fmt.Sprintf("%s_vpd: %s", bound, reason))
	p.logf("Rejected %s_vpd command: %s", bound, reason)
}

// detach stops listening. It must be called with p.mu held.
func (p *Publisher) detach() error {
	p.stopped = true
	if p.removeListener != nil {
		p.removeListener()
		p.removeListener = nil
	}
	if len(p.subscribed) == 0 {
		return nil
	}
	err := p.deps.Messenger.Unsubscribe(p.subscribed...)
	p.subscribed = nil
	return err
}

// Stop detaches the publisher and leaves everything it published in place
func (p *Publisher) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.detach()
}

// Shutdown marks the entry offline and detaches. Discovery stays retained
// so Home Assistant keeps the entities across restarts.
func (p *Publisher) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.detach()
	if pubErr := p.out.PublishAvailability(p.topics.Availability, false); pubErr != nil {
		err = errors.Join(err, pubErr)
	}
	p.logf("Shut down")
	return err
}

// Unload detaches and removes every retained message of the entry,
// which deletes its entities from Home Assistant
func (p *Publisher) Unload() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	errs := []error{p.detach()}
	errs = append(errs, p.deps.Discovery.Remove(p.entry.ID))

	retained := []string{p.topics.Availability, p.topics.State, p.topics.Attributes}
	if p.entry.Data.CreateThresholds {
		retained = append(retained, p.topics.MinState, p.topics.MaxState)
	}
	errs = append(errs, p.out.ClearRetained(retained...))

	p.deps.Metrics.ForgetEntry(p.entry.ID)
	p.logf("Unload complete")
	return errors.Join(errs...)
}

// Republish forces every state message out again
func (p *Publisher) Republish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	p.out.PublishAvailability(p.topics.Availability, p.available)
	if p.available && p.value != nil {
		p.out.PublishNumber("state", p.topics.State, *p.value)
	}
	p.out.PublishJSON("attributes", p.topics.Attributes, p.attributes())
	if p.entry.Data.CreateThresholds {
		p.publishThresholds()
	}
}
