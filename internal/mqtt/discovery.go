package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"vpdcalc/internal/metrics"
	"vpdcalc/internal/storage"
	"vpdcalc/internal/task"
)

// discoveryQoS is used for discovery configs
const discoveryQoS = 1

// DefaultRepublishDelay is how long to wait after a Home Assistant birth
// message before republishing discovery, so HA has subscribed again.
const DefaultRepublishDelay = 5 * time.Second

// DiscoveryManager manages Home Assistant MQTT Discovery
type DiscoveryManager struct {
	messenger Messenger
	logger    *log.Logger
	storage   storage.Storage
	metrics   *metrics.Metrics

	// Cache of published discovery configs, keyed by topic
	configs map[string][]byte
	mu      sync.RWMutex
}

// NewDiscoveryManager creates a new DiscoveryManager instance.
// Published topics are recorded per entry in the discovery namespace of store.
func NewDiscoveryManager(messenger Messenger, store storage.Storage, m *metrics.Metrics, logger *log.Logger) *DiscoveryManager {
	return &DiscoveryManager{
		messenger: messenger,
		logger:    logger,
		storage:   store,
		metrics:   m,
		configs:   make(map[string][]byte),
	}
}

// Publish marshals cfg, publishes it retained on topic and records the topic for entryID
func (d *DiscoveryManager) Publish(entryID, topic string, cfg interface{}) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal discovery config: %w", err)
	}

	err = d.messenger.PublishRaw(topic, discoveryQoS, true, payload)
	d.metrics.IncPublish("discovery", err)
	if err != nil {
		return fmt.Errorf("failed to publish discovery to %s: %w", topic, err)
	}

	d.mu.Lock()
	d.configs[topic] = payload
	d.mu.Unlock()

	if err := d.record(entryID, topic, true); err != nil && d.logger != nil {
		d.logger.Printf("[Discovery] Failed to record %s: %v", topic, err)
	}

	if d.logger != nil {
		d.logger.Printf("[%s] Published discovery config to %s", entryID, topic)
	}
	return nil
}

// Cached returns the last payload published on topic
func (d *DiscoveryManager) Cached(topic string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	payload, ok := d.configs[topic]
	return payload, ok
}

// Clear publishes an empty retained config on each topic, which removes the
// entity from Home Assistant and the retained message from the broker
func (d *DiscoveryManager) Clear(entryID string, topics ...string) error {
	var errs []error
	for _, topic := range topics {
		err := d.messenger.PublishRaw(topic, discoveryQoS, true, "")
		d.metrics.IncPublish("discovery_clear", err)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to clear discovery %s: %w", topic, err))
			continue
		}

		d.mu.Lock()
		delete(d.configs, topic)
		d.mu.Unlock()

		if err := d.record(entryID, topic, false); err != nil {
			errs = append(errs, err)
		}

		if d.logger != nil {
			d.logger.Printf("[%s] Cleared discovery config %s", entryID, topic)
		}
	}
	return errors.Join(errs...)
}

// Remove clears every discovery topic recorded for entryID
func (d *DiscoveryManager) Remove(entryID string) error {
	topics, err := d.Topics(entryID)
	if err != nil {
		return err
	}
	if err := d.Clear(entryID, topics...); err != nil {
		return err
	}
	return d.storage.Delete(storage.NamespaceDiscovery, entryID)
}

// Topics returns the discovery topics recorded for entryID
func (d *DiscoveryManager) Topics(entryID string) ([]string, error) {
	var topics []string
	err := d.storage.GetJSON(storage.NamespaceDiscovery, entryID, &topics)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load discovery record for %s: %w", entryID, err)
	}
	return topics, nil
}

// CleanupStale clears the discovery topics of every recorded entry for which
// keep returns false. It returns the number of cleaned entries.
func (d *DiscoveryManager) CleanupStale(keep func(entryID string) bool) (int, error) {
	records, err := d.storage.List(storage.NamespaceDiscovery)
	if err != nil {
		return 0, fmt.Errorf("failed to list discovery records: %w", err)
	}

	var errs []error
	cleaned := 0
	for entryID := range records {
		if keep(entryID) {
			continue
		}
		if err := d.Remove(entryID); err != nil {
			errs = append(errs, err)
			continue
		}
		cleaned++
		if d.logger != nil {
			d.logger.Printf("[Discovery] Removed stale discovery of entry %s", entryID)
		}
	}
	return cleaned, errors.Join(errs...)
}

// RepublishAll publishes every cached config again
func (d *DiscoveryManager) RepublishAll() error {
	d.mu.RLock()
	payloads := make(map[string][]byte, len(d.configs))
	for topic, payload := range d.configs {
		payloads[topic] = payload
	}
	d.mu.RUnlock()

	var errs []error
	for topic, payload := range payloads {
		err := d.messenger.PublishRaw(topic, discoveryQoS, true, payload)
		d.metrics.IncPublish("discovery", err)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to republish %s: %w", topic, err))
		}
	}

	if d.logger != nil {
		d.logger.Printf("[Discovery] Republished %d discovery configs", len(payloads)-len(errs))
	}
	return errors.Join(errs...)
}

// WatchHAStatus republishes discovery after delay whenever Home Assistant
// announces "online" on its status topic. It stops reacting when ctx is done.
func (d *DiscoveryManager) WatchHAStatus(ctx context.Context, discoveryPrefix string, delay time.Duration, after func()) error {
	return d.messenger.Subscribe(HAStatusTopic(discoveryPrefix), 1, func(_ string, payload []byte) {
		if string(payload) != PayloadOnline || ctx.Err() != nil {
			return
		}
		if d.logger != nil {
			d.logger.Printf("[Discovery] Home Assistant is online, republishing in %s", delay)
		}
		go task.RunOnce(ctx, delay, d.logger, "Discovery", func(context.Context) error {
			err := d.RepublishAll()
			if after != nil {
				after()
			}
			return err
		})
	})
}

// record adds or removes topic in the stored topic list of entryID
func (d *DiscoveryManager) record(entryID, topic string, add bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var topics []string
	err := d.storage.GetJSON(storage.NamespaceDiscovery, entryID, &topics)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	set := make(map[string]struct{}, len(topics)+1)
	for _, t := range topics {
		set[t] = struct{}{}
	}
	if add {
		set[topic] = struct{}{}
	} else {
		delete(set, topic)
	}

	if len(set) == 0 {
		return d.storage.Delete(storage.NamespaceDiscovery, entryID)
	}

	topics = topics[:0]
	for t := range set {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return d.storage.SetJSON(storage.NamespaceDiscovery, entryID, topics)
}
