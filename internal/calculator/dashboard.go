package calculator

import "vpdcalc/internal/entry"

// Gauge bounds of the suggested card
const (
	gaugeMin = 0.2
	gaugeMax = 2.0
)

// Severity colours the gauge. Red and green point at the threshold entities.
type Severity struct {
	Red    string  `json:"red"`
	Green  string  `json:"green"`
	Yellow float64 `json:"yellow"`
}

// GaugeCard is a Lovelace gauge card
type GaugeCard struct {
	Type     string   `json:"type"`
	Name     string   `json:"name"`
	Entity   string   `json:"entity"`
	Unit     string   `json:"unit"`
	Min      float64  `json:"min"`
	Max      float64  `json:"max"`
	Severity Severity `json:"severity"`
}

// Dashboard is a suggested card plus the entities it uses
type Dashboard struct {
	Entities []string  `json:"entities"`
	Config   GaugeCard `json:"config"`
}

// EntityIDs returns the Home Assistant entity ids of an entry's sensor and
// threshold numbers. They are fixed through object_id in discovery.
func EntityIDs(entryID string) (sensor, minNumber, maxNumber string) {
	return "sensor." + ObjectID(entryID, ""),
		"number." + ObjectID(entryID, "_"+boundMin),
		"number." + ObjectID(entryID, "_"+boundMax)
}

// SuggestedDashboard returns a gauge card for e, or nil when the entry has
// no threshold entities
func SuggestedDashboard(e *entry.Entry) *Dashboard {
	if !e.Data.CreateThresholds {
		return nil
	}

	sensor, minNumber, maxNumber := EntityIDs(e.ID)
	name := e.Data.Name
	if name == "" {
		name = "VPD"
	}

	return &Dashboard{
		Entities: []string{sensor, minNumber, maxNumber},
		Config: GaugeCard{
			Type:   "gauge",
			Name:   name,
			Entity: sensor,
			Unit:   UnitKPa,
			Min:    gaugeMin,
			Max:    gaugeMax,
			Severity: Severity{
				Red:   maxNumber,
				Green: minNumber,
			},
		},
	}
}

// SuggestedDashboard returns the gauge card of a stored entry
func (m *Manager) SuggestedDashboard(id string) (*Dashboard, error) {
	e, err := m.deps.Entries.Get(id)
	if err != nil {
		return nil, err
	}
	return SuggestedDashboard(e), nil
}
