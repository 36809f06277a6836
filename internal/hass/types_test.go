package hass

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNumeric(t *testing.T) {
	tests := []struct {
		name    string
		state   *State
		want    float64
		ok      bool
		wantErr bool
	}{
		{"missing", nil, 0, false, false},
		{"empty", &State{EntityID: "sensor.t", State: ""}, 0, false, false},
		{"unknown", &State{EntityID: "sensor.t", State: "unknown"}, 0, false, false},
		{"unavailable", &State{EntityID: "sensor.t", State: "unavailable"}, 0, false, false},
		{"number", &State{EntityID: "sensor.t", State: "24.5"}, 24.5, true, false},
		{"padded", &State{EntityID: "sensor.t", State: " 60 "}, 60, true, false},
		{"negative", &State{EntityID: "sensor.t", State: "-3.2"}, -3.2, true, false},
		{"garbage", &State{EntityID: "sensor.t", State: "warm"}, 0, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := ParseNumeric(tt.state)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestStateHelpers(t *testing.T) {
	s := &State{
		EntityID:   "sensor.tent_temperature",
		Attributes: map[string]interface{}{"device_class": "temperature"},
	}
	assert.Equal(t, "sensor", s.Domain())
	assert.Equal(t, "temperature", s.DeviceClass())

	var missing *State
	assert.Empty(t, missing.Domain())
	assert.Empty(t, missing.DeviceClass())
}
