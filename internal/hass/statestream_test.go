package hass

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpdcalc/internal/mqtt/mqtttest"
)

func TestStatestream(t *testing.T) {
	fake := mqtttest.NewMessenger()
	s := NewStatestream(fake, "homeassistant_states/", nil)
	assert.False(t, s.Connected())
	require.NoError(t, s.Start())
	assert.True(t, s.Connected())
	assert.True(t, fake.Subscribed("homeassistant_states/+/+/state"))
	assert.True(t, fake.Subscribed("homeassistant_states/+/+/device_class"))

	var got []StateChangedEvent
	s.TrackStateChange([]string{"sensor.tent_temp"}, func(e StateChangedEvent) { got = append(got, e) })

	fake.Deliver("homeassistant_states/sensor/tent_temp/device_class", `"temperature"`)
	fake.Deliver("homeassistant_states/sensor/tent_temp/state", "24.5")
	fake.Deliver("homeassistant_states/sensor/tent_temp/unit_of_measurement", `"°C"`)
	fake.Deliver("other/sensor/tent_temp/state", "99")

	require.Len(t, got, 1)
	assert.Equal(t, "24.5", got[0].NewState.State)
	assert.Equal(t, "temperature", got[0].NewState.DeviceClass())

	fake.Deliver("homeassistant_states/sensor/tent_hum/state", "61")
	st, ok := s.State("sensor.tent_hum")
	require.True(t, ok)
	assert.Equal(t, "61", st.State)

	// device_class arriving later updates the cached state
	fake.Deliver("homeassistant_states/sensor/tent_hum/device_class", "humidity")
	st, _ = s.State("sensor.tent_hum")
	assert.Equal(t, "humidity", st.DeviceClass())

	fake.Deliver("homeassistant_states/sensor/tent_temp/state", "")
	require.Len(t, got, 2)
	assert.Nil(t, got[1].NewState)

	require.NoError(t, s.Stop())
	assert.False(t, s.Connected())
	assert.False(t, fake.Subscribed("homeassistant_states/+/+/state"))
}
