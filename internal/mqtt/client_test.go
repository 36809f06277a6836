package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleConnectRunsHooks(t *testing.T) {
	c, err := New(Config{Broker: "tcp://127.0.0.1:1883", Prefix: "vpd_calculator"}, nil)
	require.NoError(t, err)

	var order []string
	c.OnConnect(func() { order = append(order, "discovery") })
	c.OnConnect(func() { order = append(order, "state") })

	c.handleConnect()
	c.handleConnect()

	assert.Equal(t, []string{"discovery", "state", "discovery", "state"}, order)
}

func TestNewRequiresBroker(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)

	c, err := New(Config{Broker: "tcp://127.0.0.1:1883", Prefix: "vpd_calculator"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "vpd_calculator/"+BridgeStatusTopic, c.buildTopic(BridgeStatusTopic))
	assert.False(t, c.IsConnected())
}
