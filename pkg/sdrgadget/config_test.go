package sdrgadget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConfigDefaults(t *testing.T) {
	cc, err := NewConfig(zap.NewNop().Sugar())
	require.NoError(t, err)

	// No config file in the test directory: defaults apply.
	require.NoError(t, cc.Load())

	assert.Equal(t, "cf-ad9361-lpc", cc.current.RXDevice)
	assert.Equal(t, "cf-ad9361-dds-core-lpc", cc.current.TXDevice)
	assert.Equal(t, 10, cc.current.RealtimePriority)
	assert.Equal(t, 0, cc.current.RXCPU)
	assert.Equal(t, 1, cc.current.TXCPU)
	assert.Equal(t, 0, cc.current.StatsIntervalSeconds)
	assert.Empty(t, cc.current.MetricsListen)
}

func TestConfigReloadNotifiesSubscribers(t *testing.T) {
	cc, err := NewConfig(zap.NewNop().Sugar())
	require.NoError(t, err)

	first := cc.SubscribeToChanges()
	second := cc.SubscribeToChanges()

	go cc.onConfigReloaded()

	assert.True(t, <-first)
	assert.True(t, <-second)
}
