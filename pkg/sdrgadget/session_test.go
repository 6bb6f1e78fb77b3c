package sdrgadget

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/engine"
	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/functionfs"
)

// newSessionFixture builds a manager whose engines are recorded instead of
// run. ep0 is backed by a pipe so setup payloads can be injected.
func newSessionFixture(t *testing.T) (*SessionManager, *[]engine.Config, *os.File) {
	t.Helper()

	gadget, err := NewGadget(zap.NewNop().Sugar(), false)
	require.NoError(t, err)

	ep0Read, ep0Write, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ep0Read.Close()
		_ = ep0Write.Close()
	})

	sm, err := newSessionManager(gadget, zap.NewNop().Sugar(), &functionfs.Endpoints{EP0: ep0Read})
	require.NoError(t, err)
	t.Cleanup(sm.Close)

	runs := &[]engine.Config{}
	sm.runEngine = func(cfg engine.Config) error {
		*runs = append(*runs, cfg)
		return nil
	}

	return sm, runs, ep0Write
}

func TestSessionStartStop(t *testing.T) {
	t.Run("StartLaunchesEngine", func(t *testing.T) {
		sm, runs, _ := newSessionFixture(t)

		params := engine.Params{Channels: 0x3, BufferSamples: 1024}
		require.NoError(t, sm.Start(engine.RX, params))

		assert.True(t, sm.Running(engine.RX))
		assert.False(t, sm.Running(engine.TX))
		assert.Equal(t, params, sm.Params(engine.RX))

		require.NoError(t, sm.Stop(engine.RX))

		assert.False(t, sm.Running(engine.RX))
		require.Len(t, *runs, 1)
		assert.Equal(t, engine.RX, (*runs)[0].Direction)
		assert.Equal(t, params, (*runs)[0].Params)
	})

	t.Run("RestartReplacesEngine", func(t *testing.T) {
		sm, runs, _ := newSessionFixture(t)

		require.NoError(t, sm.Start(engine.TX, engine.Params{Channels: 0x1, BufferSamples: 512}))

		second := engine.Params{Channels: 0xf, BufferSamples: 4096}
		require.NoError(t, sm.Start(engine.TX, second))

		// At most one engine per direction: the first was stopped before
		// the second launched, and the new parameters are in effect.
		assert.True(t, sm.Running(engine.TX))
		assert.Equal(t, second, sm.Params(engine.TX))
		require.Len(t, *runs, 2)
		assert.Equal(t, second, (*runs)[1].Params)

		require.NoError(t, sm.StopAll())
	})

	t.Run("StopWhenIdleIsNoop", func(t *testing.T) {
		sm, runs, _ := newSessionFixture(t)

		require.NoError(t, sm.Stop(engine.RX))
		require.NoError(t, sm.Stop(engine.RX))

		assert.Empty(t, *runs)
	})

	t.Run("StopAllStopsBothDirections", func(t *testing.T) {
		sm, _, _ := newSessionFixture(t)

		require.NoError(t, sm.Start(engine.RX, engine.Params{Channels: 0x3, BufferSamples: 256}))
		require.NoError(t, sm.Start(engine.TX, engine.Params{Channels: 0x3, BufferSamples: 256}))

		require.NoError(t, sm.StopAll())

		assert.False(t, sm.Running(engine.RX))
		assert.False(t, sm.Running(engine.TX))
	})
}

func TestSessionHandleSetup(t *testing.T) {
	t.Run("StartCommandLaunchesTargetDirection", func(t *testing.T) {
		sm, runs, ep0 := newSessionFixture(t)

		_, err := ep0.Write([]byte{
			0x03, 0x00, 0x00, 0x00,
			0x00, 0x02, 0x00, 0x00,
		})
		require.NoError(t, err)

		require.NoError(t, sm.handleSetup(functionfs.SetupRequest{
			Request: commandStart,
			Value:   targetTX,
			Length:  startRequestSize,
		}))

		assert.True(t, sm.Running(engine.TX))
		assert.False(t, sm.Running(engine.RX))
		assert.Equal(t, engine.Params{Channels: 0x3, BufferSamples: 512}, sm.Params(engine.TX))

		require.NoError(t, sm.StopAll())
		require.Len(t, *runs, 1)
	})

	t.Run("MalformedStartLeavesStateUntouched", func(t *testing.T) {
		sm, runs, ep0 := newSessionFixture(t)

		_, err := ep0.Write([]byte{0x01, 0x02, 0x03})
		require.NoError(t, err)

		require.NoError(t, sm.handleSetup(functionfs.SetupRequest{
			Request: commandStart,
			Value:   targetRX,
			Length:  3,
		}))

		assert.False(t, sm.Running(engine.RX))
		assert.Empty(t, *runs)
	})

	t.Run("StopCommandStopsTargetDirection", func(t *testing.T) {
		sm, _, _ := newSessionFixture(t)

		require.NoError(t, sm.Start(engine.RX, engine.Params{Channels: 0x3, BufferSamples: 128}))

		require.NoError(t, sm.handleSetup(functionfs.SetupRequest{
			Request: commandStop,
			Value:   targetRX,
		}))

		assert.False(t, sm.Running(engine.RX))
	})

	t.Run("UnknownCommandIsIgnored", func(t *testing.T) {
		sm, runs, ep0 := newSessionFixture(t)

		_, err := ep0.Write([]byte{0xde, 0xad})
		require.NoError(t, err)

		require.NoError(t, sm.handleSetup(functionfs.SetupRequest{
			Request: 0x42,
			Length:  2,
		}))

		assert.Empty(t, *runs)
	})
}
