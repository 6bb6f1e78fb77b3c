package sdrgadget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/engine"
)

func TestDecodeStartRequest(t *testing.T) {
	t.Run("DecodesLittleEndianFields", func(t *testing.T) {
		req, err := decodeStartRequest([]byte{
			0x03, 0x00, 0x00, 0x00, // channel mask 0b11
			0x00, 0x04, 0x00, 0x00, // 1024 samples
		})
		require.NoError(t, err)

		assert.Equal(t, uint32(0x3), req.Channels)
		assert.Equal(t, uint32(1024), req.BufferSamples)
	})

	t.Run("RejectsShortPayload", func(t *testing.T) {
		_, err := decodeStartRequest([]byte{0x01, 0x02})
		assert.Error(t, err)
	})

	t.Run("RejectsLongPayload", func(t *testing.T) {
		_, err := decodeStartRequest(make([]byte, 12))
		assert.Error(t, err)
	})
}

func TestDirectionFromValue(t *testing.T) {
	assert.Equal(t, engine.RX, startDirection(0))
	assert.Equal(t, engine.TX, startDirection(1))

	// START treats anything but 1 as RX; STOP treats anything nonzero
	// as TX.
	assert.Equal(t, engine.RX, startDirection(7))
	assert.Equal(t, engine.RX, stopDirection(0))
	assert.Equal(t, engine.TX, stopDirection(1))
	assert.Equal(t, engine.TX, stopDirection(7))
}
