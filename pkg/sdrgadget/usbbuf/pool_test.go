package usbbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/aio"
)

// fakeContext stands in for an *aio.Queue during teardown-order tests.
type fakeContext struct {
	destroyed bool
}

func (f *fakeContext) Destroyed() bool { return f.destroyed }

func TestNewPool(t *testing.T) {
	t.Run("AllocatesRequestedGeometry", func(t *testing.T) {
		p, err := NewPool(16, 4096, aio.OpWrite, 3, 4)
		require.NoError(t, err)

		assert.Equal(t, 16, p.Capacity())
		assert.Equal(t, 4096, p.BufferSize())

		for i := 0; i < 16; i++ {
			id := SlotID(i)
			assert.Len(t, p.Bytes(id), 4096)
			assert.Equal(t, Free, p.Residency(id))
			assert.Equal(t, uint32(i), p.ControlBlock(id).Slot())
		}
	})

	t.Run("RejectsInvalidGeometry", func(t *testing.T) {
		_, err := NewPool(0, 4096, aio.OpWrite, 3, 4)
		assert.Error(t, err)

		_, err = NewPool(16, 0, aio.OpRead, 3, 4)
		assert.Error(t, err)
	})
}

func TestResidency(t *testing.T) {
	t.Run("TransitionsFreeToInFlightAndBack", func(t *testing.T) {
		p, err := NewPool(4, 64, aio.OpWrite, 3, 4)
		require.NoError(t, err)

		require.NoError(t, p.MarkInFlight(1))
		assert.Equal(t, InFlight, p.Residency(1))
		assert.Equal(t, 1, p.InFlightCount())

		require.NoError(t, p.Release(1))
		assert.Equal(t, Free, p.Residency(1))
		assert.Equal(t, 0, p.InFlightCount())
	})

	t.Run("RefusesDoubleSubmission", func(t *testing.T) {
		p, err := NewPool(4, 64, aio.OpWrite, 3, 4)
		require.NoError(t, err)

		require.NoError(t, p.MarkInFlight(2))
		assert.Error(t, p.MarkInFlight(2))
	})

	t.Run("RefusesReleaseOfFreeSlot", func(t *testing.T) {
		p, err := NewPool(4, 64, aio.OpWrite, 3, 4)
		require.NoError(t, err)

		assert.Error(t, p.Release(0))
	})

	t.Run("RefusesOutOfRangeSlots", func(t *testing.T) {
		p, err := NewPool(4, 64, aio.OpWrite, 3, 4)
		require.NoError(t, err)

		assert.Error(t, p.MarkInFlight(4))
		assert.Error(t, p.Release(99))
	})
}

func TestTeardown(t *testing.T) {
	t.Run("RefusesWhileContextLive", func(t *testing.T) {
		p, err := NewPool(4, 64, aio.OpRead, 3, 4)
		require.NoError(t, err)

		ctx := &fakeContext{destroyed: false}
		assert.Error(t, p.Teardown(ctx))

		// Buffers must remain intact after a refused teardown.
		assert.Len(t, p.Bytes(0), 64)
	})

	t.Run("ReleasesAfterContextDestroyed", func(t *testing.T) {
		p, err := NewPool(4, 64, aio.OpRead, 3, 4)
		require.NoError(t, err)

		require.NoError(t, p.MarkInFlight(0))

		ctx := &fakeContext{destroyed: true}
		require.NoError(t, p.Teardown(ctx))
		assert.Nil(t, p.Bytes(0))

		// Idempotent.
		require.NoError(t, p.Teardown(ctx))
	})
}
