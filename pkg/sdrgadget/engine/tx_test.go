package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/aio"
	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/epoll"
	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/usbbuf"
)

func newTXFixture(t *testing.T) (*txState, *fakeQueue, *fakeBuffer) {
	t.Helper()

	const xferSize = 4 * 1024

	hwBuf := &fakeBuffer{
		data:  make([]byte, xferSize),
		step:  4,
		pushN: xferSize,
	}

	queue := &fakeQueue{}

	notify, err := epoll.NewEvent()
	require.NoError(t, err)
	t.Cleanup(func() { _ = notify.Close() })

	pool, err := usbbuf.NewPool(poolDepth, xferSize, aio.OpRead, -1, notify.FD())
	require.NoError(t, err)

	s := &txState{
		logger:   zap.NewNop().Sugar(),
		hwBuf:    hwBuf,
		queue:    queue,
		notify:   notify,
		pool:     pool,
		xferSize: xferSize,
		statsFD:  -1,
	}
	s.pushDur.reset()
	s.pushPeriod.reset()

	return s, queue, hwBuf
}

func TestTXSubmitAll(t *testing.T) {
	s, queue, _ := newTXFixture(t)

	require.NoError(t, s.submitAll())

	// Every buffer is in flight from the start; TX has no idle state.
	assert.Equal(t, poolDepth, s.pool.InFlightCount())
	assert.Len(t, queue.submitted, poolDepth)
}

func TestTXCompletions(t *testing.T) {
	t.Run("PushesFullBufferAndResubmits", func(t *testing.T) {
		s, queue, hwBuf := newTXFixture(t)

		require.NoError(t, s.submitAll())

		host := s.pool.Bytes(3)
		for i := range host {
			host[i] = byte(i * 7)
		}

		queue.completions = []aio.Completion{
			{Slot: 3, Result: int64(s.xferSize)},
		}

		require.NoError(t, s.notify.Set())
		require.NoError(t, s.handleCompletions())

		assert.Equal(t, 1, hwBuf.pushes)
		assert.Equal(t, host, hwBuf.data)
		assert.Equal(t, uint64(0), s.overflows)

		// Resubmitted: still fully in flight.
		assert.Equal(t, poolDepth, s.pool.InFlightCount())
		assert.Len(t, queue.submitted, poolDepth+1)
		assert.Equal(t, uint32(3), queue.submitted[poolDepth])
	})

	t.Run("ShortHardwarePushCountsOverflow", func(t *testing.T) {
		s, queue, hwBuf := newTXFixture(t)

		require.NoError(t, s.submitAll())

		hwBuf.pushN = s.xferSize / 2

		queue.completions = []aio.Completion{
			{Slot: 0, Result: int64(s.xferSize)},
		}

		require.NoError(t, s.notify.Set())
		require.NoError(t, s.handleCompletions())

		assert.Equal(t, uint64(1), s.overflows)
		assert.Equal(t, poolDepth, s.pool.InFlightCount())
	})

	t.Run("PushErrorCountsOverflowAndContinues", func(t *testing.T) {
		s, queue, hwBuf := newTXFixture(t)

		require.NoError(t, s.submitAll())

		hwBuf.pushErr = unix.EINTR

		queue.completions = []aio.Completion{
			{Slot: 4, Result: int64(s.xferSize)},
		}

		require.NoError(t, s.notify.Set())
		require.NoError(t, s.handleCompletions())

		assert.Equal(t, uint64(1), s.overflows)

		// The buffer still goes straight back to the endpoint.
		assert.Equal(t, poolDepth, s.pool.InFlightCount())
		assert.Len(t, queue.submitted, poolDepth+1)
	})

	t.Run("ShortHostReadSkipsPushButResubmits", func(t *testing.T) {
		s, queue, hwBuf := newTXFixture(t)

		require.NoError(t, s.submitAll())

		queue.completions = []aio.Completion{
			{Slot: 5, Result: 100},
		}

		require.NoError(t, s.notify.Set())
		require.NoError(t, s.handleCompletions())

		assert.Equal(t, 0, hwBuf.pushes)
		assert.Equal(t, poolDepth, s.pool.InFlightCount())
		assert.Len(t, queue.submitted, poolDepth+1)
	})

	t.Run("EndpointDisabledIsBenign", func(t *testing.T) {
		s, queue, hwBuf := newTXFixture(t)

		require.NoError(t, s.submitAll())

		queue.completions = []aio.Completion{
			{Slot: 1, Result: -int64(unix.ESHUTDOWN)},
		}

		require.NoError(t, s.notify.Set())
		require.NoError(t, s.handleCompletions())

		assert.Equal(t, 0, hwBuf.pushes)
		assert.Equal(t, poolDepth, s.pool.InFlightCount())
	})

	t.Run("FailedResubmitIsFatal", func(t *testing.T) {
		s, queue, _ := newTXFixture(t)

		require.NoError(t, s.submitAll())

		queue.completions = []aio.Completion{
			{Slot: 2, Result: int64(s.xferSize)},
		}
		queue.submitErr = unix.EAGAIN

		require.NoError(t, s.notify.Set())
		assert.Error(t, s.handleCompletions())
	})
}
