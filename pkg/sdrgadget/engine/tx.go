package engine

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/aio"
	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/epoll"
	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/metrics"
	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/stream"
	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/usbbuf"
)

// txState is one TX engine run. Unlike RX there is no free-list: every
// buffer is always either awaiting host data or holding host data not yet
// pushed to hardware, so all of them stay submitted to the bulk-out
// endpoint and are re-submitted as soon as their completion is handled.
type txState struct {
	logger  *zap.SugaredLogger
	debug   bool
	metrics *metrics.Metrics

	hwBuf  stream.Buffer
	queue  completionQueue
	notify *epoll.Event
	pool   *usbbuf.Pool

	xferSize int

	running   bool
	overflows uint64

	statsFD     int
	pushDur     timeStats
	pushPeriod  timeStats
	windowShort uint64
}

func runTX(cfg Config, logger *zap.SugaredLogger) error {
	loop, err := epoll.NewLoop()
	if err != nil {
		return fmt.Errorf("create event loop: %w", err)
	}
	defer func() { _ = loop.Close() }()

	if err := loop.Register(cfg.Cancel.FD(), srcCancel); err != nil {
		return fmt.Errorf("register cancellation: %w", err)
	}

	device, err := cfg.OpenDevice()
	if err != nil {
		return fmt.Errorf("open tx device: %w", err)
	}
	defer func() { _ = device.Close() }()

	hwBuf, err := device.CreateBuffer(cfg.Params.Channels, int(cfg.Params.BufferSamples))
	if err != nil {
		return fmt.Errorf("create tx buffer for %d samples: %w", cfg.Params.BufferSamples, err)
	}

	xferSize := hwBuf.Step() * int(cfg.Params.BufferSamples)

	logger.Debugw("TX stream opened",
		"sampleCount", cfg.Params.BufferSamples,
		"sampleStep", hwBuf.Step(),
		"transferSize", xferSize)

	queue, err := newQueue(poolDepth)
	if err != nil {
		_ = hwBuf.Destroy()
		return fmt.Errorf("setup async context: %w", err)
	}

	notify, err := epoll.NewEvent()
	if err != nil {
		_ = queue.Destroy()
		_ = hwBuf.Destroy()
		return fmt.Errorf("create completion event: %w", err)
	}
	defer func() { _ = notify.Close() }()

	if err := loop.Register(notify.FD(), srcCompletion); err != nil {
		_ = queue.Destroy()
		_ = hwBuf.Destroy()
		return fmt.Errorf("register completion event: %w", err)
	}

	pool, err := usbbuf.NewPool(poolDepth, xferSize, aio.OpRead, int(cfg.Endpoint.Fd()), notify.FD())
	if err != nil {
		_ = queue.Destroy()
		_ = hwBuf.Destroy()
		return fmt.Errorf("allocate transfer buffers: %w", err)
	}

	s := &txState{
		logger:   logger,
		debug:    cfg.Debug,
		metrics:  cfg.Metrics,
		hwBuf:    hwBuf,
		queue:    queue,
		notify:   notify,
		pool:     pool,
		xferSize: xferSize,
		statsFD:  -1,
	}
	s.pushDur.reset()
	s.pushPeriod.reset()

	if cfg.StatsInterval > 0 {
		statsFD, err := newStatsTimer(cfg.StatsInterval)
		if err != nil {
			logger.Warnw("Failed to create stats timer", "error", err)
		} else if err := loop.Register(statsFD, srcStats); err != nil {
			logger.Warnw("Failed to register stats timer", "error", err)
			_ = unix.Close(statsFD)
		} else {
			s.statsFD = statsFD
		}
	}

	loopErr := s.submitAll()
	if loopErr == nil {
		loopErr = s.run(loop, cfg.Cancel)
	}

	// Same mandatory teardown order as RX: async context, then pool, then
	// hardware stream.
	if err := queue.Destroy(); err != nil {
		logger.Errorw("Failed to destroy async context", "error", err)
	}

	if err := pool.Teardown(queue); err != nil {
		logger.Errorw("Failed to tear down buffer pool", "error", err)
	}

	if err := hwBuf.Destroy(); err != nil {
		logger.Warnw("Failed to destroy tx buffer", "error", err)
	}

	if s.statsFD >= 0 {
		_ = unix.Close(s.statsFD)
	}

	return loopErr
}

// submitAll queues every buffer as a bulk-out read up front.
func (s *txState) submitAll() error {
	cbs := make([]*aio.ControlBlock, s.pool.Capacity())

	for i := 0; i < s.pool.Capacity(); i++ {
		slot := usbbuf.SlotID(i)

		if err := s.pool.MarkInFlight(slot); err != nil {
			return fmt.Errorf("mark slot in flight: %w", err)
		}

		cbs[i] = s.pool.ControlBlock(slot)
	}

	if err := s.queue.Submit(cbs...); err != nil {
		return fmt.Errorf("submit all usb read buffers: %w", err)
	}

	return nil
}

func (s *txState) run(loop *epoll.Loop, cancel *epoll.Event) error {
	s.running = true

	for s.running {
		tags, err := loop.Wait(int(waitTimeout.Milliseconds()))
		if err != nil {
			return fmt.Errorf("wait for readiness: %w", err)
		}

		for _, tag := range tags {
			switch tag {
			case srcCancel:
				if err := s.handleCancel(cancel); err != nil {
					return err
				}
			case srcCompletion:
				if err := s.handleCompletions(); err != nil {
					return err
				}
			case srcStats:
				if err := s.handleStats(); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func (s *txState) handleCancel(cancel *epoll.Event) error {
	if s.debug {
		s.logger.Debug("Stop request received")
	}

	if err := cancel.Drain(); err != nil {
		return fmt.Errorf("drain cancellation: %w", err)
	}

	s.running = false

	return nil
}

// handleCompletions pushes each fully received host buffer to the hardware
// and re-submits the buffer for the next read. A short hardware push is the
// TX overflow: the sink was not ready for a full buffer.
func (s *txState) handleCompletions() error {
	if err := s.notify.Drain(); err != nil {
		return fmt.Errorf("drain completion event: %w", err)
	}

	completions, err := s.queue.Completions()
	if err != nil {
		return fmt.Errorf("collect completions: %w", err)
	}

	for _, c := range completions {
		slot := usbbuf.SlotID(c.Slot)

		if int(c.Result) == s.xferSize {
			copy(s.hwBuf.Bytes()[:s.xferSize], s.pool.Bytes(slot))

			s.pushPeriod.update()
			s.pushDur.start()

			// A failed or short push means the hardware sink was not ready
			// for a full buffer; both are counted overflows, never fatal.
			n, err := s.hwBuf.Push()
			if err != nil {
				s.logger.Warnw("Failed to push tx buffer", "error", err)
			}
			if err != nil || n != s.xferSize {
				s.overflows++
				s.windowShort++
				s.metrics.CountOverflow("tx")
			}

			s.pushDur.update()
			s.pushPeriod.start()

			s.metrics.CountTransfer("tx", s.xferSize)
		} else if !errors.Is(c.Err(), unix.ESHUTDOWN) {
			s.logger.Errorw("USB read completed with error",
				"slot", slot,
				"result", c.Result,
				"result2", c.Result2)
			s.metrics.CountTransferError("tx")
		}

		// The buffer goes straight back to awaiting host data; it never
		// rests in an idle state.
		if err := s.pool.Release(slot); err != nil {
			return fmt.Errorf("release slot: %w", err)
		}
		if err := s.pool.MarkInFlight(slot); err != nil {
			return fmt.Errorf("mark slot in flight: %w", err)
		}

		if err := s.queue.Submit(s.pool.ControlBlock(slot)); err != nil {
			_ = s.pool.Release(slot)
			return fmt.Errorf("re-submit usb read: %w", err)
		}
	}

	return nil
}

func (s *txState) handleStats() error {
	if err := drainTimer(s.statsFD); err != nil {
		return err
	}

	s.pushPeriod.log(s.logger, "TX push period")
	s.pushDur.log(s.logger, "TX push duration")

	if s.windowShort > 0 {
		s.logger.Infow("TX overflows in last window", "count", s.windowShort)
	}

	s.pushPeriod.reset()
	s.pushDur.reset()
	s.windowShort = 0

	return nil
}
