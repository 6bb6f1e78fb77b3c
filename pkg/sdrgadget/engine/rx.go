package engine

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/aio"
	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/epoll"
	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/metrics"
	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/ring"
	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/stream"
	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/usbbuf"
)

// rxState is one RX engine run: hardware refills feed free transfer buffers
// which are submitted to the bulk-in endpoint; completions return buffers to
// the free-list. When no buffer is free, the refilled samples are dropped
// and counted (drop-newest backpressure).
type rxState struct {
	logger  *zap.SugaredLogger
	debug   bool
	metrics *metrics.Metrics

	hwBuf    stream.Buffer
	queue    completionQueue
	notify   *epoll.Event
	pool     *usbbuf.Pool
	freeList *ring.FIFO[usbbuf.SlotID]

	// xferSize is the byte size of one full transfer: sample step times the
	// requested sample count.
	xferSize int

	running   bool
	overflows uint64

	statsFD      int
	refillDur    timeStats
	refillPeriod timeStats
	windowDrops  uint64
}

func runRX(cfg Config, logger *zap.SugaredLogger) error {
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
		return fmt.Errorf("open rx device: %w", err)
	}
	defer func() { _ = device.Close() }()

	hwBuf, err := device.CreateBuffer(cfg.Params.Channels, int(cfg.Params.BufferSamples))
	if err != nil {
		return fmt.Errorf("create rx buffer for %d samples: %w", cfg.Params.BufferSamples, err)
	}

	if err := loop.Register(hwBuf.PollFD(), srcHardware); err != nil {
		_ = hwBuf.Destroy()
		return fmt.Errorf("register rx buffer: %w", err)
	}

	xferSize := hwBuf.Step() * int(cfg.Params.BufferSamples)

	logger.Debugw("RX stream opened",
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

	pool, err := usbbuf.NewPool(poolDepth, xferSize, aio.OpWrite, int(cfg.Endpoint.Fd()), notify.FD())
	if err != nil {
		_ = queue.Destroy()
		_ = hwBuf.Destroy()
		return fmt.Errorf("allocate transfer buffers: %w", err)
	}

	freeList := ring.New[usbbuf.SlotID](poolDepth)
	for i := 0; i < pool.Capacity(); i++ {
		freeList.Put(usbbuf.SlotID(i))
	}

	s := &rxState{
		logger:   logger,
		debug:    cfg.Debug,
		metrics:  cfg.Metrics,
		hwBuf:    hwBuf,
		queue:    queue,
		notify:   notify,
		pool:     pool,
		freeList: freeList,
		xferSize: xferSize,
		statsFD:  -1,
	}
	s.refillDur.reset()
	s.refillPeriod.reset()

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

	loopErr := s.run(loop, cfg.Cancel)

	// Teardown order is mandatory: destroy the async context first (the
	// kernel stops touching buffer memory), then release the pool, then the
	// hardware stream.
	if err := queue.Destroy(); err != nil {
		logger.Errorw("Failed to destroy async context", "error", err)
	}

	if err := pool.Teardown(queue); err != nil {
		logger.Errorw("Failed to tear down buffer pool", "error", err)
	}

	if err := hwBuf.Destroy(); err != nil {
		logger.Warnw("Failed to destroy rx buffer", "error", err)
	}

	if s.statsFD >= 0 {
		_ = unix.Close(s.statsFD)
	}

	return loopErr
}

// run dispatches readiness until cancelled or a fatal error occurs.
func (s *rxState) run(loop *epoll.Loop, cancel *epoll.Event) error {
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
			case srcHardware:
				if err := s.handleHardwareReady(); err != nil {
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

func (s *rxState) handleCancel(cancel *epoll.Event) error {
	if s.debug {
		s.logger.Debug("Stop request received")
	}

	if err := cancel.Drain(); err != nil {
		return fmt.Errorf("drain cancellation: %w", err)
	}

	s.running = false

	return nil
}

// handleHardwareReady refills the hardware buffer and submits it to the
// bulk-in endpoint if a transfer buffer is free; otherwise the samples are
// dropped and the overflow counter incremented.
func (s *rxState) handleHardwareReady() error {
	s.refillPeriod.update()
	s.refillDur.start()

	n, err := s.hwBuf.Refill()
	if err != nil {
		return fmt.Errorf("refill rx buffer: %w", err)
	}
	if n != s.xferSize {
		return fmt.Errorf("rx buffer short read: expected %d, read %d bytes", s.xferSize, n)
	}

	s.refillDur.update()
	s.refillPeriod.start()

	slot, ok := s.freeList.Get()
	if !ok {
		// No free buffer: the host is not draining fast enough. Drop this
		// buffer's worth of samples rather than stall the refill path.
		s.overflows++
		s.windowDrops++
		s.metrics.CountOverflow("rx")

		return nil
	}

	copy(s.pool.Bytes(slot), s.hwBuf.Bytes()[:s.xferSize])

	if err := s.pool.MarkInFlight(slot); err != nil {
		return fmt.Errorf("mark slot in flight: %w", err)
	}

	if err := s.queue.Submit(s.pool.ControlBlock(slot)); err != nil {
		_ = s.pool.Release(slot)
		s.freeList.Put(slot)

		return fmt.Errorf("submit usb write: %w", err)
	}

	return nil
}

// handleCompletions reaps finished bulk-in transfers and returns their
// buffers to the free-list. Short or failed transfers are logged unless the
// endpoint was disabled by the host, which is an expected shutdown race.
func (s *rxState) handleCompletions() error {
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
			s.metrics.CountTransfer("rx", s.xferSize)
		} else if !errors.Is(c.Err(), unix.ESHUTDOWN) {
			s.logger.Errorw("USB write completed with error",
				"slot", slot,
				"result", c.Result,
				"result2", c.Result2)
			s.metrics.CountTransferError("rx")
		}

		if err := s.pool.Release(slot); err != nil {
			return fmt.Errorf("release slot: %w", err)
		}

		s.freeList.Put(slot)
	}

	return nil
}

func (s *rxState) handleStats() error {
	if err := drainTimer(s.statsFD); err != nil {
		return err
	}

	s.refillPeriod.log(s.logger, "RX refill period")
	s.refillDur.log(s.logger, "RX refill duration")

	if s.windowDrops > 0 {
		s.logger.Infow("RX overflows in last window", "count", s.windowDrops)
	}

	s.refillPeriod.reset()
	s.refillDur.reset()
	s.windowDrops = 0

	return nil
}
