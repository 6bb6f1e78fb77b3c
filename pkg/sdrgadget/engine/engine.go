// Package engine implements the two streaming engines at the heart of the
// gadget: RX moves captured samples from the hardware to the USB bulk-in
// endpoint, TX moves host samples from the bulk-out endpoint to the
// hardware. Each engine is a single readiness-driven dispatch loop running
// on its own pinned, signal-masked OS thread.
package engine

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/aio"
	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/epoll"
	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/metrics"
	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/stream"
)

// Direction selects which engine a parameter set or command applies to.
type Direction int

const (
	RX Direction = iota
	TX
)

func (d Direction) String() string {
	if d == TX {
		return "tx"
	}

	return "rx"
}

// poolDepth is the number of transfer buffers each engine queues against
// its endpoint.
const poolDepth = 16

// waitTimeout bounds each epoll wait; it is a liveness heartbeat, not a
// functional timeout.
const waitTimeout = 30 * time.Second

// Readiness source tags. Each engine loop registers at most these four and
// dispatches over them in a single switch.
const (
	srcCancel uint32 = iota
	srcHardware
	srcCompletion
	srcStats
)

// Params carries one engine run's streaming parameters. They are written by
// the control thread strictly before the engine thread starts and never
// mutated afterwards.
type Params struct {
	// Channels enables hardware channel i when bit i is set.
	Channels uint32

	// BufferSamples is the hardware buffer size in samples. If the host
	// embeds a timestamp in each buffer, the count must already include
	// room for it; the engine does no timestamp accounting of its own.
	BufferSamples uint32
}

// Config is everything one engine run needs. The cancellation event is the
// only field shared with the control thread while the engine is running.
type Config struct {
	Direction Direction
	Params    Params

	// OpenDevice opens the direction's hardware stream. It runs on the
	// engine thread so a hardware failure ends only this engine.
	OpenDevice func() (stream.Device, error)

	// Endpoint is the bulk endpoint this engine transfers against.
	Endpoint *os.File

	// Cancel is set by the control thread to request shutdown.
	Cancel *epoll.Event

	Spawn SpawnConfig

	// StatsInterval enables periodic transfer statistics when non-zero.
	StatsInterval time.Duration

	Metrics *metrics.Metrics
	Logger  *zap.SugaredLogger
	Debug   bool
}

// completionQueue is the slice of aio.Queue the engine states depend on,
// separated out so tests can substitute a fake.
type completionQueue interface {
	Submit(cbs ...*aio.ControlBlock) error
	Completions() ([]aio.Completion, error)
	Destroy() error
	Destroyed() bool
}

// newQueue creates the engine's completion queue; a variable so engine
// tests can exercise the loops against a fake kernel.
var newQueue = func(depth int) (completionQueue, error) {
	return aio.NewQueue(depth)
}

// Run executes one engine from INIT to DONE on the calling goroutine. The
// caller is expected to have spawned a dedicated goroutine for it; Run pins
// it to an OS thread and applies the spawn policy before streaming starts.
//
// Run returns once the cancellation event fires or a fatal engine error
// occurs. All engine resources are released on return.
func Run(cfg Config) error {
	logger := cfg.Logger.Named("engine." + cfg.Direction.String())

	cfg.Spawn.apply(logger)

	logger.Debugw("Engine starting",
		"channels", fmt.Sprintf("%#x", cfg.Params.Channels),
		"bufferSamples", cfg.Params.BufferSamples)

	var err error
	if cfg.Direction == TX {
		err = runTX(cfg, logger)
	} else {
		err = runRX(cfg, logger)
	}

	if err != nil {
		logger.Errorw("Engine exited with error", "error", err)
		return err
	}

	logger.Debug("Engine exited")

	return nil
}
