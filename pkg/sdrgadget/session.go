package sdrgadget

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/engine"
	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/epoll"
	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/functionfs"
	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/stream"
)

// Control-loop readiness sources.
const (
	srcEP0 uint32 = iota
	srcShutdown
)

// controlWaitTimeout is the control loop's epoll heartbeat.
const controlWaitTimeout = 30 * time.Second

// SessionManager owns the control endpoint and the lifecycle of the two
// streaming engines. All of its state is mutated only from the control
// thread; the engines share nothing with it but their cancellation events.
type SessionManager struct {
	gadget *Gadget
	logger *zap.SugaredLogger

	endpoints *functionfs.Endpoints

	cancels  [2]*epoll.Event
	running  [2]bool
	lastArgs [2]engine.Params
	joins    [2]chan error

	enabled  bool
	shutdown *epoll.Event

	// runEngine is the engine entrypoint; tests substitute a fake.
	runEngine func(engine.Config) error
}

func newSessionManager(gadget *Gadget, logger *zap.SugaredLogger, endpoints *functionfs.Endpoints) (*SessionManager, error) {
	logger = logger.Named("session")

	sm := &SessionManager{
		gadget:    gadget,
		logger:    logger,
		endpoints: endpoints,
		runEngine: engine.Run,
	}

	for dir := range sm.cancels {
		cancel, err := epoll.NewEvent()
		if err != nil {
			logger.Errorw("Failed to create cancellation event", "error", err)
			return nil, fmt.Errorf("create cancellation event: %w", err)
		}

		sm.cancels[dir] = cancel
	}

	shutdown, err := epoll.NewEvent()
	if err != nil {
		logger.Errorw("Failed to create shutdown event", "error", err)
		return nil, fmt.Errorf("create shutdown event: %w", err)
	}

	sm.shutdown = shutdown

	logger.Debug("Created session manager instance")

	return sm, nil
}

// Run processes ep0 events until shutdown is requested or a fatal control
// error occurs. Both engines are stopped before Run returns.
func (sm *SessionManager) Run() error {
	loop, err := epoll.NewLoop()
	if err != nil {
		return fmt.Errorf("create control event loop: %w", err)
	}
	defer func() { _ = loop.Close() }()

	if err := loop.Register(int(sm.endpoints.EP0.Fd()), srcEP0); err != nil {
		return fmt.Errorf("register ep0: %w", err)
	}

	if err := loop.Register(sm.shutdown.FD(), srcShutdown); err != nil {
		return fmt.Errorf("register shutdown event: %w", err)
	}

	sm.logger.Info("Control loop ready")

	var loopErr error

loop:
	for {
		tags, err := loop.Wait(int(controlWaitTimeout.Milliseconds()))
		if err != nil {
			loopErr = fmt.Errorf("wait for control readiness: %w", err)
			break
		}

		for _, tag := range tags {
			switch tag {
			case srcEP0:
				if err := sm.handleEP0(); err != nil {
					loopErr = err
					break loop
				}
			case srcShutdown:
				_ = sm.shutdown.Drain()
				sm.logger.Debug("Shutdown requested")
				break loop
			}
		}
	}

	if err := sm.StopAll(); err != nil {
		sm.logger.Errorw("Failed to stop engines during shutdown", "error", err)
		if loopErr == nil {
			loopErr = err
		}
	}

	return loopErr
}

// RequestShutdown asks the control loop to exit. Safe to call from the
// signal-handling goroutine.
func (sm *SessionManager) RequestShutdown() {
	if err := sm.shutdown.Set(); err != nil {
		sm.logger.Errorw("Failed to signal shutdown", "error", err)
	}
}

// handleEP0 reads and dispatches one FunctionFS event from the control
// endpoint.
func (sm *SessionManager) handleEP0() error {
	event, err := functionfs.ReadEvent(sm.endpoints.EP0)
	if err != nil {
		return fmt.Errorf("read ep0 event: %w", err)
	}

	if sm.gadget.Debug() {
		sm.logger.Debugw("Handling ep0 event", "event", event.Type.String())
	}

	switch event.Type {
	case functionfs.EventSetup:
		return sm.handleSetup(event.Setup)

	case functionfs.EventEnable:
		sm.enabled = true

	case functionfs.EventDisable:
		if sm.enabled {
			// Host deconfigured the interface: both engines must stop. A
			// failure here is fatal for the whole control plane.
			if err := sm.StopAll(); err != nil {
				return fmt.Errorf("stop engines on interface disable: %w", err)
			}
		}

		sm.enabled = false

	default:
		// BIND/UNBIND/SUSPEND/RESUME need no action.
	}

	return nil
}

// handleSetup decodes one vendor control transfer. Unknown commands and
// malformed payloads are ignored without side effects; the host still gets
// the standard acknowledgement.
func (sm *SessionManager) handleSetup(setup functionfs.SetupRequest) error {
	if sm.gadget.Debug() {
		sm.logger.Debugw("Received setup control transfer",
			"bRequestType", setup.RequestType,
			"bRequest", setup.Request,
			"wValue", setup.Value,
			"wIndex", setup.Index,
			"wLength", setup.Length)
	}

	if setup.DirectionIn() {
		// Host expects data; acknowledge with a zero-length response.
		if _, err := unix.Write(int(sm.endpoints.EP0.Fd()), []byte{}); err != nil {
			return fmt.Errorf("write zero-length response: %w", err)
		}

		return nil
	}

	var payload []byte

	// Only a transfer with a data stage has anything to read on ep0.
	if setup.Length > 0 {
		payload = make([]byte, 64)

		n, err := sm.endpoints.EP0.Read(payload)
		if err != nil {
			return fmt.Errorf("read control payload: %w", err)
		}
		payload = payload[:n]
	}

	switch setup.Request {
	case commandStart:
		req, err := decodeStartRequest(payload)
		if err != nil {
			sm.logger.Warnw("Ignoring malformed start request", "error", err)
			return nil
		}

		return sm.Start(startDirection(setup.Value), engine.Params{
			Channels:      req.Channels,
			BufferSamples: req.BufferSamples,
		})

	case commandStop:
		return sm.Stop(stopDirection(setup.Value))

	default:
		if sm.gadget.Debug() {
			sm.logger.Debugw("Ignoring unknown command", "bRequest", setup.Request)
		}
	}

	return nil
}

// Start launches the engine for dir with the given parameters, stopping any
// previous run of the same direction first so at most one engine per
// direction exists.
func (sm *SessionManager) Start(dir engine.Direction, params engine.Params) error {
	if sm.running[dir] {
		if err := sm.Stop(dir); err != nil {
			return fmt.Errorf("stop previous %s engine: %w", dir, err)
		}
	}

	sm.lastArgs[dir] = params

	cfg := sm.engineConfig(dir, params)

	join := make(chan error, 1)
	sm.joins[dir] = join

	go func() {
		join <- sm.runEngine(cfg)
	}()

	sm.running[dir] = true

	sm.logger.Infow("Engine started",
		"direction", dir.String(),
		"channels", fmt.Sprintf("%#x", params.Channels),
		"bufferSamples", params.BufferSamples)

	return nil
}

// Stop cancels the engine for dir and waits for it to exit. Stopping a
// direction that is not running is a no-op.
func (sm *SessionManager) Stop(dir engine.Direction) error {
	if !sm.running[dir] {
		return nil
	}

	if err := sm.cancels[dir].Set(); err != nil {
		return fmt.Errorf("signal %s cancellation: %w", dir, err)
	}

	// Join: the engine releases all of its resources before exiting.
	if err := <-sm.joins[dir]; err != nil {
		sm.logger.Warnw("Engine exited with error", "direction", dir.String(), "error", err)
	}

	// Reset the cancellation event for reuse; the engine may or may not
	// have consumed it depending on how it exited.
	if err := sm.cancels[dir].Drain(); err != nil {
		return fmt.Errorf("reset %s cancellation: %w", dir, err)
	}

	sm.running[dir] = false

	sm.logger.Infow("Engine stopped", "direction", dir.String())

	return nil
}

// StopAll stops both directions, RX first.
func (sm *SessionManager) StopAll() error {
	if err := sm.Stop(engine.RX); err != nil {
		return err
	}

	return sm.Stop(engine.TX)
}

// Running reports whether dir currently has an engine thread.
func (sm *SessionManager) Running(dir engine.Direction) bool {
	return sm.running[dir]
}

// Params returns the parameters of the most recent start for dir.
func (sm *SessionManager) Params(dir engine.Direction) engine.Params {
	return sm.lastArgs[dir]
}

// Close releases the manager's signalling resources. Engines must already
// be stopped.
func (sm *SessionManager) Close() {
	for _, cancel := range sm.cancels {
		_ = cancel.Close()
	}

	_ = sm.shutdown.Close()
}

// engineConfig assembles one engine run's configuration from the current
// gadget configuration.
func (sm *SessionManager) engineConfig(dir engine.Direction, params engine.Params) engine.Config {
	conf := sm.gadget.currConf()

	deviceName := conf.RXDevice
	endpoint := sm.endpoints.BulkIn
	spawnName := "sdr-gadget-rx"
	cpu := conf.RXCPU

	if dir == engine.TX {
		deviceName = conf.TXDevice
		endpoint = sm.endpoints.BulkOut
		spawnName = "sdr-gadget-tx"
		cpu = conf.TXCPU
	}

	logger := sm.gadget.logger

	return engine.Config{
		Direction: dir,
		Params:    params,
		OpenDevice: func() (stream.Device, error) {
			return stream.FindIIODevice(deviceName, dir == engine.TX, logger)
		},
		Endpoint: endpoint,
		Cancel:   sm.cancels[dir],
		Spawn: engine.SpawnConfig{
			Name:             spawnName,
			RealtimePriority: conf.RealtimePriority,
			CPU:              cpu,
		},
		StatsInterval: time.Duration(conf.StatsIntervalSeconds) * time.Second,
		Metrics:       sm.gadget.metrics,
		Logger:        logger,
		Debug:         sm.gadget.Debug(),
	}
}
