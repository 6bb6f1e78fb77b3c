// Package sdrgadget implements a USB-gadget bridge that exposes an SDR's
// receive and transmit sample streams as USB bulk endpoints over
// FunctionFS. The host starts and stops per-direction streaming engines
// through vendor control transfers on ep0.
package sdrgadget

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/functionfs"
	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/metrics"
	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/util"
)

// Gadget is the main entity managing all subcomponents
type Gadget struct {
	logger    *zap.SugaredLogger
	configMan *ConfigManager
	metrics   *metrics.Metrics
	endpoints *functionfs.Endpoints
	session   *SessionManager

	version string
	debug   bool
}

func NewGadget(logger *zap.SugaredLogger, debug bool) (*Gadget, error) {
	logger = logger.Named("gadget")

	config, err := NewConfig(logger)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	g := &Gadget{
		logger:    logger,
		configMan: config,
		metrics:   metrics.New(),
		debug:     debug,
	}

	logger.Debug("Created gadget instance")

	return g, nil
}

func (g *Gadget) currConf() *Config {
	return &g.configMan.current
}

// SetVersion causes the gadget to log a version string if called before Initialize
func (g *Gadget) SetVersion(version string) {
	g.version = version
}

// Debug returns a boolean indicating whether the gadget is running in debug mode
func (g *Gadget) Debug() bool {
	return g.debug
}

// Initialize sets up components and runs the control loop until the host
// or a signal shuts us down. ffsDir is a mounted FunctionFS directory.
func (g *Gadget) Initialize(ffsDir string) error {
	defer g.recoverFromPanic()

	g.logger.Debug("Initializing")

	if g.version != "" {
		g.logger.Infow("Running", "version", g.version)
	}

	// load the config for the first time
	if err := g.configMan.Load(); err != nil {
		g.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	endpoints, err := functionfs.OpenEndpoints(ffsDir, g.logger)
	if err != nil {
		g.logger.Errorw("Failed to open FunctionFS endpoints", "error", err)
		return fmt.Errorf("open functionfs endpoints: %w", err)
	}

	g.endpoints = endpoints
	defer g.endpoints.Close()

	session, err := newSessionManager(g, g.logger, endpoints)
	if err != nil {
		g.logger.Errorw("Failed to create session manager", "error", err)
		return fmt.Errorf("create session manager: %w", err)
	}

	g.session = session
	defer g.session.Close()

	g.setupInterruptHandler()
	g.setupConfigReloadHandler()
	g.serveMetrics()

	go g.configMan.WatchConfigFileChanges()
	defer g.configMan.StopWatchingConfigFile()

	g.logger.Info("Run loop starting")

	if err := g.session.Run(); err != nil {
		g.logger.Errorw("Control loop failed", "error", err)
		return fmt.Errorf("run control loop: %w", err)
	}

	g.logger.Info("Stopping")

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = g.logger.Sync()

	return nil
}

// setupConfigReloadHandler surfaces config reloads in the gadget's own
// log. Reloaded values apply from the next engine start; running engines
// keep the parameters they were launched with.
func (g *Gadget) setupConfigReloadHandler() {
	reloads := g.configMan.SubscribeToChanges()

	go func() {
		for range reloads {
			conf := g.currConf()

			g.logger.Infow("Config reloaded, new values apply on next engine start",
				"rxDevice", conf.RXDevice,
				"txDevice", conf.TXDevice,
				"realtimePriority", conf.RealtimePriority,
				"rxCPU", conf.RXCPU,
				"txCPU", conf.TXCPU,
				"statsIntervalSeconds", conf.StatsIntervalSeconds)
		}
	}()
}

func (g *Gadget) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		g.logger.Debugw("Interrupted", "signal", signal)
		g.session.RequestShutdown()
	}()
}

// serveMetrics exposes the Prometheus endpoint when the config names a
// listen address. Serving failures are logged, not fatal; streaming must
// not depend on observability.
func (g *Gadget) serveMetrics() {
	listen := g.currConf().MetricsListen
	if listen == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", g.metrics.Handler())

	go func() {
		g.logger.Infow("Serving metrics", "listen", listen)

		if err := http.ListenAndServe(listen, mux); err != nil {
			g.logger.Warnw("Metrics listener failed", "error", err)
		}
	}()
}
