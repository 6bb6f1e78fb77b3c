package sdrgadget

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/util"
)

type ConfigManager struct {
	logger             *zap.SugaredLogger
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	userConfig *viper.Viper

	current Config
}

// Config is the gadget's tunable surface. Streaming parameters proper come
// from the host over the control protocol; this covers the hardware names
// and the QoS/observability knobs. Changes apply from the next engine
// start.
type Config struct {
	RXDevice string `mapstructure:"rx_device"`
	TXDevice string `mapstructure:"tx_device"`

	RealtimePriority int `mapstructure:"realtime_priority"`
	RXCPU            int `mapstructure:"rx_cpu"`
	TXCPU            int `mapstructure:"tx_cpu"`

	StatsIntervalSeconds int `mapstructure:"stats_interval_seconds"`

	MetricsListen string `mapstructure:"metrics_listen"`
}

const (
	userConfigFilepath = "config.yaml"

	userConfigName = "config"
	userConfigPath = "."
	configType     = "yaml"

	configKeyRXDevice      = "rx_device"
	configKeyTXDevice      = "tx_device"
	configKeyRTPriority    = "realtime_priority"
	configKeyRXCPU         = "rx_cpu"
	configKeyTXCPU         = "tx_cpu"
	configKeyStatsInterval = "stats_interval_seconds"
	configKeyMetricsListen = "metrics_listen"
)

func NewConfig(logger *zap.SugaredLogger) (*ConfigManager, error) {
	logger = logger.Named("config")

	cc := &ConfigManager{
		logger:             logger,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(userConfigPath)

	userConfig.SetDefault(configKeyRXDevice, "cf-ad9361-lpc")
	userConfig.SetDefault(configKeyTXDevice, "cf-ad9361-dds-core-lpc")
	userConfig.SetDefault(configKeyRTPriority, 10)
	userConfig.SetDefault(configKeyRXCPU, 0)
	userConfig.SetDefault(configKeyTXCPU, 1)
	userConfig.SetDefault(configKeyStatsInterval, 0)
	userConfig.SetDefault(configKeyMetricsListen, "")

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "path", userConfigFilepath)

	// the config file is optional; without one the defaults describe a
	// stock AD9361 platform
	if !util.FileExists(userConfigFilepath) {
		cc.logger.Debugw("Config file not found, using defaults", "path", userConfigFilepath)
		return cc.populateFromViper()
	}

	if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)
		return fmt.Errorf("read user config: %w", err)
	}

	if err := cc.populateFromViper(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"rxDevice", cc.current.RXDevice,
		"txDevice", cc.current.TXDevice,
		"realtimePriority", cc.current.RealtimePriority,
		"statsIntervalSeconds", cc.current.StatsIntervalSeconds)

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", userConfigFilepath)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write == fsnotify.Write {
			now := time.Now()

			// many editors write a file twice; skip the duplicate event
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				if err := cc.Load(); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")
					cc.onConfigReloaded()
				}

				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

func (cc *ConfigManager) populateFromViper() error {
	err := cc.userConfig.Unmarshal(&cc.current, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
	})
	if err != nil {
		return err
	}

	// both engines pinned to the same core defeats the point of pinning
	cpus := []int{cc.current.RXCPU, cc.current.TXCPU}
	if cc.current.RXCPU >= 0 && len(funk.UniqInt(cpus)) != len(cpus) {
		cc.logger.Warnw("RX and TX engines pinned to the same CPU", "cpu", cc.current.RXCPU)
	}

	cc.logger.Debug("Populated config fields from viper")

	return nil
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		consumer <- true
	}
}
