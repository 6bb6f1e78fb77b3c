package sdrgadget

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/util"
)

const (
	logDirectory = "logs"
	logFilename  = "sdr-gadget.log"
)

// NewLogger provides a logger that writes human-readable output to both
// stderr and a log file. Debug builds get debug-level output.
func NewLogger(buildType string) (*zap.SugaredLogger, error) {
	var loggerConfig zap.Config

	if buildType == "release" {
		loggerConfig = zap.NewProductionConfig()
		loggerConfig.Encoding = "console"
		loggerConfig.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		loggerConfig = zap.NewDevelopmentConfig()
	}

	if err := util.EnsureDirExists(logDirectory); err != nil {
		return nil, fmt.Errorf("ensure log directory exists: %w", err)
	}

	logFilePath := filepath.Join(logDirectory, logFilename)

	// delete the previous log file, we only care about the current run
	if util.FileExists(logFilePath) {
		if err := os.Remove(logFilePath); err != nil {
			return nil, fmt.Errorf("delete old log file: %w", err)
		}
	}

	loggerConfig.OutputPaths = []string{"stderr", logFilePath}
	loggerConfig.EncoderConfig.EncodeCaller = nil
	loggerConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}

	return logger.Sugar(), nil
}
