// Package logger holds the process-wide structured logger.
package logger

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the global logger. It discards everything until Initialize runs.
	Logger *zap.SugaredLogger
	// JSONOutput reports whether Initialize selected JSON output
	JSONOutput bool
)

func init() {
	Logger = zap.NewNop().Sugar()
}

// ParseLevel maps a config value such as "debug" or "WARN" to a zap level.
// An empty string means info.
func ParseLevel(level string) (zapcore.Level, error) {
	if strings.TrimSpace(level) == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return l, errors.Newf("unknown log level %q", level)
	}
	return l, nil
}

// Initialize sets up the global logger. JSON output goes through the zap
// production config; otherwise a console encoder writes to stderr so that
// progress output on stdout stays readable.
func Initialize(jsonOutput bool, level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}

	var zapLogger *zap.Logger
	if jsonOutput {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(lvl)
		zapLogger, err = config.Build()
		if err != nil {
			return errors.Wrap(err, "build json logger")
		}
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapLogger = zap.New(zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.AddSync(os.Stderr),
			lvl,
		))
	}

	JSONOutput = jsonOutput
	Logger = zapLogger.Sugar()
	return nil
}

// ComponentLogger returns the global logger tagged with a component name
func ComponentLogger(component string) *zap.SugaredLogger {
	return Logger.With(FieldComponent, component)
}

// Cleanup flushes any buffered log entries
func Cleanup() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}
