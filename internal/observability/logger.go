// Package observability holds the process-wide loggers.
//
// CLILogger is a no-op until InitCLILogger runs, so packages may log from
// init paths and tests without a nil check.
package observability

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "STRUCTURED"
	ProfileConsole    = "CONSOLE"
)

// CLILogger is the logger used by CLI commands.
var CLILogger = zap.NewNop()

// InitCLILogger replaces CLILogger with a console logger writing to stderr.
// verbose lowers the level to debug.
func InitCLILogger(serviceName string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	CLILogger = newLogger(serviceName, level, ProfileConsole)
}

// NewLogger builds a service logger. level is a zap level name ("debug",
// "info", ...); unknown names fall back to info. profile selects JSON
// (STRUCTURED) or human-readable (CONSOLE) output.
func NewLogger(serviceName, level, profile string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	return newLogger(serviceName, lvl, profile)
}

func newLogger(serviceName string, level zapcore.Level, profile string) *zap.Logger {
	var encoder zapcore.Encoder
	if strings.EqualFold(profile, ProfileStructured) {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "ts"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.TimeKey = ""
		cfg.LevelKey = ""
		cfg.CallerKey = ""
		cfg.NameKey = ""
		encoder = zapcore.NewConsoleEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	logger := zap.New(core)
	if serviceName != "" && strings.EqualFold(profile, ProfileStructured) {
		logger = logger.With(zap.String("service", serviceName))
	}
	return logger
}
