// Package logger owns the process-wide zap logger used by every leadpulse
// entry point.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global logger instance
	Logger *zap.SugaredLogger
	// Flag to track if JSON output is enabled
	JSONOutput bool
)

func init() {
	// Safe no-op logger until Initialize is called
	Logger = zap.NewNop().Sugar()
}

// Options controls how the global logger is built.
type Options struct {
	JSON  bool          // production JSON encoder instead of console lines
	Level zapcore.Level // minimum level
	Plain bool          // no ANSI colour (web request context, redirected output)
}

// Initialize sets up the global logger.
// Console output always carries an ISO8601 timestamp so cron mail and
// redirected log files show when each line was written.
func Initialize(opts Options) error {
	zapLogger, err := Build(opts, zapcore.AddSync(os.Stdout))
	if err != nil {
		return err
	}
	JSONOutput = opts.JSON
	Logger = zapLogger.Sugar()
	return nil
}

// Build constructs a logger writing to ws. Exposed for tests that need to
// capture output.
func Build(opts Options, ws zapcore.WriteSyncer) (*zap.Logger, error) {
	if opts.JSON {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "ts"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), ws, opts.Level)), nil
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	encCfg.EncodeCaller = nil
	encCfg.CallerKey = ""
	encCfg.StacktraceKey = ""
	if opts.Plain {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	return zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), ws, opts.Level)), nil
}

// ParseLevel converts a config string ("debug", "info", "warn", "error") to a
// zap level. Unknown values fall back to info.
func ParseLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// Named returns a child of the global logger.
func Named(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// Cleanup flushes any buffered log entries
func Cleanup() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

// Infow logs an info message with structured fields
func Infow(msg string, keysAndValues ...interface{}) {
	Logger.Infow(msg, keysAndValues...)
}

// Warnw logs a warning message with structured fields
func Warnw(msg string, keysAndValues ...interface{}) {
	Logger.Warnw(msg, keysAndValues...)
}

// Errorw logs an error message with structured fields
func Errorw(msg string, keysAndValues ...interface{}) {
	Logger.Errorw(msg, keysAndValues...)
}

// Debugw logs a debug message with structured fields
func Debugw(msg string, keysAndValues ...interface{}) {
	Logger.Debugw(msg, keysAndValues...)
}
