package logger

import "go.uber.org/zap/zapcore"

// Verbosity level constants for CLI flag counts.
const (
	VerbosityDefault = 0 // No flags: configured level
	VerbosityInfo    = 1 // -v: at least info
	VerbosityDebug   = 2 // -vv: debug
)

// LevelForVerbosity lowers base according to the -v flag count. Verbosity
// never raises the level above what the config asked for.
func LevelForVerbosity(base zapcore.Level, verbosity int) zapcore.Level {
	var lvl zapcore.Level
	switch {
	case verbosity >= VerbosityDebug:
		lvl = zapcore.DebugLevel
	case verbosity == VerbosityInfo:
		lvl = zapcore.InfoLevel
	default:
		return base
	}
	if lvl < base {
		return lvl
	}
	return base
}
