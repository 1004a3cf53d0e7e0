package logging

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// ParseLevel parses debug, info, warn(ing), error or fatal, case-insensitively.
// Unknown or empty values yield def.
func ParseLevel(s string, def zapcore.Level) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return def
	}
}
