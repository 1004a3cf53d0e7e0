// Package logging provides the structured logger used across fluxpredict.
//
// Logger wraps zap and adds automatic redaction of credentials (API tokens,
// registry tokens, passwords) before entries reach any sink. Output is teed to
// the console and to a rotating JSON log file.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures a Logger.
type Options struct {
	// Level is the minimum enabled level. Defaults to Info (Debug in development).
	Level *zapcore.Level

	// Development switches the console to a colored, human-readable encoder.
	Development bool

	// FilePath is the rotating log file. Empty disables file output.
	FilePath string

	// Rotation overrides the lumberjack rotation settings.
	Rotation FileWriterConfig
}

// Logger is a redacting wrapper around zap.Logger.
//
// Example:
//
//	logger, err := logging.New(logging.Options{FilePath: "fluxpredict.log"})
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	logger.Info("pipeline loaded", zap.String("model", "black-forest-labs/FLUX.1-dev"))
type Logger struct {
	zap           *zap.Logger
	sugar         *zap.SugaredLogger
	isDevelopment bool
	logFilePath   string
}

// New builds a Logger from opts.
func New(opts Options) (*Logger, error) {
	level := zapcore.InfoLevel
	if opts.Development {
		level = zapcore.DebugLevel
	}
	if opts.Level != nil {
		level = *opts.Level
	}

	var fileWriter zapcore.WriteSyncer
	if opts.FilePath != "" {
		cfg := opts.Rotation
		if cfg == (FileWriterConfig{}) {
			cfg = DefaultFileWriterConfig()
		}
		fileWriter = NewFileWriterWithConfig(opts.FilePath, cfg)
	}

	core, err := NewTeeCore(level, stdoutSyncer{}, fileWriter, opts.Development)
	if err != nil {
		return nil, fmt.Errorf("failed to create log core: %w", err)
	}

	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &Logger{
		zap:           z,
		sugar:         z.Sugar(),
		isDevelopment: opts.Development,
		logFilePath:   opts.FilePath,
	}, nil
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	return FromZap(zap.NewNop())
}

// FromZap wraps an existing zap logger, typically zaptest.NewLogger in tests.
func FromZap(z *zap.Logger) *Logger {
	z = z.WithOptions(zap.AddCallerSkip(1))
	return &Logger{zap: z, sugar: z.Sugar()}
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	if l == nil || l.zap == nil {
		return nil
	}
	return l.zap.Sync()
}

func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.zap.Debug(msg, redactFields(fields)...)
}

func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.zap.Info(msg, redactFields(fields)...)
}

func (l *Logger) Warn(msg string, fields ...zap.Field) {
	l.zap.Warn(msg, redactFields(fields)...)
}

func (l *Logger) Error(msg string, fields ...zap.Field) {
	l.zap.Error(msg, redactFields(fields)...)
}

// Fatal logs at FatalLevel and exits the process.
func (l *Logger) Fatal(msg string, fields ...zap.Field) {
	l.zap.Fatal(msg, redactFields(fields)...)
}

// Infow logs loosely typed key/value pairs at InfoLevel.
func (l *Logger) Infow(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, redactKeysAndValues(keysAndValues)...)
}

// Warnw logs loosely typed key/value pairs at WarnLevel.
func (l *Logger) Warnw(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, redactKeysAndValues(keysAndValues)...)
}

// With returns a child logger carrying fields on every entry.
func (l *Logger) With(fields ...zap.Field) *Logger {
	z := l.zap.With(redactFields(fields)...)
	return l.derive(z)
}

// Named returns a child logger with a sub-name, e.g. "adapter" or "server".
func (l *Logger) Named(name string) *Logger {
	return l.derive(l.zap.Named(name))
}

func (l *Logger) derive(z *zap.Logger) *Logger {
	return &Logger{
		zap:           z,
		sugar:         z.Sugar(),
		isDevelopment: l.isDevelopment,
		logFilePath:   l.logFilePath,
	}
}

// Zap exposes the underlying logger for libraries that take a *zap.Logger.
// Entries written through it are not redacted.
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// Sugar exposes the sugared logger, e.g. to satisfy asynq.Logger.
func (l *Logger) Sugar() *zap.SugaredLogger {
	return l.sugar
}

func (l *Logger) IsDevelopment() bool {
	return l.isDevelopment
}

func (l *Logger) LogFilePath() string {
	return l.logFilePath
}

func redactFields(fields []zap.Field) []zap.Field {
	if len(fields) == 0 {
		return fields
	}
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		out[i] = redactField(f)
	}
	return out
}

func redactField(f zap.Field) zap.Field {
	if IsSensitiveField(f.Key) {
		return zap.String(f.Key, RedactedPlaceholder)
	}
	if f.Type == zapcore.StringType {
		if redacted := RedactSensitiveData(f.String); redacted != f.String {
			return zap.String(f.Key, redacted)
		}
	}
	return f
}

func redactKeysAndValues(kv []interface{}) []interface{} {
	if len(kv) == 0 {
		return kv
	}
	out := make([]interface{}, len(kv))
	copy(out, kv)
	for i := 0; i+1 < len(out); i += 2 {
		key, ok := out[i].(string)
		if !ok {
			continue
		}
		if IsSensitiveField(key) {
			out[i+1] = RedactedPlaceholder
			continue
		}
		if s, ok := out[i+1].(string); ok {
			out[i+1] = RedactSensitiveData(s)
		}
	}
	return out
}
