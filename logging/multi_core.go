package logging

import (
	"errors"
	"os"

	"go.uber.org/zap/zapcore"
)

// NewTeeCore builds a core writing to console and, when fileWriter is non-nil,
// to a JSON file. The console is human-readable in development, JSON otherwise.
func NewTeeCore(level zapcore.Level, console, fileWriter zapcore.WriteSyncer, isDev bool) (zapcore.Core, error) {
	if console == nil {
		return nil, errors.New("logging: console writer is required")
	}

	var consoleEncoder zapcore.Encoder
	if isDev {
		consoleEncoder = zapcore.NewConsoleEncoder(NewConsoleEncoderConfig())
	} else {
		consoleEncoder = zapcore.NewJSONEncoder(NewEncoderConfig())
	}
	cores := []zapcore.Core{zapcore.NewCore(consoleEncoder, console, level)}

	if fileWriter != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(NewEncoderConfig()), fileWriter, level))
	}
	return zapcore.NewTee(cores...), nil
}

// stdoutSyncer ignores Sync errors from terminals, which return EINVAL on Linux.
type stdoutSyncer struct{}

func (stdoutSyncer) Write(p []byte) (int, error) {
	return os.Stdout.Write(p)
}

func (stdoutSyncer) Sync() error {
	return nil
}
