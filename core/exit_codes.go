package core

import (
	"os"
	"syscall"
)

// Process exit codes. Signal exits follow the 128+signo convention.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
	ExitCodeConfig  = 2 // configuration failed validation
	ExitCodeSIGINT  = 130
	ExitCodeSIGTERM = 143
)

// ExitCodeName returns a human-readable name for code.
func ExitCodeName(code int) string {
	switch code {
	case ExitCodeSuccess:
		return "success"
	case ExitCodeError:
		return "error"
	case ExitCodeConfig:
		return "configuration error"
	case ExitCodeSIGINT:
		return "interrupted (SIGINT)"
	case ExitCodeSIGTERM:
		return "terminated (SIGTERM)"
	default:
		return "unknown"
	}
}

// ExitCodeForSignal maps a termination signal to its exit code.
func ExitCodeForSignal(sig os.Signal) int {
	switch sig {
	case os.Interrupt:
		return ExitCodeSIGINT
	case syscall.SIGTERM:
		return ExitCodeSIGTERM
	default:
		return ExitCodeError
	}
}

// ExitCodeForError picks the exit code for a command failure.
func ExitCodeForError(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	if _, ok := IsConfigError(err); ok {
		return ExitCodeConfig
	}
	return ExitCodeError
}
