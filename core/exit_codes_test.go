package core

import (
	"errors"
	"os"
	"syscall"
	"testing"
)

func TestExitCodeForSignal(t *testing.T) {
	tests := []struct {
		sig  os.Signal
		want int
	}{
		{os.Interrupt, ExitCodeSIGINT},
		{syscall.SIGTERM, ExitCodeSIGTERM},
		{syscall.SIGHUP, ExitCodeError},
	}
	for _, tt := range tests {
		if got := ExitCodeForSignal(tt.sig); got != tt.want {
			t.Errorf("ExitCodeForSignal(%v) = %d, want %d", tt.sig, got, tt.want)
		}
	}
}

func TestExitCodeForError(t *testing.T) {
	if got := ExitCodeForError(nil); got != ExitCodeSuccess {
		t.Errorf("nil error -> %d", got)
	}
	if got := ExitCodeForError(errors.New("boom")); got != ExitCodeError {
		t.Errorf("plain error -> %d", got)
	}
	if got := ExitCodeForError(ErrMissingConfig("X")); got != ExitCodeConfig {
		t.Errorf("config error -> %d", got)
	}
}

func TestExitCodeName(t *testing.T) {
	if ExitCodeName(ExitCodeSIGTERM) != "terminated (SIGTERM)" {
		t.Errorf("unexpected name %q", ExitCodeName(ExitCodeSIGTERM))
	}
	if ExitCodeName(42) != "unknown" {
		t.Errorf("unexpected name %q", ExitCodeName(42))
	}
}
