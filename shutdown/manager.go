package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"fluxpredict/core"
	"fluxpredict/logging"
)

// Manager ties signal handling, operation tracking and ordered cleanup together.
//
//	m := shutdown.NewManager(logger, shutdown.WithTimeout(cfg.ShutdownTimeout))
//	m.Register("ledger", shutdown.PriorityStorage, func(ctx context.Context) error { return database.Close() })
//	m.Start()
//	<-m.Context().Done()
//	os.Exit(m.Shutdown())
type Manager struct {
	logger  *logging.Logger
	timeout time.Duration
	exit    func(int)

	ctx    context.Context
	cancel context.CancelFunc

	tracker  *OperationTracker
	registry *Registry
	signals  *SignalCounter
	sigChan  chan os.Signal

	mu       sync.Mutex
	started  bool
	shutdown bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout bounds the whole shutdown sequence. Default 60s.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithExit replaces os.Exit for the forced exit on a second signal.
func WithExit(exit func(int)) Option {
	return func(m *Manager) { m.exit = exit }
}

// NewManager returns a manager whose context is cancelled by the first
// SIGINT/SIGTERM once Start is called.
func NewManager(logger *logging.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:   logger.Named("shutdown"),
		timeout:  60 * time.Second,
		exit:     os.Exit,
		ctx:      ctx,
		cancel:   cancel,
		tracker:  NewOperationTracker(),
		registry: NewRegistry(),
		sigChan:  make(chan os.Signal, 2),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.signals = NewSignalCounter(2, func(sig os.Signal) {
		m.logger.Warn("second signal received, exiting immediately", zap.String("signal", sig.String()))
		m.exit(core.ExitCodeForSignal(sig))
	})
	return m
}

// Context is cancelled when shutdown begins.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Register adds a cleanup function; see the Priority constants.
func (m *Manager) Register(name string, priority int, fn core.ShutdownFunc) {
	m.registry.Register(name, priority, fn)
	m.logger.Debug("registered shutdown handler", zap.String("name", name), zap.Int("priority", priority))
}

// Start listens for SIGINT and SIGTERM. Calling it twice is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range m.sigChan {
			m.handleSignal(sig)
		}
	}()
}

func (m *Manager) handleSignal(sig os.Signal) {
	if m.signals.Observe(sig) == 1 {
		m.logger.Info("shutdown signal received, draining", zap.String("signal", sig.String()))
		m.cancel()
	}
}

// Trigger begins shutdown without a signal.
func (m *Manager) Trigger() {
	m.cancel()
}

// Track runs fn as an in-flight operation. Once shutdown has begun it
// returns ErrTrackerClosed without calling fn.
func (m *Manager) Track(ctx context.Context, name string, fn func(context.Context) error) error {
	if !m.tracker.Start() {
		m.logger.Debug("operation rejected during shutdown", zap.String("operation", name))
		return ErrTrackerClosed
	}
	defer m.tracker.Done()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// ActiveOperations returns the number of tracked operations in flight.
func (m *Manager) ActiveOperations() int64 {
	return m.tracker.ActiveCount()
}

// IsShuttingDown reports whether Shutdown has started.
func (m *Manager) IsShuttingDown() bool {
	return m.tracker.IsClosed()
}

// Shutdown drains in-flight operations, runs the cleanup functions and
// returns the process exit code: the signal's code when one was received,
// 1 when cleanup failed, 0 otherwise. Later calls return 0 immediately.
func (m *Manager) Shutdown() int {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return core.ExitCodeSuccess
	}
	m.shutdown = true
	m.mu.Unlock()

	start := time.Now()
	m.cancel()
	m.tracker.Close()
	if n := m.tracker.ActiveCount(); n > 0 {
		m.logger.Info("waiting for in-flight operations", zap.Int64("active", n))
	}
	if err := m.tracker.Wait(m.timeout); errors.Is(err, ErrWaitTimeout) {
		m.logger.Warn("in-flight operations did not finish",
			zap.Int64("remaining", m.tracker.ActiveCount()),
			zap.Duration("waited", time.Since(start)))
	}

	remaining := m.timeout - time.Since(start)
	if remaining < time.Second {
		remaining = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), remaining)
	defer cancel()

	m.logger.Info("running cleanup", zap.Strings("handlers", m.registry.Names()))
	errs := m.registry.Run(ctx)
	for _, err := range errs {
		m.logger.Error("cleanup failed", zap.Error(err))
	}

	signal.Stop(m.sigChan)

	code := core.ExitCodeSuccess
	if len(errs) > 0 {
		code = core.ExitCodeError
	}
	if sig := m.signals.First(); sig != nil {
		code = core.ExitCodeForSignal(sig)
	}
	m.logger.Info("shutdown complete",
		zap.Duration("took", time.Since(start)),
		zap.Int("exit_code", code),
		zap.String("exit", core.ExitCodeName(code)))
	return code
}

// Err summarizes why the manager's context ended.
func (m *Manager) Err() error {
	if sig := m.signals.First(); sig != nil {
		return fmt.Errorf("received %s", sig)
	}
	return m.ctx.Err()
}
