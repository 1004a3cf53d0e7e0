package db

import (
	"context"
	"sync"
	"time"
)

// DefaultChannelCapacity is the default buffer size of an AsyncWriter.
const DefaultChannelCapacity = 100

// WriteOperation is a queued write.
type WriteOperation struct {
	Data      any
	Timestamp time.Time
}

// WriteHandler applies one write.
type WriteHandler func(op WriteOperation) error

// AsyncWriter applies writes on a background goroutine so request paths do
// not wait on SQLite locks.
type AsyncWriter struct {
	writeChan chan WriteOperation
	handler   WriteHandler
	onError   func(WriteOperation, error)

	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
}

// NewAsyncWriter returns a writer with capacity pending operations.
// onError, if non-nil, receives handler failures.
func NewAsyncWriter(handler WriteHandler, capacity int, onError func(WriteOperation, error)) *AsyncWriter {
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncWriter{
		writeChan: make(chan WriteOperation, capacity),
		handler:   handler,
		onError:   onError,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the background goroutine. Calling it twice is a no-op.
func (w *AsyncWriter) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.processWrites()
}

func (w *AsyncWriter) processWrites() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			return
		case op := <-w.writeChan:
			w.apply(op)
		}
	}
}

func (w *AsyncWriter) drain() {
	for {
		select {
		case op := <-w.writeChan:
			w.apply(op)
		default:
			return
		}
	}
}

func (w *AsyncWriter) apply(op WriteOperation) {
	if err := w.handler(op); err != nil && w.onError != nil {
		w.onError(op, err)
	}
}

// Write queues data without blocking. It returns false when the buffer is
// full or the writer has stopped.
func (w *AsyncWriter) Write(data any) bool {
	if w.ctx.Err() != nil {
		return false
	}
	select {
	case w.writeChan <- WriteOperation{Data: data, Timestamp: time.Now()}:
		return true
	default:
		return false
	}
}

// Pending returns the number of queued operations.
func (w *AsyncWriter) Pending() int {
	return len(w.writeChan)
}

// IsStarted reports whether Start has been called.
func (w *AsyncWriter) IsStarted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// Stop drains pending writes and stops the goroutine, giving up after
// timeout. It reports whether the drain finished in time.
func (w *AsyncWriter) Stop(timeout time.Duration) bool {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
