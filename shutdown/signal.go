package shutdown

import (
	"os"
	"sync"
)

// SignalCounter implements "first signal drains, second signal exits".
type SignalCounter struct {
	mu         sync.Mutex
	count      int
	first      os.Signal
	forceAfter int
	onForce    func(os.Signal)
}

// NewSignalCounter calls onForce when the forceAfter-th signal arrives.
func NewSignalCounter(forceAfter int, onForce func(os.Signal)) *SignalCounter {
	return &SignalCounter{forceAfter: forceAfter, onForce: onForce}
}

// Observe records sig and returns how many signals have been seen.
func (s *SignalCounter) Observe(sig os.Signal) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	if s.first == nil {
		s.first = sig
	}
	if s.count >= s.forceAfter && s.onForce != nil {
		s.onForce(sig)
	}
	return s.count
}

// First returns the first signal observed, or nil.
func (s *SignalCounter) First() os.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first
}
