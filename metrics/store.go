package metrics

import (
	"sync"
	"time"
)

// DefaultHistory is the number of recent predictions a Store keeps.
const DefaultHistory = 100

// successStatus is the record status counted as a success.
const successStatus = "succeeded"

type sourceStats struct {
	count         int64
	successCount  int64
	totalDuration time.Duration
}

// Store aggregates prediction records and the latest GPU sample. It is safe
// for concurrent use.
//
//	store := metrics.NewStore(100, time.Now())
//	store.RecordPrediction(rec)
//	snap := store.Snapshot(10)
type Store struct {
	mu sync.RWMutex

	recent []PredictionRecord
	head   int
	size   int

	total     int64
	generated int64
	accepted  int64
	byStatus  map[string]int64
	bySource  map[string]*sourceStats

	gpu       GPUSample
	gpuLoaded bool

	startTime time.Time
}

// NewStore returns a Store keeping the last history records.
func NewStore(history int, startTime time.Time) *Store {
	if history < 1 {
		history = DefaultHistory
	}
	return &Store{
		recent:    make([]PredictionRecord, history),
		byStatus:  make(map[string]int64),
		bySource:  make(map[string]*sourceStats),
		startTime: startTime,
	}
}

// RecordPrediction adds a finished prediction.
func (s *Store) RecordPrediction(r PredictionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent[s.head] = r
	s.head = (s.head + 1) % len(s.recent)
	if s.size < len(s.recent) {
		s.size++
	}

	s.total++
	s.generated += int64(r.Generated)
	s.accepted += int64(r.Accepted)
	s.byStatus[r.Status]++

	stats, ok := s.bySource[r.Source]
	if !ok {
		stats = &sourceStats{}
		s.bySource[r.Source] = stats
	}
	stats.count++
	if r.Status == successStatus {
		stats.successCount++
	}
	stats.totalDuration += r.Duration
}

// Predictions returns the aggregated statistics.
func (s *Store) Predictions() PredictionMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := PredictionMetrics{
		Total:           s.total,
		ByStatus:        make(map[string]int64, len(s.byStatus)),
		BySource:        make(map[string]*SourceMetrics, len(s.bySource)),
		ImagesGenerated: s.generated,
		ImagesAccepted:  s.accepted,
	}
	for status, n := range s.byStatus {
		m.ByStatus[status] = n
	}
	for source, stats := range s.bySource {
		sm := &SourceMetrics{Count: stats.count}
		if stats.count > 0 {
			sm.SuccessRate = float64(stats.successCount) / float64(stats.count) * 100
			sm.AvgDuration = stats.totalDuration / time.Duration(stats.count)
		}
		m.BySource[source] = sm
	}
	return m
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(limit int) []PredictionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit > s.size {
		limit = s.size
	}
	if limit <= 0 {
		return []PredictionRecord{}
	}
	out := make([]PredictionRecord, limit)
	n := len(s.recent)
	for i := 0; i < limit; i++ {
		out[i] = s.recent[(s.head-1-i+n)%n]
	}
	return out
}

// UpdateGPU stores the latest GPU sample.
func (s *Store) UpdateGPU(g GPUSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gpu = g
	s.gpuLoaded = true
}

// GPU returns the latest sample and whether one exists.
func (s *Store) GPU() (GPUSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gpu, s.gpuLoaded
}

// Snapshot returns the aggregates and up to recent newest records.
func (s *Store) Snapshot(recent int) Snapshot {
	snap := Snapshot{
		Uptime:      time.Since(s.startTime),
		Predictions: s.Predictions(),
		Recent:      s.Recent(recent),
	}
	if g, ok := s.GPU(); ok {
		snap.GPU = &g
	}
	return snap
}
