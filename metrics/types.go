// Package metrics keeps in-memory prediction statistics and GPU samples for
// the /stats endpoint.
package metrics

import "time"

// PredictionRecord is one finished prediction.
type PredictionRecord struct {
	ID        string        `json:"id"`
	Source    string        `json:"source"`
	Status    string        `json:"status"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Generated int           `json:"generated"`
	Accepted  int           `json:"accepted"`
	Error     string        `json:"error,omitempty"`
}

// GPUSample is one nvidia-smi reading. Memory is in bytes.
type GPUSample struct {
	Utilization float64   `json:"utilization"`
	Temperature float64   `json:"temperature"`
	MemoryTotal int64     `json:"memory_total"`
	MemoryUsed  int64     `json:"memory_used"`
	MemoryFree  int64     `json:"memory_free"`
	SampledAt   time.Time `json:"sampled_at"`
}

// SourceMetrics aggregates predictions from one source.
type SourceMetrics struct {
	Count       int64         `json:"count"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// PredictionMetrics aggregates every recorded prediction.
type PredictionMetrics struct {
	Total    int64                     `json:"total"`
	ByStatus map[string]int64          `json:"by_status"`
	BySource map[string]*SourceMetrics `json:"by_source"`
	// Images counts generated and accepted images across predictions.
	ImagesGenerated int64 `json:"images_generated"`
	ImagesAccepted  int64 `json:"images_accepted"`
}

// Snapshot is everything /stats reports from this package.
type Snapshot struct {
	Uptime      time.Duration      `json:"uptime"`
	Predictions PredictionMetrics  `json:"predictions"`
	Recent      []PredictionRecord `json:"recent"`
	// GPU is nil when no sample has been collected.
	GPU *GPUSample `json:"gpu,omitempty"`
}
