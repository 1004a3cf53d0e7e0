package core

import (
	"sync"
	"time"
)

// ProgressInfo is a snapshot of a transfer.
type ProgressInfo struct {
	Total      int64 // 0 when unknown
	Downloaded int64
	// Percent is 0-100, or -1 when Total is unknown.
	Percent          float64
	SpeedBytesPerSec float64
	ETA              time.Duration
	Elapsed          time.Duration
}

// ProgressTracker accumulates transferred bytes and derives speed and ETA
// from an exponential moving average. Safe for concurrent use.
type ProgressTracker struct {
	mu sync.Mutex

	total      int64
	downloaded int64
	start      time.Time
	lastTick   time.Time
	lastBytes  int64
	speed      float64
	now        func() time.Time
}

const speedAlpha = 0.3

// NewProgressTracker starts tracking a transfer of total bytes (0 if unknown).
func NewProgressTracker(total int64) *ProgressTracker {
	return newProgressTrackerAt(total, time.Now)
}

func newProgressTrackerAt(total int64, now func() time.Time) *ProgressTracker {
	t := now()
	return &ProgressTracker{total: total, start: t, lastTick: t, now: now}
}

// Add records n more bytes.
func (p *ProgressTracker) Add(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.downloaded += n

	t := p.now()
	dt := t.Sub(p.lastTick).Seconds()
	if dt < 0.1 {
		return
	}
	instant := float64(p.downloaded-p.lastBytes) / dt
	if p.speed == 0 {
		p.speed = instant
	} else {
		p.speed = speedAlpha*instant + (1-speedAlpha)*p.speed
	}
	p.lastTick = t
	p.lastBytes = p.downloaded
}

// Resume marks offset bytes as already present without counting them toward speed.
func (p *ProgressTracker) Resume(offset int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.downloaded = offset
	p.lastBytes = offset
}

// Snapshot returns the current progress.
func (p *ProgressTracker) Snapshot() ProgressInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := ProgressInfo{
		Total:            p.total,
		Downloaded:       p.downloaded,
		Percent:          -1,
		SpeedBytesPerSec: p.speed,
		Elapsed:          p.now().Sub(p.start),
	}
	if p.total > 0 {
		info.Percent = float64(p.downloaded) * 100 / float64(p.total)
		if info.Percent > 100 {
			info.Percent = 100
		}
		if remaining := p.total - p.downloaded; remaining > 0 && p.speed > 0 {
			info.ETA = time.Duration(float64(remaining) / p.speed * float64(time.Second))
		}
	}
	return info
}

// Downloaded returns the byte count so far.
func (p *ProgressTracker) Downloaded() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.downloaded
}
