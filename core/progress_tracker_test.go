package core

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestProgressTracker_SpeedAndETA(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	p := newProgressTrackerAt(1000, clock.now)

	clock.t = clock.t.Add(time.Second)
	p.Add(100)

	info := p.Snapshot()
	if info.Downloaded != 100 {
		t.Errorf("Downloaded = %d", info.Downloaded)
	}
	if info.Percent != 10 {
		t.Errorf("Percent = %v, want 10", info.Percent)
	}
	if info.SpeedBytesPerSec != 100 {
		t.Errorf("Speed = %v, want 100", info.SpeedBytesPerSec)
	}
	if info.ETA != 9*time.Second {
		t.Errorf("ETA = %v, want 9s", info.ETA)
	}
	if info.Elapsed != time.Second {
		t.Errorf("Elapsed = %v", info.Elapsed)
	}
}

func TestProgressTracker_UnknownTotal(t *testing.T) {
	p := NewProgressTracker(0)
	p.Add(42)

	info := p.Snapshot()
	if info.Percent != -1 {
		t.Errorf("Percent = %v, want -1", info.Percent)
	}
	if info.ETA != 0 {
		t.Errorf("ETA = %v, want 0", info.ETA)
	}
}

func TestProgressTracker_Resume(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	p := newProgressTrackerAt(200, clock.now)
	p.Resume(150)

	clock.t = clock.t.Add(time.Second)
	p.Add(10)

	info := p.Snapshot()
	if info.Downloaded != 160 {
		t.Errorf("Downloaded = %d, want 160", info.Downloaded)
	}
	if info.SpeedBytesPerSec != 10 {
		t.Errorf("Speed = %v, want 10 (resumed bytes must not count)", info.SpeedBytesPerSec)
	}
}
