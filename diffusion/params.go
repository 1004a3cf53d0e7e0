package diffusion

import (
	"fmt"
	"strings"
)

// Size limits accepted by every backend.
const (
	MinDimension  = 64
	MaxDimension  = 2048
	DimensionStep = 16
)

// ValidateRenderParams checks p before it reaches a backend.
func ValidateRenderParams(p RenderParams) error {
	if strings.TrimSpace(p.Prompt) == "" {
		return fmt.Errorf("%w: prompt is empty", ErrInvalidParams)
	}
	for _, d := range []struct {
		name string
		v    int
	}{{"width", p.Width}, {"height", p.Height}} {
		if d.v < MinDimension || d.v > MaxDimension {
			return fmt.Errorf("%w: %s %d outside [%d, %d]", ErrInvalidParams, d.name, d.v, MinDimension, MaxDimension)
		}
		if d.v%DimensionStep != 0 {
			return fmt.Errorf("%w: %s %d is not a multiple of %d", ErrInvalidParams, d.name, d.v, DimensionStep)
		}
	}
	if p.Steps < 1 {
		return fmt.Errorf("%w: steps must be positive, got %d", ErrInvalidParams, p.Steps)
	}
	if p.GuidanceScale < 0 {
		return fmt.Errorf("%w: guidance scale must be non-negative, got %g", ErrInvalidParams, p.GuidanceScale)
	}
	if p.Seed < 0 {
		return fmt.Errorf("%w: seed must be non-negative, got %d", ErrInvalidParams, p.Seed)
	}
	if p.MaxSequenceLength < 1 || p.MaxSequenceLength > DefaultMaxSequenceLength {
		return fmt.Errorf("%w: max sequence length %d outside [1, %d]", ErrInvalidParams, p.MaxSequenceLength, DefaultMaxSequenceLength)
	}
	if p.AdapterScale < 0 || p.AdapterScale > 1 {
		return fmt.Errorf("%w: adapter scale %g outside [0, 1]", ErrInvalidParams, p.AdapterScale)
	}
	return nil
}
