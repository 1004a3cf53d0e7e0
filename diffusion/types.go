package diffusion

import (
	"context"
	"fmt"
	"image"
)

// Precision is the tensor dtype a model is loaded at.
type Precision string

const (
	BFloat16 Precision = "bfloat16"
	Float16  Precision = "float16"
	Float32  Precision = "float32"
)

// DefaultMaxSequenceLength is the prompt token limit of the T5 encoder.
const DefaultMaxSequenceLength = 512

// LoadOptions selects the pretrained pipeline to instantiate.
type LoadOptions struct {
	// Source is the pretrained model id, e.g. "black-forest-labs/FLUX.1-dev".
	Source    string
	CacheDir  string
	Precision Precision
	Device    string
	// Offline forbids the model library from reaching the network.
	Offline bool
}

// AdapterWeights identifies LoRA weights to blend into the pipeline.
type AdapterWeights struct {
	// Source is a registry slug ("owner/name") or a local file path.
	Source string
	// WeightName selects a file inside a registry repository.
	WeightName string
	// Local reports whether Source is a path on this machine.
	Local bool
}

func (a AdapterWeights) String() string {
	if a.WeightName != "" {
		return fmt.Sprintf("%s (%s)", a.Source, a.WeightName)
	}
	return a.Source
}

// RenderParams describes one image.
type RenderParams struct {
	Prompt            string
	Width             int
	Height            int
	Steps             int
	GuidanceScale     float64
	Seed              int64
	MaxSequenceLength int
	// HasAdapter reports whether an adapter is attached. AdapterScale is
	// only meaningful when it is set; 0 is a valid blend weight.
	HasAdapter   bool
	AdapterScale float64
}

// Backend is an inference engine capable of holding one pipeline.
// Implementations need not be safe for concurrent use; Pipeline serializes calls.
type Backend interface {
	Name() string
	Load(ctx context.Context, opts LoadOptions) error
	AttachAdapter(ctx context.Context, w AdapterWeights) error
	DetachAdapter(ctx context.Context) error
	Render(ctx context.Context, p RenderParams) (image.Image, error)
	Close() error
}
