package diffusion

import (
	"context"
	"image"
)

// NativeBackend reserves the in-process backend slot. No in-process FLUX
// engine is linked into this build, so Load always fails with
// ErrNativeUnavailable and the other methods report ErrNotLoaded.
type NativeBackend struct{}

// NewNativeBackend returns an unloaded native backend.
func NewNativeBackend() *NativeBackend {
	return &NativeBackend{}
}

func (b *NativeBackend) Name() string { return "native" }

func (b *NativeBackend) Load(ctx context.Context, opts LoadOptions) error {
	return ErrNativeUnavailable
}

func (b *NativeBackend) AttachAdapter(ctx context.Context, w AdapterWeights) error {
	return ErrNotLoaded
}

func (b *NativeBackend) DetachAdapter(ctx context.Context) error {
	return ErrNotLoaded
}

func (b *NativeBackend) Render(ctx context.Context, p RenderParams) (image.Image, error) {
	return nil, ErrNotLoaded
}

func (b *NativeBackend) Close() error { return nil }
