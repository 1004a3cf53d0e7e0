package diffusion

import (
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"math"
	mrand "math/rand/v2"
	"sync"
)

// ProceduralBackend renders deterministic abstract images without a model.
// Output depends only on the render parameters and the attached adapter,
// which makes it suitable for dry runs and tests.
type ProceduralBackend struct {
	mu      sync.Mutex
	loaded  bool
	adapter *AdapterWeights
}

// NewProceduralBackend returns an unloaded procedural backend.
func NewProceduralBackend() *ProceduralBackend {
	return &ProceduralBackend{}
}

func (b *ProceduralBackend) Name() string { return "procedural" }

func (b *ProceduralBackend) Load(ctx context.Context, opts LoadOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loaded = true
	return nil
}

func (b *ProceduralBackend) AttachAdapter(ctx context.Context, w AdapterWeights) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adapter = &w
	return nil
}

func (b *ProceduralBackend) DetachAdapter(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adapter = nil
	return nil
}

func (b *ProceduralBackend) Render(ctx context.Context, p RenderParams) (image.Image, error) {
	b.mu.Lock()
	loaded, adapter := b.loaded, b.adapter
	b.mu.Unlock()
	if !loaded {
		return nil, ErrNotLoaded
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%g|%d", p.Prompt, p.Steps, p.GuidanceScale, p.MaxSequenceLength)
	if adapter != nil {
		fmt.Fprintf(h, "|%s|%g", adapter, p.AdapterScale)
	}
	rng := mrand.New(mrand.NewPCG(h.Sum64(), uint64(p.Seed)))

	palette := [3]color.RGBA{randomColor(rng), randomColor(rng), randomColor(rng)}
	fx := 1 + rng.Float64()*6
	fy := 1 + rng.Float64()*6
	phase := rng.Float64() * 2 * math.Pi

	img := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	for y := 0; y < p.Height; y++ {
		if y%64 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		v := float64(y) / float64(p.Height)
		for x := 0; x < p.Width; x++ {
			u := float64(x) / float64(p.Width)
			wave := 0.5 + 0.5*math.Sin(fx*u*2*math.Pi+phase)*math.Cos(fy*v*2*math.Pi)
			noise := rng.IntN(25) - 12
			img.SetRGBA(x, y, color.RGBA{
				R: channel(palette, u, v, wave, 0, noise),
				G: channel(palette, u, v, wave, 1, noise),
				B: channel(palette, u, v, wave, 2, noise),
				A: 255,
			})
		}
	}
	return img, nil
}

func (b *ProceduralBackend) Close() error { return nil }

func randomColor(rng *mrand.Rand) color.RGBA {
	return color.RGBA{R: uint8(rng.IntN(256)), G: uint8(rng.IntN(256)), B: uint8(rng.IntN(256)), A: 255}
}

func channel(p [3]color.RGBA, u, v, wave float64, i, noise int) uint8 {
	get := func(c color.RGBA) float64 {
		return float64([3]uint8{c.R, c.G, c.B}[i])
	}
	horizontal := get(p[0])*(1-u) + get(p[1])*u
	val := horizontal*(1-v*wave) + get(p[2])*v*wave + float64(noise)
	return uint8(math.Max(0, math.Min(255, val)))
}
