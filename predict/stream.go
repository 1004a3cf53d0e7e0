package predict

import (
	"context"
	"image"

	"fluxpredict/diffusion"
)

// frame is one rendered image and the seed it was drawn with.
type frame struct {
	index int
	seed  int64
	image image.Image
}

// frameStream renders one image per Next call until count images have been
// produced. Every frame draws its seed from a single stream seeded once per
// request, so a request is reproducible as a sequence.
type frameStream struct {
	session *diffusion.Session
	params  diffusion.RenderParams
	seeds   *diffusion.SeedStream
	count   int
	next    int
}

func newFrameStream(session *diffusion.Session, params diffusion.RenderParams, seed int64, count int) *frameStream {
	return &frameStream{
		session: session,
		params:  params,
		seeds:   diffusion.NewSeedStream(seed),
		count:   count,
	}
}

// Next returns the next frame, or false once the stream is exhausted.
func (s *frameStream) Next(ctx context.Context) (frame, bool, error) {
	if s.next >= s.count {
		return frame{}, false, nil
	}
	if err := ctx.Err(); err != nil {
		return frame{}, false, err
	}

	params := s.params
	params.Seed = s.seeds.Next()
	img, err := s.session.Render(ctx, params)
	if err != nil {
		return frame{}, false, err
	}
	f := frame{index: s.next, seed: params.Seed, image: img}
	s.next++
	return f, true, nil
}
