package predict

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"math/rand/v2"
	"testing"
)

func noisyImage(w, h int) image.Image {
	rng := rand.New(rand.NewPCG(1, 2))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(x*4 + rng.IntN(40)),
				G: uint8(y*4 + rng.IntN(40)),
				B: uint8(rng.IntN(256)),
				A: 255,
			})
		}
	}
	return img
}

func encodedSize(t *testing.T, img image.Image, format string, quality int) int {
	t.Helper()
	var buf bytes.Buffer
	if err := Encode(&buf, img, format, quality); err != nil {
		t.Fatalf("Encode(%s, %d): %v", format, quality, err)
	}
	return buf.Len()
}

func TestEncode_PNGIgnoresQuality(t *testing.T) {
	img := noisyImage(64, 64)
	high := encodedSize(t, img, FormatPNG, 100)
	low := encodedSize(t, img, FormatPNG, 5)
	if high != low {
		t.Errorf("png size depends on quality: %d vs %d", high, low)
	}
}

func TestEncode_LossyShrinksWithQuality(t *testing.T) {
	img := noisyImage(64, 64)
	for _, format := range []string{FormatJPG, FormatWebP} {
		t.Run(format, func(t *testing.T) {
			high := encodedSize(t, img, format, 95)
			low := encodedSize(t, img, format, 10)
			if low >= high {
				t.Errorf("quality 10 gave %d bytes, quality 95 gave %d", low, high)
			}
		})
	}
}

func TestEncode_UnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, noisyImage(8, 8), "gif", 80); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("error = %v, want ErrInvalidRequest", err)
	}
}
