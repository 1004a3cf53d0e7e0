package predict

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/gen2brain/webp"
)

// Encode writes img to w in format. Quality (0..100) applies to jpg and
// webp; png is lossless and ignores it.
func Encode(w io.Writer, img image.Image, format string, quality int) error {
	switch format {
	case FormatPNG:
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		return enc.Encode(w, img)
	case FormatJPG:
		return jpeg.Encode(w, img, &jpeg.Options{Quality: clampQuality(quality)})
	case FormatWebP:
		return webp.Encode(w, img, webp.Options{Quality: clampQuality(quality), Method: 4})
	default:
		return fmt.Errorf("%w: unsupported output format %q", ErrInvalidRequest, format)
	}
}

// Quality 0 maps to the lowest setting the encoders accept.
func clampQuality(q int) int {
	switch {
	case q < 1:
		return 1
	case q > 100:
		return 100
	default:
		return q
	}
}
