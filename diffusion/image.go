package diffusion

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// DecodeBase64Image decodes a base64 PNG or JPEG payload.
func DecodeBase64Image(b64 string) (image.Image, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode base64 image: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// FitImage scales img to exactly width x height, cropping to preserve aspect.
// Images already at the target size are returned unchanged.
func FitImage(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	if b.Dx() == width && b.Dy() == height {
		return img
	}

	src := b
	if b.Dx()*height > b.Dy()*width {
		w := b.Dy() * width / height
		x0 := b.Min.X + (b.Dx()-w)/2
		src = image.Rect(x0, b.Min.Y, x0+w, b.Max.Y)
	} else if b.Dx()*height < b.Dy()*width {
		h := b.Dx() * height / width
		y0 := b.Min.Y + (b.Dy()-h)/2
		src = image.Rect(b.Min.X, y0, b.Max.X, y0+h)
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)
	return dst
}
