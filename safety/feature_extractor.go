package safety

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"
)

// PreprocessorConfigFile is the feature extractor configuration file name.
const PreprocessorConfigFile = "preprocessor_config.json"

// CLIP ViT-L/14 preprocessing defaults.
var (
	clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	clipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

const clipSize = 224

// FeatureExtractor maps images to classifier input: resize the shortest side,
// center crop, rescale to [0, 1], normalize per channel, CHW layout.
type FeatureExtractor struct {
	ShortestEdge  int
	CropWidth     int
	CropHeight    int
	Mean          [3]float32
	Std           [3]float32
	RescaleFactor float32
	DoResize      bool
	DoCenterCrop  bool
	DoNormalize   bool
}

// DefaultFeatureExtractor returns CLIP defaults.
func DefaultFeatureExtractor() *FeatureExtractor {
	return &FeatureExtractor{
		ShortestEdge:  clipSize,
		CropWidth:     clipSize,
		CropHeight:    clipSize,
		Mean:          clipMean,
		Std:           clipStd,
		RescaleFactor: 1.0 / 255,
		DoResize:      true,
		DoCenterCrop:  true,
		DoNormalize:   true,
	}
}

// preprocessorConfig is the on-disk format. size and crop_size are either a
// plain integer or an object, depending on the library version that wrote it.
type preprocessorConfig struct {
	Size          json.RawMessage `json:"size"`
	CropSize      json.RawMessage `json:"crop_size"`
	ImageMean     []float32       `json:"image_mean"`
	ImageStd      []float32       `json:"image_std"`
	RescaleFactor *float32        `json:"rescale_factor"`
	DoResize      *bool           `json:"do_resize"`
	DoCenterCrop  *bool           `json:"do_center_crop"`
	DoNormalize   *bool           `json:"do_normalize"`
}

type sizeObject struct {
	ShortestEdge int `json:"shortest_edge"`
	Height       int `json:"height"`
	Width        int `json:"width"`
}

// LoadFeatureExtractor reads dir/preprocessor_config.json. A missing file
// yields the CLIP defaults.
func LoadFeatureExtractor(dir string) (*FeatureExtractor, error) {
	fe := DefaultFeatureExtractor()
	data, err := os.ReadFile(filepath.Join(dir, PreprocessorConfigFile))
	if errors.Is(err, fs.ErrNotExist) {
		return fe, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read feature extractor config: %w", err)
	}

	var cfg preprocessorConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", PreprocessorConfigFile, err)
	}

	if len(cfg.Size) > 0 {
		n, obj, err := parseSize(cfg.Size)
		if err != nil {
			return nil, fmt.Errorf("parse size: %w", err)
		}
		switch {
		case n > 0:
			fe.ShortestEdge = n
		case obj.ShortestEdge > 0:
			fe.ShortestEdge = obj.ShortestEdge
		case obj.Height > 0:
			fe.ShortestEdge = min(obj.Height, obj.Width)
		}
	}
	if len(cfg.CropSize) > 0 {
		n, obj, err := parseSize(cfg.CropSize)
		if err != nil {
			return nil, fmt.Errorf("parse crop_size: %w", err)
		}
		if n > 0 {
			fe.CropWidth, fe.CropHeight = n, n
		} else if obj.Height > 0 && obj.Width > 0 {
			fe.CropWidth, fe.CropHeight = obj.Width, obj.Height
		}
	}
	if len(cfg.ImageMean) == 3 {
		copy(fe.Mean[:], cfg.ImageMean)
	}
	if len(cfg.ImageStd) == 3 {
		copy(fe.Std[:], cfg.ImageStd)
	}
	if cfg.RescaleFactor != nil {
		fe.RescaleFactor = *cfg.RescaleFactor
	}
	if cfg.DoResize != nil {
		fe.DoResize = *cfg.DoResize
	}
	if cfg.DoCenterCrop != nil {
		fe.DoCenterCrop = *cfg.DoCenterCrop
	}
	if cfg.DoNormalize != nil {
		fe.DoNormalize = *cfg.DoNormalize
	}

	for _, s := range fe.Std {
		if s == 0 {
			return nil, fmt.Errorf("image_std must be non-zero")
		}
	}
	return fe, nil
}

func parseSize(raw json.RawMessage) (int, sizeObject, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, sizeObject{}, nil
	}
	var obj sizeObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return 0, sizeObject{}, err
	}
	return 0, obj, nil
}

// OutputSize returns the width and height of preprocessed images.
func (fe *FeatureExtractor) OutputSize(src image.Rectangle) (int, int) {
	w, h := src.Dx(), src.Dy()
	if fe.DoResize {
		w, h = resizedDims(w, h, fe.ShortestEdge)
	}
	if fe.DoCenterCrop {
		w, h = fe.CropWidth, fe.CropHeight
	}
	return w, h
}

func resizedDims(w, h, shortest int) (int, int) {
	if w <= h {
		return shortest, max(1, h*shortest/w)
	}
	return max(1, w*shortest/h), shortest
}

// Preprocess returns the pixel values of img as float32 in CHW order.
func (fe *FeatureExtractor) Preprocess(img image.Image) []float32 {
	src := img
	b := img.Bounds()

	if fe.DoResize {
		w, h := resizedDims(b.Dx(), b.Dy(), fe.ShortestEdge)
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		src = dst
		b = dst.Bounds()
	}

	crop := b
	if fe.DoCenterCrop {
		x0 := b.Min.X + (b.Dx()-fe.CropWidth)/2
		y0 := b.Min.Y + (b.Dy()-fe.CropHeight)/2
		crop = image.Rect(x0, y0, x0+fe.CropWidth, y0+fe.CropHeight)
	}

	w, h := crop.Dx(), crop.Dy()
	plane := w * h
	out := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px, py := crop.Min.X+x, crop.Min.Y+y
			var rgb [3]float32
			if image.Pt(px, py).In(b) {
				r, g, bl, _ := src.At(px, py).RGBA()
				rgb = [3]float32{float32(r >> 8), float32(g >> 8), float32(bl >> 8)}
			}
			for c := 0; c < 3; c++ {
				v := rgb[c] * fe.RescaleFactor
				if fe.DoNormalize {
					v = (v - fe.Mean[c]) / fe.Std[c]
				}
				out[c*plane+y*w+x] = v
			}
		}
	}
	return out
}
