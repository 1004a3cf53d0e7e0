package safety

import (
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func uniform(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestLoadFeatureExtractor_Defaults(t *testing.T) {
	fe, err := LoadFeatureExtractor(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFeatureExtractor: %v", err)
	}
	if fe.ShortestEdge != 224 || fe.CropWidth != 224 || fe.CropHeight != 224 {
		t.Errorf("sizes = %d/%dx%d", fe.ShortestEdge, fe.CropWidth, fe.CropHeight)
	}
	if fe.Mean != clipMean || fe.Std != clipStd {
		t.Error("CLIP mean/std expected")
	}
}

func TestLoadFeatureExtractor_Formats(t *testing.T) {
	tests := []struct {
		name     string
		json     string
		shortest int
		cropW    int
		cropH    int
	}{
		{
			name:     "integer sizes",
			json:     `{"size": 256, "crop_size": 240}`,
			shortest: 256, cropW: 240, cropH: 240,
		},
		{
			name:     "object sizes",
			json:     `{"size": {"shortest_edge": 224}, "crop_size": {"height": 200, "width": 210}}`,
			shortest: 224, cropW: 210, cropH: 200,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			os.WriteFile(filepath.Join(dir, PreprocessorConfigFile), []byte(tt.json), 0o644)

			fe, err := LoadFeatureExtractor(dir)
			if err != nil {
				t.Fatalf("LoadFeatureExtractor: %v", err)
			}
			if fe.ShortestEdge != tt.shortest || fe.CropWidth != tt.cropW || fe.CropHeight != tt.cropH {
				t.Errorf("got %d %dx%d", fe.ShortestEdge, fe.CropWidth, fe.CropHeight)
			}
		})
	}
}

func TestLoadFeatureExtractor_Invalid(t *testing.T) {
	for _, body := range []string{`{not json`, `{"image_std": [0, 1, 1]}`, `{"size": "large"}`} {
		dir := t.TempDir()
		os.WriteFile(filepath.Join(dir, PreprocessorConfigFile), []byte(body), 0o644)
		if _, err := LoadFeatureExtractor(dir); err == nil {
			t.Errorf("expected error for %s", body)
		}
	}
}

func TestPreprocess_ShapeAndNormalization(t *testing.T) {
	fe := DefaultFeatureExtractor()
	img := uniform(1344, 768, color.RGBA{R: 255, G: 0, B: 128, A: 255})

	out := fe.Preprocess(img)
	if len(out) != 3*224*224 {
		t.Fatalf("len = %d, want %d", len(out), 3*224*224)
	}
	if w, h := fe.OutputSize(img.Bounds()); w != 224 || h != 224 {
		t.Errorf("OutputSize = %dx%d", w, h)
	}

	plane := 224 * 224
	want := [3]float32{
		(1 - clipMean[0]) / clipStd[0],
		(0 - clipMean[1]) / clipStd[1],
		(128.0/255 - clipMean[2]) / clipStd[2],
	}
	for c := 0; c < 3; c++ {
		got := out[c*plane+112*224+112]
		if math.Abs(float64(got-want[c])) > 1e-3 {
			t.Errorf("channel %d = %v, want %v", c, got, want[c])
		}
	}
}

func TestResizedDims(t *testing.T) {
	tests := []struct{ w, h, wantW, wantH int }{
		{1024, 1024, 224, 224},
		{1344, 768, 392, 224},
		{640, 1536, 224, 537},
	}
	for _, tt := range tests {
		if w, h := resizedDims(tt.w, tt.h, 224); w != tt.wantW || h != tt.wantH {
			t.Errorf("resizedDims(%d, %d) = %dx%d, want %dx%d", tt.w, tt.h, w, h, tt.wantW, tt.wantH)
		}
	}
}
