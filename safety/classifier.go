package safety

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"net/http"

	"fluxpredict/runner"
)

// LoadOptions locates the classifier weights.
type LoadOptions struct {
	ModelDir  string
	Precision string
	Device    string
}

// Batch is a set of preprocessed images, each Channels x Height x Width.
type Batch struct {
	Pixels   [][]float32
	Channels int
	Height   int
	Width    int
}

// Classifier decides, per image, whether it contains unsafe content.
type Classifier interface {
	Name() string
	Load(ctx context.Context, opts LoadOptions) error
	Classify(ctx context.Context, batch Batch) ([]bool, error)
}

// RunnerClassifier runs the safety checker hosted by the runner sidecar.
type RunnerClassifier struct {
	client *runner.Client
}

// NewRunnerClassifier returns a classifier using client.
func NewRunnerClassifier(client *runner.Client) *RunnerClassifier {
	return &RunnerClassifier{client: client}
}

func (c *RunnerClassifier) Name() string { return "runner" }

type safetyLoadRequest struct {
	ModelDir   string `json:"model_dir"`
	TorchDtype string `json:"torch_dtype"`
	Device     string `json:"device"`
}

func (c *RunnerClassifier) Load(ctx context.Context, opts LoadOptions) error {
	return c.client.Do(ctx, http.MethodPost, "/v1/safety/load", safetyLoadRequest{
		ModelDir:   opts.ModelDir,
		TorchDtype: opts.Precision,
		Device:     opts.Device,
	}, nil)
}

// checkRequest carries pixel values as base64 little-endian float32 with shape [n, c, h, w].
type checkRequest struct {
	PixelValues string `json:"pixel_values"`
	Shape       [4]int `json:"shape"`
	Dtype       string `json:"dtype"`
}

type checkResponse struct {
	HasNSFWConcept []bool `json:"has_nsfw_concept"`
}

func (c *RunnerClassifier) Classify(ctx context.Context, batch Batch) ([]bool, error) {
	req := checkRequest{
		PixelValues: EncodeFloat32(batch.Pixels),
		Shape:       [4]int{len(batch.Pixels), batch.Channels, batch.Height, batch.Width},
		Dtype:       "float32",
	}
	var resp checkResponse
	if err := c.client.Do(ctx, http.MethodPost, "/v1/safety/check", req, &resp); err != nil {
		return nil, err
	}
	return resp.HasNSFWConcept, nil
}

// EncodeFloat32 packs the rows as little-endian float32 and base64-encodes them.
func EncodeFloat32(rows [][]float32) string {
	n := 0
	for _, r := range rows {
		n += len(r)
	}
	buf := make([]byte, 0, 4*n)
	for _, r := range rows {
		for _, v := range r {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeFloat32 reverses EncodeFloat32 into a flat slice.
func DecodeFloat32(s string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("payload length %d is not a multiple of 4", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, nil
}

