package diffusion

import (
	"context"
	"fmt"
	"image"
	"net/http"

	"fluxpredict/runner"
)

// RunnerBackend drives the pipeline hosted by the runner sidecar.
type RunnerBackend struct {
	client *runner.Client
}

// NewRunnerBackend returns a backend using client.
func NewRunnerBackend(client *runner.Client) *RunnerBackend {
	return &RunnerBackend{client: client}
}

func (b *RunnerBackend) Name() string { return "runner" }

type loadRequest struct {
	Model      string `json:"model"`
	CacheDir   string `json:"cache_dir"`
	TorchDtype string `json:"torch_dtype"`
	Device     string `json:"device"`
	Offline    bool   `json:"offline"`
}

func (b *RunnerBackend) Load(ctx context.Context, opts LoadOptions) error {
	return b.client.Do(ctx, http.MethodPost, "/v1/pipelines/load", loadRequest{
		Model:      opts.Source,
		CacheDir:   opts.CacheDir,
		TorchDtype: string(opts.Precision),
		Device:     opts.Device,
		Offline:    opts.Offline,
	}, nil)
}

type adapterRequest struct {
	Source     string `json:"source"`
	WeightName string `json:"weight_name,omitempty"`
	Local      bool   `json:"local"`
}

func (b *RunnerBackend) AttachAdapter(ctx context.Context, w AdapterWeights) error {
	return b.client.Do(ctx, http.MethodPost, "/v1/pipelines/lora", adapterRequest{
		Source:     w.Source,
		WeightName: w.WeightName,
		Local:      w.Local,
	}, nil)
}

func (b *RunnerBackend) DetachAdapter(ctx context.Context) error {
	return b.client.Do(ctx, http.MethodDelete, "/v1/pipelines/lora", nil, nil)
}

type generateRequest struct {
	Prompt            string   `json:"prompt"`
	Width             int      `json:"width"`
	Height            int      `json:"height"`
	NumInferenceSteps int      `json:"num_inference_steps"`
	GuidanceScale     float64  `json:"guidance_scale"`
	Seed              int64    `json:"seed"`
	MaxSequenceLength int      `json:"max_sequence_length"`
	LoraScale         *float64 `json:"lora_scale,omitempty"`
}

type generateResponse struct {
	Image string `json:"image"`
}

func (b *RunnerBackend) Render(ctx context.Context, p RenderParams) (image.Image, error) {
	req := generateRequest{
		Prompt:            p.Prompt,
		Width:             p.Width,
		Height:            p.Height,
		NumInferenceSteps: p.Steps,
		GuidanceScale:     p.GuidanceScale,
		Seed:              p.Seed,
		MaxSequenceLength: p.MaxSequenceLength,
	}
	if p.HasAdapter {
		scale := p.AdapterScale
		req.LoraScale = &scale
	}

	var resp generateResponse
	if err := b.client.Do(ctx, http.MethodPost, "/v1/pipelines/generate", req, &resp); err != nil {
		return nil, err
	}
	if resp.Image == "" {
		return nil, fmt.Errorf("runner returned no image")
	}
	return DecodeBase64Image(resp.Image)
}

func (b *RunnerBackend) Close() error { return nil }
