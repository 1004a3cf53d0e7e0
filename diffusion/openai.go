package diffusion

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures NewOpenAIBackend.
type OpenAIConfig struct {
	APIKey string
	// BaseURL defaults to https://api.openai.com/v1.
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// OpenAIBackend renders through an OpenAI-compatible images endpoint.
// The endpoint picks its own sampler seed and step count, and adapters are
// not supported.
type OpenAIBackend struct {
	client *openai.Client
	model  string
}

// NewOpenAIBackend returns a backend for cfg.
func NewOpenAIBackend(cfg OpenAIConfig) (*OpenAIBackend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("diffusion: OpenAI API key is required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}
	model := cfg.Model
	if model == "" {
		model = openai.CreateImageModelDallE3
	}
	return &OpenAIBackend{client: openai.NewClientWithConfig(clientConfig), model: model}, nil
}

func (b *OpenAIBackend) Name() string { return "openai" }

// Load is a no-op; the remote endpoint owns its model.
func (b *OpenAIBackend) Load(ctx context.Context, opts LoadOptions) error { return nil }

func (b *OpenAIBackend) AttachAdapter(ctx context.Context, w AdapterWeights) error {
	return ErrAdapterUnsupported
}

func (b *OpenAIBackend) DetachAdapter(ctx context.Context) error { return nil }

func (b *OpenAIBackend) Render(ctx context.Context, p RenderParams) (image.Image, error) {
	resp, err := b.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         p.Prompt,
		Model:          b.model,
		N:              1,
		Size:           openAISize(p.Width, p.Height),
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, fmt.Errorf("images endpoint returned no data")
	}
	img, err := DecodeBase64Image(resp.Data[0].B64JSON)
	if err != nil {
		return nil, err
	}
	return FitImage(img, p.Width, p.Height), nil
}

func (b *OpenAIBackend) Close() error { return nil }

// openAISize picks the endpoint size closest in orientation to width x height.
func openAISize(width, height int) string {
	switch {
	case width > height:
		return openai.CreateImageSize1792x1024
	case width < height:
		return openai.CreateImageSize1024x1792
	default:
		return openai.CreateImageSize1024x1024
	}
}
