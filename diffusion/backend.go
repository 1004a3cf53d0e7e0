package diffusion

import (
	"fmt"
	"net/http"

	"fluxpredict/core"
	"fluxpredict/runner"
)

// NewBackend builds the backend selected by cfg.DiffusionBackend.
func NewBackend(cfg *core.Config, httpClient *http.Client) (Backend, error) {
	switch cfg.DiffusionBackend {
	case core.BackendRunner:
		return NewRunnerBackend(runner.New(cfg.RunnerURL, httpClient)), nil
	case core.BackendOpenAI:
		return NewOpenAIBackend(OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.OpenAIImageModel,
			HTTPClient: httpClient,
		})
	case core.BackendProcedural:
		return NewProceduralBackend(), nil
	case core.BackendNative:
		return NewNativeBackend(), nil
	default:
		return nil, fmt.Errorf("diffusion: unknown backend %q", cfg.DiffusionBackend)
	}
}

// LoadOptionsFromConfig returns the pipeline load options for cfg:
// the configured model at bfloat16, offline, from the model cache.
func LoadOptionsFromConfig(cfg *core.Config) LoadOptions {
	return LoadOptions{
		Source:    cfg.ModelID,
		CacheDir:  cfg.ModelCache,
		Precision: BFloat16,
		Device:    cfg.Device,
		Offline:   true,
	}
}
