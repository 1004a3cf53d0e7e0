package diffusion

import "errors"

var (
	ErrLoadFailed   = errors.New("diffusion: failed to load pipeline")
	ErrNotLoaded    = errors.New("diffusion: pipeline not loaded")
	ErrRenderFailed = errors.New("diffusion: render failed")

	ErrInvalidParams = errors.New("diffusion: invalid render parameters")

	// ErrAdapterUnsupported is returned by backends that cannot blend adapter weights.
	ErrAdapterUnsupported = errors.New("diffusion: backend does not support adapters")
	ErrAdapterFailed      = errors.New("diffusion: adapter attach/detach failed")

	ErrPipelineClosed = errors.New("diffusion: pipeline is closed")
	// ErrBusy is returned when the caller's context ends while waiting for the pipeline.
	ErrBusy = errors.New("diffusion: pipeline busy")

	ErrNativeUnavailable = errors.New("diffusion: no in-process engine in this build, use the runner backend")
)
