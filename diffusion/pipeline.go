package diffusion

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"

	"fluxpredict/logging"
)

// detachTimeout bounds adapter detachment when a session closes after its
// request context has already ended.
const detachTimeout = 30 * time.Second

// Pipeline is the single loaded diffusion pipeline of the process.
// At most one Session is open at a time and at most one adapter is attached.
type Pipeline struct {
	backend Backend
	logger  *logging.Logger
	slot    chan struct{}

	mu       sync.Mutex
	loaded   bool
	closed   bool
	attached *AdapterWeights
}

// NewPipeline wraps backend. Call Load before Begin.
func NewPipeline(backend Backend, logger *logging.Logger) *Pipeline {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pipeline{
		backend: backend,
		logger:  logger.Named("diffusion").With(zap.String("backend", backend.Name())),
		slot:    make(chan struct{}, 1),
	}
}

// Load instantiates the pretrained pipeline on the backend.
func (p *Pipeline) Load(ctx context.Context, opts LoadOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPipelineClosed
	}

	start := time.Now()
	p.logger.Info("loading pipeline",
		zap.String("source", opts.Source),
		zap.String("cache_dir", opts.CacheDir),
		zap.String("precision", string(opts.Precision)),
		zap.String("device", opts.Device))

	if err := p.backend.Load(ctx, opts); err != nil {
		if errors.Is(err, ErrNativeUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	p.loaded = true
	p.logger.Info("pipeline loaded", zap.Duration("took", time.Since(start)))
	return nil
}

// Backend returns the backend name.
func (p *Pipeline) Backend() string {
	return p.backend.Name()
}

// Busy reports whether a session is open.
func (p *Pipeline) Busy() bool {
	return len(p.slot) == cap(p.slot)
}

// Attached returns the currently attached adapter, or nil.
func (p *Pipeline) Attached() *AdapterWeights {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached == nil {
		return nil
	}
	a := *p.attached
	return &a
}

// SessionOptions configures Begin.
type SessionOptions struct {
	// Adapter is attached for the session; nil means no adapter.
	Adapter      *AdapterWeights
	AdapterScale float64
	// OnClose runs after the adapter is detached, e.g. to remove scratch files.
	OnClose func()
}

// Begin waits for exclusive use of the pipeline and prepares its adapter
// state. Any adapter left attached is unloaded first. If ctx ends while
// waiting, ErrBusy is returned.
func (p *Pipeline) Begin(ctx context.Context, opts SessionOptions) (*Session, error) {
	select {
	case p.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrBusy, ctx.Err())
	}

	s, err := p.begin(ctx, opts)
	if err != nil {
		<-p.slot
		if opts.OnClose != nil {
			opts.OnClose()
		}
		return nil, err
	}
	return s, nil
}

func (p *Pipeline) begin(ctx context.Context, opts SessionOptions) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPipelineClosed
	}
	if !p.loaded {
		return nil, ErrNotLoaded
	}

	if p.attached != nil {
		p.logger.Debug("unloading stale adapter", zap.Stringer("adapter", p.attached))
		if err := p.backend.DetachAdapter(ctx); err != nil {
			return nil, fmt.Errorf("%w: detach %s: %v", ErrAdapterFailed, p.attached, err)
		}
		p.attached = nil
	}

	s := &Session{p: p, onClose: opts.OnClose}
	if opts.Adapter != nil {
		start := time.Now()
		if err := p.backend.AttachAdapter(ctx, *opts.Adapter); err != nil {
			if errors.Is(err, ErrAdapterUnsupported) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: attach %s: %v", ErrAdapterFailed, opts.Adapter, err)
		}
		a := *opts.Adapter
		p.attached = &a
		s.adapter = &a
		s.scale = opts.AdapterScale
		p.logger.Info("adapter attached",
			zap.Stringer("adapter", opts.Adapter),
			zap.Float64("scale", opts.AdapterScale),
			zap.Duration("took", time.Since(start)))
	}
	return s, nil
}

// Close releases the backend. Open sessions must be closed first.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.backend.Close()
}

// Session is an exclusive hold on the pipeline.
type Session struct {
	p       *Pipeline
	adapter *AdapterWeights
	scale   float64
	onClose func()

	once     sync.Once
	closeErr error
}

// Adapter returns the adapter attached for this session, or nil.
func (s *Session) Adapter() *AdapterWeights {
	return s.adapter
}

// Render produces one image. The adapter scale of the session is applied
// when an adapter is attached.
func (s *Session) Render(ctx context.Context, params RenderParams) (image.Image, error) {
	if params.MaxSequenceLength == 0 {
		params.MaxSequenceLength = DefaultMaxSequenceLength
	}
	params.HasAdapter = s.adapter != nil
	params.AdapterScale = 0
	if params.HasAdapter {
		params.AdapterScale = s.scale
	}
	if err := ValidateRenderParams(params); err != nil {
		return nil, err
	}

	img, err := s.p.backend.Render(ctx, params)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, ErrInvalidParams) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}
	return img, nil
}

// Close detaches the session's adapter, runs the OnClose hook and releases
// the pipeline. It is safe to call more than once.
func (s *Session) Close() error {
	s.once.Do(func() {
		defer func() { <-s.p.slot }()

		if s.adapter != nil {
			ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
			defer cancel()

			s.p.mu.Lock()
			if err := s.p.backend.DetachAdapter(ctx); err != nil {
				// Left marked as attached; the next Begin retries.
				s.closeErr = fmt.Errorf("%w: detach %s: %v", ErrAdapterFailed, s.adapter, err)
				s.p.logger.Warn("adapter detach failed", zap.Stringer("adapter", s.adapter), zap.Error(err))
			} else {
				s.p.attached = nil
				s.p.logger.Debug("adapter detached", zap.Stringer("adapter", s.adapter))
			}
			s.p.mu.Unlock()
		}
		if s.onClose != nil {
			s.onClose()
		}
	})
	return s.closeErr
}
