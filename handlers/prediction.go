// Package handlers runs predictions on behalf of the serving surfaces,
// recording each one in the ledger and tracking it for graceful shutdown.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"fluxpredict/db"
	"fluxpredict/logging"
	"fluxpredict/metrics"
	"fluxpredict/predict"
	"fluxpredict/shutdown"
)

// ErrShuttingDown is returned when a prediction arrives after shutdown began.
var ErrShuttingDown = errors.New("handlers: shutting down, not accepting predictions")

// Ledger records prediction lifecycles. *db.Repository implements it.
type Ledger interface {
	CreatePrediction(ctx context.Context, p db.Prediction) error
	MarkStarted(ctx context.Context, id string, at time.Time) error
	Complete(ctx context.Context, c db.Completion) error
}

// Recorder receives every finished prediction. *metrics.Store implements it.
type Recorder interface {
	RecordPrediction(r metrics.PredictionRecord)
}

// Predictor is the subset of *predict.Predictor used here.
type Predictor interface {
	Run(ctx context.Context, id string, req predict.Request, emit predict.EmitFunc) (*predict.Result, error)
	Status() string
}

// PredictionHandler runs predictions. Ledger, Manager and Recorder are optional.
type PredictionHandler struct {
	predictor Predictor
	ledger    Ledger
	manager   *shutdown.Manager
	recorder  Recorder
	backend   string
	logger    *logging.Logger
}

// NewPredictionHandler returns a handler. backend names the diffusion
// backend in ledger records.
func NewPredictionHandler(p Predictor, ledger Ledger, manager *shutdown.Manager, backend string, logger *logging.Logger) *PredictionHandler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &PredictionHandler{
		predictor: p,
		ledger:    ledger,
		manager:   manager,
		backend:   backend,
		logger:    logger.Named("handlers"),
	}
}

// SetRecorder routes finished predictions to r.
func (h *PredictionHandler) SetRecorder(r Recorder) {
	h.recorder = r
}

// Status forwards the predictor status.
func (h *PredictionHandler) Status() string {
	return h.predictor.Status()
}

// Handle validates req, records it, runs it and records the outcome.
// Invalid requests are rejected before anything is recorded.
func (h *PredictionHandler) Handle(ctx context.Context, id, source string, req predict.Request, emit predict.EmitFunc) (*predict.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	log := h.logger.With(zap.String("prediction_id", id), zap.String("source", source))

	var (
		res *predict.Result
		err error
	)
	run := func(ctx context.Context) error {
		h.record(ctx, log, id, source, req)
		started := time.Now()
		res, err = h.predictor.Run(ctx, id, req, emit)
		h.observe(id, source, started, res, err)
		h.complete(log, id, req, res, err)
		return err
	}

	if h.manager == nil {
		_ = run(ctx)
		return res, err
	}
	trackErr := h.manager.Track(ctx, "prediction "+id, run)
	if errors.Is(trackErr, shutdown.ErrTrackerClosed) {
		return nil, ErrShuttingDown
	}
	if res == nil && err == nil {
		// Track returned before running, e.g. ctx already done.
		return nil, trackErr
	}
	return res, err
}

func (h *PredictionHandler) record(ctx context.Context, log *logging.Logger, id, source string, req predict.Request) {
	if h.ledger == nil {
		return
	}
	raw, err := json.Marshal(req)
	if err != nil {
		log.Warn("encode request for ledger", zap.Error(err))
		raw = []byte("{}")
	}
	err = h.ledger.CreatePrediction(ctx, db.Prediction{
		ID:      id,
		Status:  db.StatusQueued,
		Source:  source,
		Prompt:  req.Prompt,
		Request: raw,
		Seed:    req.Seed,
		Backend: h.backend,
	})
	if err != nil {
		log.Warn("ledger insert failed", zap.Error(err))
		return
	}
	if err := h.ledger.MarkStarted(ctx, id, time.Now()); err != nil {
		log.Warn("ledger start failed", zap.Error(err))
	}
}

func (h *PredictionHandler) observe(id, source string, started time.Time, res *predict.Result, runErr error) {
	if h.recorder == nil {
		return
	}
	r := metrics.PredictionRecord{
		ID:       id,
		Source:   source,
		Status:   OutcomeStatus(runErr),
		Started:  started,
		Duration: time.Since(started),
	}
	if res != nil {
		r.Generated, r.Accepted = res.Generated, res.Accepted
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	h.recorder.RecordPrediction(r)
}

func (h *PredictionHandler) complete(log *logging.Logger, id string, req predict.Request, res *predict.Result, runErr error) {
	if h.ledger == nil {
		return
	}
	c := db.Completion{ID: id, Status: OutcomeStatus(runErr), Seed: req.Seed}
	if res != nil {
		seed := res.Seed
		c.Seed = &seed
		c.Adapter = res.Adapter
		c.Generated = res.Generated
		c.Accepted = res.Accepted
		for _, o := range res.Outputs {
			c.Outputs = append(c.Outputs, o.Path)
		}
	}
	if runErr != nil {
		c.Error = runErr.Error()
	}
	// The request context may already be gone; the outcome is still recorded.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.ledger.Complete(ctx, c); err != nil {
		log.Warn("ledger completion failed", zap.Error(err))
	}
}

// OutcomeStatus maps a prediction error to a ledger status.
func OutcomeStatus(err error) string {
	switch {
	case err == nil:
		return db.StatusSucceeded
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return db.StatusCanceled
	default:
		return db.StatusFailed
	}
}
