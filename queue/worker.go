package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"fluxpredict/adapter"
	"fluxpredict/db"
	"fluxpredict/handlers"
	"fluxpredict/logging"
	"fluxpredict/predict"
)

// Runner runs one prediction. *handlers.PredictionHandler implements it.
type Runner interface {
	Handle(ctx context.Context, id, source string, req predict.Request, emit predict.EmitFunc) (*predict.Result, error)
}

// Worker consumes prediction tasks one at a time.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	runner Runner
	logger *logging.Logger
}

// NewWorker returns a worker on queueName with concurrency 1, matching the
// single pipeline of the process.
func NewWorker(opt asynq.RedisConnOpt, queueName string, runner Runner, logger *logging.Logger) *Worker {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("queue")
	w := &Worker{runner: runner, logger: logger, mux: asynq.NewServeMux()}
	w.server = asynq.NewServer(opt, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{queueName: 1},
		Logger:      logger.Sugar(),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			id, _ := asynq.GetTaskID(ctx)
			logger.Warn("task failed", zap.String("task_id", id), zap.String("type", t.Type()), zap.Error(err))
		}),
	})
	w.mux.HandleFunc(TypePredictionCreate, w.HandlePrediction)
	return w
}

// Run processes tasks until Shutdown is called.
func (w *Worker) Run() error {
	w.logger.Info("worker started", zap.String("task_type", TypePredictionCreate))
	return w.server.Run(w.mux)
}

// Start processes tasks in the background.
func (w *Worker) Start() error {
	return w.server.Start(w.mux)
}

// Shutdown waits for the running task and stops the worker.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.server.Shutdown()
	return nil
}

// HandlePrediction runs a prediction task and writes a TaskResult. Failures
// that a retry cannot fix are wrapped with asynq.SkipRetry.
func (w *Worker) HandlePrediction(ctx context.Context, t *asynq.Task) error {
	// Fields a producer leaves out keep the same defaults as HTTP requests.
	p := Payload{Request: predict.DefaultRequest()}
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.ID == "" {
		p.ID, _ = asynq.GetTaskID(ctx)
	}
	log := w.logger.With(zap.String("prediction_id", p.ID))
	log.Info("task received")

	res, err := w.runner.Handle(ctx, p.ID, db.SourceQueue, p.Request, func(o predict.Output) error {
		log.Debug("output ready", zap.String("path", o.Path))
		return nil
	})

	out := TaskResult{ID: p.ID, Status: handlers.OutcomeStatus(err), Result: res}
	if err != nil {
		out.Error = err.Error()
	}
	if writeErr := writeResult(t, out); writeErr != nil {
		log.Warn("write task result", zap.Error(writeErr))
	}

	if err == nil {
		return nil
	}
	if permanent(err) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

func writeResult(t *asynq.Task, out TaskResult) error {
	rw := t.ResultWriter()
	if rw == nil {
		return nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	_, err = rw.Write(data)
	return err
}

// permanent reports errors that would fail again on retry.
func permanent(err error) bool {
	return errors.Is(err, predict.ErrInvalidRequest) ||
		errors.Is(err, predict.ErrAllFiltered) ||
		errors.Is(err, adapter.ErrInvalidReference) ||
		errors.Is(err, adapter.ErrNoWeightsInArchive) ||
		errors.Is(err, handlers.ErrShuttingDown)
}
