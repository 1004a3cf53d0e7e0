// Package queue carries predictions over a Redis-backed asynq queue.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"fluxpredict/predict"
)

// TypePredictionCreate is the task type of a prediction.
const TypePredictionCreate = "prediction:create"

// Task defaults.
const (
	DefaultTimeout   = 15 * time.Minute
	DefaultRetention = 2 * time.Hour
)

// Payload is the body of a prediction task.
type Payload struct {
	ID      string          `json:"id"`
	Request predict.Request `json:"request"`
}

// TaskResult is written to the task result when a prediction finishes.
type TaskResult struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Result *predict.Result `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// NewPredictionTask builds a task for req. The prediction id doubles as the
// task id so duplicates are rejected by the broker.
func NewPredictionTask(id, queueName string, req predict.Request) (*asynq.Task, error) {
	payload, err := json.Marshal(Payload{ID: id, Request: req})
	if err != nil {
		return nil, fmt.Errorf("encode task payload: %w", err)
	}
	return asynq.NewTask(TypePredictionCreate, payload,
		asynq.TaskID(id),
		asynq.Queue(queueName),
		asynq.MaxRetry(0),
		asynq.Timeout(DefaultTimeout),
		asynq.Retention(DefaultRetention),
	), nil
}

// RedisOpt builds the broker connection options.
func RedisOpt(addr, password string) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: addr, Password: password}
}
