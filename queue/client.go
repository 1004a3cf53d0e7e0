package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"fluxpredict/predict"
)

// ErrTaskFailed is returned by Wait when the task ended without a result.
var ErrTaskFailed = errors.New("queue: task failed")

// Client enqueues predictions and waits for their results.
type Client struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
}

// NewClient connects to the broker at opt.
func NewClient(opt asynq.RedisConnOpt, queueName string) *Client {
	return &Client{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		queue:     queueName,
	}
}

// Close releases the broker connections.
func (c *Client) Close() error {
	return errors.Join(c.client.Close(), c.inspector.Close())
}

// Enqueue submits req under id.
func (c *Client) Enqueue(ctx context.Context, id string, req predict.Request) (*asynq.TaskInfo, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	task, err := NewPredictionTask(id, c.queue, req)
	if err != nil {
		return nil, err
	}
	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("enqueue prediction %s: %w", id, err)
	}
	return info, nil
}

// Wait polls the task every interval until it completes or is archived.
func (c *Client) Wait(ctx context.Context, taskID string, interval time.Duration) (*TaskResult, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		info, err := c.inspector.GetTaskInfo(c.queue, taskID)
		if err != nil {
			return nil, fmt.Errorf("inspect task %s: %w", taskID, err)
		}
		switch info.State {
		case asynq.TaskStateCompleted:
			return decodeResult(info)
		case asynq.TaskStateArchived:
			if res, err := decodeResult(info); err == nil {
				return res, fmt.Errorf("%w: %s", ErrTaskFailed, res.Error)
			}
			return nil, fmt.Errorf("%w: %s", ErrTaskFailed, info.LastErr)
		}
	}
}

func decodeResult(info *asynq.TaskInfo) (*TaskResult, error) {
	if len(info.Result) == 0 {
		return nil, fmt.Errorf("task %s has no result", info.ID)
	}
	var res TaskResult
	if err := json.Unmarshal(info.Result, &res); err != nil {
		return nil, fmt.Errorf("decode task result: %w", err)
	}
	return &res, nil
}
