package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no prediction has the requested id.
var ErrNotFound = errors.New("db: prediction not found")

// Prediction lifecycle states.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// Sources a prediction can arrive from.
const (
	SourceHTTP      = "http"
	SourceWebSocket = "websocket"
	SourceQueue     = "queue"
	SourceCLI       = "cli"
)

// Prediction is one row of the predictions table.
type Prediction struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Source string `json:"source"`
	Prompt string `json:"prompt"`
	// Request is the validated request as JSON.
	Request   json.RawMessage `json:"request"`
	Seed      *int64          `json:"seed,omitempty"`
	Backend   string          `json:"backend"`
	Adapter   string          `json:"adapter,omitempty"`
	Generated int             `json:"generated"`
	Accepted  int             `json:"accepted"`
	Outputs   []string        `json:"outputs"`
	Error     string          `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Completion is the terminal state of a prediction.
type Completion struct {
	ID          string
	Status      string
	Seed        *int64
	Adapter     string
	Generated   int
	Accepted    int
	Outputs     []string
	Error       string
	CompletedAt time.Time
}

// Repository reads and writes predictions. Completions go through the
// AsyncWriter when one is started; everything else is synchronous.
type Repository struct {
	db          *Database
	asyncWriter *AsyncWriter
}

// NewRepository returns a repository on db. asyncWriter may be nil.
func NewRepository(db *Database, asyncWriter *AsyncWriter) *Repository {
	return &Repository{db: db, asyncWriter: asyncWriter}
}

// CreatePrediction inserts p. CreatedAt defaults to now.
func (r *Repository) CreatePrediction(ctx context.Context, p Prediction) error {
	conn, release, err := r.db.conn()
	if err != nil {
		return err
	}
	defer release()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.Status == "" {
		p.Status = StatusQueued
	}
	if p.Source == "" {
		p.Source = SourceHTTP
	}
	if len(p.Request) == 0 {
		p.Request = json.RawMessage("{}")
	}
	outputs, err := encodeOutputs(p.Outputs)
	if err != nil {
		return err
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO predictions (
			id, status, source, prompt, request, seed, backend, adapter,
			generated, accepted, outputs, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Status, p.Source, p.Prompt, string(p.Request), nullInt64(p.Seed), p.Backend, p.Adapter,
		p.Generated, p.Accepted, outputs, p.Error, p.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert prediction %s: %w", p.ID, err)
	}
	return nil
}

// MarkStarted moves a prediction to processing.
func (r *Repository) MarkStarted(ctx context.Context, id string, at time.Time) error {
	conn, release, err := r.db.conn()
	if err != nil {
		return err
	}
	defer release()

	res, err := conn.ExecContext(ctx,
		`UPDATE predictions SET status = ?, started_at = ? WHERE id = ?`,
		StatusProcessing, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to mark prediction %s started: %w", id, err)
	}
	return expectRow(res, id)
}

// Complete records the terminal state of a prediction. With a started
// AsyncWriter the write is queued and Complete returns immediately; a full
// queue falls back to a synchronous write.
func (r *Repository) Complete(ctx context.Context, c Completion) error {
	if c.CompletedAt.IsZero() {
		c.CompletedAt = time.Now()
	}
	if r.asyncWriter != nil && r.asyncWriter.IsStarted() && r.asyncWriter.Write(c) {
		return nil
	}
	return r.complete(ctx, c)
}

func (r *Repository) complete(ctx context.Context, c Completion) error {
	conn, release, err := r.db.conn()
	if err != nil {
		return err
	}
	defer release()

	outputs, err := encodeOutputs(c.Outputs)
	if err != nil {
		return err
	}
	res, err := conn.ExecContext(ctx, `
		UPDATE predictions
		SET status = ?, seed = COALESCE(?, seed), adapter = ?, generated = ?, accepted = ?,
			outputs = ?, error = ?, completed_at = ?
		WHERE id = ?`,
		c.Status, nullInt64(c.Seed), c.Adapter, c.Generated, c.Accepted,
		outputs, c.Error, c.CompletedAt.UnixMilli(), c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete prediction %s: %w", c.ID, err)
	}
	return expectRow(res, c.ID)
}

// WriteHandler applies queued completions; pass it to NewAsyncWriter.
func (r *Repository) WriteHandler() WriteHandler {
	return func(op WriteOperation) error {
		c, ok := op.Data.(Completion)
		if !ok {
			return fmt.Errorf("invalid operation type %T", op.Data)
		}
		return r.complete(context.Background(), c)
	}
}

const predictionColumns = `
	id, status, source, prompt, request, seed, backend, adapter,
	generated, accepted, outputs, error, created_at, started_at, completed_at`

// GetPrediction returns the prediction with id, or ErrNotFound.
func (r *Repository) GetPrediction(ctx context.Context, id string) (*Prediction, error) {
	conn, release, err := r.db.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	row := conn.QueryRowContext(ctx, `SELECT `+predictionColumns+` FROM predictions WHERE id = ?`, id)
	p, err := scanPrediction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPredictions returns the most recent predictions, newest first.
func (r *Repository) ListPredictions(ctx context.Context, limit int) ([]Prediction, error) {
	conn, release, err := r.db.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	if limit <= 0 {
		limit = 10
	}
	rows, err := conn.QueryContext(ctx,
		`SELECT `+predictionColumns+` FROM predictions ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query predictions: %w", err)
	}
	defer rows.Close()

	var out []Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating prediction rows: %w", err)
	}
	return out, nil
}

// CountByStatus returns the number of predictions in each status.
func (r *Repository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	conn, release, err := r.db.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM predictions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count predictions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPrediction(s scanner) (*Prediction, error) {
	var (
		p                      Prediction
		request, outputs       string
		seed                   sql.NullInt64
		createdAt              int64
		startedAt, completedAt sql.NullInt64
	)
	err := s.Scan(
		&p.ID, &p.Status, &p.Source, &p.Prompt, &request, &seed, &p.Backend, &p.Adapter,
		&p.Generated, &p.Accepted, &outputs, &p.Error, &createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan prediction row: %w", err)
	}

	p.Request = json.RawMessage(request)
	if err := json.Unmarshal([]byte(outputs), &p.Outputs); err != nil {
		return nil, fmt.Errorf("failed to decode outputs of %s: %w", p.ID, err)
	}
	if seed.Valid {
		v := seed.Int64
		p.Seed = &v
	}
	p.CreatedAt = time.UnixMilli(createdAt)
	p.StartedAt = millisPtr(startedAt)
	p.CompletedAt = millisPtr(completedAt)
	return &p, nil
}

func encodeOutputs(outputs []string) (string, error) {
	if outputs == nil {
		outputs = []string{}
	}
	data, err := json.Marshal(outputs)
	if err != nil {
		return "", fmt.Errorf("failed to encode outputs: %w", err)
	}
	return string(data), nil
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
