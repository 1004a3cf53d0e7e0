package db

import (
	"context"
	"fmt"
	"time"
)

// PruneResult describes one retention pass.
type PruneResult struct {
	// IDs of the deleted predictions, so callers can remove their outputs.
	IDs      []string
	Duration time.Duration
}

// PruneBefore deletes finished predictions created before cutoff and runs
// VACUUM. Queued and processing predictions are kept.
func (d *Database) PruneBefore(ctx context.Context, cutoff time.Time) (PruneResult, error) {
	start := time.Now()
	result := PruneResult{}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return result, ErrClosed
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const where = `created_at < ? AND status NOT IN (?, ?)`
	args := []any{cutoff.UnixMilli(), StatusQueued, StatusProcessing}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM predictions WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return result, fmt.Errorf("failed to select expired predictions: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return result, fmt.Errorf("failed to scan expired prediction: %w", err)
		}
		result.IDs = append(result.IDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return result, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM predictions WHERE `+where, args...); err != nil {
		return result, fmt.Errorf("failed to delete expired predictions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if ctx.Err() == nil && len(result.IDs) > 0 {
		if _, err := d.db.ExecContext(ctx, "VACUUM"); err != nil {
			result.Duration = time.Since(start)
			return result, fmt.Errorf("prune succeeded but VACUUM failed: %w", err)
		}
	}
	result.Duration = time.Since(start)
	return result, nil
}

// StartRetention prunes predictions older than retention now and then every
// interval until ctx ends. onPrune receives every result.
func (d *Database) StartRetention(ctx context.Context, retention, interval time.Duration, onPrune func(PruneResult, error)) {
	run := func() {
		res, err := d.PruneBefore(ctx, time.Now().Add(-retention))
		if onPrune != nil {
			onPrune(res, err)
		}
	}
	go func() {
		run()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}
