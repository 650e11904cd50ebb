package repositories

import (
	"context"
	"fmt"
	"time"
)

type SequenceRepository interface {
	// Next atomically increments and returns the counter of scope for day.
	Next(ctx context.Context, scope string, day time.Time) (int, error)
}

type sequenceRepository struct {
	db dbtx
}

func (r *sequenceRepository) Next(ctx context.Context, scope string, day time.Time) (int, error) {
	const q = `
		INSERT INTO sequence_counters (scope, day, value)
		VALUES ($1, $2, 1)
		ON CONFLICT (scope, day) DO UPDATE SET value = sequence_counters.value + 1
		RETURNING value`
	var n int
	if err := r.db.QueryRowContext(ctx, q, scope, day.Format("2006-01-02")).Scan(&n); err != nil {
		return 0, fmt.Errorf("next sequence %s: %w", scope, err)
	}
	return n, nil
}
