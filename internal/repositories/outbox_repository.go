package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"brokercrm/internal/models"
)

type OutboxRepository interface {
	Insert(ctx context.Context, m *models.OutboxMessage) error
	// Claim takes a single pending message. ok is false when another worker
	// already has it.
	Claim(ctx context.Context, id uuid.UUID) (ok bool, err error)
	// ClaimPending takes up to limit messages that are pending and older
	// than minAge, or stuck in processing for longer than staleAfter.
	ClaimPending(ctx context.Context, limit int, minAge, staleAfter time.Duration) ([]models.OutboxMessage, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	// MarkRetry puts the message back to pending, or to failed once
	// maxAttempts is reached.
	MarkRetry(ctx context.Context, id uuid.UUID, lastError string, maxAttempts int) error
}

type outboxRepository struct {
	db dbtx
}

func (r *outboxRepository) Insert(ctx context.Context, m *models.OutboxMessage) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = models.OutboxPending
	}
	const q = `
		INSERT INTO outbox_messages (id, kind, payload, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`
	if err := r.db.QueryRowContext(ctx, q, m.ID, m.Kind, string(m.Payload), m.Status).Scan(&m.CreatedAt); err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

func (r *outboxRepository) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status='PROCESSING', attempts=attempts+1, claimed_at=now()
		WHERE id=$1 AND status='PENDING'`, id)
	if err != nil {
		return false, fmt.Errorf("claim outbox message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim outbox message: %w", err)
	}
	return n == 1, nil
}

func (r *outboxRepository) ClaimPending(ctx context.Context, limit int, minAge, staleAfter time.Duration) ([]models.OutboxMessage, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		WITH cte AS (
			SELECT id
			FROM outbox_messages
			WHERE (status = 'PENDING' AND created_at < now() - $2::interval)
			   OR (status = 'PROCESSING' AND claimed_at < now() - $3::interval)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_messages o
		SET status = 'PROCESSING', attempts = o.attempts + 1, claimed_at = now()
		FROM cte
		WHERE o.id = cte.id
		RETURNING o.id, o.kind, o.payload, o.status, o.attempts, o.last_error, o.created_at`,
		limit, interval(minAge), interval(staleAfter))
	if err != nil {
		return nil, fmt.Errorf("claim pending outbox: %w", err)
	}
	defer rows.Close()

	var out []models.OutboxMessage
	for rows.Next() {
		var m models.OutboxMessage
		if err := rows.Scan(&m.ID, &m.Kind, &m.Payload, &m.Status, &m.Attempts, &m.LastError, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *outboxRepository) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages SET status='DELIVERED', last_error=NULL WHERE id=$1`, id); err != nil {
		return fmt.Errorf("mark outbox delivered: %w", err)
	}
	return nil
}

func (r *outboxRepository) MarkRetry(ctx context.Context, id uuid.UUID, lastError string, maxAttempts int) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = CASE WHEN attempts >= $3 THEN 'FAILED' ELSE 'PENDING' END,
		    last_error = $2
		WHERE id=$1`, id, lastError, maxAttempts); err != nil {
		return fmt.Errorf("mark outbox retry: %w", err)
	}
	return nil
}

func interval(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}
