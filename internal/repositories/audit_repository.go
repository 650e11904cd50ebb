package repositories

import (
	"context"
	"fmt"

	"brokercrm/internal/models"
)

type AuditRepository interface {
	Create(ctx context.Context, e *models.AuditLogEntry) error
	ListByEntity(ctx context.Context, entityType string, entityID int) ([]models.AuditLogEntry, error)
}

type auditRepository struct {
	db dbtx
}

func (r *auditRepository) Create(ctx context.Context, e *models.AuditLogEntry) error {
	changes := e.Changes
	if len(changes) == 0 {
		changes = []byte(`{}`)
	}
	const q = `
		INSERT INTO audit_log (action, entity_type, entity_id, changes, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
		RETURNING id, created_at`
	var at any
	if !e.CreatedAt.IsZero() {
		at = e.CreatedAt
	}
	if err := r.db.QueryRowContext(ctx, q, e.Action, e.EntityType, e.EntityID, string(changes), e.ActorID, at).
		Scan(&e.ID, &e.CreatedAt); err != nil {
		return fmt.Errorf("create audit entry: %w", err)
	}
	return nil
}

func (r *auditRepository) ListByEntity(ctx context.Context, entityType string, entityID int) ([]models.AuditLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, action, entity_type, entity_id, changes, actor_id, created_at
		FROM audit_log
		WHERE entity_type=$1 AND entity_id=$2
		ORDER BY created_at, id`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	out := []models.AuditLogEntry{}
	for rows.Next() {
		var e models.AuditLogEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.EntityType, &e.EntityID, &e.Changes, &e.ActorID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
