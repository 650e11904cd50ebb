package repositories

import (
	"context"
	"fmt"

	"brokercrm/internal/models"
)

type ActivityRepository interface {
	Create(ctx context.Context, a *models.Activity) error
	ListByLead(ctx context.Context, leadID int) ([]models.Activity, error)
	ListByDeal(ctx context.Context, dealID int) ([]models.Activity, error)
}

type activityRepository struct {
	db dbtx
}

func (r *activityRepository) Create(ctx context.Context, a *models.Activity) error {
	const q = `
		INSERT INTO activities (type, lead_id, deal_id, user_id, body)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`
	if err := r.db.QueryRowContext(ctx, q, a.Type, a.LeadID, a.DealID, a.UserID, a.Body).
		Scan(&a.ID, &a.CreatedAt); err != nil {
		return fmt.Errorf("create activity: %w", err)
	}
	return nil
}

func (r *activityRepository) ListByLead(ctx context.Context, leadID int) ([]models.Activity, error) {
	return r.list(ctx, `WHERE lead_id=$1`, leadID)
}

func (r *activityRepository) ListByDeal(ctx context.Context, dealID int) ([]models.Activity, error) {
	return r.list(ctx, `WHERE deal_id=$1`, dealID)
}

func (r *activityRepository) list(ctx context.Context, where string, arg any) ([]models.Activity, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, type, lead_id, deal_id, user_id, body, created_at
		FROM activities `+where+`
		ORDER BY created_at DESC, id DESC`, arg)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	out := []models.Activity{}
	for rows.Next() {
		var a models.Activity
		if err := rows.Scan(&a.ID, &a.Type, &a.LeadID, &a.DealID, &a.UserID, &a.Body, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
