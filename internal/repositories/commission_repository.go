package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"brokercrm/internal/models"
)

type CommissionRepository interface {
	// CreateOnce inserts the commission of a deal unless one exists.
	// created is false when the deal already had a commission.
	CreateOnce(ctx context.Context, c *models.Commission) (created bool, err error)
	GetByDeal(ctx context.Context, dealID int) (*models.Commission, error)
}

type commissionRepository struct {
	db dbtx
}

func (r *commissionRepository) CreateOnce(ctx context.Context, c *models.Commission) (bool, error) {
	const q = `
		INSERT INTO commissions (deal_id, agent_id, amount, rate, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (deal_id) DO NOTHING
		RETURNING id, created_at`
	err := r.db.QueryRowContext(ctx, q, c.DealID, c.AgentID, c.Amount, c.Rate, c.Currency, c.Status).
		Scan(&c.ID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create commission: %w", err)
	}
	return true, nil
}

func (r *commissionRepository) GetByDeal(ctx context.Context, dealID int) (*models.Commission, error) {
	const q = `
		SELECT id, deal_id, agent_id, amount, rate, currency, status, created_at
		FROM commissions
		WHERE deal_id=$1`
	var c models.Commission
	err := r.db.QueryRowContext(ctx, q, dealID).
		Scan(&c.ID, &c.DealID, &c.AgentID, &c.Amount, &c.Rate, &c.Currency, &c.Status, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get commission: %w", err)
	}
	return &c, nil
}
