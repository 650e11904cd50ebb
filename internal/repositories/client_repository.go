package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"brokercrm/internal/models"
)

type ClientRepository interface {
	Create(ctx context.Context, client *models.Client) error
	GetByID(ctx context.Context, id int) (*models.Client, error)
}

type clientRepository struct {
	db dbtx
}

func (r *clientRepository) Create(ctx context.Context, c *models.Client) error {
	const q = `
		INSERT INTO clients (name, phone, email)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`
	if err := r.db.QueryRowContext(ctx, q, c.Name, c.Phone, c.Email).Scan(&c.ID, &c.CreatedAt); err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	return nil
}

func (r *clientRepository) GetByID(ctx context.Context, id int) (*models.Client, error) {
	const q = `SELECT id, name, phone, email, created_at FROM clients WHERE id=$1`
	var c models.Client
	if err := r.db.QueryRowContext(ctx, q, id).Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get client: %w", err)
	}
	return &c, nil
}
