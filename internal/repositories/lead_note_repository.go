package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"brokercrm/internal/models"
)

type LeadNoteRepository interface {
	Create(ctx context.Context, note *models.LeadNote) error
	GetByID(ctx context.Context, id int) (*models.LeadNote, error)
	Delete(ctx context.Context, id int) error
	ListByLead(ctx context.Context, leadID int) ([]models.LeadNote, error)
}

type leadNoteRepository struct {
	db dbtx
}

func (r *leadNoteRepository) Create(ctx context.Context, n *models.LeadNote) error {
	const q = `
		INSERT INTO lead_notes (lead_id, author_id, body)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`
	if err := r.db.QueryRowContext(ctx, q, n.LeadID, n.AuthorID, n.Body).Scan(&n.ID, &n.CreatedAt); err != nil {
		return fmt.Errorf("create lead note: %w", err)
	}
	return nil
}

func (r *leadNoteRepository) GetByID(ctx context.Context, id int) (*models.LeadNote, error) {
	const q = `SELECT id, lead_id, author_id, body, created_at FROM lead_notes WHERE id=$1`
	var n models.LeadNote
	err := r.db.QueryRowContext(ctx, q, id).Scan(&n.ID, &n.LeadID, &n.AuthorID, &n.Body, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lead note: %w", err)
	}
	return &n, nil
}

func (r *leadNoteRepository) Delete(ctx context.Context, id int) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM lead_notes WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete lead note: %w", err)
	}
	return nil
}

func (r *leadNoteRepository) ListByLead(ctx context.Context, leadID int) ([]models.LeadNote, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, lead_id, author_id, body, created_at
		FROM lead_notes
		WHERE lead_id=$1
		ORDER BY created_at DESC, id DESC`, leadID)
	if err != nil {
		return nil, fmt.Errorf("list lead notes: %w", err)
	}
	defer rows.Close()

	out := []models.LeadNote{}
	for rows.Next() {
		var n models.LeadNote
		if err := rows.Scan(&n.ID, &n.LeadID, &n.AuthorID, &n.Body, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lead note: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
