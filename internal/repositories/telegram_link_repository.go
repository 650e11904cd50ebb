package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"brokercrm/internal/models"
)

type TelegramLinkRepository interface {
	Create(ctx context.Context, link *models.TelegramLink) error
	// GetByCodeForUpdate locks the code row until the transaction ends.
	GetByCodeForUpdate(ctx context.Context, code string) (*models.TelegramLink, error)
	MarkUsed(ctx context.Context, id int) error
}

type telegramLinkRepository struct {
	db dbtx
}

func (r *telegramLinkRepository) Create(ctx context.Context, l *models.TelegramLink) error {
	const q = `
		INSERT INTO telegram_links (user_id, code, expires_at)
		VALUES ($1, $2, $3)
		RETURNING id, used, created_at`
	if err := r.db.QueryRowContext(ctx, q, l.UserID, l.Code, l.ExpiresAt).Scan(&l.ID, &l.Used, &l.CreatedAt); err != nil {
		return fmt.Errorf("create telegram link: %w", err)
	}
	return nil
}

func (r *telegramLinkRepository) GetByCodeForUpdate(ctx context.Context, code string) (*models.TelegramLink, error) {
	const q = `
		SELECT id, user_id, code, expires_at, used, created_at
		FROM telegram_links
		WHERE code=$1
		FOR UPDATE`
	var l models.TelegramLink
	err := r.db.QueryRowContext(ctx, q, code).Scan(&l.ID, &l.UserID, &l.Code, &l.ExpiresAt, &l.Used, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get telegram link: %w", err)
	}
	return &l, nil
}

func (r *telegramLinkRepository) MarkUsed(ctx context.Context, id int) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE telegram_links SET used=true WHERE id=$1`, id); err != nil {
		return fmt.Errorf("use telegram link: %w", err)
	}
	return nil
}
