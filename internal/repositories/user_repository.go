package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"brokercrm/internal/models"
)

// UserRepository reads the CRM users the pipeline routes ownership and
// notifications to. Users are managed elsewhere.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id int) (*models.User, error)
	GetByIDs(ctx context.Context, ids []int) ([]models.User, error)
	ListByRoles(ctx context.Context, roleIDs []int) ([]models.User, error)
	GetByChatID(ctx context.Context, chatID int64) (*models.User, error)
	UpdateTelegramLink(ctx context.Context, userID int, chatID int64, enable bool) error
}

type userRepository struct {
	db dbtx
}

const userColumns = `id, full_name, email, role_id, office_id, telegram_chat_id, notify_telegram, notify_email`

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.FullName, &u.Email, &u.RoleID, &u.OfficeID,
		&u.TelegramChatID, &u.NotifyTelegram, &u.NotifyEmail); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *userRepository) Create(ctx context.Context, u *models.User) error {
	const q = `
		INSERT INTO users (full_name, email, role_id, office_id, telegram_chat_id, notify_telegram, notify_email)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id`
	if err := r.db.QueryRowContext(ctx, q, u.FullName, u.Email, u.RoleID, u.OfficeID,
		u.TelegramChatID, u.NotifyTelegram, u.NotifyEmail).Scan(&u.ID); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (r *userRepository) GetByID(ctx context.Context, id int) (*models.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (r *userRepository) GetByIDs(ctx context.Context, ids []int) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ids64 := make([]int64, len(ids))
	for i, id := range ids {
		ids64[i] = int64(id)
	}
	return r.list(ctx, `SELECT `+userColumns+` FROM users WHERE id = ANY($1) ORDER BY id`, pq.Array(ids64))
}

func (r *userRepository) ListByRoles(ctx context.Context, roleIDs []int) ([]models.User, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	roles := make([]int64, len(roleIDs))
	for i, id := range roleIDs {
		roles[i] = int64(id)
	}
	return r.list(ctx, `SELECT `+userColumns+` FROM users WHERE role_id = ANY($1) ORDER BY id`, pq.Array(roles))
}

func (r *userRepository) list(ctx context.Context, q string, args ...any) ([]models.User, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func (r *userRepository) GetByChatID(ctx context.Context, chatID int64) (*models.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE telegram_chat_id=$1 AND telegram_chat_id <> 0 LIMIT 1`, chatID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user by chat: %w", err)
	}
	return u, nil
}

func (r *userRepository) UpdateTelegramLink(ctx context.Context, userID int, chatID int64, enable bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET telegram_chat_id=$1, notify_telegram=$2 WHERE id=$3`, chatID, enable, userID)
	if err != nil {
		return fmt.Errorf("update telegram link: %w", err)
	}
	return nil
}
