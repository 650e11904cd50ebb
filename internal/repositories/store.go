package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ErrAlreadyConverted is returned when the write-once conversion column of
// a lead is already set.
var ErrAlreadyConverted = errors.New("lead already converted")

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repos bundles the repositories bound to one connection or transaction.
type Repos struct {
	Leads         LeadRepository
	Notes         LeadNoteRepository
	Deals         DealRepository
	Clients       ClientRepository
	Users         UserRepository
	Commissions   CommissionRepository
	Activities    ActivityRepository
	Sequences     SequenceRepository
	Audit         AuditRepository
	Notifications NotificationRepository
	Outbox        OutboxRepository
	TelegramLinks TelegramLinkRepository
}

func newRepos(q dbtx) Repos {
	return Repos{
		Leads:         &leadRepository{db: q},
		Notes:         &leadNoteRepository{db: q},
		Deals:         &dealRepository{db: q},
		Clients:       &clientRepository{db: q},
		Users:         &userRepository{db: q},
		Commissions:   &commissionRepository{db: q},
		Activities:    &activityRepository{db: q},
		Sequences:     &sequenceRepository{db: q},
		Audit:         &auditRepository{db: q},
		Notifications: &notificationRepository{db: q},
		Outbox:        &outboxRepository{db: q},
		TelegramLinks: &telegramLinkRepository{db: q},
	}
}

// Store runs repository calls against Postgres, optionally in a transaction.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Repos returns repositories bound to the pool, for reads outside a transaction.
func (s *Store) Repos() Repos {
	return newRepos(s.db)
}

// WithinTx runs fn in a READ COMMITTED transaction. The transaction is
// committed when fn returns nil and rolled back otherwise.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, newRepos(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// IsUniqueViolation reports a Postgres unique_violation (23505).
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// IsForeignKeyViolation reports a Postgres foreign_key_violation (23503).
func IsForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

func clampLimit(limit, offset int) (int, int) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
