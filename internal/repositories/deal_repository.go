package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"brokercrm/internal/models"
)

type DealRepository interface {
	Create(ctx context.Context, deal *models.Deals) error
	GetByID(ctx context.Context, id int) (*models.Deals, error)
	GetByNumber(ctx context.Context, number string) (*models.Deals, error)
	GetForUpdate(ctx context.Context, id int) (*models.Deals, error)
	Update(ctx context.Context, deal *models.Deals) error
	Delete(ctx context.Context, id int) error
	List(ctx context.Context, f models.DealFilter) ([]models.Deals, error)
	Stats(ctx context.Context, officeID, ownerID int) (*models.DealStats, error)
}

type dealRepository struct {
	db dbtx
}

const dealColumns = `
	id, number, title, value, currency, stage, result, probability, property_id, property_type,
	unit_number, expected_close_date, actual_close_date, lost_reason, owner_id, client_id,
	office_id, lead_id, created_at, updated_at`

func scanDeal(row rowScanner) (*models.Deals, error) {
	var (
		d        models.Deals
		clientID sql.NullInt64
	)
	err := row.Scan(
		&d.ID, &d.Number, &d.Title, &d.Value, &d.Currency, &d.Stage, &d.Result, &d.Probability,
		&d.PropertyID, &d.PropertyType, &d.UnitNumber, &d.ExpectedCloseDate, &d.ActualCloseDate,
		&d.LostReason, &d.OwnerID, &clientID, &d.OfficeID, &d.LeadID, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.ClientID = int(clientID.Int64)
	return &d, nil
}

func (r *dealRepository) Create(ctx context.Context, d *models.Deals) error {
	const q = `
		INSERT INTO deals (
			number, title, value, currency, stage, result, probability, property_id, property_type,
			unit_number, expected_close_date, actual_close_date, lost_reason, owner_id, client_id,
			office_id, lead_id
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING id, created_at, updated_at`
	err := r.db.QueryRowContext(ctx, q,
		d.Number, d.Title, d.Value, d.Currency, d.Stage, d.Result, d.Probability, d.PropertyID, d.PropertyType,
		d.UnitNumber, d.ExpectedCloseDate, d.ActualCloseDate, d.LostReason, d.OwnerID, nullID(d.ClientID),
		d.OfficeID, d.LeadID,
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create deal: %w", err)
	}
	return nil
}

func (r *dealRepository) get(ctx context.Context, where string, arg any) (*models.Deals, error) {
	d, err := scanDeal(r.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get deal: %w", err)
	}
	return d, nil
}

func (r *dealRepository) GetByID(ctx context.Context, id int) (*models.Deals, error) {
	return r.get(ctx, "id = $1", id)
}

func (r *dealRepository) GetByNumber(ctx context.Context, number string) (*models.Deals, error) {
	return r.get(ctx, "number = $1", number)
}

func (r *dealRepository) GetForUpdate(ctx context.Context, id int) (*models.Deals, error) {
	return r.get(ctx, "id = $1 FOR UPDATE", id)
}

func (r *dealRepository) Update(ctx context.Context, d *models.Deals) error {
	const q = `
		UPDATE deals SET
			title=$1, value=$2, currency=$3, stage=$4, result=$5, probability=$6, property_id=$7,
			property_type=$8, unit_number=$9, expected_close_date=$10, actual_close_date=$11,
			lost_reason=$12, owner_id=$13, client_id=$14, office_id=$15, updated_at=now()
		WHERE id=$16
		RETURNING updated_at`
	err := r.db.QueryRowContext(ctx, q,
		d.Title, d.Value, d.Currency, d.Stage, d.Result, d.Probability, d.PropertyID,
		d.PropertyType, d.UnitNumber, d.ExpectedCloseDate, d.ActualCloseDate,
		d.LostReason, d.OwnerID, nullID(d.ClientID), d.OfficeID, d.ID,
	).Scan(&d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return sql.ErrNoRows
	}
	if err != nil {
		return fmt.Errorf("update deal: %w", err)
	}
	return nil
}

func (r *dealRepository) Delete(ctx context.Context, id int) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM deals WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete deal: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete deal: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

var dealSortFields = map[string]bool{
	"created_at":  true,
	"value":       true,
	"stage":       true,
	"currency":    true,
	"probability": true,
}

func (r *dealRepository) List(ctx context.Context, f models.DealFilter) ([]models.Deals, error) {
	sortBy := f.SortBy
	if !dealSortFields[sortBy] {
		sortBy = "created_at"
	}
	order := f.Order
	if order != "asc" && order != "desc" {
		order = "desc"
	}

	w := scope("", f.OfficeID, f.OwnerID)
	if f.Stage != "" {
		w.add("stage = $%d", f.Stage)
	}
	if f.Result != "" {
		w.add("result = $%d", f.Result)
	}
	if f.Currency != "" {
		w.add("currency = $%d", f.Currency)
	}
	if f.From != nil {
		w.add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		w.add("created_at <= $%d", *f.To)
	}
	limit, offset := clampLimit(f.Limit, f.Offset)
	q := `SELECT ` + dealColumns + ` FROM deals` + w.sql() +
		fmt.Sprintf(" ORDER BY %s %s LIMIT $%d OFFSET $%d", sortBy, order, len(w.args)+1, len(w.args)+2)
	args := append(w.args, limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list deals: %w", err)
	}
	defer rows.Close()

	out := []models.Deals{}
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deal: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (r *dealRepository) Stats(ctx context.Context, officeID, ownerID int) (*models.DealStats, error) {
	stats := &models.DealStats{
		ByStage:  map[models.DealStage]int{},
		ByResult: map[models.DealResult]int{},
	}
	w := scope("", officeID, ownerID)
	rows, err := r.db.QueryContext(ctx, `
		SELECT stage, result, COUNT(*) FROM deals`+w.sql()+`
		GROUP BY stage, result`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("deal stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			stage  models.DealStage
			result models.DealResult
			n      int
		)
		if err := rows.Scan(&stage, &result, &n); err != nil {
			return nil, fmt.Errorf("scan deal stats: %w", err)
		}
		stats.Total += n
		stats.ByStage[stage] += n
		stats.ByResult[result] += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(value) FILTER (WHERE result = 'PENDING'), 0),
			COALESCE(SUM(value) FILTER (WHERE result = 'WON'), 0)
		FROM deals`+w.sql(), w.args...,
	).Scan(&stats.OpenValue, &stats.WonValue); err != nil {
		return nil, fmt.Errorf("deal stats totals: %w", err)
	}

	cw := scope("d.", officeID, ownerID)
	if err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(c.amount), 0)
		FROM commissions c
		JOIN deals d ON d.id = c.deal_id`+cw.sql(), cw.args...,
	).Scan(&stats.CommissionTotal); err != nil {
		return nil, fmt.Errorf("deal commission total: %w", err)
	}

	closed := stats.ByResult[models.DealResultWon] + stats.ByResult[models.DealResultLost]
	if closed > 0 {
		stats.WinRate = float64(stats.ByResult[models.DealResultWon]) / float64(closed)
	}
	return stats, nil
}
