package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"brokercrm/internal/models"
)

type LeadRepository interface {
	Create(ctx context.Context, lead *models.Leads) error
	GetByID(ctx context.Context, id int) (*models.Leads, error)
	GetByNumber(ctx context.Context, number string) (*models.Leads, error)
	GetForUpdate(ctx context.Context, id int) (*models.Leads, error)
	Update(ctx context.Context, lead *models.Leads) error
	MarkConverted(ctx context.Context, leadID, dealID int) error
	Delete(ctx context.Context, id int) error
	List(ctx context.Context, f models.LeadFilter) ([]models.Leads, error)
	Stats(ctx context.Context, officeID, ownerID int, now time.Time) (*models.LeadStats, error)
	Analytics(ctx context.Context, officeID, ownerID int) (*models.LeadAnalytics, error)
}

type leadRepository struct {
	db dbtx
}

const leadColumns = `
	id, number, title, description, stage, estimated_value, currency, budget_min, budget_max,
	source, channel, segment, priority, property_type, preferred_location, score, temperature,
	sla_deadline, called, spoken, next_call_date, snoozed_until, tags, pool, lost_reason,
	owner_id, client_id, office_id, interested_property_id, converted_deal_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row rowScanner) (*models.Leads, error) {
	var (
		l        models.Leads
		pool     sql.NullString
		clientID sql.NullInt64
	)
	err := row.Scan(
		&l.ID, &l.Number, &l.Title, &l.Description, &l.Stage, &l.EstimatedValue, &l.Currency,
		&l.BudgetMin, &l.BudgetMax, &l.Source, &l.Channel, &l.Segment, &l.Priority, &l.PropertyType,
		&l.PreferredLocation, &l.Score, &l.Temperature, &l.SLADeadline, &l.Called, &l.Spoken,
		&l.NextCallDate, &l.SnoozedUntil, pq.Array(&l.Tags), &pool, &l.LostReason,
		&l.OwnerID, &clientID, &l.OfficeID, &l.InterestedPropertyID, &l.ConvertedDealID,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if pool.Valid {
		p := models.Pool(pool.String)
		l.Pool = &p
	}
	l.ClientID = int(clientID.Int64)
	if l.Tags == nil {
		l.Tags = []string{}
	}
	return &l, nil
}

func nullID(id int) any {
	if id == 0 {
		return nil
	}
	return id
}

func (r *leadRepository) Create(ctx context.Context, l *models.Leads) error {
	const q = `
		INSERT INTO leads (
			number, title, description, stage, estimated_value, currency, budget_min, budget_max,
			source, channel, segment, priority, property_type, preferred_location, score, temperature,
			sla_deadline, called, spoken, next_call_date, snoozed_until, tags, pool, lost_reason,
			owner_id, client_id, office_id, interested_property_id
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28)
		RETURNING id, created_at, updated_at`
	err := r.db.QueryRowContext(ctx, q,
		l.Number, l.Title, l.Description, l.Stage, l.EstimatedValue, l.Currency, l.BudgetMin, l.BudgetMax,
		l.Source, l.Channel, l.Segment, l.Priority, l.PropertyType, l.PreferredLocation, l.Score, l.Temperature,
		l.SLADeadline, l.Called, l.Spoken, l.NextCallDate, l.SnoozedUntil, pq.Array(l.Tags), l.Pool, l.LostReason,
		l.OwnerID, nullID(l.ClientID), l.OfficeID, l.InterestedPropertyID,
	).Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create lead: %w", err)
	}
	return nil
}

func (r *leadRepository) get(ctx context.Context, where string, arg any) (*models.Leads, error) {
	l, err := scanLead(r.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lead: %w", err)
	}
	return l, nil
}

func (r *leadRepository) GetByID(ctx context.Context, id int) (*models.Leads, error) {
	return r.get(ctx, "id = $1", id)
}

func (r *leadRepository) GetByNumber(ctx context.Context, number string) (*models.Leads, error) {
	return r.get(ctx, "number = $1", number)
}

// GetForUpdate locks the row until the surrounding transaction ends.
func (r *leadRepository) GetForUpdate(ctx context.Context, id int) (*models.Leads, error) {
	return r.get(ctx, "id = $1 FOR UPDATE", id)
}

// Update writes every mutable column. converted_deal_id is only ever set
// through MarkConverted.
func (r *leadRepository) Update(ctx context.Context, l *models.Leads) error {
	const q = `
		UPDATE leads SET
			title=$1, description=$2, stage=$3, estimated_value=$4, currency=$5, budget_min=$6, budget_max=$7,
			source=$8, channel=$9, segment=$10, priority=$11, property_type=$12, preferred_location=$13,
			score=$14, temperature=$15, sla_deadline=$16, called=$17, spoken=$18, next_call_date=$19,
			snoozed_until=$20, tags=$21, pool=$22, lost_reason=$23, owner_id=$24, client_id=$25,
			office_id=$26, interested_property_id=$27, updated_at=now()
		WHERE id=$28
		RETURNING updated_at`
	err := r.db.QueryRowContext(ctx, q,
		l.Title, l.Description, l.Stage, l.EstimatedValue, l.Currency, l.BudgetMin, l.BudgetMax,
		l.Source, l.Channel, l.Segment, l.Priority, l.PropertyType, l.PreferredLocation,
		l.Score, l.Temperature, l.SLADeadline, l.Called, l.Spoken, l.NextCallDate,
		l.SnoozedUntil, pq.Array(l.Tags), l.Pool, l.LostReason, l.OwnerID, nullID(l.ClientID),
		l.OfficeID, l.InterestedPropertyID, l.ID,
	).Scan(&l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return sql.ErrNoRows
	}
	if err != nil {
		return fmt.Errorf("update lead: %w", err)
	}
	return nil
}

// MarkConverted sets the conversion link once. A second call for the same
// lead returns ErrAlreadyConverted.
func (r *leadRepository) MarkConverted(ctx context.Context, leadID, dealID int) error {
	const q = `
		UPDATE leads
		SET converted_deal_id=$1, stage='WON', updated_at=now()
		WHERE id=$2 AND converted_deal_id IS NULL`
	res, err := r.db.ExecContext(ctx, q, dealID, leadID)
	if err != nil {
		return fmt.Errorf("mark lead converted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark lead converted: %w", err)
	}
	if n == 0 {
		return ErrAlreadyConverted
	}
	return nil
}

func (r *leadRepository) Delete(ctx context.Context, id int) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM leads WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete lead: %w", err)
	}
	return nil
}

type whereBuilder struct {
	clauses []string
	args    []any
}

func (w *whereBuilder) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, len(w.args)))
}

func (w *whereBuilder) sql() string {
	out := " WHERE 1=1"
	for _, c := range w.clauses {
		out += " AND " + c
	}
	return out
}

// scope restricts a query to an office and owner; zero means unrestricted.
func scope(alias string, officeID, ownerID int) *whereBuilder {
	w := &whereBuilder{}
	if officeID > 0 {
		w.add(alias+"office_id = $%d", officeID)
	}
	if ownerID > 0 {
		w.add(alias+"owner_id = $%d", ownerID)
	}
	return w
}

func (r *leadRepository) List(ctx context.Context, f models.LeadFilter) ([]models.Leads, error) {
	w := scope("", f.OfficeID, f.OwnerID)
	if f.Stage != "" {
		w.add("stage = $%d", f.Stage)
	}
	if f.Temperature != "" {
		w.add("temperature = $%d", f.Temperature)
	}
	if f.Pool != "" {
		w.add("pool = $%d", f.Pool)
	}
	if f.Search != "" {
		w.add("(title ILIKE $%[1]d OR number ILIKE $%[1]d)", "%"+f.Search+"%")
	}
	limit, offset := clampLimit(f.Limit, f.Offset)
	q := `SELECT ` + leadColumns + ` FROM leads` + w.sql() +
		fmt.Sprintf(" ORDER BY score DESC, created_at DESC LIMIT $%d OFFSET $%d", len(w.args)+1, len(w.args)+2)
	args := append(w.args, limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	defer rows.Close()

	out := []models.Leads{}
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (r *leadRepository) Stats(ctx context.Context, officeID, ownerID int, now time.Time) (*models.LeadStats, error) {
	stats := &models.LeadStats{
		ByStage:       map[models.LeadStage]int{},
		ByTemperature: map[models.Temperature]int{},
		ByPool:        map[models.Pool]int{},
	}

	w := scope("", officeID, ownerID)
	rows, err := r.db.QueryContext(ctx, `
		SELECT stage, temperature, COALESCE(pool, ''), COUNT(*)
		FROM leads`+w.sql()+`
		GROUP BY stage, temperature, pool`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("lead stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			stage models.LeadStage
			temp  models.Temperature
			pool  string
			n     int
		)
		if err := rows.Scan(&stage, &temp, &pool, &n); err != nil {
			return nil, fmt.Errorf("scan lead stats: %w", err)
		}
		stats.Total += n
		stats.ByStage[stage] += n
		stats.ByTemperature[temp] += n
		if pool != "" {
			stats.ByPool[models.Pool(pool)] += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	w = scope("", officeID, ownerID)
	w.add("sla_deadline < $%d", now)
	overdue := w.sql() + " AND stage NOT IN ('WON', 'LOST')"
	if err := r.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM leads`+overdue+`),
			(SELECT COUNT(*) FROM leads`+scope("", officeID, ownerID).sql()+` AND converted_deal_id IS NOT NULL)`,
		w.args...,
	).Scan(&stats.SLAOverdue, &stats.Converted); err != nil {
		return nil, fmt.Errorf("lead stats totals: %w", err)
	}
	return stats, nil
}

func (r *leadRepository) Analytics(ctx context.Context, officeID, ownerID int) (*models.LeadAnalytics, error) {
	out := &models.LeadAnalytics{BySource: []models.SourceBreakdown{}}
	w := scope("", officeID, ownerID)
	rows, err := r.db.QueryContext(ctx, `
		SELECT source, channel, COUNT(*),
			COUNT(*) FILTER (WHERE converted_deal_id IS NOT NULL),
			COUNT(*) FILTER (WHERE stage = 'LOST'),
			COALESCE(AVG(score), 0)
		FROM leads`+w.sql()+`
		GROUP BY source, channel
		ORDER BY COUNT(*) DESC`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("lead analytics: %w", err)
	}
	defer rows.Close()

	var scoreSum float64
	for rows.Next() {
		var (
			b    models.SourceBreakdown
			lost int
		)
		if err := rows.Scan(&b.Source, &b.Channel, &b.Total, &b.Converted, &lost, &b.AvgScore); err != nil {
			return nil, fmt.Errorf("scan lead analytics: %w", err)
		}
		out.Total += b.Total
		out.Converted += b.Converted
		out.Lost += lost
		scoreSum += b.AvgScore * float64(b.Total)
		out.BySource = append(out.BySource, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out.Total > 0 {
		out.ConversionRate = float64(out.Converted) / float64(out.Total)
		out.AverageScore = scoreSum / float64(out.Total)
	}
	return out, nil
}
