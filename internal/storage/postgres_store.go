package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/urgent-dispatch/internal/geo"
	"github.com/example/urgent-dispatch/internal/models"
)

// PostgresStore implements Store and geo.Directory on postgres.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the schema from the given SQL text.
func (p *PostgresStore) Migrate(ctx context.Context, schema string) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *PostgresStore) SaveRequest(ctx context.Context, r *models.UrgentRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO urgent_requests(id, client_id, service_id, description, latitude, longitude, radius_km, category, status, price_estimate, assigned_professional_id, payment_hold_id, created_at, completed_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		r.ID, r.ClientID, nullStr(r.ServiceID), r.Description, r.Location.Lat, r.Location.Lng, r.RadiusKm, nullStr(r.Category), string(r.Status), r.PriceEstimate, nullStr(r.ProfessionalID), nullStr(r.PaymentHoldID), r.CreatedAt, r.CompletedAt)
	return err
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.UrgentRequest, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, client_id, COALESCE(service_id,''), description, latitude, longitude, radius_km, COALESCE(category,''), status, price_estimate, COALESCE(assigned_professional_id,''), COALESCE(payment_hold_id,''), created_at, completed_at
		FROM urgent_requests WHERE id = $1`, id)
	var r models.UrgentRequest
	var status string
	err := row.Scan(&r.ID, &r.ClientID, &r.ServiceID, &r.Description, &r.Location.Lat, &r.Location.Lng, &r.RadiusKm, &r.Category, &status, &r.PriceEstimate, &r.ProfessionalID, &r.PaymentHoldID, &r.CreatedAt, &r.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = models.RequestStatus(status)
	return &r, nil
}

func (p *PostgresStore) UpdateRequest(ctx context.Context, r *models.UrgentRequest) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE urgent_requests SET status=$1, price_estimate=$2, assigned_professional_id=$3, payment_hold_id=$4, completed_at=$5 WHERE id=$6`,
		string(r.Status), r.PriceEstimate, nullStr(r.ProfessionalID), nullStr(r.PaymentHoldID), r.CompletedAt, r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// AssignRequest only matches a row that is still pending, so two
// professionals racing past their candidate flips cannot both assign the
// request.
func (p *PostgresStore) AssignRequest(ctx context.Context, requestID, professionalID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE urgent_requests SET status=$1, assigned_professional_id=$2
		WHERE id=$3 AND status=$4`,
		string(models.StatusAssigned), professionalID, requestID, string(models.StatusPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresStore) CountRequestsSince(ctx context.Context, clientID string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM urgent_requests WHERE client_id=$1 AND created_at >= $2`, clientID, since).Scan(&n)
	return n, err
}

func (p *PostgresStore) SaveCandidate(ctx context.Context, c *models.Candidate) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO request_candidates(id, request_id, professional_id, distance_km, responded, accepted)
		VALUES($1,$2,$3,$4,$5,$6)
		ON CONFLICT (request_id, professional_id) DO NOTHING`,
		c.ID, c.RequestID, c.ProfessionalID, c.DistanceKm, c.Responded, c.Accepted)
	return err
}

func (p *PostgresStore) CandidatesByRequest(ctx context.Context, requestID string) ([]models.Candidate, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, request_id, professional_id, distance_km, responded, accepted
		FROM request_candidates WHERE request_id=$1 ORDER BY distance_km`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Candidate
	for rows.Next() {
		var c models.Candidate
		if err := rows.Scan(&c.ID, &c.RequestID, &c.ProfessionalID, &c.DistanceKm, &c.Responded, &c.Accepted); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkCandidateResponded only matches an unresponded row, so a
// professional cannot respond twice to the same request.
func (p *PostgresStore) MarkCandidateResponded(ctx context.Context, requestID, professionalID string, accepted bool) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE request_candidates SET responded = TRUE, accepted = $1
		WHERE request_id = $2 AND professional_id = $3 AND responded = FALSE`,
		accepted, requestID, professionalID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresStore) ClearCandidateAccept(ctx context.Context, requestID, professionalID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE request_candidates SET accepted = FALSE
		WHERE request_id = $1 AND professional_id = $2`, requestID, professionalID)
	return err
}

func (p *PostgresStore) CountUnresponded(ctx context.Context, requestID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM request_candidates WHERE request_id=$1 AND responded = FALSE`, requestID).Scan(&n)
	return n, err
}

func (p *PostgresStore) SaveAssignment(ctx context.Context, a *models.Assignment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO request_assignments(id, request_id, professional_id, status, assigned_at)
		VALUES($1,$2,$3,$4,$5)`,
		a.ID, a.RequestID, a.ProfessionalID, a.Status, a.AssignedAt)
	return err
}

func (p *PostgresStore) SaveRejection(ctx context.Context, r *models.Rejection) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO request_rejections(id, request_id, professional_id, reason, created_at)
		VALUES($1,$2,$3,$4,$5)`,
		r.ID, r.RequestID, r.ProfessionalID, r.Reason, r.CreatedAt)
	return err
}

func (p *PostgresStore) SaveTracking(ctx context.Context, e *models.TrackingEntry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO request_tracking(id, request_id, previous_status, new_status, changed_by, notes, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.RequestID, string(e.PreviousStatus), string(e.NewStatus), nullStr(e.ChangedBy), e.Notes, e.CreatedAt)
	return err
}

func (p *PostgresStore) TrackingByRequest(ctx context.Context, requestID string) ([]models.TrackingEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, request_id, previous_status, new_status, COALESCE(changed_by,''), notes, created_at
		FROM request_tracking WHERE request_id=$1 ORDER BY created_at`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.TrackingEntry
	for rows.Next() {
		var e models.TrackingEntry
		var prev, next string
		if err := rows.Scan(&e.ID, &e.RequestID, &prev, &next, &e.ChangedBy, &e.Notes, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.PreviousStatus = models.RequestStatus(prev)
		e.NewStatus = models.RequestStatus(next)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PricingRuleFor(ctx context.Context, category string) (*models.PricingRule, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT service_category, base_multiplier, min_price
		FROM pricing_rules WHERE LOWER(service_category) = LOWER($1)`, category)
	var r models.PricingRule
	err := row.Scan(&r.ServiceCategory, &r.BaseMultiplier, &r.MinPrice)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// QueryBox restricts the directory scan to the bounding box so the index
// only pays for exact distance math on plausible rows.
func (p *PostgresStore) QueryBox(ctx context.Context, box geo.Box, f geo.Filter) ([]models.Professional, error) {
	q := `
		SELECT id, latitude, longitude, rating, review_count, available, push_enabled, COALESCE(push_token,''), updated_at
		FROM professionals
		WHERE latitude BETWEEN $1 AND $2 AND longitude BETWEEN $3 AND $4`
	args := []any{box.MinLat, box.MaxLat, box.MinLng, box.MaxLng}
	if f.AvailableOnly {
		q += ` AND available = TRUE`
	}
	if f.Category != "" {
		args = append(args, "%"+f.Category+"%")
		q += fmt.Sprintf(` AND EXISTS (
			SELECT 1 FROM professional_specialties s
			WHERE s.professional_id = professionals.id
			AND (s.name ILIKE $%d OR s.category ILIKE $%d))`, len(args), len(args))
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Professional
	for rows.Next() {
		var pr models.Professional
		if err := rows.Scan(&pr.ID, &pr.Loc.Lat, &pr.Loc.Lng, &pr.Rating, &pr.ReviewCount, &pr.Available, &pr.PushEnabled, &pr.PushToken, &pr.Updated); err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := p.loadSpecialties(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) loadSpecialties(ctx context.Context, pros []models.Professional) error {
	if len(pros) == 0 {
		return nil
	}
	byID := make(map[string]*models.Professional, len(pros))
	ids := make([]string, 0, len(pros))
	for i := range pros {
		byID[pros[i].ID] = &pros[i]
		ids = append(ids, pros[i].ID)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT professional_id, name, category FROM professional_specialties
		WHERE professional_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var sp models.Specialty
		if err := rows.Scan(&id, &sp.Name, &sp.Category); err != nil {
			return err
		}
		if pr, ok := byID[id]; ok {
			pr.Specialties = append(pr.Specialties, sp)
		}
	}
	return rows.Err()
}

func (p *PostgresStore) SaveLocation(ctx context.Context, professionalID string, loc models.Coord) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE professionals SET latitude=$1, longitude=$2, updated_at=NOW() WHERE id=$3`,
		loc.Lat, loc.Lng, professionalID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
