package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// uniqueViolation is the Postgres error code raised by the partial unique
// index on (box_id, scheduled_at) WHERE active.
const uniqueViolation = "23505"

// Repository implements the Box, QRCode and Record repositories on Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// List returns all boxes ordered by name.
func (r *Repository) List(ctx context.Context) ([]Box, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, description, latitude, longitude, radius_m
		FROM boxes
		ORDER BY name
	`)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	defer rows.Close()

	var boxes []Box
	for rows.Next() {
		var b Box
		if err := rows.Scan(&b.ID, &b.Name, &b.Description, &b.Latitude, &b.Longitude, &b.RadiusM); err != nil {
			return nil, storeUnavailable(err)
		}
		boxes = append(boxes, b)
	}
	if err := rows.Err(); err != nil {
		return nil, storeUnavailable(err)
	}
	return boxes, nil
}

// GetByName resolves a box by its display name. Name matching is exact.
func (r *Repository) GetByName(ctx context.Context, name string) (*Box, error) {
	return r.getBox(ctx, `
		SELECT id, name, description, latitude, longitude, radius_m
		FROM boxes WHERE name = $1
	`, name)
}

// GetByID resolves a box by identifier.
func (r *Repository) GetByID(ctx context.Context, id string) (*Box, error) {
	return r.getBox(ctx, `
		SELECT id, name, description, latitude, longitude, radius_m
		FROM boxes WHERE id = $1
	`, id)
}

// BoxForQR resolves the box a token is bound to; used by the audit worker.
func (r *Repository) BoxForQR(ctx context.Context, qrID string) (*Box, error) {
	return r.getBox(ctx, `
		SELECT b.id, b.name, b.description, b.latitude, b.longitude, b.radius_m
		FROM boxes b JOIN qr_codes q ON q.box_id = b.id
		WHERE q.id = $1
	`, qrID)
}

func (r *Repository) getBox(ctx context.Context, query, arg string) (*Box, error) {
	var b Box
	err := r.db.QueryRowContext(ctx, query, arg).
		Scan(&b.ID, &b.Name, &b.Description, &b.Latitude, &b.Longitude, &b.RadiusM)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeUnavailable(err)
	}
	return &b, nil
}

// Insert creates a QR code. The duplicate check and the insert run in one
// transaction; the partial unique index is the backstop for two transactions
// racing past the check, with the unique violation mapped back to the same
// duplicate error after re-reading the committed winner.
func (r *Repository) Insert(ctx context.Context, qr QRCode) (QRCode, error) {
	if qr.ID == "" {
		qr.ID = uuid.NewString()
	}
	qr.Active = true

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return QRCode{}, storeUnavailable(err)
	}
	defer tx.Rollback()

	if existing, err := activeBySchedule(ctx, tx, qr.BoxID, qr.ScheduledAt); err != nil {
		return QRCode{}, err
	} else if existing != nil {
		return QRCode{}, duplicateSchedule(existing)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO qr_codes (id, box_id, code, scheduled_at, active)
		VALUES ($1, $2, $3, $4, TRUE)
		RETURNING created_at
	`, qr.ID, qr.BoxID, qr.Code, qr.ScheduledAt).Scan(&qr.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			winner, werr := activeBySchedule(ctx, r.db, qr.BoxID, qr.ScheduledAt)
			if werr != nil {
				return QRCode{}, werr
			}
			return QRCode{}, duplicateSchedule(winner)
		}
		return QRCode{}, storeUnavailable(err)
	}

	if err := tx.Commit(); err != nil {
		return QRCode{}, storeUnavailable(err)
	}
	return qr, nil
}

// querier lets the schedule lookup run on either the pool or a transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func activeBySchedule(ctx context.Context, q querier, boxID, scheduledAt string) (*QRCode, error) {
	var qr QRCode
	err := q.QueryRowContext(ctx, `
		SELECT id, box_id, code, scheduled_at, active, created_at
		FROM qr_codes
		WHERE box_id = $1 AND scheduled_at = $2 AND active = TRUE
		LIMIT 1
	`, boxID, scheduledAt).
		Scan(&qr.ID, &qr.BoxID, &qr.Code, &qr.ScheduledAt, &qr.Active, &qr.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeUnavailable(err)
	}
	return &qr, nil
}

// ActiveByCode resolves an active token and its box in one join.
func (r *Repository) ActiveByCode(ctx context.Context, code string) (*ValidatedQR, error) {
	var v ValidatedQR
	err := r.db.QueryRowContext(ctx, `
		SELECT q.id, q.box_id, q.code, q.scheduled_at, q.active, q.created_at,
		       b.name, b.description
		FROM qr_codes q
		JOIN boxes b ON q.box_id = b.id
		WHERE q.code = $1 AND q.active = TRUE
		LIMIT 1
	`, code).Scan(
		&v.QR.ID, &v.QR.BoxID, &v.QR.Code, &v.QR.ScheduledAt, &v.QR.Active, &v.QR.CreatedAt,
		&v.BoxName, &v.BoxDescription,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeUnavailable(err)
	}
	return &v, nil
}

// Create inserts an attendance record. The token is re-resolved inside the
// transaction so a code deactivated after validation cannot leave an orphaned
// record; concurrent deactivation racing the commit itself is accepted.
func (r *Repository) Create(ctx context.Context, code string, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, storeUnavailable(err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		SELECT id FROM qr_codes WHERE code = $1 AND active = TRUE LIMIT 1
	`, code).Scan(&rec.QRID)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, &Error{Kind: KindNotFoundOrInactive}
	}
	if err != nil {
		return Record{}, storeUnavailable(err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO attendance_records
			(id, qr_id, box_label, appointment_date, appointment_time,
			 attention_type, procedure, practitioner_id, latitude, longitude, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at
	`, rec.ID, rec.QRID, rec.BoxLabel, rec.AppointmentDate, rec.AppointmentTime,
		rec.AttentionType, rec.Procedure, nullIfEmpty(rec.PractitionerID),
		rec.Latitude, rec.Longitude, rec.Status).Scan(&rec.CreatedAt)
	if err != nil {
		return Record{}, storeUnavailable(err)
	}

	if err := tx.Commit(); err != nil {
		return Record{}, storeUnavailable(err)
	}
	return rec, nil
}

// Get returns a single record by id, nil when absent.
func (r *Repository) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	var practitioner sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, qr_id, box_label, appointment_date, appointment_time,
		       attention_type, procedure, practitioner_id, latitude, longitude,
		       distance_meters, status, feedback, created_at
		FROM attendance_records WHERE id = $1
	`, id).Scan(
		&rec.ID, &rec.QRID, &rec.BoxLabel, &rec.AppointmentDate, &rec.AppointmentTime,
		&rec.AttentionType, &rec.Procedure, &practitioner, &rec.Latitude, &rec.Longitude,
		&rec.DistanceMeters, &rec.Status, &rec.Feedback, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeUnavailable(err)
	}
	rec.PractitionerID = practitioner.String
	return &rec, nil
}

// RecordRepo adapts Repository to the RecordRepository interface; its List
// shadows the box List so both interfaces can be satisfied.
type RecordRepo struct{ *Repository }

// List returns records newest first with optional filters.
func (r RecordRepo) List(ctx context.Context, f RecordFilter) ([]Record, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	query := `
		SELECT a.id, a.qr_id, a.box_label, a.appointment_date, a.appointment_time,
		       a.attention_type, a.procedure, a.practitioner_id, a.latitude, a.longitude,
		       a.distance_meters, a.status, a.feedback, a.created_at
		FROM attendance_records a`
	args := []any{}
	clauses := []string{}
	if f.PractitionerID != "" {
		args = append(args, f.PractitionerID)
		clauses = append(clauses, fmt.Sprintf("a.practitioner_id = $%d", len(args)))
	}
	if f.BoxID != "" {
		args = append(args, f.BoxID)
		clauses = append(clauses, fmt.Sprintf("a.qr_id IN (SELECT id FROM qr_codes WHERE box_id = $%d)", len(args)))
	}
	if f.From != "" {
		args = append(args, f.From)
		clauses = append(clauses, fmt.Sprintf("a.appointment_date >= $%d", len(args)))
	}
	if f.To != "" {
		args = append(args, f.To)
		clauses = append(clauses, fmt.Sprintf("a.appointment_date <= $%d", len(args)))
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY a.created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		var practitioner sql.NullString
		if err := rows.Scan(
			&rec.ID, &rec.QRID, &rec.BoxLabel, &rec.AppointmentDate, &rec.AppointmentTime,
			&rec.AttentionType, &rec.Procedure, &practitioner, &rec.Latitude, &rec.Longitude,
			&rec.DistanceMeters, &rec.Status, &rec.Feedback, &rec.CreatedAt,
		); err != nil {
			return nil, storeUnavailable(err)
		}
		rec.PractitionerID = practitioner.String
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeUnavailable(err)
	}
	return recs, nil
}

// SetFeedback stores a supervisor review on a record.
func (r *Repository) SetFeedback(ctx context.Context, id, status, feedback string) (*Record, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records SET status = $2, feedback = $3 WHERE id = $1
	`, id, status, feedback)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, nil
	}
	return r.Get(ctx, id)
}

// SetDistance back-fills the audited distance; only pending records are
// promoted to recorded so a supervisor review is never overwritten.
func (r *Repository) SetDistance(ctx context.Context, id string, meters *float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET distance_meters = COALESCE($2, distance_meters),
		    status = CASE WHEN status = $3 THEN $4 ELSE status END
		WHERE id = $1
	`, id, meters, StatusPending, StatusRecorded)
	if err != nil {
		return storeUnavailable(err)
	}
	return nil
}

// SaveUser upserts a login and returns its id.
func (r *Repository) SaveUser(ctx context.Context, username, passwordHash, role string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO users (id, username, password_hash, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (username) DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			role = EXCLUDED.role
		RETURNING id
	`, uuid.NewString(), username, passwordHash, role).Scan(&id)
	if err != nil {
		return "", storeUnavailable(err)
	}
	return id, nil
}

// GetUser returns id, password hash and role for a username.
func (r *Repository) GetUser(ctx context.Context, username string) (id, passwordHash, role string, err error) {
	err = r.db.QueryRowContext(ctx, `
		SELECT id, password_hash, role FROM users WHERE username = $1
	`, username).Scan(&id, &passwordHash, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", "", nil
	}
	if err != nil {
		return "", "", "", storeUnavailable(err)
	}
	return id, passwordHash, role, nil
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (user_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, userID, token, expiresAt)
	if err != nil {
		return storeUnavailable(err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
