package appointment

import (
	"context"
	"time"

	"github.com/healthnexus/platform/internal/shared/errors"
	"github.com/healthnexus/platform/internal/shared/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const appointmentColumns = `
	id, patient_id, doctor_id, type, symptoms, notes, status,
	appointment_date, token_number, created_at, updated_at`

// Repository provides database operations for appointments
type Repository struct {
	pool *pgxpool.Pool
	loc  *time.Location
}

// NewRepository creates a new appointment repository. OPD days follow the
// server's local time zone.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, loc: time.Local}
}

// BookOPD assigns the next token number for the appointment's day and inserts
// it. A transaction-scoped advisory lock per day serializes concurrent bookings.
func (r *Repository) BookOPD(ctx context.Context, a *Appointment) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	start, end, key := OPDDay(a.AppointmentDate, r.loc)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return errors.Wrap(err, "failed to lock token counter")
	}

	var count int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM appointments
		WHERE type = 'opd' AND appointment_date >= $1 AND appointment_date < $2`,
		start, end,
	).Scan(&count)
	if err != nil {
		return errors.Wrap(err, "failed to count appointments")
	}
	a.TokenNumber = count + 1

	_, err = tx.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.PatientID, a.DoctorID, a.Type, a.Symptoms, a.Notes, a.Status,
		a.AppointmentDate, a.TokenNumber, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save appointment")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// UpdateStatus persists a status change
func (r *Repository) UpdateStatus(ctx context.Context, a *Appointment) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE appointments SET status = $2, updated_at = $3 WHERE id = $1`,
		a.ID, a.Status, a.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to update appointment")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("appointment", a.ID.String())
	}
	return nil
}

// FindByID retrieves an appointment by ID
func (r *Repository) FindByID(ctx context.Context, id types.ID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	a, err := scanAppointment(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFoundMessage("Appointment not found")
		}
		return nil, errors.Wrap(err, "failed to get appointment")
	}
	return a, nil
}

// ListByPatient returns a patient's appointments, latest date first
func (r *Repository) ListByPatient(ctx context.Context, patientID types.ID) ([]*Appointment, error) {
	return r.list(ctx, `WHERE patient_id = $1 ORDER BY appointment_date DESC`, patientID)
}

// ListByDoctor returns the appointments booked with a doctor, latest date first
func (r *Repository) ListByDoctor(ctx context.Context, doctorID types.ID) ([]*Appointment, error) {
	return r.list(ctx, `WHERE doctor_id = $1 ORDER BY appointment_date DESC`, doctorID)
}

// CountForDoctorBetween counts a doctor's non-cancelled appointments in [from, to)
func (r *Repository) CountForDoctorBetween(ctx context.Context, doctorID types.ID, from, to time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM appointments
		WHERE doctor_id = $1 AND status <> 'cancelled'
		  AND appointment_date >= $2 AND appointment_date < $3`,
		doctorID, from, to,
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count appointments")
	}
	return count, nil
}

func (r *Repository) list(ctx context.Context, tail string, args ...any) ([]*Appointment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+appointmentColumns+` FROM appointments `+tail, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list appointments")
	}
	defer rows.Close()

	out := []*Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan appointment")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var doctorID *string
	err := row.Scan(
		&a.ID, &a.PatientID, &doctorID, &a.Type, &a.Symptoms, &a.Notes, &a.Status,
		&a.AppointmentDate, &a.TokenNumber, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if doctorID != nil {
		id := types.ID(*doctorID)
		a.DoctorID = &id
	}
	return &a, nil
}
