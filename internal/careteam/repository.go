package careteam

import (
	"context"
	"strings"

	"github.com/healthnexus/platform/internal/shared/errors"
	"github.com/healthnexus/platform/internal/shared/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const linkColumns = `id, doctor_id, patient_id, status, linked_at, updated_at`

// Repository provides database operations for doctor-patient links
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new link repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new link
func (r *Repository) Create(ctx context.Context, l *Link) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO doctor_patient_links (`+linkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.ID, l.DoctorID, l.PatientID, l.Status, l.LinkedAt, l.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return errors.Conflict("Already connected to this doctor")
		}
		return errors.Wrap(err, "failed to save link")
	}
	return nil
}

// Update persists a status change
func (r *Repository) Update(ctx context.Context, l *Link) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE doctor_patient_links SET status = $2, linked_at = $3, updated_at = $4 WHERE id = $1`,
		l.ID, l.Status, l.LinkedAt, l.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to update link")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("link", l.ID.String())
	}
	return nil
}

// FindPair returns the link between a doctor and a patient in any status
func (r *Repository) FindPair(ctx context.Context, doctorID, patientID types.ID) (*Link, error) {
	var l Link
	err := r.pool.QueryRow(ctx,
		`SELECT `+linkColumns+` FROM doctor_patient_links WHERE doctor_id = $1 AND patient_id = $2`,
		doctorID, patientID,
	).Scan(&l.ID, &l.DoctorID, &l.PatientID, &l.Status, &l.LinkedAt, &l.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFoundMessage("Connection not found")
		}
		return nil, errors.Wrap(err, "failed to get link")
	}
	return &l, nil
}

// IsActiveLink reports whether the doctor is actively linked to the patient
func (r *Repository) IsActiveLink(ctx context.Context, doctorID, patientID types.ID) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM doctor_patient_links
			WHERE doctor_id = $1 AND patient_id = $2 AND status = 'active'
		)`, doctorID, patientID).Scan(&ok)
	if err != nil {
		return false, errors.Wrap(err, "failed to check link")
	}
	return ok, nil
}

// ActiveDoctorIDs returns the doctors actively linked to a patient, most recent first
func (r *Repository) ActiveDoctorIDs(ctx context.Context, patientID types.ID) ([]types.ID, error) {
	return r.ids(ctx, `
		SELECT doctor_id FROM doctor_patient_links
		WHERE patient_id = $1 AND status = 'active' ORDER BY linked_at DESC`, patientID)
}

// ActivePatientIDs returns the patients actively linked to a doctor, most recent first
func (r *Repository) ActivePatientIDs(ctx context.Context, doctorID types.ID) ([]types.ID, error) {
	return r.ids(ctx, `
		SELECT patient_id FROM doctor_patient_links
		WHERE doctor_id = $1 AND status = 'active' ORDER BY linked_at DESC`, doctorID)
}

func (r *Repository) ids(ctx context.Context, query string, arg any) ([]types.ID, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list links")
	}
	defer rows.Close()

	ids := []types.ID{}
	for rows.Next() {
		var id types.ID
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan link")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
