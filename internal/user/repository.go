package user

import (
	"context"
	"strings"

	"github.com/healthnexus/platform/internal/shared/errors"
	"github.com/healthnexus/platform/internal/shared/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const userColumns = `
	id, phone, phone_normalized, role, name, email, dob, gender, blood_group,
	height, weight, marital_status, address_city, address_state,
	specialization, hospital_name, doctor_qr_id, profile_photo,
	medical_history, lifestyle, created_at, updated_at`

// Repository provides database operations for users
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new user repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new user
func (r *Repository) Create(ctx context.Context, u *User) error {
	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22)`

	_, err := r.pool.Exec(ctx, query,
		u.ID, u.Phone, u.PhoneNormalized, u.Role, u.Name, u.Email, u.DOB, u.Gender, u.BloodGroup,
		u.Height, u.Weight, u.MaritalStatus, u.AddressCity, u.AddressState,
		u.Specialization, u.HospitalName, nullable(u.DoctorQRID), u.ProfilePhoto,
		u.MedicalHistory, u.Lifestyle, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return errors.Conflict("user already exists")
		}
		return errors.Wrap(err, "failed to create user")
	}
	return nil
}

// Update persists every mutable field of u
func (r *Repository) Update(ctx context.Context, u *User) error {
	query := `
		UPDATE users SET
			phone = $2, phone_normalized = $3, name = $4, email = $5, dob = $6,
			gender = $7, blood_group = $8, height = $9, weight = $10,
			marital_status = $11, address_city = $12, address_state = $13,
			specialization = $14, hospital_name = $15, doctor_qr_id = $16,
			profile_photo = $17, medical_history = $18, lifestyle = $19,
			updated_at = $20
		WHERE id = $1`

	result, err := r.pool.Exec(ctx, query,
		u.ID, u.Phone, u.PhoneNormalized, u.Name, u.Email, u.DOB,
		u.Gender, u.BloodGroup, u.Height, u.Weight,
		u.MaritalStatus, u.AddressCity, u.AddressState,
		u.Specialization, u.HospitalName, nullable(u.DoctorQRID),
		u.ProfilePhoto, u.MedicalHistory, u.Lifestyle,
		u.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return errors.Conflict("doctor QR id already in use")
		}
		return errors.Wrap(err, "failed to update user")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("user", u.ID.String())
	}
	return nil
}

// Delete removes the user; links, documents and appointments cascade.
func (r *Repository) Delete(ctx context.Context, id types.ID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete user")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("user", id.String())
	}
	return nil
}

// FindByID retrieves a user by ID
func (r *Repository) FindByID(ctx context.Context, id types.ID) (*User, error) {
	return r.findOne(ctx, `WHERE id = $1`, id)
}

// FindByIDs retrieves the users that exist among ids, in no particular order
func (r *Repository) FindByIDs(ctx context.Context, ids []types.ID) ([]*User, error) {
	if len(ids) == 0 {
		return []*User{}, nil
	}
	return r.findMany(ctx, `WHERE id = ANY($1::uuid[]) ORDER BY name`, types.Strings(ids))
}

// FindByQRID retrieves a doctor by QR id
func (r *Repository) FindByQRID(ctx context.Context, qrID string) (*User, error) {
	return r.findOne(ctx, `WHERE doctor_qr_id = $1`, NormalizeQRID(qrID))
}

// QRIDExists reports whether a QR id is already assigned
func (r *Repository) QRIDExists(ctx context.Context, qrID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE doctor_qr_id = $1)`, qrID,
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check QR id")
	}
	return exists, nil
}

// FindByPhone tries phone_normalized first, then the raw phone and its
// legacy variants.
func (r *Repository) FindByPhone(ctx context.Context, phone string) (*User, error) {
	return findByPhone(ctx, phone, r.findByNormalized, r.findByAnyPhone)
}

// ListAll returns every user, oldest first, for maintenance jobs
func (r *Repository) ListAll(ctx context.Context) ([]*User, error) {
	return r.findMany(ctx, `ORDER BY created_at`)
}

func (r *Repository) findByNormalized(ctx context.Context, normalized string) (*User, error) {
	return r.findOne(ctx, `WHERE phone_normalized = $1 ORDER BY created_at LIMIT 1`, normalized)
}

// Variants are checked in order, so an exact raw match wins.
func (r *Repository) findByAnyPhone(ctx context.Context, phones []string) (*User, error) {
	return r.findOne(ctx,
		`WHERE phone = ANY($1::text[]) ORDER BY array_position($1::text[], phone::text), created_at LIMIT 1`,
		phones)
}

type phoneLookup func(ctx context.Context, normalized string) (*User, error)
type variantsLookup func(ctx context.Context, phones []string) (*User, error)

func findByPhone(ctx context.Context, phone string, byNormalized phoneLookup, byVariants variantsLookup) (*User, error) {
	if normalized := types.NormalizePhone(phone); normalized != "" {
		u, err := byNormalized(ctx, normalized)
		if err == nil {
			return u, nil
		}
		if !errors.IsNotFound(err) {
			return nil, err
		}
	}

	variants := types.PhoneVariants(phone)
	if len(variants) == 0 {
		return nil, errors.NotFound("user", phone)
	}
	return byVariants(ctx, variants)
}

func (r *Repository) findOne(ctx context.Context, where string, args ...any) (*User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users `+where, args...)
	u, err := scanUser(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFoundMessage("User not found")
		}
		return nil, errors.Wrap(err, "failed to get user")
	}
	return u, nil
}

func (r *Repository) findMany(ctx context.Context, tail string, args ...any) ([]*User, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users `+tail, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list users")
	}
	defer rows.Close()

	users := []*User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan user")
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var qrID *string
	err := row.Scan(
		&u.ID, &u.Phone, &u.PhoneNormalized, &u.Role, &u.Name, &u.Email, &u.DOB, &u.Gender, &u.BloodGroup,
		&u.Height, &u.Weight, &u.MaritalStatus, &u.AddressCity, &u.AddressState,
		&u.Specialization, &u.HospitalName, &qrID, &u.ProfilePhoto,
		&u.MedicalHistory, &u.Lifestyle, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if qrID != nil {
		u.DoctorQRID = *qrID
	}
	return &u, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
