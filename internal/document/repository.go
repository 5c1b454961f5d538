package document

import (
	"context"
	"strings"

	"github.com/healthnexus/platform/internal/shared/errors"
	"github.com/healthnexus/platform/internal/shared/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const documentColumns = `
	id, patient_id, uploaded_by, type, title, file_name, file_url, storage_key,
	mime_type, file_size, file_hash, is_shared, shared_with, extracted_data,
	analysis, created_at, updated_at`

// Repository provides database operations for documents
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new document repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new document
func (r *Repository) Create(ctx context.Context, d *Document) error {
	query := `
		INSERT INTO documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err := r.pool.Exec(ctx, query,
		d.ID, d.PatientID, d.UploadedBy, d.Type, d.Title, d.FileName, d.FileURL, d.StorageKey,
		d.MimeType, d.FileSize, d.FileHash, d.IsShared, types.Strings(d.SharedWith), d.ExtractedData,
		d.Analysis, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return errors.Conflict("document already exists")
		}
		return errors.Wrap(err, "failed to save document")
	}
	return nil
}

// Update persists sharing, extracted data and analysis
func (r *Repository) Update(ctx context.Context, d *Document) error {
	query := `
		UPDATE documents SET
			title = $2, is_shared = $3, shared_with = $4, extracted_data = $5,
			analysis = $6, updated_at = $7
		WHERE id = $1`

	result, err := r.pool.Exec(ctx, query,
		d.ID, d.Title, d.IsShared, types.Strings(d.SharedWith), d.ExtractedData,
		d.Analysis, d.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update document")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("document", d.ID.String())
	}
	return nil
}

// Delete removes a document record
func (r *Repository) Delete(ctx context.Context, id types.ID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete document")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("document", id.String())
	}
	return nil
}

// FindByID retrieves a document by ID
func (r *Repository) FindByID(ctx context.Context, id types.ID) (*Document, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	d, err := scanDocument(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFoundMessage("Document not found")
		}
		return nil, errors.Wrap(err, "failed to get document")
	}
	return d, nil
}

// ListByPatient returns a patient's documents, newest first
func (r *Repository) ListByPatient(ctx context.Context, patientID types.ID) ([]*Document, error) {
	return r.list(ctx, `WHERE patient_id = $1 ORDER BY created_at DESC`, patientID)
}

// ListAuthoredBy returns the most recent documents a doctor created
func (r *Repository) ListAuthoredBy(ctx context.Context, doctorID types.ID, limit int) ([]*Document, error) {
	return r.list(ctx,
		`WHERE extracted_data->>'doctor_id' = $1 ORDER BY created_at DESC LIMIT $2`,
		doctorID.String(), limit)
}

// StorageKeysByPatient returns the blob keys of a patient's documents
func (r *Repository) StorageKeysByPatient(ctx context.Context, patientID types.ID) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT storage_key FROM documents WHERE patient_id = $1 AND storage_key <> ''`, patientID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list storage keys")
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrap(err, "failed to scan storage key")
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (r *Repository) list(ctx context.Context, tail string, args ...any) ([]*Document, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+documentColumns+` FROM documents `+tail, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list documents")
	}
	defer rows.Close()

	docs := []*Document{}
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan document")
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	var sharedWith []string
	err := row.Scan(
		&d.ID, &d.PatientID, &d.UploadedBy, &d.Type, &d.Title, &d.FileName, &d.FileURL, &d.StorageKey,
		&d.MimeType, &d.FileSize, &d.FileHash, &d.IsShared, &sharedWith, &d.ExtractedData,
		&d.Analysis, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.SharedWith = make([]types.ID, len(sharedWith))
	for i, s := range sharedWith {
		d.SharedWith[i] = types.ID(s)
	}
	return &d, nil
}
