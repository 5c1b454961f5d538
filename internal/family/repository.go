package family

import (
	"context"
	"strings"

	"github.com/healthnexus/platform/internal/shared/errors"
	"github.com/healthnexus/platform/internal/shared/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const linkColumns = `id, user_id, family_member_id, relation, status, verified_at, created_at, updated_at`

// Repository provides database operations for family links
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new family link repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new link
func (r *Repository) Create(ctx context.Context, l *Link) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO family_links (`+linkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		l.ID, l.UserID, l.FamilyMemberID, l.Relation, l.Status, l.VerifiedAt, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return errors.Conflict("Already connected.")
		}
		return errors.Wrap(err, "failed to save family link")
	}
	return nil
}

// Update persists status and timestamps
func (r *Repository) Update(ctx context.Context, l *Link) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE family_links SET status = $2, verified_at = $3, created_at = $4, updated_at = $5
		WHERE id = $1`,
		l.ID, l.Status, l.VerifiedAt, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to update family link")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFound("family link", l.ID.String())
	}
	return nil
}

// Delete removes a link
func (r *Repository) Delete(ctx context.Context, id types.ID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM family_links WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete family link")
	}
	if result.RowsAffected() == 0 {
		return errors.NotFoundMessage("Link not found.")
	}
	return nil
}

// FindDirected returns the link initiated by userID towards memberID
func (r *Repository) FindDirected(ctx context.Context, userID, memberID types.ID) (*Link, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+linkColumns+` FROM family_links WHERE user_id = $1 AND family_member_id = $2`,
		userID, memberID)
	l, err := scanLink(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFoundMessage("Link not found.")
		}
		return nil, errors.Wrap(err, "failed to get family link")
	}
	return l, nil
}

// FindBetween returns the link between two users in either direction,
// preferring the one a initiated.
func (r *Repository) FindBetween(ctx context.Context, a, b types.ID) (*Link, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+linkColumns+` FROM family_links
		WHERE (user_id = $1 AND family_member_id = $2) OR (user_id = $2 AND family_member_id = $1)
		ORDER BY (user_id = $1) DESC
		LIMIT 1`, a, b)
	l, err := scanLink(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFoundMessage("Link not found.")
		}
		return nil, errors.Wrap(err, "failed to get family link")
	}
	return l, nil
}

// IsActiveBetween reports whether an active link joins a and b in either direction
func (r *Repository) IsActiveBetween(ctx context.Context, a, b types.ID) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM family_links
			WHERE status = 'active'
			  AND ((user_id = $1 AND family_member_id = $2) OR (user_id = $2 AND family_member_id = $1))
		)`, a, b).Scan(&ok)
	if err != nil {
		return false, errors.Wrap(err, "failed to check family link")
	}
	return ok, nil
}

// ListActive returns the user's active links in both directions. Links the
// user initiated come first.
func (r *Repository) ListActive(ctx context.Context, userID types.ID) ([]*Link, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+linkColumns+` FROM family_links
		WHERE status = 'active' AND (user_id = $1 OR family_member_id = $1)
		ORDER BY (user_id = $1) DESC, created_at`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list family links")
	}
	defer rows.Close()

	links := []*Link{}
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan family link")
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func scanLink(row pgx.Row) (*Link, error) {
	var l Link
	err := row.Scan(&l.ID, &l.UserID, &l.FamilyMemberID, &l.Relation, &l.Status, &l.VerifiedAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}
