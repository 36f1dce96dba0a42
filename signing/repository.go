package signing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrRequirementNotFound is returned when no requirement row exists.
	ErrRequirementNotFound = errors.New("signing: requirement not found")
	// ErrInvalidTransition signals a forbidden requirement status change.
	ErrInvalidTransition = errors.New("signing: invalid status transition")
)

// Repository persists signing requirements. Write methods run inside the
// caller's transaction; GetForUpdate is the per-requirement serialization
// point for every state-changing operation.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// CreateParams describes the immutable part of a new requirement.
type CreateParams struct {
	DocumentID  string
	Quantity    int
	ConsentText string
	ExpiresAt   time.Time
}

const requirementColumns = `
id, document_id, quantity, status, consent_text, expires_at, created_at, updated_at
`

// Create inserts a requirement in the created state.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, params CreateParams) (Requirement, error) {
	insertSQL := `
INSERT INTO signing_requirements (document_id, quantity, consent_text, expires_at)
VALUES ($1, $2, $3, $4)
RETURNING ` + requirementColumns

	rec, err := scanRequirement(tx.QueryRow(ctx, insertSQL,
		params.DocumentID,
		params.Quantity,
		params.ConsentText,
		params.ExpiresAt,
	))
	if err != nil {
		return Requirement{}, fmt.Errorf("signing: insert requirement: %w", err)
	}
	return rec, nil
}

// GetForUpdate loads one requirement and holds its row lock until the
// transaction ends. Signers of the same requirement serialize here; signers of
// different requirements never contend.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, requirementID string) (Requirement, error) {
	selectSQL := `SELECT ` + requirementColumns + ` FROM signing_requirements WHERE id = $1 FOR UPDATE`

	rec, err := scanRequirement(tx.QueryRow(ctx, selectSQL, requirementID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Requirement{}, ErrRequirementNotFound
		}
		return Requirement{}, fmt.Errorf("signing: get requirement for update: %w", err)
	}
	return rec, nil
}

// Get loads one requirement without locking, for read-only queries.
func (r *Repository) Get(ctx context.Context, tx pgx.Tx, requirementID string) (Requirement, error) {
	selectSQL := `SELECT ` + requirementColumns + ` FROM signing_requirements WHERE id = $1`

	rec, err := scanRequirement(tx.QueryRow(ctx, selectSQL, requirementID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Requirement{}, ErrRequirementNotFound
		}
		return Requirement{}, fmt.Errorf("signing: get requirement: %w", err)
	}
	return rec, nil
}

// SetStatus applies a transition already validated against the table.
func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, requirementID string, from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	const updateSQL = `
UPDATE signing_requirements
SET status = $2,
    updated_at = get_tx_timestamp()
WHERE id = $1 AND status = $3
`
	tag, err := tx.Exec(ctx, updateSQL, requirementID, string(to), string(from))
	if err != nil {
		return fmt.Errorf("signing: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: requirement %s no longer in %s", ErrInvalidTransition, requirementID, from)
	}
	return nil
}

// ListDueIDs returns non-terminal requirements whose expiry has passed.
func (r *Repository) ListDueIDs(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	const selectSQL = `
SELECT id
FROM signing_requirements
WHERE expires_at <= $1
  AND status NOT IN ('completed', 'rejected', 'expired', 'cancelled')
ORDER BY expires_at ASC
LIMIT $2
`
	rows, err := tx.Query(ctx, selectSQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("signing: list due: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("signing: scan due id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signing: iterate due ids: %w", err)
	}
	return ids, nil
}

func scanRequirement(row pgx.Row) (Requirement, error) {
	var rec Requirement
	err := row.Scan(
		&rec.ID,
		&rec.DocumentID,
		&rec.Quantity,
		&rec.Status,
		&rec.ConsentText,
		&rec.ExpiresAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Requirement{}, err
	}
	return rec, nil
}
