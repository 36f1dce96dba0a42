package integrity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrHashRecordNotFound is returned when no hash record exists for a requirement.
var ErrHashRecordNotFound = errors.New("integrity: hash record not found")

// HashRecord holds the baseline digest taken at process start and, once the
// requirement completed, the final digest of the signed artifact.
type HashRecord struct {
	RequirementID string
	Baseline      string
	Final         *string
	CreatedAt     time.Time
	FinalizedAt   *time.Time
}

// Repository persists document hash records. All writes run inside the
// caller's transaction so they share the requirement's atomicity.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// InsertBaseline records the baseline digest for a new requirement.
func (r *Repository) InsertBaseline(ctx context.Context, tx pgx.Tx, requirementID, baseline string) error {
	const insertSQL = `
INSERT INTO document_hashes (requirement_id, baseline)
VALUES ($1, $2)
`
	if _, err := tx.Exec(ctx, insertSQL, requirementID, baseline); err != nil {
		return fmt.Errorf("integrity: insert baseline: %w", err)
	}
	return nil
}

// Get loads the hash record for a requirement inside the active transaction.
func (r *Repository) Get(ctx context.Context, tx pgx.Tx, requirementID string) (HashRecord, error) {
	const selectSQL = `
SELECT requirement_id, baseline, final, created_at, finalized_at
FROM document_hashes
WHERE requirement_id = $1
`
	var rec HashRecord
	err := tx.QueryRow(ctx, selectSQL, requirementID).Scan(
		&rec.RequirementID,
		&rec.Baseline,
		&rec.Final,
		&rec.CreatedAt,
		&rec.FinalizedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return HashRecord{}, ErrHashRecordNotFound
		}
		return HashRecord{}, fmt.Errorf("integrity: get hash record: %w", err)
	}
	return rec, nil
}

// SetFinal fixes the final digest exactly once. A second call is a no-op error
// so completion side effects cannot be double-applied.
func (r *Repository) SetFinal(ctx context.Context, tx pgx.Tx, requirementID, final string) error {
	const updateSQL = `
UPDATE document_hashes
SET final = $2,
    finalized_at = get_tx_timestamp()
WHERE requirement_id = $1
  AND final IS NULL
`
	tag, err := tx.Exec(ctx, updateSQL, requirementID, final)
	if err != nil {
		return fmt.Errorf("integrity: set final hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("integrity: final hash already recorded for %s", requirementID)
	}
	return nil
}
