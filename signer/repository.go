package signer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDuplicateSigner signals the same identity was added twice for one requirement.
	ErrDuplicateSigner = errors.New("signer: duplicate signer for requirement")
	// ErrSignerNotFound is returned when no signer row matches.
	ErrSignerNotFound = errors.New("signer: not found")
	// ErrInvalidTransition signals a forbidden signer status change; nothing is written.
	ErrInvalidTransition = errors.New("signer: invalid status transition")
)

// Repository persists signer records. Every method runs inside the caller's
// transaction; the orchestrator holds the requirement row lock, so signer rows
// for one requirement are never touched concurrently.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// AddParams describes one signer to create. ID is generated by the caller so
// external tokens can be minted with the signer id as subject before the row
// exists.
type AddParams struct {
	ID            string
	RequirementID string
	Identity      Identity
	TokenDigest   *string
	InvitedAt     *time.Time
}

const signerColumns = `
id, requirement_id, kind, party_ref, status, token_digest,
invited_at, signed_at, signature_ref, reject_reason, superseded_by::text, created_at
`

// Add inserts one signer record. A second live record for the same identity
// violates the partial unique index and maps to ErrDuplicateSigner.
func (r *Repository) Add(ctx context.Context, tx pgx.Tx, params AddParams) (Signer, error) {
	if params.ID == "" {
		return Signer{}, fmt.Errorf("signer: missing signer id")
	}
	if params.RequirementID == "" {
		return Signer{}, fmt.Errorf("signer: missing requirement id")
	}
	if params.Identity.Ref == "" {
		return Signer{}, fmt.Errorf("signer: missing identity reference")
	}
	if params.Identity.Kind != KindInternal && params.Identity.Kind != KindExternal {
		return Signer{}, fmt.Errorf("signer: unknown kind %q", params.Identity.Kind)
	}
	if params.Identity.Kind == KindExternal && params.TokenDigest == nil {
		return Signer{}, fmt.Errorf("signer: external signer requires a token digest")
	}
	if params.Identity.Kind == KindInternal && params.TokenDigest != nil {
		return Signer{}, fmt.Errorf("signer: internal signer must not carry a token digest")
	}

	insertSQL := `
INSERT INTO signers (id, requirement_id, kind, party_ref, status, token_digest, invited_at)
VALUES ($1, $2, $3, $4, 'pending', $5, $6)
RETURNING ` + signerColumns

	rec, err := scanSigner(tx.QueryRow(ctx, insertSQL,
		params.ID,
		params.RequirementID,
		string(params.Identity.Kind),
		params.Identity.Ref,
		params.TokenDigest,
		params.InvitedAt,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Signer{}, ErrDuplicateSigner
		}
		return Signer{}, fmt.Errorf("signer: insert: %w", err)
	}

	return rec, nil
}

// GetByID loads one signer row and locks it for the remainder of the transaction.
func (r *Repository) GetByID(ctx context.Context, tx pgx.Tx, signerID string) (Signer, error) {
	selectSQL := `SELECT ` + signerColumns + ` FROM signers WHERE id = $1 FOR UPDATE`

	rec, err := scanSigner(tx.QueryRow(ctx, selectSQL, signerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Signer{}, ErrSignerNotFound
		}
		return Signer{}, fmt.Errorf("signer: get by id: %w", err)
	}
	return rec, nil
}

// Find loads one signer row without locking it. Callers that go on to modify
// the row must re-read it with GetByID after taking the requirement row lock,
// so every writer acquires requirement before signer.
func (r *Repository) Find(ctx context.Context, tx pgx.Tx, signerID string) (Signer, error) {
	selectSQL := `SELECT ` + signerColumns + ` FROM signers WHERE id = $1`

	rec, err := scanSigner(tx.QueryRow(ctx, selectSQL, signerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Signer{}, ErrSignerNotFound
		}
		return Signer{}, fmt.Errorf("signer: find: %w", err)
	}
	return rec, nil
}

// FindLiveByIdentity resolves the non-superseded signer record for an identity.
func (r *Repository) FindLiveByIdentity(ctx context.Context, tx pgx.Tx, requirementID string, identity Identity) (Signer, error) {
	selectSQL := `
SELECT ` + signerColumns + `
FROM signers
WHERE requirement_id = $1 AND kind = $2 AND party_ref = $3 AND superseded_by IS NULL
FOR UPDATE
`
	rec, err := scanSigner(tx.QueryRow(ctx, selectSQL, requirementID, string(identity.Kind), identity.Ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Signer{}, ErrSignerNotFound
		}
		return Signer{}, fmt.Errorf("signer: find by identity: %w", err)
	}
	return rec, nil
}

// ListByRequirement returns all signer records for a requirement in creation order.
func (r *Repository) ListByRequirement(ctx context.Context, tx pgx.Tx, requirementID string) ([]Signer, error) {
	selectSQL := `SELECT ` + signerColumns + ` FROM signers WHERE requirement_id = $1 ORDER BY created_at ASC, id ASC`

	rows, err := tx.Query(ctx, selectSQL, requirementID)
	if err != nil {
		return nil, fmt.Errorf("signer: list: %w", err)
	}
	defer rows.Close()

	out := make([]Signer, 0, 4)
	for rows.Next() {
		rec, err := scanSigner(rows)
		if err != nil {
			return nil, fmt.Errorf("signer: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signer: iterate: %w", err)
	}
	return out, nil
}

// MarkViewed moves a signer to viewed.
func (r *Repository) MarkViewed(ctx context.Context, tx pgx.Tx, signerID string) (Signer, error) {
	return r.transition(ctx, tx, signerID, StatusViewed, `
UPDATE signers SET status = 'viewed' WHERE id = $1
RETURNING `+signerColumns)
}

// MarkSigned moves a signer to signed and records the signature artifact.
func (r *Repository) MarkSigned(ctx context.Context, tx pgx.Tx, signerID string, signatureRef *string) (Signer, error) {
	current, err := r.GetByID(ctx, tx, signerID)
	if err != nil {
		return Signer{}, err
	}
	if !CanTransition(current.Status, StatusSigned) {
		return Signer{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, StatusSigned)
	}

	updateSQL := `
UPDATE signers
SET status = 'signed',
    signed_at = get_tx_timestamp(),
    signature_ref = $2
WHERE id = $1
RETURNING ` + signerColumns

	rec, err := scanSigner(tx.QueryRow(ctx, updateSQL, signerID, signatureRef))
	if err != nil {
		return Signer{}, fmt.Errorf("signer: mark signed: %w", err)
	}
	return rec, nil
}

// MarkRejected moves a signer to rejected with the stated reason.
func (r *Repository) MarkRejected(ctx context.Context, tx pgx.Tx, signerID string, reason string) (Signer, error) {
	current, err := r.GetByID(ctx, tx, signerID)
	if err != nil {
		return Signer{}, err
	}
	if !CanTransition(current.Status, StatusRejected) {
		return Signer{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, StatusRejected)
	}

	updateSQL := `
UPDATE signers
SET status = 'rejected',
    reject_reason = $2
WHERE id = $1
RETURNING ` + signerColumns

	rec, err := scanSigner(tx.QueryRow(ctx, updateSQL, signerID, reason))
	if err != nil {
		return Signer{}, fmt.Errorf("signer: mark rejected: %w", err)
	}
	return rec, nil
}

// MarkExpired moves a signer to expired.
func (r *Repository) MarkExpired(ctx context.Context, tx pgx.Tx, signerID string) (Signer, error) {
	return r.transition(ctx, tx, signerID, StatusExpired, `
UPDATE signers SET status = 'expired' WHERE id = $1
RETURNING `+signerColumns)
}

// Supersede closes an old signer record in favor of its re-invited replacement.
// The old token digest stays on a dead row, so the old token can never
// revalidate even before it technically expires.
func (r *Repository) Supersede(ctx context.Context, tx pgx.Tx, oldID, newID string) error {
	const updateSQL = `
UPDATE signers
SET superseded_by = $2,
    status = CASE WHEN status IN ('pending', 'viewed') THEN 'expired' ELSE status END
WHERE id = $1 AND superseded_by IS NULL
`
	tag, err := tx.Exec(ctx, updateSQL, oldID, newID)
	if err != nil {
		return fmt.Errorf("signer: supersede: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSignerNotFound
	}
	return nil
}

// CountValidSignatures counts signers in the signed state. Rejected and expired
// records never count.
func (r *Repository) CountValidSignatures(ctx context.Context, tx pgx.Tx, requirementID string) (int, error) {
	const countSQL = `
SELECT COUNT(*) FROM signers
WHERE requirement_id = $1 AND status = 'signed' AND superseded_by IS NULL
`
	var count int
	if err := tx.QueryRow(ctx, countSQL, requirementID).Scan(&count); err != nil {
		return 0, fmt.Errorf("signer: count signatures: %w", err)
	}
	return count, nil
}

// CountContenders counts signed plus still-live signers: the ceiling on how many
// signatures the requirement can still reach.
func (r *Repository) CountContenders(ctx context.Context, tx pgx.Tx, requirementID string) (int, error) {
	const countSQL = `
SELECT COUNT(*) FROM signers
WHERE requirement_id = $1 AND status IN ('signed', 'pending', 'viewed') AND superseded_by IS NULL
`
	var count int
	if err := tx.QueryRow(ctx, countSQL, requirementID).Scan(&count); err != nil {
		return 0, fmt.Errorf("signer: count contenders: %w", err)
	}
	return count, nil
}

func (r *Repository) transition(ctx context.Context, tx pgx.Tx, signerID string, next Status, updateSQL string) (Signer, error) {
	current, err := r.GetByID(ctx, tx, signerID)
	if err != nil {
		return Signer{}, err
	}
	if !CanTransition(current.Status, next) {
		return Signer{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next)
	}

	rec, err := scanSigner(tx.QueryRow(ctx, updateSQL, signerID))
	if err != nil {
		return Signer{}, fmt.Errorf("signer: transition to %s: %w", next, err)
	}
	return rec, nil
}

func scanSigner(row pgx.Row) (Signer, error) {
	var (
		rec  Signer
		kind string
	)
	err := row.Scan(
		&rec.ID,
		&rec.RequirementID,
		&kind,
		&rec.Identity.Ref,
		&rec.Status,
		&rec.TokenDigest,
		&rec.InvitedAt,
		&rec.SignedAt,
		&rec.SignatureRef,
		&rec.RejectReason,
		&rec.SupersededBy,
		&rec.CreatedAt,
	)
	if err != nil {
		return Signer{}, err
	}
	rec.Identity.Kind = Kind(kind)
	return rec, nil
}
