package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the only write path into the signature event ledger. The public
// contract offers Append and ordered reads; no update or delete exists, and the
// table carries a trigger rejecting both.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append inserts one event inside the caller's transaction.
func (r *Repository) Append(ctx context.Context, tx pgx.Tx, event Event) error {
	if event.RequirementID == "" {
		return fmt.Errorf("ledger: missing requirement id")
	}
	if event.Type == "" {
		return fmt.Errorf("ledger: missing event type")
	}

	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ledger: marshal payload: %w", err)
	}

	const insertSQL = `
INSERT INTO signature_events (requirement_id, signer_id, type, payload, client_ip, user_agent, doc_digest)
VALUES ($1, $2::uuid, $3, $4::jsonb, $5, $6, $7)
`
	var signerID any
	if event.SignerID != nil && *event.SignerID != "" {
		signerID = *event.SignerID
	}
	if _, err := tx.Exec(ctx, insertSQL,
		event.RequirementID,
		signerID,
		string(event.Type),
		body,
		event.ClientIP,
		event.UserAgent,
		event.DocDigest,
	); err != nil {
		return fmt.Errorf("ledger: append event: %w", err)
	}

	return nil
}

// ListByRequirement returns the full ordered history for one requirement. The
// order is append order at query time, which is what legal replay requires.
func (r *Repository) ListByRequirement(ctx context.Context, requirementID string) ([]Event, error) {
	const selectSQL = `
SELECT seq, requirement_id, signer_id::text, type, payload, client_ip, user_agent, doc_digest, created_at
FROM signature_events
WHERE requirement_id = $1
ORDER BY seq ASC
`
	rows, err := r.pool.Query(ctx, selectSQL, requirementID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, 16)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate events: %w", err)
	}

	return events, nil
}

// CountByType reports how many events of one type exist for a requirement.
// Used by sweep idempotency checks and tests.
func (r *Repository) CountByType(ctx context.Context, requirementID string, eventType EventType) (int, error) {
	const countSQL = `
SELECT COUNT(*)
FROM signature_events
WHERE requirement_id = $1 AND type = $2
`
	var count int
	if err := r.pool.QueryRow(ctx, countSQL, requirementID, string(eventType)).Scan(&count); err != nil {
		return 0, fmt.Errorf("ledger: count events: %w", err)
	}
	return count, nil
}

func scanEvent(row pgx.Row) (Event, error) {
	var (
		out     Event
		payload []byte
	)
	if err := row.Scan(
		&out.Seq,
		&out.RequirementID,
		&out.SignerID,
		&out.Type,
		&payload,
		&out.ClientIP,
		&out.UserAgent,
		&out.DocDigest,
		&out.CreatedAt,
	); err != nil {
		return Event{}, err
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &out.Payload); err != nil {
			return Event{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	return out, nil
}
