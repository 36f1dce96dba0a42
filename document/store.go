package document

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested document does not exist.
var ErrNotFound = errors.New("document: not found")

// fetchTimeout bounds the collaborator call; document retrieval is the only
// slow step on the signing path.
const fetchTimeout = 5 * time.Second

// Store is the abstract document collaborator the signing engine depends on.
// The engine only ever needs the current bytes of a document; where they live
// is outside this core.
type Store interface {
	Fetch(ctx context.Context, documentID string) ([]byte, error)
}

// PGStore keeps document content in Postgres. It is the default collaborator
// wiring and the one integration tests run against.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Fetch returns the current content bytes for a document.
func (s *PGStore) Fetch(ctx context.Context, documentID string) ([]byte, error) {
	if documentID == "" {
		return nil, fmt.Errorf("document: empty id")
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	var content []byte
	err := s.pool.QueryRow(ctx, `SELECT content FROM documents WHERE id = $1`, documentID).Scan(&content)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("document: fetch %s: %w", documentID, err)
	}

	return content, nil
}

// Put stores or replaces document content. Used by tests and by callers seeding
// the store before starting a signing process.
func (s *PGStore) Put(ctx context.Context, documentID, name string, content []byte) error {
	if documentID == "" {
		return fmt.Errorf("document: empty id")
	}

	const upsertSQL = `
INSERT INTO documents (id, name, content)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name,
    content = EXCLUDED.content,
    updated_at = get_tx_timestamp()
`
	if _, err := s.pool.Exec(ctx, upsertSQL, documentID, name, content); err != nil {
		return fmt.Errorf("document: put %s: %w", documentID, err)
	}
	return nil
}
