package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks run against a live database under load.
// Every query must return zero rows; any row is a counterexample.
func All() []Oracle {
	return []Oracle{
		{
			// A completed requirement has exactly Quantity valid signatures from
			// non-superseded signers.
			Name: "O1_completed_quorum",
			SQL: `SELECT r.id, r.quantity, COUNT(s.id) FILTER (WHERE s.status = 'signed') AS signed
                  FROM signing_requirements r
                  LEFT JOIN signers s ON s.requirement_id = r.id AND s.superseded_by IS NULL
                  WHERE r.status = 'completed'
                  GROUP BY r.id, r.quantity
                  HAVING COUNT(s.id) FILTER (WHERE s.status = 'signed') <> r.quantity`,
		},
		{
			// Signatures never exceed the requested quantity: completion closes
			// the requirement at the exact moment the count is reached.
			Name: "O2_no_oversigning",
			SQL: `SELECT requirement_id, COUNT(*) FROM signers s
                  JOIN signing_requirements r ON r.id = s.requirement_id
                  WHERE s.status = 'signed' AND s.superseded_by IS NULL
                  GROUP BY requirement_id, r.quantity
                  HAVING COUNT(*) > r.quantity`,
		},
		{
			// The final hash exists iff the requirement completed, and matches
			// the baseline recorded at start.
			Name: "O3_final_hash_integrity",
			SQL: `SELECT r.id, r.status, h.baseline, h.final
                  FROM signing_requirements r
                  JOIN document_hashes h ON h.requirement_id = r.id
                  WHERE (r.status = 'completed' AND (h.final IS NULL OR h.final <> h.baseline))
                     OR (r.status <> 'completed' AND h.final IS NOT NULL)`,
		},
		{
			// A requirement is closed exactly once: at most one terminal event
			// of each closing kind per requirement.
			Name: "O4_single_close",
			SQL: `SELECT requirement_id, type, COUNT(*) FROM signature_events
                  WHERE type IN ('COMPLETED', 'EXPIRED', 'CANCELLED')
                  GROUP BY requirement_id, type HAVING COUNT(*) > 1`,
		},
		{
			// Ledger sequence numbers are strictly increasing per requirement.
			Name: "O5_ledger_monotonic",
			SQL: `WITH seqs AS (
                      SELECT requirement_id, seq,
                             LAG(seq) OVER (PARTITION BY requirement_id ORDER BY seq) AS prev
                      FROM signature_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			// At most one live signer record per identity per requirement;
			// re-invites must supersede, never duplicate.
			Name: "O6_unique_live_identity",
			SQL: `SELECT requirement_id, kind, party_ref, COUNT(*) FROM signers
                  WHERE superseded_by IS NULL
                  GROUP BY requirement_id, kind, party_ref HAVING COUNT(*) > 1`,
		},
		{
			// A terminal requirement status is backed by its closing ledger
			// event committed in the same transaction.
			Name: "O7_status_event_consistency",
			SQL: `SELECT r.id, r.status FROM signing_requirements r
                  WHERE (r.status = 'completed' AND NOT EXISTS (
                            SELECT 1 FROM signature_events e
                            WHERE e.requirement_id = r.id AND e.type = 'COMPLETED'))
                     OR (r.status = 'expired' AND NOT EXISTS (
                            SELECT 1 FROM signature_events e
                            WHERE e.requirement_id = r.id AND e.type = 'EXPIRED'))
                     OR (r.status = 'cancelled' AND NOT EXISTS (
                            SELECT 1 FROM signature_events e
                            WHERE e.requirement_id = r.id AND e.type = 'CANCELLED'))`,
		},
		{
			// Every valid signature carries its SIGNED ledger event.
			Name: "O8_signed_has_event",
			SQL: `SELECT s.id FROM signers s
                  WHERE s.status = 'signed'
                    AND NOT EXISTS (
                        SELECT 1 FROM signature_events e
                        WHERE e.signer_id = s.id AND e.type = 'SIGNED')`,
		},
		{
			// Outbox messages do not rot: anything pending for five minutes
			// points at a stuck relayer.
			Name: "O9_outbox_freshness",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			// The append-only guard on the ledger must stay installed.
			Name: "O10_append_only_guard",
			SQL: `SELECT 'missing_append_only_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'trg_signature_events_append_only')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
