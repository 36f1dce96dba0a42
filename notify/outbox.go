package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Outbox topics consumed by the notification gateway.
const (
	TopicInvitation = "signing.invitation"
	TopicReminder   = "signing.reminder"
	TopicCompleted  = "signing.completed"
	TopicRejected   = "signing.rejected"
	TopicExpired    = "signing.expired"
	TopicCancelled  = "signing.cancelled"
)

// Message is one pending delivery to the notification gateway.
type Message struct {
	ID        int64
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

// Outbox writes notification messages inside the same transaction as the
// workflow state they announce. Delivery failures never roll the workflow back;
// the relayer retries until the gateway accepts the message.
type Outbox struct{}

func NewOutbox() *Outbox {
	return &Outbox{}
}

// Enqueue stores one message in the caller's transaction.
func (o *Outbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("notify: empty topic")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("notify: enqueue outbox: %w", err)
	}
	return nil
}

// PendingBatch returns up to limit undelivered messages in insertion order.
// Delivery is at-least-once: a crash between dispatch and markSent redelivers.
func PendingBatch(ctx context.Context, pool *pgxpool.Pool, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 32
	}

	const selectSQL = `
SELECT id, topic, payload, status, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY id ASC
LIMIT $1
`
	rows, err := pool.Query(ctx, selectSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: select pending: %w", err)
	}
	defer rows.Close()

	batch := make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Payload, &msg.Status, &msg.Attempts, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("notify: scan pending: %w", err)
		}
		batch = append(batch, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: iterate pending: %w", err)
	}

	return batch, nil
}

func markSent(ctx context.Context, pool *pgxpool.Pool, id int64) error {
	_, err := pool.Exec(ctx, `UPDATE outbox SET status = 'sent', attempts = attempts + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("notify: mark sent: %w", err)
	}
	return nil
}

func markFailed(ctx context.Context, pool *pgxpool.Pool, id int64) error {
	_, err := pool.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("notify: mark failed: %w", err)
	}
	return nil
}
