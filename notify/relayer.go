package notify

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// Sender is the outward edge of the notification gateway: whatever delivers an
// invitation email, an SMS, or a completion webhook. Implementations own their
// transport and retry semantics; returning an error leaves the message pending.
type Sender interface {
	Send(ctx context.Context, topic string, payload []byte) error
}

// Relayer drains the outbox to a Sender with bounded concurrency.
type Relayer struct {
	pool     *pgxpool.Pool
	sender   Sender
	interval time.Duration
	batch    int
	workers  int
}

func NewRelayer(pool *pgxpool.Pool, sender Sender) *Relayer {
	return &Relayer{
		pool:     pool,
		sender:   sender,
		interval: 2 * time.Second,
		batch:    32,
		workers:  4,
	}
}

// WithInterval overrides the polling interval.
func (r *Relayer) WithInterval(d time.Duration) *Relayer {
	if d > 0 {
		r.interval = d
	}
	return r
}

// Run polls the outbox until ctx is cancelled.
func (r *Relayer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Drain(ctx); err != nil && ctx.Err() == nil {
				log.Printf("notify: drain outbox: %v", err)
			}
		}
	}
}

// Drain dispatches one batch of pending messages. Messages the sender rejects
// stay pending with an incremented attempt count.
func (r *Relayer) Drain(ctx context.Context) error {
	batch, err := PendingBatch(ctx, r.pool, r.batch)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for _, msg := range batch {
		msg := msg
		g.Go(func() error {
			if err := r.sender.Send(ctx, msg.Topic, msg.Payload); err != nil {
				log.Printf("notify: send %s (id=%d attempt=%d): %v", msg.Topic, msg.ID, msg.Attempts+1, err)
				return markFailed(ctx, r.pool, msg.ID)
			}
			return markSent(ctx, r.pool, msg.ID)
		})
	}

	return g.Wait()
}
