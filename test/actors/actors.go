package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"signflow/document"
	"signflow/integrity"
	"signflow/signer"
	"signflow/signing"
)

// expected reports whether an error is a legitimate domain outcome under
// contention: denied tokens, closed requirements, losing a state race. Only
// infrastructure errors should fail a stress run.
func expected(err error) bool {
	return errors.Is(err, signing.ErrUnauthorized) ||
		errors.Is(err, signing.ErrAlreadyTerminal) ||
		errors.Is(err, signing.ErrInvalidTransition) ||
		errors.Is(err, signing.ErrRequirementNotFound) ||
		errors.Is(err, signer.ErrInvalidTransition) ||
		errors.Is(err, signer.ErrSignerNotFound) ||
		errors.Is(err, integrity.ErrDocumentTampered)
}

// Starter seeds documents and opens new signing requirements with a random
// signer mix. Other actors discover the work through the database.
func Starter(ctx context.Context, svc *signing.Service, docs *document.PGStore, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		docID := fmt.Sprintf("stress-doc-%d", rand.Int63())
		if err := docs.Put(ctx, docID, "stress document", []byte(fmt.Sprintf("body of %s", docID))); err != nil {
			return fmt.Errorf("starter put document: %w", err)
		}

		params := signing.StartParams{
			DocumentID: docID,
			ExpiresAt:  time.Now().Add(time.Duration(5+rand.Intn(30)) * time.Second),
		}
		for i := 0; i < 1+rand.Intn(2); i++ {
			params.Internal = append(params.Internal, fmt.Sprintf("user-%d", rand.Intn(8)))
		}
		for i := 0; i < rand.Intn(3); i++ {
			params.External = append(params.External, fmt.Sprintf("contact-%d", rand.Int63()))
		}

		if _, err := svc.Start(ctx, params); err != nil && !errors.Is(err, signer.ErrDuplicateSigner) {
			return fmt.Errorf("starter: %w", err)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// InternalSigner finds a live internal signer and acts as them: mostly signing,
// sometimes viewing, occasionally rejecting.
func InternalSigner(ctx context.Context, pool *pgxpool.Pool, svc *signing.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var requirementID, userID string
		err := pool.QueryRow(ctx, `
SELECT s.requirement_id, s.party_ref
FROM signers s
JOIN signing_requirements r ON r.id = s.requirement_id
WHERE s.kind = 'internal'
  AND s.status IN ('pending', 'viewed')
  AND s.superseded_by IS NULL
  AND r.status NOT IN ('completed', 'rejected', 'expired', 'cancelled')
ORDER BY random() LIMIT 1`).Scan(&requirementID, &userID)
		if err == nil {
			action := signing.ActionSign
			switch rand.Intn(10) {
			case 0:
				action = signing.ActionReject
			case 1, 2:
				action = signing.ActionView
			}
			_, err := svc.Act(ctx, signing.ActionParams{
				InternalUserID: userID,
				RequirementID:  requirementID,
				Action:         action,
				SignatureRef:   fmt.Sprintf("stress-sig-%d", rand.Int63()),
				RejectReason:   "stress rejection",
			})
			if err != nil && !expected(err) {
				return fmt.Errorf("internal signer: %w", err)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// ExternalSigner pulls invitation tokens out of the outbox, the same channel a
// real signer would receive them through, and signs with them. Stale tokens
// from closed requirements are expected and must be refused cleanly.
func ExternalSigner(ctx context.Context, pool *pgxpool.Pool, svc *signing.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var raw string
		err := pool.QueryRow(ctx, `
SELECT payload->>'token' FROM outbox
WHERE topic = 'signing.invitation' AND payload ? 'token'
ORDER BY random() LIMIT 1`).Scan(&raw)
		if err == nil && raw != "" {
			_, err := svc.Act(ctx, signing.ActionParams{
				Token:        raw,
				Action:       signing.ActionSign,
				SignatureRef: fmt.Sprintf("stress-sig-%d", rand.Int63()),
				ClientIP:     "198.51.100.7",
			})
			if err != nil && !expected(err) {
				return fmt.Errorf("external signer: %w", err)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// Expirer runs the due-requirement sweep concurrently with the signers.
func Expirer(ctx context.Context, svc *signing.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := svc.ExpireDue(ctx); err != nil && !expected(err) {
			return fmt.Errorf("expirer: %w", err)
		}
		time.Sleep(time.Duration(200+rand.Intn(300)) * time.Millisecond)
	}
}

// Tamperer briefly rewrites random document content and restores it, forcing
// the integrity check to catch mid-flight mutations.
func Tamperer(ctx context.Context, pool *pgxpool.Pool, docs *document.PGStore, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var docID string
		var content []byte
		err := pool.QueryRow(ctx, `SELECT id, content FROM documents ORDER BY random() LIMIT 1`).Scan(&docID, &content)
		if err == nil {
			_ = docs.Put(ctx, docID, "stress document", append(content, []byte(" tampered")...))
			time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
			_ = docs.Put(ctx, docID, "stress document", content)
		}
		time.Sleep(time.Duration(300+rand.Intn(300)) * time.Millisecond)
	}
}

// FlakySender fails a fraction of deliveries so the relayer's retry accounting
// gets exercised.
type FlakySender struct{}

func (FlakySender) Send(ctx context.Context, topic string, payload []byte) error {
	if rand.Intn(10) == 0 {
		return fmt.Errorf("simulated delivery failure for %s", topic)
	}
	return nil
}
