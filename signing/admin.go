package signing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"signflow/ledger"
	"signflow/notify"
	"signflow/signer"
)

// Cancel closes a requirement by operator decision. Allowed only before any
// signer acted (created/sent); outstanding tokens become unusable because no
// live requirement will accept them.
func (s *Service) Cancel(ctx context.Context, requirementID, actorID string) error {
	if requirementID == "" {
		return fmt.Errorf("%w: requirement id required", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("signing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requirements.GetForUpdate(ctx, tx, requirementID)
	if err != nil {
		return err
	}
	if req.Status.IsTerminal() {
		return fmt.Errorf("%w: requirement is %s", ErrAlreadyTerminal, req.Status)
	}
	if err := s.requirements.SetStatus(ctx, tx, req.ID, req.Status, StatusCancelled); err != nil {
		return err
	}

	if err := s.events.Append(ctx, tx, ledger.Event{
		RequirementID: req.ID,
		Type:          ledger.EventCancelled,
		Payload: map[string]any{
			"actor_id":        actorID,
			"previous_status": string(req.Status),
		},
	}); err != nil {
		return err
	}

	if err := s.outbox.Enqueue(ctx, tx, notify.TopicCancelled, map[string]any{
		"requirement_id": req.ID,
		"document_id":    req.DocumentID,
		"actor_id":       actorID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("signing: commit cancel: %w", err)
	}
	return nil
}

// Remind re-notifies every signer who has not yet acted.
func (s *Service) Remind(ctx context.Context, requirementID string) (int, error) {
	if requirementID == "" {
		return 0, fmt.Errorf("%w: requirement id required", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("signing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requirements.GetForUpdate(ctx, tx, requirementID)
	if err != nil {
		return 0, err
	}
	if req.Status.IsTerminal() {
		return 0, fmt.Errorf("%w: requirement is %s", ErrAlreadyTerminal, req.Status)
	}
	if s.now().After(req.ExpiresAt) {
		if err := s.expireLocked(ctx, tx, &req); err != nil {
			return 0, err
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("signing: commit remind expiry: %w", err)
		}
		return 0, fmt.Errorf("%w: requirement expired", ErrAlreadyTerminal)
	}

	signers, err := s.signers.ListByRequirement(ctx, tx, req.ID)
	if err != nil {
		return 0, err
	}

	reminded := 0
	for _, rec := range signers {
		if rec.SupersededBy != nil || !rec.Status.Live() {
			continue
		}
		if err := s.events.Append(ctx, tx, ledger.Event{
			RequirementID: req.ID,
			SignerID:      &rec.ID,
			Type:          ledger.EventReminderSent,
		}); err != nil {
			return 0, err
		}
		if err := s.outbox.Enqueue(ctx, tx, notify.TopicReminder, map[string]any{
			"requirement_id": req.ID,
			"document_id":    req.DocumentID,
			"signer_id":      rec.ID,
			"kind":           string(rec.Identity.Kind),
			"party_ref":      rec.Identity.Ref,
		}); err != nil {
			return 0, err
		}
		reminded++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("signing: commit remind: %w", err)
	}
	return reminded, nil
}

// Reinvite supersedes an external signer record with a fresh one carrying a new
// token. The old record keeps its history; its token can never revalidate.
func (s *Service) Reinvite(ctx context.Context, requirementID, signerID string) (SignerStatus, error) {
	if requirementID == "" || signerID == "" {
		return SignerStatus{}, fmt.Errorf("%w: requirement and signer ids required", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return SignerStatus{}, fmt.Errorf("signing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requirements.GetForUpdate(ctx, tx, requirementID)
	if err != nil {
		return SignerStatus{}, err
	}
	if req.Status.IsTerminal() {
		return SignerStatus{}, fmt.Errorf("%w: requirement is %s", ErrAlreadyTerminal, req.Status)
	}
	// A due requirement must not mint a fresh invitation; close it the same
	// way the action path does.
	if s.now().After(req.ExpiresAt) {
		if err := s.expireLocked(ctx, tx, &req); err != nil {
			return SignerStatus{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return SignerStatus{}, fmt.Errorf("signing: commit reinvite expiry: %w", err)
		}
		return SignerStatus{}, fmt.Errorf("%w: requirement expired", ErrAlreadyTerminal)
	}

	old, err := s.signers.GetByID(ctx, tx, signerID)
	if err != nil {
		return SignerStatus{}, err
	}
	if old.RequirementID != req.ID {
		return SignerStatus{}, fmt.Errorf("%w: signer does not belong to requirement", ErrInvalidInput)
	}
	if old.Identity.Kind != signer.KindExternal {
		return SignerStatus{}, fmt.Errorf("%w: only external signers are re-invited", ErrInvalidInput)
	}
	if old.Status == signer.StatusSigned {
		return SignerStatus{}, fmt.Errorf("%w: signer already signed", signer.ErrInvalidTransition)
	}
	if old.SupersededBy != nil {
		return SignerStatus{}, fmt.Errorf("%w: signer already re-invited", signer.ErrInvalidTransition)
	}

	newID := s.idGenerator()
	if err := s.signers.Supersede(ctx, tx, old.ID, newID); err != nil {
		return SignerStatus{}, err
	}

	rec, err := s.inviteSigner(ctx, tx, req, old.Identity, newID, s.now())
	if err != nil {
		return SignerStatus{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return SignerStatus{}, fmt.Errorf("signing: commit reinvite: %w", err)
	}

	return SignerStatus{
		SignerID: rec.ID,
		Identity: rec.Identity,
		Status:   rec.Status,
	}, nil
}

// ExpireDue sweeps requirements whose expiry passed while incomplete. The
// sweep is idempotent: each candidate is re-checked under its row lock, so a
// second invocation finds nothing to do and emits nothing twice.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	now := s.now()

	scanTx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("signing: begin scan tx: %w", err)
	}
	ids, err := s.requirements.ListDueIDs(ctx, scanTx, now, 100)
	scanTx.Rollback(ctx)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		ok, err := s.expireOne(ctx, id, now)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (s *Service) expireOne(ctx context.Context, requirementID string, now time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("signing: begin expire tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requirements.GetForUpdate(ctx, tx, requirementID)
	if err != nil {
		if errors.Is(err, ErrRequirementNotFound) {
			return false, nil
		}
		return false, err
	}
	// Re-check under the lock: another sweep or a lazy expiry on the action
	// path may have closed it since the scan.
	if req.Status.IsTerminal() || req.ExpiresAt.After(now) {
		return false, nil
	}

	if err := s.expireLocked(ctx, tx, &req); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("signing: commit expire: %w", err)
	}
	return true, nil
}

// expireLocked applies the expiry transition to a requirement whose row lock
// the caller holds. Already-recorded signatures stay valid in the ledger; the
// requirement itself becomes terminal.
func (s *Service) expireLocked(ctx context.Context, tx pgx.Tx, req *Requirement) error {
	previous := req.Status
	if err := s.requirements.SetStatus(ctx, tx, req.ID, previous, StatusExpired); err != nil {
		return err
	}
	req.Status = StatusExpired

	signers, err := s.signers.ListByRequirement(ctx, tx, req.ID)
	if err != nil {
		return err
	}
	for _, rec := range signers {
		if rec.SupersededBy != nil || !rec.Status.Live() {
			continue
		}
		if _, err := s.signers.MarkExpired(ctx, tx, rec.ID); err != nil {
			return err
		}
	}

	if err := s.events.Append(ctx, tx, ledger.Event{
		RequirementID: req.ID,
		Type:          ledger.EventExpired,
		Payload: map[string]any{
			"previous_status": string(previous),
			"expired_at":      req.ExpiresAt.UTC(),
		},
	}); err != nil {
		return err
	}

	return s.outbox.Enqueue(ctx, tx, notify.TopicExpired, map[string]any{
		"requirement_id": req.ID,
		"document_id":    req.DocumentID,
	})
}
