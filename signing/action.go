package signing

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"signflow/integrity"
	"signflow/ledger"
	"signflow/notify"
	"signflow/signer"
	"signflow/token"
)

// Act processes one signer interaction as a single atomic unit: credential
// check, requirement row lock, document hash verification, signer transition,
// ledger append, and completion evaluation all commit together. Failed
// attempts commit only their ledger event, so the audit trail covers
// adversarial signers too.
func (s *Service) Act(ctx context.Context, params ActionParams) (ActionResult, error) {
	switch params.Action {
	case ActionView, ActionSign, ActionReject:
	default:
		return ActionResult{}, fmt.Errorf("%w: unknown action %q", ErrInvalidInput, params.Action)
	}

	var subject string
	external := params.Token != ""
	if external {
		resolved, err := s.tokens.Validate(params.Token, token.PurposeSign)
		if err != nil {
			s.auditDeniedToken(ctx, params)
			return ActionResult{}, ErrUnauthorized
		}
		subject = resolved
	} else if params.InternalUserID == "" || params.RequirementID == "" {
		return ActionResult{}, fmt.Errorf("%w: internal actions need user and requirement ids", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ActionResult{}, fmt.Errorf("signing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		rec signer.Signer
		req Requirement
	)
	if external {
		// Lock order is requirement row first, then signer rows, in every
		// transaction. The token subject only tells us which requirement to
		// lock, so resolve it without locking and re-read the signer row once
		// the requirement lock is held.
		resolved, err := s.signers.Find(ctx, tx, subject)
		if err != nil {
			return ActionResult{}, ErrUnauthorized
		}
		req, err = s.requirements.GetForUpdate(ctx, tx, resolved.RequirementID)
		if err != nil {
			return ActionResult{}, err
		}
		rec, err = s.signers.GetByID(ctx, tx, subject)
		if err != nil {
			return ActionResult{}, ErrUnauthorized
		}
		if rec.SupersededBy != nil || rec.TokenDigest == nil || !signer.CompareTokenDigest(*rec.TokenDigest, params.Token) {
			if err := s.commitFailure(ctx, tx, rec.RequirementID, &rec.ID, ledger.EventAccessDenied, "stale_token", params, nil); err != nil {
				return ActionResult{}, err
			}
			return ActionResult{}, ErrUnauthorized
		}
	} else {
		req, err = s.requirements.GetForUpdate(ctx, tx, params.RequirementID)
		if err != nil {
			return ActionResult{}, err
		}
		rec, err = s.signers.FindLiveByIdentity(ctx, tx, req.ID, signer.Internal(params.InternalUserID))
		if err != nil {
			if err := s.commitFailure(ctx, tx, req.ID, nil, ledger.EventAccessDenied, "unknown_internal_signer", params, nil); err != nil {
				return ActionResult{}, err
			}
			return ActionResult{}, ErrUnauthorized
		}
	}

	failureType := ledger.EventAccessDenied
	if params.Action == ActionSign {
		failureType = ledger.EventSignFailed
	}

	if req.Status.IsTerminal() {
		if err := s.commitFailure(ctx, tx, req.ID, &rec.ID, failureType, "already_terminal", params, nil); err != nil {
			return ActionResult{}, err
		}
		return ActionResult{}, fmt.Errorf("%w: requirement is %s", ErrAlreadyTerminal, req.Status)
	}

	if s.now().After(req.ExpiresAt) {
		if err := s.expireLocked(ctx, tx, &req); err != nil {
			return ActionResult{}, err
		}
		if err := s.commitFailure(ctx, tx, req.ID, &rec.ID, failureType, "requirement_expired", params, nil); err != nil {
			return ActionResult{}, err
		}
		return ActionResult{}, fmt.Errorf("%w: requirement expired", ErrAlreadyTerminal)
	}

	switch params.Action {
	case ActionView:
		return s.actView(ctx, tx, req, rec, params)
	case ActionSign:
		return s.actSign(ctx, tx, req, rec, params)
	default:
		return s.actReject(ctx, tx, req, rec, params)
	}
}

func (s *Service) actView(ctx context.Context, tx pgx.Tx, req Requirement, rec signer.Signer, params ActionParams) (ActionResult, error) {
	if rec.Status == signer.StatusPending {
		updated, err := s.signers.MarkViewed(ctx, tx, rec.ID)
		if err != nil {
			return ActionResult{}, err
		}
		rec = updated
	}

	if err := s.events.Append(ctx, tx, ledger.Event{
		RequirementID: req.ID,
		SignerID:      &rec.ID,
		Type:          ledger.EventOpened,
		ClientIP:      optional(params.ClientIP),
		UserAgent:     optional(params.UserAgent),
	}); err != nil {
		return ActionResult{}, err
	}

	if err := s.markInProgress(ctx, tx, &req); err != nil {
		return ActionResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ActionResult{}, fmt.Errorf("signing: commit view: %w", err)
	}

	return ActionResult{
		SignerID:          rec.ID,
		SignerStatus:      rec.Status,
		RequirementStatus: req.Status,
	}, nil
}

func (s *Service) actSign(ctx context.Context, tx pgx.Tx, req Requirement, rec signer.Signer, params ActionParams) (ActionResult, error) {
	documentBytes, err := s.docs.Fetch(ctx, req.DocumentID)
	if err != nil {
		return ActionResult{}, fmt.Errorf("signing: fetch document: %w", err)
	}

	hashRec, err := s.hashes.Get(ctx, tx, req.ID)
	if err != nil {
		return ActionResult{}, err
	}
	if err := integrity.Verify(documentBytes, hashRec.Baseline); err != nil {
		actual := integrity.Digest(documentBytes)
		if err := s.commitFailure(ctx, tx, req.ID, &rec.ID, ledger.EventSignFailed, "document_tampered", params, &actual); err != nil {
			return ActionResult{}, err
		}
		return ActionResult{}, integrity.ErrDocumentTampered
	}

	if !signer.CanTransition(rec.Status, signer.StatusSigned) {
		if err := s.commitFailure(ctx, tx, req.ID, &rec.ID, ledger.EventSignFailed, "invalid_transition", params, nil); err != nil {
			return ActionResult{}, err
		}
		return ActionResult{}, fmt.Errorf("%w: %s -> %s", signer.ErrInvalidTransition, rec.Status, signer.StatusSigned)
	}

	rec, err = s.signers.MarkSigned(ctx, tx, rec.ID, optional(params.SignatureRef))
	if err != nil {
		return ActionResult{}, err
	}

	if err := s.events.Append(ctx, tx, ledger.Event{
		RequirementID: req.ID,
		SignerID:      &rec.ID,
		Type:          ledger.EventSigned,
		Payload:       map[string]any{"signature_ref": params.SignatureRef},
		ClientIP:      optional(params.ClientIP),
		UserAgent:     optional(params.UserAgent),
		DocDigest:     &hashRec.Baseline,
	}); err != nil {
		return ActionResult{}, err
	}

	count, err := s.signers.CountValidSignatures(ctx, tx, req.ID)
	if err != nil {
		return ActionResult{}, err
	}

	if err := s.markInProgress(ctx, tx, &req); err != nil {
		return ActionResult{}, err
	}

	completed := count == req.Quantity
	if completed {
		if err := s.complete(ctx, tx, &req, documentBytes, count); err != nil {
			return ActionResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ActionResult{}, fmt.Errorf("signing: commit sign: %w", err)
	}

	return ActionResult{
		SignerID:          rec.ID,
		SignerStatus:      rec.Status,
		RequirementStatus: req.Status,
		Completed:         completed,
	}, nil
}

func (s *Service) actReject(ctx context.Context, tx pgx.Tx, req Requirement, rec signer.Signer, params ActionParams) (ActionResult, error) {
	if !signer.CanTransition(rec.Status, signer.StatusRejected) {
		if err := s.commitFailure(ctx, tx, req.ID, &rec.ID, ledger.EventAccessDenied, "invalid_transition", params, nil); err != nil {
			return ActionResult{}, err
		}
		return ActionResult{}, fmt.Errorf("%w: %s -> %s", signer.ErrInvalidTransition, rec.Status, signer.StatusRejected)
	}

	rec, err := s.signers.MarkRejected(ctx, tx, rec.ID, params.RejectReason)
	if err != nil {
		return ActionResult{}, err
	}

	if err := s.events.Append(ctx, tx, ledger.Event{
		RequirementID: req.ID,
		SignerID:      &rec.ID,
		Type:          ledger.EventRejected,
		Payload:       map[string]any{"reason": params.RejectReason},
		ClientIP:      optional(params.ClientIP),
		UserAgent:     optional(params.UserAgent),
	}); err != nil {
		return ActionResult{}, err
	}

	// Rejection policy: a rejection removes only this signer from contention.
	// The requirement fails once the remaining signers can no longer reach
	// Quantity.
	contenders, err := s.signers.CountContenders(ctx, tx, req.ID)
	if err != nil {
		return ActionResult{}, err
	}

	if contenders < req.Quantity {
		previous := req.Status
		if err := s.requirements.SetStatus(ctx, tx, req.ID, previous, StatusRejected); err != nil {
			return ActionResult{}, err
		}
		req.Status = StatusRejected

		if err := s.events.Append(ctx, tx, ledger.Event{
			RequirementID: req.ID,
			Type:          ledger.EventRejected,
			Payload: map[string]any{
				"scope":           "requirement",
				"previous_status": string(previous),
			},
		}); err != nil {
			return ActionResult{}, err
		}
		if err := s.outbox.Enqueue(ctx, tx, notify.TopicRejected, map[string]any{
			"requirement_id": req.ID,
			"document_id":    req.DocumentID,
			"signer_id":      rec.ID,
			"reason":         params.RejectReason,
		}); err != nil {
			return ActionResult{}, err
		}
	} else if err := s.markInProgress(ctx, tx, &req); err != nil {
		return ActionResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ActionResult{}, fmt.Errorf("signing: commit reject: %w", err)
	}

	return ActionResult{
		SignerID:          rec.ID,
		SignerStatus:      rec.Status,
		RequirementStatus: req.Status,
	}, nil
}

// complete transitions the requirement to completed and fixes the final hash.
// Runs at the instant CountValidSignatures reaches Quantity, under the
// requirement row lock, so two racing final signatures cannot both get here.
func (s *Service) complete(ctx context.Context, tx pgx.Tx, req *Requirement, documentBytes []byte, count int) error {
	if err := s.requirements.SetStatus(ctx, tx, req.ID, req.Status, StatusCompleted); err != nil {
		return err
	}
	req.Status = StatusCompleted

	finalHash := integrity.Finalize(documentBytes)
	if err := s.hashes.SetFinal(ctx, tx, req.ID, finalHash); err != nil {
		return err
	}

	if err := s.events.Append(ctx, tx, ledger.Event{
		RequirementID: req.ID,
		Type:          ledger.EventCompleted,
		Payload:       map[string]any{"signatures": count},
		DocDigest:     &finalHash,
	}); err != nil {
		return err
	}

	return s.outbox.Enqueue(ctx, tx, notify.TopicCompleted, map[string]any{
		"requirement_id": req.ID,
		"document_id":    req.DocumentID,
		"final_hash":     finalHash,
	})
}

// markInProgress bumps a sent requirement on its first signer activity.
func (s *Service) markInProgress(ctx context.Context, tx pgx.Tx, req *Requirement) error {
	if req.Status != StatusSent {
		return nil
	}
	if err := s.requirements.SetStatus(ctx, tx, req.ID, StatusSent, StatusInProgress); err != nil {
		return err
	}
	req.Status = StatusInProgress
	return nil
}

// commitFailure records a denied or failed attempt and commits only that
// ledger write; the surrounding workflow state stays untouched.
func (s *Service) commitFailure(ctx context.Context, tx pgx.Tx, requirementID string, signerID *string, eventType ledger.EventType, reason string, params ActionParams, docDigest *string) error {
	if err := s.events.Append(ctx, tx, ledger.Event{
		RequirementID: requirementID,
		SignerID:      signerID,
		Type:          eventType,
		Payload: map[string]any{
			"action": string(params.Action),
			"reason": reason,
		},
		ClientIP:  optional(params.ClientIP),
		UserAgent: optional(params.UserAgent),
		DocDigest: docDigest,
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("signing: commit failure event: %w", err)
	}
	return nil
}

// auditDeniedToken best-effort records an attempt with an unverifiable token.
// The unverified subject only attributes the ledger entry; it never authorizes.
func (s *Service) auditDeniedToken(ctx context.Context, params ActionParams) {
	subject := s.tokens.PeekSubject(params.Token)
	if subject == "" {
		return
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return
	}
	defer tx.Rollback(ctx)

	rec, err := s.signers.Find(ctx, tx, subject)
	if err != nil {
		return
	}

	_ = s.commitFailure(ctx, tx, rec.RequirementID, &rec.ID, ledger.EventAccessDenied, "token_rejected", params, nil)
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
