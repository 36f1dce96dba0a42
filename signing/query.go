package signing

import (
	"context"
	"fmt"

	"signflow/ledger"
	"signflow/signer"
)

// Detail returns the read model for one requirement: all signers with their
// statuses, the signature count, and the completion percentage. The read runs
// in one transaction so the view is internally consistent.
func (s *Service) Detail(ctx context.Context, requirementID string) (RequirementDetail, error) {
	if requirementID == "" {
		return RequirementDetail{}, fmt.Errorf("%w: requirement id required", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return RequirementDetail{}, fmt.Errorf("signing: begin read tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requirements.Get(ctx, tx, requirementID)
	if err != nil {
		return RequirementDetail{}, err
	}

	signers, err := s.signers.ListByRequirement(ctx, tx, req.ID)
	if err != nil {
		return RequirementDetail{}, err
	}

	hashRec, err := s.hashes.Get(ctx, tx, req.ID)
	if err != nil {
		return RequirementDetail{}, err
	}

	detail := RequirementDetail{
		Requirement:  req,
		Signers:      make([]SignerStatus, 0, len(signers)),
		BaselineHash: hashRec.Baseline,
		FinalHash:    hashRec.Final,
	}
	for _, rec := range signers {
		if rec.SupersededBy != nil {
			continue
		}
		detail.Signers = append(detail.Signers, SignerStatus{
			SignerID: rec.ID,
			Identity: rec.Identity,
			Status:   rec.Status,
			SignedAt: rec.SignedAt,
		})
		if rec.Status == signer.StatusSigned {
			detail.ValidSignatures++
		}
	}
	if req.Quantity > 0 {
		detail.CompletionPct = detail.ValidSignatures * 100 / req.Quantity
	}

	return detail, nil
}

// Events replays the full ordered audit history for a requirement.
func (s *Service) Events(ctx context.Context, requirementID string) ([]ledger.Event, error) {
	if requirementID == "" {
		return nil, fmt.Errorf("%w: requirement id required", ErrInvalidInput)
	}
	return s.eventLog.ListByRequirement(ctx, requirementID)
}
