package signing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"signflow/document"
	"signflow/integrity"
	"signflow/ledger"
	"signflow/notify"
	"signflow/signer"
	"signflow/token"
)

var (
	// ErrInvalidInput signals a malformed request.
	ErrInvalidInput = errors.New("signing: invalid input")
	// ErrUnauthorized collapses every token failure presented to an external
	// signer: parse errors, expiry, wrong purpose, superseded records. The
	// distinctions are logged in the ledger, never returned.
	ErrUnauthorized = errors.New("signing: link invalid or expired")
	// ErrAlreadyTerminal signals an action against a closed requirement.
	ErrAlreadyTerminal = errors.New("signing: requirement already closed")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// RequirementStore is the data access the orchestrator needs for requirements.
type RequirementStore interface {
	Create(ctx context.Context, tx pgx.Tx, params CreateParams) (Requirement, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, requirementID string) (Requirement, error)
	Get(ctx context.Context, tx pgx.Tx, requirementID string) (Requirement, error)
	SetStatus(ctx context.Context, tx pgx.Tx, requirementID string, from, to Status) error
	ListDueIDs(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]string, error)
}

// SignerStore is the registry surface the orchestrator drives.
type SignerStore interface {
	Add(ctx context.Context, tx pgx.Tx, params signer.AddParams) (signer.Signer, error)
	GetByID(ctx context.Context, tx pgx.Tx, signerID string) (signer.Signer, error)
	Find(ctx context.Context, tx pgx.Tx, signerID string) (signer.Signer, error)
	FindLiveByIdentity(ctx context.Context, tx pgx.Tx, requirementID string, identity signer.Identity) (signer.Signer, error)
	ListByRequirement(ctx context.Context, tx pgx.Tx, requirementID string) ([]signer.Signer, error)
	MarkViewed(ctx context.Context, tx pgx.Tx, signerID string) (signer.Signer, error)
	MarkSigned(ctx context.Context, tx pgx.Tx, signerID string, signatureRef *string) (signer.Signer, error)
	MarkRejected(ctx context.Context, tx pgx.Tx, signerID string, reason string) (signer.Signer, error)
	MarkExpired(ctx context.Context, tx pgx.Tx, signerID string) (signer.Signer, error)
	Supersede(ctx context.Context, tx pgx.Tx, oldID, newID string) error
	CountValidSignatures(ctx context.Context, tx pgx.Tx, requirementID string) (int, error)
	CountContenders(ctx context.Context, tx pgx.Tx, requirementID string) (int, error)
}

// HashStore persists baseline and final document digests.
type HashStore interface {
	InsertBaseline(ctx context.Context, tx pgx.Tx, requirementID, baseline string) error
	Get(ctx context.Context, tx pgx.Tx, requirementID string) (integrity.HashRecord, error)
	SetFinal(ctx context.Context, tx pgx.Tx, requirementID, final string) error
}

// EventWriter appends to the audit ledger inside the active transaction.
type EventWriter interface {
	Append(ctx context.Context, tx pgx.Tx, event ledger.Event) error
}

// EventReader replays the ledger for a requirement.
type EventReader interface {
	ListByRequirement(ctx context.Context, requirementID string) ([]ledger.Event, error)
}

// OutboxWriter hands messages to the notification gateway transactionally.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// TokenService mints and checks external signer credentials.
type TokenService interface {
	Issue(signerID, purpose string, ttl time.Duration) (string, time.Time, error)
	Validate(raw, expectedPurpose string) (string, error)
	PeekSubject(raw string) string
}

// Service is the signing process orchestrator: it owns the requirement state
// machine and coordinates registry, integrity, ledger, and gateway.
type Service struct {
	pool         TxBeginner
	requirements RequirementStore
	signers      SignerStore
	hashes       HashStore
	events       EventWriter
	eventLog     EventReader
	outbox       OutboxWriter
	tokens       TokenService
	docs         document.Store
	idGenerator  func() string
	now          func() time.Time
}

// NewService wires the orchestrator with its production collaborators.
func NewService(pool *pgxpool.Pool, tokens *token.Service, docs document.Store) *Service {
	events := ledger.NewRepository(pool)
	return &Service{
		pool:         pool,
		requirements: NewRepository(),
		signers:      signer.NewRepository(),
		hashes:       integrity.NewRepository(),
		events:       events,
		eventLog:     events,
		outbox:       notify.NewOutbox(),
		tokens:       tokens,
		docs:         docs,
		idGenerator:  uuid.NewString,
		now:          time.Now,
	}
}

// WithClock overrides the time source, primarily for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Start creates a signing requirement with its signer set atomically: baseline
// hash, requirement, hash record, signer records, invitation messages, and the
// created → sent transition all commit together. Invitation delivery itself is
// asynchronous; a delivery failure is retried by the gateway and never rolls
// the requirement back.
func (s *Service) Start(ctx context.Context, params StartParams) (StartResult, error) {
	total := len(params.Internal) + len(params.External)
	if params.DocumentID == "" {
		return StartResult{}, fmt.Errorf("%w: document id required", ErrInvalidInput)
	}
	if total == 0 {
		return StartResult{}, fmt.Errorf("%w: at least one signer required", ErrInvalidInput)
	}
	quantity := params.Quantity
	if quantity == 0 {
		quantity = total
	}
	if quantity < 1 || quantity > total {
		return StartResult{}, fmt.Errorf("%w: quantity %d out of range [1,%d]", ErrInvalidInput, quantity, total)
	}
	now := s.now()
	if !params.ExpiresAt.After(now) {
		return StartResult{}, fmt.Errorf("%w: expiry must be in the future", ErrInvalidInput)
	}

	identities := make([]signer.Identity, 0, total)
	for _, id := range params.Internal {
		identities = append(identities, signer.Internal(id))
	}
	for _, id := range params.External {
		identities = append(identities, signer.External(id))
	}
	seen := make(map[signer.Identity]bool, total)
	for _, identity := range identities {
		if identity.Ref == "" {
			return StartResult{}, fmt.Errorf("%w: empty signer reference", ErrInvalidInput)
		}
		if seen[identity] {
			return StartResult{}, fmt.Errorf("%w (%s %s)", signer.ErrDuplicateSigner, identity.Kind, identity.Ref)
		}
		seen[identity] = true
	}

	documentBytes, err := s.docs.Fetch(ctx, params.DocumentID)
	if err != nil {
		return StartResult{}, fmt.Errorf("signing: fetch document: %w", err)
	}
	baseline := integrity.ComputeBaseline(documentBytes)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return StartResult{}, fmt.Errorf("signing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := s.requirements.Create(ctx, tx, CreateParams{
		DocumentID:  params.DocumentID,
		Quantity:    quantity,
		ConsentText: params.ConsentText,
		ExpiresAt:   params.ExpiresAt,
	})
	if err != nil {
		return StartResult{}, err
	}

	if err := s.hashes.InsertBaseline(ctx, tx, req.ID, baseline); err != nil {
		return StartResult{}, err
	}

	if err := s.events.Append(ctx, tx, ledger.Event{
		RequirementID: req.ID,
		Type:          ledger.EventRequirementCreated,
		Payload: map[string]any{
			"document_id": req.DocumentID,
			"quantity":    req.Quantity,
			"expires_at":  req.ExpiresAt.UTC(),
		},
		DocDigest: &baseline,
	}); err != nil {
		return StartResult{}, err
	}

	statuses := make([]SignerStatus, 0, total)
	for _, identity := range identities {
		rec, err := s.inviteSigner(ctx, tx, req, identity, s.idGenerator(), now)
		if err != nil {
			return StartResult{}, err
		}
		statuses = append(statuses, SignerStatus{
			SignerID: rec.ID,
			Identity: rec.Identity,
			Status:   rec.Status,
		})
	}

	if err := s.requirements.SetStatus(ctx, tx, req.ID, StatusCreated, StatusSent); err != nil {
		return StartResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return StartResult{}, fmt.Errorf("signing: commit start: %w", err)
	}

	return StartResult{
		RequirementID: req.ID,
		Status:        StatusSent,
		Signers:       statuses,
	}, nil
}

// inviteSigner creates one signer record, mints its token when external, and
// enqueues the invitation. Shared by Start and Reinvite.
func (s *Service) inviteSigner(ctx context.Context, tx pgx.Tx, req Requirement, identity signer.Identity, signerID string, now time.Time) (signer.Signer, error) {
	var (
		tokenDigest *string
		rawToken    string
	)
	if identity.Kind == signer.KindExternal {
		ttl := req.ExpiresAt.Sub(now)
		raw, _, err := s.tokens.Issue(signerID, token.PurposeSign, ttl)
		if err != nil {
			return signer.Signer{}, fmt.Errorf("signing: issue token: %w", err)
		}
		digest, err := signer.DigestToken(raw)
		if err != nil {
			return signer.Signer{}, err
		}
		rawToken = raw
		tokenDigest = &digest
	}

	invitedAt := now
	rec, err := s.signers.Add(ctx, tx, signer.AddParams{
		ID:            signerID,
		RequirementID: req.ID,
		Identity:      identity,
		TokenDigest:   tokenDigest,
		InvitedAt:     &invitedAt,
	})
	if err != nil {
		return signer.Signer{}, err
	}

	if err := s.events.Append(ctx, tx, ledger.Event{
		RequirementID: req.ID,
		SignerID:      &rec.ID,
		Type:          ledger.EventSent,
		Payload: map[string]any{
			"kind":      string(identity.Kind),
			"party_ref": identity.Ref,
		},
	}); err != nil {
		return signer.Signer{}, err
	}

	payload := map[string]any{
		"requirement_id": req.ID,
		"document_id":    req.DocumentID,
		"signer_id":      rec.ID,
		"kind":           string(identity.Kind),
		"party_ref":      identity.Ref,
		"expires_at":     req.ExpiresAt.UTC(),
	}
	if rawToken != "" {
		payload["token"] = rawToken
	}
	if err := s.outbox.Enqueue(ctx, tx, notify.TopicInvitation, payload); err != nil {
		return signer.Signer{}, err
	}

	return rec, nil
}
