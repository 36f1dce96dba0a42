package signing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"signflow/integrity"
	"signflow/ledger"
	"signflow/signer"
)

// memWorld holds the in-memory state behind the per-store fakes. The fakes
// mirror the repositories' transition checks so service tests exercise the
// same rules the SQL layer enforces.
type memWorld struct {
	mu      sync.Mutex
	seq     int
	reqs    map[string]*Requirement
	signers map[string]*signer.Signer
	order   []string
	hashes  map[string]*integrity.HashRecord
	events  []ledger.Event
	outbox  []outboxMsg
	// locks traces row-lock acquisitions ("requirement:<id>", "signer:<id>")
	// so tests can assert the acquisition order.
	locks []string
}

type outboxMsg struct {
	Topic   string
	Payload map[string]any
}

func newMemWorld() *memWorld {
	return &memWorld{
		reqs:    make(map[string]*Requirement),
		signers: make(map[string]*signer.Signer),
		hashes:  make(map[string]*integrity.HashRecord),
	}
}

func (w *memWorld) nextID(prefix string) string {
	w.seq++
	return fmt.Sprintf("%s-%d", prefix, w.seq)
}

func (w *memWorld) eventsOfType(requirementID string, eventType ledger.EventType) []ledger.Event {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []ledger.Event
	for _, e := range w.events {
		if e.RequirementID == requirementID && e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (w *memWorld) outboxTopics(topic string) []outboxMsg {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []outboxMsg
	for _, msg := range w.outbox {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

// memReqs implements RequirementStore.
type memReqs struct{ w *memWorld }

func (m memReqs) Create(ctx context.Context, tx pgx.Tx, params CreateParams) (Requirement, error) {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()

	now := time.Now()
	req := Requirement{
		ID:          m.w.nextID("req"),
		DocumentID:  params.DocumentID,
		Quantity:    params.Quantity,
		Status:      StatusCreated,
		ConsentText: params.ConsentText,
		ExpiresAt:   params.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.w.reqs[req.ID] = &req
	return req, nil
}

func (m memReqs) GetForUpdate(ctx context.Context, tx pgx.Tx, requirementID string) (Requirement, error) {
	m.w.mu.Lock()
	m.w.locks = append(m.w.locks, "requirement:"+requirementID)
	m.w.mu.Unlock()
	return m.Get(ctx, tx, requirementID)
}

func (m memReqs) Get(ctx context.Context, tx pgx.Tx, requirementID string) (Requirement, error) {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()

	req, ok := m.w.reqs[requirementID]
	if !ok {
		return Requirement{}, ErrRequirementNotFound
	}
	return *req, nil
}

func (m memReqs) SetStatus(ctx context.Context, tx pgx.Tx, requirementID string, from, to Status) error {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()

	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	req, ok := m.w.reqs[requirementID]
	if !ok {
		return ErrRequirementNotFound
	}
	if req.Status != from {
		return fmt.Errorf("%w: requirement %s no longer in %s", ErrInvalidTransition, requirementID, from)
	}
	req.Status = to
	req.UpdatedAt = time.Now()
	return nil
}

func (m memReqs) ListDueIDs(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]string, error) {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()

	var ids []string
	for id, req := range m.w.reqs {
		if !req.Status.IsTerminal() && !req.ExpiresAt.After(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// memSigners implements SignerStore.
type memSigners struct{ w *memWorld }

func (m memSigners) Add(ctx context.Context, tx pgx.Tx, params signer.AddParams) (signer.Signer, error) {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()

	for _, id := range m.w.order {
		existing := m.w.signers[id]
		if existing.RequirementID == params.RequirementID &&
			existing.Identity == params.Identity &&
			existing.SupersededBy == nil {
			return signer.Signer{}, signer.ErrDuplicateSigner
		}
	}

	rec := signer.Signer{
		ID:            params.ID,
		RequirementID: params.RequirementID,
		Identity:      params.Identity,
		Status:        signer.StatusPending,
		TokenDigest:   params.TokenDigest,
		InvitedAt:     params.InvitedAt,
		CreatedAt:     time.Now(),
	}
	m.w.signers[rec.ID] = &rec
	m.w.order = append(m.w.order, rec.ID)
	return rec, nil
}

func (m memSigners) GetByID(ctx context.Context, tx pgx.Tx, signerID string) (signer.Signer, error) {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()

	m.w.locks = append(m.w.locks, "signer:"+signerID)
	rec, ok := m.w.signers[signerID]
	if !ok {
		return signer.Signer{}, signer.ErrSignerNotFound
	}
	return *rec, nil
}

func (m memSigners) Find(ctx context.Context, tx pgx.Tx, signerID string) (signer.Signer, error) {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()

	rec, ok := m.w.signers[signerID]
	if !ok {
		return signer.Signer{}, signer.ErrSignerNotFound
	}
	return *rec, nil
}

func (m memSigners) FindLiveByIdentity(ctx context.Context, tx pgx.Tx, requirementID string, identity signer.Identity) (signer.Signer, error) {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()

	for _, id := range m.w.order {
		rec := m.w.signers[id]
		if rec.RequirementID == requirementID && rec.Identity == identity && rec.SupersededBy == nil {
			m.w.locks = append(m.w.locks, "signer:"+rec.ID)
			return *rec, nil
		}
	}
	return signer.Signer{}, signer.ErrSignerNotFound
}

func (m memSigners) ListByRequirement(ctx context.Context, tx pgx.Tx, requirementID string) ([]signer.Signer, error) {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()

	var out []signer.Signer
	for _, id := range m.w.order {
		rec := m.w.signers[id]
		if rec.RequirementID == requirementID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m memSigners) mark(signerID string, to signer.Status) (signer.Signer, error) {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()

	rec, ok := m.w.signers[signerID]
	if !ok {
		return signer.Signer{}, signer.ErrSignerNotFound
	}
	if !signer.CanTransition(rec.Status, to) {
		return signer.Signer{}, fmt.Errorf("%w: %s -> %s", signer.ErrInvalidTransition, rec.Status, to)
	}
	rec.Status = to
	return *rec, nil
}

func (m memSigners) MarkViewed(ctx context.Context, tx pgx.Tx, signerID string) (signer.Signer, error) {
	return m.mark(signerID, signer.StatusViewed)
}

func (m memSigners) MarkSigned(ctx context.Context, tx pgx.Tx, signerID string, signatureRef *string) (signer.Signer, error) {
	rec, err := m.mark(signerID, signer.StatusSigned)
	if err != nil {
		return signer.Signer{}, err
	}

	m.w.mu.Lock()
	defer m.w.mu.Unlock()
	now := time.Now()
	m.w.signers[signerID].SignedAt = &now
	m.w.signers[signerID].SignatureRef = signatureRef
	return rec, nil
}

func (m memSigners) MarkRejected(ctx context.Context, tx pgx.Tx, signerID string, reason string) (signer.Signer, error) {
	rec, err := m.mark(signerID, signer.StatusRejected)
	if err != nil {
		return signer.Signer{}, err
	}

	m.w.mu.Lock()
	defer m.w.mu.Unlock()
	m.w.signers[signerID].RejectReason = &reason
	return rec, nil
}

func (m memSigners) MarkExpired(ctx context.Context, tx pgx.Tx, signerID string) (signer.Signer, error) {
	return m.mark(signerID, signer.StatusExpired)
}

func (m memSigners) Supersede(ctx context.Context, tx pgx.Tx, oldID, newID string) error {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()

	rec, ok := m.w.signers[oldID]
	if !ok || rec.SupersededBy != nil {
		return signer.ErrSignerNotFound
	}
	rec.SupersededBy = &newID
	if rec.Status.Live() {
		rec.Status = signer.StatusExpired
	}
	return nil
}

func (m memSigners) CountValidSignatures(ctx context.Context, tx pgx.Tx, requirementID string) (int, error) {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()

	count := 0
	for _, rec := range m.w.signers {
		if rec.RequirementID == requirementID && rec.SupersededBy == nil && rec.Status == signer.StatusSigned {
			count++
		}
	}
	return count, nil
}

func (m memSigners) CountContenders(ctx context.Context, tx pgx.Tx, requirementID string) (int, error) {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()

	count := 0
	for _, rec := range m.w.signers {
		if rec.RequirementID != requirementID || rec.SupersededBy != nil {
			continue
		}
		if rec.Status == signer.StatusSigned || rec.Status.Live() {
			count++
		}
	}
	return count, nil
}

// memHashes implements HashStore.
type memHashes struct{ w *memWorld }

func (m memHashes) InsertBaseline(ctx context.Context, tx pgx.Tx, requirementID, baseline string) error {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()

	m.w.hashes[requirementID] = &integrity.HashRecord{
		RequirementID: requirementID,
		Baseline:      baseline,
		CreatedAt:     time.Now(),
	}
	return nil
}

func (m memHashes) Get(ctx context.Context, tx pgx.Tx, requirementID string) (integrity.HashRecord, error) {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()

	rec, ok := m.w.hashes[requirementID]
	if !ok {
		return integrity.HashRecord{}, integrity.ErrHashRecordNotFound
	}
	return *rec, nil
}

func (m memHashes) SetFinal(ctx context.Context, tx pgx.Tx, requirementID, final string) error {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()

	rec, ok := m.w.hashes[requirementID]
	if !ok {
		return integrity.ErrHashRecordNotFound
	}
	if rec.Final != nil {
		return fmt.Errorf("integrity: final hash already recorded for %s", requirementID)
	}
	now := time.Now()
	rec.Final = &final
	rec.FinalizedAt = &now
	return nil
}

// memLedger implements EventWriter and EventReader.
type memLedger struct{ w *memWorld }

func (m memLedger) Append(ctx context.Context, tx pgx.Tx, event ledger.Event) error {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()

	m.w.seq++
	event.Seq = int64(m.w.seq)
	event.CreatedAt = time.Now()
	m.w.events = append(m.w.events, event)
	return nil
}

func (m memLedger) ListByRequirement(ctx context.Context, requirementID string) ([]ledger.Event, error) {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()

	var out []ledger.Event
	for _, e := range m.w.events {
		if e.RequirementID == requirementID {
			out = append(out, e)
		}
	}
	return out, nil
}

// memOutbox implements OutboxWriter.
type memOutbox struct{ w *memWorld }

func (m memOutbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()

	m.w.outbox = append(m.w.outbox, outboxMsg{Topic: topic, Payload: payload})
	return nil
}

// memDocs is an in-memory document store collaborator.
type memDocs struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func newMemDocs() *memDocs {
	return &memDocs{docs: make(map[string][]byte)}
}

func (d *memDocs) Put(id string, content []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.docs[id] = append([]byte(nil), content...)
}

func (d *memDocs) Fetch(ctx context.Context, documentID string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	content, ok := d.docs[documentID]
	if !ok {
		return nil, errors.New("document: not found")
	}
	return content, nil
}

// fakePool / fakeTx satisfy TxBeginner and pgx.Tx; the in-memory stores ignore
// the transaction, the service still drives Commit/Rollback through it.
type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
