// Package memstore is an in-memory implementation of the ledger and link
// stores. It backs unit tests and local runs without Postgres, and follows
// the same contracts as internal/postgres, including insert-or-get payments
// and transactional rollback.
package memstore

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/dukerupert/trestle/internal/domain"
	"github.com/google/uuid"
)

type invoiceKey struct {
	org, invoice uuid.UUID
}

type paymentKey struct {
	org        uuid.UUID
	providerID string
}

type nonceRecord struct {
	OrgID     uuid.UUID
	InvoiceID uuid.UUID
	UseCount  int
	RevokedAt *time.Time
	ExpiresAt time.Time
}

type state struct {
	invoices   map[invoiceKey]*domain.Invoice
	lateFees   map[invoiceKey]int64
	payments   map[uuid.UUID]*domain.Payment
	byProvider map[paymentKey]uuid.UUID
	links      map[uuid.UUID]*domain.StoredLink
	linkByHash map[string]uuid.UUID
	nonces     map[string]*nonceRecord
	intents    map[string]*domain.PaymentIntent
	receipts   map[uuid.UUID]*domain.Receipt
	audit      []domain.AuditEntry
}

func newState() *state {
	return &state{
		invoices:   make(map[invoiceKey]*domain.Invoice),
		lateFees:   make(map[invoiceKey]int64),
		payments:   make(map[uuid.UUID]*domain.Payment),
		byProvider: make(map[paymentKey]uuid.UUID),
		links:      make(map[uuid.UUID]*domain.StoredLink),
		linkByHash: make(map[string]uuid.UUID),
		nonces:     make(map[string]*nonceRecord),
		intents:    make(map[string]*domain.PaymentIntent),
		receipts:   make(map[uuid.UUID]*domain.Receipt),
	}
}

// ledgerSnapshot holds the records a transaction can change, so a failed
// transaction can be rolled back without touching anything else.
type ledgerSnapshot struct {
	invoices   map[invoiceKey]*domain.Invoice
	lateFees   map[invoiceKey]int64
	payments   map[uuid.UUID]*domain.Payment
	byProvider map[paymentKey]uuid.UUID
	linkUses   map[uuid.UUID]int32
}

func (s *state) snapshotLedger() *ledgerSnapshot {
	snap := &ledgerSnapshot{
		invoices:   make(map[invoiceKey]*domain.Invoice, len(s.invoices)),
		lateFees:   maps.Clone(s.lateFees),
		payments:   make(map[uuid.UUID]*domain.Payment, len(s.payments)),
		byProvider: maps.Clone(s.byProvider),
		linkUses:   make(map[uuid.UUID]int32, len(s.links)),
	}
	for k, v := range s.invoices {
		inv := *v
		snap.invoices[k] = &inv
	}
	for k, v := range s.payments {
		p := *v
		snap.payments[k] = &p
	}
	for k, v := range s.links {
		snap.linkUses[k] = v.UsedCount
	}
	return snap
}

func (s *state) restoreLedger(snap *ledgerSnapshot) {
	s.invoices = snap.invoices
	s.lateFees = snap.lateFees
	s.payments = snap.payments
	s.byProvider = snap.byProvider
	for id, used := range snap.linkUses {
		if l, ok := s.links[id]; ok {
			l.UsedCount = used
		}
	}
}

// Store is a goroutine-safe in-memory store.
//
// Ledger writes made outside InTx wait for any open transaction, so a
// rollback never discards them. Links, nonces, intents, receipts, and the
// audit log are not part of a transaction and are never rolled back.
type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex
	st   *state
}

var (
	_ domain.Ledger        = (*Store)(nil)
	_ domain.PaymentLedger = ledgerTx{}
	_ domain.LinkStore     = (*Store)(nil)
	_ domain.NonceStore    = (*Store)(nil)
	_ domain.IntentStore   = (*Store)(nil)
	_ domain.ReceiptStore  = (*Store)(nil)
	_ domain.AuditLog      = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{st: newState()}
}

// InTx serializes fn against other transactions and ledger writes, and
// restores the ledger when fn returns an error or panics.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx domain.PaymentLedger) error) (err error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.st.snapshotLedger()
	s.mu.Unlock()

	rollback := func() {
		s.mu.Lock()
		s.st.restoreLedger(snapshot)
		s.mu.Unlock()
	}

	defer func() {
		if r := recover(); r != nil {
			rollback()
			panic(r)
		}
	}()

	if err = fn(ctx, ledgerTx{s}); err != nil {
		rollback()
	}
	return err
}

// ledgerTx is the view handed to InTx callbacks. Its writes skip txMu,
// which InTx already holds.
type ledgerTx struct {
	s *Store
}

func (t ledgerTx) GetInvoiceTotals(ctx context.Context, orgID, invoiceID uuid.UUID) (*domain.Invoice, error) {
	return t.s.GetInvoiceTotals(ctx, orgID, invoiceID)
}

func (t ledgerTx) GetInvoiceDetail(ctx context.Context, orgID, invoiceID uuid.UUID) (*domain.Invoice, error) {
	return t.s.GetInvoiceDetail(ctx, orgID, invoiceID)
}

func (t ledgerTx) RecalcBalanceAndStatus(ctx context.Context, orgID, invoiceID uuid.UUID, asOf time.Time) (*domain.Invoice, error) {
	return t.s.recalc(orgID, invoiceID, asOf)
}

func (t ledgerTx) GetPaymentByProviderID(ctx context.Context, orgID uuid.UUID, providerPaymentID string) (*domain.Payment, error) {
	return t.s.GetPaymentByProviderID(ctx, orgID, providerPaymentID)
}

func (t ledgerTx) InsertPayment(ctx context.Context, p *domain.Payment) (*domain.Payment, bool, error) {
	return t.s.insertPayment(p)
}

func (t ledgerTx) UpdatePaymentStatus(ctx context.Context, orgID, paymentID uuid.UUID, status domain.PaymentStatus) (*domain.Payment, error) {
	return t.s.updatePaymentStatus(orgID, paymentID, status)
}

func (t ledgerTx) ReserveLinkUse(ctx context.Context, linkID uuid.UUID, at time.Time) error {
	return t.s.reserveLinkUse(linkID, at)
}

// =============================================================================
// Invoices
// =============================================================================

// PutInvoice adds or replaces an invoice. Test and seed helper.
func (s *Store) PutInvoice(inv *domain.Invoice) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *inv
	if cp.Currency == "" {
		cp.Currency = "usd"
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.st.invoices[invoiceKey{inv.OrgID, inv.ID}] = &cp
}

// AddLateFee applies a late fee to an invoice. The next reconciliation
// picks it up.
func (s *Store) AddLateFee(orgID, invoiceID uuid.UUID, cents int64) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.lateFees[invoiceKey{orgID, invoiceID}] += cents
}

func (s *Store) GetInvoiceTotals(ctx context.Context, orgID, invoiceID uuid.UUID) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.st.invoices[invoiceKey{orgID, invoiceID}]
	if !ok {
		return nil, domain.ErrInvoiceNotFound
	}
	cp := *inv
	cp.Items = nil
	return &cp, nil
}

func (s *Store) GetInvoiceDetail(ctx context.Context, orgID, invoiceID uuid.UUID) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.st.invoices[invoiceKey{orgID, invoiceID}]
	if !ok {
		return nil, domain.ErrInvoiceNotFound
	}
	cp := *inv
	cp.Items = append([]domain.InvoiceItem(nil), inv.Items...)
	return &cp, nil
}

func (s *Store) RecalcBalanceAndStatus(ctx context.Context, orgID, invoiceID uuid.UUID, asOf time.Time) (*domain.Invoice, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.recalc(orgID, invoiceID, asOf)
}

func (s *Store) recalc(orgID, invoiceID uuid.UUID, asOf time.Time) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := invoiceKey{orgID, invoiceID}
	inv, ok := s.st.invoices[key]
	if !ok {
		return nil, domain.ErrInvoiceNotFound
	}

	var payments []domain.Payment
	for _, p := range s.st.payments {
		if p.OrgID == orgID && p.InvoiceID == invoiceID {
			payments = append(payments, *p)
		}
	}

	domain.Reconcile(inv, payments, s.st.lateFees[key], asOf)
	inv.UpdatedAt = asOf.UTC()

	cp := *inv
	return &cp, nil
}

// =============================================================================
// Payments
// =============================================================================

func (s *Store) GetPaymentByProviderID(ctx context.Context, orgID uuid.UUID, providerPaymentID string) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.st.byProvider[paymentKey{orgID, providerPaymentID}]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	cp := *s.st.payments[id]
	return &cp, nil
}

func (s *Store) InsertPayment(ctx context.Context, p *domain.Payment) (*domain.Payment, bool, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.insertPayment(p)
}

func (s *Store) insertPayment(p *domain.Payment) (*domain.Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.st.invoices[invoiceKey{p.OrgID, p.InvoiceID}]; !ok {
		return nil, false, domain.ErrInvoiceNotFound
	}

	if p.ProviderPaymentID != "" {
		if id, ok := s.st.byProvider[paymentKey{p.OrgID, p.ProviderPaymentID}]; ok {
			cp := *s.st.payments[id]
			return &cp, false, nil
		}
	}

	cp := *p
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	now := time.Now().UTC()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.st.payments[cp.ID] = &cp
	if cp.ProviderPaymentID != "" {
		s.st.byProvider[paymentKey{cp.OrgID, cp.ProviderPaymentID}] = cp.ID
	}

	out := cp
	return &out, true, nil
}

func (s *Store) UpdatePaymentStatus(ctx context.Context, orgID, paymentID uuid.UUID, status domain.PaymentStatus) (*domain.Payment, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.updatePaymentStatus(orgID, paymentID, status)
}

func (s *Store) updatePaymentStatus(orgID, paymentID uuid.UUID, status domain.PaymentStatus) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.st.payments[paymentID]
	if !ok || p.OrgID != orgID {
		return nil, domain.ErrPaymentNotFound
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	return &cp, nil
}

// Payments returns every payment for an invoice, oldest first.
func (s *Store) Payments(orgID, invoiceID uuid.UUID) []domain.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Payment
	for _, p := range s.st.payments {
		if p.OrgID == orgID && p.InvoiceID == invoiceID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// =============================================================================
// Links and nonces
// =============================================================================

func (s *Store) CreateLink(ctx context.Context, link *domain.StoredLink) (*domain.StoredLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.st.linkByHash[link.TokenHash]; ok {
		return nil, domain.Conflict("link.create", "token hash already exists")
	}
	cp := *link
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	s.st.links[cp.ID] = &cp
	s.st.linkByHash[cp.TokenHash] = cp.ID

	out := cp
	return &out, nil
}

func (s *Store) GetLinkByTokenHash(ctx context.Context, tokenHash string) (*domain.StoredLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.st.linkByHash[tokenHash]
	if !ok {
		return nil, domain.ErrPayLinkNotFound
	}
	cp := *s.st.links[id]
	return &cp, nil
}

func (s *Store) ReserveLinkUse(ctx context.Context, linkID uuid.UUID, at time.Time) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.reserveLinkUse(linkID, at)
}

func (s *Store) reserveLinkUse(linkID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.st.links[linkID]
	if !ok || !l.Usable(at) {
		return domain.ErrPayLinkNoLongerValid
	}
	l.UsedCount++
	return nil
}

func (s *Store) RevokeLink(ctx context.Context, orgID, linkID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.st.links[linkID]
	if !ok || l.OrgID != orgID {
		return domain.ErrPayLinkNotFound
	}
	if l.RevokedAt == nil {
		l.RevokedAt = &at
	}
	return nil
}

func (s *Store) RotateNonce(ctx context.Context, orgID, invoiceID uuid.UUID, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.st.nonces[nonce]
	if !ok {
		n = &nonceRecord{OrgID: orgID, InvoiceID: invoiceID}
		s.st.nonces[nonce] = n
	}
	n.UseCount++
	return nil
}

func (s *Store) RevokeNonce(ctx context.Context, orgID, invoiceID uuid.UUID, nonce string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.st.nonces[nonce]
	if !ok {
		n = &nonceRecord{OrgID: orgID, InvoiceID: invoiceID}
		s.st.nonces[nonce] = n
	}
	if n.RevokedAt == nil {
		now := time.Now().UTC()
		n.RevokedAt = &now
	}
	n.ExpiresAt = expiresAt
	return nil
}

func (s *Store) IsNonceRevoked(ctx context.Context, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.st.nonces[nonce]
	return ok && n.RevokedAt != nil, nil
}

// NonceUses returns the advisory use count for a signed-link nonce.
func (s *Store) NonceUses(nonce string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.st.nonces[nonce]; ok {
		return n.UseCount
	}
	return 0
}

// =============================================================================
// Intents, receipts, audit
// =============================================================================

func (s *Store) InsertIntent(ctx context.Context, pi *domain.PaymentIntent) (*domain.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.st.intents[pi.IdempotencyKey]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *pi
	now := time.Now().UTC()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.st.intents[cp.IdempotencyKey] = &cp

	out := cp
	return &out, nil
}

func (s *Store) UpdateIntentStatus(ctx context.Context, providerIntentID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pi := range s.st.intents {
		if pi.ProviderIntentID == providerIntentID {
			pi.Status = status
			pi.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

// Intents returns every stored intent.
func (s *Store) Intents() []domain.PaymentIntent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.PaymentIntent, 0, len(s.st.intents))
	for _, pi := range s.st.intents {
		out = append(out, *pi)
	}
	return out
}

func (s *Store) UpsertReceipt(ctx context.Context, r *domain.Receipt) (*domain.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	if existing, ok := s.st.receipts[r.PaymentID]; ok {
		cp.ID = existing.ID
	}
	s.st.receipts[r.PaymentID] = &cp

	out := cp
	return &out, nil
}

// Receipt returns the receipt for a payment, if one was issued.
func (s *Store) Receipt(paymentID uuid.UUID) (*domain.Receipt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.st.receipts[paymentID]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

func (s *Store) Append(ctx context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.audit = append(s.st.audit, entry)
	return nil
}

// AuditEntries returns the audit log in append order.
func (s *Store) AuditEntries() []domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditEntry(nil), s.st.audit...)
}
