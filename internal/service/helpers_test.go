package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/trestle/internal/crypto"
	"github.com/dukerupert/trestle/internal/domain"
	"github.com/dukerupert/trestle/internal/memstore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testSigningKey = "test-signing-key-0123456789abcdef"

// testClock is a settable clock shared by the keyring and the services.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingWaivers implements domain.WaiverGenerator for testing
type recordingWaivers struct {
	mu       sync.Mutex
	calls    []uuid.UUID
	err      error
	panicMsg string
}

func (w *recordingWaivers) GenerateConditionalWaiver(ctx context.Context, paymentID, orgID uuid.UUID) error {
	w.mu.Lock()
	w.calls = append(w.calls, paymentID)
	w.mu.Unlock()
	if w.panicMsg != "" {
		panic(w.panicMsg)
	}
	return w.err
}

func (w *recordingWaivers) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.calls)
}

// recordingAccounting implements domain.AccountingQueue for testing
type recordingAccounting struct {
	mu    sync.Mutex
	calls []uuid.UUID
	err   error
}

func (a *recordingAccounting) EnqueuePaymentSync(ctx context.Context, paymentID, orgID uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, paymentID)
	return a.err
}

func (a *recordingAccounting) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// recordingEvents implements domain.EventPublisher for testing
type recordingEvents struct {
	mu     sync.Mutex
	events []domain.PaymentRecordedEvent
	err    error
}

func (e *recordingEvents) PublishPaymentRecorded(ctx context.Context, evt domain.PaymentRecordedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
	return e.err
}

func (e *recordingEvents) all() []domain.PaymentRecordedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.PaymentRecordedEvent(nil), e.events...)
}

// failingNonceStore wraps a NonceStore and fails RotateNonce.
type failingNonceStore struct {
	domain.NonceStore
}

func (f failingNonceStore) RotateNonce(ctx context.Context, orgID, invoiceID uuid.UUID, nonce string) error {
	return errors.New("nonce store unavailable")
}

// slowLinkStore delays lookups so concurrent payments all pass Resolve
// before any of them commits.
type slowLinkStore struct {
	domain.LinkStore
	delay time.Duration
}

func (s slowLinkStore) GetLinkByTokenHash(ctx context.Context, tokenHash string) (*domain.StoredLink, error) {
	time.Sleep(s.delay)
	return s.LinkStore.GetLinkByTokenHash(ctx, tokenHash)
}

// fixture wires the services against an in-memory store.
type fixture struct {
	store      *memstore.Store
	clock      *testClock
	links      domain.PayLinkService
	payments   domain.PaymentService
	effects    *SideEffects
	waivers    *recordingWaivers
	accounting *recordingAccounting
	events     *recordingEvents

	reportsMu sync.Mutex
	reports   []Report
}

type fixtureOptions struct {
	signed     bool
	linkStore  func(domain.LinkStore) domain.LinkStore
	nonceStore func(domain.NonceStore) domain.NonceStore
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	f := &fixture{
		store:      memstore.New(),
		clock:      newTestClock(),
		waivers:    &recordingWaivers{},
		accounting: &recordingAccounting{},
		events:     &recordingEvents{},
	}

	var keyring *crypto.Keyring
	if opts.signed {
		var err error
		keyring, err = crypto.NewKeyring(testSigningKey, crypto.WithClock(f.clock.Now))
		require.NoError(t, err)
	}

	var linkStore domain.LinkStore = f.store
	if opts.linkStore != nil {
		linkStore = opts.linkStore(f.store)
	}

	var nonceStore domain.NonceStore = f.store
	if opts.nonceStore != nil {
		nonceStore = opts.nonceStore(f.store)
	}

	links, err := NewPayLinkService(f.store, linkStore, keyring, PayLinkConfig{
		BaseURL: "https://pay.example.com/",
	}, WithNonceStore(nonceStore), WithPayLinkClock(f.clock.Now))
	require.NoError(t, err)
	f.links = links

	f.effects = NewSideEffects(SideEffectDeps{
		Invoices:   f.store,
		Receipts:   f.store,
		Waivers:    f.waivers,
		Accounting: f.accounting,
		Audit:      f.store,
		Events:     f.events,
	}, zerolog.Nop(), WithSideEffectClock(f.clock.Now), WithReportHook(func(r Report) {
		f.reportsMu.Lock()
		f.reports = append(f.reports, r)
		f.reportsMu.Unlock()
	}))

	f.payments = NewPaymentService(f.store, f.links, f.effects, WithPaymentClock(f.clock.Now))
	return f
}

func (f *fixture) seedInvoice(total int64) *domain.Invoice {
	due := f.clock.Now().Add(30 * 24 * time.Hour)
	inv := &domain.Invoice{
		ID:              uuid.New(),
		OrgID:           uuid.New(),
		ProjectID:       uuid.New(),
		Number:          "INV-1042",
		TotalCents:      total,
		BalanceDueCents: total,
		Currency:        "usd",
		Status:          domain.InvoiceStatusSent,
		DueDate:         &due,
		Metadata:        map[string]any{"bill_to_name": "Harbor Street Builders"},
		Items: []domain.InvoiceItem{
			{ID: uuid.New(), Description: "Framing labor", UnitPriceCents: total, AmountCents: total, Position: 1},
		},
	}
	f.store.PutInvoice(inv)
	return inv
}

func (f *fixture) staffContext(orgID uuid.UUID) context.Context {
	return domain.NewContextWithActor(context.Background(), &domain.Actor{
		ID:    uuid.New(),
		OrgID: orgID,
		Email: "pm@example.com",
		Role:  "admin",
	})
}

func (f *fixture) issue(t *testing.T, inv *domain.Invoice, params domain.GeneratePayLinkParams) *domain.PayLink {
	t.Helper()
	params.InvoiceID = inv.ID
	link, err := f.links.GeneratePayLink(f.staffContext(inv.OrgID), params)
	require.NoError(t, err)
	return link
}

// seedInvoiceInOrg adds a second invoice to an existing org.
func (f *fixture) seedInvoiceInOrg(orgID uuid.UUID, total int64) *domain.Invoice {
	inv := &domain.Invoice{
		ID:              uuid.New(),
		OrgID:           orgID,
		ProjectID:       uuid.New(),
		Number:          "INV-1043",
		TotalCents:      total,
		BalanceDueCents: total,
		Currency:        "usd",
		Status:          domain.InvoiceStatusSent,
	}
	f.store.PutInvoice(inv)
	return inv
}

func (f *fixture) invoice(t *testing.T, inv *domain.Invoice) *domain.Invoice {
	t.Helper()
	got, err := f.store.GetInvoiceTotals(context.Background(), inv.OrgID, inv.ID)
	require.NoError(t, err)
	return got
}

func (f *fixture) allReports() []Report {
	f.effects.Wait()
	f.reportsMu.Lock()
	defer f.reportsMu.Unlock()
	return append([]Report(nil), f.reports...)
}
