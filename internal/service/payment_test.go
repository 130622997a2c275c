package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/trestle/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cardPayment(token string, amount int64, providerID string) domain.RecordPaymentParams {
	return domain.RecordPaymentParams{
		Token:             token,
		AmountCents:       amount,
		FeeCents:          amount * 29 / 1000,
		Currency:          "usd",
		Method:            "card",
		Provider:          "stripe",
		ProviderPaymentID: providerID,
	}
}

func TestRecordPayment_PartialPaymentThroughLink(t *testing.T) {
	f := newFixture(t, fixtureOptions{signed: true})
	inv := f.seedInvoice(500000)
	link := f.issue(t, inv, domain.GeneratePayLinkParams{})

	p, err := f.payments.RecordPayment(context.Background(), cardPayment(link.Token, 200000, "pi_1"))
	require.NoError(t, err)

	assert.Equal(t, inv.ID, p.InvoiceID)
	assert.Equal(t, inv.OrgID, p.OrgID)
	assert.Equal(t, domain.PaymentStatusSucceeded, p.Status)
	assert.Equal(t, int64(200000-5800), p.NetCents)

	got := f.invoice(t, inv)
	assert.Equal(t, int64(300000), got.BalanceDueCents)
	assert.Equal(t, domain.InvoiceStatusPartial, got.Status)

	reports := f.allReports()
	require.Len(t, reports, 1)
	assert.Empty(t, reports[0].Failed())
	assert.Len(t, reports[0].Results, 5)

	receipt, ok := f.store.Receipt(p.ID)
	require.True(t, ok)
	assert.Equal(t, "2,000.00 USD", receipt.DisplayAmount)
	assert.Equal(t, "INV-1042", receipt.InvoiceNumber)
	assert.Equal(t, "Harbor Street Builders", receipt.IssuedTo)

	assert.Equal(t, 1, f.waivers.count())
	assert.Equal(t, 1, f.accounting.count())
	require.Len(t, f.events.all(), 1)
	assert.Equal(t, p.ID, f.events.all()[0].PaymentID)
	require.Len(t, f.store.AuditEntries(), 1)
	assert.Equal(t, "payment.recorded", f.store.AuditEntries()[0].Action)
}

func TestRecordPayment_RepeatIsIdempotent(t *testing.T) {
	f := newFixture(t, fixtureOptions{signed: true})
	inv := f.seedInvoice(500000)
	link := f.issue(t, inv, domain.GeneratePayLinkParams{})

	first, err := f.payments.RecordPayment(context.Background(), cardPayment(link.Token, 200000, "pi_1"))
	require.NoError(t, err)
	f.effects.Wait()

	second, err := f.payments.RecordPayment(context.Background(), cardPayment(link.Token, 200000, "pi_1"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.store.Payments(inv.OrgID, inv.ID), 1)
	assert.Equal(t, int64(300000), f.invoice(t, inv).BalanceDueCents)

	assert.Len(t, f.allReports(), 1, "no fan-out for a repeat")
	assert.Equal(t, 1, f.waivers.count())

	binding, err := f.links.Resolve(context.Background(), link.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.NonceUses(binding.Nonce), "no link bookkeeping for a repeat")
}

func TestRecordPayment_ConcurrentDuplicatesConverge(t *testing.T) {
	f := newFixture(t, fixtureOptions{signed: true})
	inv := f.seedInvoice(500000)
	link := f.issue(t, inv, domain.GeneratePayLinkParams{})

	const deliveries = 20
	ids := make([]uuid.UUID, deliveries)
	errs := make([]error, deliveries)

	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := f.payments.RecordPayment(context.Background(), cardPayment(link.Token, 200000, "pi_race"))
			errs[i] = err
			if p != nil {
				ids[i] = p.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Len(t, f.store.Payments(inv.OrgID, inv.ID), 1)
	assert.Equal(t, int64(300000), f.invoice(t, inv).BalanceDueCents)
	assert.Len(t, f.allReports(), 1)
	assert.Equal(t, 1, f.waivers.count())
}

func TestRecordPayment_StoredLinkUseCounted(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	inv := f.seedInvoice(500000)
	link := f.issue(t, inv, domain.GeneratePayLinkParams{MaxUses: int32Ptr(1)})

	_, err := f.payments.RecordPayment(context.Background(), cardPayment(link.Token, 100000, "pi_1"))
	require.NoError(t, err)

	_, err = f.links.Validate(context.Background(), link.Token)
	assert.ErrorIs(t, err, ErrPayLinkNoLongerValid)
}

func TestRecordPayment_LinkBookkeepingFailureIsNotReturned(t *testing.T) {
	f := newFixture(t, fixtureOptions{signed: true, nonceStore: func(s domain.NonceStore) domain.NonceStore {
		return failingNonceStore{s}
	}})
	inv := f.seedInvoice(500000)
	link := f.issue(t, inv, domain.GeneratePayLinkParams{})

	p, err := f.payments.RecordPayment(context.Background(), cardPayment(link.Token, 100000, "pi_1"))
	require.NoError(t, err)
	assert.NotNil(t, p)
	assert.Equal(t, int64(400000), f.invoice(t, inv).BalanceDueCents)
}

func TestRecordPayment_RetryThroughUsedUpLink(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	inv := f.seedInvoice(500000)
	link := f.issue(t, inv, domain.GeneratePayLinkParams{MaxUses: int32Ptr(1)})

	first, err := f.payments.RecordPayment(context.Background(), cardPayment(link.Token, 100000, "pi_1"))
	require.NoError(t, err)

	second, err := f.payments.RecordPayment(context.Background(), cardPayment(link.Token, 100000, "pi_1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.AmountCents, second.AmountCents)

	_, err = f.payments.RecordPayment(context.Background(), cardPayment(link.Token, 100000, "pi_2"))
	assert.ErrorIs(t, err, ErrPayLinkNoLongerValid)

	assert.Len(t, f.store.Payments(inv.OrgID, inv.ID), 1)
	assert.Equal(t, int64(400000), f.invoice(t, inv).BalanceDueCents)
	assert.Len(t, f.allReports(), 1)
}

func TestRecordPayment_RetryAfterSignedLinkExpires(t *testing.T) {
	f := newFixture(t, fixtureOptions{signed: true})
	inv := f.seedInvoice(500000)
	link := f.issue(t, inv, domain.GeneratePayLinkParams{TTLHours: 1})

	first, err := f.payments.RecordPayment(context.Background(), cardPayment(link.Token, 100000, "pi_1"))
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)

	second, err := f.payments.RecordPayment(context.Background(), cardPayment(link.Token, 100000, "pi_1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = f.payments.RecordPayment(context.Background(), cardPayment(link.Token, 100000, "pi_2"))
	assert.ErrorIs(t, err, ErrPayLinkNoLongerValid)

	params := cardPayment(link.Token, 100000, "pi_1")
	params.InvoiceID = uuid.New()
	_, err = f.payments.RecordPayment(context.Background(), params)
	assert.ErrorIs(t, err, ErrPayLinkNotFound)

	assert.Len(t, f.store.Payments(inv.OrgID, inv.ID), 1)
}

func TestRecordPayment_ConcurrentPaymentsRespectMaxUses(t *testing.T) {
	f := newFixture(t, fixtureOptions{linkStore: func(s domain.LinkStore) domain.LinkStore {
		return slowLinkStore{LinkStore: s, delay: 20 * time.Millisecond}
	}})
	inv := f.seedInvoice(500000)
	link := f.issue(t, inv, domain.GeneratePayLinkParams{MaxUses: int32Ptr(1)})

	const payers = 5
	errs := make([]error, payers)

	var wg sync.WaitGroup
	for i := 0; i < payers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.payments.RecordPayment(context.Background(), cardPayment(link.Token, 10000, fmt.Sprintf("pi_%d", i)))
		}(i)
	}
	wg.Wait()

	var ok, gone int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrPayLinkNoLongerValid):
			gone++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, payers-1, gone)
	assert.Len(t, f.store.Payments(inv.OrgID, inv.ID), 1)
	assert.Equal(t, int64(490000), f.invoice(t, inv).BalanceDueCents)

	stored, err := f.store.GetLinkByTokenHash(context.Background(), link.Link.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, int32(1), stored.UsedCount)
}

func TestRecordPayment_ReferenceRecordedOnAnotherInvoice(t *testing.T) {
	f := newFixture(t, fixtureOptions{signed: true})
	a := f.seedInvoice(500000)
	b := f.seedInvoiceInOrg(a.OrgID, 300000)

	first, err := f.payments.RecordPayment(f.staffContext(a.OrgID), domain.RecordPaymentParams{
		InvoiceID: a.ID, AmountCents: 100000, Method: "check", ProviderPaymentID: "chk_1001",
	})
	require.NoError(t, err)

	t.Run("through a link", func(t *testing.T) {
		link := f.issue(t, b, domain.GeneratePayLinkParams{})
		_, err := f.payments.RecordPayment(context.Background(), cardPayment(link.Token, 100000, "chk_1001"))
		assert.ErrorIs(t, err, ErrPayLinkNotFound)
	})

	t.Run("by staff", func(t *testing.T) {
		_, err := f.payments.RecordPayment(f.staffContext(a.OrgID), domain.RecordPaymentParams{
			InvoiceID: b.ID, AmountCents: 100000, Method: "check", ProviderPaymentID: "chk_1001",
		})
		assert.ErrorIs(t, err, ErrPaymentReferenceInUse)
		assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
	})

	again, err := f.payments.RecordPayment(f.staffContext(a.OrgID), domain.RecordPaymentParams{
		InvoiceID: a.ID, AmountCents: 100000, Method: "check", ProviderPaymentID: "chk_1001",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Empty(t, f.store.Payments(b.OrgID, b.ID))
	assert.Equal(t, int64(300000), f.invoice(t, b).BalanceDueCents)
}

func TestRecordPayment_SideEffectFailuresDoNotAffectPayment(t *testing.T) {
	f := newFixture(t, fixtureOptions{signed: true})
	f.waivers.panicMsg = "waiver template missing"
	f.accounting.err = assert.AnError
	inv := f.seedInvoice(500000)
	link := f.issue(t, inv, domain.GeneratePayLinkParams{})

	p, err := f.payments.RecordPayment(context.Background(), cardPayment(link.Token, 500000, "pi_1"))
	require.NoError(t, err)

	got := f.invoice(t, inv)
	assert.Equal(t, int64(0), got.BalanceDueCents)
	assert.Equal(t, domain.InvoiceStatusPaid, got.Status)

	reports := f.allReports()
	require.Len(t, reports, 1)
	failed := reports[0].Failed()
	require.Len(t, failed, 2)

	waiver, ok := reports[0].Result(TaskLienWaiver)
	require.True(t, ok)
	assert.False(t, waiver.OK)
	assert.Contains(t, waiver.Err.Error(), "waiver template missing")

	accounting, _ := reports[0].Result(TaskAccountingSync)
	assert.ErrorIs(t, accounting.Err, assert.AnError)

	for _, task := range []string{TaskReceipt, TaskAudit, TaskEvent} {
		res, ok := reports[0].Result(task)
		require.True(t, ok, task)
		assert.True(t, res.OK, task)
	}
	_, ok = f.store.Receipt(p.ID)
	assert.True(t, ok)
}

func TestRecordPayment_ManualPaymentByStaff(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	inv := f.seedInvoice(500000)

	p, err := f.payments.RecordPayment(f.staffContext(inv.OrgID), domain.RecordPaymentParams{
		InvoiceID:   inv.ID,
		AmountCents: 125000,
		Method:      "check",
	})
	require.NoError(t, err)

	assert.Equal(t, "manual", p.Provider)
	assert.Equal(t, "usd", p.Currency)
	assert.Equal(t, int64(375000), f.invoice(t, inv).BalanceDueCents)

	f.effects.Wait()
	entries := f.store.AuditEntries()
	require.Len(t, entries, 1)
	assert.NotEqual(t, uuid.Nil, entries[0].ActorID)
}

func TestRecordPayment_PendingPaymentSkipsFanOut(t *testing.T) {
	f := newFixture(t, fixtureOptions{signed: true})
	inv := f.seedInvoice(500000)
	link := f.issue(t, inv, domain.GeneratePayLinkParams{})

	params := cardPayment(link.Token, 200000, "pi_ach")
	params.Method = "ach"
	params.Status = domain.PaymentStatusPending

	_, err := f.payments.RecordPayment(context.Background(), params)
	require.NoError(t, err)

	got := f.invoice(t, inv)
	assert.Equal(t, int64(500000), got.BalanceDueCents)
	assert.Empty(t, f.allReports())

	p, err := f.payments.TransitionPaymentStatus(context.Background(), inv.OrgID, "pi_ach", domain.PaymentStatusSucceeded)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, p.Status)
	assert.Equal(t, int64(300000), f.invoice(t, inv).BalanceDueCents)
	assert.Len(t, f.allReports(), 1)
}

func TestRecordPayment_Validation(t *testing.T) {
	f := newFixture(t, fixtureOptions{signed: true})
	inv := f.seedInvoice(500000)
	link := f.issue(t, inv, domain.GeneratePayLinkParams{})

	tests := []struct {
		name   string
		mutate func(p *domain.RecordPaymentParams)
		field  string
	}{
		{"zero amount", func(p *domain.RecordPaymentParams) { p.AmountCents = 0; p.FeeCents = 0 }, "amount_cents"},
		{"negative fee", func(p *domain.RecordPaymentParams) { p.FeeCents = -1 }, "fee_cents"},
		{"fee above amount", func(p *domain.RecordPaymentParams) { p.FeeCents = p.AmountCents + 1 }, "fee_cents"},
		{"unknown status", func(p *domain.RecordPaymentParams) { p.Status = "settled" }, "status"},
		{"bad currency", func(p *domain.RecordPaymentParams) { p.Currency = "dollars" }, "currency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := cardPayment(link.Token, 1000, "pi_"+tt.name)
			tt.mutate(&params)

			_, err := f.payments.RecordPayment(context.Background(), params)
			require.Error(t, err)
			assert.True(t, domain.IsValidationError(err))
			assert.Contains(t, domain.GetValidationFields(err), tt.field)
		})
	}
	assert.Empty(t, f.store.Payments(inv.OrgID, inv.ID))
}

func TestRecordPayment_TargetResolution(t *testing.T) {
	f := newFixture(t, fixtureOptions{signed: true})
	inv := f.seedInvoice(500000)
	other := f.seedInvoice(100000)
	link := f.issue(t, inv, domain.GeneratePayLinkParams{})

	t.Run("no token and no org", func(t *testing.T) {
		_, err := f.payments.RecordPayment(context.Background(), domain.RecordPaymentParams{InvoiceID: inv.ID, AmountCents: 100})
		assert.ErrorIs(t, err, ErrPaymentTargetUnresolved)
	})

	t.Run("token for another invoice", func(t *testing.T) {
		params := cardPayment(link.Token, 100, "pi_x")
		params.InvoiceID = other.ID
		_, err := f.payments.RecordPayment(context.Background(), params)
		assert.ErrorIs(t, err, ErrPayLinkNotFound)
	})

	t.Run("staff of another org", func(t *testing.T) {
		_, err := f.payments.RecordPayment(f.staffContext(uuid.New()), domain.RecordPaymentParams{InvoiceID: inv.ID, AmountCents: 100})
		assert.ErrorIs(t, err, ErrInvoiceNotFound)
	})

	t.Run("expired token", func(t *testing.T) {
		short := f.issue(t, inv, domain.GeneratePayLinkParams{TTLHours: 1})
		f.clock.Advance(2 * time.Hour)
		_, err := f.payments.RecordPayment(context.Background(), cardPayment(short.Token, 100, "pi_late"))
		assert.ErrorIs(t, err, ErrPayLinkNoLongerValid)
	})
}

func TestRecordPayment_SameProviderIDAcrossOrgs(t *testing.T) {
	f := newFixture(t, fixtureOptions{signed: true})
	a := f.seedInvoice(500000)
	b := f.seedInvoice(500000)

	pa, err := f.payments.RecordPayment(context.Background(), cardPayment(f.issue(t, a, domain.GeneratePayLinkParams{}).Token, 1000, "pi_shared"))
	require.NoError(t, err)
	pb, err := f.payments.RecordPayment(context.Background(), cardPayment(f.issue(t, b, domain.GeneratePayLinkParams{}).Token, 1000, "pi_shared"))
	require.NoError(t, err)

	assert.NotEqual(t, pa.ID, pb.ID)
}

func TestTransitionPaymentStatus(t *testing.T) {
	f := newFixture(t, fixtureOptions{signed: true})
	inv := f.seedInvoice(500000)
	link := f.issue(t, inv, domain.GeneratePayLinkParams{})

	_, err := f.payments.RecordPayment(context.Background(), cardPayment(link.Token, 500000, "pi_1"))
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusPaid, f.invoice(t, inv).Status)

	t.Run("same status is a no-op", func(t *testing.T) {
		p, err := f.payments.TransitionPaymentStatus(context.Background(), inv.OrgID, "pi_1", domain.PaymentStatusSucceeded)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentStatusSucceeded, p.Status)
		assert.Len(t, f.allReports(), 1)
	})

	t.Run("succeeded cannot fail", func(t *testing.T) {
		_, err := f.payments.TransitionPaymentStatus(context.Background(), inv.OrgID, "pi_1", domain.PaymentStatusFailed)
		assert.ErrorIs(t, err, ErrIllegalPaymentTransition)
		assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
	})

	t.Run("refund reopens the invoice", func(t *testing.T) {
		p, err := f.payments.TransitionPaymentStatus(context.Background(), inv.OrgID, "pi_1", domain.PaymentStatusRefunded)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentStatusRefunded, p.Status)

		got := f.invoice(t, inv)
		assert.Equal(t, int64(500000), got.BalanceDueCents)
		assert.Equal(t, domain.InvoiceStatusSent, got.Status)
	})

	t.Run("unknown payment", func(t *testing.T) {
		_, err := f.payments.TransitionPaymentStatus(context.Background(), inv.OrgID, "pi_missing", domain.PaymentStatusRefunded)
		assert.ErrorIs(t, err, ErrPaymentNotFound)
	})

	t.Run("other org", func(t *testing.T) {
		_, err := f.payments.TransitionPaymentStatus(context.Background(), uuid.New(), "pi_1", domain.PaymentStatusRefunded)
		assert.ErrorIs(t, err, ErrPaymentNotFound)
	})
}
