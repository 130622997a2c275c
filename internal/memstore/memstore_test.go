package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukerupert/trestle/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedInvoice(s *Store, total int64) *domain.Invoice {
	inv := &domain.Invoice{
		ID:         uuid.New(),
		OrgID:      uuid.New(),
		ProjectID:  uuid.New(),
		Number:     "INV-1",
		TotalCents: total,
		Status:     domain.InvoiceStatusSent,
	}
	s.PutInvoice(inv)
	return inv
}

func TestInsertPayment_InsertOrGet(t *testing.T) {
	s := New()
	inv := seedInvoice(s, 10000)
	ctx := context.Background()

	first, created, err := s.InsertPayment(ctx, &domain.Payment{
		OrgID: inv.OrgID, InvoiceID: inv.ID, AmountCents: 5000,
		ProviderPaymentID: "pi_1", Status: domain.PaymentStatusSucceeded,
	})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.InsertPayment(ctx, &domain.Payment{
		OrgID: inv.OrgID, InvoiceID: inv.ID, AmountCents: 9999,
		ProviderPaymentID: "pi_1", Status: domain.PaymentStatusSucceeded,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(5000), second.AmountCents)
}

func TestInsertPayment_SameProviderIDOtherOrg(t *testing.T) {
	s := New()
	a := seedInvoice(s, 10000)
	b := seedInvoice(s, 10000)

	_, created, err := s.InsertPayment(context.Background(), &domain.Payment{OrgID: a.OrgID, InvoiceID: a.ID, AmountCents: 1, ProviderPaymentID: "pi_1"})
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = s.InsertPayment(context.Background(), &domain.Payment{OrgID: b.OrgID, InvoiceID: b.ID, AmountCents: 1, ProviderPaymentID: "pi_1"})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestInTx_RollsBackOnError(t *testing.T) {
	s := New()
	inv := seedInvoice(s, 10000)
	boom := errors.New("boom")

	err := s.InTx(context.Background(), func(ctx context.Context, tx domain.PaymentLedger) error {
		_, _, err := tx.InsertPayment(ctx, &domain.Payment{
			OrgID: inv.OrgID, InvoiceID: inv.ID, AmountCents: 5000,
			ProviderPaymentID: "pi_1", Status: domain.PaymentStatusSucceeded,
		})
		require.NoError(t, err)
		_, err = tx.RecalcBalanceAndStatus(ctx, inv.OrgID, inv.ID, time.Now())
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetPaymentByProviderID(context.Background(), inv.OrgID, "pi_1")
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)

	got, err := s.GetInvoiceTotals(context.Background(), inv.OrgID, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.BalanceDueCents)
	assert.Equal(t, domain.InvoiceStatusSent, got.Status)
}

func TestRecalcBalanceAndStatus_LateFees(t *testing.T) {
	s := New()
	inv := seedInvoice(s, 10000)
	ctx := context.Background()

	s.AddLateFee(inv.OrgID, inv.ID, 500)
	_, _, err := s.InsertPayment(ctx, &domain.Payment{
		OrgID: inv.OrgID, InvoiceID: inv.ID, AmountCents: 10000,
		ProviderPaymentID: "pi_1", Status: domain.PaymentStatusSucceeded,
	})
	require.NoError(t, err)

	got, err := s.RecalcBalanceAndStatus(ctx, inv.OrgID, inv.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.BalanceDueCents)
	assert.Equal(t, domain.InvoiceStatusPartial, got.Status)
}

func TestInvoicesAreOrgScoped(t *testing.T) {
	s := New()
	inv := seedInvoice(s, 10000)

	_, err := s.GetInvoiceTotals(context.Background(), uuid.New(), inv.ID)
	assert.ErrorIs(t, err, domain.ErrInvoiceNotFound)
}

func TestInTx_RollbackKeepsConcurrentWrites(t *testing.T) {
	s := New()
	inv := seedInvoice(s, 10000)
	ctx := context.Background()
	boom := errors.New("boom")

	link, err := s.CreateLink(ctx, &domain.StoredLink{
		OrgID: inv.OrgID, InvoiceID: inv.ID, TokenHash: "hash-1",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	err = s.InTx(ctx, func(ctx context.Context, tx domain.PaymentLedger) error {
		_, _, err := tx.InsertPayment(ctx, &domain.Payment{
			OrgID: inv.OrgID, InvoiceID: inv.ID, AmountCents: 5000,
			ProviderPaymentID: "pi_1", Status: domain.PaymentStatusSucceeded,
		})
		require.NoError(t, err)
		require.NoError(t, tx.ReserveLinkUse(ctx, link.ID, time.Now()))

		// Side effects of an earlier payment land while this transaction is open.
		_, err = s.UpsertReceipt(ctx, &domain.Receipt{ID: uuid.New(), PaymentID: uuid.New(), OrgID: inv.OrgID})
		require.NoError(t, err)
		require.NoError(t, s.Append(ctx, domain.AuditEntry{Action: "payment.recorded"}))
		require.NoError(t, s.RevokeLink(ctx, inv.OrgID, link.ID, time.Now()))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.Empty(t, s.Payments(inv.OrgID, inv.ID))
	assert.Len(t, s.AuditEntries(), 1)

	got, err := s.GetLinkByTokenHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, int32(0), got.UsedCount, "reserved use is rolled back")
	assert.NotNil(t, got.RevokedAt, "revocation made outside the transaction survives")
}

func TestReserveLinkUse(t *testing.T) {
	s := New()
	inv := seedInvoice(s, 10000)
	ctx := context.Background()
	now := time.Now()
	maxUses := int32(2)

	link, err := s.CreateLink(ctx, &domain.StoredLink{
		OrgID: inv.OrgID, InvoiceID: inv.ID, TokenHash: "hash-2",
		ExpiresAt: now.Add(time.Hour), MaxUses: &maxUses,
	})
	require.NoError(t, err)

	require.NoError(t, s.ReserveLinkUse(ctx, link.ID, now))
	assert.ErrorIs(t, s.ReserveLinkUse(ctx, link.ID, now.Add(2*time.Hour)), domain.ErrPayLinkNoLongerValid)
	require.NoError(t, s.ReserveLinkUse(ctx, link.ID, now))
	assert.ErrorIs(t, s.ReserveLinkUse(ctx, link.ID, now), domain.ErrPayLinkNoLongerValid)
	assert.ErrorIs(t, s.ReserveLinkUse(ctx, uuid.New(), now), domain.ErrPayLinkNoLongerValid)

	got, err := s.GetLinkByTokenHash(ctx, "hash-2")
	require.NoError(t, err)
	assert.Equal(t, int32(2), got.UsedCount)
}
