//go:build integration

package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/trestle/internal"
	"github.com/dukerupert/trestle/internal/domain"
	"github.com/dukerupert/trestle/internal/jobs"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore migrates TEST_DATABASE_URL and returns a Store on it.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	_ = godotenv.Load("../../.env.test")
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := internal.OpenMigrationDB(url)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, internal.RunMigrations(ctx, db))

	pool, err := NewPool(ctx, url, 10, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return New(pool)
}

func seedInvoice(t *testing.T, s *Store, total int64) *domain.Invoice {
	t.Helper()
	inv := &domain.Invoice{
		OrgID:           uuid.New(),
		ProjectID:       uuid.New(),
		Number:          "INV-" + uuid.NewString()[:8],
		TotalCents:      total,
		BalanceDueCents: total,
		Currency:        "usd",
		Status:          domain.InvoiceStatusSent,
		Metadata:        map[string]any{"bill_to_name": "Harbor Street Builders"},
		Items: []domain.InvoiceItem{
			{Description: "Framing labor", UnitPriceCents: total, AmountCents: total, Position: 1},
		},
	}
	require.NoError(t, s.InsertInvoice(context.Background(), inv))
	return inv
}

func TestStore_InsertPaymentConverges(t *testing.T) {
	s := newTestStore(t)
	inv := seedInvoice(t, s, 500000)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[uuid.UUID]int{}
		created int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InTx(ctx, func(ctx context.Context, tx domain.PaymentLedger) error {
				p, isNew, err := tx.InsertPayment(ctx, &domain.Payment{
					OrgID: inv.OrgID, InvoiceID: inv.ID, AmountCents: 200000, NetCents: 200000,
					Currency: "usd", Method: "card", Provider: "stripe",
					ProviderPaymentID: "pi_1", Status: domain.PaymentStatusSucceeded,
				})
				if err != nil {
					return err
				}
				if isNew {
					if _, err := tx.RecalcBalanceAndStatus(ctx, inv.OrgID, inv.ID, time.Now()); err != nil {
						return err
					}
				}
				mu.Lock()
				ids[p.ID]++
				if isNew {
					created++
				}
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, created)

	got, err := s.GetInvoiceTotals(ctx, inv.OrgID, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300000), got.BalanceDueCents)
	assert.Equal(t, domain.InvoiceStatusPartial, got.Status)
}

func TestStore_ReserveLinkUseUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	inv := seedInvoice(t, s, 500000)
	ctx := context.Background()
	maxUses := int32(1)

	link, err := s.CreateLink(ctx, &domain.StoredLink{
		OrgID: inv.OrgID, ProjectID: inv.ProjectID, InvoiceID: inv.ID,
		TokenHash: uuid.NewString(), Nonce: uuid.NewString(),
		ExpiresAt: time.Now().Add(time.Hour), MaxUses: &maxUses,
	})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		gone int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.InTx(ctx, func(ctx context.Context, tx domain.PaymentLedger) error {
				if _, _, err := tx.InsertPayment(ctx, &domain.Payment{
					OrgID: inv.OrgID, InvoiceID: inv.ID, AmountCents: 1000, NetCents: 1000,
					Currency: "usd", Method: "card", Provider: "stripe",
					ProviderPaymentID: "pi_" + uuid.NewString(), Status: domain.PaymentStatusSucceeded,
				}); err != nil {
					return err
				}
				return tx.ReserveLinkUse(ctx, link.ID, time.Now())
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case assert.ErrorIs(t, err, domain.ErrPayLinkNoLongerValid):
				gone++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 4, gone)

	var rows int
	require.NoError(t, s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM payments WHERE org_id = $1 AND invoice_id = $2`, inv.OrgID, inv.ID,
	).Scan(&rows))
	assert.Equal(t, 1, rows, "rejected reservations roll back their payment")
}

func TestStore_InvoiceScoping(t *testing.T) {
	s := newTestStore(t)
	inv := seedInvoice(t, s, 10000)
	ctx := context.Background()

	_, err := s.GetInvoiceDetail(ctx, uuid.New(), inv.ID)
	assert.ErrorIs(t, err, domain.ErrInvoiceNotFound)

	_, _, err = s.InsertPayment(ctx, &domain.Payment{
		OrgID: uuid.New(), InvoiceID: inv.ID, AmountCents: 1, Currency: "usd",
		Method: "card", Provider: "stripe", ProviderPaymentID: "pi_x", Status: domain.PaymentStatusSucceeded,
	})
	assert.ErrorIs(t, err, domain.ErrInvoiceNotFound)

	detail, err := s.GetInvoiceDetail(ctx, inv.OrgID, inv.ID)
	require.NoError(t, err)
	require.Len(t, detail.Items, 1)
	assert.Equal(t, "1", detail.Items[0].Quantity.String())
}

func TestStore_LateFeesAndRefund(t *testing.T) {
	s := newTestStore(t)
	inv := seedInvoice(t, s, 10000)
	ctx := context.Background()

	require.NoError(t, s.AddLateFee(ctx, inv.OrgID, inv.ID, 500))
	p, _, err := s.InsertPayment(ctx, &domain.Payment{
		OrgID: inv.OrgID, InvoiceID: inv.ID, AmountCents: 10500, Currency: "usd",
		Method: "ach", Provider: "stripe", ProviderPaymentID: "pi_fee", Status: domain.PaymentStatusSucceeded,
	})
	require.NoError(t, err)

	got, err := s.RecalcBalanceAndStatus(ctx, inv.OrgID, inv.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.BalanceDueCents)
	assert.Equal(t, domain.InvoiceStatusPaid, got.Status)

	_, err = s.UpdatePaymentStatus(ctx, inv.OrgID, p.ID, domain.PaymentStatusRefunded)
	require.NoError(t, err)
	got, err = s.RecalcBalanceAndStatus(ctx, inv.OrgID, inv.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(10500), got.BalanceDueCents)
	assert.Equal(t, domain.InvoiceStatusSent, got.Status)
}

func TestStore_LinksAndNonces(t *testing.T) {
	s := newTestStore(t)
	inv := seedInvoice(t, s, 10000)
	ctx := context.Background()
	maxUses := int32(1)

	link, err := s.CreateLink(ctx, &domain.StoredLink{
		OrgID: inv.OrgID, ProjectID: inv.ProjectID, InvoiceID: inv.ID,
		TokenHash: uuid.NewString(), Nonce: uuid.NewString(),
		ExpiresAt: time.Now().Add(time.Hour), MaxUses: &maxUses,
	})
	require.NoError(t, err)

	require.NoError(t, s.ReserveLinkUse(ctx, link.ID, time.Now()))
	assert.ErrorIs(t, s.ReserveLinkUse(ctx, link.ID, time.Now()), domain.ErrPayLinkNoLongerValid)
	got, err := s.GetLinkByTokenHash(ctx, link.TokenHash)
	require.NoError(t, err)
	assert.False(t, got.Usable(time.Now()))
	assert.Equal(t, int32(1), got.UsedCount)

	assert.ErrorIs(t, s.RevokeLink(ctx, uuid.New(), link.ID, time.Now()), domain.ErrPayLinkNotFound)

	nonce := uuid.NewString()
	require.NoError(t, s.RotateNonce(ctx, inv.OrgID, inv.ID, nonce))
	revoked, err := s.IsNonceRevoked(ctx, nonce)
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, s.RevokeNonce(ctx, inv.OrgID, inv.ID, nonce, time.Now().Add(time.Hour)))
	revoked, err = s.IsNonceRevoked(ctx, nonce)
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestStore_JobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	queue := "test-" + uuid.NewString()[:8]

	id, err := s.EnqueueJob(ctx, jobs.EnqueueParams{
		OrgID: uuid.New(), JobType: jobs.JobTypeAccountingSync, Queue: queue,
		Payload: []byte(`{"payment_id":"` + uuid.NewString() + `"}`), MaxRetries: 1, TimeoutSeconds: 30,
	})
	require.NoError(t, err)

	job, err := s.ClaimNextJob(ctx, "w1", queue)
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)

	_, err = s.ClaimNextJob(ctx, "w2", queue)
	assert.ErrorIs(t, err, jobs.ErrNoJob)

	require.NoError(t, s.FailJob(ctx, id, "boom"))
	_, err = s.ClaimNextJob(ctx, "w1", queue)
	assert.ErrorIs(t, err, jobs.ErrNoJob, "out of retries")
}
