package domain

import (
	"testing"
	"time"
)

func TestBalanceDue_IgnoresNonSucceeded(t *testing.T) {
	payments := []Payment{
		{AmountCents: 100000, Status: PaymentStatusSucceeded},
		{AmountCents: 50000, Status: PaymentStatusFailed},
		{AmountCents: 25000, Status: PaymentStatusPending},
		{AmountCents: 10000, Status: PaymentStatusRefunded},
	}

	if got := BalanceDue(500000, payments, 0); got != 400000 {
		t.Errorf("BalanceDue() = %d, want 400000", got)
	}
}

func TestBalanceDue_AddsLateFees(t *testing.T) {
	payments := []Payment{{AmountCents: 200000, Status: PaymentStatusSucceeded}}

	if got := BalanceDue(500000, payments, 7500); got != 307500 {
		t.Errorf("BalanceDue() = %d, want 307500", got)
	}
}

func TestBalanceDue_OrderIndependent(t *testing.T) {
	amounts := []int64{120000, 80000, 45000, 5000}

	// Every permutation of four payments must converge on the same balance.
	var permute func(prefix, rest []int64)
	permute = func(prefix, rest []int64) {
		if len(rest) == 0 {
			payments := make([]Payment, len(prefix))
			for i, a := range prefix {
				payments[i] = Payment{AmountCents: a, Status: PaymentStatusSucceeded}
			}
			if got := BalanceDue(500000, payments, 0); got != 250000 {
				t.Errorf("order %v: BalanceDue() = %d, want 250000", prefix, got)
			}
			return
		}
		for i := range rest {
			next := append(append([]int64{}, prefix...), rest[i])
			remaining := append(append([]int64{}, rest[:i]...), rest[i+1:]...)
			permute(next, remaining)
		}
	}
	permute(nil, amounts)
}

func TestDeriveInvoiceStatus(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-48 * time.Hour)
	future := now.Add(48 * time.Hour)

	tests := []struct {
		name     string
		current  InvoiceStatus
		total    int64
		balance  int64
		due      *time.Time
		expected InvoiceStatus
	}{
		{"fully paid", InvoiceStatusSent, 500000, 0, nil, InvoiceStatusPaid},
		{"overpaid", InvoiceStatusPartial, 500000, -100, nil, InvoiceStatusPaid},
		{"partially paid", InvoiceStatusSent, 500000, 300000, nil, InvoiceStatusPartial},
		{"overdue partial stays partial", InvoiceStatusOverdue, 500000, 300000, &past, InvoiceStatusPartial},
		{"nothing paid keeps sent", InvoiceStatusSent, 500000, 500000, nil, InvoiceStatusSent},
		{"nothing paid keeps overdue", InvoiceStatusOverdue, 500000, 500000, &past, InvoiceStatusOverdue},
		{"refund reverts to sent", InvoiceStatusPaid, 500000, 500000, &future, InvoiceStatusSent},
		{"refund past due reverts to overdue", InvoiceStatusPartial, 500000, 500000, &past, InvoiceStatusOverdue},
		{"void is never overwritten", InvoiceStatusVoid, 500000, 0, nil, InvoiceStatusVoid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveInvoiceStatus(tt.current, tt.total, tt.balance, tt.due, now)
			if got != tt.expected {
				t.Errorf("DeriveInvoiceStatus() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestReconcile_Scenario(t *testing.T) {
	inv := &Invoice{TotalCents: 500000, BalanceDueCents: 500000, Status: InvoiceStatusSent}
	payments := []Payment{{AmountCents: 200000, Status: PaymentStatusSucceeded}}

	Reconcile(inv, payments, 0, time.Now())

	if inv.BalanceDueCents != 300000 {
		t.Errorf("BalanceDueCents = %d, want 300000", inv.BalanceDueCents)
	}
	if inv.Status != InvoiceStatusPartial {
		t.Errorf("Status = %q, want %q", inv.Status, InvoiceStatusPartial)
	}

	// Re-running over the same history converges to the same result.
	Reconcile(inv, payments, 0, time.Now())
	if inv.BalanceDueCents != 300000 || inv.Status != InvoiceStatusPartial {
		t.Errorf("second reconcile changed invoice: %d %q", inv.BalanceDueCents, inv.Status)
	}
}

func TestPaymentStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to PaymentStatus
		ok       bool
	}{
		{PaymentStatusPending, PaymentStatusSucceeded, true},
		{PaymentStatusPending, PaymentStatusFailed, true},
		{PaymentStatusSucceeded, PaymentStatusRefunded, true},
		{PaymentStatusSucceeded, PaymentStatusSucceeded, true},
		{PaymentStatusSucceeded, PaymentStatusFailed, false},
		{PaymentStatusFailed, PaymentStatusSucceeded, false},
		{PaymentStatusRefunded, PaymentStatusSucceeded, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
				t.Errorf("CanTransitionTo() = %v, want %v", got, tt.ok)
			}
		})
	}
}
