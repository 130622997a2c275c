package domain

import "time"

// BalanceDue computes an invoice balance from its authoritative sources:
// total minus succeeded payments plus applied late fees. The result does not
// depend on the order payments arrived in.
func BalanceDue(totalCents int64, payments []Payment, lateFeesCents int64) int64 {
	balance := totalCents + lateFeesCents
	for _, p := range payments {
		if p.Status == PaymentStatusSucceeded {
			balance -= p.AmountCents
		}
	}
	return balance
}

// DeriveInvoiceStatus returns the status an invoice should carry for the
// given balance. Void invoices keep their status. An invoice with nothing
// collected against it keeps its status unless a refund pulled it back from
// paid or partial, in which case it returns to sent or overdue.
func DeriveInvoiceStatus(current InvoiceStatus, totalCents, balanceCents int64, dueDate *time.Time, asOf time.Time) InvoiceStatus {
	if current == InvoiceStatusVoid {
		return current
	}

	switch {
	case balanceCents <= 0:
		return InvoiceStatusPaid
	case balanceCents < totalCents:
		return InvoiceStatusPartial
	}

	if current == InvoiceStatusPaid || current == InvoiceStatusPartial {
		if dueDate != nil && asOf.After(*dueDate) {
			return InvoiceStatusOverdue
		}
		return InvoiceStatusSent
	}
	return current
}

// Reconcile applies BalanceDue and DeriveInvoiceStatus to inv in place.
func Reconcile(inv *Invoice, payments []Payment, lateFeesCents int64, asOf time.Time) {
	inv.BalanceDueCents = BalanceDue(inv.TotalCents, payments, lateFeesCents)
	inv.Status = DeriveInvoiceStatus(inv.Status, inv.TotalCents, inv.BalanceDueCents, inv.DueDate, asOf)
}
