package handler

import (
	"time"

	"github.com/dukerupert/trestle/internal/domain"
)

// JSON views. Internal ids stay out of payer-facing responses except the
// invoice id, which the payer already knows from the link.

type invoiceItemView struct {
	Description    string `json:"description"`
	Quantity       string `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	AmountCents    int64  `json:"amount_cents"`
}

type invoiceView struct {
	ID              string            `json:"id"`
	Number          string            `json:"number"`
	Status          string            `json:"status"`
	Currency        string            `json:"currency"`
	TotalCents      int64             `json:"total_cents"`
	BalanceDueCents int64             `json:"balance_due_cents"`
	DueDate         *time.Time        `json:"due_date,omitempty"`
	BillTo          string            `json:"bill_to,omitempty"`
	Items           []invoiceItemView `json:"items"`
}

type payLinkView struct {
	Mode      string      `json:"mode"`
	ExpiresAt time.Time   `json:"expires_at"`
	Invoice   invoiceView `json:"invoice"`
}

func newPayLinkView(v *domain.PayLinkView) payLinkView {
	inv := v.Invoice
	out := payLinkView{
		Mode:      string(v.Binding.Kind),
		ExpiresAt: v.Binding.ExpiresAt,
		Invoice: invoiceView{
			ID:              inv.ID.String(),
			Number:          inv.Number,
			Status:          string(inv.Status),
			Currency:        inv.Currency,
			TotalCents:      inv.TotalCents,
			BalanceDueCents: inv.BalanceDueCents,
			DueDate:         inv.DueDate,
			Items:           make([]invoiceItemView, 0, len(inv.Items)),
		},
	}
	if name, ok := inv.Metadata["bill_to_name"].(string); ok {
		out.Invoice.BillTo = name
	}
	for _, it := range inv.Items {
		out.Invoice.Items = append(out.Invoice.Items, invoiceItemView{
			Description:    it.Description,
			Quantity:       it.Quantity.String(),
			UnitPriceCents: it.UnitPriceCents,
			AmountCents:    it.AmountCents,
		})
	}
	return out
}

type intentView struct {
	PaymentIntentID string `json:"payment_intent_id"`
	ClientSecret    string `json:"client_secret"`
	AmountCents     int64  `json:"amount_cents"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
}

func newIntentView(pi *domain.PaymentIntent) intentView {
	return intentView{
		PaymentIntentID: pi.ProviderIntentID,
		ClientSecret:    pi.ClientSecret,
		AmountCents:     pi.AmountCents,
		Currency:        pi.Currency,
		Status:          pi.Status,
	}
}

type paymentView struct {
	ID                string    `json:"id"`
	InvoiceID         string    `json:"invoice_id"`
	AmountCents       int64     `json:"amount_cents"`
	FeeCents          int64     `json:"fee_cents"`
	NetCents          int64     `json:"net_cents"`
	Currency          string    `json:"currency"`
	Method            string    `json:"method"`
	Provider          string    `json:"provider"`
	ProviderPaymentID string    `json:"provider_payment_id,omitempty"`
	Status            string    `json:"status"`
	ReceivedAt        time.Time `json:"received_at"`
}

func newPaymentView(p *domain.Payment) paymentView {
	return paymentView{
		ID:                p.ID.String(),
		InvoiceID:         p.InvoiceID.String(),
		AmountCents:       p.AmountCents,
		FeeCents:          p.FeeCents,
		NetCents:          p.NetCents,
		Currency:          p.Currency,
		Method:            p.Method,
		Provider:          p.Provider,
		ProviderPaymentID: p.ProviderPaymentID,
		Status:            string(p.Status),
		ReceivedAt:        p.ReceivedAt,
	}
}

type issuedLinkView struct {
	URL       string    `json:"url"`
	Mode      string    `json:"mode"`
	ExpiresAt time.Time `json:"expires_at"`
	MaxUses   *int32    `json:"max_uses,omitempty"`
}

func newIssuedLinkView(l *domain.PayLink) issuedLinkView {
	out := issuedLinkView{URL: l.URL, Mode: string(l.Mode), ExpiresAt: l.ExpiresAt}
	if l.Link != nil {
		out.MaxUses = l.Link.MaxUses
	}
	return out
}
