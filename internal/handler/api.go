package handler

import (
	"net/http"
	"time"

	"github.com/dukerupert/trestle/internal/domain"
	"github.com/labstack/echo/v4"
)

// APIHandler serves staff routes. RequireStaff has already put the actor and
// its org on the context, so every service call is org scoped.
type APIHandler struct {
	links    domain.PayLinkService
	payments domain.PaymentService
}

func NewAPIHandler(links domain.PayLinkService, payments domain.PaymentService) *APIHandler {
	return &APIHandler{links: links, payments: payments}
}

type issueLinkRequest struct {
	TTLHours int            `json:"ttl_hours" validate:"gte=0,lte=8760"`
	MaxUses  *int32         `json:"max_uses"`
	Metadata map[string]any `json:"metadata"`
}

// IssuePayLink handles POST /api/invoices/:id/pay-links
func (h *APIHandler) IssuePayLink(c echo.Context) error {
	invoiceID, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req issueLinkRequest
	if c.Request().ContentLength != 0 {
		if err := bindAndValidate(c, &req); err != nil {
			return err
		}
	}

	link, err := h.links.GeneratePayLink(c.Request().Context(), domain.GeneratePayLinkParams{
		InvoiceID: invoiceID,
		TTLHours:  req.TTLHours,
		MaxUses:   req.MaxUses,
		Metadata:  req.Metadata,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, newIssuedLinkView(link))
}

type revokeLinkRequest struct {
	Token string `json:"token" validate:"required"`
}

// RevokePayLink handles POST /api/pay-links/revoke
func (h *APIHandler) RevokePayLink(c echo.Context) error {
	var req revokeLinkRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	if err := h.links.RevokePayLink(c.Request().Context(), req.Token); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// PayLinkMode handles GET /api/pay-links/mode
func (h *APIHandler) PayLinkMode(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"mode": string(h.links.Mode())})
}

type recordPaymentRequest struct {
	AmountCents int64          `json:"amount_cents" validate:"gt=0"`
	FeeCents    int64          `json:"fee_cents" validate:"gte=0"`
	Currency    string         `json:"currency" validate:"omitempty,len=3"`
	Method      string         `json:"method" validate:"required,oneof=check wire cash ach card"`
	Reference   string         `json:"reference" validate:"max=255"`
	ReceivedAt  *time.Time     `json:"received_at"`
	Metadata    map[string]any `json:"metadata"`
}

// RecordPayment handles POST /api/invoices/:id/payments for offline
// payments. A reference (check number, wire id) makes the call idempotent.
func (h *APIHandler) RecordPayment(c echo.Context) error {
	invoiceID, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req recordPaymentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	params := domain.RecordPaymentParams{
		InvoiceID:         invoiceID,
		AmountCents:       req.AmountCents,
		FeeCents:          req.FeeCents,
		Currency:          req.Currency,
		Method:            req.Method,
		Provider:          "manual",
		ProviderPaymentID: req.Reference,
		Status:            domain.PaymentStatusSucceeded,
		Metadata:          req.Metadata,
	}
	if req.ReceivedAt != nil {
		params.ReceivedAt = *req.ReceivedAt
	}

	p, err := h.payments.RecordPayment(c.Request().Context(), params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newPaymentView(p))
}
