package handler

import (
	"net/http"

	"github.com/dukerupert/trestle/internal/domain"
	"github.com/labstack/echo/v4"
)

// PayHandler serves the public pay link routes. The token in the path is
// the only credential; nothing here reads a session or an actor.
type PayHandler struct {
	links   domain.PayLinkService
	intents domain.PaymentIntentService
}

func NewPayHandler(links domain.PayLinkService, intents domain.PaymentIntentService) *PayHandler {
	return &PayHandler{links: links, intents: intents}
}

// Show handles GET /p/pay/:token
func (h *PayHandler) Show(c echo.Context) error {
	view, err := h.links.Validate(c.Request().Context(), c.Param("token"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newPayLinkView(view))
}

type createIntentRequest struct {
	// Zero pays the outstanding balance.
	AmountCents int64 `json:"amount_cents" validate:"gte=0"`
}

// CreateIntent handles POST /p/pay/:token/intents
func (h *PayHandler) CreateIntent(c echo.Context) error {
	var req createIntentRequest
	if c.Request().ContentLength != 0 {
		if err := bindAndValidate(c, &req); err != nil {
			return err
		}
	}

	pi, err := h.intents.CreatePaymentIntent(c.Request().Context(), domain.CreatePaymentIntentParams{
		Token:       c.Param("token"),
		AmountCents: req.AmountCents,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, newIntentView(pi))
}

type confirmRequest struct {
	PaymentIntentID string `json:"payment_intent_id" validate:"required,max=255"`
}

// Confirm handles POST /p/pay/:token/confirm. Repeating it returns the
// payment recorded the first time.
func (h *PayHandler) Confirm(c echo.Context) error {
	var req confirmRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	p, err := h.intents.ConfirmPayment(c.Request().Context(), domain.ConfirmPaymentParams{
		Token:            c.Param("token"),
		ProviderIntentID: req.PaymentIntentID,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newPaymentView(p))
}
