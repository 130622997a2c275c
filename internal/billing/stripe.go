package billing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeProvider implements Provider using the Stripe API.
type StripeProvider struct {
	sc     *client.API
	config StripeConfig
}

// Compile-time check to ensure StripeProvider implements Provider.
var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider creates a Stripe billing provider with its own client,
// so tests and multiple accounts never share the package-level stripe.Key.
func NewStripeProvider(config StripeConfig) (*StripeProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	backendConfig := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: config.Timeout()},
		MaxNetworkRetries: stripe.Int64(config.retries()),
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig),
	}

	return &StripeProvider{
		sc:     client.New(config.APIKey, backends),
		config: config,
	}, nil
}

// CreatePaymentIntent creates a Stripe payment intent.
func (s *StripeProvider) CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error) {
	if params.AmountCents < 50 {
		return nil, ErrAmountTooSmall
	}

	piParams := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(params.AmountCents),
		Currency: stripe.String(params.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	piParams.Context = ctx
	if params.Description != "" {
		piParams.Description = stripe.String(params.Description)
	}
	if params.ReceiptEmail != "" {
		piParams.ReceiptEmail = stripe.String(params.ReceiptEmail)
	}
	for k, v := range params.Metadata {
		piParams.AddMetadata(k, v)
	}
	if params.IdempotencyKey != "" {
		piParams.SetIdempotencyKey(params.IdempotencyKey)
	}

	pi, err := s.sc.PaymentIntents.New(piParams)
	if err != nil {
		return nil, mapStripeError(err)
	}

	return toPaymentIntent(pi), nil
}

// GetPaymentIntent retrieves a Stripe payment intent and checks org ownership.
func (s *StripeProvider) GetPaymentIntent(ctx context.Context, params GetPaymentIntentParams) (*PaymentIntent, error) {
	piParams := &stripe.PaymentIntentParams{}
	piParams.Context = ctx
	if params.IncludeFees {
		piParams.AddExpand("latest_charge.balance_transaction")
	}

	pi, err := s.sc.PaymentIntents.Get(params.PaymentIntentID, piParams)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound {
			return nil, ErrPaymentIntentNotFound
		}
		return nil, mapStripeError(err)
	}

	if params.OrgID != "" && pi.Metadata[MetadataOrgID] != params.OrgID {
		return nil, ErrPaymentIntentNotFound
	}

	return toPaymentIntent(pi), nil
}

// VerifyWebhookSignature verifies a Stripe webhook signature.
func (s *StripeProvider) VerifyWebhookSignature(payload []byte, signature string, secret string) error {
	if secret == "" {
		secret = s.config.WebhookSecret
	}
	if err := webhook.ValidatePayload(payload, signature, secret); err != nil {
		return ErrInvalidWebhookSignature
	}
	return nil
}

// toPaymentIntent converts a Stripe payment intent to the billing type.
func toPaymentIntent(pi *stripe.PaymentIntent) *PaymentIntent {
	out := &PaymentIntent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		AmountCents:  pi.Amount,
		Currency:     string(pi.Currency),
		Status:       string(pi.Status),
		Metadata:     pi.Metadata,
		CreatedAt:    time.Unix(pi.Created, 0).UTC(),
	}

	if ch := pi.LatestCharge; ch != nil {
		out.ChargeID = ch.ID
		if ch.PaymentMethodDetails != nil {
			out.PaymentMethodType = string(ch.PaymentMethodDetails.Type)
		}
		if ch.BalanceTransaction != nil {
			out.FeeCents = ch.BalanceTransaction.Fee
		}
	}

	if pe := pi.LastPaymentError; pe != nil {
		out.LastPaymentError = &PaymentError{
			Code:        string(pe.Code),
			Message:     pe.Msg,
			DeclineCode: string(pe.DeclineCode),
		}
	}

	return out
}

// mapStripeError converts Stripe SDK errors into StripeError.
func mapStripeError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var se *stripe.Error
	if !errors.As(err, &se) {
		return err
	}

	if se.Type == stripe.ErrorTypeIdempotency {
		return ErrIdempotencyConflict
	}
	if se.HTTPStatusCode == http.StatusUnauthorized {
		return ErrInvalidAPIKey
	}

	return &StripeError{
		Message:       se.Msg,
		Code:          string(se.Code),
		Type:          string(se.Type),
		DeclineCode:   string(se.DeclineCode),
		HTTPStatus:    se.HTTPStatusCode,
		RequestID:     se.RequestID,
		OriginalError: err,
	}
}
