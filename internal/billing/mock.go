package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockProvider is a mock billing provider for testing.
// Simulates payment flows without calling the Stripe API.
type MockProvider struct {
	// CreatePaymentIntentFunc allows customizing payment intent creation behavior
	CreatePaymentIntentFunc func(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error)

	// GetPaymentIntentFunc allows customizing payment intent retrieval behavior
	GetPaymentIntentFunc func(ctx context.Context, params GetPaymentIntentParams) (*PaymentIntent, error)

	// VerifyWebhookSignatureFunc allows customizing webhook verification behavior
	VerifyWebhookSignatureFunc func(payload []byte, signature string, secret string) error

	// PaymentIntents stores created payment intents for retrieval
	PaymentIntents map[string]*PaymentIntent

	// CallLog tracks method calls for test assertions
	CallLog []string

	mu        sync.Mutex
	byIdemKey map[string]*PaymentIntent
}

// Compile-time check to ensure MockProvider implements Provider.
var _ Provider = (*MockProvider)(nil)

// NewMockProvider creates a new mock billing provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		PaymentIntents: make(map[string]*PaymentIntent),
		CallLog:        []string{},
		byIdemKey:      make(map[string]*PaymentIntent),
	}
}

// CreatePaymentIntent creates a mock payment intent. Repeating an idempotency
// key returns the intent created first, the way Stripe does.
func (m *MockProvider) CreatePaymentIntent(ctx context.Context, params CreatePaymentIntentParams) (*PaymentIntent, error) {
	m.mu.Lock()
	m.CallLog = append(m.CallLog, fmt.Sprintf("CreatePaymentIntent(%d, %s)", params.AmountCents, params.Currency))
	m.mu.Unlock()

	if m.CreatePaymentIntentFunc != nil {
		return m.CreatePaymentIntentFunc(ctx, params)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if params.IdempotencyKey != "" {
		if pi, ok := m.byIdemKey[params.IdempotencyKey]; ok {
			cp := *pi
			return &cp, nil
		}
	}

	id := "pi_" + uuid.New().String()
	pi := &PaymentIntent{
		ID:           id,
		ClientSecret: id + "_secret_" + uuid.New().String()[:8],
		AmountCents:  params.AmountCents,
		Currency:     params.Currency,
		Status:       "requires_payment_method",
		Metadata:     params.Metadata,
		CreatedAt:    time.Now(),
	}

	m.PaymentIntents[pi.ID] = pi
	if params.IdempotencyKey != "" {
		m.byIdemKey[params.IdempotencyKey] = pi
	}
	cp := *pi
	return &cp, nil
}

// GetPaymentIntent retrieves a mock payment intent, enforcing org ownership.
func (m *MockProvider) GetPaymentIntent(ctx context.Context, params GetPaymentIntentParams) (*PaymentIntent, error) {
	m.mu.Lock()
	m.CallLog = append(m.CallLog, fmt.Sprintf("GetPaymentIntent(%s)", params.PaymentIntentID))
	m.mu.Unlock()

	if m.GetPaymentIntentFunc != nil {
		return m.GetPaymentIntentFunc(ctx, params)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pi, exists := m.PaymentIntents[params.PaymentIntentID]
	if !exists {
		return nil, ErrPaymentIntentNotFound
	}
	if params.OrgID != "" && pi.Metadata[MetadataOrgID] != params.OrgID {
		return nil, ErrPaymentIntentNotFound
	}

	cp := *pi
	return &cp, nil
}

// VerifyWebhookSignature verifies a mock webhook signature.
func (m *MockProvider) VerifyWebhookSignature(payload []byte, signature string, secret string) error {
	m.mu.Lock()
	m.CallLog = append(m.CallLog, "VerifyWebhookSignature")
	m.mu.Unlock()

	if m.VerifyWebhookSignatureFunc != nil {
		return m.VerifyWebhookSignatureFunc(payload, signature, secret)
	}

	// Default mock behavior: always verify successfully
	return nil
}

// SimulateSucceededPayment updates a payment intent to succeeded status.
// feeCents becomes the processor fee reported on the latest charge.
func (m *MockProvider) SimulateSucceededPayment(paymentIntentID string, feeCents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pi, exists := m.PaymentIntents[paymentIntentID]
	if !exists {
		return ErrPaymentIntentNotFound
	}

	pi.Status = "succeeded"
	pi.LastPaymentError = nil
	pi.PaymentMethodType = "card"
	pi.ChargeID = "ch_" + uuid.New().String()[:12]
	pi.FeeCents = feeCents
	return nil
}

// SimulateFailedPayment updates a payment intent to failed status.
func (m *MockProvider) SimulateFailedPayment(paymentIntentID string, errorCode string, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pi, exists := m.PaymentIntents[paymentIntentID]
	if !exists {
		return ErrPaymentIntentNotFound
	}

	pi.Status = "requires_payment_method"
	pi.LastPaymentError = &PaymentError{
		Code:    errorCode,
		Message: errorMessage,
	}
	return nil
}

// SimulateCanceledPayment cancels a payment intent.
func (m *MockProvider) SimulateCanceledPayment(paymentIntentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pi, exists := m.PaymentIntents[paymentIntentID]
	if !exists {
		return ErrPaymentIntentNotFound
	}
	pi.Status = "canceled"
	return nil
}

// Calls returns a copy of the call log.
func (m *MockProvider) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.CallLog...)
}
