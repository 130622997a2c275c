package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/trestle/internal/crypto"
	"github.com/dukerupert/trestle/internal/domain"
	"github.com/dukerupert/trestle/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultPayLinkTTL applies when neither the request nor config sets a TTL.
const DefaultPayLinkTTL = 72 * time.Hour

// PayLinkConfig controls how pay links are minted.
type PayLinkConfig struct {
	// BaseURL is the public origin links are built on, e.g. https://pay.example.com
	BaseURL string

	// DefaultTTL applies when GeneratePayLink is called without TTLHours
	DefaultTTL time.Duration

	// RequireStateless refuses to fall back to stored links when no signing key is set
	RequireStateless bool
}

type payLinkService struct {
	invoices domain.InvoiceLedger
	links    domain.LinkStore
	nonces   domain.NonceStore
	keyring  *crypto.Keyring
	metrics  *telemetry.BusinessMetrics
	config   PayLinkConfig
	now      func() time.Time
}

// PayLinkOption configures the pay link service.
type PayLinkOption func(*payLinkService)

// WithNonceStore enables signed-link use counting and revocation.
func WithNonceStore(nonces domain.NonceStore) PayLinkOption {
	return func(s *payLinkService) {
		s.nonces = nonces
	}
}

// WithPayLinkMetrics records issuance and validation metrics.
func WithPayLinkMetrics(m *telemetry.BusinessMetrics) PayLinkOption {
	return func(s *payLinkService) {
		s.metrics = m
	}
}

// WithPayLinkClock overrides the time source. Pair it with crypto.WithClock.
func WithPayLinkClock(now func() time.Time) PayLinkOption {
	return func(s *payLinkService) {
		s.now = now
	}
}

// NewPayLinkService creates a PayLinkService. With a keyring it mints signed
// links; without one it mints opaque links backed by links. Either way it
// accepts both kinds of token for validation when it has what it needs.
func NewPayLinkService(
	invoices domain.InvoiceLedger,
	links domain.LinkStore,
	keyring *crypto.Keyring,
	config PayLinkConfig,
	opts ...PayLinkOption,
) (domain.PayLinkService, error) {
	if invoices == nil {
		return nil, errors.New("paylink: invoice ledger is required")
	}
	if keyring == nil && links == nil && !config.RequireStateless {
		return nil, errors.New("paylink: a signing key or a link store is required")
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultPayLinkTTL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	s := &payLinkService{
		invoices: invoices,
		links:    links,
		keyring:  keyring,
		config:   config,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Mode reports which kind of link GeneratePayLink mints.
func (s *payLinkService) Mode() domain.LinkKind {
	if s.keyring != nil {
		return domain.LinkKindSigned
	}
	return domain.LinkKindStored
}

// GeneratePayLink mints a link for an invoice in the caller's org.
func (s *payLinkService) GeneratePayLink(ctx context.Context, params domain.GeneratePayLinkParams) (*domain.PayLink, error) {
	const op = "paylink.generate"

	orgID := domain.OrgIDFromContext(ctx)
	if orgID == uuid.Nil {
		return nil, domain.ErrOrgRequired
	}

	inv, err := s.invoices.GetInvoiceTotals(ctx, orgID, params.InvoiceID)
	if err != nil {
		if errors.Is(err, domain.ErrInvoiceNotFound) {
			return nil, ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("%s: load invoice: %w", op, err)
	}

	ttl := s.config.DefaultTTL
	if params.TTLHours > 0 {
		ttl = time.Duration(params.TTLHours) * time.Hour
	}

	if s.keyring != nil {
		return s.issueSigned(ctx, inv, ttl)
	}
	if s.config.RequireStateless {
		return nil, ErrSigningKeyMissing
	}
	return s.issueStored(ctx, inv, ttl, params)
}

func (s *payLinkService) issueSigned(ctx context.Context, inv *domain.Invoice, ttl time.Duration) (*domain.PayLink, error) {
	token, claims, err := s.keyring.Issue(crypto.Claims{
		OrgID:     inv.OrgID.String(),
		ProjectID: inv.ProjectID.String(),
		InvoiceID: inv.ID.String(),
	}, ttl)
	if err != nil {
		return nil, fmt.Errorf("paylink.generate: sign token: %w", err)
	}

	s.metrics.RecordLinkIssued(inv.OrgID.String(), string(domain.LinkKindSigned))
	zerolog.Ctx(ctx).Info().
		Str("org_id", inv.OrgID.String()).
		Str("invoice_id", inv.ID.String()).
		Time("expires_at", claims.Expiry()).
		Msg("signed pay link issued")

	return &domain.PayLink{
		URL:       s.url(token),
		Token:     token,
		Mode:      domain.LinkKindSigned,
		ExpiresAt: claims.Expiry(),
	}, nil
}

func (s *payLinkService) issueStored(ctx context.Context, inv *domain.Invoice, ttl time.Duration, params domain.GeneratePayLinkParams) (*domain.PayLink, error) {
	const op = "paylink.generate"

	token, err := crypto.GenerateOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var maxUses *int32
	if params.MaxUses != nil && *params.MaxUses > 0 {
		n := *params.MaxUses
		maxUses = &n
	}

	now := s.now().UTC()
	link, err := s.links.CreateLink(ctx, &domain.StoredLink{
		ID:        uuid.New(),
		OrgID:     inv.OrgID,
		ProjectID: inv.ProjectID,
		InvoiceID: inv.ID,
		TokenHash: crypto.HashToken(token),
		Nonce:     nonce,
		ExpiresAt: now.Add(ttl),
		MaxUses:   maxUses,
		Metadata:  params.Metadata,
		CreatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: create link: %w", op, err)
	}

	s.metrics.RecordLinkIssued(inv.OrgID.String(), string(domain.LinkKindStored))
	zerolog.Ctx(ctx).Info().
		Str("org_id", inv.OrgID.String()).
		Str("invoice_id", inv.ID.String()).
		Str("link_id", link.ID.String()).
		Time("expires_at", link.ExpiresAt).
		Msg("stored pay link issued")

	return &domain.PayLink{
		URL:       s.url(token),
		Token:     token,
		Mode:      domain.LinkKindStored,
		ExpiresAt: link.ExpiresAt,
		Link:      link,
	}, nil
}

// Validate resolves a token and loads the invoice it grants access to.
// It never consumes a use.
func (s *payLinkService) Validate(ctx context.Context, token string) (*domain.PayLinkView, error) {
	binding, err := s.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}

	inv, err := s.invoices.GetInvoiceDetail(ctx, binding.OrgID, binding.InvoiceID)
	if err != nil {
		if errors.Is(err, domain.ErrInvoiceNotFound) {
			s.metrics.RecordLinkRejected("not_found")
			return nil, ErrPayLinkNotFound
		}
		return nil, fmt.Errorf("paylink.validate: load invoice: %w", err)
	}
	if binding.ProjectID != uuid.Nil && inv.ProjectID != binding.ProjectID {
		s.metrics.RecordLinkRejected("not_found")
		return nil, ErrPayLinkNotFound
	}

	s.metrics.RecordLinkValidated(binding.OrgID.String(), string(binding.Kind))
	return &domain.PayLinkView{Binding: binding, Invoice: inv}, nil
}

// Resolve checks a token and returns its binding. Signed tokens are checked
// first since that needs no storage.
func (s *payLinkService) Resolve(ctx context.Context, token string) (*domain.LinkBinding, error) {
	token = strings.TrimSpace(token)

	var (
		binding *domain.LinkBinding
		err     error
	)
	switch {
	case token == "":
		err = ErrPayLinkNotFound
	case crypto.LooksSigned(token):
		binding, err = s.resolveSigned(ctx, token)
	default:
		binding, err = s.resolveStored(ctx, token)
	}

	// A staff member from another org gets the same answer as a forger.
	if err == nil {
		if orgID := domain.OrgIDFromContext(ctx); orgID != uuid.Nil && orgID != binding.OrgID {
			err = ErrPayLinkNotFound
		}
	}

	if err != nil {
		switch domain.ErrorCode(err) {
		case domain.ENOTFOUND:
			s.metrics.RecordLinkRejected("not_found")
		case domain.EGONE:
			s.metrics.RecordLinkRejected("gone")
		}
		return nil, err
	}
	return binding, nil
}

// Authenticate checks only that the token is genuine and in the caller's
// org. Gone links still authenticate so a retry can find its payment.
func (s *payLinkService) Authenticate(ctx context.Context, token string) (*domain.LinkBinding, error) {
	token = strings.TrimSpace(token)

	var (
		binding *domain.LinkBinding
		err     error
	)
	switch {
	case token == "":
		err = ErrPayLinkNotFound
	case crypto.LooksSigned(token):
		binding, err = s.decodeSigned(token)
	default:
		binding, err = s.lookupStored(ctx, token)
	}
	if err != nil {
		return nil, err
	}
	if orgID := domain.OrgIDFromContext(ctx); orgID != uuid.Nil && orgID != binding.OrgID {
		return nil, ErrPayLinkNotFound
	}
	return binding, nil
}

func (s *payLinkService) resolveSigned(ctx context.Context, token string) (*domain.LinkBinding, error) {
	if s.keyring == nil {
		return nil, ErrPayLinkNotFound
	}

	claims, err := s.keyring.Verify(token)
	switch {
	case errors.Is(err, crypto.ErrTokenExpired):
		return nil, ErrPayLinkNoLongerValid
	case err != nil:
		return nil, ErrPayLinkNotFound
	}

	binding, err := bindingFromClaims(claims)
	if err != nil {
		return nil, err
	}

	if s.nonces != nil {
		revoked, err := s.nonces.IsNonceRevoked(ctx, claims.Nonce)
		if err != nil {
			return nil, fmt.Errorf("paylink.resolve: check nonce: %w", err)
		}
		if revoked {
			return nil, ErrPayLinkNoLongerValid
		}
	}
	return binding, nil
}

func (s *payLinkService) decodeSigned(token string) (*domain.LinkBinding, error) {
	if s.keyring == nil {
		return nil, ErrPayLinkNotFound
	}
	claims, err := s.keyring.Decode(token)
	if err != nil {
		return nil, ErrPayLinkNotFound
	}
	return bindingFromClaims(claims)
}

func bindingFromClaims(claims crypto.Claims) (*domain.LinkBinding, error) {
	orgID, err1 := uuid.Parse(claims.OrgID)
	invoiceID, err2 := uuid.Parse(claims.InvoiceID)
	if err1 != nil || err2 != nil {
		return nil, ErrPayLinkNotFound
	}
	projectID, _ := uuid.Parse(claims.ProjectID)

	return &domain.LinkBinding{
		Kind:      domain.LinkKindSigned,
		OrgID:     orgID,
		ProjectID: projectID,
		InvoiceID: invoiceID,
		ExpiresAt: claims.Expiry(),
		Nonce:     claims.Nonce,
	}, nil
}

func (s *payLinkService) resolveStored(ctx context.Context, token string) (*domain.LinkBinding, error) {
	binding, err := s.lookupStored(ctx, token)
	if err != nil {
		return nil, err
	}
	if !binding.Link.Usable(s.now()) {
		return nil, ErrPayLinkNoLongerValid
	}
	return binding, nil
}

func (s *payLinkService) lookupStored(ctx context.Context, token string) (*domain.LinkBinding, error) {
	if s.links == nil {
		return nil, ErrPayLinkNotFound
	}

	link, err := s.links.GetLinkByTokenHash(ctx, crypto.HashToken(token))
	if err != nil {
		if errors.Is(err, domain.ErrPayLinkNotFound) {
			return nil, ErrPayLinkNotFound
		}
		return nil, fmt.Errorf("paylink.resolve: lookup link: %w", err)
	}

	return &domain.LinkBinding{
		Kind:      domain.LinkKindStored,
		OrgID:     link.OrgID,
		ProjectID: link.ProjectID,
		InvoiceID: link.InvoiceID,
		ExpiresAt: link.ExpiresAt,
		Nonce:     link.Nonce,
		Link:      link,
	}, nil
}

// MarkUsed keeps the advisory use count of a signed link's nonce. Stored
// links are counted by ReserveLinkUse inside the payment transaction.
func (s *payLinkService) MarkUsed(ctx context.Context, binding *domain.LinkBinding) error {
	if binding == nil || binding.Kind != domain.LinkKindSigned || s.nonces == nil {
		return nil
	}
	return s.nonces.RotateNonce(ctx, binding.OrgID, binding.InvoiceID, binding.Nonce)
}

// RevokePayLink makes a link unusable. Revoking a link that is already
// expired, exhausted, or revoked succeeds without doing anything.
func (s *payLinkService) RevokePayLink(ctx context.Context, token string) error {
	const op = "paylink.revoke"

	orgID := domain.OrgIDFromContext(ctx)
	if orgID == uuid.Nil {
		return domain.ErrOrgRequired
	}

	binding, err := s.Resolve(ctx, token)
	if errors.Is(err, ErrPayLinkNoLongerValid) {
		return nil
	}
	if err != nil {
		return err
	}

	switch binding.Kind {
	case domain.LinkKindStored:
		err = s.links.RevokeLink(ctx, orgID, binding.Link.ID, s.now().UTC())
	case domain.LinkKindSigned:
		if s.nonces == nil {
			return domain.Invalid(op, "Signed links cannot be revoked without a nonce store")
		}
		err = s.nonces.RevokeNonce(ctx, orgID, binding.InvoiceID, binding.Nonce, binding.ExpiresAt)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.metrics.RecordLinkRevoked(orgID.String(), string(binding.Kind))
	zerolog.Ctx(ctx).Info().
		Str("org_id", orgID.String()).
		Str("invoice_id", binding.InvoiceID.String()).
		Str("mode", string(binding.Kind)).
		Msg("pay link revoked")
	return nil
}

func (s *payLinkService) url(token string) string {
	return s.config.BaseURL + "/p/pay/" + token
}
