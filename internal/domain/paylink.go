package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Pay link errors. Forged, unknown, and foreign links share one not-found
// error; expired, exhausted, and revoked links share one gone error.
var (
	ErrPayLinkNotFound      = &Error{Code: ENOTFOUND, Message: "Payment link not found"}
	ErrPayLinkNoLongerValid = &Error{Code: EGONE, Message: "This link is no longer valid"}
	ErrSigningKeyMissing    = &Error{Code: EINVALID, Message: "Stateless pay links require a signing key"}
)

// LinkKind says how a pay link binding is carried.
type LinkKind string

const (
	// LinkKindSigned links carry their binding inside an HMAC-signed token.
	LinkKindSigned LinkKind = "signed"
	// LinkKindStored links are opaque tokens backed by a stored row.
	LinkKindStored LinkKind = "stored"
)

// LinkBinding is what a validated pay link authorizes: exactly one invoice.
// Link is set only for LinkKindStored.
type LinkBinding struct {
	Kind      LinkKind
	OrgID     uuid.UUID
	ProjectID uuid.UUID
	InvoiceID uuid.UUID
	ExpiresAt time.Time
	Nonce     string
	Link      *StoredLink
}

// StoredLink is the persisted form of an opaque pay link. The raw token is
// never stored, only its SHA-256 hash.
type StoredLink struct {
	ID        uuid.UUID
	OrgID     uuid.UUID
	ProjectID uuid.UUID
	InvoiceID uuid.UUID
	TokenHash string
	Nonce     string
	ExpiresAt time.Time
	MaxUses   *int32 // nil means unlimited
	UsedCount int32
	Metadata  map[string]any
	RevokedAt *time.Time
	CreatedAt time.Time
}

// Usable reports whether the link may still be used at now.
func (l *StoredLink) Usable(now time.Time) bool {
	if l.RevokedAt != nil {
		return false
	}
	if !now.Before(l.ExpiresAt) {
		return false
	}
	if l.MaxUses != nil && l.UsedCount >= *l.MaxUses {
		return false
	}
	return true
}

// LinkStore persists opaque pay links.
type LinkStore interface {
	CreateLink(ctx context.Context, link *StoredLink) (*StoredLink, error)

	// GetLinkByTokenHash returns ErrPayLinkNotFound when nothing matches.
	GetLinkByTokenHash(ctx context.Context, tokenHash string) (*StoredLink, error)

	RevokeLink(ctx context.Context, orgID, linkID uuid.UUID, at time.Time) error
}

// NonceStore tracks signed-link nonces. Use counts are advisory; a revoked
// nonce makes every token carrying it unusable.
type NonceStore interface {
	RotateNonce(ctx context.Context, orgID, invoiceID uuid.UUID, nonce string) error
	RevokeNonce(ctx context.Context, orgID, invoiceID uuid.UUID, nonce string, expiresAt time.Time) error
	IsNonceRevoked(ctx context.Context, nonce string) (bool, error)
}

// GeneratePayLinkParams describes a link to mint. The org comes from context.
type GeneratePayLinkParams struct {
	InvoiceID uuid.UUID
	TTLHours  int    // <= 0 uses the configured default
	MaxUses   *int32 // stored links only; nil or <= 0 means unlimited
	Metadata  map[string]any
}

// PayLink is a freshly minted link. Link is nil in signed mode.
type PayLink struct {
	URL       string
	Token     string
	Mode      LinkKind
	ExpiresAt time.Time
	Link      *StoredLink
}

// PayLinkView is the result of a successful validation.
type PayLinkView struct {
	Binding *LinkBinding
	Invoice *Invoice
}

// PayLinkService issues, validates, and revokes pay links.
type PayLinkService interface {
	GeneratePayLink(ctx context.Context, params GeneratePayLinkParams) (*PayLink, error)

	// Validate resolves a token to its binding and invoice without consuming a use.
	Validate(ctx context.Context, token string) (*PayLinkView, error)

	// Resolve checks a token and returns only its binding.
	Resolve(ctx context.Context, token string) (*LinkBinding, error)

	// Authenticate checks that a token is genuine and belongs to the caller's
	// org, ignoring expiry, use limits, and revocation. The binding is only
	// good for finding payments already recorded through the link.
	Authenticate(ctx context.Context, token string) (*LinkBinding, error)

	// MarkUsed records advisory bookkeeping after a payment went through the
	// link. Stored link uses are reserved by the payment transaction instead.
	MarkUsed(ctx context.Context, binding *LinkBinding) error

	RevokePayLink(ctx context.Context, token string) error

	// Mode reports which kind of link GeneratePayLink mints.
	Mode() LinkKind
}
