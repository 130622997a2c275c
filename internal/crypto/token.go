// Package crypto implements the pay link token codec: HMAC-signed capability
// tokens verified against a rotating keyring, and opaque random tokens that
// are only ever persisted as hashes.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTokenInvalid covers every decode and signature failure. Callers are
	// never told which check failed.
	ErrTokenInvalid = errors.New("crypto: invalid token")

	// ErrTokenExpired is only returned for tokens whose signature verified.
	ErrTokenExpired = errors.New("crypto: token expired")

	// ErrNoSigningKey is returned by NewKeyring when the current key is empty.
	ErrNoSigningKey = errors.New("crypto: signing key required")
)

// NonceLength is the number of random bytes in a signed-link nonce.
const NonceLength = 16

var b64 = base64.RawURLEncoding

// Claims is the payload of a signed pay link token.
type Claims struct {
	OrgID     string `json:"org_id"`
	ProjectID string `json:"project_id"`
	InvoiceID string `json:"invoice_id"`
	ExpiresAt int64  `json:"exp"`
	Nonce     string `json:"nonce"`
}

// Expiry returns ExpiresAt as a time.
func (c Claims) Expiry() time.Time {
	return time.Unix(c.ExpiresAt, 0).UTC()
}

// Keyring signs tokens with its current key and verifies them against the
// current key and every previous key, so rotating the secret does not break
// links already in payers' hands.
type Keyring struct {
	current  []byte
	previous [][]byte
	now      func() time.Time
}

// KeyringOption configures a Keyring.
type KeyringOption func(*Keyring)

// WithClock overrides the time source used for issuing and expiry checks.
func WithClock(now func() time.Time) KeyringOption {
	return func(k *Keyring) {
		k.now = now
	}
}

// WithPreviousKeys adds verification-only keys. Empty entries are skipped.
func WithPreviousKeys(keys ...string) KeyringOption {
	return func(k *Keyring) {
		for _, key := range keys {
			if key = strings.TrimSpace(key); key != "" {
				k.previous = append(k.previous, []byte(key))
			}
		}
	}
}

// NewKeyring creates a keyring that signs with current.
func NewKeyring(current string, opts ...KeyringOption) (*Keyring, error) {
	if strings.TrimSpace(current) == "" {
		return nil, ErrNoSigningKey
	}

	k := &Keyring{
		current: []byte(current),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

// Issue mints a token for the binding that expires ttl from now. A fresh
// nonce is generated when c.Nonce is empty; ExpiresAt is always overwritten.
func (k *Keyring) Issue(c Claims, ttl time.Duration) (string, Claims, error) {
	if ttl <= 0 {
		return "", Claims{}, fmt.Errorf("crypto: ttl must be positive, got %s", ttl)
	}
	if c.Nonce == "" {
		nonce, err := GenerateNonce()
		if err != nil {
			return "", Claims{}, err
		}
		c.Nonce = nonce
	}
	c.ExpiresAt = k.now().Add(ttl).Unix()

	payload, err := json.Marshal(c)
	if err != nil {
		return "", Claims{}, fmt.Errorf("crypto: failed to marshal claims: %w", err)
	}

	p := b64.EncodeToString(payload)
	return p + "." + sign(k.current, p), c, nil
}

// Verify checks the token signature against every key in constant time,
// then decodes the claims and enforces expiry.
func (k *Keyring) Verify(token string) (Claims, error) {
	c, err := k.Decode(token)
	if err != nil {
		return Claims{}, err
	}
	if k.now().Unix() >= c.ExpiresAt {
		return Claims{}, ErrTokenExpired
	}
	return c, nil
}

// Decode checks the signature and claim shape but not expiry. An expired
// token still proves who it was issued for.
func (k *Keyring) Decode(token string) (Claims, error) {
	p, s, ok := strings.Cut(token, ".")
	if !ok || p == "" || s == "" || strings.Contains(s, ".") {
		return Claims{}, ErrTokenInvalid
	}

	// Every key is checked so timing does not reveal which one matched.
	matched := hmac.Equal([]byte(sign(k.current, p)), []byte(s))
	for _, key := range k.previous {
		if hmac.Equal([]byte(sign(key, p)), []byte(s)) {
			matched = true
		}
	}
	if !matched {
		return Claims{}, ErrTokenInvalid
	}

	payload, err := b64.DecodeString(p)
	if err != nil {
		return Claims{}, ErrTokenInvalid
	}

	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return Claims{}, ErrTokenInvalid
	}
	if c.OrgID == "" || c.InvoiceID == "" || c.ExpiresAt == 0 {
		return Claims{}, ErrTokenInvalid
	}
	return c, nil
}

// LooksSigned reports whether token has the shape of a signed token.
// Opaque tokens are plain hex and never contain a dot.
func LooksSigned(token string) bool {
	return strings.Contains(token, ".")
}

func sign(key []byte, payload string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payload))
	return b64.EncodeToString(mac.Sum(nil))
}
