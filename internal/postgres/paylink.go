package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/dukerupert/trestle/internal/domain"
	"github.com/dukerupert/trestle/internal/jobs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const linkColumns = `id, org_id, project_id, invoice_id, token_hash, nonce, expires_at,
	max_uses, used_count, metadata, revoked_at, created_at`

func scanLink(row pgx.Row) (*domain.StoredLink, error) {
	var (
		l         domain.StoredLink
		maxUses   pgtype.Int4
		revokedAt pgtype.Timestamptz
	)
	err := row.Scan(
		&l.ID,
		&l.OrgID,
		&l.ProjectID,
		&l.InvoiceID,
		&l.TokenHash,
		&l.Nonce,
		&l.ExpiresAt,
		&maxUses,
		&l.UsedCount,
		&l.Metadata,
		&revokedAt,
		&l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.MaxUses = fromNullInt4(maxUses)
	l.RevokedAt = fromNullTime(revokedAt)
	return &l, nil
}

// CreateLink stores an opaque pay link. Only the token hash is persisted.
func (s *Store) CreateLink(ctx context.Context, link *domain.StoredLink) (*domain.StoredLink, error) {
	id := link.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	l, err := scanLink(s.db.QueryRow(ctx, `
		INSERT INTO pay_links (id, org_id, project_id, invoice_id, token_hash, nonce, expires_at, max_uses, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+linkColumns,
		id, link.OrgID, link.ProjectID, link.InvoiceID, link.TokenHash, link.Nonce,
		link.ExpiresAt, nullInt4(link.MaxUses), jsonObject(link.Metadata),
	))
	if err != nil {
		if isPgError(err, pgForeignKeyViolation) {
			return nil, domain.ErrInvoiceNotFound
		}
		if isPgError(err, pgUniqueViolation) {
			return nil, domain.Conflict("paylink.create", "pay link token already exists")
		}
		return nil, domain.Internal(err, "paylink.create", "failed to create pay link")
	}
	return l, nil
}

// GetLinkByTokenHash looks a link up by the SHA-256 hex of its token.
func (s *Store) GetLinkByTokenHash(ctx context.Context, tokenHash string) (*domain.StoredLink, error) {
	l, err := scanLink(s.db.QueryRow(ctx,
		`SELECT `+linkColumns+` FROM pay_links WHERE token_hash = $1`,
		tokenHash,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPayLinkNotFound
		}
		return nil, domain.Internal(err, "paylink.get", "failed to load pay link")
	}
	return l, nil
}

// ReserveLinkUse counts one use of a stored link. The row lock taken by the
// UPDATE makes concurrent payments through the same link queue up, and the
// second one sees the incremented count.
func (s *Store) ReserveLinkUse(ctx context.Context, linkID uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE pay_links SET used_count = used_count + 1
		WHERE id = $1
		  AND revoked_at IS NULL
		  AND expires_at > $2
		  AND (max_uses IS NULL OR used_count < max_uses)`,
		linkID, at,
	)
	if err != nil {
		return domain.Internal(err, "paylink.reserve_use", "failed to count pay link use")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPayLinkNoLongerValid
	}
	return nil
}

// RevokeLink revokes a stored link. The first revocation time is kept.
func (s *Store) RevokeLink(ctx context.Context, orgID, linkID uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE pay_links SET revoked_at = COALESCE(revoked_at, $3) WHERE org_id = $1 AND id = $2`,
		orgID, linkID, at,
	)
	if err != nil {
		return domain.Internal(err, "paylink.revoke", "failed to revoke pay link")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPayLinkNotFound
	}
	return nil
}

// RotateNonce records one advisory use of a signed-link nonce.
func (s *Store) RotateNonce(ctx context.Context, orgID, invoiceID uuid.UUID, nonce string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO pay_link_nonces (nonce, org_id, invoice_id, use_count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (nonce) DO UPDATE
		SET use_count = pay_link_nonces.use_count + 1, updated_at = NOW()`,
		nonce, orgID, invoiceID,
	)
	if err != nil {
		return domain.Internal(err, "paylink.rotate_nonce", "failed to record nonce use")
	}
	return nil
}

// RevokeNonce denies every token carrying nonce until expiresAt.
func (s *Store) RevokeNonce(ctx context.Context, orgID, invoiceID uuid.UUID, nonce string, expiresAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO pay_link_nonces (nonce, org_id, invoice_id, revoked_at, expires_at)
		VALUES ($1, $2, $3, NOW(), $4)
		ON CONFLICT (nonce) DO UPDATE
		SET revoked_at = COALESCE(pay_link_nonces.revoked_at, NOW()),
		    expires_at = EXCLUDED.expires_at,
		    updated_at = NOW()`,
		nonce, orgID, invoiceID, expiresAt,
	)
	if err != nil {
		return domain.Internal(err, "paylink.revoke_nonce", "failed to revoke nonce")
	}
	return nil
}

// IsNonceRevoked reports whether nonce is on the denylist.
func (s *Store) IsNonceRevoked(ctx context.Context, nonce string) (bool, error) {
	var revoked bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pay_link_nonces WHERE nonce = $1 AND revoked_at IS NOT NULL)`,
		nonce,
	).Scan(&revoked)
	if err != nil {
		return false, domain.Internal(err, "paylink.nonce_revoked", "failed to check nonce")
	}
	return revoked, nil
}

// PurgeExpiredLinks deletes stored links and revoked nonces whose tokens
// expired before cutoff, plus advisory nonce counters untouched since then.
func (s *Store) PurgeExpiredLinks(ctx context.Context, before time.Time) (jobs.CleanupResult, error) {
	var result jobs.CleanupResult

	tag, err := s.db.Exec(ctx, `DELETE FROM pay_links WHERE expires_at < $1`, before)
	if err != nil {
		return result, domain.Internal(err, "paylink.purge", "failed to purge pay links")
	}
	result.LinksDeleted = tag.RowsAffected()

	tag, err = s.db.Exec(ctx, `
		DELETE FROM pay_link_nonces
		WHERE (revoked_at IS NOT NULL AND expires_at < $1)
		   OR (revoked_at IS NULL AND updated_at < $1)`,
		before,
	)
	if err != nil {
		return result, domain.Internal(err, "paylink.purge", "failed to purge nonces")
	}
	result.NoncesDeleted = tag.RowsAffected()
	return result, nil
}
