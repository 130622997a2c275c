package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/dukerupert/trestle/internal/domain"
	"github.com/dukerupert/trestle/internal/telemetry"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const bearerPrefix = "Bearer "

// StaffClaims is the JWT payload for staff API calls. Subject is the actor id.
type StaffClaims struct {
	OrgID string `json:"org_id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

var errUnauthenticated = domain.Unauthorized("auth.staff", "Authentication required")

// RequireStaff validates a Bearer token (HS256 only) and puts the actor and its
// org on the request context. Payers never pass through here; pay link routes
// are authorized by the token in the URL.
func RequireStaff(secret []byte) echo.MiddlewareFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header.Get(echo.HeaderAuthorization)
			if len(h) < len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
				return errUnauthenticated
			}
			raw := strings.TrimSpace(h[len(bearerPrefix):])
			if raw == "" {
				return errUnauthenticated
			}

			var claims StaffClaims
			token, err := parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
				return secret, nil
			})
			if err != nil || !token.Valid {
				return domain.Unauthorized("auth.staff", "Invalid or expired token")
			}

			actor, err := claims.actor()
			if err != nil {
				return domain.Unauthorized("auth.staff", "Token missing subject or org")
			}

			r := c.Request()
			telemetry.SetOrgOnContext(r.Context(), actor.OrgID.String())
			c.SetRequest(r.WithContext(domain.NewContextWithActor(r.Context(), actor)))
			return next(c)
		}
	}
}

func (c *StaffClaims) actor() (*domain.Actor, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return nil, err
	}
	orgID, err := uuid.Parse(c.OrgID)
	if err != nil {
		return nil, err
	}
	if orgID == uuid.Nil {
		return nil, errors.New("nil org")
	}
	return &domain.Actor{ID: id, OrgID: orgID, Email: c.Email, Role: c.Role}, nil
}

// IssueStaffToken signs an HS256 token for the actor. Used by the CLI and tests.
func IssueStaffToken(secret []byte, actor domain.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &StaffClaims{
		OrgID: actor.OrgID.String(),
		Email: actor.Email,
		Role:  actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
