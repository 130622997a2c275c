// Package domain holds the core types, collaborator interfaces, and context
// helpers for pay links and payment recording.
//
// Context helpers centralize request-scoped data access so org isolation is
// resolved in one place instead of at every call site.
package domain

import (
	"context"

	"github.com/google/uuid"
)

// contextKey is an unexported type for context keys to prevent collisions.
type contextKey int

const (
	orgContextKey contextKey = iota
	actorContextKey
	requestIDContextKey
)

// Org is the tenant that owns invoices, payments, and links.
type Org struct {
	ID uuid.UUID
}

// Actor is the authenticated staff member making a request.
// Payers following a pay link never have an Actor.
type Actor struct {
	ID    uuid.UUID
	OrgID uuid.UUID
	Email string
	Role  string // "owner", "admin", "staff"
}

// --- Org Context Helpers ---

// NewContextWithOrg returns a new context with the org attached.
func NewContextWithOrg(ctx context.Context, org *Org) context.Context {
	return context.WithValue(ctx, orgContextKey, org)
}

// OrgFromContext retrieves the org from context.
// Returns nil if no org is present.
func OrgFromContext(ctx context.Context) *Org {
	org, _ := ctx.Value(orgContextKey).(*Org)
	return org
}

// OrgIDFromContext retrieves the org ID from context.
// Returns uuid.Nil if no org is present.
func OrgIDFromContext(ctx context.Context) uuid.UUID {
	if org := OrgFromContext(ctx); org != nil {
		return org.ID
	}
	return uuid.Nil
}

// HasOrg returns true if there is an org in context.
func HasOrg(ctx context.Context) bool {
	return OrgIDFromContext(ctx) != uuid.Nil
}

// --- Actor Context Helpers ---

// NewContextWithActor returns a new context with the actor and its org attached.
func NewContextWithActor(ctx context.Context, actor *Actor) context.Context {
	ctx = context.WithValue(ctx, actorContextKey, actor)
	return NewContextWithOrg(ctx, &Org{ID: actor.OrgID})
}

// ActorFromContext retrieves the actor from context.
func ActorFromContext(ctx context.Context) *Actor {
	actor, _ := ctx.Value(actorContextKey).(*Actor)
	return actor
}

// ActorIDFromContext returns the actor ID, or uuid.Nil for anonymous payers.
func ActorIDFromContext(ctx context.Context) uuid.UUID {
	if actor := ActorFromContext(ctx); actor != nil {
		return actor.ID
	}
	return uuid.Nil
}

// --- Request ID Context Helpers ---

// NewContextWithRequestID returns a new context with the request ID attached.
func NewContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey, requestID)
}

// RequestIDFromContext retrieves the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	requestID, _ := ctx.Value(requestIDContextKey).(string)
	return requestID
}
