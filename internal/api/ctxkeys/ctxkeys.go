// Package ctxkeys holds the request context keys shared by the middleware and
// the handlers. It is a leaf package so both can import it without a cycle.
package ctxkeys

import (
	"context"

	"github.com/matiasleandrokruk/toolforge/internal/domain/audit"
	"github.com/matiasleandrokruk/toolforge/internal/domain/permission"
)

// Key is the named type for all API context keys, so they cannot collide with
// plain string keys from other packages.
type Key string

const (
	// UserID is the authenticated user's id, injected by the auth middleware.
	UserID Key = "user_id"
	// Email is the authenticated user's email.
	Email Key = "email"
	// Role is the authenticated user's role as stored, not as claimed by the token.
	Role Key = "role"
)

// WithValue adds a ctxkeys.Key value to the context.
func WithValue(ctx context.Context, key Key, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

// WithUser injects the three identity keys at once.
func WithUser(ctx context.Context, id, email string, role permission.Role) context.Context {
	ctx = WithValue(ctx, UserID, id)
	ctx = WithValue(ctx, Email, email)
	return WithValue(ctx, Role, string(role))
}

// String returns the value stored under key, or "".
func String(ctx context.Context, key Key) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// Actor builds the audit actor of the authenticated user. ok is false when the
// request did not pass the auth middleware.
func Actor(ctx context.Context) (actor audit.Actor, ok bool) {
	actor = audit.Actor{
		UserID: String(ctx, UserID),
		Email:  String(ctx, Email),
		Role:   permission.Role(String(ctx, Role)),
	}
	return actor, actor.UserID != ""
}
