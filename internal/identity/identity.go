// Package identity resolves the logical owner of the current cart.
// The cart core only ever sees opaque identifier strings; how they are
// produced (auth middleware, session cookies) lives at the edges.
package identity

import "context"

// Resolver supplies the two identifier sources the cart manager consults.
// Either may be absent; the manager raises a configuration error when both
// are.
type Resolver interface {
	// AuthenticatedID returns the current principal's id, if authenticated.
	AuthenticatedID(ctx context.Context) (string, bool)

	// SessionID returns the current guest session id, if a session exists.
	SessionID(ctx context.Context) (string, bool)
}

type ctxKey int

const (
	userIDKey ctxKey = iota
	sessionIDKey
)

// WithUserID stamps an authenticated principal id onto the context.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// WithSessionID stamps a guest session id onto the context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// ContextResolver reads identifiers stamped onto the request context by
// upstream middleware.
type ContextResolver struct{}

func (ContextResolver) AuthenticatedID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

func (ContextResolver) SessionID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey).(string)
	return id, ok && id != ""
}

// Static always resolves to fixed values. Test double.
type Static struct {
	UserID  string
	Session string
}

func (s Static) AuthenticatedID(context.Context) (string, bool) {
	return s.UserID, s.UserID != ""
}

func (s Static) SessionID(context.Context) (string, bool) {
	return s.Session, s.Session != ""
}
