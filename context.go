package crudkit

import (
	"context"
	"slices"
	"sync"
)

// Context keys for crudkit values.
type contextKey string

const (
	contextKeyAuth      contextKey = "crudkit:auth"
	contextKeyRequestID contextKey = "crudkit:request_id"
	contextKeyChecker   contextKey = "crudkit:checker"
	contextKeyLoader    contextKey = "crudkit:loader"
	contextKeyTx        contextKey = "crudkit:tx"
)

// User is the authenticated principal behind a request.
type User struct {
	ID         string
	Attributes map[string]any
}

// AuthContext is the request-scoped authorization state. It is created at
// request start and cleared at request end by the hosting pipeline.
type AuthContext struct {
	mu    sync.RWMutex
	roles []string
	user  *User
}

// NewAuthContext creates an AuthContext for the given user and roles.
func NewAuthContext(user *User, roles ...string) *AuthContext {
	return &AuthContext{
		roles: slices.Clone(roles),
		user:  user,
	}
}

// AuthUpdate carries the fields to merge into an AuthContext. Nil fields are
// left unchanged.
type AuthUpdate struct {
	Roles []string
	User  *User
}

// Upsert merges a partial update into the context.
func (a *AuthContext) Upsert(partial AuthUpdate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if partial.Roles != nil {
		a.roles = slices.Clone(partial.Roles)
	}
	if partial.User != nil {
		a.user = partial.User
	}
}

// Clear resets the context to an anonymous, role-less state.
func (a *AuthContext) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.roles = nil
	a.user = nil
}

// GetRoles returns a copy of the current roles.
func (a *AuthContext) GetRoles() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.roles)
}

// User returns the current user, or nil for anonymous requests.
func (a *AuthContext) User() *User {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.user
}

// UserID returns the current user's ID or an empty string.
func (a *AuthContext) UserID() string {
	if u := a.User(); u != nil {
		return u.ID
	}
	return ""
}

// HasRole reports whether role is among the current roles.
func (a *AuthContext) HasRole(role string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Contains(a.roles, role)
}

// WithAuthContext adds an AuthContext to the context.
func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, contextKeyAuth, ac)
}

// GetAuthContext retrieves the AuthContext from context.
// Returns nil if not set.
func GetAuthContext(ctx context.Context) *AuthContext {
	if v := ctx.Value(contextKeyAuth); v != nil {
		if ac, ok := v.(*AuthContext); ok {
			return ac
		}
	}
	return nil
}

// WithRequestID adds a request ID to the context (for log correlation).
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}

// GetRequestID retrieves the request ID from context.
func GetRequestID(ctx context.Context) string {
	if v := ctx.Value(contextKeyRequestID); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// WithChecker adds a Checker to the context.
// This is set by middleware and can be retrieved in handlers.
func WithChecker(ctx context.Context, checker *Checker) context.Context {
	return context.WithValue(ctx, contextKeyChecker, checker)
}

// GetChecker retrieves the Checker from context.
// Returns nil if not set.
func GetChecker(ctx context.Context) *Checker {
	if v := ctx.Value(contextKeyChecker); v != nil {
		if c, ok := v.(*Checker); ok {
			return c
		}
	}
	return nil
}

// WithLoader adds a request-scoped Loader to the context.
func WithLoader(ctx context.Context, loader *Loader) context.Context {
	return context.WithValue(ctx, contextKeyLoader, loader)
}

// GetLoader retrieves the Loader from context.
// Returns nil if not set.
func GetLoader(ctx context.Context) *Loader {
	if v := ctx.Value(contextKeyLoader); v != nil {
		if l, ok := v.(*Loader); ok {
			return l
		}
	}
	return nil
}
