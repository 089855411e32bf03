package crudkit

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request ID in and out of the scope middleware.
const RequestIDHeader = "X-Request-ID"

// Middleware provides HTTP middleware that opens and closes the request
// scope around each request.
type Middleware struct {
	engine       *Engine
	extract      RolesExtractor
	errorHandler func(http.ResponseWriter, *http.Request, error)
}

// MiddlewareOption configures the Middleware.
type MiddlewareOption func(*Middleware)

// RolesExtractor returns the principal and roles of a request. Returning no
// roles makes every operation fail as forbidden.
type RolesExtractor func(*http.Request) (*User, []string, error)

// NewMiddleware creates a new Middleware instance.
//
// Example:
//
//	mw := crudkit.NewMiddleware(engine,
//	    crudkit.WithRolesExtractor(crudkit.RolesFromHeader("X-Roles", "X-User-ID")),
//	)
//	http.Handle("/", mw.Scope(handler))
func NewMiddleware(engine *Engine, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{
		engine:       engine,
		extract:      noRoles,
		errorHandler: DefaultErrorHandler,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// WithRolesExtractor sets the function reading the principal from a request.
func WithRolesExtractor(fn RolesExtractor) MiddlewareOption {
	return func(m *Middleware) {
		m.extract = fn
	}
}

// WithErrorHandler sets a custom error handler for middleware.
func WithErrorHandler(fn func(http.ResponseWriter, *http.Request, error)) MiddlewareOption {
	return func(m *Middleware) {
		m.errorHandler = fn
	}
}

func noRoles(*http.Request) (*User, []string, error) {
	return nil, nil, nil
}

// RolesFromHeader creates a RolesExtractor reading a comma-separated role
// list and an optional user ID from headers.
//
// Example:
//
//	// X-Roles: member,reviewer
//	// X-User-ID: 42
//	crudkit.RolesFromHeader("X-Roles", "X-User-ID")
func RolesFromHeader(rolesHeader, userHeader string) RolesExtractor {
	return func(r *http.Request) (*User, []string, error) {
		var roles []string
		for _, role := range strings.Split(r.Header.Get(rolesHeader), ",") {
			if role = strings.TrimSpace(role); role != "" {
				roles = append(roles, role)
			}
		}
		var user *User
		if userHeader != "" {
			if id := r.Header.Get(userHeader); id != "" {
				user = &User{ID: id}
			}
		}
		return user, roles, nil
	}
}

// StaticRoles creates a RolesExtractor that always returns the same roles.
// Useful for internal endpoints and tests.
func StaticRoles(user *User, roles ...string) RolesExtractor {
	return func(*http.Request) (*User, []string, error) {
		return user, roles, nil
	}
}

// Scope creates middleware that attaches the request scope: request ID,
// AuthContext, Checker and a fresh Loader. The AuthContext and the loader
// cache are cleared when the handler returns.
//
// Example:
//
//	router.Use(mw.Scope)
func (m *Middleware) Scope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)
		ctx := WithRequestID(r.Context(), requestID)

		user, roles, err := m.extract(r)
		if err != nil {
			m.errorHandler(w, r.WithContext(ctx), err)
			return
		}

		ctx, release := m.engine.Scope(ctx, NewAuthContext(user, roles...))
		defer release()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireOperation creates middleware that rejects requests whose roles do
// not grant op on entity for any row. It must run inside Scope.
//
// Example:
//
//	router.With(mw.RequireOperation("Task", crudkit.OpCreate)).Post("/tasks", createTask)
func (m *Middleware) RequireOperation(entity string, op Operation) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			checker := GetChecker(r.Context())
			if checker == nil {
				m.errorHandler(w, r, ErrNoAuthContext)
				return
			}
			if !checker.Can(entity, op) {
				m.errorHandler(w, r, ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// StatusCode maps an error to the HTTP status reported for it.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsForbidden(err):
		return http.StatusForbidden
	case IsValidation(err):
		return http.StatusBadRequest
	case IsNotFound(err):
		return http.StatusNotFound
	case IsTransaction(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// DefaultErrorHandler writes the status of err with a generic body. Details
// of forbidden and internal errors are never written.
func DefaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	switch status {
	case http.StatusBadRequest, http.StatusNotFound:
		http.Error(w, err.Error(), status)
	default:
		http.Error(w, http.StatusText(status), status)
	}
}
