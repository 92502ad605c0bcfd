// Package http provides net/http middleware that gates routes on a user's entitlement
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Store is the profile store holding entitlement fields
	Store entitle.ProfileStore

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// Allow decides whether a profile may pass.
	// If nil, profiles pass when IsPro is set.
	Allow func(p *entitle.Profile) bool

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized http.HandlerFunc

	// OnNotEntitled is called when the user has no profile or no active subscription
	// If nil, returns 402 Payment Required
	OnNotEntitled func(w http.ResponseWriter, r *http.Request, profile *entitle.Profile)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that only lets entitled users through.
// The loaded profile is available to the next handler via ProfileFromContext.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Store == nil {
		panic("goentitle/http: Config.Store is required")
	}
	if config.GetUserID == nil {
		panic("goentitle/http: Config.GetUserID is required")
	}
	if config.Allow == nil {
		config.Allow = IsPro
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
					return
				}
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			profile, err := config.Store.GetProfile(r.Context(), userID)
			if err != nil && !errors.Is(err, entitle.ErrProfileNotFound) {
				if config.OnError != nil {
					config.OnError(w, r, err)
					return
				}
				writeError(w, http.StatusInternalServerError, "Internal Server Error")
				return
			}

			if profile == nil || !config.Allow(profile) {
				if config.OnNotEntitled != nil {
					config.OnNotEntitled(w, r, profile)
					return
				}
				writeError(w, http.StatusPaymentRequired, "subscription required")
				return
			}

			ctx := context.WithValue(r.Context(), ProfileKey, profile)
			ctx = context.WithValue(ctx, UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerFunc is a convenience wrapper for http.HandlerFunc
func HandlerFunc(config Config, handler http.HandlerFunc) http.Handler {
	return Middleware(config)(handler)
}

// IsPro is the default Allow rule
func IsPro(p *entitle.Profile) bool {
	return p.IsPro
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "entitle:userID"

	// ProfileKey is the context key for the profile loaded by the middleware
	ProfileKey ContextKey = "entitle:profile"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// ProfileFromContext returns the profile stored by Middleware, if any
func ProfileFromContext(ctx context.Context) (*entitle.Profile, bool) {
	p, ok := ctx.Value(ProfileKey).(*entitle.Profile)
	return p, ok
}
