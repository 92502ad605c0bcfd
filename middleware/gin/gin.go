// Package gin provides Gin middleware that gates routes on a user's entitlement
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// ProfileKey is the Gin context key holding the profile loaded by Middleware
const ProfileKey = "entitle.profile"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Store is the profile store holding entitlement fields
	Store entitle.ProfileStore

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// Allow decides whether a profile may pass.
	// If nil, profiles pass when IsPro is set.
	Allow func(p *entitle.Profile) bool

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnNotEntitled is called when the user has no profile or no active subscription.
	// profile is nil when the user has no profile.
	// If nil, returns 402 Payment Required
	OnNotEntitled func(c *gongin.Context, profile *entitle.Profile)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that only lets entitled users through
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Store == nil {
		panic("goentitle/gin: Config.Store is required")
	}
	if cfg.GetUserID == nil {
		panic("goentitle/gin: Config.GetUserID is required")
	}
	if cfg.Allow == nil {
		cfg.Allow = func(p *entitle.Profile) bool { return p.IsPro }
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		profile, err := cfg.Store.GetProfile(c.Request.Context(), userID)
		if err != nil && !errors.Is(err, entitle.ErrProfileNotFound) {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c)
			}
			c.Abort()
			return
		}

		if profile == nil || !cfg.Allow(profile) {
			if cfg.OnNotEntitled != nil {
				cfg.OnNotEntitled(c, profile)
			} else {
				defaultNotEntitled(c)
			}
			c.Abort()
			return
		}

		c.Set(ProfileKey, profile)
		c.Next()
	}
}

// GetProfile returns the profile stored by Middleware
func GetProfile(c *gongin.Context) (*entitle.Profile, bool) {
	val, exists := c.Get(ProfileKey)
	if !exists {
		return nil, false
	}
	p, ok := val.(*entitle.Profile)
	return p, ok
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultNotEntitled(c *gongin.Context) {
	c.JSON(http.StatusPaymentRequired, gongin.H{"error": "subscription required"})
}

func defaultError(c *gongin.Context) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by an auth middleware, e.g. c.Set("UserID", userID).
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
