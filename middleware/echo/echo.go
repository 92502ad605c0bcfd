// Package echo provides Echo middleware that gates routes on a user's entitlement
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// ProfileKey is the Echo context key holding the profile loaded by Middleware
const ProfileKey = "entitle.profile"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

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
	OnUnauthorized func(c echo.Context) error

	// OnNotEntitled is called when the user has no profile (nil) or no active subscription
	// If nil, returns 402 Payment Required
	OnNotEntitled func(c echo.Context, profile *entitle.Profile) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that only lets entitled users through
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Store == nil {
		panic("goentitle/echo: Config.Store is required")
	}
	if cfg.GetUserID == nil {
		panic("goentitle/echo: Config.GetUserID is required")
	}
	if cfg.Allow == nil {
		cfg.Allow = func(p *entitle.Profile) bool { return p.IsPro }
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			profile, err := cfg.Store.GetProfile(c.Request().Context(), userID)
			if err != nil && !errors.Is(err, entitle.ErrProfileNotFound) {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}

			if profile == nil || !cfg.Allow(profile) {
				if cfg.OnNotEntitled != nil {
					return cfg.OnNotEntitled(c, profile)
				}
				return c.JSON(http.StatusPaymentRequired, map[string]string{"error": "subscription required"})
			}

			c.Set(ProfileKey, profile)
			return next(c)
		}
	}
}

// GetProfile returns the profile stored by Middleware
func GetProfile(c echo.Context) (*entitle.Profile, bool) {
	p, ok := c.Get(ProfileKey).(*entitle.Profile)
	return p, ok
}

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by an auth middleware, e.g. c.Set("UserID", userID).
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
