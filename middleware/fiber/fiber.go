// Package fiber provides Fiber middleware that gates routes on a user's entitlement
package fiber

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// ProfileKey is the Locals key holding the profile loaded by Middleware
const ProfileKey = "entitle.profile"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnUnauthorized func(c *fiber.Ctx) error

	// OnNotEntitled is called when the user has no profile (nil) or no active subscription
	// If nil, returns 402 Payment Required
	OnNotEntitled func(c *fiber.Ctx, profile *entitle.Profile) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that only lets entitled users through
func Middleware(cfg Config) fiber.Handler {
	if cfg.Store == nil {
		panic("goentitle/fiber: Config.Store is required")
	}
	if cfg.GetUserID == nil {
		panic("goentitle/fiber: Config.GetUserID is required")
	}
	if cfg.Allow == nil {
		cfg.Allow = func(p *entitle.Profile) bool { return p.IsPro }
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		profile, err := cfg.Store.GetProfile(c.UserContext(), userID)
		if err != nil && !errors.Is(err, entitle.ErrProfileNotFound) {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}

		if profile == nil || !cfg.Allow(profile) {
			if cfg.OnNotEntitled != nil {
				return cfg.OnNotEntitled(c, profile)
			}
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "subscription required"})
		}

		c.Locals(ProfileKey, profile)
		return c.Next()
	}
}

// GetProfile returns the profile stored by Middleware
func GetProfile(c *fiber.Ctx) (*entitle.Profile, bool) {
	p, ok := c.Locals(ProfileKey).(*entitle.Profile)
	return p, ok
}

// FromContext returns a UserIDExtractor that gets user ID from Fiber Locals
// set by an auth middleware, e.g. c.Locals("UserID", userID).
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
