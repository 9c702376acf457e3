package mgmt

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// Role defines the access level of an API key.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleReadOnly Role = "readonly"
)

var roleLevel = map[Role]int{
	RoleReadOnly: 1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// Auth modes.
const (
	AuthNone   = "none"
	AuthAPIKey = "api-key"
)

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Mode string // "api-key" or "none"

	// APIKey grants admin. ReadOnlyKey, when set, grants read access only.
	APIKey      string
	ReadOnlyKey string
	// Keys maps additional keys to roles.
	Keys map[string]Role
}

func (cfg AuthConfig) keys() map[string]Role {
	keys := make(map[string]Role, len(cfg.Keys)+2)
	for k, r := range cfg.Keys {
		keys[k] = r
	}
	if cfg.ReadOnlyKey != "" {
		keys[cfg.ReadOnlyKey] = RoleReadOnly
	}
	if cfg.APIKey != "" {
		keys[cfg.APIKey] = RoleAdmin
	}
	return keys
}

func isOpsEndpoint(path string) bool {
	return path == "/healthz" || path == "/readyz" || path == "/metrics"
}

// NewAuthMiddleware validates the bearer token and stores the caller's role
// in c.Locals("role").
func NewAuthMiddleware(cfg AuthConfig, logger zerolog.Logger) fiber.Handler {
	keys := cfg.keys()

	return func(c *fiber.Ctx) error {
		if cfg.Mode == AuthNone {
			c.Locals("role", RoleAdmin)
			return c.Next()
		}
		if isOpsEndpoint(c.Path()) {
			return c.Next()
		}

		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			return problemResponse(c, fiber.StatusUnauthorized,
				"missing_auth", "Unauthorized",
				"Authorization header is required")
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_auth_scheme", "Unauthorized",
				"Authorization header must use Bearer scheme")
		}

		for key, role := range keys {
			if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
				c.Locals("role", role)
				return c.Next()
			}
		}

		logger.Warn().
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("Unauthorized request: invalid API key")
		return problemResponse(c, fiber.StatusUnauthorized,
			"invalid_api_key", "Unauthorized",
			"Invalid API key")
	}
}

// requireRole rejects callers below minRole.
func requireRole(minRole Role) fiber.Handler {
	return func(c *fiber.Ctx) error {
		role, _ := c.Locals("role").(Role)
		if roleLevel[role] < roleLevel[minRole] {
			return problemResponse(c, fiber.StatusForbidden,
				"insufficient_role", "Forbidden",
				"Insufficient permissions for this operation")
		}
		return c.Next()
	}
}
