package api

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Role defines the access level of an authenticated caller.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleReadOnly Role = "readonly"
)

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Mode      string          // "none", "api-key", "jwt"
	APIKey    string          // from env CONDUCTOR_API_KEY
	JWTSecret string          // HS256 secret for "jwt" mode
	Roles     map[string]Role // api-key → role mapping
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// NewAuthMiddleware returns a Fiber middleware that validates the
// Authorization header. Probe endpoints are always open.
func NewAuthMiddleware(cfg AuthConfig, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Skip auth in "none" mode
		if cfg.Mode == "none" {
			c.Locals("role", RoleAdmin)
			c.Locals("subject", "anonymous")
			return c.Next()
		}

		path := c.Path()
		if path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return c.Next()
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return problemResponse(c, fiber.StatusUnauthorized,
				"missing_auth", "Unauthorized",
				"Authorization header is required")
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_auth_scheme", "Unauthorized",
				"Authorization header must use Bearer scheme")
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")

		if cfg.Mode == "jwt" {
			role, subject, err := verifyJWT(token, cfg.JWTSecret)
			if err != nil {
				logger.Warn().
					Str("path", path).
					Str("method", c.Method()).
					Err(err).
					Msg("unauthorized request: invalid token")
				return problemResponse(c, fiber.StatusUnauthorized,
					"invalid_token", "Unauthorized",
					"Invalid or expired token")
			}
			c.Locals("role", role)
			c.Locals("subject", subject)
			return c.Next()
		}

		// api-key mode: check against configured key, then the roles map
		if cfg.APIKey != "" && token == cfg.APIKey {
			role := RoleAdmin
			if r, ok := cfg.Roles[token]; ok {
				role = r
			}
			c.Locals("role", role)
			c.Locals("subject", "api-key")
			return c.Next()
		}
		if role, ok := cfg.Roles[token]; ok {
			c.Locals("role", role)
			c.Locals("subject", "api-key")
			return c.Next()
		}

		logger.Warn().
			Str("path", path).
			Str("method", c.Method()).
			Msg("unauthorized request: invalid API key")

		return problemResponse(c, fiber.StatusUnauthorized,
			"invalid_api_key", "Unauthorized",
			"Invalid API key")
	}
}

// verifyJWT validates an HS256 token and returns the caller's role and
// subject. Unknown role claims degrade to readonly.
func verifyJWT(token, secret string) (Role, string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", "", errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return "", "", err
	}
	if !parsed.Valid {
		return "", "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", "", errors.New("subject claim required")
	}

	role := Role(claims.Role)
	switch role {
	case RoleAdmin, RoleOperator, RoleReadOnly:
	default:
		role = RoleReadOnly
	}
	return role, claims.Subject, nil
}

// requireRole returns a middleware that enforces a minimum role level.
func requireRole(minRole Role) fiber.Handler {
	roleLevel := map[Role]int{
		RoleReadOnly: 1,
		RoleOperator: 2,
		RoleAdmin:    3,
	}

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

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}
