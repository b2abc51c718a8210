package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/pitchtrainer/internal/auth"
	"github.com/makeasinger/pitchtrainer/pkg/response"
)

// AuthMiddleware guards the endpoints that change the song library.
type AuthMiddleware struct {
	jwtSecret string
}

// NewAuthMiddleware creates the guard. With an empty secret every request
// is let through, which suits a single-user local install.
func NewAuthMiddleware(jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{jwtSecret: jwtSecret}
}

// Enabled reports whether tokens are checked.
func (m *AuthMiddleware) Enabled() bool {
	return m.jwtSecret != ""
}

// Authenticate validates the bearer token from the Authorization header.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !m.Enabled() {
			return c.Next()
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return response.Unauthorized(c, "Invalid authorization header format")
		}

		claims, err := auth.ValidateToken(parts[1], m.jwtSecret)
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}

		c.Locals("operator", claims.Subject)
		return c.Next()
	}
}

// GetOperator extracts the authenticated subject from context
func GetOperator(c *fiber.Ctx) string {
	if sub, ok := c.Locals("operator").(string); ok {
		return sub
	}
	return ""
}
