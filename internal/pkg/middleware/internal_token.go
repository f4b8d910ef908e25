package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/packetwarden/formflow-api/internal/pkg/requestmeta"
)

// RequireInternalToken gates operational endpoints behind the internal admin
// token, compared in constant time. An empty configured token denies all.
func RequireInternalToken(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		presented := strings.TrimSpace(c.Get("x-internal-admin-token"))
		if presented == "" {
			presented = requestmeta.BearerToken(c)
		}
		if token == "" || presented == "" ||
			subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Invalid internal token", "code": "FORBIDDEN",
			})
		}
		return c.Next()
	}
}
