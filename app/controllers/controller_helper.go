package controllers

import (
	"github.com/gofiber/fiber/v2"
)

// jsonError writes the standard non-2xx envelope: an error message, a
// stable machine-readable code and optional context fields.
func jsonError(c *fiber.Ctx, status int, message, code string, extra fiber.Map) error {
	body := fiber.Map{"error": message}
	if code != "" {
		body["code"] = code
	}
	for k, v := range extra {
		body[k] = v
	}
	return c.Status(status).JSON(body)
}
