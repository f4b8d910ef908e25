package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/packetwarden/formflow-api/app/models"
	"github.com/packetwarden/formflow-api/internal/pkg/authapi"
	"github.com/packetwarden/formflow-api/internal/pkg/requestmeta"
)

// Locals keys set by the workspace auth middleware.
const (
	KeyUserID      = "USER_ID"
	KeyWorkspaceID = "WORKSPACE_ID"
	KeyRole        = "WORKSPACE_ROLE"
)

// RoleLookup resolves a user's role in a workspace.
type RoleLookup func(workspaceID, userID string) (string, error)

// RequireWorkspaceBilling authenticates the bearer token against the
// identity collaborator and requires an owner or admin role in the
// :workspaceId path workspace.
func RequireWorkspaceBilling(auth *authapi.Client, roles RoleLookup) fiber.Handler {
	return func(c *fiber.Ctx) error {
		workspaceID := strings.TrimSpace(c.Params("workspaceId"))
		if _, err := uuid.Parse(workspaceID); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid workspace id", "code": "FIELD_VALIDATION_FAILED",
			})
		}

		token := requestmeta.BearerToken(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing bearer token", "code": "UNAUTHORIZED",
			})
		}

		user, err := auth.GetUser(c.UserContext(), token)
		if err != nil {
			if errors.Is(err, authapi.ErrUnauthorized) {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Invalid access token", "code": "UNAUTHORIZED",
				})
			}
			log.Errorf("auth: token validation failed: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Authentication backend unavailable", "code": "AUTH_BACKEND_ERROR",
			})
		}

		role, err := roles(workspaceID, user.ID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
					"error": "Not a member of this workspace", "code": "FORBIDDEN",
				})
			}
			log.Errorf("auth: role lookup failed for workspace %s: %v", workspaceID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Role lookup failed", "code": "AUTH_BACKEND_ERROR",
			})
		}

		member := models.WorkspaceMember{WorkspaceID: workspaceID, UserID: user.ID, Role: role}
		if !member.CanManageBilling() {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Owner or admin role required", "code": "FORBIDDEN",
			})
		}

		c.Locals(KeyUserID, user.ID)
		c.Locals(KeyWorkspaceID, workspaceID)
		c.Locals(KeyRole, role)
		return c.Next()
	}
}

// UserID reads the authenticated user id set by the middleware.
func UserID(c *fiber.Ctx) string {
	id, _ := c.Locals(KeyUserID).(string)
	return id
}
