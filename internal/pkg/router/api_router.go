package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/packetwarden/formflow-api/app/controllers"
	"github.com/packetwarden/formflow-api/internal/pkg/authapi"
	"github.com/packetwarden/formflow-api/internal/pkg/billing"
	"github.com/packetwarden/formflow-api/internal/pkg/database"
	"github.com/packetwarden/formflow-api/internal/pkg/middleware"
	"github.com/packetwarden/formflow-api/internal/pkg/runner"
)

type ApiRouter struct {
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	db := database.GetDB()

	runnerSvc := runner.NewService(runner.NewRepository(db))
	billingSvc := billing.NewServiceFromDB(db)
	auth := authapi.NewClientFromEnv()

	runnerCtrl := controllers.NewRunnerController(runnerSvc)
	stripeCtrl := controllers.NewStripeController(billingSvc)

	app.Get("/healthz", func(c *fiber.Ctx) error {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.UserContext())
		}
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded"})
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	v1 := app.Group("/api").Group("/v1")

	// Public runner surface (no auth; rate limiting lives in the database
	// gate invoked by the pipeline).
	forms := v1.Group("/f")
	forms.Get("/:formId/schema", runnerCtrl.HandleGetFormSchema)
	forms.Post("/:formId/submit", runnerCtrl.HandleSubmitForm)

	// Billing surface.
	stripeGroup := v1.Group("/stripe")
	stripeGroup.Post("/webhook", stripeCtrl.HandleStripeWebhook)

	internalOnly := middleware.RequireInternalToken(billingSvc.Config().InternalToken)
	stripeGroup.Post("/catalog/sync", internalOnly, stripeCtrl.HandleCatalogSync)
	stripeGroup.Post("/jobs/tick", internalOnly, stripeCtrl.HandleJobsTick)

	workspaces := stripeGroup.Group("/workspaces/:workspaceId",
		middleware.RequireWorkspaceBilling(auth, billingSvc.MemberRole))
	workspaces.Post("/checkout-session", stripeCtrl.HandleCreateCheckoutSession)
	workspaces.Post("/portal-session", stripeCtrl.HandleCreatePortalSession)
	workspaces.Get("/subscription", stripeCtrl.HandleSubscriptionSummary)
	workspaces.Post("/resync", stripeCtrl.HandleResync)
}
