package main

import (
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/packetwarden/formflow-api/internal/pkg/cache"
	"github.com/packetwarden/formflow-api/internal/pkg/database"
	"github.com/packetwarden/formflow-api/internal/pkg/env"
	"github.com/packetwarden/formflow-api/internal/pkg/jobqueue"
	"github.com/packetwarden/formflow-api/internal/pkg/router"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "0.0.0.0"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20, // 1 MiB; the webhook handler enforces its own cap
	})
	app.Use(recover.New(), logger.New())

	// ROUTER
	router.InstallRouter(app)

	// Background reconciliation (internal scheduler mode only)
	jobqueue.GetManager().Start()

	return app
}
