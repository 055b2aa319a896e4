package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/feedback-playground-api/internal/config"
	"github.com/noah-isme/feedback-playground-api/internal/handler"
	"github.com/noah-isme/feedback-playground-api/internal/middleware"
	"github.com/noah-isme/feedback-playground-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ExperimentHandler       *handler.ExperimentHandler
	ExerciseHandler         *handler.ExerciseHandler
	ModuleHandler           *handler.ModuleHandler
	ExpertEvaluationHandler *handler.ExpertEvaluationHandler
	ModuleHealth            handler.ModuleHealthChecker
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.ModuleHealth))

	if deps.ExperimentHandler != nil {
		// Creating runs fans out to remote modules, everything else is cheap.
		experiments := api.Group("/experiments")
		experiments.Post("/", middleware.RateLimit("experiments", cfg.RateLimitPerMinute, time.Minute))
		deps.ExperimentHandler.Register(experiments)
	}

	if deps.ExerciseHandler != nil {
		deps.ExerciseHandler.Register(api.Group("/exercises"))
	}

	if deps.ModuleHandler != nil {
		deps.ModuleHandler.Register(api.Group("/modules"))
	}

	if deps.ExpertEvaluationHandler != nil {
		deps.ExpertEvaluationHandler.Register(api.Group("/expert-evaluations"))
	}
}
