package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/feedback-playground-api/internal/config"
	"github.com/noah-isme/feedback-playground-api/internal/modules"
	"github.com/noah-isme/feedback-playground-api/internal/utils"
)

// ModuleHealthChecker reports the module manager's view of its modules.
type ModuleHealthChecker interface {
	Health(ctx context.Context) (modules.Health, error)
}

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status        string                          `json:"status"`
	Timestamp     time.Time                       `json:"timestamp"`
	Service       string                          `json:"service"`
	Environment   string                          `json:"environment"`
	ModuleManager string                          `json:"module_manager"`
	Modules       map[string]modules.ModuleHealth `json:"modules,omitempty"`
}

// HealthCheck returns a handler that reports application health information.
// An unreachable module manager degrades the status but never fails the health check.
func HealthCheck(cfg config.Config, checker ModuleHealthChecker) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:        "ok",
			Timestamp:     time.Now().UTC(),
			Service:       cfg.AppName,
			Environment:   cfg.AppEnv,
			ModuleManager: "unknown",
		}

		if checker != nil {
			health, err := checker.Health(requestContext(c))
			if err != nil {
				payload.Status = "degraded"
				payload.ModuleManager = "unreachable"
			} else {
				payload.ModuleManager = health.Status
				payload.Modules = health.Modules
			}
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
