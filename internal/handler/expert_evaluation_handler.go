package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/feedback-playground-api/internal/dto"
	"github.com/noah-isme/feedback-playground-api/internal/service"
	"github.com/noah-isme/feedback-playground-api/internal/utils"
)

// ExpertEvaluationHandler serves evaluation configs and expert progress.
type ExpertEvaluationHandler struct {
	service service.ExpertEvaluationService
	logger  zerolog.Logger
}

// NewExpertEvaluationHandler constructs the handler.
func NewExpertEvaluationHandler(service service.ExpertEvaluationService, logger zerolog.Logger) *ExpertEvaluationHandler {
	return &ExpertEvaluationHandler{
		service: service,
		logger:  logger.With().Str("component", "expert_evaluation_handler").Logger(),
	}
}

// Register binds the expert evaluation routes.
func (h *ExpertEvaluationHandler) Register(router fiber.Router) {
	router.Get("/:configId/config", h.getConfig)
	router.Post("/:configId/config", h.saveConfig)
	router.Get("/:configId/progress/:expertId", h.getProgress)
	router.Put("/:configId/progress/:expertId", h.saveProgress)
	router.Get("/:configId/progress-stats", h.progressStats)
}

func (h *ExpertEvaluationHandler) getConfig(c *fiber.Ctx) error {
	response, err := h.service.GetConfig(requestContext(c), c.Params("configId"))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "expert evaluation config", response)
}

func (h *ExpertEvaluationHandler) saveConfig(c *fiber.Ctx) error {
	anonymize, err := parseQueryBool(c, "anonymize")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid anonymize flag")
	}

	var req dto.ExpertEvaluationConfigRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
	}

	response, err := h.service.SaveConfig(requestContext(c), c.Params("configId"), req, anonymize)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "expert evaluation config saved", response)
}

func (h *ExpertEvaluationHandler) getProgress(c *fiber.Ctx) error {
	response, err := h.service.GetProgress(requestContext(c), c.Params("configId"), c.Params("expertId"))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "expert evaluation progress", response)
}

func (h *ExpertEvaluationHandler) saveProgress(c *fiber.Ctx) error {
	var req dto.ExpertEvaluationProgressRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
	}

	response, err := h.service.SaveProgress(requestContext(c), c.Params("configId"), c.Params("expertId"), req)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "expert evaluation progress saved", response)
}

func (h *ExpertEvaluationHandler) progressStats(c *fiber.Ctx) error {
	response, err := h.service.ProgressStats(requestContext(c), c.Params("configId"))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "expert evaluation progress stats", response)
}

func (h *ExpertEvaluationHandler) handleError(c *fiber.Ctx, err error) error {
	switch {
	case isValidationError(err):
		return utils.SendValidationError(c, err)
	case errors.Is(err, service.ErrInvalidExercises):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrConfigNotFound), errors.Is(err, service.ErrProgressNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrConfigLocked):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("expert evaluation request failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
