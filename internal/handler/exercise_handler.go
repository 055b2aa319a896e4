package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/feedback-playground-api/internal/service"
	"github.com/noah-isme/feedback-playground-api/internal/utils"
)

// ExerciseHandler serves the exercises and submissions experiments are built from.
type ExerciseHandler struct {
	service service.ExperimentService
	logger  zerolog.Logger
}

// NewExerciseHandler constructs the handler.
func NewExerciseHandler(service service.ExperimentService, logger zerolog.Logger) *ExerciseHandler {
	return &ExerciseHandler{
		service: service,
		logger:  logger.With().Str("component", "exercise_handler").Logger(),
	}
}

// Register binds the exercise routes.
func (h *ExerciseHandler) Register(router fiber.Router) {
	router.Get("/:id/submissions", h.submissions)
}

func (h *ExerciseHandler) submissions(c *fiber.Ctx) error {
	exerciseID, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.service.ExerciseSubmissions(requestContext(c), exerciseID)
	if err != nil {
		if errors.Is(err, service.ErrExerciseNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, err.Error())
		}
		requestLogger(h.logger, c).Error().Err(err).Uint("exercise_id", exerciseID).Msg("failed to load exercise submissions")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to load submissions")
	}

	return utils.SendSuccess(c, "exercise submissions", response)
}
