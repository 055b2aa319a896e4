package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/feedback-playground-api/internal/dto"
	"github.com/noah-isme/feedback-playground-api/internal/modules"
	"github.com/noah-isme/feedback-playground-api/internal/service"
	"github.com/noah-isme/feedback-playground-api/internal/utils"
)

// ModuleHandler lists feedback modules and validates their configurations.
type ModuleHandler struct {
	service   service.ModuleService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewModuleHandler constructs the handler.
func NewModuleHandler(service service.ModuleService, validate *validator.Validate, logger zerolog.Logger) *ModuleHandler {
	if validate == nil {
		validate = validator.New()
	}
	return &ModuleHandler{
		service:   service,
		validator: validate,
		logger:    logger.With().Str("component", "module_handler").Logger(),
	}
}

// Register binds the module routes.
func (h *ModuleHandler) Register(router fiber.Router) {
	router.Get("/", h.list)
	router.Get("/:type/:name/config_schema", h.configSchema)
	router.Post("/:type/:name/config/validate", h.validateConfig)
}

func (h *ModuleHandler) list(c *fiber.Ctx) error {
	return utils.SendSuccess(c, "modules", h.service.List(requestContext(c)))
}

func (h *ModuleHandler) configSchema(c *fiber.Ctx) error {
	schema, err := h.service.ConfigSchema(requestContext(c), c.Params("type"), c.Params("name"))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "module config schema", schema)
}

func (h *ModuleHandler) validateConfig(c *fiber.Ctx) error {
	var req dto.ModuleConfigValidateRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
	}
	if err := h.validator.Struct(req); err != nil {
		return utils.SendValidationError(c, err)
	}

	response, err := h.service.ValidateConfig(requestContext(c), c.Params("type"), c.Params("name"), req.Config)
	if err != nil {
		return h.handleError(c, err)
	}

	message := "module config valid"
	if !response.Valid {
		message = "module config invalid"
	}
	return utils.SendSuccess(c, message, response)
}

func (h *ModuleHandler) handleError(c *fiber.Ctx, err error) error {
	var remote *modules.RemoteError
	switch {
	case errors.Is(err, modules.ErrNoConfigSchema):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidModuleConfig):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrInvalidConfigSchema), errors.As(err, &remote):
		return utils.SendError(c, fiber.StatusBadGateway, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("module request failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
