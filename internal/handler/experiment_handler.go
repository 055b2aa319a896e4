package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/feedback-playground-api/internal/dto"
	"github.com/noah-isme/feedback-playground-api/internal/experiment"
	"github.com/noah-isme/feedback-playground-api/internal/modules"
	"github.com/noah-isme/feedback-playground-api/internal/service"
	"github.com/noah-isme/feedback-playground-api/internal/utils"
)

const websocketWriteWait = 10 * time.Second

// ExperimentHandler exposes experiment runs over REST, SSE and websocket.
type ExperimentHandler struct {
	service   service.ExperimentService
	logger    zerolog.Logger
	keepAlive time.Duration
}

// NewExperimentHandler constructs the handler.
func NewExperimentHandler(service service.ExperimentService, logger zerolog.Logger, keepAlive time.Duration) *ExperimentHandler {
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	return &ExperimentHandler{
		service:   service,
		logger:    logger.With().Str("component", "experiment_handler").Logger(),
		keepAlive: keepAlive,
	}
}

// Register binds the experiment routes. The websocket route is registered
// before /:id so it is not shadowed.
func (h *ExperimentHandler) Register(router fiber.Router) {
	router.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("run_id", strings.TrimSpace(c.Query("run_id")))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get("/ws", websocket.New(h.handleConnection))

	router.Post("/", h.create)
	router.Get("/", h.list)
	router.Get("/:id", h.get)
	router.Post("/:id/start", h.start)
	router.Delete("/:id", h.discard)
	router.Get("/:id/stream", h.stream)
}

func (h *ExperimentHandler) create(c *fiber.Ctx) error {
	var req dto.ExperimentCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request payload")
	}

	response, err := h.service.Create(requestContext(c), req)
	if err != nil {
		return h.handleError(c, err)
	}

	requestLogger(h.logger, c).Info().
		Str("run_id", response.RunID).
		Uint("exercise_id", response.ExerciseID).
		Msg("experiment created")
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "experiment created", response)
}

func (h *ExperimentHandler) list(c *fiber.Ctx) error {
	return utils.SendSuccess(c, "experiments", h.service.List())
}

func (h *ExperimentHandler) get(c *fiber.Ctx) error {
	response, err := h.service.Get(c.Params("id"))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "experiment", response)
}

func (h *ExperimentHandler) start(c *fiber.Ctx) error {
	response, started, err := h.service.StartRun(c.Params("id"))
	if err != nil {
		return h.handleError(c, err)
	}
	if !started {
		return utils.SendSuccess(c, "experiment already started", response)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "experiment started", response)
}

func (h *ExperimentHandler) discard(c *fiber.Ctx) error {
	if err := h.service.Discard(c.Params("id")); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "experiment discarded", nil)
}

func (h *ExperimentHandler) stream(c *fiber.Ctx) error {
	runID := c.Params("id")
	updates, cleanup, err := h.service.Subscribe(runID)
	if err != nil {
		return h.handleError(c, err)
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	ctx, cancel := context.WithCancel(requestContext(c))
	logger := requestLogger(h.logger, c).With().Str("run_id", runID).Logger()
	keepAlive := h.keepAlive

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			cleanup()
			cancel()
		}()

		ticker := time.NewTicker(keepAlive / 2)
		defer ticker.Stop()

		for {
			select {
			case snapshot, ok := <-updates:
				if !ok {
					if err := writeStreamEnd(w); err != nil {
						logger.Debug().Err(err).Msg("failed to write experiment end event")
					}
					return
				}
				if err := writeSnapshotEvent(w, snapshot); err != nil {
					logger.Debug().Err(err).Msg("failed to write experiment snapshot")
					return
				}
			case <-ticker.C:
				if err := writeKeepAlive(w); err != nil {
					logger.Debug().Err(err).Msg("failed to write experiment keepalive")
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})

	return nil
}

func (h *ExperimentHandler) handleConnection(conn *websocket.Conn) {
	runID, _ := conn.Locals("run_id").(string)
	if runID == "" {
		closeWebsocket(conn, websocket.ClosePolicyViolation, "run_id required")
		return
	}

	updates, cleanup, err := h.service.Subscribe(runID)
	if err != nil {
		closeWebsocket(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}
	defer cleanup()

	logger := h.logger.With().Str("run_id", runID).Logger()
	logger.Info().Msg("experiment websocket connected")
	defer logger.Info().Msg("experiment websocket disconnected")

	// Client messages are ignored; reading only detects the disconnect.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case snapshot, ok := <-updates:
			if !ok {
				closeWebsocket(conn, websocket.CloseNormalClosure, "experiment finished")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(websocketWriteWait))
			if err := conn.WriteJSON(snapshot); err != nil {
				logger.Debug().Err(err).Msg("failed to write experiment snapshot")
				return
			}
		case <-gone:
			return
		}
	}
}

func (h *ExperimentHandler) handleError(c *fiber.Ctx, err error) error {
	var remote *modules.RemoteError
	switch {
	case isValidationError(err):
		return utils.SendValidationError(c, err)
	case errors.Is(err, service.ErrRunNotFound),
		errors.Is(err, service.ErrExerciseNotFound),
		errors.Is(err, service.ErrSubmissionNotFound),
		errors.Is(err, modules.ErrModuleNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, experiment.ErrInvalidDescriptor):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, experiment.ErrUnsupportedMode):
		return utils.SendError(c, fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrRemoteRun):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.As(err, &remote):
		return utils.SendError(c, fiber.StatusBadGateway, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("experiment request failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}

func writeSnapshotEvent(w *bufio.Writer, snapshot experiment.Snapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "id: %d\nevent: snapshot\n", snapshot.Version); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}

func writeStreamEnd(w *bufio.Writer) error {
	if _, err := fmt.Fprint(w, "event: end\ndata: {}\n\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeKeepAlive(w *bufio.Writer) error {
	if _, err := fmt.Fprintf(w, ": keep-alive %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return w.Flush()
}

func closeWebsocket(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(websocketWriteWait))
	_ = conn.Close()
}
