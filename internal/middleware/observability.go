package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/feedback-playground-api/internal/observability"
)

const apiPrefix = "/api/"

// requestScope describes what an API request acted on.
type requestScope struct {
	resource  string
	transport string
	ids       map[string]string
}

// Observability records Prometheus metrics and a structured log line for every
// API request. Experiment streams are counted per transport and kept out of the
// latency histogram, since only their handshake passes through here.
func Observability(logger zerolog.Logger) fiber.Handler {
	observability.RegisterMetrics()

	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		duration := time.Since(start)

		if !strings.HasPrefix(c.Path(), apiPrefix) {
			return err
		}

		route := routeTemplate(c)
		method := c.Method()
		status := c.Response().StatusCode()
		statusLabel := strconv.Itoa(status)
		scope := scopeOf(c, route)

		observability.APIRequests().WithLabelValues(method, route, statusLabel).Inc()
		if status >= fiber.StatusBadRequest {
			observability.APIErrors().WithLabelValues(method, route, statusLabel).Inc()
		}
		if scope.transport != "" {
			observability.StreamSessions().WithLabelValues(scope.transport, statusLabel).Inc()
		} else {
			observability.APILatency().WithLabelValues(method, route).Observe(duration.Seconds())
		}

		fields := logger.With().
			Str("correlation_id", GetCorrelationID(c)).
			Str("resource", scope.resource).
			Str("route", route).
			Str("method", method).
			Int("status", status)
		for key, value := range scope.ids {
			fields = fields.Str(key, value)
		}
		if scope.transport != "" {
			fields = fields.Str("transport", scope.transport)
		} else {
			fields = fields.
				Float64("latency_ms", float64(duration)/float64(time.Millisecond)).
				Str("latency_bucket", latencyBucket(duration))
		}
		requestLogger := fields.Logger()

		switch {
		case status >= fiber.StatusInternalServerError:
			requestLogger.Error().Msg("request failed")
		case status >= fiber.StatusBadRequest:
			requestLogger.Warn().Msg("request completed with client error")
		case scope.transport != "":
			requestLogger.Info().Msg("experiment stream opened")
		default:
			requestLogger.Info().Msg("request completed")
		}

		return err
	}
}

func routeTemplate(c *fiber.Ctx) string {
	if c.Route() != nil && c.Route().Path != "" {
		return c.Route().Path
	}
	return c.Path()
}

// scopeOf derives the resource group from the route template, for example
// "experiments" for /api/v1/experiments/:id, and picks up the identifiers the
// playground logs by.
func scopeOf(c *fiber.Ctx, route string) requestScope {
	scope := requestScope{resource: "other", ids: map[string]string{}}

	segments := strings.Split(strings.Trim(strings.TrimPrefix(route, apiPrefix), "/"), "/")
	if len(segments) > 1 && strings.HasPrefix(segments[0], "v") {
		segments = segments[1:]
	}
	if len(segments) > 0 && segments[0] != "" && !strings.HasPrefix(segments[0], ":") {
		scope.resource = segments[0]
	}

	switch scope.resource {
	case "experiments":
		if id := c.Params("id"); id != "" {
			scope.ids["run_id"] = id
		}
		switch segments[len(segments)-1] {
		case "stream":
			scope.transport = "sse"
		case "ws":
			scope.transport = "websocket"
		}
	case "exercises":
		if id := c.Params("id"); id != "" {
			scope.ids["exercise_id"] = id
		}
	case "modules":
		if name := c.Params("name"); name != "" {
			scope.ids["module"] = c.Params("type") + "/" + name
		}
	case "expert-evaluations":
		if id := c.Params("configId"); id != "" {
			scope.ids["config_id"] = id
		}
		if id := c.Params("expertId"); id != "" {
			scope.ids["expert_id"] = id
		}
	}
	return scope
}

func latencyBucket(duration time.Duration) string {
	switch {
	case duration <= 25*time.Millisecond:
		return "<=25ms"
	case duration <= 100*time.Millisecond:
		return "<=100ms"
	case duration <= 500*time.Millisecond:
		return "<=500ms"
	case duration <= 2*time.Second:
		return "<=2s"
	default:
		return ">2s"
	}
}
