package modules

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/feedback-playground-api/internal/models"
	"github.com/noah-isme/feedback-playground-api/internal/observability"
)

const maxErrorBody = 2048

// HTTPConfig configures access to the module manager.
type HTTPConfig struct {
	BaseURL   string
	Secret    string
	ServerURL string
	Timeout   time.Duration
	Logger    zerolog.Logger
	// HTTPClient overrides the instrumented default client, mostly for tests.
	HTTPClient *http.Client
	// CorrelationID extracts the id forwarded as X-Correlation-ID.
	CorrelationID func(context.Context) string
}

// HTTPClient calls one module through the module manager.
type HTTPClient struct {
	cfg    HTTPConfig
	module Module
	http   *http.Client
	tracer trace.Tracer
	logger zerolog.Logger
}

// moduleResponse is the envelope the module manager wraps every answer in.
type moduleResponse struct {
	ModuleName string          `json:"module_name"`
	Status     int             `json:"status"`
	Data       json.RawMessage `json:"data"`
	Meta       map[string]any  `json:"meta"`
}

// NewHTTPClient builds a client bound to a single module.
func NewHTTPClient(cfg HTTPConfig, module Module) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("module manager url is required")
	}
	if module.Type == "" || module.Name == "" {
		return nil, fmt.Errorf("module type and name are required")
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = newInstrumentedHTTPClient(cfg.Timeout)
	}

	return &HTTPClient{
		cfg:    cfg,
		module: module,
		http:   httpClient,
		tracer: otel.Tracer("github.com/noah-isme/feedback-playground-api/internal/modules"),
		logger: cfg.Logger.With().Str("component", "module_client").Str("module", module.String()).Logger(),
	}, nil
}

func newInstrumentedHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

func (c *HTTPClient) SendSubmissions(ctx context.Context, exercise models.Exercise, submissions []models.Submission) error {
	payload := map[string]any{
		"exercise":    exercise,
		"submissions": submissions,
	}
	_, err := c.call(ctx, OpSendSubmissions, "submissions", payload)
	return err
}

func (c *HTTPClient) SendFeedbacks(ctx context.Context, exercise models.Exercise, submission models.Submission, feedbacks []models.Feedback) error {
	payload := map[string]any{
		"exercise":   exercise,
		"submission": submission,
		"feedbacks":  feedbacks,
	}
	_, err := c.call(ctx, OpSendFeedbacks, "feedbacks", payload)
	return err
}

func (c *HTTPClient) SelectSubmission(ctx context.Context, exercise models.Exercise, candidates []models.Submission) (int, error) {
	ids := make([]uint, 0, len(candidates))
	for _, candidate := range candidates {
		ids = append(ids, candidate.ID)
	}
	payload := map[string]any{
		"exercise":       exercise,
		"submission_ids": ids,
	}

	resp, err := c.call(ctx, OpSelectSubmission, "select_submission", payload)
	if err != nil {
		return NoPreference, err
	}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return NoPreference, nil
	}

	var selected int
	if err := json.Unmarshal(resp.Data, &selected); err != nil {
		return NoPreference, fmt.Errorf("decode selected submission: %w", err)
	}
	return selected, nil
}

func (c *HTTPClient) GenerateSuggestions(ctx context.Context, exercise models.Exercise, submission models.Submission) (Suggestions, error) {
	payload := map[string]any{
		"exercise":   exercise,
		"submission": submission,
	}

	resp, err := c.call(ctx, OpGenerateSuggestions, "feedback_suggestions", payload)
	if err != nil {
		return Suggestions{}, err
	}

	result := Suggestions{Feedbacks: []models.Feedback{}, Meta: resp.Meta}
	if len(resp.Data) > 0 && string(resp.Data) != "null" {
		if err := json.Unmarshal(resp.Data, &result.Feedbacks); err != nil {
			return Suggestions{}, fmt.Errorf("decode feedback suggestions: %w", err)
		}
	}
	for i := range result.Feedbacks {
		result.Feedbacks[i].IsSuggestion = true
	}
	if result.Meta == nil {
		result.Meta = map[string]any{}
	}
	return result, nil
}

func (c *HTTPClient) call(ctx context.Context, op Operation, route string, payload any) (moduleResponse, error) {
	ctx, span := c.tracer.Start(ctx, "module."+string(op), trace.WithAttributes(
		attribute.String("module.type", c.module.Type),
		attribute.String("module.name", c.module.Name),
	))
	defer span.End()

	start := time.Now()
	resp, err := c.do(ctx, route, payload)
	observability.ModuleRequestDuration().WithLabelValues(string(op)).Observe(time.Since(start).Seconds())

	if err != nil {
		observability.ModuleRequests().WithLabelValues(string(op), "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug().Err(err).Str("operation", string(op)).Msg("module call failed")
		return moduleResponse{}, err
	}

	observability.ModuleRequests().WithLabelValues(string(op), "success").Inc()
	return resp, nil
}

func (c *HTTPClient) do(ctx context.Context, route string, payload any) (moduleResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return moduleResponse{}, fmt.Errorf("encode %s payload: %w", route, err)
	}

	url := fmt.Sprintf("%s/modules/%s/%s/%s", c.cfg.BaseURL, c.module.Type, c.module.Name, route)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return moduleResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	res, err := c.http.Do(req)
	if err != nil {
		return moduleResponse{}, fmt.Errorf("call module %s %s: %w", c.module, route, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return moduleResponse{}, fmt.Errorf("read module %s %s response: %w", c.module, route, err)
	}

	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
		return moduleResponse{}, &RemoteError{
			Module:  c.module.String(),
			Route:   route,
			Status:  res.StatusCode,
			Message: errorMessage(raw),
		}
	}

	var envelope moduleResponse
	if len(bytes.TrimSpace(raw)) == 0 {
		return envelope, nil
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return moduleResponse{}, fmt.Errorf("decode module %s %s response: %w", c.module, route, err)
	}
	return envelope, nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.cfg.Secret != "" {
		req.Header.Set("Authorization", c.cfg.Secret)
	}
	if c.cfg.ServerURL != "" {
		req.Header.Set("X-Server-URL", c.cfg.ServerURL)
	}
	if len(c.module.Config) > 0 && string(c.module.Config) != "null" {
		req.Header.Set("X-Module-Config", string(c.module.Config))
	}
	if c.cfg.CorrelationID != nil {
		if id := c.cfg.CorrelationID(req.Context()); id != "" {
			req.Header.Set("X-Correlation-ID", id)
		}
	}
}

func errorMessage(raw []byte) string {
	var detail struct {
		Detail  any    `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &detail); err == nil {
		if detail.Message != "" {
			return detail.Message
		}
		if detail.Detail != nil {
			return fmt.Sprint(detail.Detail)
		}
	}
	message := strings.TrimSpace(string(raw))
	if len(message) > maxErrorBody {
		message = message[:maxErrorBody]
	}
	return message
}

// IsRemoteStatus reports whether err is a RemoteError carrying the given status.
func IsRemoteStatus(err error, status int) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && remote.Status == status
}
