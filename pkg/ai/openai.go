package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	aiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "playground",
		Subsystem: "ai",
		Name:      "suggestion_duration_seconds",
		Help:      "Duration of AI feedback suggestion requests",
	}, []string{"model"})

	aiFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "playground",
		Subsystem: "ai",
		Name:      "suggestion_failures_total",
		Help:      "Number of AI feedback suggestion failures",
	}, []string{"model"})
)

const maxExamples = 5

// OpenAIConfig defines configuration options for the OpenAI suggestion generator.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	// BaseURL overrides the API endpoint, e.g. for a compatible proxy.
	BaseURL string
	Logger  zerolog.Logger
}

// OpenAISuggester implements SuggestionGenerator against the OpenAI chat completion API.
type OpenAISuggester struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAISuggester builds a new generator using the provided configuration.
func NewOpenAISuggester(cfg OpenAIConfig) (*OpenAISuggester, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}

	tracer := otel.Tracer("github.com/noah-isme/feedback-playground-api/pkg/ai/openai")
	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	client := openai.NewClientWithConfig(config)

	return &OpenAISuggester{
		client: client,
		cfg:    cfg,
		tracer: tracer,
		logger: logger,
	}, nil
}

// Suggest sends the suggestion request to OpenAI and parses the response.
func (s *OpenAISuggester) Suggest(parent context.Context, input SuggestionInput) (SuggestionResult, error) {
	ctx, span := s.tracer.Start(parent, "openai.suggest", trace.WithAttributes(
		attribute.String("model", s.cfg.Model),
		attribute.Int("examples", len(input.Examples)),
	))
	defer span.End()

	start := time.Now()
	request := openai.ChatCompletionRequest{
		Model:       s.cfg.Model,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: suggestionSystemPrompt(),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildUserPrompt(input),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	resp, err := s.client.CreateChatCompletion(ctx, request)
	aiDuration.WithLabelValues(s.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		return SuggestionResult{}, s.fail(span, fmt.Errorf("openai suggest: %w", err))
	}

	if len(resp.Choices) == 0 {
		return SuggestionResult{}, s.fail(span, fmt.Errorf("no choices returned from openai"))
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	suggestions, err := parseSuggestionResponse(content, input.MaxPoints)
	if err != nil {
		return SuggestionResult{}, s.fail(span, err)
	}

	span.SetAttributes(attribute.Int("suggestions", len(suggestions)))
	return SuggestionResult{
		Suggestions: suggestions,
		Model:       s.cfg.Model,
		Usage: map[string]interface{}{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
	}, nil
}

func (s *OpenAISuggester) fail(span trace.Span, err error) error {
	aiFailures.WithLabelValues(s.cfg.Model).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.logger.Warn().Err(err).Str("model", s.cfg.Model).Msg("suggestion request failed")
	return err
}

func suggestionSystemPrompt() string {
	return "You are a tutor grading student submissions. Respond with a JSON object containing a feedbacks array. Each item has " +
		"title, description and credits. Credits may be negative for deductions. Follow the grading instructions and the style of the tutor examples."
}

func buildUserPrompt(input SuggestionInput) string {
	builder := strings.Builder{}
	builder.WriteString("# Exercise\n")
	builder.WriteString(input.ExerciseTitle)
	builder.WriteString(" (")
	builder.WriteString(input.ExerciseType)
	builder.WriteString(", max ")
	builder.WriteString(strconv.FormatFloat(input.MaxPoints, 'f', -1, 64))
	builder.WriteString(" points)")
	builder.WriteString("\n\n## Problem Statement\n")
	builder.WriteString(input.ProblemStatement)
	if input.GradingInstructions != "" {
		builder.WriteString("\n\n## Grading Instructions\n")
		builder.WriteString(input.GradingInstructions)
	}
	if input.ExampleSolution != "" {
		builder.WriteString("\n\n## Example Solution\n")
		builder.WriteString(input.ExampleSolution)
	}

	examples := input.Examples
	if len(examples) > maxExamples {
		examples = examples[len(examples)-maxExamples:]
	}
	for i, example := range examples {
		builder.WriteString(fmt.Sprintf("\n\n## Tutor Example %d\n### Submission\n", i+1))
		builder.WriteString(example.Submission)
		builder.WriteString("\n### Feedback\n")
		for _, feedback := range example.Feedbacks {
			builder.WriteString(fmt.Sprintf("- %s (%s credits): %s\n", feedback.Title, strconv.FormatFloat(feedback.Credits, 'f', -1, 64), feedback.Description))
		}
	}

	builder.WriteString("\n\n## Submission\n")
	builder.WriteString(input.Submission)
	builder.WriteString("\nReturn JSON.")
	return builder.String()
}

func parseSuggestionResponse(content string, maxPoints float64) ([]Suggestion, error) {
	type payload struct {
		Feedbacks []Suggestion `json:"feedbacks"`
	}

	var data payload
	if err := json.Unmarshal([]byte(content), &data); err != nil {
		return nil, fmt.Errorf("parse suggestion json: %w", err)
	}

	suggestions := make([]Suggestion, 0, len(data.Feedbacks))
	for _, item := range data.Feedbacks {
		item.Title = strings.TrimSpace(item.Title)
		item.Description = strings.TrimSpace(item.Description)
		if item.Description == "" {
			continue
		}
		if maxPoints > 0 && math.Abs(item.Credits) > maxPoints {
			item.Credits = math.Copysign(maxPoints, item.Credits)
		}
		suggestions = append(suggestions, item)
	}

	return suggestions, nil
}
