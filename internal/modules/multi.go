package modules

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/noah-isme/feedback-playground-api/internal/models"
)

// NamedClient pairs a client with the module name used in logs.
type NamedClient struct {
	Name   string
	Client Client
}

// Multi fans submissions and tutor feedback out to several modules while
// selection and suggestions come from the primary module only. Only failures
// of the primary are reported to the caller.
type Multi struct {
	primary Client
	others  []NamedClient
	logger  zerolog.Logger
}

// NewMulti builds a fan-out client.
func NewMulti(primary Client, others []NamedClient, logger zerolog.Logger) *Multi {
	return &Multi{
		primary: primary,
		others:  others,
		logger:  logger.With().Str("component", "module_multi").Logger(),
	}
}

func (m *Multi) SendSubmissions(ctx context.Context, exercise models.Exercise, submissions []models.Submission) error {
	if err := m.primary.SendSubmissions(ctx, exercise, submissions); err != nil {
		return err
	}
	for _, other := range m.others {
		if err := other.Client.SendSubmissions(ctx, exercise, submissions); err != nil {
			m.logger.Warn().Err(err).Str("module", other.Name).Uint("exercise_id", exercise.ID).Msg("secondary module rejected submissions")
		}
	}
	return nil
}

func (m *Multi) SendFeedbacks(ctx context.Context, exercise models.Exercise, submission models.Submission, feedbacks []models.Feedback) error {
	if err := m.primary.SendFeedbacks(ctx, exercise, submission, feedbacks); err != nil {
		return err
	}
	for _, other := range m.others {
		if err := other.Client.SendFeedbacks(ctx, exercise, submission, feedbacks); err != nil {
			m.logger.Warn().Err(err).Str("module", other.Name).Uint("submission_id", submission.ID).Msg("secondary module rejected feedback")
		}
	}
	return nil
}

func (m *Multi) SelectSubmission(ctx context.Context, exercise models.Exercise, candidates []models.Submission) (int, error) {
	return m.primary.SelectSubmission(ctx, exercise, candidates)
}

func (m *Multi) GenerateSuggestions(ctx context.Context, exercise models.Exercise, submission models.Submission) (Suggestions, error) {
	return m.primary.GenerateSuggestions(ctx, exercise, submission)
}
