package modules

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/feedback-playground-api/internal/models"
	"github.com/noah-isme/feedback-playground-api/pkg/ai"
)

type countingClient struct {
	sendErr    error
	submitted  int
	feedbacks  int
	selections int
}

func (c *countingClient) SendSubmissions(context.Context, models.Exercise, []models.Submission) error {
	c.submitted++
	return c.sendErr
}

func (c *countingClient) SendFeedbacks(context.Context, models.Exercise, models.Submission, []models.Feedback) error {
	c.feedbacks++
	return c.sendErr
}

func (c *countingClient) SelectSubmission(context.Context, models.Exercise, []models.Submission) (int, error) {
	c.selections++
	return 42, nil
}

func (c *countingClient) GenerateSuggestions(context.Context, models.Exercise, models.Submission) (Suggestions, error) {
	return Suggestions{Meta: map[string]any{"source": "primary"}}, nil
}

func TestMultiIgnoresSecondaryFailures(t *testing.T) {
	primary := &countingClient{}
	secondary := &countingClient{sendErr: errors.New("down")}
	multi := NewMulti(primary, []NamedClient{{Name: "text/secondary", Client: secondary}}, zerolog.Nop())

	require.NoError(t, multi.SendSubmissions(context.Background(), models.Exercise{ID: 1}, nil))
	require.NoError(t, multi.SendFeedbacks(context.Background(), models.Exercise{ID: 1}, models.Submission{ID: 2}, nil))
	require.Equal(t, 1, secondary.submitted)
	require.Equal(t, 1, secondary.feedbacks)

	id, err := multi.SelectSubmission(context.Background(), models.Exercise{}, nil)
	require.NoError(t, err)
	require.Equal(t, 42, id)
	require.Equal(t, 0, secondary.selections)
}

func TestMultiSkipsSecondaryWhenPrimaryFails(t *testing.T) {
	primary := &countingClient{sendErr: errors.New("primary down")}
	secondary := &countingClient{}
	multi := NewMulti(primary, []NamedClient{{Name: "b", Client: secondary}}, zerolog.Nop())

	require.Error(t, multi.SendSubmissions(context.Background(), models.Exercise{ID: 1}, nil))
	require.Equal(t, 0, secondary.submitted)
}

type stubGenerator struct {
	inputs []ai.SuggestionInput
}

func (g *stubGenerator) Suggest(_ context.Context, input ai.SuggestionInput) (ai.SuggestionResult, error) {
	g.inputs = append(g.inputs, input)
	return ai.SuggestionResult{
		Model:       "stub",
		Suggestions: []ai.Suggestion{{Title: "Thesis", Description: "State the thesis earlier", Credits: 1}},
	}, nil
}

func TestLocalModuleUsesTutorFeedbackAsExamples(t *testing.T) {
	generator := &stubGenerator{}
	local := NewLocal(generator)
	exercise := models.Exercise{ID: 3, Title: "Essay", Type: models.ExerciseTypeText, MaxPoints: 10}
	training := models.Submission{ID: 1, ExerciseID: 3, Text: "training essay"}
	evaluation := models.Submission{ID: 2, ExerciseID: 3, Text: "evaluation essay"}

	_, err := local.GenerateSuggestions(context.Background(), exercise, evaluation)
	require.Error(t, err, "unknown submissions are rejected")

	require.NoError(t, local.SendSubmissions(context.Background(), exercise, []models.Submission{training, evaluation}))
	require.NoError(t, local.SendFeedbacks(context.Background(), exercise, training, []models.Feedback{{Title: "Good", Description: "Nice flow", Credits: 2}}))

	id, err := local.SelectSubmission(context.Background(), exercise, []models.Submission{evaluation})
	require.NoError(t, err)
	require.Equal(t, NoPreference, id)

	result, err := local.GenerateSuggestions(context.Background(), exercise, evaluation)
	require.NoError(t, err)
	require.Len(t, result.Feedbacks, 1)
	require.Equal(t, uint(2), result.Feedbacks[0].SubmissionID)
	require.True(t, result.Feedbacks[0].IsSuggestion)
	require.Equal(t, 1, result.Meta["examples"])

	require.Len(t, generator.inputs, 1)
	require.Equal(t, "evaluation essay", generator.inputs[0].Submission)
	require.Len(t, generator.inputs[0].Examples, 1)
	require.Equal(t, "training essay", generator.inputs[0].Examples[0].Submission)
}

func TestLocalModuleReplacesResentTutorFeedback(t *testing.T) {
	generator := &stubGenerator{}
	local := NewLocal(generator)
	exercise := models.Exercise{ID: 3, Type: models.ExerciseTypeText}
	first := models.Submission{ID: 5, ExerciseID: 3, Text: "second essay"}
	second := models.Submission{ID: 4, ExerciseID: 3, Text: "first essay"}
	evaluation := models.Submission{ID: 9, ExerciseID: 3, Text: "evaluation essay"}
	ctx := context.Background()

	require.NoError(t, local.SendSubmissions(ctx, exercise, []models.Submission{first, second, evaluation}))
	require.NoError(t, local.SendFeedbacks(ctx, exercise, first, []models.Feedback{{Title: "Old"}}))
	require.NoError(t, local.SendFeedbacks(ctx, exercise, first, []models.Feedback{{Title: "New"}}))
	require.NoError(t, local.SendFeedbacks(ctx, exercise, second, []models.Feedback{{Title: "Other"}}))

	_, err := local.GenerateSuggestions(ctx, exercise, evaluation)
	require.NoError(t, err)

	examples := generator.inputs[0].Examples
	require.Len(t, examples, 2)
	require.Equal(t, "first essay", examples[0].Submission)
	require.Equal(t, "second essay", examples[1].Submission)
	require.Equal(t, "New", examples[1].Feedbacks[0].Title)
}
