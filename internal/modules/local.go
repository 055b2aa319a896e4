package modules

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/noah-isme/feedback-playground-api/internal/models"
	"github.com/noah-isme/feedback-playground-api/pkg/ai"
)

// Local exposes an in-process suggestion generator as a module. Tutor feedback
// it receives is kept per exercise and submission and passed to the generator
// as examples. Suggestions are only generated for submissions that were sent
// beforehand. A Local holds the state of a single run; the registry builds a
// new one for every run.
type Local struct {
	generator ai.SuggestionGenerator

	mu          sync.RWMutex
	submissions map[uint]map[uint]models.Submission
	examples    map[uint]map[uint]ai.Example
}

// NewLocal wraps a generator.
func NewLocal(generator ai.SuggestionGenerator) *Local {
	return &Local{
		generator:   generator,
		submissions: make(map[uint]map[uint]models.Submission),
		examples:    make(map[uint]map[uint]ai.Example),
	}
}

func (l *Local) SendSubmissions(_ context.Context, exercise models.Exercise, submissions []models.Submission) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored, ok := l.submissions[exercise.ID]
	if !ok {
		stored = make(map[uint]models.Submission, len(submissions))
		l.submissions[exercise.ID] = stored
	}
	for _, submission := range submissions {
		stored[submission.ID] = submission
	}
	return nil
}

func (l *Local) SendFeedbacks(_ context.Context, exercise models.Exercise, submission models.Submission, feedbacks []models.Feedback) error {
	example := ai.Example{Submission: submission.Content()}
	for _, feedback := range feedbacks {
		example.Feedbacks = append(example.Feedbacks, ai.ExampleFeedback{
			Title:       feedback.Title,
			Description: feedback.Description,
			Credits:     feedback.Credits,
		})
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	stored, ok := l.examples[exercise.ID]
	if !ok {
		stored = make(map[uint]ai.Example)
		l.examples[exercise.ID] = stored
	}
	stored[submission.ID] = example
	return nil
}

// SelectSubmission never expresses a preference.
func (l *Local) SelectSubmission(context.Context, models.Exercise, []models.Submission) (int, error) {
	return NoPreference, nil
}

func (l *Local) GenerateSuggestions(ctx context.Context, exercise models.Exercise, submission models.Submission) (Suggestions, error) {
	if l.generator == nil {
		return Suggestions{}, fmt.Errorf("local module has no generator")
	}

	l.mu.RLock()
	_, known := l.submissions[exercise.ID][submission.ID]
	examples := l.examplesFor(exercise.ID)
	l.mu.RUnlock()
	if !known {
		return Suggestions{}, fmt.Errorf("submission %d was not sent to the local module", submission.ID)
	}

	result, err := l.generator.Suggest(ctx, ai.SuggestionInput{
		ExerciseTitle:       exercise.Title,
		ExerciseType:        string(exercise.Type),
		ProblemStatement:    exercise.ProblemStatement,
		GradingInstructions: exercise.GradingInstructions,
		ExampleSolution:     exercise.ExampleSolution,
		MaxPoints:           exercise.MaxPoints,
		Submission:          submission.Content(),
		Examples:            examples,
	})
	if err != nil {
		return Suggestions{}, err
	}

	feedbacks := make([]models.Feedback, 0, len(result.Suggestions))
	for _, suggestion := range result.Suggestions {
		feedbacks = append(feedbacks, models.Feedback{
			ExerciseID:   exercise.ID,
			SubmissionID: submission.ID,
			Title:        suggestion.Title,
			Description:  suggestion.Description,
			Credits:      suggestion.Credits,
			IsSuggestion: true,
		})
	}

	return Suggestions{
		Feedbacks: feedbacks,
		Meta: map[string]any{
			"model":    result.Model,
			"usage":    result.Usage,
			"examples": len(examples),
		},
	}, nil
}

// examplesFor returns the examples of an exercise ordered by submission id.
// Callers hold l.mu.
func (l *Local) examplesFor(exerciseID uint) []ai.Example {
	stored := l.examples[exerciseID]
	ids := make([]uint, 0, len(stored))
	for id := range stored {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	examples := make([]ai.Example, 0, len(ids))
	for _, id := range ids {
		examples = append(examples, stored[id])
	}
	return examples
}
