package experiment

import (
	"errors"
	"fmt"

	"github.com/noah-isme/feedback-playground-api/internal/models"
)

// ErrInvalidDescriptor indicates the descriptor violates one of its invariants.
var ErrInvalidDescriptor = errors.New("invalid experiment descriptor")

// ErrUnsupportedMode indicates the engine was given a non-batch experiment.
var ErrUnsupportedMode = errors.New("only batch experiments can be executed by the pipeline")

// Descriptor is everything a run needs to know about an experiment. It must
// not be modified while a run is using it.
type Descriptor struct {
	Exercise models.Exercise
	// TrainingSubmissions is nil when the experiment has no training phase.
	TrainingSubmissions   []models.Submission
	EvaluationSubmissions []models.Submission
	// TutorFeedbacks maps a training submission id to its tutor feedback.
	TutorFeedbacks map[uint][]models.Feedback
	ExecutionMode  ExecutionMode
}

// Validate checks the descriptor invariants.
func (d Descriptor) Validate() error {
	if d.ExecutionMode != ModeBatch {
		return fmt.Errorf("%w: got %q", ErrUnsupportedMode, d.ExecutionMode)
	}
	if len(d.EvaluationSubmissions) == 0 {
		return fmt.Errorf("%w: no evaluation submissions", ErrInvalidDescriptor)
	}

	training := make(map[uint]struct{}, len(d.TrainingSubmissions))
	for _, submission := range d.TrainingSubmissions {
		if _, dup := training[submission.ID]; dup {
			return fmt.Errorf("%w: training submission %d listed twice", ErrInvalidDescriptor, submission.ID)
		}
		training[submission.ID] = struct{}{}
	}

	evaluation := make(map[uint]struct{}, len(d.EvaluationSubmissions))
	for _, submission := range d.EvaluationSubmissions {
		if _, dup := evaluation[submission.ID]; dup {
			return fmt.Errorf("%w: evaluation submission %d listed twice", ErrInvalidDescriptor, submission.ID)
		}
		evaluation[submission.ID] = struct{}{}
	}

	for submissionID := range d.TutorFeedbacks {
		if _, ok := training[submissionID]; !ok {
			return fmt.Errorf("%w: tutor feedback references submission %d which is not a training submission", ErrInvalidDescriptor, submissionID)
		}
	}
	return nil
}

// allSubmissions returns training followed by evaluation submissions.
func (d Descriptor) allSubmissions() []models.Submission {
	all := make([]models.Submission, 0, len(d.TrainingSubmissions)+len(d.EvaluationSubmissions))
	all = append(all, d.TrainingSubmissions...)
	return append(all, d.EvaluationSubmissions...)
}
