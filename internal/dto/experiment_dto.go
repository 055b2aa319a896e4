package dto

import (
	"time"

	"github.com/noah-isme/feedback-playground-api/internal/experiment"
	"github.com/noah-isme/feedback-playground-api/internal/models"
	"github.com/noah-isme/feedback-playground-api/internal/modules"
)

// ExperimentCreateRequest describes a batch experiment run. Omitting
// training_submission_ids skips the training phase, an empty list keeps it.
type ExperimentCreateRequest struct {
	ExerciseID              uint             `json:"exercise_id" validate:"required,gt=0"`
	Module                  modules.Module   `json:"module"`
	AdditionalModules       []modules.Module `json:"additional_modules" validate:"omitempty,max=8,dive"`
	TrainingSubmissionIDs   []uint           `json:"training_submission_ids" validate:"omitempty,dive,gt=0"`
	EvaluationSubmissionIDs []uint           `json:"evaluation_submission_ids" validate:"required,min=1,dive,gt=0"`
	ExecutionMode           string           `json:"execution_mode" validate:"omitempty,oneof=batch interactive"`
	AutoStart               *bool            `json:"auto_start"`
}

// ShouldStart reports whether the run starts right after creation.
func (r ExperimentCreateRequest) ShouldStart() bool {
	return r.AutoStart == nil || *r.AutoStart
}

// Mode defaults the execution mode to batch.
func (r ExperimentCreateRequest) Mode() experiment.ExecutionMode {
	if r.ExecutionMode == "" {
		return experiment.ModeBatch
	}
	return experiment.ExecutionMode(r.ExecutionMode)
}

// ExperimentResponse is the view of one tracked run.
type ExperimentResponse struct {
	RunID             string              `json:"run_id"`
	ExerciseID        uint                `json:"exercise_id"`
	Module            string              `json:"module"`
	AdditionalModules []string            `json:"additional_modules"`
	Training          int                 `json:"training_submissions"`
	Evaluation        int                 `json:"evaluation_submissions"`
	CreatedAt         time.Time           `json:"created_at"`
	State             experiment.Snapshot `json:"state"`
}

// ExerciseSubmissionsResponse lists the submissions of an exercise together
// with the number of tutor feedback items per submission.
type ExerciseSubmissionsResponse struct {
	Exercise      models.Exercise     `json:"exercise"`
	Submissions   []models.Submission `json:"submissions"`
	FeedbackCount map[uint]int        `json:"feedback_count"`
}
