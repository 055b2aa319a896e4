package models

import (
	"time"

	"gorm.io/datatypes"
)

// ExpertEvaluationConfig describes a multi-session expert evaluation of
// module feedback. Metrics, exercises and expert ids are stored as JSON.
type ExpertEvaluationConfig struct {
	ID           string         `gorm:"primaryKey;size:64" json:"id"`
	Name         string         `gorm:"size:255;not null" json:"name"`
	Type         string         `gorm:"size:32" json:"type"`
	Started      bool           `gorm:"not null;default:false" json:"started"`
	CreationDate time.Time      `json:"creation_date"`
	Metrics      datatypes.JSON `json:"metrics"`
	Exercises    datatypes.JSON `json:"exercises"`
	ExpertIDs    datatypes.JSON `json:"expert_ids"`
	// FeedbackTypeMapping maps anonymised feedback type labels back to the
	// original type per submission. It is never sent to experts.
	FeedbackTypeMapping datatypes.JSON `json:"-"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// ExpertEvaluationProgress stores where an expert left off in an evaluation.
type ExpertEvaluationProgress struct {
	ConfigID               string         `gorm:"primaryKey;size:64" json:"config_id"`
	ExpertID               string         `gorm:"primaryKey;size:64" json:"expert_id"`
	CurrentExerciseIndex   int            `json:"current_exercise_index"`
	CurrentSubmissionIndex int            `json:"current_submission_index"`
	SelectedValues         datatypes.JSON `json:"selected_values"`
	HasStartedEvaluating   bool           `json:"has_started_evaluating"`
	IsFinishedEvaluating   bool           `json:"is_finished_evaluating"`
	UpdatedAt              time.Time      `json:"updated_at"`
}
