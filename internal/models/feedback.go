package models

import (
	"time"

	"gorm.io/datatypes"
)

// Feedback is a single feedback item. Tutor feedback is authored by humans,
// suggestions are produced by a module.
type Feedback struct {
	ID                             uint              `gorm:"primaryKey" json:"id"`
	ExerciseID                     uint              `gorm:"not null;index" json:"exercise_id"`
	SubmissionID                   uint              `gorm:"not null;index" json:"submission_id"`
	Title                          string            `gorm:"size:512" json:"title"`
	Description                    string            `gorm:"type:text" json:"description"`
	Credits                        float64           `json:"credits"`
	StructuredGradingInstructionID *uint             `json:"structured_grading_instruction_id,omitempty"`
	IsSuggestion                   bool              `gorm:"not null;default:false" json:"is_suggestion"`
	Meta                           datatypes.JSONMap `json:"meta"`
	CreatedAt                      time.Time         `json:"-"`
}
