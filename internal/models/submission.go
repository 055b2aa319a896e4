package models

import (
	"time"

	"gorm.io/datatypes"
)

// Submission is a student artifact belonging to an exercise. Which content
// field is populated depends on the exercise type.
type Submission struct {
	ID            uint              `gorm:"primaryKey" json:"id"`
	ExerciseID    uint              `gorm:"not null;index" json:"exercise_id"`
	Text          string            `gorm:"type:text" json:"text,omitempty"`
	Language      string            `gorm:"size:32" json:"language,omitempty"`
	RepositoryURL string            `gorm:"size:512" json:"repository_url,omitempty"`
	Model         string            `gorm:"type:text" json:"model,omitempty"`
	Meta          datatypes.JSONMap `json:"meta"`
	CreatedAt     time.Time         `json:"-"`
	UpdatedAt     time.Time         `json:"-"`
}

// Content returns the graded artifact regardless of exercise type.
func (s Submission) Content() string {
	switch {
	case s.Text != "":
		return s.Text
	case s.Model != "":
		return s.Model
	default:
		return s.RepositoryURL
	}
}
