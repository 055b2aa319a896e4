package models

import (
	"time"

	"gorm.io/datatypes"
)

// ExerciseType enumerates the artifact kinds a feedback module can grade.
type ExerciseType string

const (
	ExerciseTypeText        ExerciseType = "text"
	ExerciseTypeProgramming ExerciseType = "programming"
	ExerciseTypeModeling    ExerciseType = "modeling"
)

// Exercise is a graded exercise whose submissions are used in experiments.
type Exercise struct {
	ID                  uint              `gorm:"primaryKey" json:"id"`
	Title               string            `gorm:"size:255;not null" json:"title"`
	Type                ExerciseType      `gorm:"size:32;not null" json:"type"`
	MaxPoints           float64           `json:"max_points"`
	BonusPoints         float64           `json:"bonus_points"`
	GradingInstructions string            `gorm:"type:text" json:"grading_instructions,omitempty"`
	ProblemStatement    string            `gorm:"type:text" json:"problem_statement,omitempty"`
	ExampleSolution     string            `gorm:"type:text" json:"example_solution,omitempty"`
	Meta                datatypes.JSONMap `json:"meta"`
	CreatedAt           time.Time         `json:"-"`
	UpdatedAt           time.Time         `json:"-"`
}
