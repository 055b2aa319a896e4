package ai

import "context"

// ExampleFeedback is one tutor feedback item shown to the model as a reference.
type ExampleFeedback struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Credits     float64 `json:"credits"`
}

// Example is a previously graded submission used for in-context learning.
type Example struct {
	Submission string            `json:"submission"`
	Feedbacks  []ExampleFeedback `json:"feedbacks"`
}

// SuggestionInput contains the exercise and submission the model should give feedback on.
type SuggestionInput struct {
	ExerciseTitle       string
	ExerciseType        string
	ProblemStatement    string
	GradingInstructions string
	ExampleSolution     string
	MaxPoints           float64
	Submission          string
	Examples            []Example
}

// Suggestion is a single feedback item proposed by the model.
type Suggestion struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Credits     float64 `json:"credits"`
}

// SuggestionResult is the structured answer returned by a generator.
type SuggestionResult struct {
	Suggestions []Suggestion           `json:"suggestions"`
	Model       string                 `json:"model"`
	Usage       map[string]interface{} `json:"usage,omitempty"`
}

// SuggestionGenerator describes an AI model capable of proposing feedback for a submission.
type SuggestionGenerator interface {
	Suggest(ctx context.Context, input SuggestionInput) (SuggestionResult, error)
}
