// Package modules talks to the feedback modules under experiment.
//
// A module is reached through the module manager, which proxies four
// operations (send submissions, send feedbacks, select a submission, generate
// feedback suggestions) to the named module. Clients are stateless per call:
// every request carries the exercise and all the context the module needs.
package modules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/noah-isme/feedback-playground-api/internal/models"
)

// NoPreference is returned by SelectSubmission when the module does not pick a submission.
const NoPreference = -1

// Operation names one of the remote module operations.
type Operation string

const (
	OpSendSubmissions     Operation = "send_submissions"
	OpSendFeedbacks       Operation = "send_feedbacks"
	OpSelectSubmission    Operation = "select_submission"
	OpGenerateSuggestions Operation = "generate_suggestions"
)

// Operations lists every remote operation in pipeline order.
var Operations = []Operation{OpSendSubmissions, OpSendFeedbacks, OpSelectSubmission, OpGenerateSuggestions}

// Module identifies a module and the configuration it should run with.
type Module struct {
	Type   string          `json:"type" validate:"required,oneof=text programming modeling"`
	Name   string          `json:"name" validate:"required,max=128"`
	Config json.RawMessage `json:"config,omitempty"`
}

func (m Module) String() string {
	return m.Type + "/" + m.Name
}

// Suggestions is the result of a feedback suggestion request.
type Suggestions struct {
	Feedbacks []models.Feedback `json:"suggestions"`
	Meta      map[string]any    `json:"meta"`
}

// Client performs the remote module operations used by the experiment pipeline.
type Client interface {
	SendSubmissions(ctx context.Context, exercise models.Exercise, submissions []models.Submission) error
	SendFeedbacks(ctx context.Context, exercise models.Exercise, submission models.Submission, feedbacks []models.Feedback) error
	SelectSubmission(ctx context.Context, exercise models.Exercise, candidates []models.Submission) (int, error)
	GenerateSuggestions(ctx context.Context, exercise models.Exercise, submission models.Submission) (Suggestions, error)
}

// RemoteError is returned when the module manager answers with a non-success status.
type RemoteError struct {
	Module  string
	Route   string
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("module %s %s returned status %d", e.Module, e.Route, e.Status)
	}
	return fmt.Sprintf("module %s %s returned status %d: %s", e.Module, e.Route, e.Status, e.Message)
}
