package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/feedback-playground-api/internal/models"
)

// EvaluationMetric is a likert metric experts rate feedback with.
type EvaluationMetric struct {
	ID          string `json:"id" validate:"required,max=64"`
	Title       string `json:"title" validate:"required,max=255"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
}

// ExpertEvaluationConfigRequest creates or updates an evaluation config.
// Exercises are stored as sent, apart from anonymisation.
type ExpertEvaluationConfigRequest struct {
	Name      string             `json:"name" validate:"required,max=255"`
	Type      string             `json:"type" validate:"required,oneof=text programming modeling"`
	Started   bool               `json:"started"`
	Metrics   []EvaluationMetric `json:"metrics" validate:"dive"`
	Exercises json.RawMessage    `json:"exercises"`
	ExpertIDs []string           `json:"expert_ids" validate:"dive,required,max=64"`
}

// ExpertEvaluationConfigResponse is the stored config.
type ExpertEvaluationConfigResponse struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Type         string             `json:"type"`
	Started      bool               `json:"started"`
	CreationDate time.Time          `json:"creation_date"`
	Metrics      []EvaluationMetric `json:"metrics"`
	Exercises    json.RawMessage    `json:"exercises"`
	ExpertIDs    []string           `json:"expert_ids"`
}

// NewExpertEvaluationConfigResponse converts the model.
func NewExpertEvaluationConfigResponse(config models.ExpertEvaluationConfig) (ExpertEvaluationConfigResponse, error) {
	response := ExpertEvaluationConfigResponse{
		ID:           config.ID,
		Name:         config.Name,
		Type:         config.Type,
		Started:      config.Started,
		CreationDate: config.CreationDate,
		Metrics:      []EvaluationMetric{},
		Exercises:    json.RawMessage("[]"),
		ExpertIDs:    []string{},
	}
	if len(config.Metrics) > 0 {
		if err := json.Unmarshal(config.Metrics, &response.Metrics); err != nil {
			return ExpertEvaluationConfigResponse{}, err
		}
	}
	if len(config.Exercises) > 0 {
		response.Exercises = json.RawMessage(config.Exercises)
	}
	if len(config.ExpertIDs) > 0 {
		if err := json.Unmarshal(config.ExpertIDs, &response.ExpertIDs); err != nil {
			return ExpertEvaluationConfigResponse{}, err
		}
	}
	return response, nil
}

// ExpertEvaluationProgressRequest saves where an expert left off.
// SelectedValues maps exercise id to submission id to feedback type to metric
// id to the chosen likert value.
type ExpertEvaluationProgressRequest struct {
	CurrentSubmissionIndex int                                             `json:"current_submission_index" validate:"gte=0"`
	CurrentExerciseIndex   int                                             `json:"current_exercise_index" validate:"gte=0"`
	SelectedValues         map[string]map[string]map[string]map[string]int `json:"selected_values"`
	HasStartedEvaluating   bool                                            `json:"has_started_evaluating"`
	IsFinishedEvaluating   bool                                            `json:"is_finished_evaluating"`
}

// ExpertEvaluationProgressResponse is the stored progress of one expert.
type ExpertEvaluationProgressResponse struct {
	ConfigID               string                                          `json:"config_id"`
	ExpertID               string                                          `json:"expert_id"`
	CurrentSubmissionIndex int                                             `json:"current_submission_index"`
	CurrentExerciseIndex   int                                             `json:"current_exercise_index"`
	SelectedValues         map[string]map[string]map[string]map[string]int `json:"selected_values"`
	HasStartedEvaluating   bool                                            `json:"has_started_evaluating"`
	IsFinishedEvaluating   bool                                            `json:"is_finished_evaluating"`
	UpdatedAt              time.Time                                       `json:"updated_at"`
}

// NewExpertEvaluationProgressResponse converts the model.
func NewExpertEvaluationProgressResponse(progress models.ExpertEvaluationProgress) (ExpertEvaluationProgressResponse, error) {
	response := ExpertEvaluationProgressResponse{
		ConfigID:               progress.ConfigID,
		ExpertID:               progress.ExpertID,
		CurrentSubmissionIndex: progress.CurrentSubmissionIndex,
		CurrentExerciseIndex:   progress.CurrentExerciseIndex,
		SelectedValues:         map[string]map[string]map[string]map[string]int{},
		HasStartedEvaluating:   progress.HasStartedEvaluating,
		IsFinishedEvaluating:   progress.IsFinishedEvaluating,
		UpdatedAt:              progress.UpdatedAt,
	}
	if len(progress.SelectedValues) > 0 {
		if err := json.Unmarshal(progress.SelectedValues, &response.SelectedValues); err != nil {
			return ExpertEvaluationProgressResponse{}, err
		}
	}
	return response, nil
}

// ExpertProgressStats summarises one expert.
type ExpertProgressStats struct {
	Evaluated int  `json:"evaluated"`
	Total     int  `json:"total"`
	Finished  bool `json:"finished"`
}

// ExpertEvaluationProgressStatsResponse summarises every expert of a config.
type ExpertEvaluationProgressStatsResponse struct {
	ConfigID         string                         `json:"config_id"`
	TotalSubmissions int                            `json:"total_submissions"`
	Experts          map[string]ExpertProgressStats `json:"experts"`
}
