package experiment

import (
	"time"

	"github.com/noah-isme/feedback-playground-api/internal/models"
	"github.com/noah-isme/feedback-playground-api/internal/modules"
)

// SuggestionResult holds what a module returned for one evaluation submission.
type SuggestionResult struct {
	Suggestions []models.Feedback `json:"suggestions"`
	Meta        map[string]any    `json:"meta"`
}

// RequestStatus mirrors the loading and error state of one remote operation.
type RequestStatus struct {
	InFlight  bool   `json:"in_flight"`
	Calls     int    `json:"calls"`
	Failures  int    `json:"failures"`
	LastError string `json:"last_error,omitempty"`
}

// Progress counts attempted items within the active phase.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Snapshot is a read-only copy of a run's state handed to observers.
type Snapshot struct {
	RunID                string                              `json:"run_id"`
	ExerciseID           uint                                `json:"exercise_id"`
	Phase                Phase                               `json:"phase"`
	SubmissionsSent      bool                                `json:"submissions_sent"`
	TrainingFeedbackSent []uint                              `json:"training_feedback_sent"`
	Suggestions          map[uint]SuggestionResult           `json:"suggestions"`
	Halted               bool                                `json:"halted"`
	HaltReason           string                              `json:"halt_reason,omitempty"`
	Discarded            bool                                `json:"discarded"`
	Progress             Progress                            `json:"progress"`
	Requests             map[modules.Operation]RequestStatus `json:"requests"`
	Version              uint64                              `json:"version"`
	UpdatedAt            time.Time                           `json:"updated_at"`
}

// Done reports whether the run will not change any more.
func (s Snapshot) Done() bool {
	return s.Phase.Terminal() || s.Halted || s.Discarded
}

// state is owned by the engine and only touched under its mutex.
type state struct {
	phase                Phase
	submissionsSent      bool
	trainingFeedbackSent []uint
	trainingSentSet      map[uint]struct{}
	suggestions          map[uint]SuggestionResult
	halted               bool
	haltReason           string
	discarded            bool
	progress             Progress
	requests             map[modules.Operation]RequestStatus
	version              uint64
	updatedAt            time.Time
}

func newState() state {
	requests := make(map[modules.Operation]RequestStatus, len(modules.Operations))
	for _, op := range modules.Operations {
		requests[op] = RequestStatus{}
	}
	return state{
		phase:                PhaseNotStarted,
		trainingFeedbackSent: []uint{},
		trainingSentSet:      make(map[uint]struct{}),
		suggestions:          make(map[uint]SuggestionResult),
		requests:             requests,
	}
}

func (s *state) markTrainingSent(id uint) bool {
	if _, ok := s.trainingSentSet[id]; ok {
		return false
	}
	s.trainingSentSet[id] = struct{}{}
	s.trainingFeedbackSent = append(s.trainingFeedbackSent, id)
	return true
}

func (s *state) recordSuggestions(id uint, result SuggestionResult) bool {
	if _, ok := s.suggestions[id]; ok {
		return false
	}
	s.suggestions[id] = result
	return true
}

func (s *state) snapshot(runID string, exerciseID uint) Snapshot {
	suggestions := make(map[uint]SuggestionResult, len(s.suggestions))
	for id, result := range s.suggestions {
		meta := make(map[string]any, len(result.Meta))
		for key, value := range result.Meta {
			meta[key] = value
		}
		suggestions[id] = SuggestionResult{
			Suggestions: append([]models.Feedback(nil), result.Suggestions...),
			Meta:        meta,
		}
	}

	requests := make(map[modules.Operation]RequestStatus, len(s.requests))
	for op, status := range s.requests {
		requests[op] = status
	}

	return Snapshot{
		RunID:                runID,
		ExerciseID:           exerciseID,
		Phase:                s.phase,
		SubmissionsSent:      s.submissionsSent,
		TrainingFeedbackSent: append([]uint{}, s.trainingFeedbackSent...),
		Suggestions:          suggestions,
		Halted:               s.halted,
		HaltReason:           s.haltReason,
		Discarded:            s.discarded,
		Progress:             s.progress,
		Requests:             requests,
		Version:              s.version,
		UpdatedAt:            s.updatedAt,
	}
}
