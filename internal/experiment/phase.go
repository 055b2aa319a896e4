package experiment

// Phase is a stage of a pipeline run. Phases only ever move forward.
type Phase string

const (
	PhaseNotStarted               Phase = "not_started"
	PhaseSendingSubmissions       Phase = "sending_submissions"
	PhaseSendingTrainingFeedbacks Phase = "sending_training_feedbacks"
	PhaseGeneratingSuggestions    Phase = "generating_suggestions"
	PhaseFinished                 Phase = "finished"
)

var phaseOrder = map[Phase]int{
	PhaseNotStarted:               0,
	PhaseSendingSubmissions:       1,
	PhaseSendingTrainingFeedbacks: 2,
	PhaseGeneratingSuggestions:    3,
	PhaseFinished:                 4,
}

// Rank returns the position of the phase in the pipeline, -1 for unknown phases.
func (p Phase) Rank() int {
	rank, ok := phaseOrder[p]
	if !ok {
		return -1
	}
	return rank
}

// Active reports whether a driver does work in this phase.
func (p Phase) Active() bool {
	switch p {
	case PhaseSendingSubmissions, PhaseSendingTrainingFeedbacks, PhaseGeneratingSuggestions:
		return true
	default:
		return false
	}
}

// Terminal reports whether the phase is final.
func (p Phase) Terminal() bool {
	return p == PhaseFinished
}

// ExecutionMode selects how an experiment is driven.
type ExecutionMode string

const (
	ModeBatch       ExecutionMode = "batch"
	ModeInteractive ExecutionMode = "interactive"
)
