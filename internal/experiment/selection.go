package experiment

import (
	"context"
	"math/rand"

	"github.com/rs/zerolog"

	"github.com/noah-isme/feedback-playground-api/internal/models"
	"github.com/noah-isme/feedback-playground-api/internal/modules"
)

// SelectionSource records how the next evaluation submission was chosen.
type SelectionSource string

const (
	SelectionRemote       SelectionSource = "remote"
	SelectionRemoteError  SelectionSource = "remote_error"
	SelectionNoPreference SelectionSource = "no_preference"
	SelectionUnknownID    SelectionSource = "unknown_id"
)

// Fallback reports whether the choice was made locally.
func (s SelectionSource) Fallback() bool {
	return s != SelectionRemote
}

// Selector picks the next submission to generate suggestions for. The module
// is asked first; when it fails, has no preference, or names a submission that
// is not a candidate, a uniformly random candidate is used instead.
type Selector struct {
	client modules.Client
	intn   func(n int) int
	logger zerolog.Logger
}

// NewSelector builds a selector. A nil intn uses math/rand/v2.
func NewSelector(client modules.Client, intn func(n int) int, logger zerolog.Logger) *Selector {
	if intn == nil {
		intn = rand.Intn
	}
	return &Selector{client: client, intn: intn, logger: logger}
}

// Next returns the index into remaining of the submission to process next.
// remaining must not be empty.
func (s *Selector) Next(ctx context.Context, exercise models.Exercise, remaining []models.Submission) (int, SelectionSource) {
	chosen, err := s.client.SelectSubmission(ctx, exercise, remaining)
	if err != nil {
		s.logger.Warn().Err(err).Int("candidates", len(remaining)).Msg("select submission failed, falling back to random choice")
		return s.random(len(remaining)), SelectionRemoteError
	}
	if chosen == modules.NoPreference {
		return s.random(len(remaining)), SelectionNoPreference
	}
	for i, submission := range remaining {
		if int64(submission.ID) == int64(chosen) {
			return i, SelectionRemote
		}
	}
	s.logger.Warn().Int("selected", chosen).Msg("module selected a submission that is not a candidate")
	return s.random(len(remaining)), SelectionUnknownID
}

func (s *Selector) random(n int) int {
	i := s.intn(n)
	if i < 0 || i >= n {
		return 0
	}
	return i
}
