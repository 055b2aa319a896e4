package experiment

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/feedback-playground-api/internal/models"
	"github.com/noah-isme/feedback-playground-api/internal/modules"
)

func candidates(ids ...uint) []models.Submission {
	submissions := make([]models.Submission, 0, len(ids))
	for _, id := range ids {
		submissions = append(submissions, models.Submission{ID: id, ExerciseID: 1})
	}
	return submissions
}

func TestSelectorPrefersRemoteChoice(t *testing.T) {
	client := &fakeClient{selectFn: func([]models.Submission) (int, error) { return 30, nil }}
	selector := NewSelector(client, func(int) int { return 0 }, zerolog.Nop())

	index, source := selector.Next(context.Background(), models.Exercise{ID: 1}, candidates(10, 20, 30))
	require.Equal(t, 2, index)
	require.Equal(t, SelectionRemote, source)
	require.False(t, source.Fallback())
}

func TestSelectorFallsBack(t *testing.T) {
	cases := []struct {
		name   string
		choose func([]models.Submission) (int, error)
		source SelectionSource
	}{
		{"remote error", func([]models.Submission) (int, error) { return 0, errors.New("boom") }, SelectionRemoteError},
		{"no preference", func([]models.Submission) (int, error) { return modules.NoPreference, nil }, SelectionNoPreference},
		{"unknown id", func([]models.Submission) (int, error) { return 99, nil }, SelectionUnknownID},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			selector := NewSelector(&fakeClient{selectFn: tc.choose}, func(n int) int { return n - 1 }, zerolog.Nop())
			index, source := selector.Next(context.Background(), models.Exercise{ID: 1}, candidates(1, 2, 3))
			require.Equal(t, 2, index)
			require.Equal(t, tc.source, source)
			require.True(t, source.Fallback())
		})
	}
}

func TestSelectorClampsOutOfRangeRandomIndex(t *testing.T) {
	selector := NewSelector(&fakeClient{}, func(int) int { return 17 }, zerolog.Nop())
	index, _ := selector.Next(context.Background(), models.Exercise{ID: 1}, candidates(1, 2))
	require.Equal(t, 0, index)
}

func TestSelectorFallbackIsUniform(t *testing.T) {
	const rounds = 6000
	selector := NewSelector(&fakeClient{selectFn: func([]models.Submission) (int, error) {
		return 0, errors.New("unavailable")
	}}, nil, zerolog.Nop())

	remaining := candidates(1, 2, 3)
	counts := make(map[int]int)
	for i := 0; i < rounds; i++ {
		index, source := selector.Next(context.Background(), models.Exercise{ID: 1}, remaining)
		require.Equal(t, SelectionRemoteError, source)
		counts[index]++
	}

	require.Len(t, counts, 3)
	expected := rounds / 3
	for index, count := range counts {
		require.InDeltaf(t, expected, count, float64(expected)*0.15, "index %d picked %d times", index, count)
	}
}
