package service

import (
	"context"
	"encoding/json"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/feedback-playground-api/internal/dto"
	"github.com/noah-isme/feedback-playground-api/internal/repository"
)

const evaluationExercises = `[
	{"id": 1, "title": "Essay", "submissions": [
		{"id": 10, "text": "a", "feedbacks": {"tutor": [{"title": "t"}], "llm": [{"title": "l"}], "cofee": []}},
		{"id": 11, "text": "b", "feedbacks": {"tutor": [], "llm": []}}
	]},
	{"id": 2, "title": "Report", "submissions": [{"id": 20, "text": "c"}]}
]`

func newExpertServiceForTest(t *testing.T) (ExpertEvaluationService, *miniredis.Miniredis) {
	t.Helper()
	mini, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mini.Close)

	db := setupServiceTestDB(t)
	svc := NewExpertEvaluationService(
		repository.NewExpertEvaluationRepository(db),
		redis.NewClient(&redis.Options{Addr: mini.Addr()}),
		0,
		nil,
		zerolog.Nop(),
	)
	return svc, mini
}

func configRequest() dto.ExpertEvaluationConfigRequest {
	return dto.ExpertEvaluationConfigRequest{
		Name:      "Text <i>study</i>",
		Type:      "text",
		Metrics:   []dto.EvaluationMetric{{ID: "m1", Title: "Accuracy", Summary: "Is it correct?"}},
		Exercises: json.RawMessage(evaluationExercises),
		ExpertIDs: []string{"alice"},
	}
}

func TestExpertEvaluationSaveAndGetConfig(t *testing.T) {
	svc, mini := newExpertServiceForTest(t)

	saved, err := svc.SaveConfig(context.Background(), "cfg-1", configRequest(), false)
	require.NoError(t, err)
	require.Equal(t, "Text study", saved.Name)
	require.False(t, saved.CreationDate.IsZero())
	require.JSONEq(t, evaluationExercises, string(saved.Exercises))
	require.True(t, mini.Exists(configCacheKey("cfg-1")))

	loaded, err := svc.GetConfig(context.Background(), "cfg-1")
	require.NoError(t, err)
	require.Equal(t, saved.Metrics, loaded.Metrics)
	require.Equal(t, []string{"alice"}, loaded.ExpertIDs)

	mini.FlushAll()
	fromDB, err := svc.GetConfig(context.Background(), "cfg-1")
	require.NoError(t, err)
	require.Equal(t, "Text study", fromDB.Name)

	_, err = svc.GetConfig(context.Background(), "missing")
	require.ErrorIs(t, err, ErrConfigNotFound)
}

func TestExpertEvaluationKeepsMetricTextVerbatim(t *testing.T) {
	svc, _ := newExpertServiceForTest(t)

	req := configRequest()
	req.Name = "Q&A <b>study</b>"
	req.Metrics = []dto.EvaluationMetric{{ID: "m1", Title: "Score > 3", Summary: "Doesn't use \"magic\" numbers"}}
	saved, err := svc.SaveConfig(context.Background(), "cfg-text", req, false)
	require.NoError(t, err)
	require.Equal(t, "Q&A study", saved.Name)
	require.Equal(t, "Score > 3", saved.Metrics[0].Title)
	require.Equal(t, `Doesn't use "magic" numbers`, saved.Metrics[0].Summary)

	req.Started = true
	started, err := svc.SaveConfig(context.Background(), "cfg-text", req, false)
	require.NoError(t, err)
	require.True(t, started.Started)

	_, err = svc.SaveConfig(context.Background(), "cfg-text", req, false)
	require.NoError(t, err)
}

func TestExpertEvaluationAnonymizesFeedbackTypes(t *testing.T) {
	svc, _ := newExpertServiceForTest(t)
	impl := svc.(*expertEvaluationService)
	impl.shuffle = func(n int, swap func(i, j int)) {
		for i := 0; i < n/2; i++ {
			swap(i, n-1-i)
		}
	}

	req := configRequest()
	req.Started = true
	saved, err := svc.SaveConfig(context.Background(), "cfg-anon", req, true)
	require.NoError(t, err)
	require.True(t, saved.Started)

	var exercises []struct {
		ID          int `json:"id"`
		Submissions []struct {
			ID        int                        `json:"id"`
			Text      string                     `json:"text"`
			Feedbacks map[string]json.RawMessage `json:"feedbacks"`
		} `json:"submissions"`
	}
	require.NoError(t, json.Unmarshal(saved.Exercises, &exercises))
	require.Len(t, exercises, 2)

	first := exercises[0].Submissions[0]
	require.Equal(t, "a", first.Text)
	require.Len(t, first.Feedbacks, 3)
	require.NotContains(t, first.Feedbacks, "tutor")
	require.JSONEq(t, `[{"title":"t"}]`, string(first.Feedbacks["feedback_1"]), "sorted then reversed: tutor, llm, cofee")
	require.JSONEq(t, `[{"title":"l"}]`, string(first.Feedbacks["feedback_2"]))
	require.Empty(t, exercises[1].Submissions[0].Feedbacks)

	stored, err := impl.repo.GetConfig(context.Background(), "cfg-anon")
	require.NoError(t, err)
	var mapping map[string]map[string]map[string]string
	require.NoError(t, json.Unmarshal(stored.FeedbackTypeMapping, &mapping))
	require.Equal(t, "tutor", mapping["1"]["10"]["feedback_1"])
	require.Equal(t, "cofee", mapping["1"]["10"]["feedback_3"])

	encoded, err := json.Marshal(stored)
	require.NoError(t, err)
	require.NotContains(t, string(encoded), "tutor\"", "mapping is never serialised")
}

func TestExpertEvaluationStartedConfigOnlyAcceptsExpertChanges(t *testing.T) {
	svc, _ := newExpertServiceForTest(t)

	req := configRequest()
	req.Started = true
	_, err := svc.SaveConfig(context.Background(), "cfg-2", req, false)
	require.NoError(t, err)

	req.ExpertIDs = []string{"alice", "bob"}
	req.Exercises = json.RawMessage(`[]`)
	updated, err := svc.SaveConfig(context.Background(), "cfg-2", req, false)
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, updated.ExpertIDs)
	require.JSONEq(t, evaluationExercises, string(updated.Exercises), "exercises are frozen once started")

	renamed := req
	renamed.Name = "Another study"
	_, err = svc.SaveConfig(context.Background(), "cfg-2", renamed, false)
	require.ErrorIs(t, err, ErrConfigLocked)

	_, err = svc.SaveConfig(context.Background(), "cfg-2", req, true)
	require.ErrorIs(t, err, ErrConfigLocked)

	stopped := req
	stopped.Started = false
	_, err = svc.SaveConfig(context.Background(), "cfg-2", stopped, false)
	require.ErrorIs(t, err, ErrConfigLocked)
}

func TestExpertEvaluationRejectsInvalidInput(t *testing.T) {
	svc, _ := newExpertServiceForTest(t)

	req := configRequest()
	req.Exercises = json.RawMessage(`{"not":"a list"}`)
	_, err := svc.SaveConfig(context.Background(), "cfg-3", req, false)
	require.ErrorIs(t, err, ErrInvalidExercises)

	req = configRequest()
	req.Type = "audio"
	_, err = svc.SaveConfig(context.Background(), "cfg-3", req, false)
	require.Error(t, err)
}

func TestExpertEvaluationProgressAndStats(t *testing.T) {
	svc, _ := newExpertServiceForTest(t)
	ctx := context.Background()

	req := configRequest()
	req.ExpertIDs = []string{"alice", "bob"}
	_, err := svc.SaveConfig(ctx, "cfg-4", req, false)
	require.NoError(t, err)

	_, err = svc.GetProgress(ctx, "cfg-4", "alice")
	require.ErrorIs(t, err, ErrProgressNotFound)

	_, err = svc.SaveProgress(ctx, "missing", "alice", dto.ExpertEvaluationProgressRequest{})
	require.ErrorIs(t, err, ErrConfigNotFound)

	saved, err := svc.SaveProgress(ctx, "cfg-4", "alice", dto.ExpertEvaluationProgressRequest{
		CurrentSubmissionIndex: 1,
		SelectedValues: map[string]map[string]map[string]map[string]int{
			"1": {
				"10": {"feedback_1": {"m1": 4}},
				"11": {},
			},
		},
		HasStartedEvaluating: true,
	})
	require.NoError(t, err)
	require.Equal(t, 1, saved.CurrentSubmissionIndex)

	loaded, err := svc.GetProgress(ctx, "cfg-4", "alice")
	require.NoError(t, err)
	require.Equal(t, 4, loaded.SelectedValues["1"]["10"]["feedback_1"]["m1"])
	require.True(t, loaded.HasStartedEvaluating)

	_, err = svc.SaveProgress(ctx, "cfg-4", "alice", dto.ExpertEvaluationProgressRequest{CurrentSubmissionIndex: -1})
	require.Error(t, err)

	stats, err := svc.ProgressStats(ctx, "cfg-4")
	require.NoError(t, err)
	require.Equal(t, 3, stats.TotalSubmissions)
	require.Equal(t, dto.ExpertProgressStats{Evaluated: 1, Total: 3}, stats.Experts["alice"])
	require.Equal(t, dto.ExpertProgressStats{Evaluated: 0, Total: 3}, stats.Experts["bob"])
}
