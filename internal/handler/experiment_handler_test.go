package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	gorillaws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/feedback-playground-api/internal/dto"
	"github.com/noah-isme/feedback-playground-api/internal/experiment"
	"github.com/noah-isme/feedback-playground-api/internal/handler"
	"github.com/noah-isme/feedback-playground-api/internal/models"
	"github.com/noah-isme/feedback-playground-api/internal/modules"
	"github.com/noah-isme/feedback-playground-api/internal/service"
)

type stubExperimentService struct {
	createErr  error
	created    dto.ExperimentCreateRequest
	runs       map[string]dto.ExperimentResponse
	started    bool
	discardErr error
	snapshots  []experiment.Snapshot
	exercise   dto.ExerciseSubmissionsResponse
}

func (s *stubExperimentService) Create(_ context.Context, req dto.ExperimentCreateRequest) (dto.ExperimentResponse, error) {
	s.created = req
	if s.createErr != nil {
		return dto.ExperimentResponse{}, s.createErr
	}
	return s.runs["run-1"], nil
}

func (s *stubExperimentService) Get(runID string) (dto.ExperimentResponse, error) {
	response, ok := s.runs[runID]
	if !ok {
		return dto.ExperimentResponse{}, service.ErrRunNotFound
	}
	return response, nil
}

func (s *stubExperimentService) List() []dto.ExperimentResponse {
	responses := make([]dto.ExperimentResponse, 0, len(s.runs))
	for _, response := range s.runs {
		responses = append(responses, response)
	}
	return responses
}

func (s *stubExperimentService) StartRun(runID string) (dto.ExperimentResponse, bool, error) {
	response, err := s.Get(runID)
	return response, s.started, err
}

func (s *stubExperimentService) Discard(string) error {
	return s.discardErr
}

func (s *stubExperimentService) Subscribe(runID string) (<-chan experiment.Snapshot, func(), error) {
	if _, ok := s.runs[runID]; !ok {
		return nil, nil, service.ErrRunNotFound
	}
	ch := make(chan experiment.Snapshot, len(s.snapshots))
	for _, snapshot := range s.snapshots {
		ch <- snapshot
	}
	close(ch)
	return ch, func() {}, nil
}

func (s *stubExperimentService) ExerciseSubmissions(_ context.Context, exerciseID uint) (dto.ExerciseSubmissionsResponse, error) {
	if exerciseID != s.exercise.Exercise.ID {
		return dto.ExerciseSubmissionsResponse{}, service.ErrExerciseNotFound
	}
	return s.exercise, nil
}

func (s *stubExperimentService) Start(context.Context) {}

func sampleRun() dto.ExperimentResponse {
	return dto.ExperimentResponse{
		RunID:      "run-1",
		ExerciseID: 4,
		Module:     "text/module_text_llm",
		Training:   1,
		Evaluation: 2,
		CreatedAt:  time.Now().UTC(),
		State: experiment.Snapshot{
			RunID:                "run-1",
			ExerciseID:           4,
			Phase:                experiment.PhaseGeneratingSuggestions,
			SubmissionsSent:      true,
			TrainingFeedbackSent: []uint{1},
			Suggestions: map[uint]experiment.SuggestionResult{
				2: {Suggestions: []models.Feedback{{ExerciseID: 4, SubmissionID: 2, Title: "Grammar", IsSuggestion: true}}},
			},
			Progress: experiment.Progress{Done: 1, Total: 2},
			Requests: map[modules.Operation]experiment.RequestStatus{
				modules.OpGenerateSuggestions: {Calls: 1},
			},
			Version: 5,
		},
	}
}

func newExperimentApp(stub *stubExperimentService) *fiber.App {
	app := fiber.New()
	handler.NewExperimentHandler(stub, zerolog.Nop(), time.Second).Register(app.Group("/api/v1/experiments"))
	return app
}

func TestExperimentHandlerCreate(t *testing.T) {
	stub := &stubExperimentService{runs: map[string]dto.ExperimentResponse{"run-1": sampleRun()}}
	app := newExperimentApp(stub)

	body := `{"exercise_id":4,"module":{"type":"text","name":"module_text_llm"},"training_submission_ids":[1],"evaluation_submission_ids":[2,3],"auto_start":false}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/experiments", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.Equal(t, uint(4), stub.created.ExerciseID)
	require.Equal(t, []uint{2, 3}, stub.created.EvaluationSubmissionIDs)
	require.False(t, stub.created.ShouldStart())
}

func TestExperimentHandlerMapsErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", validator.New().Struct(dto.ExperimentCreateRequest{}), http.StatusBadRequest},
		{"exercise", service.ErrExerciseNotFound, http.StatusNotFound},
		{"submission", fmt.Errorf("%w: 9", service.ErrSubmissionNotFound), http.StatusNotFound},
		{"module", modules.ErrModuleNotFound, http.StatusNotFound},
		{"descriptor", fmt.Errorf("%w: duplicate submission", experiment.ErrInvalidDescriptor), http.StatusBadRequest},
		{"mode", experiment.ErrUnsupportedMode, http.StatusUnprocessableEntity},
		{"unexpected", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := newExperimentApp(&stubExperimentService{createErr: tc.err})
			req := httptest.NewRequest(http.MethodPost, "/api/v1/experiments", strings.NewReader(`{"exercise_id":1}`))
			req.Header.Set("Content-Type", "application/json")
			resp, err := app.Test(req)
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestExperimentHandlerRejectsMalformedBody(t *testing.T) {
	app := newExperimentApp(&stubExperimentService{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/experiments", strings.NewReader(`{`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExperimentHandlerGetStartAndDiscard(t *testing.T) {
	stub := &stubExperimentService{runs: map[string]dto.ExperimentResponse{"run-1": sampleRun()}}
	app := newExperimentApp(stub)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/experiments/missing", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/experiments/run-1/start", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, "already started runs are a no-op")

	stub.started = true
	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/experiments/run-1/start", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodDelete, "/api/v1/experiments/run-1", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stub.discardErr = service.ErrRemoteRun
	resp, err = app.Test(httptest.NewRequest(http.MethodDelete, "/api/v1/experiments/run-1", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestExperimentSnapshotContract(t *testing.T) {
	schemaPath, err := filepath.Abs(filepath.Join("testdata", "experiment_snapshot.schema.json"))
	require.NoError(t, err)

	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile("file://" + filepath.ToSlash(schemaPath))
	require.NoError(t, err)

	stub := &stubExperimentService{runs: map[string]dto.ExperimentResponse{"run-1": sampleRun()}}
	app := newExperimentApp(stub)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/experiments/run-1", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var payload any
	require.NoError(t, json.Unmarshal(raw, &payload))
	require.NoError(t, schema.Validate(payload))
}

func TestExperimentHandlerStreamsSnapshots(t *testing.T) {
	first := sampleRun().State
	final := first
	final.Phase = experiment.PhaseFinished
	final.Progress = experiment.Progress{Done: 2, Total: 2}
	final.Version = 9

	stub := &stubExperimentService{
		runs:      map[string]dto.ExperimentResponse{"run-1": sampleRun()},
		snapshots: []experiment.Snapshot{first, final},
	}
	app := newExperimentApp(stub)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/experiments/run-1/stream", nil), 5000)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	events := bytes.Split(bytes.TrimSpace(body), []byte("\n\n"))
	require.Len(t, events, 3)
	require.Contains(t, string(events[0]), "id: 5\nevent: snapshot")
	require.Contains(t, string(events[1]), "id: 9\nevent: snapshot")
	require.Contains(t, string(events[1]), `"phase":"finished"`)
	require.Contains(t, string(events[2]), "event: end")

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/experiments/missing/stream", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExperimentHandlerWebsocket(t *testing.T) {
	final := sampleRun().State
	final.Phase = experiment.PhaseFinished
	stub := &stubExperimentService{
		runs:      map[string]dto.ExperimentResponse{"run-1": sampleRun()},
		snapshots: []experiment.Snapshot{final},
	}
	app := newExperimentApp(stub)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(listener) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	url := fmt.Sprintf("ws://%s/api/v1/experiments/ws?run_id=run-1", listener.Addr().String())
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var snapshot experiment.Snapshot
	require.NoError(t, conn.ReadJSON(&snapshot))
	require.Equal(t, "run-1", snapshot.RunID)
	require.Equal(t, experiment.PhaseFinished, snapshot.Phase)

	_, _, err = conn.ReadMessage()
	require.True(t, gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure))

	unknown := fmt.Sprintf("ws://%s/api/v1/experiments/ws?run_id=missing", listener.Addr().String())
	missingConn, _, err := gorillaws.DefaultDialer.Dial(unknown, nil)
	require.NoError(t, err)
	defer missingConn.Close()
	require.NoError(t, missingConn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = missingConn.ReadMessage()
	require.True(t, gorillaws.IsCloseError(err, gorillaws.ClosePolicyViolation))
}

func TestExperimentHandlerRequiresUpgradeForWebsocketRoute(t *testing.T) {
	app := newExperimentApp(&stubExperimentService{})
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/experiments/ws?run_id=run-1", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestExerciseHandlerSubmissions(t *testing.T) {
	stub := &stubExperimentService{exercise: dto.ExerciseSubmissionsResponse{
		Exercise:      models.Exercise{ID: 4, Title: "Essay"},
		Submissions:   []models.Submission{{ID: 1, ExerciseID: 4}},
		FeedbackCount: map[uint]int{1: 2},
	}}
	app := fiber.New()
	handler.NewExerciseHandler(stub, zerolog.Nop()).Register(app.Group("/api/v1/exercises"))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/exercises/4/submissions", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Success bool                            `json:"success"`
		Data    dto.ExerciseSubmissionsResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.True(t, payload.Success)
	require.Equal(t, 2, payload.Data.FeedbackCount[1])

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/exercises/99/submissions", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/exercises/abc/submissions", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
