package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/feedback-playground-api/internal/dto"
	"github.com/noah-isme/feedback-playground-api/internal/experiment"
	"github.com/noah-isme/feedback-playground-api/internal/middleware"
	"github.com/noah-isme/feedback-playground-api/internal/models"
	"github.com/noah-isme/feedback-playground-api/internal/modules"
	"github.com/noah-isme/feedback-playground-api/internal/observability"
	"github.com/noah-isme/feedback-playground-api/internal/repository"
)

var (
	// ErrRunNotFound indicates the run id is unknown to this node.
	ErrRunNotFound = errors.New("experiment run not found")
	// ErrExerciseNotFound indicates the exercise does not exist.
	ErrExerciseNotFound = errors.New("exercise not found")
	// ErrSubmissionNotFound indicates a requested submission does not belong to the exercise.
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrRemoteRun indicates the run is driven by another node.
	ErrRemoteRun = errors.New("experiment run is owned by another node")
)

const (
	runEventBufferSize  = 16
	runEventPublishWait = 2 * time.Second
	discardedRunTTL     = 5 * time.Minute
)

// ModuleResolver builds the module client for a run.
type ModuleResolver interface {
	ClientFor(primary modules.Module, additional []modules.Module) (modules.Client, error)
}

// ExperimentService creates and tracks experiment runs.
type ExperimentService interface {
	Create(ctx context.Context, req dto.ExperimentCreateRequest) (dto.ExperimentResponse, error)
	Get(runID string) (dto.ExperimentResponse, error)
	List() []dto.ExperimentResponse
	StartRun(runID string) (dto.ExperimentResponse, bool, error)
	Discard(runID string) error
	Subscribe(runID string) (<-chan experiment.Snapshot, func(), error)
	ExerciseSubmissions(ctx context.Context, exerciseID uint) (dto.ExerciseSubmissionsResponse, error)
	Start(ctx context.Context)
}

type experimentRun struct {
	engine     *experiment.Engine
	module     string
	additional []string
	createdAt  time.Time
	ended      sync.Once
}

type runEvent struct {
	Source   string              `json:"source"`
	Module   string              `json:"module"`
	Snapshot experiment.Snapshot `json:"snapshot"`
	SentAt   time.Time           `json:"sent_at"`
}

type experimentService struct {
	exercises   repository.ExerciseRepository
	submissions repository.SubmissionRepository
	feedbacks   repository.FeedbackRepository
	resolver    ModuleResolver
	redis       *redis.Client
	redisStream string
	nats        *nats.Conn
	natsSubject string
	validator   *validator.Validate
	sanitizer   *bluemonday.Policy
	logger      zerolog.Logger
	tracer      trace.Tracer
	nodeID      string

	mu        sync.RWMutex
	baseCtx   context.Context
	runs      map[string]*experimentRun
	remote    map[string]runEvent
	discarded map[string]time.Time
	broker    *runBroker
}

// ExperimentServiceDeps groups the collaborators of the experiment service.
type ExperimentServiceDeps struct {
	Exercises   repository.ExerciseRepository
	Submissions repository.SubmissionRepository
	Feedbacks   repository.FeedbackRepository
	Resolver    ModuleResolver
	Redis       *redis.Client
	NATS        *nats.Conn
	ChannelBase string
	Validator   *validator.Validate
	Logger      zerolog.Logger
}

// NewExperimentService constructs the service. Runs are kept in memory on the
// node that created them; their snapshots are fanned out through redis and
// NATS so other nodes can serve them read-only.
func NewExperimentService(deps ExperimentServiceDeps) ExperimentService {
	stream := ""
	subject := ""
	if deps.ChannelBase != "" {
		stream = deps.ChannelBase + ":experiments"
		subject = strings.ReplaceAll(deps.ChannelBase, ":", ".") + ".experiments"
	}
	validate := deps.Validator
	if validate == nil {
		validate = validator.New()
	}

	return &experimentService{
		exercises:   deps.Exercises,
		submissions: deps.Submissions,
		feedbacks:   deps.Feedbacks,
		resolver:    deps.Resolver,
		redis:       deps.Redis,
		redisStream: stream,
		nats:        deps.NATS,
		natsSubject: subject,
		validator:   validate,
		sanitizer:   bluemonday.StrictPolicy(),
		logger:      deps.Logger.With().Str("component", "experiment_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/feedback-playground-api/internal/service/experiment"),
		nodeID:      uuid.NewString(),
		baseCtx:     context.Background(),
		runs:        make(map[string]*experimentRun),
		remote:      make(map[string]runEvent),
		discarded:   make(map[string]time.Time),
		broker:      &runBroker{subscribers: make(map[string]map[chan experiment.Snapshot]struct{})},
	}
}

// Start binds runs to ctx and consumes run events of other nodes. Cancelling
// ctx discards every local run.
func (s *experimentService) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	if s.redis != nil && s.redisStream != "" {
		go s.consumeRedis(ctx)
	}
	if s.nats != nil && s.natsSubject != "" {
		go s.consumeNATS(ctx)
	}
}

func (s *experimentService) Create(ctx context.Context, req dto.ExperimentCreateRequest) (dto.ExperimentResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.ExperimentResponse{}, err
	}

	ctx, span := s.tracer.Start(ctx, "experiments.create", trace.WithAttributes(
		attribute.Int("experiment.exercise_id", int(req.ExerciseID)),
		attribute.String("experiment.module", req.Module.String()),
	))
	defer span.End()

	descriptor, err := s.buildDescriptor(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "descriptor_failed")
		return dto.ExperimentResponse{}, err
	}

	client, err := s.resolver.ClientFor(req.Module, req.AdditionalModules)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "module_unavailable")
		return dto.ExperimentResponse{}, err
	}

	run := &experimentRun{
		module:     req.Module.String(),
		additional: make([]string, 0, len(req.AdditionalModules)),
		createdAt:  time.Now().UTC(),
	}
	for _, module := range req.AdditionalModules {
		run.additional = append(run.additional, module.String())
	}

	engine, err := experiment.NewEngine(descriptor, &sanitizingClient{next: client, policy: s.sanitizer},
		experiment.WithLogger(s.logger),
		experiment.WithListener(func(snapshot experiment.Snapshot) {
			if snapshot.Done() {
				run.ended.Do(func() { observability.RunsActive().Dec() })
			}
			s.publish(run.module, snapshot)
		}),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "engine_rejected")
		return dto.ExperimentResponse{}, err
	}
	run.engine = engine

	s.mu.Lock()
	s.runs[engine.RunID()] = run
	s.mu.Unlock()
	observability.RunsActive().Inc()
	span.SetAttributes(attribute.String("experiment.run_id", engine.RunID()))

	s.logger.Info().
		Str("run_id", engine.RunID()).
		Uint("exercise_id", req.ExerciseID).
		Str("module", run.module).
		Msg("experiment run created")

	if req.ShouldStart() {
		engine.Start(middleware.ContextWithCorrelation(s.runContext(), middleware.CorrelationIDFromContext(ctx)))
	}

	return s.toResponse(run), nil
}

func (s *experimentService) buildDescriptor(ctx context.Context, req dto.ExperimentCreateRequest) (experiment.Descriptor, error) {
	exercise, err := s.exercises.GetByID(ctx, req.ExerciseID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return experiment.Descriptor{}, ErrExerciseNotFound
		}
		return experiment.Descriptor{}, fmt.Errorf("load exercise: %w", err)
	}

	evaluation, err := s.loadSubmissions(ctx, exercise.ID, req.EvaluationSubmissionIDs)
	if err != nil {
		return experiment.Descriptor{}, err
	}

	descriptor := experiment.Descriptor{
		Exercise:              exercise,
		EvaluationSubmissions: evaluation,
		TutorFeedbacks:        map[uint][]models.Feedback{},
		ExecutionMode:         req.Mode(),
	}

	if req.TrainingSubmissionIDs != nil {
		training, err := s.loadSubmissions(ctx, exercise.ID, req.TrainingSubmissionIDs)
		if err != nil {
			return experiment.Descriptor{}, err
		}
		feedbacks, err := s.feedbacks.TutorFeedbackBySubmission(ctx, exercise.ID, req.TrainingSubmissionIDs)
		if err != nil {
			return experiment.Descriptor{}, fmt.Errorf("load tutor feedback: %w", err)
		}
		descriptor.TrainingSubmissions = training
		descriptor.TutorFeedbacks = feedbacks
	}

	return descriptor, nil
}

func (s *experimentService) loadSubmissions(ctx context.Context, exerciseID uint, ids []uint) ([]models.Submission, error) {
	submissions, err := s.submissions.GetByIDs(ctx, exerciseID, ids)
	if err != nil {
		return nil, fmt.Errorf("load submissions: %w", err)
	}
	if len(submissions) == len(ids) {
		return submissions, nil
	}

	found := make(map[uint]struct{}, len(submissions))
	for _, submission := range submissions {
		found[submission.ID] = struct{}{}
	}
	missing := make([]string, 0)
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, fmt.Sprint(id))
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSubmissionNotFound, strings.Join(missing, ", "))
}

func (s *experimentService) Get(runID string) (dto.ExperimentResponse, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	event, remote := s.remote[runID]
	s.mu.RUnlock()

	if ok {
		return s.toResponse(run), nil
	}
	if remote {
		return remoteResponse(event), nil
	}
	return dto.ExperimentResponse{}, ErrRunNotFound
}

func (s *experimentService) List() []dto.ExperimentResponse {
	s.mu.RLock()
	responses := make([]dto.ExperimentResponse, 0, len(s.runs)+len(s.remote))
	for _, run := range s.runs {
		responses = append(responses, s.toResponse(run))
	}
	for runID, event := range s.remote {
		if _, local := s.runs[runID]; !local {
			responses = append(responses, remoteResponse(event))
		}
	}
	s.mu.RUnlock()

	sort.Slice(responses, func(i, j int) bool {
		if responses[i].CreatedAt.Equal(responses[j].CreatedAt) {
			return responses[i].RunID < responses[j].RunID
		}
		return responses[i].CreatedAt.After(responses[j].CreatedAt)
	})
	return responses
}

func (s *experimentService) StartRun(runID string) (dto.ExperimentResponse, bool, error) {
	run, err := s.localRun(runID)
	if err != nil {
		return dto.ExperimentResponse{}, false, err
	}

	started := run.engine.Start(s.runContext())
	return s.toResponse(run), started, nil
}

func (s *experimentService) Discard(runID string) error {
	s.mu.Lock()
	run, ok := s.runs[runID]
	if ok {
		delete(s.runs, runID)
	}
	_, remote := s.remote[runID]
	s.mu.Unlock()

	if !ok {
		if remote {
			return ErrRemoteRun
		}
		return ErrRunNotFound
	}

	run.engine.Discard()
	s.logger.Info().Str("run_id", runID).Msg("experiment run discarded")
	return nil
}

func (s *experimentService) Subscribe(runID string) (<-chan experiment.Snapshot, func(), error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	event, remote := s.remote[runID]
	s.mu.RUnlock()

	switch {
	case ok:
		updates, cancel := run.engine.Subscribe()
		observability.StreamClientsActive().Inc()
		var once sync.Once
		return updates, func() {
			once.Do(func() {
				cancel()
				observability.StreamClientsActive().Dec()
			})
		}, nil
	case remote:
		ch := make(chan experiment.Snapshot, runEventBufferSize)
		ch <- event.Snapshot
		if event.Snapshot.Done() {
			close(ch)
			return ch, func() {}, nil
		}
		s.broker.subscribe(runID, ch)
		observability.StreamClientsActive().Inc()
		var once sync.Once
		return ch, func() {
			once.Do(func() {
				s.broker.unsubscribe(runID, ch)
				observability.StreamClientsActive().Dec()
			})
		}, nil
	default:
		return nil, nil, ErrRunNotFound
	}
}

func (s *experimentService) ExerciseSubmissions(ctx context.Context, exerciseID uint) (dto.ExerciseSubmissionsResponse, error) {
	exercise, err := s.exercises.GetByID(ctx, exerciseID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.ExerciseSubmissionsResponse{}, ErrExerciseNotFound
		}
		return dto.ExerciseSubmissionsResponse{}, err
	}

	submissions, err := s.submissions.ListByExercise(ctx, exerciseID)
	if err != nil {
		return dto.ExerciseSubmissionsResponse{}, err
	}

	ids := make([]uint, 0, len(submissions))
	for _, submission := range submissions {
		ids = append(ids, submission.ID)
	}
	grouped, err := s.feedbacks.TutorFeedbackBySubmission(ctx, exerciseID, ids)
	if err != nil {
		return dto.ExerciseSubmissionsResponse{}, err
	}

	counts := make(map[uint]int, len(grouped))
	for id, items := range grouped {
		counts[id] = len(items)
	}

	return dto.ExerciseSubmissionsResponse{
		Exercise:      exercise,
		Submissions:   submissions,
		FeedbackCount: counts,
	}, nil
}

func (s *experimentService) localRun(runID string) (*experimentRun, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	_, remote := s.remote[runID]
	s.mu.RUnlock()

	if ok {
		return run, nil
	}
	if remote {
		return nil, ErrRemoteRun
	}
	return nil, ErrRunNotFound
}

func (s *experimentService) runContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseCtx
}

func (s *experimentService) toResponse(run *experimentRun) dto.ExperimentResponse {
	descriptor := run.engine.Descriptor()
	return dto.ExperimentResponse{
		RunID:             run.engine.RunID(),
		ExerciseID:        descriptor.Exercise.ID,
		Module:            run.module,
		AdditionalModules: append([]string{}, run.additional...),
		Training:          len(descriptor.TrainingSubmissions),
		Evaluation:        len(descriptor.EvaluationSubmissions),
		CreatedAt:         run.createdAt,
		State:             run.engine.Snapshot(),
	}
}

func remoteResponse(event runEvent) dto.ExperimentResponse {
	return dto.ExperimentResponse{
		RunID:             event.Snapshot.RunID,
		ExerciseID:        event.Snapshot.ExerciseID,
		Module:            event.Module,
		AdditionalModules: []string{},
		CreatedAt:         event.SentAt,
		State:             event.Snapshot,
	}
}

func (s *experimentService) publish(module string, snapshot experiment.Snapshot) {
	if (s.redis == nil || s.redisStream == "") && (s.nats == nil || s.natsSubject == "") {
		return
	}

	payload, err := json.Marshal(runEvent{
		Source:   s.nodeID,
		Module:   module,
		Snapshot: snapshot,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode experiment event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), runEventPublishWait)
	defer cancel()

	if s.redis != nil && s.redisStream != "" {
		if err := s.redis.Publish(ctx, s.redisStream, payload).Err(); err != nil {
			s.logger.Warn().Err(err).Str("run_id", snapshot.RunID).Msg("failed to publish experiment event to redis")
		} else {
			observability.RunEventsPublished().WithLabelValues("redis").Inc()
		}
	}
	if s.nats != nil && s.natsSubject != "" {
		if err := s.nats.Publish(s.natsSubject, payload); err != nil {
			s.logger.Warn().Err(err).Str("run_id", snapshot.RunID).Msg("failed to publish experiment event to nats")
		} else {
			observability.RunEventsPublished().WithLabelValues("nats").Inc()
		}
	}
}

func (s *experimentService) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisStream)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("experiment redis subscription closed")
			return
		}
		s.handleEvent([]byte(msg.Payload))
	}
}

func (s *experimentService) consumeNATS(ctx context.Context) {
	sub, err := s.nats.Subscribe(s.natsSubject, func(msg *nats.Msg) {
		s.handleEvent(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats experiments subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain experiment nats subscription")
		}
	}()
}

// handleEvent records snapshots of runs driven by other nodes. Events are
// delivered by both brokers, so stale versions are dropped. Discarded runs are
// forgotten and late duplicates of their events ignored for discardedRunTTL.
func (s *experimentService) handleEvent(payload []byte) {
	var event runEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid experiment event payload")
		return
	}
	if event.Source == s.nodeID || event.Snapshot.RunID == "" {
		return
	}

	runID := event.Snapshot.RunID
	now := time.Now()
	s.mu.Lock()
	for id, at := range s.discarded {
		if now.Sub(at) > discardedRunTTL {
			delete(s.discarded, id)
		}
	}
	if _, gone := s.discarded[runID]; gone {
		s.mu.Unlock()
		return
	}
	if previous, ok := s.remote[runID]; ok && previous.Snapshot.Version >= event.Snapshot.Version {
		s.mu.Unlock()
		return
	}
	if event.Snapshot.Discarded {
		delete(s.remote, runID)
		s.discarded[runID] = now
	} else {
		s.remote[runID] = event
	}
	s.mu.Unlock()

	s.broker.broadcast(runID, event.Snapshot)
	if event.Snapshot.Done() {
		s.broker.finish(runID)
	}
}

type runBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan experiment.Snapshot]struct{}
}

func (b *runBroker) subscribe(runID string, ch chan experiment.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[runID]; !exists {
		b.subscribers[runID] = make(map[chan experiment.Snapshot]struct{})
	}
	b.subscribers[runID][ch] = struct{}{}
}

func (b *runBroker) unsubscribe(runID string, ch chan experiment.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[runID]; ok {
		if _, present := subscribers[ch]; !present {
			return
		}
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, runID)
		}
	}
}

// finish closes every observer of a run that reached its end on another node.
func (b *runBroker) finish(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subscribers[runID] {
		close(ch)
	}
	delete(b.subscribers, runID)
}

func (b *runBroker) broadcast(runID string, snapshot experiment.Snapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[runID] {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// sanitizingClient strips markup from module generated suggestions before
// they enter the run state.
type sanitizingClient struct {
	next   modules.Client
	policy *bluemonday.Policy
}

func (c *sanitizingClient) SendSubmissions(ctx context.Context, exercise models.Exercise, submissions []models.Submission) error {
	return c.next.SendSubmissions(ctx, exercise, submissions)
}

func (c *sanitizingClient) SendFeedbacks(ctx context.Context, exercise models.Exercise, submission models.Submission, feedbacks []models.Feedback) error {
	return c.next.SendFeedbacks(ctx, exercise, submission, feedbacks)
}

func (c *sanitizingClient) SelectSubmission(ctx context.Context, exercise models.Exercise, candidates []models.Submission) (int, error) {
	return c.next.SelectSubmission(ctx, exercise, candidates)
}

func (c *sanitizingClient) GenerateSuggestions(ctx context.Context, exercise models.Exercise, submission models.Submission) (modules.Suggestions, error) {
	result, err := c.next.GenerateSuggestions(ctx, exercise, submission)
	if err != nil {
		return result, err
	}
	for i := range result.Feedbacks {
		result.Feedbacks[i].Title = plainText(c.policy, result.Feedbacks[i].Title)
		result.Feedbacks[i].Description = plainText(c.policy, result.Feedbacks[i].Description)
	}
	return result, nil
}

// plainText drops markup but keeps the characters bluemonday escapes, so
// comparisons and code snippets stay as the author wrote them.
func plainText(policy *bluemonday.Policy, value string) string {
	return strings.TrimSpace(html.UnescapeString(policy.Sanitize(value)))
}
