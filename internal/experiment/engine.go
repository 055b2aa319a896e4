// Package experiment drives a batch experiment through a feedback module.
//
// An Engine owns the state of one run. It sends every submission to the
// module, trains it with tutor feedback, then asks it for feedback suggestions
// on each evaluation submission. Remote failures never escape the engine; they
// surface as a halted run, skipped submissions, or a random selection.
package experiment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/feedback-playground-api/internal/models"
	"github.com/noah-isme/feedback-playground-api/internal/modules"
	"github.com/noah-isme/feedback-playground-api/internal/observability"
)

const subscriberBuffer = 8

// Listener is called with every new snapshot, outside the engine lock.
type Listener func(Snapshot)

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithRandom replaces the random index source used for fallback selection.
func WithRandom(intn func(n int) int) Option {
	return func(e *Engine) {
		e.intn = intn
	}
}

// WithListener registers a hook receiving every snapshot.
func WithListener(listener Listener) Option {
	return func(e *Engine) {
		e.listener = listener
	}
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(e *Engine) {
		if id != "" {
			e.runID = id
		}
	}
}

// Engine runs one experiment. It is single shot: once started it can not be
// restarted, only discarded.
type Engine struct {
	runID      string
	descriptor Descriptor
	client     modules.Client
	selector   *Selector
	intn       func(n int) int
	listener   Listener
	logger     zerolog.Logger
	tracer     trace.Tracer

	mu          sync.Mutex
	state       state
	ctx         context.Context
	running     Phase
	subscribers map[int]chan Snapshot
	nextSubID   int
	done        chan struct{}
	doneClosed  bool
}

// NewEngine validates the descriptor and prepares a run. Nothing is sent to
// the module until Start is called.
func NewEngine(descriptor Descriptor, client modules.Client, opts ...Option) (*Engine, error) {
	if err := descriptor.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("%w: module client is required", ErrInvalidDescriptor)
	}

	e := &Engine{
		runID:       uuid.NewString(),
		descriptor:  descriptor,
		logger:      zerolog.Nop(),
		tracer:      otel.Tracer("github.com/noah-isme/feedback-playground-api/internal/experiment"),
		state:       newState(),
		ctx:         context.Background(),
		subscribers: make(map[int]chan Snapshot),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.logger = e.logger.With().
		Str("component", "experiment_engine").
		Str("run_id", e.runID).
		Uint("exercise_id", descriptor.Exercise.ID).
		Logger()
	e.client = &trackedClient{engine: e, next: client}
	e.selector = NewSelector(e.client, e.intn, e.logger)
	e.state.updatedAt = time.Now().UTC()

	return e, nil
}

// RunID identifies the run.
func (e *Engine) RunID() string {
	return e.runID
}

// Descriptor returns the experiment the engine runs.
func (e *Engine) Descriptor() Descriptor {
	return e.descriptor
}

// Start moves the run out of not_started. It returns false, and changes
// nothing, when the run was already started or discarded. Remote calls use ctx;
// cancelling it discards the run.
func (e *Engine) Start(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	e.mu.Lock()
	if e.state.discarded || e.state.phase != PhaseNotStarted {
		e.mu.Unlock()
		return false
	}
	e.ctx = ctx
	e.mu.Unlock()

	started := e.advance(PhaseNotStarted, PhaseSendingSubmissions, 1)
	if started {
		e.logger.Info().Int("training_submissions", len(e.descriptor.TrainingSubmissions)).
			Int("evaluation_submissions", len(e.descriptor.EvaluationSubmissions)).
			Msg("experiment run started")
	}
	return started
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.snapshot(e.runID, e.descriptor.Exercise.ID)
}

// Subscribe returns a channel receiving the current snapshot followed by every
// later one. Slow readers lose intermediate snapshots, never the latest. The
// channel is closed once the run is done or discarded; cancel releases it early.
func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuffer)

	e.mu.Lock()
	defer e.mu.Unlock()

	ch <- e.state.snapshot(e.runID, e.descriptor.Exercise.ID)
	if e.doneClosed {
		close(ch)
		return ch, func() {}
	}

	id := e.nextSubID
	e.nextSubID++
	e.subscribers[id] = ch

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subscribers[id]; ok {
			delete(e.subscribers, id)
			close(sub)
		}
	}
}

// Done is closed when the run finishes, halts or is discarded.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Discard abandons the run. No further remote calls are issued and results of
// calls still in flight are ignored. Observers receive one last snapshot with
// Discarded set.
func (e *Engine) Discard() {
	e.mu.Lock()
	if e.state.discarded {
		e.mu.Unlock()
		return
	}
	e.state.discarded = true
	e.state.version++
	e.state.updatedAt = time.Now().UTC()
	snapshot := e.state.snapshot(e.runID, e.descriptor.Exercise.ID)
	for _, ch := range e.subscribers {
		deliver(ch, snapshot)
	}
	e.closeLocked()
	listener := e.listener
	e.mu.Unlock()

	e.logger.Info().Str("phase", string(snapshot.Phase)).Msg("experiment run discarded")
	if listener != nil {
		listener(snapshot)
	}
}

// Discarded reports whether Discard was called.
func (e *Engine) Discarded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.discarded
}

// update applies mutate under the lock. When it reports a change the version
// is bumped, observers are notified and the phase drivers are re-triggered.
func (e *Engine) update(mutate func(s *state) bool) bool {
	e.mu.Lock()
	if e.state.discarded || !mutate(&e.state) {
		e.mu.Unlock()
		return false
	}
	e.state.version++
	e.state.updatedAt = time.Now().UTC()
	snapshot := e.state.snapshot(e.runID, e.descriptor.Exercise.ID)
	for _, ch := range e.subscribers {
		deliver(ch, snapshot)
	}
	if snapshot.Done() {
		e.closeLocked()
	}
	listener := e.listener
	e.mu.Unlock()

	if listener != nil {
		listener(snapshot)
	}
	e.trigger()
	return true
}

// deliver replaces the oldest buffered snapshot when the reader lags behind.
func deliver(ch chan Snapshot, snapshot Snapshot) {
	for {
		select {
		case ch <- snapshot:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (e *Engine) closeLocked() {
	if e.doneClosed {
		return
	}
	e.doneClosed = true
	close(e.done)
	for id, ch := range e.subscribers {
		delete(e.subscribers, id)
		close(ch)
	}
}

// trigger launches the driver for the current phase unless one is already
// running for it.
func (e *Engine) trigger() {
	e.mu.Lock()
	phase := e.state.phase
	if e.state.discarded || e.state.halted || !phase.Active() || e.running == phase {
		e.mu.Unlock()
		return
	}
	e.running = phase
	ctx := e.ctx
	e.mu.Unlock()

	go e.drive(ctx, phase)
}

func (e *Engine) drive(ctx context.Context, phase Phase) {
	defer func() {
		e.mu.Lock()
		if e.running == phase {
			e.running = ""
		}
		e.mu.Unlock()
	}()

	ctx, span := e.tracer.Start(ctx, "ExperimentEngine."+string(phase))
	span.SetAttributes(
		attribute.String("experiment.run_id", e.runID),
		attribute.Int("experiment.exercise_id", int(e.descriptor.Exercise.ID)),
	)
	defer span.End()

	switch phase {
	case PhaseSendingSubmissions:
		e.sendSubmissions(ctx, span)
	case PhaseSendingTrainingFeedbacks:
		e.sendTrainingFeedbacks(ctx, span)
	case PhaseGeneratingSuggestions:
		e.generateSuggestions(ctx, span)
	}
}

func (e *Engine) sendSubmissions(ctx context.Context, span trace.Span) {
	submissions := e.descriptor.allSubmissions()
	span.SetAttributes(attribute.Int("experiment.submissions", len(submissions)))

	if err := e.client.SendSubmissions(ctx, e.descriptor.Exercise, submissions); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send_submissions_failed")
		e.logger.Error().Err(err).Int("submissions", len(submissions)).Msg("sending submissions failed, run halted")
		e.update(func(s *state) bool {
			if s.phase != PhaseSendingSubmissions || s.halted {
				return false
			}
			s.halted = true
			s.haltReason = err.Error()
			s.progress.Done = 1
			return true
		})
		return
	}

	e.update(func(s *state) bool {
		if s.phase != PhaseSendingSubmissions {
			return false
		}
		s.submissionsSent = true
		s.progress.Done = 1
		return true
	})
	e.advance(PhaseSendingSubmissions, PhaseSendingTrainingFeedbacks, len(e.descriptor.TrainingSubmissions))
}

func (e *Engine) sendTrainingFeedbacks(ctx context.Context, span trace.Span) {
	if e.descriptor.TrainingSubmissions == nil {
		e.advance(PhaseSendingTrainingFeedbacks, PhaseGeneratingSuggestions, len(e.descriptor.EvaluationSubmissions))
		return
	}

	var sent, failed, skipped int
	for _, submission := range e.descriptor.TrainingSubmissions {
		if e.stopped(ctx) {
			return
		}
		if e.trainingSent(submission.ID) {
			continue
		}

		logger := e.logger.With().Uint("submission_id", submission.ID).Logger()
		feedbacks := e.descriptor.TutorFeedbacks[submission.ID]
		if len(feedbacks) == 0 {
			skipped++
			logger.Debug().Msg("no tutor feedback for training submission, skipping")
			e.stepProgress(PhaseSendingTrainingFeedbacks)
			continue
		}

		err := e.client.SendFeedbacks(ctx, e.descriptor.Exercise, submission, feedbacks)
		if err != nil {
			failed++
			span.RecordError(err)
			logger.Warn().Err(err).Int("feedbacks", len(feedbacks)).Msg("sending training feedback failed, skipping submission")
			e.stepProgress(PhaseSendingTrainingFeedbacks)
			continue
		}

		sent++
		e.update(func(s *state) bool {
			if s.phase != PhaseSendingTrainingFeedbacks {
				return false
			}
			s.markTrainingSent(submission.ID)
			s.progress.Done++
			return true
		})
	}

	span.SetAttributes(
		attribute.Int("experiment.training.sent", sent),
		attribute.Int("experiment.training.failed", failed),
		attribute.Int("experiment.training.skipped", skipped),
	)
	e.advance(PhaseSendingTrainingFeedbacks, PhaseGeneratingSuggestions, len(e.descriptor.EvaluationSubmissions))
}

func (e *Engine) generateSuggestions(ctx context.Context, span trace.Span) {
	e.mu.Lock()
	remaining := make([]models.Submission, 0, len(e.descriptor.EvaluationSubmissions))
	for _, submission := range e.descriptor.EvaluationSubmissions {
		if _, ok := e.state.suggestions[submission.ID]; !ok {
			remaining = append(remaining, submission)
		}
	}
	e.mu.Unlock()

	var recorded, failed, fallbacks int
	for len(remaining) > 0 {
		if e.stopped(ctx) {
			return
		}

		index, source := e.selector.Next(ctx, e.descriptor.Exercise, remaining)
		observability.Selections().WithLabelValues(string(source)).Inc()
		if source.Fallback() {
			fallbacks++
		}
		submission := remaining[index]
		remaining = append(remaining[:index:index], remaining[index+1:]...)

		logger := e.logger.With().Uint("submission_id", submission.ID).Str("selection", string(source)).Logger()
		if e.stopped(ctx) {
			return
		}

		result, err := e.client.GenerateSuggestions(ctx, e.descriptor.Exercise, submission)
		if err != nil {
			failed++
			span.RecordError(err)
			logger.Warn().Err(err).Msg("generating suggestions failed, skipping submission")
			e.stepProgress(PhaseGeneratingSuggestions)
			continue
		}

		recorded++
		logger.Debug().Int("suggestions", len(result.Feedbacks)).Msg("suggestions recorded")
		e.update(func(s *state) bool {
			if s.phase != PhaseGeneratingSuggestions {
				return false
			}
			s.recordSuggestions(submission.ID, SuggestionResult{Suggestions: result.Feedbacks, Meta: result.Meta})
			s.progress.Done++
			return true
		})
	}

	span.SetAttributes(
		attribute.Int("experiment.suggestions.recorded", recorded),
		attribute.Int("experiment.suggestions.failed", failed),
		attribute.Int("experiment.selection.fallbacks", fallbacks),
	)
	if e.advance(PhaseGeneratingSuggestions, PhaseFinished, 0) {
		e.logger.Info().Int("recorded", recorded).Int("failed", failed).Msg("experiment run finished")
	}
}

// advance moves the run from one phase to the next. It does nothing unless the
// run is currently in from.
func (e *Engine) advance(from, to Phase, total int) bool {
	moved := e.update(func(s *state) bool {
		if s.phase != from || s.halted || to.Rank() != from.Rank()+1 {
			return false
		}
		s.phase = to
		s.progress = Progress{Total: total}
		return true
	})
	if moved {
		observability.PhaseTransitions().WithLabelValues(string(to)).Inc()
		e.logger.Debug().Str("phase", string(to)).Msg("phase entered")
	}
	return moved
}

func (e *Engine) stepProgress(phase Phase) {
	e.update(func(s *state) bool {
		if s.phase != phase {
			return false
		}
		s.progress.Done++
		return true
	})
}

func (e *Engine) trainingSent(id uint) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.state.trainingSentSet[id]
	return ok
}

// stopped reports whether the driver must stop issuing calls. A cancelled run
// context discards the run.
func (e *Engine) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		e.Discard()
		return true
	}
	return e.Discarded()
}

// trackedClient records request status for every remote call and converts
// panics raised by the module client into errors.
type trackedClient struct {
	engine *Engine
	next   modules.Client
}

func (c *trackedClient) SendSubmissions(ctx context.Context, exercise models.Exercise, submissions []models.Submission) error {
	return c.engine.track(modules.OpSendSubmissions, func() error {
		return c.next.SendSubmissions(ctx, exercise, submissions)
	})
}

func (c *trackedClient) SendFeedbacks(ctx context.Context, exercise models.Exercise, submission models.Submission, feedbacks []models.Feedback) error {
	return c.engine.track(modules.OpSendFeedbacks, func() error {
		return c.next.SendFeedbacks(ctx, exercise, submission, feedbacks)
	})
}

func (c *trackedClient) SelectSubmission(ctx context.Context, exercise models.Exercise, candidates []models.Submission) (int, error) {
	chosen := modules.NoPreference
	err := c.engine.track(modules.OpSelectSubmission, func() error {
		var err error
		chosen, err = c.next.SelectSubmission(ctx, exercise, candidates)
		return err
	})
	return chosen, err
}

func (c *trackedClient) GenerateSuggestions(ctx context.Context, exercise models.Exercise, submission models.Submission) (modules.Suggestions, error) {
	var result modules.Suggestions
	err := c.engine.track(modules.OpGenerateSuggestions, func() error {
		var err error
		result, err = c.next.GenerateSuggestions(ctx, exercise, submission)
		return err
	})
	return result, err
}

func (e *Engine) track(op modules.Operation, call func() error) (err error) {
	e.update(func(s *state) bool {
		status := s.requests[op]
		status.InFlight = true
		status.Calls++
		s.requests[op] = status
		return true
	})

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", op, r)
		}
		e.update(func(s *state) bool {
			status := s.requests[op]
			status.InFlight = false
			if err != nil {
				status.Failures++
				status.LastError = err.Error()
			}
			s.requests[op] = status
			return true
		})
	}()

	return call()
}
