package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/feedback-playground-api/internal/dto"
	"github.com/noah-isme/feedback-playground-api/internal/models"
	"github.com/noah-isme/feedback-playground-api/internal/repository"
)

var (
	// ErrConfigNotFound indicates the evaluation config does not exist.
	ErrConfigNotFound = errors.New("expert evaluation config not found")
	// ErrConfigLocked indicates a started evaluation was asked to change more than its experts.
	ErrConfigLocked = errors.New("expert evaluation already started, only experts can be changed")
	// ErrProgressNotFound indicates the expert has not saved any progress yet.
	ErrProgressNotFound = errors.New("expert evaluation progress not found")
	// ErrInvalidExercises indicates the exercises payload is not a list of exercises.
	ErrInvalidExercises = errors.New("exercises must be a list of exercise objects")
)

// ExpertEvaluationService manages evaluation configs and expert progress.
type ExpertEvaluationService interface {
	GetConfig(ctx context.Context, id string) (dto.ExpertEvaluationConfigResponse, error)
	SaveConfig(ctx context.Context, id string, req dto.ExpertEvaluationConfigRequest, anonymize bool) (dto.ExpertEvaluationConfigResponse, error)
	GetProgress(ctx context.Context, configID, expertID string) (dto.ExpertEvaluationProgressResponse, error)
	SaveProgress(ctx context.Context, configID, expertID string, req dto.ExpertEvaluationProgressRequest) (dto.ExpertEvaluationProgressResponse, error)
	ProgressStats(ctx context.Context, configID string) (dto.ExpertEvaluationProgressStatsResponse, error)
}

type expertEvaluationService struct {
	repo      repository.ExpertEvaluationRepository
	cache     *redis.Client
	cacheTTL  time.Duration
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	shuffle   func(n int, swap func(i, j int))
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewExpertEvaluationService constructs the service. cache may be nil.
func NewExpertEvaluationService(repo repository.ExpertEvaluationRepository, cache *redis.Client, ttl time.Duration, validate *validator.Validate, logger zerolog.Logger) ExpertEvaluationService {
	if validate == nil {
		validate = validator.New()
	}
	return &expertEvaluationService{
		repo:      repo,
		cache:     cache,
		cacheTTL:  ttl,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		shuffle:   rand.Shuffle,
		logger:    logger.With().Str("component", "expert_evaluation_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/feedback-playground-api/internal/service/expert_evaluation"),
		now:       time.Now,
	}
}

func configCacheKey(id string) string {
	return fmt.Sprintf("expert_evaluation:config:%s", id)
}

func (s *expertEvaluationService) GetConfig(ctx context.Context, id string) (dto.ExpertEvaluationConfigResponse, error) {
	cacheKey := configCacheKey(id)
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, cacheKey).Result(); err == nil {
			var response dto.ExpertEvaluationConfigResponse
			if unmarshalErr := json.Unmarshal([]byte(cached), &response); unmarshalErr == nil {
				s.logger.Debug().Str("config_id", id).Msg("expert evaluation config cache hit")
				return response, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Msg("failed to read expert evaluation config cache")
		}
	}

	config, err := s.loadConfig(ctx, id)
	if err != nil {
		return dto.ExpertEvaluationConfigResponse{}, err
	}

	response, err := dto.NewExpertEvaluationConfigResponse(config)
	if err != nil {
		return dto.ExpertEvaluationConfigResponse{}, err
	}
	s.storeCache(ctx, response)
	return response, nil
}

func (s *expertEvaluationService) SaveConfig(ctx context.Context, id string, req dto.ExpertEvaluationConfigRequest, anonymize bool) (dto.ExpertEvaluationConfigResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.ExpertEvaluationConfigResponse{}, err
	}

	ctx, span := s.tracer.Start(ctx, "expert_evaluation.save_config", trace.WithAttributes(
		attribute.String("expert_evaluation.config_id", id),
		attribute.Bool("expert_evaluation.anonymize", anonymize),
	))
	defer span.End()

	existing, err := s.repo.GetConfig(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, gorm.ErrRecordNotFound):
		existing = models.ExpertEvaluationConfig{ID: id, CreationDate: s.now().UTC()}
	default:
		span.RecordError(err)
		return dto.ExpertEvaluationConfigResponse{}, err
	}

	metrics := s.sanitizeMetrics(req.Metrics)
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return dto.ExpertEvaluationConfigResponse{}, err
	}
	expertIDs := req.ExpertIDs
	if expertIDs == nil {
		expertIDs = []string{}
	}
	expertsJSON, err := json.Marshal(expertIDs)
	if err != nil {
		return dto.ExpertEvaluationConfigResponse{}, err
	}
	name := plainText(s.sanitizer, req.Name)

	if existing.Started {
		if anonymize || !req.Started || name != existing.Name || req.Type != existing.Type || !sameMetrics(existing.Metrics, metrics) {
			span.SetStatus(codes.Error, "config_locked")
			return dto.ExpertEvaluationConfigResponse{}, ErrConfigLocked
		}
		existing.ExpertIDs = datatypes.JSON(expertsJSON)
	} else {
		exercises, mapping, err := s.prepareExercises(req.Exercises, anonymize)
		if err != nil {
			span.RecordError(err)
			return dto.ExpertEvaluationConfigResponse{}, err
		}
		existing.Name = name
		existing.Type = req.Type
		existing.Started = req.Started
		existing.Metrics = datatypes.JSON(metricsJSON)
		existing.Exercises = exercises
		existing.ExpertIDs = datatypes.JSON(expertsJSON)
		if mapping != nil {
			existing.FeedbackTypeMapping = mapping
		}
	}

	if err := s.repo.SaveConfig(ctx, &existing); err != nil {
		span.RecordError(err)
		return dto.ExpertEvaluationConfigResponse{}, err
	}

	response, err := dto.NewExpertEvaluationConfigResponse(existing)
	if err != nil {
		return dto.ExpertEvaluationConfigResponse{}, err
	}
	s.storeCache(ctx, response)

	s.logger.Info().Str("config_id", id).Bool("started", existing.Started).Bool("anonymized", anonymize).Msg("expert evaluation config saved")
	return response, nil
}

func (s *expertEvaluationService) GetProgress(ctx context.Context, configID, expertID string) (dto.ExpertEvaluationProgressResponse, error) {
	progress, err := s.repo.GetProgress(ctx, configID, expertID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.ExpertEvaluationProgressResponse{}, ErrProgressNotFound
		}
		return dto.ExpertEvaluationProgressResponse{}, err
	}
	return dto.NewExpertEvaluationProgressResponse(progress)
}

func (s *expertEvaluationService) SaveProgress(ctx context.Context, configID, expertID string, req dto.ExpertEvaluationProgressRequest) (dto.ExpertEvaluationProgressResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.ExpertEvaluationProgressResponse{}, err
	}
	if _, err := s.loadConfig(ctx, configID); err != nil {
		return dto.ExpertEvaluationProgressResponse{}, err
	}

	selected := req.SelectedValues
	if selected == nil {
		selected = map[string]map[string]map[string]map[string]int{}
	}
	selectedJSON, err := json.Marshal(selected)
	if err != nil {
		return dto.ExpertEvaluationProgressResponse{}, err
	}

	progress := models.ExpertEvaluationProgress{
		ConfigID:               configID,
		ExpertID:               expertID,
		CurrentExerciseIndex:   req.CurrentExerciseIndex,
		CurrentSubmissionIndex: req.CurrentSubmissionIndex,
		SelectedValues:         datatypes.JSON(selectedJSON),
		HasStartedEvaluating:   req.HasStartedEvaluating,
		IsFinishedEvaluating:   req.IsFinishedEvaluating,
		UpdatedAt:              s.now().UTC(),
	}
	if err := s.repo.UpsertProgress(ctx, &progress); err != nil {
		return dto.ExpertEvaluationProgressResponse{}, err
	}

	return dto.NewExpertEvaluationProgressResponse(progress)
}

func (s *expertEvaluationService) ProgressStats(ctx context.Context, configID string) (dto.ExpertEvaluationProgressStatsResponse, error) {
	config, err := s.loadConfig(ctx, configID)
	if err != nil {
		return dto.ExpertEvaluationProgressStatsResponse{}, err
	}

	total, err := countSubmissions(config.Exercises)
	if err != nil {
		return dto.ExpertEvaluationProgressStatsResponse{}, err
	}

	stats := dto.ExpertEvaluationProgressStatsResponse{
		ConfigID:         configID,
		TotalSubmissions: total,
		Experts:          map[string]dto.ExpertProgressStats{},
	}

	var experts []string
	if len(config.ExpertIDs) > 0 {
		if err := json.Unmarshal(config.ExpertIDs, &experts); err != nil {
			return dto.ExpertEvaluationProgressStatsResponse{}, err
		}
	}
	for _, expertID := range experts {
		stats.Experts[expertID] = dto.ExpertProgressStats{Total: total}
	}

	progress, err := s.repo.ListProgress(ctx, configID)
	if err != nil {
		return dto.ExpertEvaluationProgressStatsResponse{}, err
	}
	for _, item := range progress {
		var selected map[string]map[string]map[string]map[string]int
		if len(item.SelectedValues) > 0 {
			if err := json.Unmarshal(item.SelectedValues, &selected); err != nil {
				s.logger.Warn().Err(err).Str("expert_id", item.ExpertID).Msg("invalid selected values, counting as zero")
			}
		}

		evaluated := 0
		for _, submissions := range selected {
			for _, ratings := range submissions {
				if len(ratings) > 0 {
					evaluated++
				}
			}
		}
		stats.Experts[item.ExpertID] = dto.ExpertProgressStats{
			Evaluated: evaluated,
			Total:     total,
			Finished:  item.IsFinishedEvaluating,
		}
	}

	return stats, nil
}

func (s *expertEvaluationService) loadConfig(ctx context.Context, id string) (models.ExpertEvaluationConfig, error) {
	config, err := s.repo.GetConfig(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ExpertEvaluationConfig{}, ErrConfigNotFound
		}
		return models.ExpertEvaluationConfig{}, err
	}
	return config, nil
}

func (s *expertEvaluationService) storeCache(ctx context.Context, response dto.ExpertEvaluationConfigResponse) {
	if s.cache == nil {
		return
	}
	payload, err := json.Marshal(response)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, configCacheKey(response.ID), payload, s.cacheTTL).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to store expert evaluation config cache")
	}
}

func (s *expertEvaluationService) sanitizeMetrics(metrics []dto.EvaluationMetric) []dto.EvaluationMetric {
	cleaned := make([]dto.EvaluationMetric, 0, len(metrics))
	for _, metric := range metrics {
		cleaned = append(cleaned, dto.EvaluationMetric{
			ID:          metric.ID,
			Title:       plainText(s.sanitizer, metric.Title),
			Summary:     plainText(s.sanitizer, metric.Summary),
			Description: plainText(s.sanitizer, metric.Description),
		})
	}
	return cleaned
}

func sameMetrics(stored datatypes.JSON, metrics []dto.EvaluationMetric) bool {
	var existing []dto.EvaluationMetric
	if len(stored) > 0 {
		if err := json.Unmarshal(stored, &existing); err != nil {
			return false
		}
	}
	if len(existing) == 0 && len(metrics) == 0 {
		return true
	}
	return reflect.DeepEqual(existing, metrics)
}

// prepareExercises validates the exercises payload and, when anonymize is
// set, replaces the feedback type names of every submission by shuffled
// neutral labels. The returned mapping holds exercise id, submission id and
// label to the original type name.
func (s *expertEvaluationService) prepareExercises(raw json.RawMessage, anonymize bool) (datatypes.JSON, datatypes.JSON, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return datatypes.JSON("[]"), nil, nil
	}

	var exercises []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &exercises); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidExercises, err)
	}
	if !anonymize {
		return datatypes.JSON(raw), nil, nil
	}

	mapping := map[string]map[string]map[string]string{}
	for i, exercise := range exercises {
		exerciseID := idString(exercise["id"], i)
		var submissions []map[string]json.RawMessage
		if rawSubmissions, ok := exercise["submissions"]; ok && string(rawSubmissions) != "null" {
			if err := json.Unmarshal(rawSubmissions, &submissions); err != nil {
				return nil, nil, fmt.Errorf("%w: exercise %s: %v", ErrInvalidExercises, exerciseID, err)
			}
		}

		for j, submission := range submissions {
			submissionID := idString(submission["id"], j)
			var feedbacks map[string]json.RawMessage
			if rawFeedbacks, ok := submission["feedbacks"]; ok && string(rawFeedbacks) != "null" {
				if err := json.Unmarshal(rawFeedbacks, &feedbacks); err != nil {
					return nil, nil, fmt.Errorf("%w: submission %s: %v", ErrInvalidExercises, submissionID, err)
				}
			}
			if len(feedbacks) == 0 {
				continue
			}

			types := make([]string, 0, len(feedbacks))
			for name := range feedbacks {
				types = append(types, name)
			}
			sort.Strings(types)
			s.shuffle(len(types), func(a, b int) { types[a], types[b] = types[b], types[a] })

			anonymized := make(map[string]json.RawMessage, len(types))
			labels := make(map[string]string, len(types))
			for k, name := range types {
				label := fmt.Sprintf("feedback_%d", k+1)
				anonymized[label] = feedbacks[name]
				labels[label] = name
			}

			encoded, err := json.Marshal(anonymized)
			if err != nil {
				return nil, nil, err
			}
			submission["feedbacks"] = encoded
			submissions[j] = submission

			if _, ok := mapping[exerciseID]; !ok {
				mapping[exerciseID] = map[string]map[string]string{}
			}
			mapping[exerciseID][submissionID] = labels
		}

		encoded, err := json.Marshal(submissions)
		if err != nil {
			return nil, nil, err
		}
		if submissions != nil {
			exercise["submissions"] = encoded
		}
		exercises[i] = exercise
	}

	exercisesJSON, err := json.Marshal(exercises)
	if err != nil {
		return nil, nil, err
	}
	mappingJSON, err := json.Marshal(mapping)
	if err != nil {
		return nil, nil, err
	}
	return datatypes.JSON(exercisesJSON), datatypes.JSON(mappingJSON), nil
}

func countSubmissions(raw datatypes.JSON) (int, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var exercises []struct {
		Submissions []json.RawMessage `json:"submissions"`
	}
	if err := json.Unmarshal(raw, &exercises); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidExercises, err)
	}
	total := 0
	for _, exercise := range exercises {
		total += len(exercise.Submissions)
	}
	return total, nil
}

func idString(raw json.RawMessage, fallback int) string {
	value := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if value == "" || value == "null" {
		return fmt.Sprint(fallback)
	}
	return value
}
