package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/feedback-playground-api/internal/models"
)

// ExpertEvaluationRepository is the config store of expert evaluations and
// the progress of every expert taking part in one.
type ExpertEvaluationRepository interface {
	GetConfig(ctx context.Context, id string) (models.ExpertEvaluationConfig, error)
	SaveConfig(ctx context.Context, config *models.ExpertEvaluationConfig) error
	GetProgress(ctx context.Context, configID, expertID string) (models.ExpertEvaluationProgress, error)
	UpsertProgress(ctx context.Context, progress *models.ExpertEvaluationProgress) error
	ListProgress(ctx context.Context, configID string) ([]models.ExpertEvaluationProgress, error)
}

type expertEvaluationRepository struct {
	db *gorm.DB
}

// NewExpertEvaluationRepository instantiates the repository.
func NewExpertEvaluationRepository(db *gorm.DB) ExpertEvaluationRepository {
	return &expertEvaluationRepository{db: db}
}

func (r *expertEvaluationRepository) GetConfig(ctx context.Context, id string) (models.ExpertEvaluationConfig, error) {
	var config models.ExpertEvaluationConfig
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&config).Error; err != nil {
		return models.ExpertEvaluationConfig{}, err
	}
	return config, nil
}

func (r *expertEvaluationRepository) SaveConfig(ctx context.Context, config *models.ExpertEvaluationConfig) error {
	return r.db.WithContext(ctx).Save(config).Error
}

func (r *expertEvaluationRepository) GetProgress(ctx context.Context, configID, expertID string) (models.ExpertEvaluationProgress, error) {
	var progress models.ExpertEvaluationProgress
	if err := r.db.WithContext(ctx).
		Where("config_id = ? AND expert_id = ?", configID, expertID).
		First(&progress).Error; err != nil {
		return models.ExpertEvaluationProgress{}, err
	}
	return progress, nil
}

func (r *expertEvaluationRepository) UpsertProgress(ctx context.Context, progress *models.ExpertEvaluationProgress) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "config_id"}, {Name: "expert_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"current_exercise_index", "current_submission_index", "selected_values",
			"has_started_evaluating", "is_finished_evaluating", "updated_at",
		}),
	}).Create(progress).Error
}

func (r *expertEvaluationRepository) ListProgress(ctx context.Context, configID string) ([]models.ExpertEvaluationProgress, error) {
	var progress []models.ExpertEvaluationProgress
	if err := r.db.WithContext(ctx).
		Where("config_id = ?", configID).
		Order("expert_id ASC").
		Find(&progress).Error; err != nil {
		return nil, err
	}
	return progress, nil
}
