package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/feedback-playground-api/internal/models"
)

// ExerciseRepository reads exercises used by experiments.
type ExerciseRepository interface {
	GetByID(ctx context.Context, id uint) (models.Exercise, error)
	List(ctx context.Context) ([]models.Exercise, error)
	Create(ctx context.Context, exercise *models.Exercise) error
}

type exerciseRepository struct {
	db *gorm.DB
}

// NewExerciseRepository instantiates the repository.
func NewExerciseRepository(db *gorm.DB) ExerciseRepository {
	return &exerciseRepository{db: db}
}

func (r *exerciseRepository) GetByID(ctx context.Context, id uint) (models.Exercise, error) {
	var exercise models.Exercise
	if err := r.db.WithContext(ctx).First(&exercise, id).Error; err != nil {
		return models.Exercise{}, err
	}
	return exercise, nil
}

func (r *exerciseRepository) List(ctx context.Context) ([]models.Exercise, error) {
	var exercises []models.Exercise
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&exercises).Error; err != nil {
		return nil, err
	}
	return exercises, nil
}

func (r *exerciseRepository) Create(ctx context.Context, exercise *models.Exercise) error {
	return r.db.WithContext(ctx).Create(exercise).Error
}
