package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/feedback-playground-api/internal/models"
)

// SubmissionRepository is the read side of the submission store.
type SubmissionRepository interface {
	ListByExercise(ctx context.Context, exerciseID uint) ([]models.Submission, error)
	// GetByIDs returns the submissions of an exercise in the order of ids.
	// Ids that do not belong to the exercise are omitted.
	GetByIDs(ctx context.Context, exerciseID uint, ids []uint) ([]models.Submission, error)
	Create(ctx context.Context, submission *models.Submission) error
}

type submissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository instantiates the repository.
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{db: db}
}

func (r *submissionRepository) ListByExercise(ctx context.Context, exerciseID uint) ([]models.Submission, error) {
	var submissions []models.Submission
	if err := r.db.WithContext(ctx).
		Where("exercise_id = ?", exerciseID).
		Order("id ASC").
		Find(&submissions).Error; err != nil {
		return nil, err
	}
	return submissions, nil
}

func (r *submissionRepository) GetByIDs(ctx context.Context, exerciseID uint, ids []uint) ([]models.Submission, error) {
	if len(ids) == 0 {
		return []models.Submission{}, nil
	}

	var found []models.Submission
	if err := r.db.WithContext(ctx).
		Where("exercise_id = ?", exerciseID).
		Where("id IN ?", ids).
		Find(&found).Error; err != nil {
		return nil, err
	}

	byID := make(map[uint]models.Submission, len(found))
	for _, submission := range found {
		byID[submission.ID] = submission
	}
	ordered := make([]models.Submission, 0, len(found))
	for _, id := range ids {
		if submission, ok := byID[id]; ok {
			ordered = append(ordered, submission)
		}
	}
	return ordered, nil
}

func (r *submissionRepository) Create(ctx context.Context, submission *models.Submission) error {
	return r.db.WithContext(ctx).Create(submission).Error
}
