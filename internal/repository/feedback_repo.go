package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/feedback-playground-api/internal/models"
)

// FeedbackRepository reads the tutor feedback used to train modules. Module
// suggestions live in run state only and are never written here.
type FeedbackRepository interface {
	// TutorFeedbackBySubmission groups human feedback of the given submissions by submission id.
	TutorFeedbackBySubmission(ctx context.Context, exerciseID uint, submissionIDs []uint) (map[uint][]models.Feedback, error)
	// Create inserts one feedback row.
	Create(ctx context.Context, feedback *models.Feedback) error
}

type feedbackRepository struct {
	db *gorm.DB
}

// NewFeedbackRepository instantiates the repository.
func NewFeedbackRepository(db *gorm.DB) FeedbackRepository {
	return &feedbackRepository{db: db}
}

func (r *feedbackRepository) TutorFeedbackBySubmission(ctx context.Context, exerciseID uint, submissionIDs []uint) (map[uint][]models.Feedback, error) {
	grouped := make(map[uint][]models.Feedback)
	if len(submissionIDs) == 0 {
		return grouped, nil
	}

	var feedbacks []models.Feedback
	if err := r.db.WithContext(ctx).
		Where("exercise_id = ?", exerciseID).
		Where("submission_id IN ?", submissionIDs).
		Where("is_suggestion = ?", false).
		Order("id ASC").
		Find(&feedbacks).Error; err != nil {
		return nil, err
	}

	for _, feedback := range feedbacks {
		grouped[feedback.SubmissionID] = append(grouped[feedback.SubmissionID], feedback)
	}
	return grouped, nil
}

func (r *feedbackRepository) Create(ctx context.Context, feedback *models.Feedback) error {
	return r.db.WithContext(ctx).Create(feedback).Error
}
