package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/prepstack/eval-go-api/internal/models"
)

// FeedbackRepository defines data operations for evaluation feedback.
type FeedbackRepository interface {
	Create(ctx context.Context, feedback *models.Feedback) error
	GetBySubmissionID(ctx context.Context, submissionID string) (models.Feedback, error)
	ListBySubmissionIDs(ctx context.Context, submissionIDs []string) ([]models.Feedback, error)
}

type feedbackRepository struct {
	db *gorm.DB
}

// NewFeedbackRepository instantiates the repository.
func NewFeedbackRepository(db *gorm.DB) FeedbackRepository {
	return &feedbackRepository{db: db}
}

func (r *feedbackRepository) Create(ctx context.Context, feedback *models.Feedback) error {
	return r.db.WithContext(ctx).Create(feedback).Error
}

func (r *feedbackRepository) GetBySubmissionID(ctx context.Context, submissionID string) (models.Feedback, error) {
	var feedback models.Feedback
	err := r.db.WithContext(ctx).
		Where("submission_id = ?", submissionID).
		Order("created_at DESC").
		First(&feedback).Error
	if err != nil {
		return models.Feedback{}, err
	}

	return feedback, nil
}

func (r *feedbackRepository) ListBySubmissionIDs(ctx context.Context, submissionIDs []string) ([]models.Feedback, error) {
	if len(submissionIDs) == 0 {
		return nil, nil
	}

	var feedbacks []models.Feedback
	err := r.db.WithContext(ctx).
		Where("submission_id IN ?", submissionIDs).
		Order("created_at DESC").
		Find(&feedbacks).Error
	if err != nil {
		return nil, err
	}

	return feedbacks, nil
}
