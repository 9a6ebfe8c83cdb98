package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/prepstack/eval-go-api/internal/models"
)

// EvaluationStatusRepository defines data operations for the polling-facing
// evaluation status records.
type EvaluationStatusRepository interface {
	Create(ctx context.Context, status *models.EvaluationStatus) error
	GetByID(ctx context.Context, id string) (models.EvaluationStatus, error)
	// Update persists the status's mutable fields, refusing to touch rows
	// already in a terminal state.
	Update(ctx context.Context, status *models.EvaluationStatus) error
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.EvaluationStatus, error)
	Delete(ctx context.Context, id string) error
}

type evaluationStatusRepository struct {
	db *gorm.DB
}

// NewEvaluationStatusRepository instantiates the repository.
func NewEvaluationStatusRepository(db *gorm.DB) EvaluationStatusRepository {
	return &evaluationStatusRepository{db: db}
}

var terminalStatusStatuses = []string{
	models.EvaluationStatusCompleted,
	models.EvaluationStatusFailed,
}

func (r *evaluationStatusRepository) Create(ctx context.Context, status *models.EvaluationStatus) error {
	return r.db.WithContext(ctx).Create(status).Error
}

func (r *evaluationStatusRepository) GetByID(ctx context.Context, id string) (models.EvaluationStatus, error) {
	var status models.EvaluationStatus
	if err := r.db.WithContext(ctx).First(&status, "id = ?", id).Error; err != nil {
		return models.EvaluationStatus{}, err
	}

	return status, nil
}

func (r *evaluationStatusRepository) Update(ctx context.Context, status *models.EvaluationStatus) error {
	result := r.db.WithContext(ctx).
		Model(&models.EvaluationStatus{}).
		Where("id = ?", status.ID).
		Where("status NOT IN ?", terminalStatusStatuses).
		Updates(map[string]interface{}{
			"status":     status.Status,
			"progress":   status.Progress,
			"message":    status.Message,
			"error_code": status.ErrorCode,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrTerminalState
	}

	return nil
}

func (r *evaluationStatusRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.EvaluationStatus, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var statuses []models.EvaluationStatus
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&statuses).Error
	if err != nil {
		return nil, err
	}

	return statuses, nil
}

// Delete removes a status record. Only intake rollback uses this.
func (r *evaluationStatusRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&models.EvaluationStatus{}, "id = ?", id).Error
}
