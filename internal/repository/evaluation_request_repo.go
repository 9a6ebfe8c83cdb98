package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/prepstack/eval-go-api/internal/models"
)

// EvaluationRequestRepository defines data operations for evaluation requests.
// Requests are keyed by the caller-supplied request identifier and, once
// terminal, are kept for idempotency lookups.
type EvaluationRequestRepository interface {
	// CreateIfAbsent inserts the request unless its ID is already taken,
	// reporting whether this call created the row.
	CreateIfAbsent(ctx context.Context, request *models.EvaluationRequest) (bool, error)
	GetByID(ctx context.Context, id string) (models.EvaluationRequest, error)
	// Update persists the request's mutable fields. Rows already in a
	// terminal state are left untouched and the update fails with
	// models.ErrTerminalState.
	Update(ctx context.Context, request *models.EvaluationRequest) error
	Delete(ctx context.Context, id string) error
}

type evaluationRequestRepository struct {
	db *gorm.DB
}

// NewEvaluationRequestRepository instantiates the repository.
func NewEvaluationRequestRepository(db *gorm.DB) EvaluationRequestRepository {
	return &evaluationRequestRepository{db: db}
}

var terminalRequestStatuses = []string{
	models.EvaluationRequestStatusCompleted,
	models.EvaluationRequestStatusFailed,
}

func (r *evaluationRequestRepository) CreateIfAbsent(ctx context.Context, request *models.EvaluationRequest) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(request)
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected > 0, nil
}

func (r *evaluationRequestRepository) GetByID(ctx context.Context, id string) (models.EvaluationRequest, error) {
	var request models.EvaluationRequest
	if err := r.db.WithContext(ctx).First(&request, "id = ?", id).Error; err != nil {
		return models.EvaluationRequest{}, err
	}

	return request, nil
}

func (r *evaluationRequestRepository) Update(ctx context.Context, request *models.EvaluationRequest) error {
	result := r.db.WithContext(ctx).
		Model(&models.EvaluationRequest{}).
		Where("id = ?", request.ID).
		Where("status NOT IN ?", terminalRequestStatuses).
		Updates(map[string]interface{}{
			"status":        request.Status,
			"retry_count":   request.RetryCount,
			"error_code":    request.ErrorCode,
			"error_message": request.ErrorMessage,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrTerminalState
	}

	return nil
}

// Delete removes a request. Only intake rollback uses this; requests that
// entered the pipeline are never deleted.
func (r *evaluationRequestRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&models.EvaluationRequest{}, "id = ?", id).Error
}
