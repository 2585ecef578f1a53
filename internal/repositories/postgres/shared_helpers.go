package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/schoolkit/cbt-service/internal/models"
	"github.com/schoolkit/cbt-service/internal/repositories"
)

// SharedHelpers contains common database operations
type SharedHelpers struct {
	db *gorm.DB
}

func NewSharedHelpers(db *gorm.DB) *SharedHelpers {
	return &SharedHelpers{db: db}
}

// CountAttempts counts attempts for a test
func (h *SharedHelpers) CountAttempts(ctx context.Context, testID uint) (int64, error) {
	var count int64
	err := h.db.WithContext(ctx).
		Model(&models.Attempt{}).
		Where("test_id = ?", testID).
		Count(&count).Error
	return count, err
}

// CountAttemptsByStatus counts attempts by status
func (h *SharedHelpers) CountAttemptsByStatus(ctx context.Context, testID uint, status models.AttemptStatus) (int64, error) {
	var count int64
	err := h.db.WithContext(ctx).
		Model(&models.Attempt{}).
		Where("test_id = ? AND status = ?", testID, status).
		Count(&count).Error
	return count, err
}

// GetTestBasicInfo gets the columns start-eligibility checks need
func (h *SharedHelpers) GetTestBasicInfo(ctx context.Context, testID uint) (*models.Test, error) {
	var test models.Test
	err := h.db.WithContext(ctx).
		Select("id, status, duration_minutes, passing_score, start_time, end_time").
		First(&test, testID).Error
	return &test, err
}

// ApplyTestFilters applies common filters to test queries
func (h *SharedHelpers) ApplyTestFilters(query *gorm.DB, filters repositories.TestFilters) *gorm.DB {
	if filters.Status != nil {
		query = query.Where("status = ?", *filters.Status)
	}
	if filters.CreatedBy != nil {
		query = query.Where("created_by = ?", *filters.CreatedBy)
	}
	if filters.DateFrom != nil {
		query = query.Where("created_at >= ?", *filters.DateFrom)
	}
	if filters.DateTo != nil {
		query = query.Where("created_at <= ?", *filters.DateTo)
	}
	return query
}

// ApplyAttemptFilters applies common filters to attempt queries
func (h *SharedHelpers) ApplyAttemptFilters(query *gorm.DB, filters repositories.AttemptFilters) *gorm.DB {
	if filters.Status != nil {
		query = query.Where("status = ?", *filters.Status)
	}
	if filters.StudentID != nil {
		query = query.Where("student_id = ?", *filters.StudentID)
	}
	if filters.DateFrom != nil {
		query = query.Where("created_at >= ?", *filters.DateFrom)
	}
	if filters.DateTo != nil {
		query = query.Where("created_at <= ?", *filters.DateTo)
	}
	return query
}

// ApplyPaginationAndSort applies pagination and sorting with SQL injection protection
func (h *SharedHelpers) ApplyPaginationAndSort(query *gorm.DB, sortBy, sortOrder string, limit, offset int) *gorm.DB {
	// Whitelist allowed sort columns
	allowedSortColumns := map[string]bool{
		"created_at":  true,
		"updated_at":  true,
		"id":          true,
		"title":       true,
		"status":      true,
		"score":       true,
		"started_at":  true,
		"finished_at": true,
	}

	if sortBy == "" || !allowedSortColumns[sortBy] {
		sortBy = "created_at"
	}

	if sortOrder != "asc" && sortOrder != "ASC" {
		sortOrder = "DESC"
	} else {
		sortOrder = "ASC"
	}

	query = query.Order(sortBy + " " + sortOrder)

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	return query
}

// ValidateAttemptEligibility checks if a student can start a new attempt.
// The single-active-attempt invariant itself is enforced transactionally in
// the attempt service; this is the advisory pre-check.
func (h *SharedHelpers) ValidateAttemptEligibility(ctx context.Context, testID uint, studentID string) (*repositories.AttemptValidation, error) {
	validation := &repositories.AttemptValidation{CanStart: true}

	test, err := h.GetTestBasicInfo(ctx, testID)
	if err != nil {
		return nil, err
	}

	if test.Status != models.StatusActive {
		validation.CanStart = false
		validation.Reason = "Test is not active"
		return validation, nil
	}

	if !test.IsAvailableAt(time.Now()) {
		validation.CanStart = false
		validation.Reason = "Test is outside its availability window"
		return validation, nil
	}

	var activeCount int64
	err = h.db.WithContext(ctx).
		Model(&models.Attempt{}).
		Where("student_id = ? AND test_id = ? AND status = ?", studentID, testID, models.AttemptInProgress).
		Count(&activeCount).Error
	if err != nil {
		return nil, err
	}

	if activeCount > 0 {
		validation.CanStart = false
		validation.Reason = "An attempt is already in progress"
		return validation, nil
	}

	return validation, nil
}
