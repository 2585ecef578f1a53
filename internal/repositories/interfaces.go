package repositories

import (
	"time"

	"github.com/schoolkit/cbt-service/internal/models"
)

// ===== SHARED FILTER STRUCTS =====

type TestFilters struct {
	Status    *models.TestStatus `json:"status"`
	CreatedBy *string            `json:"created_by"`
	DateFrom  *time.Time         `json:"date_from"`
	DateTo    *time.Time         `json:"date_to"`
	Limit     int                `json:"limit"`
	Offset    int                `json:"offset"`
	SortBy    string             `json:"sort_by"`    // "created_at", "title"
	SortOrder string             `json:"sort_order"` // "asc", "desc"
}

type AttemptFilters struct {
	Status    *models.AttemptStatus `json:"status"`
	StudentID *string               `json:"student_id"`
	DateFrom  *time.Time            `json:"date_from"`
	DateTo    *time.Time            `json:"date_to"`
	Limit     int                   `json:"limit"`
	Offset    int                   `json:"offset"`
	SortBy    string                `json:"sort_by"`
	SortOrder string                `json:"sort_order"`
}

type UserFilters struct {
	Role   *models.UserRole `json:"role"`
	Query  string           `json:"query"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

// ===== SHARED HELPER STRUCTS =====

// AttemptValidation is the outcome of a start-eligibility check.
type AttemptValidation struct {
	CanStart bool   `json:"can_start"`
	Reason   string `json:"reason,omitempty"`
}

// ===== SHARED STATISTICS STRUCTS =====

type TestAttemptStats struct {
	TotalAttempts   int                          `json:"total_attempts"`
	StatusBreakdown map[models.AttemptStatus]int `json:"status_breakdown"`
	AverageScore    float64                      `json:"average_score"`
	PassRate        float64                      `json:"pass_rate"`
	CompletionRate  float64                      `json:"completion_rate"`
}
