package validator

import (
	"time"

	"github.com/schoolkit/cbt-service/internal/models"
)

// TestCreateRequest represents the request structure for creating tests
type TestCreateRequest struct {
	Title           string                  `json:"title" validate:"required,test_title"`
	Description     *string                 `json:"description" validate:"omitempty,max=1000"`
	DurationMinutes int                     `json:"duration_minutes" validate:"required,test_duration"`
	PassingScore    int                     `json:"passing_score" validate:"passing_score"`
	StartTime       *time.Time              `json:"start_time"`
	EndTime         *time.Time              `json:"end_time"`
	Questions       []QuestionCreateRequest `json:"questions" validate:"omitempty,dive"`
}

// TestUpdateRequest represents the request structure for updating tests
type TestUpdateRequest struct {
	Title           *string    `json:"title" validate:"omitempty,test_title"`
	Description     *string    `json:"description" validate:"omitempty,max=1000"`
	DurationMinutes *int       `json:"duration_minutes" validate:"omitempty,test_duration"`
	PassingScore    *int       `json:"passing_score" validate:"omitempty,passing_score"`
	StartTime       *time.Time `json:"start_time"`
	EndTime         *time.Time `json:"end_time"`
	Status          *string    `json:"status" validate:"omitempty,oneof=Draft Active Archived"`
}

// QuestionCreateRequest represents the request structure for creating questions
type QuestionCreateRequest struct {
	Type    models.QuestionType `json:"type" validate:"required,question_type"`
	Text    string              `json:"text" validate:"required,min=1,max=2000"`
	Content interface{}         `json:"content" validate:"required"`
	Points  int                 `json:"points" validate:"required,points_range"`
	Order   int                 `json:"order" validate:"omitempty,min=1"`
}

// QuestionUpdateRequest represents the request structure for updating questions
type QuestionUpdateRequest struct {
	Type    *models.QuestionType `json:"type" validate:"omitempty,question_type"`
	Text    *string              `json:"text" validate:"omitempty,min=1,max=2000"`
	Content interface{}          `json:"content"`
	Points  *int                 `json:"points" validate:"omitempty,points_range"`
	Order   *int                 `json:"order" validate:"omitempty,min=1"`
}
