package repositories

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/schoolkit/cbt-service/internal/models"
)

type AttemptRepository interface {
	// Basic CRUD operations
	Create(ctx context.Context, tx *gorm.DB, attempt *models.Attempt) error
	GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.Attempt, error)
	GetByIDWithDetails(ctx context.Context, tx *gorm.DB, id uint) (*models.Attempt, error)
	Update(ctx context.Context, tx *gorm.DB, attempt *models.Attempt) error

	// Query operations
	List(ctx context.Context, tx *gorm.DB, filters AttemptFilters) ([]*models.Attempt, int64, error)
	GetByStudent(ctx context.Context, tx *gorm.DB, studentID string, filters AttemptFilters) ([]*models.Attempt, int64, error)
	GetByTest(ctx context.Context, tx *gorm.DB, testID uint, filters AttemptFilters) ([]*models.Attempt, int64, error)
	GetTerminalByTest(ctx context.Context, tx *gorm.DB, testID uint) ([]*models.Attempt, error)

	// Single-active-attempt queries
	GetActiveAttempt(ctx context.Context, tx *gorm.DB, studentID string, testID uint) (*models.Attempt, error)
	HasActiveAttempt(ctx context.Context, tx *gorm.DB, studentID string, testID uint) (bool, error)

	// Closure. Close performs the one-way transition out of in_progress:
	// it updates the row only while status is still in_progress and
	// reports whether this call won the transition.
	Close(ctx context.Context, tx *gorm.DB, attempt *models.Attempt) (bool, error)

	// Maintenance
	GetOverdueAttempts(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]*models.Attempt, error)

	// Statistics
	GetTestAttemptStats(ctx context.Context, tx *gorm.DB, testID uint) (*TestAttemptStats, error)
}

type AnswerRepository interface {
	GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.Answer, error)
	GetByAttempt(ctx context.Context, tx *gorm.DB, attemptID uint) ([]*models.Answer, error)
	GetByAttemptAndQuestion(ctx context.Context, tx *gorm.DB, attemptID, questionID uint) (*models.Answer, error)

	// Upsert keyed by (attempt_id, question_id); later SubmittedAt wins.
	Upsert(ctx context.Context, tx *gorm.DB, answer *models.Answer) error

	Update(ctx context.Context, tx *gorm.DB, answer *models.Answer) error

	CountByAttempt(ctx context.Context, tx *gorm.DB, attemptID uint) (int64, error)

	// Manual grading
	UpdateGrade(ctx context.Context, tx *gorm.DB, id uint, pointsEarned float64, isCorrect *bool, feedback *string, graderID string) error
}

// CheatEventRepository is append-only; events are never updated or deleted.
type CheatEventRepository interface {
	Append(ctx context.Context, tx *gorm.DB, event *models.CheatEvent) error
	GetByAttempt(ctx context.Context, tx *gorm.DB, attemptID uint) ([]*models.CheatEvent, error)
	CountByAttempt(ctx context.Context, tx *gorm.DB, attemptID uint) (int64, error)
}
