package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/schoolkit/cbt-service/internal/models"
	"github.com/schoolkit/cbt-service/internal/repositories"
)

// AttemptPostgreSQL implements the AttemptRepository interface. Attempt
// rows are never served from cache: lazy expiry and the close race need
// the current status on every read.
type AttemptPostgreSQL struct {
	db      *gorm.DB
	helpers *SharedHelpers
}

func NewAttemptPostgreSQL(db *gorm.DB, _ *redis.Client) repositories.AttemptRepository {
	return &AttemptPostgreSQL{
		db:      db,
		helpers: NewSharedHelpers(db),
	}
}

func (a *AttemptPostgreSQL) Create(ctx context.Context, tx *gorm.DB, attempt *models.Attempt) error {
	db := a.getDB(tx)
	if err := db.WithContext(ctx).Create(attempt).Error; err != nil {
		return fmt.Errorf("failed to create attempt: %w", err)
	}
	return nil
}

func (a *AttemptPostgreSQL) GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.Attempt, error) {
	db := a.getDB(tx)
	var attempt models.Attempt
	if err := db.WithContext(ctx).First(&attempt, id).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (a *AttemptPostgreSQL) GetByIDWithDetails(ctx context.Context, tx *gorm.DB, id uint) (*models.Attempt, error) {
	db := a.getDB(tx)
	var attempt models.Attempt
	if err := db.WithContext(ctx).
		Preload("Student").
		Preload("Test").
		Preload("Answers").
		First(&attempt, id).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (a *AttemptPostgreSQL) Update(ctx context.Context, tx *gorm.DB, attempt *models.Attempt) error {
	db := a.getDB(tx)
	return db.WithContext(ctx).Save(attempt).Error
}

func (a *AttemptPostgreSQL) List(ctx context.Context, tx *gorm.DB, filters repositories.AttemptFilters) ([]*models.Attempt, int64, error) {
	db := a.getDB(tx)
	var attempts []*models.Attempt
	var total int64

	// apply filter first
	query := db.WithContext(ctx).Model(&models.Attempt{})
	query = a.helpers.ApplyAttemptFilters(query, filters)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	// then apply pagination and sorting
	query = a.helpers.ApplyPaginationAndSort(query, filters.SortBy, filters.SortOrder, filters.Limit, filters.Offset)

	if err := query.Preload("Student").Preload("Test").Find(&attempts).Error; err != nil {
		return nil, 0, err
	}

	return attempts, total, nil
}

func (a *AttemptPostgreSQL) GetByStudent(ctx context.Context, tx *gorm.DB, studentID string, filters repositories.AttemptFilters) ([]*models.Attempt, int64, error) {
	filters.StudentID = &studentID
	return a.List(ctx, tx, filters)
}

func (a *AttemptPostgreSQL) GetByTest(ctx context.Context, tx *gorm.DB, testID uint, filters repositories.AttemptFilters) ([]*models.Attempt, int64, error) {
	db := a.getDB(tx)
	var attempts []*models.Attempt
	var total int64

	query := db.WithContext(ctx).Model(&models.Attempt{}).Where("test_id = ?", testID)
	query = a.helpers.ApplyAttemptFilters(query, filters)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	query = a.helpers.ApplyPaginationAndSort(query, filters.SortBy, filters.SortOrder, filters.Limit, filters.Offset)

	if err := query.Preload("Student").Find(&attempts).Error; err != nil {
		return nil, 0, err
	}

	return attempts, total, nil
}

// GetTerminalByTest returns all closed attempts of a test, for result
// exports and statistics.
func (a *AttemptPostgreSQL) GetTerminalByTest(ctx context.Context, tx *gorm.DB, testID uint) ([]*models.Attempt, error) {
	db := a.getDB(tx)
	var attempts []*models.Attempt
	if err := db.WithContext(ctx).
		Where("test_id = ? AND status <> ?", testID, models.AttemptInProgress).
		Order("finished_at ASC").
		Preload("Student").
		Find(&attempts).Error; err != nil {
		return nil, fmt.Errorf("failed to get terminal attempts: %w", err)
	}
	return attempts, nil
}

func (a *AttemptPostgreSQL) GetActiveAttempt(ctx context.Context, tx *gorm.DB, studentID string, testID uint) (*models.Attempt, error) {
	db := a.getDB(tx)
	var attempt models.Attempt
	if err := db.WithContext(ctx).
		Where("student_id = ? AND test_id = ? AND status = ?", studentID, testID, models.AttemptInProgress).
		First(&attempt).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (a *AttemptPostgreSQL) HasActiveAttempt(ctx context.Context, tx *gorm.DB, studentID string, testID uint) (bool, error) {
	db := a.getDB(tx)
	var count int64
	if err := db.WithContext(ctx).
		Model(&models.Attempt{}).
		Where("student_id = ? AND test_id = ? AND status = ?", studentID, testID, models.AttemptInProgress).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// Close performs the one-way transition out of in_progress. The guarded
// UPDATE makes the transition happen at most once even when two closers
// race; the return value tells the caller whether it won.
func (a *AttemptPostgreSQL) Close(ctx context.Context, tx *gorm.DB, attempt *models.Attempt) (bool, error) {
	db := a.getDB(tx)

	result := db.WithContext(ctx).
		Model(&models.Attempt{}).
		Where("id = ? AND status = ?", attempt.ID, models.AttemptInProgress).
		Updates(map[string]interface{}{
			"status":         attempt.Status,
			"finished_at":    attempt.FinishedAt,
			"score":          attempt.Score,
			"is_passed":      attempt.IsPassed,
			"close_reason":   attempt.CloseReason,
			"blocked_reason": attempt.BlockedReason,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to close attempt: %w", result.Error)
	}

	return result.RowsAffected == 1, nil
}

// GetOverdueAttempts lists in-progress attempts whose deadline has passed,
// for the optional promptness sweep.
func (a *AttemptPostgreSQL) GetOverdueAttempts(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]*models.Attempt, error) {
	db := a.getDB(tx)
	var attempts []*models.Attempt
	query := db.WithContext(ctx).
		Where("status = ? AND deadline_at <= ?", models.AttemptInProgress, now).
		Order("deadline_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}

func (a *AttemptPostgreSQL) GetTestAttemptStats(ctx context.Context, tx *gorm.DB, testID uint) (*repositories.TestAttemptStats, error) {
	totalAttempts, err := a.helpers.CountAttempts(ctx, testID)
	if err != nil {
		return nil, err
	}

	statusBreakdown := make(map[models.AttemptStatus]int)
	statuses := []models.AttemptStatus{models.AttemptInProgress, models.AttemptCompleted, models.AttemptBlocked, models.AttemptExpired}
	for _, status := range statuses {
		count, err := a.helpers.CountAttemptsByStatus(ctx, testID, status)
		if err != nil {
			return nil, err
		}
		statusBreakdown[status] = int(count)
	}

	var avgScore float64
	var closedCount, passedCount int64

	a.db.WithContext(ctx).
		Model(&models.Attempt{}).
		Where("test_id = ? AND status <> ?", testID, models.AttemptInProgress).
		Select("COALESCE(AVG(score), 0), COUNT(*), SUM(CASE WHEN is_passed = true THEN 1 ELSE 0 END)").
		Row().Scan(&avgScore, &closedCount, &passedCount)

	passRate := float64(0)
	if closedCount > 0 {
		passRate = float64(passedCount) / float64(closedCount)
	}

	completionRate := float64(0)
	if totalAttempts > 0 {
		completionRate = float64(closedCount) / float64(totalAttempts)
	}

	return &repositories.TestAttemptStats{
		TotalAttempts:   int(totalAttempts),
		StatusBreakdown: statusBreakdown,
		AverageScore:    avgScore,
		PassRate:        passRate,
		CompletionRate:  completionRate,
	}, nil
}

// getDB returns the transaction DB if provided, otherwise returns the default DB
func (a *AttemptPostgreSQL) getDB(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return a.db
}

// ===== ANSWER REPOSITORY IMPLEMENTATION =====

// AnswerPostgreSQL implements the AnswerRepository interface
type AnswerPostgreSQL struct {
	db *gorm.DB
}

func NewAnswerPostgreSQL(db *gorm.DB, _ *redis.Client) repositories.AnswerRepository {
	return &AnswerPostgreSQL{db: db}
}

func (ar *AnswerPostgreSQL) GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.Answer, error) {
	db := ar.getDB(tx)
	var answer models.Answer
	if err := db.WithContext(ctx).First(&answer, id).Error; err != nil {
		return nil, err
	}
	return &answer, nil
}

func (ar *AnswerPostgreSQL) GetByAttempt(ctx context.Context, tx *gorm.DB, attemptID uint) ([]*models.Answer, error) {
	db := ar.getDB(tx)
	var answers []*models.Answer
	if err := db.WithContext(ctx).
		Where("attempt_id = ?", attemptID).
		Order("question_id ASC").
		Find(&answers).Error; err != nil {
		return nil, fmt.Errorf("failed to get answers by attempt: %w", err)
	}
	return answers, nil
}

func (ar *AnswerPostgreSQL) GetByAttemptAndQuestion(ctx context.Context, tx *gorm.DB, attemptID, questionID uint) (*models.Answer, error) {
	db := ar.getDB(tx)
	var answer models.Answer
	if err := db.WithContext(ctx).
		Where("attempt_id = ? AND question_id = ?", attemptID, questionID).
		First(&answer).Error; err != nil {
		return nil, err
	}
	return &answer, nil
}

// Upsert writes the answer slot for (attempt_id, question_id). A stored
// answer with a later SubmittedAt wins over the incoming one.
func (ar *AnswerPostgreSQL) Upsert(ctx context.Context, tx *gorm.DB, answer *models.Answer) error {
	db := ar.getDB(tx)

	existing, err := ar.GetByAttemptAndQuestion(ctx, tx, answer.AttemptID, answer.QuestionID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to check existing answer: %w", err)
	}

	if existing != nil {
		if answer.SubmittedAt.Before(existing.SubmittedAt) {
			// Stale write, the stored answer is newer
			return nil
		}
		return db.WithContext(ctx).
			Model(&models.Answer{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{
				"answer_text":  answer.AnswerText,
				"submitted_at": answer.SubmittedAt,
			}).Error
	}

	if err := db.WithContext(ctx).Create(answer).Error; err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	return nil
}

func (ar *AnswerPostgreSQL) Update(ctx context.Context, tx *gorm.DB, answer *models.Answer) error {
	db := ar.getDB(tx)
	return db.WithContext(ctx).Save(answer).Error
}

func (ar *AnswerPostgreSQL) CountByAttempt(ctx context.Context, tx *gorm.DB, attemptID uint) (int64, error) {
	db := ar.getDB(tx)
	var count int64
	err := db.WithContext(ctx).
		Model(&models.Answer{}).
		Where("attempt_id = ?", attemptID).
		Count(&count).Error
	return count, err
}

// UpdateGrade records a manual grade for an answer.
func (ar *AnswerPostgreSQL) UpdateGrade(ctx context.Context, tx *gorm.DB, id uint, pointsEarned float64, isCorrect *bool, feedback *string, graderID string) error {
	db := ar.getDB(tx)
	now := time.Now()
	updates := map[string]interface{}{
		"points_earned": pointsEarned,
		"graded_by":     graderID,
		"graded_at":     &now,
	}

	if isCorrect != nil {
		updates["is_correct"] = *isCorrect
	}
	if feedback != nil {
		updates["feedback"] = *feedback
	}

	if err := db.WithContext(ctx).
		Model(&models.Answer{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update grade: %w", err)
	}

	return nil
}

func (ar *AnswerPostgreSQL) getDB(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return ar.db
}

// ===== CHEAT EVENT REPOSITORY IMPLEMENTATION =====

// CheatEventPostgreSQL implements the CheatEventRepository interface.
// Rows are append-only.
type CheatEventPostgreSQL struct {
	db *gorm.DB
}

func NewCheatEventPostgreSQL(db *gorm.DB, _ *redis.Client) repositories.CheatEventRepository {
	return &CheatEventPostgreSQL{db: db}
}

func (c *CheatEventPostgreSQL) Append(ctx context.Context, tx *gorm.DB, event *models.CheatEvent) error {
	db := c.getDB(tx)
	if err := db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to append cheat event: %w", err)
	}
	return nil
}

func (c *CheatEventPostgreSQL) GetByAttempt(ctx context.Context, tx *gorm.DB, attemptID uint) ([]*models.CheatEvent, error) {
	db := c.getDB(tx)
	var events []*models.CheatEvent
	if err := db.WithContext(ctx).
		Where("attempt_id = ?", attemptID).
		Order("id ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to get cheat events: %w", err)
	}
	return events, nil
}

func (c *CheatEventPostgreSQL) CountByAttempt(ctx context.Context, tx *gorm.DB, attemptID uint) (int64, error) {
	db := c.getDB(tx)
	var count int64
	err := db.WithContext(ctx).
		Model(&models.CheatEvent{}).
		Where("attempt_id = ?", attemptID).
		Count(&count).Error
	return count, err
}

func (c *CheatEventPostgreSQL) getDB(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return c.db
}
