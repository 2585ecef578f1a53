package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/schoolkit/cbt-service/internal/cache"
	"github.com/schoolkit/cbt-service/internal/models"
	"github.com/schoolkit/cbt-service/internal/repositories"
)

type TestPostgreSQL struct {
	db           *gorm.DB
	helpers      *SharedHelpers
	cacheManager *cache.CacheManager
}

func NewTestPostgreSQL(db *gorm.DB, redisClient *redis.Client) repositories.TestRepository {
	return &TestPostgreSQL{
		db:           db,
		helpers:      NewSharedHelpers(db),
		cacheManager: cache.NewCacheManager(redisClient),
	}
}

func (t *TestPostgreSQL) Create(ctx context.Context, tx *gorm.DB, test *models.Test) error {
	db := t.getDB(tx)
	if err := db.WithContext(ctx).Create(test).Error; err != nil {
		return fmt.Errorf("failed to create test: %w", err)
	}
	return nil
}

// GetByID retrieves a test definition with caching. Definitions change
// rarely, so a short TTL is safe.
func (t *TestPostgreSQL) GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.Test, error) {
	db := t.getDB(tx)
	cacheKey := fmt.Sprintf("id:%d", id)
	var test models.Test

	err := t.cacheManager.Test.CacheOrExecute(ctx, cacheKey, &test, cache.TestCacheConfig.TTL, func() (interface{}, error) {
		var dbTest models.Test
		if err := db.WithContext(ctx).First(&dbTest, id).Error; err != nil {
			return nil, err
		}
		return &dbTest, nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, gorm.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get test: %w", err)
	}

	return &test, nil
}

// GetByIDWithQuestions loads the test and its questions in display order.
func (t *TestPostgreSQL) GetByIDWithQuestions(ctx context.Context, tx *gorm.DB, id uint) (*models.Test, error) {
	db := t.getDB(tx)
	cacheKey := fmt.Sprintf("questions:%d", id)
	var test models.Test

	err := t.cacheManager.Test.CacheOrExecute(ctx, cacheKey, &test, cache.TestCacheConfig.TTL, func() (interface{}, error) {
		var dbTest models.Test
		if err := db.WithContext(ctx).
			Preload("Questions", func(db *gorm.DB) *gorm.DB {
				return db.Order("questions.\"order\" ASC, questions.id ASC")
			}).
			First(&dbTest, id).Error; err != nil {
			return nil, err
		}
		return &dbTest, nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, gorm.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get test with questions: %w", err)
	}

	return &test, nil
}

func (t *TestPostgreSQL) Update(ctx context.Context, tx *gorm.DB, test *models.Test) error {
	db := t.getDB(tx)
	if err := db.WithContext(ctx).Save(test).Error; err != nil {
		return fmt.Errorf("failed to update test: %w", err)
	}

	cache.InvalidateTestCache(ctx, t.cacheManager, test.ID, test.CreatedBy)
	return nil
}

func (t *TestPostgreSQL) Delete(ctx context.Context, tx *gorm.DB, id uint) error {
	db := t.getDB(tx)
	if err := db.WithContext(ctx).Delete(&models.Test{}, id).Error; err != nil {
		return fmt.Errorf("failed to delete test: %w", err)
	}

	t.cacheManager.Test.Delete(ctx, fmt.Sprintf("id:%d", id), fmt.Sprintf("questions:%d", id))
	return nil
}

func (t *TestPostgreSQL) List(ctx context.Context, tx *gorm.DB, filters repositories.TestFilters) ([]*models.Test, int64, error) {
	db := t.getDB(tx)
	var tests []*models.Test
	var total int64

	query := db.WithContext(ctx).Model(&models.Test{})
	query = t.helpers.ApplyTestFilters(query, filters)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = t.helpers.ApplyPaginationAndSort(query, filters.SortBy, filters.SortOrder, filters.Limit, filters.Offset)

	if err := query.Find(&tests).Error; err != nil {
		return nil, 0, err
	}

	return tests, total, nil
}

func (t *TestPostgreSQL) GetByCreator(ctx context.Context, tx *gorm.DB, creatorID string, filters repositories.TestFilters) ([]*models.Test, int64, error) {
	filters.CreatedBy = &creatorID
	return t.List(ctx, tx, filters)
}

func (t *TestPostgreSQL) ExistsByID(ctx context.Context, tx *gorm.DB, id uint) (bool, error) {
	db := t.getDB(tx)
	var count int64
	if err := db.WithContext(ctx).
		Model(&models.Test{}).
		Where("id = ?", id).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (t *TestPostgreSQL) IsOwner(ctx context.Context, tx *gorm.DB, id uint, userID string) (bool, error) {
	db := t.getDB(tx)
	var count int64
	if err := db.WithContext(ctx).
		Model(&models.Test{}).
		Where("id = ? AND created_by = ?", id, userID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// getDB returns the transaction DB if provided, otherwise returns the default DB
func (t *TestPostgreSQL) getDB(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return t.db
}

// ===== QUESTION REPOSITORY IMPLEMENTATION =====

type QuestionPostgreSQL struct {
	db           *gorm.DB
	cacheManager *cache.CacheManager
}

func NewQuestionPostgreSQL(db *gorm.DB, redisClient *redis.Client) repositories.QuestionRepository {
	return &QuestionPostgreSQL{
		db:           db,
		cacheManager: cache.NewCacheManager(redisClient),
	}
}

func (q *QuestionPostgreSQL) Create(ctx context.Context, tx *gorm.DB, question *models.Question) error {
	db := q.getDB(tx)
	if err := db.WithContext(ctx).Create(question).Error; err != nil {
		return fmt.Errorf("failed to create question: %w", err)
	}

	cache.InvalidateQuestionCache(ctx, q.cacheManager, question.ID, question.TestID)
	return nil
}

func (q *QuestionPostgreSQL) GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.Question, error) {
	db := q.getDB(tx)
	cacheKey := fmt.Sprintf("id:%d", id)
	var question models.Question

	err := q.cacheManager.Question.CacheOrExecute(ctx, cacheKey, &question, cache.QuestionCacheConfig.TTL, func() (interface{}, error) {
		var dbQuestion models.Question
		if err := db.WithContext(ctx).First(&dbQuestion, id).Error; err != nil {
			return nil, err
		}
		return &dbQuestion, nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, gorm.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get question: %w", err)
	}

	return &question, nil
}

func (q *QuestionPostgreSQL) Update(ctx context.Context, tx *gorm.DB, question *models.Question) error {
	db := q.getDB(tx)
	if err := db.WithContext(ctx).Save(question).Error; err != nil {
		return fmt.Errorf("failed to update question: %w", err)
	}

	cache.InvalidateQuestionCache(ctx, q.cacheManager, question.ID, question.TestID)
	return nil
}

func (q *QuestionPostgreSQL) Delete(ctx context.Context, tx *gorm.DB, id uint) error {
	db := q.getDB(tx)

	question, err := q.GetByID(ctx, tx, id)
	if err != nil {
		return err
	}

	if err := db.WithContext(ctx).Delete(&models.Question{}, id).Error; err != nil {
		return fmt.Errorf("failed to delete question: %w", err)
	}

	cache.InvalidateQuestionCache(ctx, q.cacheManager, id, question.TestID)
	return nil
}

func (q *QuestionPostgreSQL) CreateBatch(ctx context.Context, tx *gorm.DB, questions []*models.Question) error {
	if len(questions) == 0 {
		return nil
	}

	db := q.getDB(tx)
	if err := db.WithContext(ctx).CreateInBatches(questions, 100).Error; err != nil {
		return fmt.Errorf("failed to create questions batch: %w", err)
	}

	testIDs := make(map[uint]bool)
	for _, question := range questions {
		testIDs[question.TestID] = true
	}
	for testID := range testIDs {
		q.cacheManager.Test.Delete(ctx, fmt.Sprintf("questions:%d", testID))
	}

	return nil
}

func (q *QuestionPostgreSQL) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uint) ([]*models.Question, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	db := q.getDB(tx)
	var questions []*models.Question
	if err := db.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&questions).Error; err != nil {
		return nil, fmt.Errorf("failed to get questions by ids: %w", err)
	}
	return questions, nil
}

func (q *QuestionPostgreSQL) GetByTest(ctx context.Context, tx *gorm.DB, testID uint) ([]*models.Question, error) {
	db := q.getDB(tx)
	var questions []*models.Question
	if err := db.WithContext(ctx).
		Where("test_id = ?", testID).
		Order("\"order\" ASC, id ASC").
		Find(&questions).Error; err != nil {
		return nil, fmt.Errorf("failed to get questions by test: %w", err)
	}
	return questions, nil
}

func (q *QuestionPostgreSQL) CountByTest(ctx context.Context, tx *gorm.DB, testID uint) (int64, error) {
	db := q.getDB(tx)
	var count int64
	err := db.WithContext(ctx).
		Model(&models.Question{}).
		Where("test_id = ?", testID).
		Count(&count).Error
	return count, err
}

func (q *QuestionPostgreSQL) TotalPointsByTest(ctx context.Context, tx *gorm.DB, testID uint) (int, error) {
	db := q.getDB(tx)
	var total int
	err := db.WithContext(ctx).
		Model(&models.Question{}).
		Where("test_id = ?", testID).
		Select("COALESCE(SUM(points), 0)").
		Scan(&total).Error
	return total, err
}

func (q *QuestionPostgreSQL) getDB(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return q.db
}
