package repositories

import (
	"context"

	"gorm.io/gorm"

	"github.com/schoolkit/cbt-service/internal/models"
)

// TestRepository is the read side of the test catalog plus the writes the
// authoring surface needs. The attempt engine only reads from it.
type TestRepository interface {
	// Basic CRUD operations
	Create(ctx context.Context, tx *gorm.DB, test *models.Test) error
	GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.Test, error)
	GetByIDWithQuestions(ctx context.Context, tx *gorm.DB, id uint) (*models.Test, error)
	Update(ctx context.Context, tx *gorm.DB, test *models.Test) error
	Delete(ctx context.Context, tx *gorm.DB, id uint) error

	// Query operations
	List(ctx context.Context, tx *gorm.DB, filters TestFilters) ([]*models.Test, int64, error)
	GetByCreator(ctx context.Context, tx *gorm.DB, creatorID string, filters TestFilters) ([]*models.Test, int64, error)

	// Validation and checks
	ExistsByID(ctx context.Context, tx *gorm.DB, id uint) (bool, error)
	IsOwner(ctx context.Context, tx *gorm.DB, id uint, userID string) (bool, error)
}

type QuestionRepository interface {
	// Basic CRUD operations
	Create(ctx context.Context, tx *gorm.DB, question *models.Question) error
	GetByID(ctx context.Context, tx *gorm.DB, id uint) (*models.Question, error)
	Update(ctx context.Context, tx *gorm.DB, question *models.Question) error
	Delete(ctx context.Context, tx *gorm.DB, id uint) error

	// Bulk operations
	CreateBatch(ctx context.Context, tx *gorm.DB, questions []*models.Question) error
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uint) ([]*models.Question, error)

	// Test-specific queries
	GetByTest(ctx context.Context, tx *gorm.DB, testID uint) ([]*models.Question, error)
	CountByTest(ctx context.Context, tx *gorm.DB, testID uint) (int64, error)
	TotalPointsByTest(ctx context.Context, tx *gorm.DB, testID uint) (int, error)
}
