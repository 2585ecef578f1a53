package pkg

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/schoolkit/cbt-service/internal/config"
	"github.com/schoolkit/cbt-service/internal/models"
)

// InitDatabase opens the postgres connection and runs migrations.
func InitDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormLogLevel := logger.Warn
	if cfg.Environment == "development" {
		gormLogLevel = logger.Info
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(gormLogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.User{},
		&models.Test{},
		&models.Question{},
		&models.Attempt{},
		&models.Answer{},
		&models.CheatEvent{},
	); err != nil {
		return err
	}

	// One in-progress attempt per (test, student). AutoMigrate cannot
	// express a partial index, so it is created directly.
	return db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_one_active
		 ON attempts (test_id, student_id)
		 WHERE status = 'in_progress'`,
	).Error
}
