package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/schoolkit/cbt-service/internal/events"
	"github.com/schoolkit/cbt-service/internal/repositories"
	"github.com/schoolkit/cbt-service/internal/validator"
)

// ServiceManagerConfig holds configuration for the service manager
type ServiceManagerConfig struct {
	EnableDebugLogging bool
	LogLevel           slog.Level

	// Violation count at which an attempt is blocked
	CheatEventThreshold int

	// Global settings
	DefaultTimeout time.Duration
}

// serviceManager implements ServiceManager interface
type serviceManager struct {
	// Dependencies
	db        *gorm.DB
	repo      repositories.Repository
	logger    *slog.Logger
	validator *validator.Validator
	publisher events.EventPublisher
	clock     Clock
	config    ServiceManagerConfig

	// Service instances
	testService    TestService
	attemptService AttemptService
	scoringService ScoringService
	resultService  ResultService

	// Lifecycle management
	initialized bool
	shutdown    bool
	mu          sync.RWMutex
}

// NewServiceManager creates a new service manager with all dependencies
func NewServiceManager(db *gorm.DB, repo repositories.Repository, logger *slog.Logger, v *validator.Validator, publisher events.EventPublisher, clock Clock, config ServiceManagerConfig) ServiceManager {
	if clock == nil {
		clock = SystemClock()
	}
	return &serviceManager{
		db:        db,
		repo:      repo,
		logger:    logger,
		validator: v,
		publisher: publisher,
		clock:     clock,
		config:    config,
	}
}

// NewDefaultServiceManager creates a service manager with default configuration
func NewDefaultServiceManager(db *gorm.DB, repo repositories.Repository, logger *slog.Logger, v *validator.Validator, publisher events.EventPublisher) ServiceManager {
	config := ServiceManagerConfig{
		EnableDebugLogging:  false,
		LogLevel:            slog.LevelInfo,
		CheatEventThreshold: 3,
		DefaultTimeout:      30 * time.Second,
	}

	return NewServiceManager(db, repo, logger, v, publisher, SystemClock(), config)
}

// Initialize sets up all services and their dependencies
func (sm *serviceManager) Initialize(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.initialized {
		return nil
	}

	sm.logger.Info("Initializing service manager")

	sm.scoringService = NewScoringService()

	attemptSvc := NewAttemptService(sm.repo, sm.db, sm.logger, sm.validator, sm.scoringService, sm.publisher, sm.clock, sm.config.CheatEventThreshold)
	sm.attemptService = attemptSvc

	// The result service shares the attempt locks so grading and closing
	// of the same attempt serialize.
	locks := attemptSvc.(*attemptService).locks
	sm.resultService = NewResultService(sm.repo, sm.db, sm.logger, sm.validator, sm.scoringService, sm.publisher, sm.clock, locks)

	sm.testService = NewTestService(sm.repo, sm.db, sm.logger, sm.validator)

	sm.initialized = true
	sm.logger.Info("Service manager initialized successfully",
		"cheat_event_threshold", sm.config.CheatEventThreshold)

	return nil
}

// Service getters
func (sm *serviceManager) Test() TestService {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.initialized {
		panic("service manager not initialized")
	}
	return sm.testService
}

func (sm *serviceManager) Attempt() AttemptService {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.initialized {
		panic("service manager not initialized")
	}
	return sm.attemptService
}

func (sm *serviceManager) Scoring() ScoringService {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.initialized {
		panic("service manager not initialized")
	}
	return sm.scoringService
}

func (sm *serviceManager) Result() ResultService {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.initialized {
		panic("service manager not initialized")
	}
	return sm.resultService
}

// Health and lifecycle
func (sm *serviceManager) HealthCheck(ctx context.Context) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.initialized {
		return fmt.Errorf("service manager not initialized")
	}
	if sm.shutdown {
		return fmt.Errorf("service manager is shut down")
	}

	return sm.repo.Ping(ctx)
}

func (sm *serviceManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.shutdown {
		return nil
	}

	sm.logger.Info("Shutting down service manager")

	if sm.publisher != nil {
		if err := sm.publisher.Close(); err != nil {
			sm.logger.Error("Failed to close event publisher", "error", err)
		}
	}

	sm.shutdown = true
	sm.logger.Info("Service manager shut down completed")

	return nil
}

// ===== CONFIGURATION VALIDATION =====

// Validate validates the service manager configuration
func (config *ServiceManagerConfig) Validate() error {
	if config.DefaultTimeout <= 0 {
		return fmt.Errorf("default timeout must be positive")
	}
	if config.CheatEventThreshold <= 0 {
		return fmt.Errorf("cheat event threshold must be positive")
	}
	return nil
}
