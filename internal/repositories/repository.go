package repositories

import "context"

// Repository aggregates all repository interfaces.
type Repository interface {
	// Test catalog (read-mostly for the attempt engine)
	Test() TestRepository
	Question() QuestionRepository

	// Attempt domain
	Attempt() AttemptRepository
	Answer() AnswerRepository
	CheatEvent() CheatEventRepository

	// User domain (read-only; owned by the identity provider)
	User() UserRepository

	// Transaction support
	WithTransaction(ctx context.Context, fn func(Repository) error) error

	// Health check
	Ping(ctx context.Context) error

	// Close connections
	Close() error
}

// RepositoryManager manages repository lifecycle.
type RepositoryManager interface {
	Initialize() error
	GetRepository() Repository
	HealthCheck(ctx context.Context) error
	Shutdown(ctx context.Context) error
}
