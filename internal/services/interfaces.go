package services

import (
	"context"
	"time"

	"github.com/schoolkit/cbt-service/internal/models"
	"github.com/schoolkit/cbt-service/internal/repositories"
	"github.com/schoolkit/cbt-service/internal/validator"
)

// ===== REQUEST/RESPONSE DTOs =====

// Use business validator types
type CreateTestRequest = validator.TestCreateRequest
type UpdateTestRequest = validator.TestUpdateRequest
type CreateQuestionRequest = validator.QuestionCreateRequest
type UpdateQuestionRequest = validator.QuestionUpdateRequest

type TestResponse struct {
	*models.Test
	CanEdit   bool `json:"can_edit"`
	CanDelete bool `json:"can_delete"`
	CanTake   bool `json:"can_take"`
}

type TestListResponse struct {
	Tests []*TestResponse `json:"tests"`
	Total int64           `json:"total"`
	Page  int             `json:"page"`
	Size  int             `json:"size"`
}

// ===== ATTEMPT RELATED DTOs =====

type StartAttemptRequest struct {
	TestID uint `json:"test_id" validate:"required"`
}

type SubmitAnswerRequest struct {
	QuestionID uint   `json:"question_id" validate:"required"`
	AnswerText string `json:"answer" validate:"required"`
}

type CheatEventRequest struct {
	EventType   string `json:"event_type" validate:"required,cheat_event_type"`
	Description string `json:"description" validate:"omitempty,max=1000"`
}

// CheatEventResponse reports the ledger state after recording an event
type CheatEventResponse struct {
	AttemptID      uint `json:"attempt_id"`
	ViolationCount int  `json:"violation_count"`
	Blocked        bool `json:"blocked"`
}

type AttemptResponse struct {
	*models.Attempt
	CanSubmit            bool                 `json:"can_submit"`
	TimeRemainingSeconds int                  `json:"time_remaining_seconds"`
	Questions            []QuestionForAttempt `json:"questions,omitempty"`
}

// QuestionForAttempt is a question as the student sees it: answer keys
// are stripped from the content payload.
type QuestionForAttempt struct {
	*models.Question
	IsFirst bool `json:"is_first"`
	IsLast  bool `json:"is_last"`
}

// ===== SCORING DTOs =====

// QuestionScore is the scoring outcome for one question of an attempt
type QuestionScore struct {
	QuestionID   uint    `json:"question_id"`
	PointsWorth  int     `json:"points_worth"`
	PointsEarned float64 `json:"points_earned"`
	IsCorrect    *bool   `json:"is_correct"`
	Answered     bool    `json:"answered"`
	ManualGrade  bool    `json:"manual_grade"`
	GradedBy     *string `json:"graded_by,omitempty"`
	Feedback     *string `json:"feedback,omitempty"`
	AnswerText   *string `json:"answer_text,omitempty"`
}

// ScoreSummary is the final outcome of scoring a whole attempt
type ScoreSummary struct {
	TotalPoints  int             `json:"total_points"`
	EarnedPoints float64         `json:"earned_points"`
	Score        float64         `json:"score"` // percent, full precision
	IsPassed     bool            `json:"is_passed"`
	Questions    []QuestionScore `json:"questions"`
}

// ===== RESULT DTOs =====

type ResultResponse struct {
	AttemptID      uint                 `json:"attempt_id"`
	TestID         uint                 `json:"test_id"`
	TestTitle      string               `json:"test_title"`
	StudentID      string               `json:"student_id"`
	Status         models.AttemptStatus `json:"status"`
	Score          *float64             `json:"score"`
	IsPassed       *bool                `json:"is_passed"`
	StartedAt      time.Time            `json:"started_at"`
	FinishedAt     *time.Time           `json:"finished_at"`
	CloseReason    *string              `json:"close_reason"`
	ViolationCount int                  `json:"violation_count"`
	Questions      []QuestionResult     `json:"questions"`
}

// QuestionResult is the per-question review row shown after closure
type QuestionResult struct {
	QuestionID    uint                `json:"question_id"`
	Type          models.QuestionType `json:"type"`
	Text          string              `json:"text"`
	Points        int                 `json:"points"`
	AnswerText    *string             `json:"answer_text"`
	CorrectAnswer *string             `json:"correct_answer"`
	PointsEarned  float64             `json:"points_earned"`
	IsCorrect     *bool               `json:"is_correct"`
	GradedBy      *string             `json:"graded_by,omitempty"`
	Feedback      *string             `json:"feedback,omitempty"`
}

type GradeEssayRequest struct {
	PointsEarned float64 `json:"points_earned" validate:"min=0"`
	Feedback     *string `json:"feedback" validate:"omitempty,max=2000"`
}

// ===== SERVICE INTERFACES =====

type TestService interface {
	// Core CRUD operations
	Create(ctx context.Context, req *CreateTestRequest, creatorID string) (*TestResponse, error)
	GetByID(ctx context.Context, id uint, userID string) (*TestResponse, error)
	GetByIDWithQuestions(ctx context.Context, id uint, userID string) (*TestResponse, error)
	Update(ctx context.Context, id uint, req *UpdateTestRequest, userID string) (*TestResponse, error)
	Delete(ctx context.Context, id uint, userID string) error

	// List operations
	List(ctx context.Context, filters repositories.TestFilters, userID string) (*TestListResponse, error)
	GetByCreator(ctx context.Context, creatorID string, filters repositories.TestFilters) (*TestListResponse, error)

	// Status management
	Publish(ctx context.Context, id uint, userID string) error
	Archive(ctx context.Context, id uint, userID string) error

	// Question management
	AddQuestions(ctx context.Context, testID uint, reqs []CreateQuestionRequest, userID string) error
	RemoveQuestion(ctx context.Context, testID, questionID uint, userID string) error

	// Statistics
	GetStats(ctx context.Context, id uint, userID string) (*repositories.TestAttemptStats, error)

	// Permission checks
	CanAccess(ctx context.Context, testID uint, userID string) (bool, error)
	CanEdit(ctx context.Context, testID uint, userID string) (bool, error)
}

type AttemptService interface {
	// Lifecycle
	Start(ctx context.Context, req *StartAttemptRequest, studentID string) (*AttemptResponse, error)
	SubmitAnswer(ctx context.Context, attemptID uint, req *SubmitAnswerRequest, studentID string) error
	RecordCheatEvent(ctx context.Context, attemptID uint, req *CheatEventRequest, studentID string) (*CheatEventResponse, error)
	Finish(ctx context.Context, attemptID uint, studentID string) (*AttemptResponse, error)

	// Get operations. Reads settle overdue attempts before answering.
	GetByID(ctx context.Context, id uint, userID string) (*AttemptResponse, error)
	GetByIDWithDetails(ctx context.Context, id uint, userID string) (*AttemptResponse, error)
	GetCurrentAttempt(ctx context.Context, testID uint, studentID string) (*AttemptResponse, error)
	GetTimeRemaining(ctx context.Context, attemptID uint, studentID string) (int, error) // seconds

	// List operations
	List(ctx context.Context, filters repositories.AttemptFilters, userID string) ([]*AttemptResponse, int64, error)
	GetByStudent(ctx context.Context, studentID string, filters repositories.AttemptFilters) ([]*AttemptResponse, int64, error)
	GetByTest(ctx context.Context, testID uint, filters repositories.AttemptFilters, userID string) ([]*AttemptResponse, int64, error)
	ListCheatEvents(ctx context.Context, attemptID uint, userID string) ([]*models.CheatEvent, error)

	// Validation
	CanStart(ctx context.Context, testID uint, studentID string) (*repositories.AttemptValidation, error)

	// Maintenance. Settles a batch of overdue attempts; reads do not depend
	// on it, it only improves promptness.
	SettleOverdue(ctx context.Context, limit int) (int, error)
}

// ScoringService is pure: same questions and answers always produce the
// same summary. It touches no storage and never reads the clock.
type ScoringService interface {
	ScoreAttempt(test *models.Test, questions []*models.Question, answers []*models.Answer) (*ScoreSummary, error)
	ScoreQuestion(question *models.Question, answer *models.Answer) (QuestionScore, error)
}

type ResultService interface {
	// GetResult returns the review payload for a closed attempt
	GetResult(ctx context.Context, attemptID uint, userID string) (*ResultResponse, error)

	// Manual essay grading, with a full recompute of the attempt score
	GradeEssay(ctx context.Context, attemptID, questionID uint, req *GradeEssayRequest, graderID string) (*ResultResponse, error)

	// Regrade recomputes a closed attempt against the current answer key
	Regrade(ctx context.Context, attemptID uint, userID string) (*ResultResponse, error)

	// ExportTestResults renders all closed attempts of a test as an xlsx
	ExportTestResults(ctx context.Context, testID uint, userID string) ([]byte, error)
}

// ===== SERVICE MANAGER =====

type ServiceManager interface {
	Test() TestService
	Attempt() AttemptService
	Scoring() ScoringService
	Result() ResultService

	// Health and lifecycle
	Initialize(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Shutdown(ctx context.Context) error
}
