package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/gorm"

	"github.com/schoolkit/cbt-service/internal/events"
	"github.com/schoolkit/cbt-service/internal/models"
	"github.com/schoolkit/cbt-service/internal/repositories"
	"github.com/schoolkit/cbt-service/internal/validator"
)

type attemptService struct {
	repo      repositories.Repository
	db        *gorm.DB
	logger    *slog.Logger
	validator *validator.Validator
	scoring   ScoringService
	publisher events.EventPublisher
	clock     Clock

	// Violation count at which an attempt is blocked
	cheatThreshold int

	locks *attemptLocks
}

func NewAttemptService(repo repositories.Repository, db *gorm.DB, logger *slog.Logger, v *validator.Validator, scoring ScoringService, publisher events.EventPublisher, clock Clock, cheatThreshold int) AttemptService {
	if cheatThreshold <= 0 {
		cheatThreshold = 3
	}
	return &attemptService{
		repo:           repo,
		db:             db,
		logger:         logger,
		validator:      v,
		scoring:        scoring,
		publisher:      publisher,
		clock:          clock,
		cheatThreshold: cheatThreshold,
		locks:          newAttemptLocks(),
	}
}

// ===== CORE ATTEMPT OPERATIONS =====

// Start opens an attempt for the student. Re-entry is idempotent: an
// existing in-progress attempt is returned instead of an error, so a
// reconnecting client lands back in its session.
func (s *attemptService) Start(ctx context.Context, req *StartAttemptRequest, studentID string) (*AttemptResponse, error) {
	s.logger.Info("Starting attempt",
		"test_id", req.TestID,
		"student_id", studentID)

	if errs := s.validator.Struct(req); errs != nil {
		return nil, errs
	}

	test, err := s.repo.Test().GetByIDWithQuestions(ctx, nil, req.TestID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("failed to get test: %w", err)
	}

	now := s.clock.Now()
	if test.Status != models.StatusActive || !test.IsAvailableAt(now) {
		return nil, ErrTestNotAvailable
	}

	// Re-entry: hand back the live attempt if one exists
	existing, err := s.repo.Attempt().GetActiveAttempt(ctx, nil, studentID, req.TestID)
	if err != nil && !repositories.IsNotFoundError(err) {
		return nil, fmt.Errorf("failed to check active attempt: %w", err)
	}
	if existing != nil {
		settled, err := s.settleIfOverdue(ctx, existing)
		if err != nil {
			return nil, err
		}
		if !settled {
			s.logger.Info("Resuming existing attempt", "attempt_id", existing.ID)
			return s.buildAttemptResponse(ctx, existing, studentID, true)
		}
		// The stale attempt just expired; fall through and open a new one
	}

	var attempt *models.Attempt
	err = s.repo.WithTransaction(ctx, func(txRepo repositories.Repository) error {
		active, err := txRepo.Attempt().HasActiveAttempt(ctx, nil, studentID, req.TestID)
		if err != nil {
			return fmt.Errorf("failed to check active attempt: %w", err)
		}
		if active {
			return ErrAttemptActiveExists
		}

		attempt = &models.Attempt{
			TestID:     req.TestID,
			StudentID:  studentID,
			Status:     models.AttemptInProgress,
			StartedAt:  now,
			DeadlineAt: test.DeadlineFor(now),
		}
		return txRepo.Attempt().Create(ctx, nil, attempt)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Attempt started",
		"attempt_id", attempt.ID,
		"test_id", req.TestID,
		"student_id", studentID,
		"deadline_at", attempt.DeadlineAt)

	s.publish(ctx, events.EventAttemptStarted, &events.AttemptEvent{
		AttemptID:  attempt.ID,
		TestID:     attempt.TestID,
		StudentID:  attempt.StudentID,
		Status:     string(attempt.Status),
		DeadlineAt: &attempt.DeadlineAt,
	})

	return s.buildAttemptResponse(ctx, attempt, studentID, true)
}

// SubmitAnswer upserts one answer slot. The write carries the server
// receive time; when saves race, the later submitted_at wins.
func (s *attemptService) SubmitAnswer(ctx context.Context, attemptID uint, req *SubmitAnswerRequest, studentID string) error {
	if errs := s.validator.Struct(req); errs != nil {
		return errs
	}

	unlock := s.locks.lock(attemptID)
	defer unlock()

	attempt, err := s.getOwnedAttempt(ctx, attemptID, studentID, "submit_answer")
	if err != nil {
		return err
	}

	if _, err := s.settleIfOverdue(ctx, attempt); err != nil {
		return err
	}
	if attempt.Status != models.AttemptInProgress {
		return ErrAttemptNotActive
	}

	question, err := s.repo.Question().GetByID(ctx, nil, req.QuestionID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return ErrQuestionNotFound
		}
		return fmt.Errorf("failed to get question: %w", err)
	}
	if question.TestID != attempt.TestID {
		return ErrQuestionNotFound
	}

	answerText, errs := s.normalizeAnswer(question, req.AnswerText)
	if errs != nil {
		return errs
	}

	answer := &models.Answer{
		AttemptID:   attemptID,
		QuestionID:  req.QuestionID,
		AnswerText:  answerText,
		SubmittedAt: s.clock.Now(),
	}
	if err := s.repo.Answer().Upsert(ctx, nil, answer); err != nil {
		return fmt.Errorf("failed to save answer: %w", err)
	}

	s.logger.Debug("Answer saved",
		"attempt_id", attemptID,
		"question_id", req.QuestionID)

	return nil
}

// RecordCheatEvent appends one proctoring event and re-reads the count
// under the attempt lock, so two racing events cannot both see a count
// below the threshold when together they cross it.
func (s *attemptService) RecordCheatEvent(ctx context.Context, attemptID uint, req *CheatEventRequest, studentID string) (*CheatEventResponse, error) {
	if errs := s.validator.Struct(req); errs != nil {
		return nil, errs
	}

	unlock := s.locks.lock(attemptID)
	defer unlock()

	attempt, err := s.getOwnedAttempt(ctx, attemptID, studentID, "record_cheat_event")
	if err != nil {
		return nil, err
	}

	if _, err := s.settleIfOverdue(ctx, attempt); err != nil {
		return nil, err
	}
	if attempt.Status != models.AttemptInProgress {
		return nil, ErrAttemptNotActive
	}

	var count int64
	err = s.repo.WithTransaction(ctx, func(txRepo repositories.Repository) error {
		event := &models.CheatEvent{
			AttemptID:   attemptID,
			EventType:   strings.ToLower(strings.TrimSpace(req.EventType)),
			Description: req.Description,
			RecordedAt:  s.clock.Now(),
		}
		if err := txRepo.CheatEvent().Append(ctx, nil, event); err != nil {
			return err
		}

		count, err = txRepo.CheatEvent().CountByAttempt(ctx, nil, attemptID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record cheat event: %w", err)
	}

	resp := &CheatEventResponse{
		AttemptID:      attemptID,
		ViolationCount: int(count),
	}

	if int(count) >= s.cheatThreshold {
		reason := fmt.Sprintf("violation threshold reached (%d events)", count)
		if err := s.closeAttempt(ctx, attempt, models.AttemptBlocked, models.CloseReasonBlocked, &reason); err != nil {
			return nil, err
		}
		resp.Blocked = true

		s.logger.Warn("Attempt blocked",
			"attempt_id", attemptID,
			"student_id", studentID,
			"violation_count", count)
	}

	s.publish(ctx, events.EventCheatRecorded, &events.CheatRecordedEvent{
		AttemptID:      attemptID,
		TestID:         attempt.TestID,
		StudentID:      attempt.StudentID,
		EventType:      req.EventType,
		ViolationCount: resp.ViolationCount,
		Blocked:        resp.Blocked,
	})

	return resp, nil
}

// Finish closes the attempt and scores it. Calling it again on a closed
// attempt is not an error; the stored outcome is returned unchanged.
func (s *attemptService) Finish(ctx context.Context, attemptID uint, studentID string) (*AttemptResponse, error) {
	unlock := s.locks.lock(attemptID)
	defer unlock()

	attempt, err := s.getOwnedAttempt(ctx, attemptID, studentID, "finish")
	if err != nil {
		return nil, err
	}

	if _, err := s.settleIfOverdue(ctx, attempt); err != nil {
		return nil, err
	}

	if attempt.Status.IsTerminal() {
		return s.buildAttemptResponse(ctx, attempt, studentID, false)
	}

	if err := s.closeAttempt(ctx, attempt, models.AttemptCompleted, models.CloseReasonSubmitted, nil); err != nil {
		return nil, err
	}

	s.logger.Info("Attempt finished",
		"attempt_id", attemptID,
		"student_id", studentID,
		"score", attempt.Score,
		"is_passed", attempt.IsPassed)

	return s.buildAttemptResponse(ctx, attempt, studentID, false)
}

// ===== GET OPERATIONS =====

func (s *attemptService) GetByID(ctx context.Context, id uint, userID string) (*AttemptResponse, error) {
	attempt, err := s.getAccessibleAttempt(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	return s.buildAttemptResponse(ctx, attempt, userID, false)
}

func (s *attemptService) GetByIDWithDetails(ctx context.Context, id uint, userID string) (*AttemptResponse, error) {
	attempt, err := s.getAccessibleAttempt(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	return s.buildAttemptResponse(ctx, attempt, userID, true)
}

func (s *attemptService) GetCurrentAttempt(ctx context.Context, testID uint, studentID string) (*AttemptResponse, error) {
	attempt, err := s.repo.Attempt().GetActiveAttempt(ctx, nil, studentID, testID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to get current attempt: %w", err)
	}

	if _, err := s.settleIfOverdue(ctx, attempt); err != nil {
		return nil, err
	}
	if attempt.Status != models.AttemptInProgress {
		return nil, ErrAttemptNotFound
	}

	return s.buildAttemptResponse(ctx, attempt, studentID, true)
}

// ===== LIST OPERATIONS =====

func (s *attemptService) List(ctx context.Context, filters repositories.AttemptFilters, userID string) ([]*AttemptResponse, int64, error) {
	userRole, err := s.getUserRole(ctx, userID)
	if err != nil {
		return nil, 0, err
	}

	// Students only ever see their own attempts
	if userRole == models.RoleStudent {
		filters.StudentID = &userID
	}

	attempts, total, err := s.repo.Attempt().List(ctx, nil, filters)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list attempts: %w", err)
	}

	return s.buildAttemptResponses(ctx, attempts, userID), total, nil
}

func (s *attemptService) GetByStudent(ctx context.Context, studentID string, filters repositories.AttemptFilters) ([]*AttemptResponse, int64, error) {
	attempts, total, err := s.repo.Attempt().GetByStudent(ctx, nil, studentID, filters)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get attempts by student: %w", err)
	}

	return s.buildAttemptResponses(ctx, attempts, studentID), total, nil
}

func (s *attemptService) GetByTest(ctx context.Context, testID uint, filters repositories.AttemptFilters, userID string) ([]*AttemptResponse, int64, error) {
	canAccess, err := s.canAccessTest(ctx, testID, userID)
	if err != nil {
		return nil, 0, err
	}
	if !canAccess {
		return nil, 0, NewPermissionError(userID, testID, "test", "view_attempts", "not owner or insufficient permissions")
	}

	attempts, total, err := s.repo.Attempt().GetByTest(ctx, nil, testID, filters)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get attempts by test: %w", err)
	}

	return s.buildAttemptResponses(ctx, attempts, userID), total, nil
}

func (s *attemptService) ListCheatEvents(ctx context.Context, attemptID uint, userID string) ([]*models.CheatEvent, error) {
	attempt, err := s.repo.Attempt().GetByID(ctx, nil, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}

	userRole, err := s.getUserRole(ctx, userID)
	if err != nil {
		return nil, err
	}
	if userRole == models.RoleStudent {
		return nil, NewPermissionError(userID, attemptID, "attempt", "list_cheat_events", "insufficient permissions")
	}
	if userRole == models.RoleTeacher {
		canAccess, err := s.canAccessTest(ctx, attempt.TestID, userID)
		if err != nil {
			return nil, err
		}
		if !canAccess {
			return nil, NewPermissionError(userID, attemptID, "attempt", "list_cheat_events", "not the test owner")
		}
	}

	return s.repo.CheatEvent().GetByAttempt(ctx, nil, attemptID)
}
