package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"gorm.io/datatypes"

	"github.com/schoolkit/cbt-service/internal/events"
	"github.com/schoolkit/cbt-service/internal/models"
	"github.com/schoolkit/cbt-service/internal/repositories"
	"github.com/schoolkit/cbt-service/internal/validator"
)

// ===== PER-ATTEMPT LOCKING =====

// attemptLocks serializes mutating operations per attempt. Operations on
// different attempts never contend.
type attemptLocks struct {
	mu sync.Map // attemptID -> *sync.Mutex
}

func newAttemptLocks() *attemptLocks {
	return &attemptLocks{}
}

func (l *attemptLocks) lock(attemptID uint) func() {
	v, _ := l.mu.LoadOrStore(attemptID, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// ===== TIME MANAGEMENT =====

func (s *attemptService) GetTimeRemaining(ctx context.Context, attemptID uint, studentID string) (int, error) {
	unlock := s.locks.lock(attemptID)
	defer unlock()

	attempt, err := s.getOwnedAttempt(ctx, attemptID, studentID, "get_time_remaining")
	if err != nil {
		return 0, err
	}

	if _, err := s.settleIfOverdue(ctx, attempt); err != nil {
		return 0, err
	}
	if attempt.Status != models.AttemptInProgress {
		return 0, ErrAttemptNotActive
	}

	remaining := int(attempt.DeadlineAt.Sub(s.clock.Now()).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// settleIfOverdue closes an in-progress attempt whose deadline has
// passed, scoring whatever answers exist. The attempt struct is updated
// in place. Reports whether a close happened.
func (s *attemptService) settleIfOverdue(ctx context.Context, attempt *models.Attempt) (bool, error) {
	if attempt.Status != models.AttemptInProgress {
		return false, nil
	}
	if s.clock.Now().Before(attempt.DeadlineAt) {
		return false, nil
	}

	if err := s.closeAttempt(ctx, attempt, models.AttemptExpired, models.CloseReasonDeadline, nil); err != nil {
		return false, err
	}

	s.logger.Info("Attempt expired at deadline",
		"attempt_id", attempt.ID,
		"deadline_at", attempt.DeadlineAt)

	return true, nil
}

// closeAttempt scores the attempt and performs the one-way transition.
// When a concurrent closer already won, the stored terminal row is loaded
// into the struct and no error is returned; the transition still happened
// exactly once.
func (s *attemptService) closeAttempt(ctx context.Context, attempt *models.Attempt, status models.AttemptStatus, closeReason string, blockedReason *string) error {
	questions, err := s.repo.Question().GetByTest(ctx, nil, attempt.TestID)
	if err != nil {
		return fmt.Errorf("failed to load questions for scoring: %w", err)
	}
	answers, err := s.repo.Answer().GetByAttempt(ctx, nil, attempt.ID)
	if err != nil {
		return fmt.Errorf("failed to load answers for scoring: %w", err)
	}
	test, err := s.repo.Test().GetByID(ctx, nil, attempt.TestID)
	if err != nil {
		return fmt.Errorf("failed to load test for scoring: %w", err)
	}

	summary, err := s.scoring.ScoreAttempt(test, questions, answers)
	if err != nil {
		return fmt.Errorf("failed to score attempt: %w", err)
	}

	now := s.clock.Now()
	attempt.Status = status
	attempt.FinishedAt = &now
	attempt.Score = &summary.Score
	attempt.IsPassed = &summary.IsPassed
	attempt.CloseReason = &closeReason
	attempt.BlockedReason = blockedReason

	var won bool
	err = s.repo.WithTransaction(ctx, func(txRepo repositories.Repository) error {
		won, err = txRepo.Attempt().Close(ctx, nil, attempt)
		if err != nil {
			return err
		}
		if !won {
			return nil
		}

		// Persist the per-question outcome for later review
		for _, qs := range summary.Questions {
			if !qs.Answered || qs.ManualGrade {
				continue
			}
			answer, err := txRepo.Answer().GetByAttemptAndQuestion(ctx, nil, attempt.ID, qs.QuestionID)
			if err != nil {
				return err
			}
			answer.PointsEarned = floatPtr(qs.PointsEarned)
			answer.IsCorrect = qs.IsCorrect
			if err := txRepo.Answer().Update(ctx, nil, answer); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to close attempt: %w", err)
	}

	if !won {
		// Another closer got there first; reflect its outcome
		stored, err := s.repo.Attempt().GetByID(ctx, nil, attempt.ID)
		if err != nil {
			return fmt.Errorf("failed to reload attempt: %w", err)
		}
		*attempt = *stored
		return nil
	}

	s.publishCloseEvent(ctx, attempt)
	return nil
}

func (s *attemptService) publishCloseEvent(ctx context.Context, attempt *models.Attempt) {
	eventType := events.EventAttemptCompleted
	switch attempt.Status {
	case models.AttemptBlocked:
		eventType = events.EventAttemptBlocked
	case models.AttemptExpired:
		eventType = events.EventAttemptExpired
	}

	s.publish(ctx, eventType, &events.AttemptEvent{
		AttemptID: attempt.ID,
		TestID:    attempt.TestID,
		StudentID: attempt.StudentID,
		Status:    string(attempt.Status),
		Score:     attempt.Score,
		IsPassed:  attempt.IsPassed,
	})
}

func (s *attemptService) publish(ctx context.Context, eventType string, data interface{}) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, events.NewEvent(eventType, data)); err != nil {
		s.logger.Error("Failed to publish event", "event_type", eventType, "error", err)
	}
}

// ===== VALIDATION =====

func (s *attemptService) CanStart(ctx context.Context, testID uint, studentID string) (*repositories.AttemptValidation, error) {
	test, err := s.repo.Test().GetByID(ctx, nil, testID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("failed to get test: %w", err)
	}

	validation := &repositories.AttemptValidation{CanStart: true}

	if test.Status != models.StatusActive {
		validation.CanStart = false
		validation.Reason = "Test is not active"
		return validation, nil
	}

	if !test.IsAvailableAt(s.clock.Now()) {
		validation.CanStart = false
		validation.Reason = "Test is outside its availability window"
		return validation, nil
	}

	active, err := s.repo.Attempt().GetActiveAttempt(ctx, nil, studentID, testID)
	if err != nil && !repositories.IsNotFoundError(err) {
		return nil, fmt.Errorf("failed to check active attempt: %w", err)
	}
	if active != nil && s.clock.Now().Before(active.DeadlineAt) {
		validation.CanStart = false
		validation.Reason = "An attempt is already in progress"
	}

	return validation, nil
}

// SettleOverdue expires a batch of attempts whose deadline has passed.
// Correctness never depends on this sweep; reads settle lazily.
func (s *attemptService) SettleOverdue(ctx context.Context, limit int) (int, error) {
	overdue, err := s.repo.Attempt().GetOverdueAttempts(ctx, nil, s.clock.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue attempts: %w", err)
	}

	settled := 0
	for _, attempt := range overdue {
		unlock := s.locks.lock(attempt.ID)
		done, err := s.settleIfOverdue(ctx, attempt)
		unlock()
		if err != nil {
			s.logger.Error("Failed to settle overdue attempt", "attempt_id", attempt.ID, "error", err)
			continue
		}
		if done {
			settled++
		}
	}
	return settled, nil
}

// normalizeAnswer validates the raw answer against the question type and
// returns the canonical text to store.
func (s *attemptService) normalizeAnswer(question *models.Question, raw string) (string, validator.ValidationErrors) {
	text := strings.TrimSpace(raw)

	switch question.Type {
	case models.MultipleChoice:
		ok, err := question.HasOption(text)
		if err != nil || !ok {
			return "", validator.ValidationErrors{{
				Field:   "answer",
				Message: "option does not belong to this question",
				Value:   raw,
				Rule:    "answer_option",
			}}
		}
		return text, nil

	case models.TrueFalse:
		token := strings.ToLower(text)
		if token != models.AnswerTokenTrue && token != models.AnswerTokenFalse {
			return "", validator.ValidationErrors{{
				Field:   "answer",
				Message: `must be "true" or "false"`,
				Value:   raw,
				Rule:    "answer_token",
			}}
		}
		return token, nil

	default:
		return raw, nil
	}
}

// ===== ACCESS HELPERS =====

func (s *attemptService) getUserRole(ctx context.Context, userID string) (models.UserRole, error) {
	user, err := s.repo.User().GetByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to get user: %w", err)
	}
	return user.Role, nil
}

func (s *attemptService) canAccessTest(ctx context.Context, testID uint, userID string) (bool, error) {
	userRole, err := s.getUserRole(ctx, userID)
	if err != nil {
		return false, err
	}
	if userRole == models.RoleAdmin || userRole == models.RoleProctor {
		return true, nil
	}
	if userRole == models.RoleTeacher {
		return s.repo.Test().IsOwner(ctx, nil, testID, userID)
	}
	return false, nil
}

// getOwnedAttempt loads the attempt and checks it belongs to the student
func (s *attemptService) getOwnedAttempt(ctx context.Context, attemptID uint, studentID, action string) (*models.Attempt, error) {
	attempt, err := s.repo.Attempt().GetByID(ctx, nil, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}

	if attempt.StudentID != studentID {
		return nil, NewPermissionError(studentID, attemptID, "attempt", action, "not owned by student")
	}
	return attempt, nil
}

// getAccessibleAttempt loads the attempt for any caller the role rules
// allow and settles lazy expiry first.
func (s *attemptService) getAccessibleAttempt(ctx context.Context, attemptID uint, userID string) (*models.Attempt, error) {
	unlock := s.locks.lock(attemptID)
	defer unlock()

	attempt, err := s.repo.Attempt().GetByID(ctx, nil, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}

	if attempt.StudentID != userID {
		canAccess, err := s.canAccessTest(ctx, attempt.TestID, userID)
		if err != nil {
			return nil, err
		}
		if !canAccess {
			return nil, NewPermissionError(userID, attemptID, "attempt", "read", "not owner or insufficient permissions")
		}
	}

	if _, err := s.settleIfOverdue(ctx, attempt); err != nil {
		return nil, err
	}
	return attempt, nil
}

// ===== RESPONSE BUILDING =====

func (s *attemptService) buildAttemptResponses(ctx context.Context, attempts []*models.Attempt, userID string) []*AttemptResponse {
	responses := make([]*AttemptResponse, len(attempts))
	for i, attempt := range attempts {
		resp, err := s.buildAttemptResponse(ctx, attempt, userID, false)
		if err != nil {
			s.logger.Error("Failed to build attempt response", "attempt_id", attempt.ID, "error", err)
			resp = &AttemptResponse{Attempt: attempt}
		}
		responses[i] = resp
	}
	return responses
}

func (s *attemptService) buildAttemptResponse(ctx context.Context, attempt *models.Attempt, userID string, includeQuestions bool) (*AttemptResponse, error) {
	response := &AttemptResponse{
		Attempt: attempt,
	}

	if attempt.Status == models.AttemptInProgress {
		remaining := int(attempt.DeadlineAt.Sub(s.clock.Now()).Seconds())
		if remaining < 0 {
			remaining = 0
		}
		response.TimeRemainingSeconds = remaining
		response.CanSubmit = attempt.StudentID == userID && remaining > 0
	}

	if includeQuestions {
		questions, err := s.repo.Question().GetByTest(ctx, nil, attempt.TestID)
		if err != nil {
			return nil, fmt.Errorf("failed to load questions: %w", err)
		}

		response.Questions = make([]QuestionForAttempt, len(questions))
		for i, q := range questions {
			response.Questions[i] = QuestionForAttempt{
				Question: s.sanitizeQuestion(q),
				IsFirst:  i == 0,
				IsLast:   i == len(questions)-1,
			}
		}

		if attempt.StudentID == userID {
			answers, err := s.repo.Answer().GetByAttempt(ctx, nil, attempt.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to load answers: %w", err)
			}
			attempt.Answers = make([]models.Answer, len(answers))
			for i, a := range answers {
				attempt.Answers[i] = *a
			}
		}
	}

	return response, nil
}

// ===== QUESTION SANITIZATION =====

// sanitizeQuestion strips answer-key material from a question before it
// goes to a student during an attempt.
func (s *attemptService) sanitizeQuestion(question *models.Question) *models.Question {
	sanitized := *question

	switch question.Type {
	case models.MultipleChoice:
		sanitized.Content = s.sanitizeMultipleChoiceContent(question.Content)
	case models.TrueFalse:
		sanitized.Content = s.stripContentKeys(question.Content, "correct_answer")
	case models.Essay:
		sanitized.Content = s.stripContentKeys(question.Content, "expected_answer")
	}

	return &sanitized
}

func (s *attemptService) sanitizeMultipleChoiceContent(content datatypes.JSON) datatypes.JSON {
	var mc map[string]interface{}
	if err := json.Unmarshal(content, &mc); err != nil {
		s.logger.Error("Failed to unmarshal multiple choice content", "error", err)
		return content
	}

	options, ok := mc["options"].([]interface{})
	if !ok {
		return content
	}
	for i, opt := range options {
		if optMap, ok := opt.(map[string]interface{}); ok {
			delete(optMap, "is_correct")
			options[i] = optMap
		}
	}
	mc["options"] = options

	sanitized, err := json.Marshal(mc)
	if err != nil {
		s.logger.Error("Failed to marshal sanitized multiple choice content", "error", err)
		return content
	}
	return sanitized
}

func (s *attemptService) stripContentKeys(content datatypes.JSON, keys ...string) datatypes.JSON {
	var m map[string]interface{}
	if err := json.Unmarshal(content, &m); err != nil {
		s.logger.Error("Failed to unmarshal question content", "error", err)
		return content
	}

	for _, key := range keys {
		delete(m, key)
	}

	sanitized, err := json.Marshal(m)
	if err != nil {
		s.logger.Error("Failed to marshal sanitized question content", "error", err)
		return content
	}
	return sanitized
}

func floatPtr(f float64) *float64 {
	return &f
}
