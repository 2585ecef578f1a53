package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"

	"github.com/schoolkit/cbt-service/internal/events"
	"github.com/schoolkit/cbt-service/internal/models"
	"github.com/schoolkit/cbt-service/internal/repositories"
	"github.com/schoolkit/cbt-service/internal/validator"
)

type resultService struct {
	repo      repositories.Repository
	db        *gorm.DB
	logger    *slog.Logger
	validator *validator.Validator
	scoring   ScoringService
	publisher events.EventPublisher
	clock     Clock

	// Shared with the attempt service so grading and closing serialize
	locks *attemptLocks
}

func NewResultService(repo repositories.Repository, db *gorm.DB, logger *slog.Logger, v *validator.Validator, scoring ScoringService, publisher events.EventPublisher, clock Clock, locks *attemptLocks) ResultService {
	return &resultService{
		repo:      repo,
		db:        db,
		logger:    logger,
		validator: v,
		scoring:   scoring,
		publisher: publisher,
		clock:     clock,
		locks:     locks,
	}
}

// ===== RESULT RETRIEVAL =====

// GetResult builds the full review payload for a closed attempt. An
// attempt still in progress is a conflict; the answer key is only
// revealed after closure.
func (s *resultService) GetResult(ctx context.Context, attemptID uint, userID string) (*ResultResponse, error) {
	unlock := s.locks.lock(attemptID)
	defer unlock()

	attempt, err := s.repo.Attempt().GetByID(ctx, nil, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}

	if err := s.checkResultAccess(ctx, attempt, userID); err != nil {
		return nil, err
	}

	// Settle a missed deadline before deciding the attempt is still open
	if attempt.Status == models.AttemptInProgress && !s.clock.Now().Before(attempt.DeadlineAt) {
		if err := s.expireAttempt(ctx, attempt); err != nil {
			return nil, err
		}
	}
	if !attempt.Status.IsTerminal() {
		return nil, ErrAttemptNotFinished
	}

	return s.buildResultResponse(ctx, attempt)
}

// ===== MANUAL GRADING =====

// GradeEssay records a teacher's grade for one essay answer and
// recomputes the attempt score with the same deterministic pass that
// closed the attempt.
func (s *resultService) GradeEssay(ctx context.Context, attemptID, questionID uint, req *GradeEssayRequest, graderID string) (*ResultResponse, error) {
	if errs := s.validator.Struct(req); errs != nil {
		return nil, errs
	}

	unlock := s.locks.lock(attemptID)
	defer unlock()

	attempt, err := s.repo.Attempt().GetByID(ctx, nil, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}

	if err := s.checkGraderAccess(ctx, attempt, graderID, "grade_essay"); err != nil {
		return nil, err
	}
	if !attempt.Status.IsTerminal() {
		return nil, ErrAttemptNotFinished
	}

	question, err := s.repo.Question().GetByID(ctx, nil, questionID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrQuestionNotFound
		}
		return nil, fmt.Errorf("failed to get question: %w", err)
	}
	if question.TestID != attempt.TestID {
		return nil, ErrQuestionNotFound
	}
	if question.Type != models.Essay {
		return nil, ErrNotEssayQuestion
	}

	if req.PointsEarned > float64(question.Points) {
		return nil, validator.ValidationErrors{{
			Field:   "points_earned",
			Message: fmt.Sprintf("cannot exceed the question's %d points", question.Points),
			Value:   req.PointsEarned,
			Rule:    "points_range",
		}}
	}

	err = s.repo.WithTransaction(ctx, func(txRepo repositories.Repository) error {
		answer, err := txRepo.Answer().GetByAttemptAndQuestion(ctx, nil, attemptID, questionID)
		if err != nil {
			if !repositories.IsNotFoundError(err) {
				return err
			}
			// Ungraded blank: materialize the slot so the grade has a row
			answer = &models.Answer{
				AttemptID:   attemptID,
				QuestionID:  questionID,
				SubmittedAt: s.clock.Now(),
			}
			if err := txRepo.Answer().Upsert(ctx, nil, answer); err != nil {
				return err
			}
			answer, err = txRepo.Answer().GetByAttemptAndQuestion(ctx, nil, attemptID, questionID)
			if err != nil {
				return err
			}
		}

		correct := req.PointsEarned >= float64(question.Points)
		if err := txRepo.Answer().UpdateGrade(ctx, nil, answer.ID, req.PointsEarned, &correct, req.Feedback, graderID); err != nil {
			return err
		}

		return s.recomputeScore(ctx, txRepo, attempt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to grade essay: %w", err)
	}

	s.logger.Info("Essay graded",
		"attempt_id", attemptID,
		"question_id", questionID,
		"grader_id", graderID,
		"points_earned", req.PointsEarned)

	s.publishEssayGraded(ctx, attempt)

	return s.buildResultResponse(ctx, attempt)
}

// Regrade recomputes a closed attempt against the current answer key.
// Manual essay grades survive; everything else is rescored.
func (s *resultService) Regrade(ctx context.Context, attemptID uint, userID string) (*ResultResponse, error) {
	unlock := s.locks.lock(attemptID)
	defer unlock()

	attempt, err := s.repo.Attempt().GetByID(ctx, nil, attemptID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}

	if err := s.checkGraderAccess(ctx, attempt, userID, "regrade"); err != nil {
		return nil, err
	}
	if !attempt.Status.IsTerminal() {
		return nil, ErrAttemptNotFinished
	}

	err = s.repo.WithTransaction(ctx, func(txRepo repositories.Repository) error {
		return s.recomputeScore(ctx, txRepo, attempt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to regrade attempt: %w", err)
	}

	s.logger.Info("Attempt regraded", "attempt_id", attemptID, "user_id", userID, "score", attempt.Score)

	return s.buildResultResponse(ctx, attempt)
}

// ===== EXPORT =====

// ExportTestResults renders every closed attempt of a test into an xlsx
// workbook, one row per attempt.
func (s *resultService) ExportTestResults(ctx context.Context, testID uint, userID string) ([]byte, error) {
	test, err := s.repo.Test().GetByID(ctx, nil, testID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("failed to get test: %w", err)
	}

	if err := s.checkTestAccess(ctx, testID, userID, "export_results"); err != nil {
		return nil, err
	}

	attempts, err := s.repo.Attempt().GetTerminalByTest(ctx, nil, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to load attempts: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Results"
	f.SetSheetName("Sheet1", sheet)

	headers := []string{"Attempt ID", "Student", "Status", "Score (%)", "Passed", "Started At", "Finished At", "Close Reason", "Violations"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, h)
	}

	for row, attempt := range attempts {
		violations, err := s.repo.CheatEvent().CountByAttempt(ctx, nil, attempt.ID)
		if err != nil {
			s.logger.Warn("Failed to count cheat events for export", "attempt_id", attempt.ID, "error", err)
		}

		student := attempt.StudentID
		if attempt.Student.FullName != "" {
			student = attempt.Student.FullName
		}

		values := []interface{}{
			attempt.ID,
			student,
			string(attempt.Status),
			roundedScore(attempt.Score),
			boolOrEmpty(attempt.IsPassed),
			attempt.StartedAt.Format(time.RFC3339),
			timeOrEmpty(attempt.FinishedAt),
			stringOrEmpty(attempt.CloseReason),
			violations,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			f.SetCellValue(sheet, cell, v)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to render results workbook: %w", err)
	}

	s.logger.Info("Test results exported", "test_id", testID, "attempts", len(attempts), "title", test.Title)

	return buf.Bytes(), nil
}

// ===== HELPERS =====

// recomputeScore reruns the scoring pass and stores the outcome on the
// already closed attempt.
func (s *resultService) recomputeScore(ctx context.Context, txRepo repositories.Repository, attempt *models.Attempt) error {
	test, err := txRepo.Test().GetByID(ctx, nil, attempt.TestID)
	if err != nil {
		return err
	}
	questions, err := txRepo.Question().GetByTest(ctx, nil, attempt.TestID)
	if err != nil {
		return err
	}
	answers, err := txRepo.Answer().GetByAttempt(ctx, nil, attempt.ID)
	if err != nil {
		return err
	}

	summary, err := s.scoring.ScoreAttempt(test, questions, answers)
	if err != nil {
		return err
	}

	attempt.Score = &summary.Score
	attempt.IsPassed = &summary.IsPassed

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

	return txRepo.Attempt().Update(ctx, nil, attempt)
}

// expireAttempt settles a missed deadline found during a result read
func (s *resultService) expireAttempt(ctx context.Context, attempt *models.Attempt) error {
	questions, err := s.repo.Question().GetByTest(ctx, nil, attempt.TestID)
	if err != nil {
		return err
	}
	answers, err := s.repo.Answer().GetByAttempt(ctx, nil, attempt.ID)
	if err != nil {
		return err
	}
	test, err := s.repo.Test().GetByID(ctx, nil, attempt.TestID)
	if err != nil {
		return err
	}

	summary, err := s.scoring.ScoreAttempt(test, questions, answers)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	reason := models.CloseReasonDeadline
	attempt.Status = models.AttemptExpired
	attempt.FinishedAt = &now
	attempt.Score = &summary.Score
	attempt.IsPassed = &summary.IsPassed
	attempt.CloseReason = &reason

	won, err := s.repo.Attempt().Close(ctx, nil, attempt)
	if err != nil {
		return err
	}
	if !won {
		stored, err := s.repo.Attempt().GetByID(ctx, nil, attempt.ID)
		if err != nil {
			return err
		}
		*attempt = *stored
	}
	return nil
}

func (s *resultService) buildResultResponse(ctx context.Context, attempt *models.Attempt) (*ResultResponse, error) {
	test, err := s.repo.Test().GetByID(ctx, nil, attempt.TestID)
	if err != nil {
		return nil, fmt.Errorf("failed to get test: %w", err)
	}
	questions, err := s.repo.Question().GetByTest(ctx, nil, attempt.TestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load questions: %w", err)
	}
	answers, err := s.repo.Answer().GetByAttempt(ctx, nil, attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load answers: %w", err)
	}

	summary, err := s.scoring.ScoreAttempt(test, questions, answers)
	if err != nil {
		return nil, fmt.Errorf("failed to score attempt for review: %w", err)
	}

	questionsByID := make(map[uint]*models.Question, len(questions))
	for _, q := range questions {
		questionsByID[q.ID] = q
	}

	violations, err := s.repo.CheatEvent().CountByAttempt(ctx, nil, attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count cheat events: %w", err)
	}

	response := &ResultResponse{
		AttemptID:      attempt.ID,
		TestID:         attempt.TestID,
		TestTitle:      test.Title,
		StudentID:      attempt.StudentID,
		Status:         attempt.Status,
		Score:          attempt.Score,
		IsPassed:       attempt.IsPassed,
		StartedAt:      attempt.StartedAt,
		FinishedAt:     attempt.FinishedAt,
		CloseReason:    attempt.CloseReason,
		ViolationCount: int(violations),
		Questions:      make([]QuestionResult, 0, len(summary.Questions)),
	}

	for _, qs := range summary.Questions {
		q := questionsByID[qs.QuestionID]

		// The key is only revealed here, after closure
		correctAnswer, err := q.CorrectAnswerKey()
		if err != nil {
			return nil, fmt.Errorf("failed to read answer key: %w", err)
		}

		response.Questions = append(response.Questions, QuestionResult{
			QuestionID:    qs.QuestionID,
			Type:          q.Type,
			Text:          q.Text,
			Points:        q.Points,
			AnswerText:    qs.AnswerText,
			CorrectAnswer: correctAnswer,
			PointsEarned:  qs.PointsEarned,
			IsCorrect:     qs.IsCorrect,
			GradedBy:      qs.GradedBy,
			Feedback:      qs.Feedback,
		})
	}

	return response, nil
}

func (s *resultService) checkResultAccess(ctx context.Context, attempt *models.Attempt, userID string) error {
	if attempt.StudentID == userID {
		return nil
	}
	return s.checkTestAccess(ctx, attempt.TestID, userID, "view_result")
}

func (s *resultService) checkGraderAccess(ctx context.Context, attempt *models.Attempt, userID, action string) error {
	user, err := s.repo.User().GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get user: %w", err)
	}
	if user.Role == models.RoleAdmin {
		return nil
	}
	if user.Role == models.RoleTeacher {
		isOwner, err := s.repo.Test().IsOwner(ctx, nil, attempt.TestID, userID)
		if err != nil {
			return err
		}
		if isOwner {
			return nil
		}
	}
	return NewPermissionError(userID, attempt.ID, "attempt", action, "not the test owner or insufficient permissions")
}

func (s *resultService) checkTestAccess(ctx context.Context, testID uint, userID, action string) error {
	user, err := s.repo.User().GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get user: %w", err)
	}
	switch user.Role {
	case models.RoleAdmin, models.RoleProctor:
		return nil
	case models.RoleTeacher:
		isOwner, err := s.repo.Test().IsOwner(ctx, nil, testID, userID)
		if err != nil {
			return err
		}
		if isOwner {
			return nil
		}
	}
	return NewPermissionError(userID, testID, "test", action, "not owner or insufficient permissions")
}

func (s *resultService) publishEssayGraded(ctx context.Context, attempt *models.Attempt) {
	if s.publisher == nil {
		return
	}
	event := events.NewEvent(events.EventEssayGraded, &events.AttemptEvent{
		AttemptID: attempt.ID,
		TestID:    attempt.TestID,
		StudentID: attempt.StudentID,
		Status:    string(attempt.Status),
		Score:     attempt.Score,
		IsPassed:  attempt.IsPassed,
	})
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("Failed to publish event", "event_type", events.EventEssayGraded, "error", err)
	}
}

func roundedScore(score *float64) interface{} {
	if score == nil {
		return ""
	}
	return fmt.Sprintf("%.2f", *score)
}

func boolOrEmpty(b *bool) interface{} {
	if b == nil {
		return ""
	}
	return *b
}

func timeOrEmpty(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
