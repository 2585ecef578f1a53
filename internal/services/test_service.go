package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/schoolkit/cbt-service/internal/models"
	"github.com/schoolkit/cbt-service/internal/repositories"
	"github.com/schoolkit/cbt-service/internal/validator"
)

type testService struct {
	repo      repositories.Repository
	db        *gorm.DB
	logger    *slog.Logger
	validator *validator.Validator
}

func NewTestService(repo repositories.Repository, db *gorm.DB, logger *slog.Logger, v *validator.Validator) TestService {
	return &testService{
		repo:      repo,
		db:        db,
		logger:    logger,
		validator: v,
	}
}

// ===== CORE CRUD OPERATIONS =====

func (s *testService) Create(ctx context.Context, req *CreateTestRequest, creatorID string) (*TestResponse, error) {
	s.logger.Info("Creating test", "title", req.Title, "creator_id", creatorID)

	if errs := s.validator.ValidateTestCreate(req); errs != nil {
		return nil, errs
	}

	test := &models.Test{
		Title:           req.Title,
		Description:     req.Description,
		DurationMinutes: req.DurationMinutes,
		PassingScore:    req.PassingScore,
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		Status:          models.StatusDraft,
		CreatedBy:       creatorID,
	}

	err := s.repo.WithTransaction(ctx, func(txRepo repositories.Repository) error {
		if err := txRepo.Test().Create(ctx, nil, test); err != nil {
			return err
		}

		if len(req.Questions) == 0 {
			return nil
		}

		questions := make([]*models.Question, len(req.Questions))
		for i, qr := range req.Questions {
			q, err := s.buildQuestion(test.ID, i+1, &qr)
			if err != nil {
				return err
			}
			questions[i] = q
		}
		return txRepo.Question().CreateBatch(ctx, nil, questions)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create test: %w", err)
	}

	s.logger.Info("Test created", "test_id", test.ID, "creator_id", creatorID)

	return s.GetByIDWithQuestions(ctx, test.ID, creatorID)
}

func (s *testService) GetByID(ctx context.Context, id uint, userID string) (*TestResponse, error) {
	test, err := s.repo.Test().GetByID(ctx, nil, id)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("failed to get test: %w", err)
	}

	return s.buildTestResponse(ctx, test, userID)
}

func (s *testService) GetByIDWithQuestions(ctx context.Context, id uint, userID string) (*TestResponse, error) {
	test, err := s.repo.Test().GetByIDWithQuestions(ctx, nil, id)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("failed to get test with questions: %w", err)
	}

	test.QuestionsCount = len(test.Questions)
	for _, q := range test.Questions {
		test.TotalPoints += q.Points
	}

	return s.buildTestResponse(ctx, test, userID)
}

func (s *testService) Update(ctx context.Context, id uint, req *UpdateTestRequest, userID string) (*TestResponse, error) {
	test, err := s.repo.Test().GetByIDWithQuestions(ctx, nil, id)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return nil, ErrTestNotFound
		}
		return nil, fmt.Errorf("failed to get test: %w", err)
	}

	canEdit, err := s.CanEdit(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if !canEdit {
		return nil, NewPermissionError(userID, id, "test", "update", "not owner or insufficient permissions")
	}

	if errs := s.validator.ValidateTestUpdate(req, test); errs != nil {
		return nil, errs
	}

	if req.Title != nil {
		test.Title = *req.Title
	}
	if req.Description != nil {
		test.Description = req.Description
	}
	if req.DurationMinutes != nil {
		test.DurationMinutes = *req.DurationMinutes
	}
	if req.PassingScore != nil {
		test.PassingScore = *req.PassingScore
	}
	if req.StartTime != nil {
		test.StartTime = req.StartTime
	}
	if req.EndTime != nil {
		test.EndTime = req.EndTime
	}
	if req.Status != nil {
		test.Status = models.TestStatus(*req.Status)
	}

	if err := s.repo.Test().Update(ctx, nil, test); err != nil {
		return nil, fmt.Errorf("failed to update test: %w", err)
	}

	s.logger.Info("Test updated", "test_id", id, "user_id", userID)

	return s.buildTestResponse(ctx, test, userID)
}

func (s *testService) Delete(ctx context.Context, id uint, userID string) error {
	test, err := s.repo.Test().GetByID(ctx, nil, id)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return ErrTestNotFound
		}
		return fmt.Errorf("failed to get test: %w", err)
	}

	canEdit, err := s.CanEdit(ctx, id, userID)
	if err != nil {
		return err
	}
	if !canEdit {
		return NewPermissionError(userID, id, "test", "delete", "not owner or insufficient permissions")
	}

	// Tests with attempts keep their history; archive instead
	stats, err := s.repo.Attempt().GetTestAttemptStats(ctx, nil, id)
	if err != nil {
		return fmt.Errorf("failed to check attempts: %w", err)
	}
	if stats.TotalAttempts > 0 {
		return NewBusinessRuleError("delete_with_attempts", "cannot delete a test that has attempts; archive it instead")
	}
	if test.Status == models.StatusActive {
		return NewBusinessRuleError("delete_active", "cannot delete an active test")
	}

	if err := s.repo.Test().Delete(ctx, nil, id); err != nil {
		return fmt.Errorf("failed to delete test: %w", err)
	}

	s.logger.Info("Test deleted", "test_id", id, "user_id", userID)
	return nil
}

// ===== LIST OPERATIONS =====

func (s *testService) List(ctx context.Context, filters repositories.TestFilters, userID string) (*TestListResponse, error) {
	tests, total, err := s.repo.Test().List(ctx, nil, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list tests: %w", err)
	}

	return s.buildTestListResponse(ctx, tests, total, filters, userID)
}

func (s *testService) GetByCreator(ctx context.Context, creatorID string, filters repositories.TestFilters) (*TestListResponse, error) {
	tests, total, err := s.repo.Test().GetByCreator(ctx, nil, creatorID, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to get tests by creator: %w", err)
	}

	return s.buildTestListResponse(ctx, tests, total, filters, creatorID)
}

// ===== STATUS MANAGEMENT =====

func (s *testService) Publish(ctx context.Context, id uint, userID string) error {
	return s.transition(ctx, id, userID, models.StatusActive, "publish")
}

func (s *testService) Archive(ctx context.Context, id uint, userID string) error {
	return s.transition(ctx, id, userID, models.StatusArchived, "archive")
}

func (s *testService) transition(ctx context.Context, id uint, userID string, target models.TestStatus, action string) error {
	test, err := s.repo.Test().GetByIDWithQuestions(ctx, nil, id)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return ErrTestNotFound
		}
		return fmt.Errorf("failed to get test: %w", err)
	}

	canEdit, err := s.CanEdit(ctx, id, userID)
	if err != nil {
		return err
	}
	if !canEdit {
		return NewPermissionError(userID, id, "test", action, "not owner or insufficient permissions")
	}

	statusStr := string(target)
	req := &UpdateTestRequest{Status: &statusStr}
	if errs := s.validator.ValidateTestUpdate(req, test); errs != nil {
		return errs
	}

	test.Status = target
	if err := s.repo.Test().Update(ctx, nil, test); err != nil {
		return fmt.Errorf("failed to %s test: %w", action, err)
	}

	s.logger.Info("Test status changed", "test_id", id, "status", target, "user_id", userID)
	return nil
}

// ===== QUESTION MANAGEMENT =====

func (s *testService) AddQuestions(ctx context.Context, testID uint, reqs []CreateQuestionRequest, userID string) error {
	test, err := s.repo.Test().GetByID(ctx, nil, testID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return ErrTestNotFound
		}
		return fmt.Errorf("failed to get test: %w", err)
	}

	canEdit, err := s.CanEdit(ctx, testID, userID)
	if err != nil {
		return err
	}
	if !canEdit {
		return NewPermissionError(userID, testID, "test", "add_questions", "not owner or insufficient permissions")
	}

	// Question changes on a live test would silently regrade attempts
	if test.Status == models.StatusActive {
		return NewBusinessRuleError("edit_active_test", "cannot change questions on an active test")
	}

	existing, err := s.repo.Question().CountByTest(ctx, nil, testID)
	if err != nil {
		return fmt.Errorf("failed to count questions: %w", err)
	}

	questions := make([]*models.Question, len(reqs))
	for i, qr := range reqs {
		if errs := s.validator.ValidateQuestionCreate(&qr); errs != nil {
			return errs
		}
		q, err := s.buildQuestion(testID, int(existing)+i+1, &qr)
		if err != nil {
			return err
		}
		questions[i] = q
	}

	if err := s.repo.Question().CreateBatch(ctx, nil, questions); err != nil {
		return fmt.Errorf("failed to add questions: %w", err)
	}

	s.logger.Info("Questions added", "test_id", testID, "count", len(questions))
	return nil
}

func (s *testService) RemoveQuestion(ctx context.Context, testID, questionID uint, userID string) error {
	test, err := s.repo.Test().GetByID(ctx, nil, testID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return ErrTestNotFound
		}
		return fmt.Errorf("failed to get test: %w", err)
	}

	canEdit, err := s.CanEdit(ctx, testID, userID)
	if err != nil {
		return err
	}
	if !canEdit {
		return NewPermissionError(userID, testID, "test", "remove_question", "not owner or insufficient permissions")
	}
	if test.Status == models.StatusActive {
		return NewBusinessRuleError("edit_active_test", "cannot change questions on an active test")
	}

	question, err := s.repo.Question().GetByID(ctx, nil, questionID)
	if err != nil {
		if repositories.IsNotFoundError(err) {
			return ErrQuestionNotFound
		}
		return fmt.Errorf("failed to get question: %w", err)
	}
	if question.TestID != testID {
		return ErrQuestionNotFound
	}

	return s.repo.Question().Delete(ctx, nil, questionID)
}

// ===== STATISTICS =====

func (s *testService) GetStats(ctx context.Context, id uint, userID string) (*repositories.TestAttemptStats, error) {
	canAccess, err := s.CanAccess(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if !canAccess {
		return nil, NewPermissionError(userID, id, "test", "view_stats", "not owner or insufficient permissions")
	}

	return s.repo.Attempt().GetTestAttemptStats(ctx, nil, id)
}

// ===== PERMISSION CHECKS =====

func (s *testService) CanAccess(ctx context.Context, testID uint, userID string) (bool, error) {
	user, err := s.repo.User().GetByID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to get user: %w", err)
	}

	switch user.Role {
	case models.RoleAdmin, models.RoleProctor:
		return true, nil
	case models.RoleTeacher:
		return s.repo.Test().IsOwner(ctx, nil, testID, userID)
	default:
		return false, nil
	}
}

func (s *testService) CanEdit(ctx context.Context, testID uint, userID string) (bool, error) {
	user, err := s.repo.User().GetByID(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to get user: %w", err)
	}

	if user.Role == models.RoleAdmin {
		return true, nil
	}
	if user.Role == models.RoleTeacher {
		return s.repo.Test().IsOwner(ctx, nil, testID, userID)
	}
	return false, nil
}

// ===== HELPERS =====

func (s *testService) buildQuestion(testID uint, order int, req *CreateQuestionRequest) (*models.Question, error) {
	content, err := json.Marshal(req.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal question content: %w", err)
	}

	questionOrder := req.Order
	if questionOrder == 0 {
		questionOrder = order
	}

	return &models.Question{
		TestID:  testID,
		Type:    req.Type,
		Text:    req.Text,
		Points:  req.Points,
		Order:   questionOrder,
		Content: content,
	}, nil
}

func (s *testService) buildTestResponse(ctx context.Context, test *models.Test, userID string) (*TestResponse, error) {
	response := &TestResponse{Test: test}

	user, err := s.repo.User().GetByID(ctx, userID)
	if err != nil {
		// Response flags degrade, the payload itself is still valid
		s.logger.Warn("Failed to resolve user for response flags", "user_id", userID, "error", err)
		return response, nil
	}

	isOwner := test.CreatedBy == userID
	response.CanEdit = user.Role == models.RoleAdmin || (user.Role == models.RoleTeacher && isOwner)
	response.CanDelete = response.CanEdit
	response.CanTake = user.Role == models.RoleStudent && test.Status == models.StatusActive

	return response, nil
}

func (s *testService) buildTestListResponse(ctx context.Context, tests []*models.Test, total int64, filters repositories.TestFilters, userID string) (*TestListResponse, error) {
	responses := make([]*TestResponse, len(tests))
	for i, test := range tests {
		resp, err := s.buildTestResponse(ctx, test, userID)
		if err != nil {
			return nil, err
		}
		responses[i] = resp
	}

	page := 1
	size := filters.Limit
	if size > 0 {
		page = filters.Offset/size + 1
	}

	return &TestListResponse{
		Tests: responses,
		Total: total,
		Page:  page,
		Size:  size,
	}, nil
}
