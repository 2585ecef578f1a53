package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/schoolkit/cbt-service/internal/models"
	"github.com/schoolkit/cbt-service/internal/repositories"
	"github.com/schoolkit/cbt-service/internal/services"
	"github.com/schoolkit/cbt-service/internal/utils"
	"github.com/schoolkit/cbt-service/internal/validator"
)

type TestHandler struct {
	BaseHandler
	testService services.TestService
	validator   *validator.Validator
}

func NewTestHandler(
	testService services.TestService,
	validator *validator.Validator,
	logger utils.Logger,
) *TestHandler {
	return &TestHandler{
		BaseHandler: NewBaseHandler(logger),
		testService: testService,
		validator:   validator,
	}
}

// CreateTest creates a new test
// @Summary Create test
// @Description Creates a new test, optionally with its questions
// @Tags tests
// @Accept json
// @Produce json
// @Param test body services.CreateTestRequest true "Test data"
// @Success 201 {object} services.TestResponse
// @Failure 400 {object} ErrorResponse
// @Router /tests [post]
func (h *TestHandler) CreateTest(c *gin.Context) {
	h.LogRequest(c, "Creating test")

	var req services.CreateTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	creatorID := h.requireUserID(c)
	if creatorID == "" {
		return
	}

	test, err := h.testService.Create(c.Request.Context(), &req, creatorID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, test)
}

// GetTest retrieves a test by ID
// @Summary Get test
// @Description Retrieves a test by its ID
// @Tags tests
// @Accept json
// @Produce json
// @Param id path uint true "Test ID"
// @Success 200 {object} services.TestResponse
// @Failure 404 {object} ErrorResponse
// @Router /tests/{id} [get]
func (h *TestHandler) GetTest(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}

	h.LogRequest(c, "Getting test", "test_id", id)

	userID := h.requireUserID(c)
	if userID == "" {
		return
	}

	test, err := h.testService.GetByID(c.Request.Context(), id, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, test)
}

// GetTestWithQuestions retrieves a test with its question list
// @Summary Get test with questions
// @Description Retrieves a test including questions
// @Tags tests
// @Accept json
// @Produce json
// @Param id path uint true "Test ID"
// @Success 200 {object} services.TestResponse
// @Failure 404 {object} ErrorResponse
// @Router /tests/{id}/details [get]
func (h *TestHandler) GetTestWithQuestions(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}

	h.LogRequest(c, "Getting test with questions", "test_id", id)

	userID := h.requireUserID(c)
	if userID == "" {
		return
	}

	test, err := h.testService.GetByIDWithQuestions(c.Request.Context(), id, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, test)
}

// UpdateTest updates a test
// @Summary Update test
// @Description Updates a test's settings
// @Tags tests
// @Accept json
// @Produce json
// @Param id path uint true "Test ID"
// @Param test body services.UpdateTestRequest true "Update data"
// @Success 200 {object} services.TestResponse
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /tests/{id} [put]
func (h *TestHandler) UpdateTest(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}

	h.LogRequest(c, "Updating test", "test_id", id)

	var req services.UpdateTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	userID := h.requireUserID(c)
	if userID == "" {
		return
	}

	test, err := h.testService.Update(c.Request.Context(), id, &req, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, test)
}

// DeleteTest deletes a test
// @Summary Delete test
// @Description Deletes a test that has no attempts
// @Tags tests
// @Accept json
// @Produce json
// @Param id path uint true "Test ID"
// @Success 200 {object} SuccessResponse
// @Failure 403 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /tests/{id} [delete]
func (h *TestHandler) DeleteTest(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}

	h.LogRequest(c, "Deleting test", "test_id", id)

	userID := h.requireUserID(c)
	if userID == "" {
		return
	}

	if err := h.testService.Delete(c.Request.Context(), id, userID); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Message: "Test deleted successfully",
	})
}

// ListTests lists tests with filters
// @Summary List tests
// @Description Lists tests with optional filtering
// @Tags tests
// @Accept json
// @Produce json
// @Param page query int false "Page number" default(1)
// @Param size query int false "Page size" default(10)
// @Param status query string false "Test status"
// @Success 200 {object} services.TestListResponse
// @Failure 500 {object} ErrorResponse
// @Router /tests [get]
func (h *TestHandler) ListTests(c *gin.Context) {
	h.LogRequest(c, "Listing tests")

	filters := h.parseTestFilters(c)
	userID := h.requireUserID(c)
	if userID == "" {
		return
	}

	tests, err := h.testService.List(c.Request.Context(), filters, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, tests)
}

// GetTestsByCreator lists tests created by a specific user
// @Summary Get tests by creator
// @Description Lists tests created by a specific user
// @Tags tests
// @Accept json
// @Produce json
// @Param creator_id path string true "Creator ID"
// @Success 200 {object} services.TestListResponse
// @Failure 400 {object} ErrorResponse
// @Router /tests/creator/{creator_id} [get]
func (h *TestHandler) GetTestsByCreator(c *gin.Context) {
	creatorID := ParseStringIDParam(c, "creator_id")
	if creatorID == "" {
		return
	}

	h.LogRequest(c, "Getting tests by creator", "creator_id", creatorID)

	filters := h.parseTestFilters(c)
	tests, err := h.testService.GetByCreator(c.Request.Context(), creatorID, filters)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, tests)
}

// PublishTest moves a test into the active state
// @Summary Publish test
// @Description Publishes a draft test so students can take it
// @Tags tests
// @Accept json
// @Produce json
// @Param id path uint true "Test ID"
// @Success 200 {object} SuccessResponse
// @Failure 403 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /tests/{id}/publish [post]
func (h *TestHandler) PublishTest(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}

	h.LogRequest(c, "Publishing test", "test_id", id)

	userID := h.requireUserID(c)
	if userID == "" {
		return
	}

	if err := h.testService.Publish(c.Request.Context(), id, userID); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Message: "Test published successfully",
	})
}

// ArchiveTest moves a test into the archived state
// @Summary Archive test
// @Description Archives a test; archived tests accept no new attempts
// @Tags tests
// @Accept json
// @Produce json
// @Param id path uint true "Test ID"
// @Success 200 {object} SuccessResponse
// @Failure 403 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /tests/{id}/archive [post]
func (h *TestHandler) ArchiveTest(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}

	h.LogRequest(c, "Archiving test", "test_id", id)

	userID := h.requireUserID(c)
	if userID == "" {
		return
	}

	if err := h.testService.Archive(c.Request.Context(), id, userID); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Message: "Test archived successfully",
	})
}

// AddQuestions adds questions to a test
// @Summary Add questions
// @Description Appends questions to a test that is not active
// @Tags tests
// @Accept json
// @Produce json
// @Param id path uint true "Test ID"
// @Param questions body []services.CreateQuestionRequest true "Questions"
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /tests/{id}/questions [post]
func (h *TestHandler) AddQuestions(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}

	h.LogRequest(c, "Adding questions to test", "test_id", id)

	var reqs []services.CreateQuestionRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}
	if len(reqs) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "At least one question is required",
		})
		return
	}

	userID := h.requireUserID(c)
	if userID == "" {
		return
	}

	if err := h.testService.AddQuestions(c.Request.Context(), id, reqs, userID); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Message: "Questions added successfully",
	})
}

// RemoveQuestion removes a question from a test
// @Summary Remove question
// @Description Removes a question from a test that is not active
// @Tags tests
// @Accept json
// @Produce json
// @Param id path uint true "Test ID"
// @Param question_id path uint true "Question ID"
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /tests/{id}/questions/{question_id} [delete]
func (h *TestHandler) RemoveQuestion(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}
	questionID := h.parseIDParam(c, "question_id")
	if questionID == 0 {
		return
	}

	h.LogRequest(c, "Removing question from test", "test_id", id, "question_id", questionID)

	userID := h.requireUserID(c)
	if userID == "" {
		return
	}

	if err := h.testService.RemoveQuestion(c.Request.Context(), id, questionID, userID); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Message: "Question removed successfully",
	})
}

// GetTestStats retrieves attempt statistics for a test
// @Summary Get test statistics
// @Description Retrieves aggregate attempt statistics for a test
// @Tags tests
// @Accept json
// @Produce json
// @Param id path uint true "Test ID"
// @Success 200 {object} SuccessResponse{data=repositories.TestAttemptStats}
// @Failure 403 {object} ErrorResponse
// @Router /tests/{id}/stats [get]
func (h *TestHandler) GetTestStats(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}

	h.LogRequest(c, "Getting test stats", "test_id", id)

	userID := h.requireUserID(c)
	if userID == "" {
		return
	}

	stats, err := h.testService.GetStats(c.Request.Context(), id, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Message: "Test stats retrieved successfully",
		Data:    stats,
	})
}

// ===== HELPER METHODS =====

func (h *TestHandler) parseTestFilters(c *gin.Context) repositories.TestFilters {
	page := h.parseIntQuery(c, "page", 1)
	size := h.parseIntQuery(c, "size", 10)

	filters := repositories.TestFilters{
		Limit:  size,
		Offset: (page - 1) * size,
	}

	if status := c.Query("status"); status != "" {
		testStatus := models.TestStatus(status)
		filters.Status = &testStatus
	}

	if createdBy := c.Query("created_by"); createdBy != "" {
		filters.CreatedBy = &createdBy
	}

	if sortBy := c.Query("sort_by"); sortBy != "" {
		filters.SortBy = sortBy
		filters.SortOrder = c.DefaultQuery("sort_order", "desc")
	}

	return filters
}
