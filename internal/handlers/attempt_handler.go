package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/schoolkit/cbt-service/internal/models"
	"github.com/schoolkit/cbt-service/internal/repositories"
	"github.com/schoolkit/cbt-service/internal/services"
	"github.com/schoolkit/cbt-service/internal/utils"
	"github.com/schoolkit/cbt-service/internal/validator"
)

type AttemptHandler struct {
	BaseHandler
	attemptService services.AttemptService
	validator      *validator.Validator
}

func NewAttemptHandler(
	attemptService services.AttemptService,
	validator *validator.Validator,
	logger utils.Logger,
) *AttemptHandler {
	return &AttemptHandler{
		BaseHandler:    NewBaseHandler(logger),
		attemptService: attemptService,
		validator:      validator,
	}
}

// StartAttempt starts (or re-enters) an attempt
// @Summary Start test attempt
// @Description Starts a new attempt, or returns the attempt already in progress for this test
// @Tags attempts
// @Accept json
// @Produce json
// @Param attempt body services.StartAttemptRequest true "Start attempt data"
// @Success 201 {object} services.AttemptResponse
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /attempts/start [post]
func (h *AttemptHandler) StartAttempt(c *gin.Context) {
	h.LogRequest(c, "Starting test attempt")

	var req services.StartAttemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	studentID := h.requireUserID(c)
	if studentID == "" {
		return
	}

	attempt, err := h.attemptService.Start(c.Request.Context(), &req, studentID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, attempt)
}

// SubmitAnswer records an answer for one question of an attempt
// @Summary Submit answer
// @Description Upserts the answer for a question; a later submission replaces an earlier one
// @Tags attempts
// @Accept json
// @Produce json
// @Param id path uint true "Attempt ID"
// @Param answer body services.SubmitAnswerRequest true "Answer data"
// @Success 200 {object} SuccessResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /attempts/{id}/answer [post]
func (h *AttemptHandler) SubmitAnswer(c *gin.Context) {
	attemptID := h.parseIDParam(c, "id")
	if attemptID == 0 {
		return
	}

	h.LogRequest(c, "Submitting answer", "attempt_id", attemptID)

	var req services.SubmitAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	studentID := h.requireUserID(c)
	if studentID == "" {
		return
	}

	if err := h.attemptService.SubmitAnswer(c.Request.Context(), attemptID, &req, studentID); err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Message: "Answer submitted successfully",
	})
}

// RecordCheatEvent appends an integrity event to the attempt's ledger
// @Summary Record cheat event
// @Description Appends a proctoring event; crossing the violation threshold blocks the attempt
// @Tags attempts
// @Accept json
// @Produce json
// @Param id path uint true "Attempt ID"
// @Param event body services.CheatEventRequest true "Event data"
// @Success 200 {object} services.CheatEventResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /attempts/{id}/cheat-events [post]
func (h *AttemptHandler) RecordCheatEvent(c *gin.Context) {
	attemptID := h.parseIDParam(c, "id")
	if attemptID == 0 {
		return
	}

	h.LogRequest(c, "Recording cheat event", "attempt_id", attemptID)

	var req services.CheatEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	studentID := h.requireUserID(c)
	if studentID == "" {
		return
	}

	result, err := h.attemptService.RecordCheatEvent(c.Request.Context(), attemptID, &req, studentID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ListCheatEvents lists the integrity ledger of an attempt
// @Summary List cheat events
// @Description Lists recorded proctoring events for an attempt (teachers, proctors and admins)
// @Tags attempts
// @Accept json
// @Produce json
// @Param id path uint true "Attempt ID"
// @Success 200 {object} SuccessResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /attempts/{id}/cheat-events [get]
func (h *AttemptHandler) ListCheatEvents(c *gin.Context) {
	attemptID := h.parseIDParam(c, "id")
	if attemptID == 0 {
		return
	}

	h.LogRequest(c, "Listing cheat events", "attempt_id", attemptID)

	userID := h.requireUserID(c)
	if userID == "" {
		return
	}

	events, err := h.attemptService.ListCheatEvents(c.Request.Context(), attemptID, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Message: "Cheat events retrieved successfully",
		Data:    events,
	})
}

// FinishAttempt submits an attempt for scoring
// @Summary Finish attempt
// @Description Closes the attempt and scores it; repeating the call returns the stored outcome
// @Tags attempts
// @Accept json
// @Produce json
// @Param id path uint true "Attempt ID"
// @Success 200 {object} services.AttemptResponse
// @Failure 404 {object} ErrorResponse
// @Router /attempts/{id}/finish [post]
func (h *AttemptHandler) FinishAttempt(c *gin.Context) {
	attemptID := h.parseIDParam(c, "id")
	if attemptID == 0 {
		return
	}

	h.LogRequest(c, "Finishing attempt", "attempt_id", attemptID)

	studentID := h.requireUserID(c)
	if studentID == "" {
		return
	}

	attempt, err := h.attemptService.Finish(c.Request.Context(), attemptID, studentID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, attempt)
}

// GetAttempt retrieves an attempt by ID
// @Summary Get attempt
// @Description Retrieves an attempt; overdue attempts are settled before answering
// @Tags attempts
// @Accept json
// @Produce json
// @Param id path uint true "Attempt ID"
// @Success 200 {object} services.AttemptResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /attempts/{id} [get]
func (h *AttemptHandler) GetAttempt(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}

	h.LogRequest(c, "Getting attempt", "attempt_id", id)

	userID := h.requireUserID(c)
	if userID == "" {
		return
	}

	attempt, err := h.attemptService.GetByID(c.Request.Context(), id, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, attempt)
}

// GetAttemptWithDetails retrieves an attempt with sanitized questions and
// the caller's answers
// @Summary Get attempt with details
// @Description Retrieves an attempt with its question list; answer keys are stripped
// @Tags attempts
// @Accept json
// @Produce json
// @Param id path uint true "Attempt ID"
// @Success 200 {object} services.AttemptResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /attempts/{id}/details [get]
func (h *AttemptHandler) GetAttemptWithDetails(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}

	h.LogRequest(c, "Getting attempt with details", "attempt_id", id)

	userID := h.requireUserID(c)
	if userID == "" {
		return
	}

	attempt, err := h.attemptService.GetByIDWithDetails(c.Request.Context(), id, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, attempt)
}

// GetCurrentAttempt retrieves the caller's in-progress attempt for a test
// @Summary Get current attempt
// @Description Retrieves the attempt currently in progress for a test, if any
// @Tags attempts
// @Accept json
// @Produce json
// @Param test_id path uint true "Test ID"
// @Success 200 {object} services.AttemptResponse
// @Failure 404 {object} ErrorResponse
// @Router /attempts/current/{test_id} [get]
func (h *AttemptHandler) GetCurrentAttempt(c *gin.Context) {
	testID := h.parseIDParam(c, "test_id")
	if testID == 0 {
		return
	}

	h.LogRequest(c, "Getting current attempt", "test_id", testID)

	studentID := h.requireUserID(c)
	if studentID == "" {
		return
	}

	attempt, err := h.attemptService.GetCurrentAttempt(c.Request.Context(), testID, studentID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, attempt)
}

// GetTimeRemaining reports seconds left before the attempt deadline.
// The value is advisory; the server deadline is authoritative.
// @Summary Get time remaining
// @Description Gets the remaining seconds for an in-progress attempt
// @Tags attempts
// @Accept json
// @Produce json
// @Param id path uint true "Attempt ID"
// @Success 200 {object} SuccessResponse{data=int}
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /attempts/{id}/time-remaining [get]
func (h *AttemptHandler) GetTimeRemaining(c *gin.Context) {
	id := h.parseIDParam(c, "id")
	if id == 0 {
		return
	}

	h.LogRequest(c, "Getting time remaining", "attempt_id", id)

	studentID := h.requireUserID(c)
	if studentID == "" {
		return
	}

	seconds, err := h.attemptService.GetTimeRemaining(c.Request.Context(), id, studentID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Message: "Time remaining retrieved successfully",
		Data:    seconds,
	})
}

// ListAttempts lists attempts with filters
// @Summary List attempts
// @Description Lists attempts; students only ever see their own
// @Tags attempts
// @Accept json
// @Produce json
// @Param page query int false "Page number" default(1)
// @Param size query int false "Page size" default(10)
// @Param status query string false "Attempt status"
// @Success 200 {object} map[string]interface{}
// @Failure 500 {object} ErrorResponse
// @Router /attempts [get]
func (h *AttemptHandler) ListAttempts(c *gin.Context) {
	h.LogRequest(c, "Listing attempts")

	filters := h.parseAttemptFilters(c)
	userID := h.requireUserID(c)
	if userID == "" {
		return
	}

	attempts, total, err := h.attemptService.List(c.Request.Context(), filters, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.paginatedResponse(attempts, total, filters))
}

// GetAttemptsByStudent lists attempts made by a specific student
// @Summary Get attempts by student
// @Description Lists attempts made by a specific student (teachers and admins)
// @Tags attempts
// @Accept json
// @Produce json
// @Param student_id path string true "Student ID"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Router /attempts/student/{student_id} [get]
func (h *AttemptHandler) GetAttemptsByStudent(c *gin.Context) {
	studentID := ParseStringIDParam(c, "student_id")
	if studentID == "" {
		return
	}

	h.LogRequest(c, "Getting attempts by student", "student_id", studentID)

	filters := h.parseAttemptFilters(c)
	attempts, total, err := h.attemptService.GetByStudent(c.Request.Context(), studentID, filters)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.paginatedResponse(attempts, total, filters))
}

// GetAttemptsByTest lists attempts for a test
// @Summary Get attempts by test
// @Description Lists attempts for a test (teachers who own it, proctors and admins)
// @Tags attempts
// @Accept json
// @Produce json
// @Param test_id path uint true "Test ID"
// @Success 200 {object} map[string]interface{}
// @Failure 403 {object} ErrorResponse
// @Router /attempts/test/{test_id} [get]
func (h *AttemptHandler) GetAttemptsByTest(c *gin.Context) {
	testID := h.parseIDParam(c, "test_id")
	if testID == 0 {
		return
	}

	h.LogRequest(c, "Getting attempts by test", "test_id", testID)

	filters := h.parseAttemptFilters(c)
	userID := h.requireUserID(c)
	if userID == "" {
		return
	}

	attempts, total, err := h.attemptService.GetByTest(c.Request.Context(), testID, filters, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, h.paginatedResponse(attempts, total, filters))
}

// CanStartAttempt checks start eligibility without starting
// @Summary Check if can start attempt
// @Description Reports whether the caller could start an attempt for this test right now
// @Tags attempts
// @Accept json
// @Produce json
// @Param test_id path uint true "Test ID"
// @Success 200 {object} SuccessResponse{data=repositories.AttemptValidation}
// @Failure 404 {object} ErrorResponse
// @Router /attempts/can-start/{test_id} [get]
func (h *AttemptHandler) CanStartAttempt(c *gin.Context) {
	testID := h.parseIDParam(c, "test_id")
	if testID == 0 {
		return
	}

	h.LogRequest(c, "Checking if can start attempt", "test_id", testID)

	studentID := h.requireUserID(c)
	if studentID == "" {
		return
	}

	validation, err := h.attemptService.CanStart(c.Request.Context(), testID, studentID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Message: "Can start check completed",
		Data:    validation,
	})
}

// ===== HELPER METHODS =====

func (h *AttemptHandler) parseAttemptFilters(c *gin.Context) repositories.AttemptFilters {
	page := h.parseIntQuery(c, "page", 1)
	size := h.parseIntQuery(c, "size", 10)

	filters := repositories.AttemptFilters{
		Limit:  size,
		Offset: (page - 1) * size,
	}

	if status := c.Query("status"); status != "" {
		attemptStatus := models.AttemptStatus(status)
		filters.Status = &attemptStatus
	}

	if studentID := strings.TrimSpace(c.Query("student_id")); studentID != "" {
		filters.StudentID = &studentID
	}

	return filters
}

func (h *AttemptHandler) paginatedResponse(attempts []*services.AttemptResponse, total int64, filters repositories.AttemptFilters) map[string]interface{} {
	page := (filters.Offset / max(filters.Limit, 1)) + 1
	totalPages := (int(total) + filters.Limit - 1) / max(filters.Limit, 1)
	return map[string]interface{}{
		"data":        attempts,
		"total":       total,
		"page":        page,
		"size":        filters.Limit,
		"total_pages": totalPages,
	}
}
