package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/schoolkit/cbt-service/internal/services"
	"github.com/schoolkit/cbt-service/internal/utils"
	"github.com/schoolkit/cbt-service/internal/validator"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type ResultHandler struct {
	BaseHandler
	resultService services.ResultService
	validator     *validator.Validator
}

func NewResultHandler(
	resultService services.ResultService,
	validator *validator.Validator,
	logger utils.Logger,
) *ResultHandler {
	return &ResultHandler{
		BaseHandler:   NewBaseHandler(logger),
		resultService: resultService,
		validator:     validator,
	}
}

// GetResult retrieves the result of a closed attempt
// @Summary Get attempt result
// @Description Retrieves the scored review of a closed attempt; conflicts while the attempt is still in progress
// @Tags results
// @Accept json
// @Produce json
// @Param id path uint true "Attempt ID"
// @Success 200 {object} services.ResultResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /attempts/{id}/result [get]
func (h *ResultHandler) GetResult(c *gin.Context) {
	attemptID := h.parseIDParam(c, "id")
	if attemptID == 0 {
		return
	}

	h.LogRequest(c, "Getting attempt result", "attempt_id", attemptID)

	userID := h.requireUserID(c)
	if userID == "" {
		return
	}

	result, err := h.resultService.GetResult(c.Request.Context(), attemptID, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// GradeEssay assigns a manual grade to an essay answer
// @Summary Grade essay answer
// @Description Sets the manual grade for an essay question and recomputes the attempt score
// @Tags results
// @Accept json
// @Produce json
// @Param id path uint true "Attempt ID"
// @Param question_id path uint true "Question ID"
// @Param grade body services.GradeEssayRequest true "Grade data"
// @Success 200 {object} services.ResultResponse
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /attempts/{id}/questions/{question_id}/grade [post]
func (h *ResultHandler) GradeEssay(c *gin.Context) {
	attemptID := h.parseIDParam(c, "id")
	if attemptID == 0 {
		return
	}
	questionID := h.parseIDParam(c, "question_id")
	if questionID == 0 {
		return
	}

	h.LogRequest(c, "Grading essay answer", "attempt_id", attemptID, "question_id", questionID)

	var req services.GradeEssayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	graderID := h.requireUserID(c)
	if graderID == "" {
		return
	}

	result, err := h.resultService.GradeEssay(c.Request.Context(), attemptID, questionID, &req, graderID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// RegradeAttempt recomputes a closed attempt against the current answer key
// @Summary Regrade attempt
// @Description Re-scores a closed attempt, keeping manual essay grades intact
// @Tags results
// @Accept json
// @Produce json
// @Param id path uint true "Attempt ID"
// @Success 200 {object} services.ResultResponse
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /attempts/{id}/regrade [post]
func (h *ResultHandler) RegradeAttempt(c *gin.Context) {
	attemptID := h.parseIDParam(c, "id")
	if attemptID == 0 {
		return
	}

	h.LogRequest(c, "Regrading attempt", "attempt_id", attemptID)

	userID := h.requireUserID(c)
	if userID == "" {
		return
	}

	result, err := h.resultService.Regrade(c.Request.Context(), attemptID, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ExportTestResults streams an xlsx workbook of all closed attempts
// @Summary Export test results
// @Description Exports all closed attempts of a test as an xlsx file
// @Tags results
// @Accept json
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param id path uint true "Test ID"
// @Success 200 {file} binary
// @Failure 403 {object} ErrorResponse
// @Router /tests/{id}/results/export [get]
func (h *ResultHandler) ExportTestResults(c *gin.Context) {
	testID := h.parseIDParam(c, "id")
	if testID == 0 {
		return
	}

	h.LogRequest(c, "Exporting test results", "test_id", testID)

	userID := h.requireUserID(c)
	if userID == "" {
		return
	}

	data, err := h.resultService.ExportTestResults(c.Request.Context(), testID, userID)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	filename := fmt.Sprintf("test-%d-results.xlsx", testID)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, xlsxContentType, data)
}
