package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/schoolkit/cbt-service/internal/repositories"
	"github.com/schoolkit/cbt-service/internal/services"
	"github.com/schoolkit/cbt-service/internal/utils"
	"github.com/schoolkit/cbt-service/internal/validator"
)

// ErrorResponse is the uniform error payload returned by all endpoints
type ErrorResponse struct {
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// SuccessResponse wraps successful operations that have no natural body
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// BaseHandler carries the pieces every handler needs
type BaseHandler struct {
	logger utils.Logger
}

func NewBaseHandler(logger utils.Logger) BaseHandler {
	return BaseHandler{logger: logger}
}

// LogRequest logs an incoming request with the request-scoped logger
func (h *BaseHandler) LogRequest(c *gin.Context, msg string, args ...any) {
	utils.FromContext(c.Request.Context(), h.logger).Info(msg, args...)
}

// LogError logs an unexpected error with the request-scoped logger
func (h *BaseHandler) LogError(c *gin.Context, err error, msg string, args ...any) {
	utils.FromContext(c.Request.Context(), h.logger).Error(msg, append(args, "error", err)...)
}

// parseIDParam parses a numeric path parameter. It writes the 400 response
// itself and returns 0 when the parameter is missing or malformed.
func (h *BaseHandler) parseIDParam(c *gin.Context, param string) uint {
	idStr := c.Param(param)
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid " + param,
		})
		return 0
	}
	return uint(id)
}

func (h *BaseHandler) parseIntQuery(c *gin.Context, param string, defaultValue int) int {
	valueStr := c.Query(param)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// ParseStringIDParam parses a string path parameter, writing the 400
// response itself when it is empty.
func ParseStringIDParam(c *gin.Context, param string) string {
	id := c.Param(param)
	if id == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: param + " is required",
		})
	}
	return id
}

// requireUserID pulls the authenticated user id from the context. It
// writes the 401 response itself and returns "" when authentication is
// missing.
func (h *BaseHandler) requireUserID(c *gin.Context) string {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Message: "User not authenticated",
		})
		return ""
	}
	id, ok := userID.(string)
	if !ok || id == "" {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Message: "User not authenticated",
		})
		return ""
	}
	return id
}

// handleServiceError maps service errors onto HTTP status codes
func (h *BaseHandler) handleServiceError(c *gin.Context, err error) {
	// Typed errors first
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Validation failed",
			Details: validationErrors,
		})
		return
	}

	var businessRuleError *services.BusinessRuleError
	if errors.As(err, &businessRuleError) {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Message: businessRuleError.Message,
			Details: map[string]interface{}{
				"rule": businessRuleError.Rule,
			},
		})
		return
	}

	var permissionError *services.PermissionError
	if errors.As(err, &permissionError) {
		c.JSON(http.StatusForbidden, ErrorResponse{
			Message: "Access denied",
			Details: map[string]interface{}{
				"resource": permissionError.Resource,
				"action":   permissionError.Action,
				"reason":   permissionError.Reason,
			},
		})
		return
	}

	switch {
	// Not found family
	case errors.Is(err, services.ErrTestNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Message: "Test not found",
		})
	case errors.Is(err, services.ErrQuestionNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Message: "Question not found",
		})
	case errors.Is(err, services.ErrAttemptNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Message: "Attempt not found",
		})
	case errors.Is(err, services.ErrAnswerNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Message: "Answer not found",
		})
	case errors.Is(err, services.ErrUserNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Message: "User not found",
		})

	// Conflict family: the attempt's current state forbids the operation
	case errors.Is(err, services.ErrAttemptNotActive):
		c.JSON(http.StatusConflict, ErrorResponse{
			Message: "Attempt is not in progress",
		})
	case errors.Is(err, services.ErrAttemptAlreadyClosed):
		c.JSON(http.StatusConflict, ErrorResponse{
			Message: "Attempt is already closed",
		})
	case errors.Is(err, services.ErrAttemptActiveExists):
		c.JSON(http.StatusConflict, ErrorResponse{
			Message: "An attempt is already in progress for this test",
		})
	case errors.Is(err, services.ErrAttemptNotFinished):
		c.JSON(http.StatusConflict, ErrorResponse{
			Message: "Attempt has not finished yet",
		})
	case errors.Is(err, services.ErrNotEssayQuestion):
		c.JSON(http.StatusConflict, ErrorResponse{
			Message: "Question is not an essay",
		})

	// Forbidden family
	case errors.Is(err, services.ErrTestNotAvailable):
		c.JSON(http.StatusForbidden, ErrorResponse{
			Message: "Test is not available",
		})

	case repositories.IsNotFoundError(err):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Message: "Resource not found",
		})

	default:
		h.LogError(c, err, "Unexpected service error")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Message: "Internal server error",
		})
	}
}
