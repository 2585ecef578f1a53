package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/schoolkit/cbt-service/internal/config"
	"github.com/schoolkit/cbt-service/internal/models"
	"github.com/schoolkit/cbt-service/internal/repositories"
	"github.com/schoolkit/cbt-service/internal/services"
	"github.com/schoolkit/cbt-service/internal/utils"
	"github.com/schoolkit/cbt-service/internal/validator"
)

type HandlerManager struct {
	testHandler    *TestHandler
	attemptHandler *AttemptHandler
	resultHandler  *ResultHandler
	userHandler    *UserHandler
	authMiddleware *CasdoorAuthMiddleware
	serviceManager services.ServiceManager
}

func NewHandlerManager(
	serviceManager services.ServiceManager,
	validator *validator.Validator,
	logger utils.Logger,
	casdoorConfig config.CasdoorConfig,
	userRepo repositories.UserRepository,
) *HandlerManager {
	authMiddleware := NewCasdoorAuthMiddleware(casdoorConfig, userRepo)

	return &HandlerManager{
		testHandler:    NewTestHandler(serviceManager.Test(), validator, logger),
		attemptHandler: NewAttemptHandler(serviceManager.Attempt(), validator, logger),
		resultHandler:  NewResultHandler(serviceManager.Result(), validator, logger),
		userHandler:    NewUserHandler(userRepo, logger),
		authMiddleware: authMiddleware,
		serviceManager: serviceManager,
	}
}

// SetupRoutes sets up all API routes
func (hm *HandlerManager) SetupRoutes(router *gin.Engine) {
	staff := hm.authMiddleware.RequireRoleMiddleware(models.RoleTeacher, models.RoleAdmin)
	proctoring := hm.authMiddleware.RequireRoleMiddleware(models.RoleTeacher, models.RoleProctor, models.RoleAdmin)

	// API v1 routes with authentication
	v1 := router.Group("/api/v1")
	v1.Use(hm.authMiddleware.AuthMiddleware())
	{
		// Test routes
		tests := v1.Group("/tests")
		{
			// Create/modify tests - Teachers and Admins only
			tests.POST("", staff, hm.testHandler.CreateTest)
			tests.PUT("/:id", staff, hm.testHandler.UpdateTest)
			tests.DELETE("/:id", staff, hm.testHandler.DeleteTest)
			tests.POST("/:id/publish", staff, hm.testHandler.PublishTest)
			tests.POST("/:id/archive", staff, hm.testHandler.ArchiveTest)

			// Question management - Teachers and Admins only
			tests.POST("/:id/questions", staff, hm.testHandler.AddQuestions)
			tests.DELETE("/:id/questions/:question_id", staff, hm.testHandler.RemoveQuestion)

			// View tests - all authenticated users; students get sanitized
			// content and only active tests marked takeable
			tests.GET("", hm.testHandler.ListTests)
			tests.GET("/:id", hm.testHandler.GetTest)
			tests.GET("/:id/details", hm.testHandler.GetTestWithQuestions)

			// Stats and exports - Teachers and Admins only
			tests.GET("/:id/stats", staff, hm.testHandler.GetTestStats)
			tests.GET("/:id/results/export", staff, hm.resultHandler.ExportTestResults)

			// Creator-specific routes - Teachers and Admins only
			tests.GET("/creator/:creator_id", staff, hm.testHandler.GetTestsByCreator)
		}

		// Attempt routes
		attempts := v1.Group("/attempts")
		{
			attempts.POST("/start", hm.attemptHandler.StartAttempt)
			attempts.GET("", hm.attemptHandler.ListAttempts)
			attempts.GET("/:id", hm.attemptHandler.GetAttempt)
			attempts.GET("/:id/details", hm.attemptHandler.GetAttemptWithDetails)
			attempts.POST("/:id/answer", hm.attemptHandler.SubmitAnswer)
			attempts.POST("/:id/finish", hm.attemptHandler.FinishAttempt)
			attempts.GET("/:id/time-remaining", hm.attemptHandler.GetTimeRemaining)

			// Integrity ledger: students report events, staff review them
			attempts.POST("/:id/cheat-events", hm.attemptHandler.RecordCheatEvent)
			attempts.GET("/:id/cheat-events", proctoring, hm.attemptHandler.ListCheatEvents)

			// Results and grading
			attempts.GET("/:id/result", hm.resultHandler.GetResult)
			attempts.POST("/:id/questions/:question_id/grade", staff, hm.resultHandler.GradeEssay)
			attempts.POST("/:id/regrade", staff, hm.resultHandler.RegradeAttempt)

			// Test-specific routes
			attempts.GET("/current/:test_id", hm.attemptHandler.GetCurrentAttempt)
			attempts.GET("/can-start/:test_id", hm.attemptHandler.CanStartAttempt)
			attempts.GET("/test/:test_id", proctoring, hm.attemptHandler.GetAttemptsByTest)

			// Student-specific routes - Teachers and Admins only
			attempts.GET("/student/:student_id", staff, hm.attemptHandler.GetAttemptsByStudent)
		}

		// User routes (lookups for grading and review screens)
		users := v1.Group("/users")
		{
			users.GET("", hm.userHandler.ListUsers)
			users.GET("/search", hm.userHandler.SearchUsers)
			users.GET("/:id", hm.userHandler.GetUser)
		}
	}

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		if err := hm.serviceManager.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"service": "cbt-service",
				"error":   err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "cbt-service",
		})
	})
}
