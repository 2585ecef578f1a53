package validator

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/schoolkit/cbt-service/internal/models"
)

// Proctoring event types the client may report. Unknown types are rejected
// so a misbehaving client cannot pollute the ledger.
var knownCheatEventTypes = map[string]bool{
	"tab_switch":      true,
	"window_blur":     true,
	"fullscreen_exit": true,
	"copy_attempt":    true,
	"paste_attempt":   true,
	"right_click":     true,
	"devtools_open":   true,
	"multiple_faces":  true,
	"no_face":         true,
}

// IsKnownCheatEventType reports whether the event type is registered
func IsKnownCheatEventType(eventType string) bool {
	return knownCheatEventTypes[strings.ToLower(strings.TrimSpace(eventType))]
}

// registerDomainRules registers custom rule validators
func (v *Validator) registerDomainRules() {
	// Test duration validation (5-300 minutes)
	v.validate.RegisterValidation("test_duration", func(fl validator.FieldLevel) bool {
		duration := fl.Field().Int()
		return duration >= 5 && duration <= 300
	})

	// Passing score validation (0-100)
	v.validate.RegisterValidation("passing_score", func(fl validator.FieldLevel) bool {
		score := fl.Field().Int()
		return score >= 0 && score <= 100
	})

	// Title validation (1-200 characters)
	v.validate.RegisterValidation("test_title", func(fl validator.FieldLevel) bool {
		title := strings.TrimSpace(fl.Field().String())
		return len(title) >= 1 && len(title) <= 200
	})

	// Points range validation
	v.validate.RegisterValidation("points_range", func(fl validator.FieldLevel) bool {
		points := fl.Field().Int()
		return points >= 0 && points <= 100
	})

	// Question type validation
	v.validate.RegisterValidation("question_type", func(fl validator.FieldLevel) bool {
		qType := models.QuestionType(fl.Field().String())
		switch qType {
		case models.MultipleChoice, models.TrueFalse, models.Essay:
			return true
		}
		return false
	})

	// Cheat event type validation
	v.validate.RegisterValidation("cheat_event_type", func(fl validator.FieldLevel) bool {
		return IsKnownCheatEventType(fl.Field().String())
	})
}

// ValidateTestCreate validates test creation business rules
func (v *Validator) ValidateTestCreate(req *TestCreateRequest) ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, v.Struct(req)...)
	errs = append(errs, v.validateWindow(req.StartTime, req.EndTime)...)

	for i, q := range req.Questions {
		errs = append(errs, v.validateQuestionContent(fmt.Sprintf("questions[%d]", i), q.Type, q.Content)...)
	}

	return errs
}

// ValidateTestUpdate validates test update business rules
func (v *Validator) ValidateTestUpdate(req *TestUpdateRequest, existing *models.Test) ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, v.Struct(req)...)

	start := existing.StartTime
	if req.StartTime != nil {
		start = req.StartTime
	}
	end := existing.EndTime
	if req.EndTime != nil {
		end = req.EndTime
	}
	errs = append(errs, v.validateWindow(start, end)...)

	if req.Status != nil {
		errs = append(errs, v.validateStatusTransition(existing, models.TestStatus(*req.Status))...)
	}

	return errs
}

// ValidateQuestionCreate validates question creation business rules
func (v *Validator) ValidateQuestionCreate(req *QuestionCreateRequest) ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, v.Struct(req)...)
	errs = append(errs, v.validateQuestionContent("content", req.Type, req.Content)...)

	return errs
}

// validateWindow checks that the availability window is ordered
func (v *Validator) validateWindow(start, end *time.Time) ValidationErrors {
	var errs ValidationErrors

	if start != nil && end != nil && !end.After(*start) {
		errs = append(errs, ValidationError{
			Field:   "end_time",
			Message: "must be after start_time",
			Value:   end,
			Rule:    "window_order",
		})
	}

	return errs
}

// validateStatusTransition validates test status transitions
func (v *Validator) validateStatusTransition(existing *models.Test, newStatus models.TestStatus) ValidationErrors {
	var errs ValidationErrors

	allowedTransitions := map[models.TestStatus][]models.TestStatus{
		models.StatusDraft:    {models.StatusActive, models.StatusArchived},
		models.StatusActive:   {models.StatusArchived},
		models.StatusArchived: {},
	}

	allowed := false
	for _, s := range allowedTransitions[existing.Status] {
		if newStatus == s {
			allowed = true
			break
		}
	}

	if existing.Status == newStatus {
		allowed = true
	}

	if !allowed {
		errs = append(errs, ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("cannot transition from %s to %s", existing.Status, newStatus),
			Value:   newStatus,
			Rule:    "status_transition",
		})
	}

	// Publishing requires at least one question
	if newStatus == models.StatusActive && existing.Status == models.StatusDraft && len(existing.Questions) == 0 {
		errs = append(errs, ValidationError{
			Field:   "questions",
			Message: "test must have at least one question before publishing",
			Value:   0,
			Rule:    "publish_requires_questions",
		})
	}

	return errs
}

// validateQuestionContent checks the type-specific content payload
func (v *Validator) validateQuestionContent(field string, qType models.QuestionType, content interface{}) ValidationErrors {
	var errs ValidationErrors

	raw, ok := content.(map[string]interface{})
	if content == nil || (ok && len(raw) == 0) {
		if qType != models.Essay {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: "content is required for this question type",
				Rule:    "question_content",
			})
		}
		return errs
	}

	if !ok {
		return errs
	}

	switch qType {
	case models.MultipleChoice:
		options, _ := raw["options"].([]interface{})
		if len(options) < 2 {
			errs = append(errs, ValidationError{
				Field:   field + ".options",
				Message: "multiple choice questions need at least 2 options",
				Value:   len(options),
				Rule:    "question_content",
			})
			return errs
		}

		correctCount := 0
		for _, opt := range options {
			optMap, ok := opt.(map[string]interface{})
			if !ok {
				continue
			}
			if isCorrect, _ := optMap["is_correct"].(bool); isCorrect {
				correctCount++
			}
		}
		if correctCount != 1 {
			errs = append(errs, ValidationError{
				Field:   field + ".options",
				Message: "exactly one option must be marked correct",
				Value:   correctCount,
				Rule:    "question_content",
			})
		}

	case models.TrueFalse:
		if _, ok := raw["correct_answer"].(bool); !ok {
			errs = append(errs, ValidationError{
				Field:   field + ".correct_answer",
				Message: "true/false questions need a boolean correct_answer",
				Rule:    "question_content",
			})
		}
	}

	return errs
}
