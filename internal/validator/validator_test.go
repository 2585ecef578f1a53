package validator

import (
	"testing"
	"time"

	"github.com/schoolkit/cbt-service/internal/models"
)

func hasRule(errs ValidationErrors, field, rule string) bool {
	for _, e := range errs {
		if e.Field == field && e.Rule == rule {
			return true
		}
	}
	return false
}

func TestStruct_DomainRules(t *testing.T) {
	v := New()

	tests := []struct {
		name      string
		req       TestCreateRequest
		wantField string
		wantRule  string
	}{
		{
			name:      "missing title",
			req:       TestCreateRequest{DurationMinutes: 30, PassingScore: 50},
			wantField: "title",
			wantRule:  "required",
		},
		{
			name:      "duration too short",
			req:       TestCreateRequest{Title: "Exam", DurationMinutes: 2, PassingScore: 50},
			wantField: "duration_minutes",
			wantRule:  "test_duration",
		},
		{
			name:      "duration too long",
			req:       TestCreateRequest{Title: "Exam", DurationMinutes: 400, PassingScore: 50},
			wantField: "duration_minutes",
			wantRule:  "test_duration",
		},
		{
			name:      "passing score above 100",
			req:       TestCreateRequest{Title: "Exam", DurationMinutes: 30, PassingScore: 101},
			wantField: "passing_score",
			wantRule:  "passing_score",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := v.Struct(&tt.req)
			if !hasRule(errs, tt.wantField, tt.wantRule) {
				t.Errorf("Struct() = %v, want failure on %s (%s)", errs, tt.wantField, tt.wantRule)
			}
		})
	}

	t.Run("valid request passes", func(t *testing.T) {
		req := TestCreateRequest{Title: "Exam", DurationMinutes: 30, PassingScore: 50}
		if errs := v.Struct(&req); errs != nil {
			t.Errorf("Struct() = %v, want nil", errs)
		}
	})
}

func TestValidateTestCreate_Window(t *testing.T) {
	v := New()

	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	endBefore := start.Add(-time.Hour)
	endAfter := start.Add(time.Hour)

	req := &TestCreateRequest{Title: "Exam", DurationMinutes: 30, PassingScore: 50, StartTime: &start, EndTime: &endBefore}
	if errs := v.ValidateTestCreate(req); !hasRule(errs, "end_time", "window_order") {
		t.Errorf("ValidateTestCreate() = %v, want window_order failure", errs)
	}

	req.EndTime = &endAfter
	if errs := v.ValidateTestCreate(req); errs.HasErrors() {
		t.Errorf("ValidateTestCreate() = %v, want no errors", errs)
	}
}

func TestValidateTestUpdate_StatusTransitions(t *testing.T) {
	v := New()

	draftWithQuestions := &models.Test{Status: models.StatusDraft, Questions: []models.Question{{ID: 1}}}
	tests := []struct {
		name     string
		existing *models.Test
		to       string
		wantRule string
	}{
		{name: "draft to active", existing: draftWithQuestions, to: "Active"},
		{name: "active to archived", existing: &models.Test{Status: models.StatusActive}, to: "Archived"},
		{name: "archived is final", existing: &models.Test{Status: models.StatusArchived}, to: "Active", wantRule: "status_transition"},
		{name: "active cannot return to draft", existing: &models.Test{Status: models.StatusActive}, to: "Draft", wantRule: "status_transition"},
		{name: "publishing an empty test", existing: &models.Test{Status: models.StatusDraft}, to: "Active", wantRule: "publish_requires_questions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := v.ValidateTestUpdate(&TestUpdateRequest{Status: &tt.to}, tt.existing)
			if tt.wantRule == "" {
				if errs.HasErrors() {
					t.Errorf("ValidateTestUpdate() = %v, want no errors", errs)
				}
				return
			}
			found := false
			for _, e := range errs {
				if e.Rule == tt.wantRule {
					found = true
				}
			}
			if !found {
				t.Errorf("ValidateTestUpdate() = %v, want rule %s", errs, tt.wantRule)
			}
		})
	}
}

func TestValidateQuestionCreate_Content(t *testing.T) {
	v := New()

	option := func(id string, correct bool) map[string]interface{} {
		return map[string]interface{}{"id": id, "text": "option " + id, "is_correct": correct}
	}

	tests := []struct {
		name    string
		req     QuestionCreateRequest
		wantErr bool
	}{
		{
			name: "valid multiple choice",
			req: QuestionCreateRequest{
				Type: models.MultipleChoice, Text: "pick", Points: 10,
				Content: map[string]interface{}{"options": []interface{}{option("a", true), option("b", false)}},
			},
		},
		{
			name: "single option rejected",
			req: QuestionCreateRequest{
				Type: models.MultipleChoice, Text: "pick", Points: 10,
				Content: map[string]interface{}{"options": []interface{}{option("a", true)}},
			},
			wantErr: true,
		},
		{
			name: "two correct options rejected",
			req: QuestionCreateRequest{
				Type: models.MultipleChoice, Text: "pick", Points: 10,
				Content: map[string]interface{}{"options": []interface{}{option("a", true), option("b", true)}},
			},
			wantErr: true,
		},
		{
			name: "true/false without key rejected",
			req: QuestionCreateRequest{
				Type: models.TrueFalse, Text: "t or f", Points: 5,
				Content: map[string]interface{}{},
			},
			wantErr: true,
		},
		{
			name: "true/false with boolean key",
			req: QuestionCreateRequest{
				Type: models.TrueFalse, Text: "t or f", Points: 5,
				Content: map[string]interface{}{"correct_answer": true},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := v.ValidateQuestionCreate(&tt.req)
			if tt.wantErr != errs.HasErrors() {
				t.Errorf("ValidateQuestionCreate() = %v, wantErr = %v", errs, tt.wantErr)
			}
		})
	}
}

func TestIsKnownCheatEventType(t *testing.T) {
	if !IsKnownCheatEventType(" Tab_Switch ") {
		t.Error("known type with casing and spacing rejected")
	}
	if IsKnownCheatEventType("sneezed") {
		t.Error("unknown type accepted")
	}
}

func TestValidationErrors_Error(t *testing.T) {
	errs := ValidationErrors{
		{Field: "title", Message: "is required"},
		{Field: "duration_minutes", Message: "must be between 5 and 300 minutes"},
	}
	want := "title: is required; duration_minutes: must be between 5 and 300 minutes"
	if errs.Error() != want {
		t.Errorf("Error() = %q, want %q", errs.Error(), want)
	}
}
