package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

type QuestionType string

const (
	MultipleChoice QuestionType = "multiple_choice"
	TrueFalse      QuestionType = "true_false"
	Essay          QuestionType = "essay"
)

// Canonical answer tokens for true/false questions.
const (
	AnswerTokenTrue  = "true"
	AnswerTokenFalse = "false"
)

type Question struct {
	ID     uint         `json:"id" gorm:"primaryKey"`
	TestID uint         `json:"test_id" gorm:"not null;index"`
	Type   QuestionType `json:"type" gorm:"not null;index"`
	Text   string       `json:"text" gorm:"type:text;not null" validate:"required"`
	Points int          `json:"points" gorm:"not null" validate:"min=1,max=100"`
	Order  int          `json:"order" gorm:"default:0"`

	// Type-specific payload stored as JSONB
	Content datatypes.JSON `json:"content" gorm:"type:jsonb"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations
	Test Test `json:"-" gorm:"foreignKey:TestID"`
}

func (Question) TableName() string {
	return "questions"
}

// ===== QUESTION CONTENT SCHEMAS =====

type MultipleChoiceContent struct {
	Options []ChoiceOption `json:"options" validate:"min=2,max=10"`
}

type ChoiceOption struct {
	ID        string `json:"id"`
	Text      string `json:"text" validate:"required"`
	IsCorrect bool   `json:"is_correct"`
	Order     int    `json:"order"`
}

type TrueFalseContent struct {
	CorrectAnswer bool    `json:"correct_answer"`
	TrueLabel     *string `json:"true_label"`
	FalseLabel    *string `json:"false_label"`
}

type EssayContent struct {
	// Grader guidance only; never consulted by automatic scoring.
	ExpectedAnswer *string `json:"expected_answer"`
	MinWords       *int    `json:"min_words"`
	MaxWords       *int    `json:"max_words"`
}

// MultipleChoiceContent decodes the JSONB payload of a multiple-choice
// question. Fails if the question is of another type.
func (q *Question) MultipleChoiceContent() (*MultipleChoiceContent, error) {
	if q.Type != MultipleChoice {
		return nil, fmt.Errorf("question %d is %s, not %s", q.ID, q.Type, MultipleChoice)
	}
	var content MultipleChoiceContent
	if err := json.Unmarshal(q.Content, &content); err != nil {
		return nil, fmt.Errorf("question %d: invalid multiple choice content: %w", q.ID, err)
	}
	return &content, nil
}

func (q *Question) TrueFalseContent() (*TrueFalseContent, error) {
	if q.Type != TrueFalse {
		return nil, fmt.Errorf("question %d is %s, not %s", q.ID, q.Type, TrueFalse)
	}
	var content TrueFalseContent
	if err := json.Unmarshal(q.Content, &content); err != nil {
		return nil, fmt.Errorf("question %d: invalid true/false content: %w", q.ID, err)
	}
	return &content, nil
}

func (q *Question) EssayContent() (*EssayContent, error) {
	if q.Type != Essay {
		return nil, fmt.Errorf("question %d is %s, not %s", q.ID, q.Type, Essay)
	}
	var content EssayContent
	if err := json.Unmarshal(q.Content, &content); err != nil {
		return nil, fmt.Errorf("question %d: invalid essay content: %w", q.ID, err)
	}
	return &content, nil
}

// CorrectAnswerKey returns the answer key revealed in post-closure review:
// the correct option id for multiple choice, the canonical token for
// true/false, nil for essays.
func (q *Question) CorrectAnswerKey() (*string, error) {
	switch q.Type {
	case MultipleChoice:
		content, err := q.MultipleChoiceContent()
		if err != nil {
			return nil, err
		}
		for _, opt := range content.Options {
			if opt.IsCorrect {
				id := opt.ID
				return &id, nil
			}
		}
		return nil, nil
	case TrueFalse:
		content, err := q.TrueFalseContent()
		if err != nil {
			return nil, err
		}
		token := AnswerTokenFalse
		if content.CorrectAnswer {
			token = AnswerTokenTrue
		}
		return &token, nil
	default:
		return nil, nil
	}
}

// HasOption reports whether optionID belongs to a multiple-choice question.
func (q *Question) HasOption(optionID string) (bool, error) {
	content, err := q.MultipleChoiceContent()
	if err != nil {
		return false, err
	}
	for _, opt := range content.Options {
		if opt.ID == optionID {
			return true, nil
		}
	}
	return false, nil
}
