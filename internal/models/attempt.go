package models

import (
	"time"
)

type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptCompleted  AttemptStatus = "completed"
	AttemptBlocked    AttemptStatus = "blocked"
	AttemptExpired    AttemptStatus = "expired"
)

// Close reasons recorded when an attempt leaves in_progress.
const (
	CloseReasonSubmitted = "submitted"
	CloseReasonDeadline  = "deadline"
	CloseReasonBlocked   = "blocked"
)

// IsTerminal reports whether no further transitions may leave the status.
func (s AttemptStatus) IsTerminal() bool {
	return s == AttemptCompleted || s == AttemptBlocked || s == AttemptExpired
}

type Attempt struct {
	ID        uint          `json:"id" gorm:"primaryKey"`
	TestID    uint          `json:"test_id" gorm:"not null;index:idx_attempt_test_student"`
	StudentID string        `json:"student_id" gorm:"not null;index:idx_attempt_test_student;size:255"`
	Status    AttemptStatus `json:"status" gorm:"default:in_progress;index"`

	// Timing. DeadlineAt is authoritative; client countdowns are UX only.
	StartedAt  time.Time  `json:"started_at" gorm:"not null"`
	DeadlineAt time.Time  `json:"deadline_at" gorm:"not null"`
	FinishedAt *time.Time `json:"finished_at"`

	// Scoring, null until closed
	Score    *float64 `json:"score"`
	IsPassed *bool    `json:"is_passed"`

	CloseReason   *string `json:"close_reason" gorm:"size:32"`
	BlockedReason *string `json:"blocked_reason" gorm:"type:text"`

	// Metadata
	IPAddress *string `json:"ip_address" gorm:"size:45"`
	UserAgent *string `json:"user_agent" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations
	Test        Test         `json:"-" gorm:"foreignKey:TestID"`
	Student     User         `json:"-" gorm:"foreignKey:StudentID"`
	Answers     []Answer     `json:"answers,omitempty" gorm:"foreignKey:AttemptID"`
	CheatEvents []CheatEvent `json:"-" gorm:"foreignKey:AttemptID"`
}

func (Attempt) TableName() string {
	return "attempts"
}

type Answer struct {
	ID         uint `json:"id" gorm:"primaryKey"`
	AttemptID  uint `json:"attempt_id" gorm:"not null;uniqueIndex:idx_answer_attempt_question"`
	QuestionID uint `json:"question_id" gorm:"not null;uniqueIndex:idx_answer_attempt_question"`

	// Raw student response. For multiple choice this is the chosen option
	// id; for true/false the canonical "true"/"false" token.
	AnswerText  string    `json:"answer_text" gorm:"type:text"`
	SubmittedAt time.Time `json:"submitted_at" gorm:"not null"`

	// Manual grading (essays). Once GradedBy is set the automatic pass
	// must not overwrite PointsEarned.
	PointsEarned *float64   `json:"points_earned"`
	IsCorrect    *bool      `json:"is_correct"`
	GradedBy     *string    `json:"graded_by" gorm:"size:255"`
	GradedAt     *time.Time `json:"graded_at"`
	Feedback     *string    `json:"feedback" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relations
	Attempt  Attempt  `json:"-" gorm:"foreignKey:AttemptID"`
	Question Question `json:"-" gorm:"foreignKey:QuestionID"`
}

func (Answer) TableName() string {
	return "answers"
}

// CheatEvent is one client-reported integrity signal. Rows are append-only;
// an attempt's violation count is the row count, never a stored counter.
type CheatEvent struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	AttemptID   uint      `json:"attempt_id" gorm:"not null;index"`
	EventType   string    `json:"event_type" gorm:"not null;size:64"`
	Description string    `json:"description" gorm:"type:text"`
	RecordedAt  time.Time `json:"recorded_at" gorm:"not null"`

	CreatedAt time.Time `json:"created_at"`

	// Relations
	Attempt Attempt `json:"-" gorm:"foreignKey:AttemptID"`
}

func (CheatEvent) TableName() string {
	return "cheat_events"
}
