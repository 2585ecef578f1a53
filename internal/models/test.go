package models

import (
	"time"

	"gorm.io/gorm"
)

type TestStatus string

const (
	StatusDraft    TestStatus = "Draft"
	StatusActive   TestStatus = "Active"
	StatusArchived TestStatus = "Archived"
)

type Test struct {
	ID              uint       `json:"id" gorm:"primaryKey"`
	Title           string     `json:"title" gorm:"not null;size:200;index" validate:"required,min=1,max=200"`
	Description     *string    `json:"description" gorm:"type:text" validate:"omitempty,max=1000"`
	DurationMinutes int        `json:"duration_minutes" gorm:"not null" validate:"required,min=1,max=300"`
	PassingScore    int        `json:"passing_score" gorm:"not null" validate:"required,min=0,max=100"` // percent
	Status          TestStatus `json:"status" gorm:"default:Draft;index" validate:"omitempty,oneof=Draft Active Archived"`

	// Availability window. Either bound may be nil (unbounded on that side).
	StartTime *time.Time `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`

	// Metadata
	CreatedBy string         `json:"created_by" gorm:"not null;index;size:255"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	// Relations
	Questions []Question `json:"questions" gorm:"foreignKey:TestID"`
	Creator   User       `json:"creator" gorm:"foreignKey:CreatedBy"`

	// Computed fields (not stored)
	QuestionsCount int `json:"questions_count" gorm:"-"`
	TotalPoints    int `json:"total_points" gorm:"-"`
}

func (Test) TableName() string {
	return "tests"
}

// IsAvailableAt reports whether the test's availability window contains t.
func (a *Test) IsAvailableAt(t time.Time) bool {
	if a.StartTime != nil && t.Before(*a.StartTime) {
		return false
	}
	if a.EndTime != nil && !t.Before(*a.EndTime) {
		return false
	}
	return true
}

// DeadlineFor computes the attempt deadline for a session starting at
// startedAt: start plus duration, clipped to the window's end when present.
func (a *Test) DeadlineFor(startedAt time.Time) time.Time {
	deadline := startedAt.Add(time.Duration(a.DurationMinutes) * time.Minute)
	if a.EndTime != nil && deadline.After(*a.EndTime) {
		deadline = *a.EndTime
	}
	return deadline
}
