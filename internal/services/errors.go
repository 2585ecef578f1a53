package services

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by services. Handlers map these onto HTTP
// status codes.
var (
	ErrTestNotFound     = errors.New("test not found")
	ErrQuestionNotFound = errors.New("question not found")
	ErrAttemptNotFound  = errors.New("attempt not found")
	ErrAnswerNotFound   = errors.New("answer not found")
	ErrUserNotFound     = errors.New("user not found")

	// Conflict family: the operation is valid but the attempt's state
	// forbids it right now.
	ErrAttemptNotActive     = errors.New("attempt is not in progress")
	ErrAttemptAlreadyClosed = errors.New("attempt is already closed")
	ErrAttemptActiveExists  = errors.New("an attempt is already in progress for this test")
	ErrAttemptNotFinished   = errors.New("attempt has not finished yet")
	ErrNotEssayQuestion     = errors.New("question is not an essay")

	// Forbidden family
	ErrTestNotAvailable = errors.New("test is not available")
)

// PermissionError carries who tried what on which resource
type PermissionError struct {
	UserID   string
	Resource string
	ID       interface{}
	Action   string
	Reason   string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("user %s cannot %s %s %v: %s", e.UserID, e.Action, e.Resource, e.ID, e.Reason)
}

func NewPermissionError(userID string, id interface{}, resource, action, reason string) *PermissionError {
	return &PermissionError{
		UserID:   userID,
		Resource: resource,
		ID:       id,
		Action:   action,
		Reason:   reason,
	}
}

// BusinessRuleError marks a domain rule violation that is not a plain
// state conflict, e.g. publishing an empty test.
type BusinessRuleError struct {
	Rule    string
	Message string
}

func (e *BusinessRuleError) Error() string {
	return fmt.Sprintf("%s: %s", e.Rule, e.Message)
}

func NewBusinessRuleError(rule, message string) *BusinessRuleError {
	return &BusinessRuleError{Rule: rule, Message: message}
}
