package domain

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxTitleLength       = 100
	MaxDescriptionLength = 500
)

// ErrValidation matches every *ValidationError.
var ErrValidation = errors.New("validation failed")

// ValidationError names the offending field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"error"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// ValidateTitle trims the title and checks its length.
func ValidateTitle(title string) (string, error) {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return "", invalid("title", "title is required")
	}
	if utf8.RuneCountInString(trimmed) > MaxTitleLength {
		return "", invalid("title", "title must be at most 100 characters")
	}
	return trimmed, nil
}

// ValidateSubtaskTitle applies the task title rules to a subtask title.
func ValidateSubtaskTitle(title string) (string, error) {
	return ValidateTitle(title)
}

func validateDescription(desc string) error {
	if utf8.RuneCountInString(desc) > MaxDescriptionLength {
		return invalid("description", "description must be at most 500 characters")
	}
	return nil
}

// validateDueDate rejects dates before the start of the current day. A task due
// today is still valid.
func validateDueDate(due time.Time, now time.Time) error {
	y, m, d := now.Date()
	startOfDay := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	if due.Before(startOfDay) {
		return invalid("dueDate", "due date cannot be in the past")
	}
	return nil
}

// ValidateInput checks a create payload.
func ValidateInput(in TaskInput, now time.Time) error {
	if _, err := ValidateTitle(in.Title); err != nil {
		return err
	}
	if err := validateDescription(in.Description); err != nil {
		return err
	}
	if in.Priority != "" {
		if _, ok := ParsePriority(string(in.Priority)); !ok {
			return invalid("priority", "priority must be low, medium or high")
		}
	}
	if in.DueDate != nil {
		return validateDueDate(*in.DueDate, now)
	}
	return nil
}

// ValidatePatch checks the fields a patch sets.
func ValidatePatch(p TaskPatch, now time.Time) error {
	if p.Title != nil {
		if _, err := ValidateTitle(*p.Title); err != nil {
			return err
		}
	}
	if p.Description != nil {
		if err := validateDescription(*p.Description); err != nil {
			return err
		}
	}
	if p.Priority != nil {
		if _, ok := ParsePriority(string(*p.Priority)); !ok {
			return invalid("priority", "priority must be low, medium or high")
		}
	}
	if p.DueDate != nil && !p.ClearDueDate {
		return validateDueDate(*p.DueDate, now)
	}
	return nil
}

// ValidateSubtaskPatch checks a subtask patch.
func ValidateSubtaskPatch(p SubtaskPatch) error {
	if p.Title != nil {
		if _, err := ValidateSubtaskTitle(*p.Title); err != nil {
			return err
		}
	}
	return nil
}
