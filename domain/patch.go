package domain

import (
	"strings"
	"time"
)

// TaskInput carries the fields a caller supplies when creating a task.
type TaskInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    Priority   `json:"priority,omitempty"`
	Category    string     `json:"category,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

// TaskPatch carries a partial update. Nil fields are left untouched.
type TaskPatch struct {
	Title        *string    `json:"title,omitempty"`
	Description  *string    `json:"description,omitempty"`
	Completed    *bool      `json:"completed,omitempty"`
	Priority     *Priority  `json:"priority,omitempty"`
	Category     *string    `json:"category,omitempty"`
	Tags         *[]string  `json:"tags,omitempty"`
	DueDate      *time.Time `json:"dueDate,omitempty"`
	ClearDueDate bool       `json:"clearDueDate,omitempty"`
	Order        *int       `json:"order,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Completed == nil && p.Priority == nil &&
		p.Category == nil && p.Tags == nil && p.DueDate == nil && !p.ClearDueDate && p.Order == nil
}

// SubtaskPatch carries a partial subtask update.
type SubtaskPatch struct {
	Title     *string `json:"title,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
	Order     *int    `json:"order,omitempty"`
}

// NewTask builds a fresh, incomplete task from input. The caller assigns the id.
func NewTask(id string, in TaskInput, order int, now time.Time) Task {
	t := Task{
		ID:          id,
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Priority:    NormalizePriority(string(in.Priority)),
		Category:    strings.TrimSpace(in.Category),
		Tags:        NormalizeTags(in.Tags),
		CreatedAt:   now,
		UpdatedAt:   now,
		Subtasks:    []Subtask{},
		Order:       order,
	}
	if in.DueDate != nil {
		d := *in.DueDate
		t.DueDate = &d
	}
	return t
}

// ApplyPatch merges p into a copy of t and stamps UpdatedAt, never earlier than
// CreatedAt.
func ApplyPatch(t Task, p TaskPatch, now time.Time) Task {
	out := t.Clone()
	if p.Title != nil {
		out.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.Completed != nil {
		out.Completed = *p.Completed
	}
	if p.Priority != nil {
		out.Priority = NormalizePriority(string(*p.Priority))
	}
	if p.Category != nil {
		out.Category = strings.TrimSpace(*p.Category)
	}
	if p.Tags != nil {
		out.Tags = NormalizeTags(*p.Tags)
	}
	if p.ClearDueDate {
		out.DueDate = nil
	} else if p.DueDate != nil {
		d := *p.DueDate
		out.DueDate = &d
	}
	if p.Order != nil {
		out.Order = *p.Order
	}
	out.UpdatedAt = now
	if out.UpdatedAt.Before(out.CreatedAt) {
		out.UpdatedAt = out.CreatedAt
	}
	return out
}

// ApplySubtaskPatch merges p into s.
func ApplySubtaskPatch(s Subtask, p SubtaskPatch) Subtask {
	if p.Title != nil {
		s.Title = strings.TrimSpace(*p.Title)
	}
	if p.Completed != nil {
		s.Completed = *p.Completed
	}
	if p.Order != nil {
		s.Order = *p.Order
	}
	return s
}
