package domain

import (
	"strings"
	"time"
)

// Priority ranks how urgent a task is.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ParsePriority reports whether s names a known priority.
func ParsePriority(s string) (Priority, bool) {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityLow:
		return PriorityLow, true
	case PriorityMedium:
		return PriorityMedium, true
	case PriorityHigh:
		return PriorityHigh, true
	}
	return "", false
}

// NormalizePriority maps unknown or empty values to medium.
func NormalizePriority(s string) Priority {
	if p, ok := ParsePriority(s); ok {
		return p
	}
	return PriorityMedium
}

// Rank is the ordinal used for sorting: high=3, medium=2, low=1, anything else 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Task is a single board item together with the subtasks it owns.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Completed   bool       `json:"completed"`
	Priority    Priority   `json:"priority"`
	Category    string     `json:"category,omitempty"`
	Tags        []string   `json:"tags"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	Subtasks    []Subtask  `json:"subtasks"`
	Order       int        `json:"order"`
}

// Subtask is a checklist entry scoped to its parent task.
type Subtask struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Title     string    `json:"title"`
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"createdAt"`
	Order     int       `json:"order"`
}

// Clone returns a deep copy so callers can mutate the result freely.
func (t Task) Clone() Task {
	out := t
	if t.Tags != nil {
		out.Tags = append([]string(nil), t.Tags...)
	}
	if t.Subtasks != nil {
		out.Subtasks = append([]Subtask(nil), t.Subtasks...)
	}
	if t.DueDate != nil {
		d := *t.DueDate
		out.DueDate = &d
	}
	return out
}

// HasTag reports whether the task carries tag (compared after normalization).
func (t Task) HasTag(tag string) bool {
	tag = normalizeTag(tag)
	for _, tt := range t.Tags {
		if tt == tag {
			return true
		}
	}
	return false
}

// SubtaskIndex returns the position of the subtask with the given id or -1.
func (t Task) SubtaskIndex(id string) int {
	for i, st := range t.Subtasks {
		if st.ID == id {
			return i
		}
	}
	return -1
}

// IndexOf returns the position of the task with the given id or -1.
func IndexOf(tasks []Task, id string) int {
	for i := range tasks {
		if tasks[i].ID == id {
			return i
		}
	}
	return -1
}

// CloneTasks deep-copies a collection.
func CloneTasks(tasks []Task) []Task {
	if tasks == nil {
		return nil
	}
	out := make([]Task, len(tasks))
	for i := range tasks {
		out[i] = tasks[i].Clone()
	}
	return out
}

// NormalizeTags lowercases and trims tags, dropping empties and duplicates while
// keeping the first-seen order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		n := normalizeTag(tag)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
