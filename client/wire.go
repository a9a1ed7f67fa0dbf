package client

import (
	"fmt"
	"strings"
	"time"

	"taskboard/domain"
)

// Response payloads are decoded into these shapes first and coerced into domain
// types before anything else sees them.
type wireTask struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Completed   bool          `json:"completed"`
	Priority    string        `json:"priority"`
	Category    string        `json:"category"`
	Tags        []string      `json:"tags"`
	DueDate     *string       `json:"dueDate"`
	CreatedAt   string        `json:"createdAt"`
	UpdatedAt   string        `json:"updatedAt"`
	Subtasks    []wireSubtask `json:"subtasks"`
	Order       int           `json:"order"`
}

type wireSubtask struct {
	ID        string `json:"id"`
	TaskID    string `json:"taskId"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
	CreatedAt string `json:"createdAt"`
	Order     int    `json:"order"`
}

type reorderRequest struct {
	IDs []string `json:"ids"`
}

type subtaskRequest struct {
	Title string `json:"title"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

const dateOnly = "2006-01-02"

func parseTime(field, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(dateOnly, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: %s %q is not a date", ErrMalformedPayload, field, s)
}

func decodeTask(w wireTask) (domain.Task, error) {
	if strings.TrimSpace(w.ID) == "" {
		return domain.Task{}, fmt.Errorf("%w: missing id", ErrMalformedPayload)
	}
	title := strings.TrimSpace(w.Title)
	if title == "" {
		return domain.Task{}, fmt.Errorf("%w: task %s has no title", ErrMalformedPayload, w.ID)
	}
	if w.CreatedAt == "" {
		return domain.Task{}, fmt.Errorf("%w: task %s has no createdAt", ErrMalformedPayload, w.ID)
	}
	created, err := parseTime("createdAt", w.CreatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	updated := created
	if w.UpdatedAt != "" {
		if updated, err = parseTime("updatedAt", w.UpdatedAt); err != nil {
			return domain.Task{}, err
		}
		if updated.Before(created) {
			updated = created
		}
	}

	t := domain.Task{
		ID:          w.ID,
		Title:       title,
		Description: w.Description,
		Completed:   w.Completed,
		Priority:    domain.NormalizePriority(w.Priority),
		Category:    w.Category,
		Tags:        domain.NormalizeTags(w.Tags),
		CreatedAt:   created,
		UpdatedAt:   updated,
		Subtasks:    make([]domain.Subtask, 0, len(w.Subtasks)),
		Order:       w.Order,
	}
	if w.DueDate != nil && strings.TrimSpace(*w.DueDate) != "" {
		due, err := parseTime("dueDate", *w.DueDate)
		if err != nil {
			return domain.Task{}, err
		}
		t.DueDate = &due
	}
	for _, ws := range w.Subtasks {
		st, err := decodeSubtask(ws, t.ID)
		if err != nil {
			return domain.Task{}, err
		}
		t.Subtasks = append(t.Subtasks, st)
	}
	return t, nil
}

// decodeSubtask ties the subtask to parentID regardless of what the payload says.
func decodeSubtask(w wireSubtask, parentID string) (domain.Subtask, error) {
	if strings.TrimSpace(w.ID) == "" {
		return domain.Subtask{}, fmt.Errorf("%w: subtask without id", ErrMalformedPayload)
	}
	st := domain.Subtask{
		ID:        w.ID,
		TaskID:    parentID,
		Title:     strings.TrimSpace(w.Title),
		Completed: w.Completed,
		Order:     w.Order,
	}
	if w.CreatedAt != "" {
		created, err := parseTime("subtask createdAt", w.CreatedAt)
		if err != nil {
			return domain.Subtask{}, err
		}
		st.CreatedAt = created
	}
	return st, nil
}

func decodeTasks(ws []wireTask) ([]domain.Task, error) {
	out := make([]domain.Task, 0, len(ws))
	for _, w := range ws {
		t, err := decodeTask(w)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
