// Package projection derives the visible task list from the full collection
// and the user's search, filter and sort criteria. It never mutates its input.
package projection

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"taskboard/domain"
)

// Status selects tasks by completion state.
type Status string

const (
	StatusAll       Status = "all"
	StatusCompleted Status = "completed"
	StatusPending   Status = "pending"
)

// SortField names the attribute tasks are ordered by.
type SortField string

const (
	SortNone      SortField = ""
	SortTitle     SortField = "title"
	SortCreatedAt SortField = "createdAt"
	SortDueDate   SortField = "dueDate"
	SortPriority  SortField = "priority"
	SortOrder     SortField = "order"
)

// Direction is the sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Filter criteria are combined with a logical AND. Zero values disable a criterion.
type Filter struct {
	Status   Status
	Priority domain.Priority
	Category string
	// Tags matches tasks carrying at least one of the listed tags.
	Tags []string
}

type Sort struct {
	Field     SortField
	Direction Direction
}

// Query bundles everything the projection needs besides the tasks.
type Query struct {
	Search string
	Filter Filter
	Sort   Sort
}

var epoch = time.Unix(0, 0).UTC()

// Apply filters and sorts tasks. The result is a new slice; ties keep their
// input order.
func Apply(tasks []domain.Task, q Query) []domain.Task {
	search := strings.ToLower(strings.TrimSpace(q.Search))
	tags := domain.NormalizeTags(q.Filter.Tags)

	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if !matchStatus(t, q.Filter.Status) {
			continue
		}
		if q.Filter.Priority != "" && t.Priority != q.Filter.Priority {
			continue
		}
		if q.Filter.Category != "" && t.Category != q.Filter.Category {
			continue
		}
		if len(tags) > 0 && !hasAnyTag(t, tags) {
			continue
		}
		if search != "" && !matchSearch(t, search) {
			continue
		}
		out = append(out, t)
	}

	less := lessFunc(q.Sort.Field)
	if less == nil {
		return out
	}
	desc := q.Sort.Direction == Desc
	sort.SliceStable(out, func(i, j int) bool {
		if desc {
			return less(out[j], out[i])
		}
		return less(out[i], out[j])
	})
	return out
}

func matchStatus(t domain.Task, s Status) bool {
	switch s {
	case StatusCompleted:
		return t.Completed
	case StatusPending:
		return !t.Completed
	}
	return true
}

func hasAnyTag(t domain.Task, tags []string) bool {
	for _, tag := range tags {
		if t.HasTag(tag) {
			return true
		}
	}
	return false
}

func matchSearch(t domain.Task, needle string) bool {
	if strings.Contains(strings.ToLower(t.Title), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(t.Description), needle) {
		return true
	}
	for _, tag := range t.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

func lessFunc(f SortField) func(a, b domain.Task) bool {
	switch f {
	case SortTitle:
		return func(a, b domain.Task) bool {
			return strings.ToLower(a.Title) < strings.ToLower(b.Title)
		}
	case SortCreatedAt:
		return func(a, b domain.Task) bool { return a.CreatedAt.Before(b.CreatedAt) }
	case SortDueDate:
		return func(a, b domain.Task) bool { return dueOrEpoch(a).Before(dueOrEpoch(b)) }
	case SortPriority:
		return func(a, b domain.Task) bool { return a.Priority.Rank() < b.Priority.Rank() }
	case SortOrder:
		return func(a, b domain.Task) bool { return a.Order < b.Order }
	}
	return nil
}

// A missing due date sorts as the earliest possible date.
func dueOrEpoch(t domain.Task) time.Time {
	if t.DueDate == nil {
		return epoch
	}
	return *t.DueDate
}

// ParseStatus accepts all, completed and pending; empty means all.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case "", StatusAll:
		return StatusAll, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusPending:
		return StatusPending, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// ParseSortField accepts the field names case-insensitively; empty means no sort.
func ParseSortField(s string) (SortField, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return SortNone, nil
	case "title":
		return SortTitle, nil
	case "createdat", "created":
		return SortCreatedAt, nil
	case "duedate", "due":
		return SortDueDate, nil
	case "priority":
		return SortPriority, nil
	case "order":
		return SortOrder, nil
	}
	return "", fmt.Errorf("unknown sort field %q", s)
}

// ParseDirection accepts asc and desc; empty means asc.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case "", Asc:
		return Asc, nil
	case Desc:
		return Desc, nil
	}
	return "", fmt.Errorf("unknown sort direction %q", s)
}
