package client

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"taskboard/domain"
)

// MockBackend is a deterministic in-memory TaskBackend. It serves fixed sample
// data and mints ids of the form mock-<n>, which keeps the UI usable when the
// real API cannot be reached.
type MockBackend struct {
	now func() time.Time

	mu     sync.Mutex
	tasks  []domain.Task
	nextID int
}

var mockEpoch = time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC)

// NewMockBackend returns a backend seeded with sample tasks. A nil clock uses
// time.Now.
func NewMockBackend(now func() time.Time) *MockBackend {
	if now == nil {
		now = time.Now
	}
	m := &MockBackend{now: now}
	m.tasks = []domain.Task{
		{
			ID: "mock-1", Title: "Welcome to your task board", Description: "Tasks created offline stay on this device.",
			Priority: domain.PriorityMedium, Category: "getting-started", Tags: []string{"welcome"},
			CreatedAt: mockEpoch, UpdatedAt: mockEpoch, Order: 0,
			Subtasks: []domain.Subtask{
				{ID: "mock-1-1", TaskID: "mock-1", Title: "Add your first task", CreatedAt: mockEpoch, Order: 0},
			},
		},
		{
			ID: "mock-2", Title: "Plan the week", Priority: domain.PriorityHigh, Category: "planning",
			Tags: []string{"weekly"}, CreatedAt: mockEpoch.Add(time.Hour), UpdatedAt: mockEpoch.Add(time.Hour),
			Subtasks: []domain.Subtask{}, Order: 1,
		},
		{
			ID: "mock-3", Title: "Tidy the inbox", Priority: domain.PriorityLow, Completed: true,
			Tags: []string{"chores"}, CreatedAt: mockEpoch.Add(2 * time.Hour), UpdatedAt: mockEpoch.Add(2 * time.Hour),
			Subtasks: []domain.Subtask{}, Order: 2,
		},
	}
	m.nextID = len(m.tasks) + 1
	return m
}

func (m *MockBackend) id() string {
	id := "mock-" + strconv.Itoa(m.nextID)
	m.nextID++
	return id
}

func notFound(method, path string) error {
	return &StatusError{Method: method, Path: path, StatusCode: http.StatusNotFound}
}

func (m *MockBackend) ListTasks(ctx context.Context) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.CloneTasks(m.tasks), nil
}

func (m *MockBackend) CreateTask(ctx context.Context, in domain.TaskInput) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := domain.NewTask(m.id(), in, len(m.tasks), m.now())
	m.tasks = append(m.tasks, t)
	return t.Clone(), nil
}

func (m *MockBackend) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := domain.IndexOf(m.tasks, id)
	if i < 0 {
		return domain.Task{}, notFound(http.MethodPatch, taskPath(id))
	}
	m.tasks[i] = domain.ApplyPatch(m.tasks[i], patch, m.now())
	return m.tasks[i].Clone(), nil
}

func (m *MockBackend) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := domain.IndexOf(m.tasks, id)
	if i < 0 {
		return notFound(http.MethodDelete, taskPath(id))
	}
	m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
	return nil
}

func (m *MockBackend) ReorderTasks(ctx context.Context, ids []string) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}
	for i := range m.tasks {
		if p, ok := pos[m.tasks[i].ID]; ok {
			m.tasks[i].Order = p
		}
	}
	sort.SliceStable(m.tasks, func(i, j int) bool { return m.tasks[i].Order < m.tasks[j].Order })
	return domain.CloneTasks(m.tasks), nil
}

func (m *MockBackend) AddSubtask(ctx context.Context, taskID, title string) (domain.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := domain.IndexOf(m.tasks, taskID)
	if i < 0 {
		return domain.Subtask{}, notFound(http.MethodPost, taskPath(taskID)+"/subtasks")
	}
	st := domain.Subtask{
		ID:        m.id(),
		TaskID:    taskID,
		Title:     title,
		CreatedAt: m.now(),
		Order:     len(m.tasks[i].Subtasks),
	}
	m.tasks[i].Subtasks = append(m.tasks[i].Subtasks, st)
	return st, nil
}

func (m *MockBackend) UpdateSubtask(ctx context.Context, taskID, subtaskID string, patch domain.SubtaskPatch) (domain.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := domain.IndexOf(m.tasks, taskID)
	if i < 0 {
		return domain.Subtask{}, notFound(http.MethodPatch, subtaskPath(taskID, subtaskID))
	}
	j := m.tasks[i].SubtaskIndex(subtaskID)
	if j < 0 {
		return domain.Subtask{}, notFound(http.MethodPatch, subtaskPath(taskID, subtaskID))
	}
	m.tasks[i].Subtasks[j] = domain.ApplySubtaskPatch(m.tasks[i].Subtasks[j], patch)
	return m.tasks[i].Subtasks[j], nil
}

func (m *MockBackend) DeleteSubtask(ctx context.Context, taskID, subtaskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := domain.IndexOf(m.tasks, taskID)
	if i < 0 {
		return notFound(http.MethodDelete, subtaskPath(taskID, subtaskID))
	}
	j := m.tasks[i].SubtaskIndex(subtaskID)
	if j < 0 {
		return notFound(http.MethodDelete, subtaskPath(taskID, subtaskID))
	}
	subs := m.tasks[i].Subtasks
	m.tasks[i].Subtasks = append(subs[:j:j], subs[j+1:]...)
	return nil
}
