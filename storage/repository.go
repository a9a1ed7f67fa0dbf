// Package storage persists tasks for the reference API server.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"taskboard/domain"
)

// ErrNotFound is returned when a task does not exist for the user.
var ErrNotFound = errors.New("task not found")

// Repository stores tasks partitioned by user.
type Repository interface {
	// ListTasks returns the user's tasks sorted by Order.
	ListTasks(ctx context.Context, userID string) ([]domain.Task, error)
	GetTask(ctx context.Context, userID, id string) (domain.Task, error)
	PutTask(ctx context.Context, userID string, task domain.Task) error
	PutTasks(ctx context.Context, userID string, tasks []domain.Task) error
	DeleteTask(ctx context.Context, userID, id string) error
}

func sortByOrder(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Order != tasks[j].Order {
			return tasks[i].Order < tasks[j].Order
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

// Memory is an in-process Repository used for local runs and tests.
type Memory struct {
	mu    sync.RWMutex
	users map[string]map[string]domain.Task
}

func NewMemory() *Memory {
	return &Memory{users: make(map[string]map[string]domain.Task)}
}

func (m *Memory) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tasks := make([]domain.Task, 0, len(m.users[userID]))
	for _, t := range m.users[userID] {
		tasks = append(tasks, t.Clone())
	}
	sortByOrder(tasks)
	return tasks, nil
}

func (m *Memory) GetTask(ctx context.Context, userID, id string) (domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.users[userID][id]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) PutTask(ctx context.Context, userID string, task domain.Task) error {
	return m.PutTasks(ctx, userID, []domain.Task{task})
}

func (m *Memory) PutTasks(ctx context.Context, userID string, tasks []domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.users[userID]
	if !ok {
		bucket = make(map[string]domain.Task)
		m.users[userID] = bucket
	}
	for _, t := range tasks {
		bucket[t.ID] = t.Clone()
	}
	return nil
}

func (m *Memory) DeleteTask(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID][id]; !ok {
		return ErrNotFound
	}
	delete(m.users[userID], id)
	return nil
}
