// Package client talks to the remote task API. Everything the store needs from
// the network goes through the TaskBackend capability so a deterministic local
// implementation can stand in for the real one.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"taskboard/domain"
)

// TaskBackend is the remote task/subtask resource API.
type TaskBackend interface {
	ListTasks(ctx context.Context) ([]domain.Task, error)
	CreateTask(ctx context.Context, in domain.TaskInput) (domain.Task, error)
	UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) error
	ReorderTasks(ctx context.Context, ids []string) ([]domain.Task, error)
	AddSubtask(ctx context.Context, taskID, title string) (domain.Subtask, error)
	UpdateSubtask(ctx context.Context, taskID, subtaskID string, patch domain.SubtaskPatch) (domain.Subtask, error)
	DeleteSubtask(ctx context.Context, taskID, subtaskID string) error
}

var (
	// ErrRemote matches every failure to complete a remote call.
	ErrRemote = errors.New("remote task api failure")
	// ErrMalformedPayload is returned when a response cannot be coerced into a task.
	ErrMalformedPayload = errors.New("malformed task payload")
)

// StatusError is a non-2xx response.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, msg)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrRemote
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}
