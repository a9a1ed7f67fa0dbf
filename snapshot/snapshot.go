// Package snapshot keeps a durable copy of the whole task collection under a
// single named key. It is only read when the remote API cannot serve the
// initial load.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"taskboard/domain"
)

// DefaultKey names the snapshot when the caller does not choose one.
const DefaultKey = "taskboard.tasks"

const envelopeVersion = 1

// ErrNotFound is returned by Load when nothing has been saved yet.
var ErrNotFound = errors.New("snapshot not found")

// Store persists and restores the task collection.
type Store interface {
	Load(ctx context.Context) ([]domain.Task, error)
	Save(ctx context.Context, tasks []domain.Task) error
}

type envelope struct {
	Version int           `json:"version"`
	SavedAt time.Time     `json:"savedAt"`
	Tasks   []domain.Task `json:"tasks"`
}

func encode(tasks []domain.Task, now time.Time) ([]byte, error) {
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return sonic.Marshal(envelope{Version: envelopeVersion, SavedAt: now.UTC(), Tasks: tasks})
}

func decode(data []byte) ([]domain.Task, error) {
	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("decode snapshot: unsupported version %d", env.Version)
	}
	if env.Tasks == nil {
		env.Tasks = []domain.Task{}
	}
	return env.Tasks, nil
}
