package store

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/client"
	"taskboard/domain"
	"taskboard/snapshot"
)

var (
	testNow      = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	errBoom      = errors.New("boom")
	errUnplugged = errors.New("network unreachable")
)

func fixedClock() time.Time { return testNow }

// fakeBackend wraps the mock backend with per-method failures and an optional
// gate that parks one method until released.
type fakeBackend struct {
	inner *client.MockBackend

	mu      sync.Mutex
	fail    map[string]error
	calls   []string
	holdOn  string
	entered chan struct{}
	release chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{inner: client.NewMockBackend(fixedClock), fail: map[string]error{}}
}

func (f *fakeBackend) failOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[method] = err
}

// hold makes the next call to method block until the returned func is called.
func (f *fakeBackend) hold(method string) (entered <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holdOn = method
	f.entered = make(chan struct{})
	f.release = make(chan struct{})
	rel := f.release
	var once sync.Once
	return f.entered, func() { once.Do(func() { close(rel) }) }
}

func (f *fakeBackend) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBackend) enter(method string) error {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	err := f.fail[method]
	var entered, release chan struct{}
	if f.holdOn == method {
		entered, release = f.entered, f.release
		f.holdOn = ""
	}
	f.mu.Unlock()

	if entered != nil {
		close(entered)
		<-release
	}
	return err
}

func (f *fakeBackend) ListTasks(ctx context.Context) ([]domain.Task, error) {
	if err := f.enter("ListTasks"); err != nil {
		return nil, err
	}
	return f.inner.ListTasks(ctx)
}

func (f *fakeBackend) CreateTask(ctx context.Context, in domain.TaskInput) (domain.Task, error) {
	if err := f.enter("CreateTask"); err != nil {
		return domain.Task{}, err
	}
	return f.inner.CreateTask(ctx, in)
}

func (f *fakeBackend) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	if err := f.enter("UpdateTask"); err != nil {
		return domain.Task{}, err
	}
	return f.inner.UpdateTask(ctx, id, patch)
}

func (f *fakeBackend) DeleteTask(ctx context.Context, id string) error {
	if err := f.enter("DeleteTask"); err != nil {
		return err
	}
	return f.inner.DeleteTask(ctx, id)
}

func (f *fakeBackend) ReorderTasks(ctx context.Context, ids []string) ([]domain.Task, error) {
	if err := f.enter("ReorderTasks"); err != nil {
		return nil, err
	}
	return f.inner.ReorderTasks(ctx, ids)
}

func (f *fakeBackend) AddSubtask(ctx context.Context, taskID, title string) (domain.Subtask, error) {
	if err := f.enter("AddSubtask"); err != nil {
		return domain.Subtask{}, err
	}
	return f.inner.AddSubtask(ctx, taskID, title)
}

func (f *fakeBackend) UpdateSubtask(ctx context.Context, taskID, subtaskID string, patch domain.SubtaskPatch) (domain.Subtask, error) {
	if err := f.enter("UpdateSubtask"); err != nil {
		return domain.Subtask{}, err
	}
	return f.inner.UpdateSubtask(ctx, taskID, subtaskID, patch)
}

func (f *fakeBackend) DeleteSubtask(ctx context.Context, taskID, subtaskID string) error {
	if err := f.enter("DeleteSubtask"); err != nil {
		return err
	}
	return f.inner.DeleteSubtask(ctx, taskID, subtaskID)
}

// memSnapshot is an in-memory snapshot.Store.
type memSnapshot struct {
	mu      sync.Mutex
	tasks   []domain.Task
	saved   bool
	saves   int
	saveErr error
}

func (m *memSnapshot) Load(ctx context.Context) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.saved {
		return nil, snapshot.ErrNotFound
	}
	return domain.CloneTasks(m.tasks), nil
}

func (m *memSnapshot) Save(ctx context.Context, tasks []domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.tasks = domain.CloneTasks(tasks)
	m.saved = true
	return nil
}

func (m *memSnapshot) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func newTestLogger() (*log.Logger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	return logger, hook
}

var _ client.TaskBackend = (*fakeBackend)(nil)
