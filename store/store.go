// Package store holds the client-side task collection. Edits are applied
// optimistically, reconciled with the remote API and rolled back when the API
// rejects them.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard/client"
	"taskboard/domain"
	"taskboard/snapshot"
)

const (
	tempIDPrefix     = "tmp-"
	defaultQueueSize = 64
	subscriberBuffer = 1
)

type Option func(*Store)

// WithSnapshot persists the collection after every successful mutation and
// restores it when the initial load fails.
func WithSnapshot(s snapshot.Store) Option {
	return func(st *Store) { st.snapshot = s }
}

// WithFallback enables offline mode: creates that the primary rejects are
// served by b, updates keep their local edit, and a failed load with no
// snapshot shows b's list.
func WithFallback(b client.TaskBackend) Option {
	return func(st *Store) { st.fallback = b }
}

func WithLogger(l *log.Logger) Option {
	return func(st *Store) {
		if l != nil {
			st.log = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(st *Store) {
		if now != nil {
			st.now = now
		}
	}
}

// WithIDGenerator replaces the generator for provisional task ids.
func WithIDGenerator(gen func() string) Option {
	return func(st *Store) {
		if gen != nil {
			st.newID = gen
		}
	}
}

// WithQueueSize bounds how many mutations may wait behind the running one.
func WithQueueSize(n int) Option {
	return func(st *Store) { st.queueSize = n }
}

// Store is safe for concurrent use. Mutations run one at a time in
// submission order; readers always see the latest optimistic state.
type Store struct {
	primary  client.TaskBackend
	fallback client.TaskBackend
	snapshot snapshot.Store
	log      *log.Logger
	now      func() time.Time
	newID    func() string

	queueSize int
	queue     *mutationQueue

	mu     sync.RWMutex
	state  State
	subs   map[chan State]struct{}
	closed bool
}

func New(primary client.TaskBackend, opts ...Option) *Store {
	if primary == nil {
		panic("store.New: primary backend is nil")
	}
	s := &Store{
		primary:   primary,
		log:       log.StandardLogger(),
		now:       time.Now,
		newID:     func() string { return tempIDPrefix + uuid.NewString() },
		queueSize: defaultQueueSize,
		state:     State{Tasks: []domain.Task{}},
		subs:      make(map[chan State]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = newMutationQueue(s.queueSize)
	return s
}

// Close stops the mutation queue after the running mutation finishes.
// Subscriber channels are closed.
func (s *Store) Close() {
	s.queue.close()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
}

func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

func (s *Store) Tasks() []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.CloneTasks(s.state.Tasks)
}

func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Err
}

func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Loading
}

// Subscribe returns a channel that receives the state after every change and
// a func that ends the subscription. A slow reader only misses intermediate
// states; the most recent one is always delivered. After Close the channel
// is returned already closed.
func (s *Store) Subscribe() (<-chan State, func()) {
	ch := make(chan State, subscriberBuffer)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
		})
	}
}

// apply runs Transition under the write lock and fans the result out.
func (s *Store) apply(a Action, o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Transition(s.state, a, o)
	for ch := range s.subs {
		st := s.state.clone()
		select {
		case ch <- st:
		default:
			// replace the stale undelivered state
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

func (s *Store) lookup(id string) (domain.Task, int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := domain.IndexOf(s.state.Tasks, id)
	if i < 0 {
		return domain.Task{}, -1, false
	}
	return s.state.Tasks[i].Clone(), i, true
}

func (s *Store) persist(ctx context.Context) {
	if s.snapshot == nil {
		return
	}
	if err := s.snapshot.Save(ctx, s.Tasks()); err != nil {
		s.log.WithError(err).Warn("snapshot save failed")
	}
}

// LoadAll replaces the collection with the primary backend's list. When that
// fails the snapshot, then the fallback backend's list, then an empty
// collection is shown, and the error is recorded either way.
func (s *Store) LoadAll(ctx context.Context) error {
	return s.queue.submit(ctx, func(ctx context.Context) error {
		s.apply(Action{Kind: ActionLoad}, Pending)

		tasks, err := s.primary.ListTasks(ctx)
		if err == nil {
			s.apply(Action{Kind: ActionLoad, Tasks: tasks}, Confirmed)
			return nil
		}

		entry := s.log.WithError(err)
		if recovered, ok := s.loadSnapshot(ctx); ok {
			entry.WithField("tasks", len(recovered)).Warn("task load failed; restored snapshot")
			s.apply(Action{Kind: ActionLoad, Tasks: recovered, Err: err}, Fallback)
			return err
		}
		if s.fallback != nil {
			if mock, ferr := s.fallback.ListTasks(ctx); ferr == nil {
				entry.WithField("tasks", len(mock)).Warn("task load failed; using fallback data")
				s.apply(Action{Kind: ActionLoad, Tasks: mock, Err: err}, Fallback)
				return err
			}
		}
		entry.Error("task load failed")
		s.apply(Action{Kind: ActionLoad, Err: err}, Failed)
		return err
	})
}

func (s *Store) loadSnapshot(ctx context.Context) ([]domain.Task, bool) {
	if s.snapshot == nil {
		return nil, false
	}
	tasks, err := s.snapshot.Load(ctx)
	if err != nil {
		if !errors.Is(err, snapshot.ErrNotFound) {
			s.log.WithError(err).Warn("snapshot load failed")
		}
		return nil, false
	}
	return tasks, true
}

// Create shows a provisional task at the head of the collection until the
// server confirms it.
func (s *Store) Create(ctx context.Context, in domain.TaskInput) (domain.Task, error) {
	if err := domain.ValidateInput(in, s.now()); err != nil {
		return domain.Task{}, err
	}
	var result domain.Task
	err := s.queue.submit(ctx, func(ctx context.Context) error {
		tempID := s.newID()
		provisional := domain.NewTask(tempID, in, len(s.Tasks()), s.now())
		s.apply(Action{Kind: ActionCreate, TaskID: tempID, Task: provisional}, Pending)

		created, err := s.primary.CreateTask(ctx, in)
		if err == nil {
			s.apply(Action{Kind: ActionCreate, TaskID: tempID, Task: created}, Confirmed)
			result = created
			s.persist(ctx)
			return nil
		}

		if s.fallback != nil {
			local, ferr := s.fallback.CreateTask(ctx, in)
			if ferr == nil {
				s.log.WithError(err).WithField("task", local.ID).Warn("remote create failed; kept local task")
				s.apply(Action{Kind: ActionCreate, TaskID: tempID, Task: local}, Fallback)
				result = local
				s.persist(ctx)
				return nil
			}
			s.log.WithError(ferr).Warn("fallback create failed")
		}

		s.log.WithError(err).Error("remote create failed")
		s.apply(Action{Kind: ActionCreate, TaskID: tempID, Err: err}, Failed)
		return err
	})
	return result, err
}

// Update merges patch into the task with the given id. An unknown id is a
// no-op and yields the zero Task.
func (s *Store) Update(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	if err := domain.ValidatePatch(patch, s.now()); err != nil {
		return domain.Task{}, err
	}
	return s.update(ctx, id, func(domain.Task) domain.TaskPatch { return patch })
}

// ToggleComplete flips the completed flag of the task with the given id.
func (s *Store) ToggleComplete(ctx context.Context, id string) (domain.Task, error) {
	return s.update(ctx, id, func(cur domain.Task) domain.TaskPatch {
		done := !cur.Completed
		return domain.TaskPatch{Completed: &done}
	})
}

// update reads the current task inside the queue so patches derived from it
// never race with earlier mutations.
func (s *Store) update(ctx context.Context, id string, build func(domain.Task) domain.TaskPatch) (domain.Task, error) {
	var result domain.Task
	err := s.queue.submit(ctx, func(ctx context.Context) error {
		prev, _, ok := s.lookup(id)
		if !ok {
			return nil
		}
		patch := build(prev)
		optimistic := domain.ApplyPatch(prev, patch, s.now())
		s.apply(Action{Kind: ActionUpdate, TaskID: id, Task: optimistic}, Pending)

		confirmed, err := s.primary.UpdateTask(ctx, id, patch)
		if err == nil {
			s.apply(Action{Kind: ActionUpdate, TaskID: id, Task: confirmed}, Confirmed)
			result = confirmed
			s.persist(ctx)
			return nil
		}

		if s.fallback != nil {
			s.log.WithError(err).WithField("task", id).Warn("remote update failed; kept local edit")
			s.apply(Action{Kind: ActionUpdate, TaskID: id, Task: optimistic}, Fallback)
			result = optimistic
			s.persist(ctx)
			return nil
		}

		s.log.WithError(err).WithField("task", id).Error("remote update failed; rolled back")
		s.apply(Action{Kind: ActionUpdate, TaskID: id, Previous: &prev, Err: err}, Failed)
		return err
	})
	return result, err
}

// Remove deletes the task with the given id. An unknown id is a no-op.
func (s *Store) Remove(ctx context.Context, id string) error {
	return s.queue.submit(ctx, func(ctx context.Context) error {
		removed, idx, ok := s.lookup(id)
		if !ok {
			return nil
		}
		s.apply(Action{Kind: ActionRemove, TaskID: id}, Pending)

		if err := s.primary.DeleteTask(ctx, id); err != nil {
			s.log.WithError(err).WithField("task", id).Error("remote delete failed; rolled back")
			s.apply(Action{Kind: ActionRemove, TaskID: id, Task: removed, Index: idx, Err: err}, Failed)
			return err
		}
		s.apply(Action{Kind: ActionRemove, TaskID: id}, Confirmed)
		s.persist(ctx)
		return nil
	})
}

// Reorder replaces the collection with ordered, renumbering each task's Order
// to its position.
func (s *Store) Reorder(ctx context.Context, ordered []domain.Task) error {
	next := domain.CloneTasks(ordered)
	if next == nil {
		next = []domain.Task{}
	}
	ids := make([]string, len(next))
	for i := range next {
		next[i].Order = i
		ids[i] = next[i].ID
	}
	return s.queue.submit(ctx, func(ctx context.Context) error {
		previous := s.Tasks()
		s.apply(Action{Kind: ActionReorder, Tasks: next}, Pending)

		confirmed, err := s.primary.ReorderTasks(ctx, ids)
		if err != nil {
			s.log.WithError(err).Error("remote reorder failed; rolled back")
			s.apply(Action{Kind: ActionReorder, PreviousTasks: previous, Err: err}, Failed)
			return err
		}
		s.apply(Action{Kind: ActionReorder, Tasks: confirmed}, Confirmed)
		s.persist(ctx)
		return nil
	})
}

// AddSubtask appends a subtask once the server has created it. Subtask
// failures are returned but never recorded in the error slot.
func (s *Store) AddSubtask(ctx context.Context, taskID, title string) (domain.Subtask, error) {
	if _, err := domain.ValidateSubtaskTitle(title); err != nil {
		return domain.Subtask{}, err
	}
	var result domain.Subtask
	err := s.queue.submit(ctx, func(ctx context.Context) error {
		if _, _, ok := s.lookup(taskID); !ok {
			return nil
		}
		st, err := s.primary.AddSubtask(ctx, taskID, title)
		if err != nil {
			s.log.WithError(err).WithField("task", taskID).Warn("add subtask failed")
			return err
		}
		s.apply(Action{Kind: ActionAddSubtask, TaskID: taskID, Subtask: st}, Confirmed)
		result = st
		s.persist(ctx)
		return nil
	})
	return result, err
}

func (s *Store) UpdateSubtask(ctx context.Context, taskID, subtaskID string, patch domain.SubtaskPatch) (domain.Subtask, error) {
	if err := domain.ValidateSubtaskPatch(patch); err != nil {
		return domain.Subtask{}, err
	}
	return s.updateSubtask(ctx, taskID, subtaskID, func(domain.Subtask) domain.SubtaskPatch { return patch })
}

// ToggleSubtask flips the completed flag of a subtask.
func (s *Store) ToggleSubtask(ctx context.Context, taskID, subtaskID string) (domain.Subtask, error) {
	return s.updateSubtask(ctx, taskID, subtaskID, func(cur domain.Subtask) domain.SubtaskPatch {
		done := !cur.Completed
		return domain.SubtaskPatch{Completed: &done}
	})
}

// updateSubtask builds the patch from the subtask as it stands when the
// mutation runs, not when it was submitted.
func (s *Store) updateSubtask(ctx context.Context, taskID, subtaskID string, build func(domain.Subtask) domain.SubtaskPatch) (domain.Subtask, error) {
	var result domain.Subtask
	err := s.queue.submit(ctx, func(ctx context.Context) error {
		parent, _, ok := s.lookup(taskID)
		if !ok {
			return nil
		}
		i := parent.SubtaskIndex(subtaskID)
		if i < 0 {
			return nil
		}
		patch := build(parent.Subtasks[i])
		st, err := s.primary.UpdateSubtask(ctx, taskID, subtaskID, patch)
		if err != nil {
			s.log.WithError(err).WithField("task", taskID).WithField("subtask", subtaskID).Warn("update subtask failed")
			return err
		}
		s.apply(Action{Kind: ActionUpdateSubtask, TaskID: taskID, Subtask: st}, Confirmed)
		result = st
		s.persist(ctx)
		return nil
	})
	return result, err
}

func (s *Store) RemoveSubtask(ctx context.Context, taskID, subtaskID string) error {
	return s.queue.submit(ctx, func(ctx context.Context) error {
		parent, _, ok := s.lookup(taskID)
		if !ok || parent.SubtaskIndex(subtaskID) < 0 {
			return nil
		}
		if err := s.primary.DeleteSubtask(ctx, taskID, subtaskID); err != nil {
			s.log.WithError(err).WithField("task", taskID).WithField("subtask", subtaskID).Warn("remove subtask failed")
			return err
		}
		s.apply(Action{Kind: ActionRemoveSubtask, TaskID: taskID, SubtaskID: subtaskID}, Confirmed)
		s.persist(ctx)
		return nil
	})
}

// ClearError acknowledges the recorded failure.
func (s *Store) ClearError() {
	s.apply(Action{Kind: ActionClearError}, Confirmed)
}
