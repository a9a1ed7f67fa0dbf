package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/client"
	"taskboard/domain"
	"taskboard/snapshot"
)

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("tmp-%d", n)
	}
}

func newTestStore(t *testing.T, backend *fakeBackend, opts ...Option) *Store {
	t.Helper()
	logger, _ := newTestLogger()
	base := []Option{WithClock(fixedClock), WithIDGenerator(sequentialIDs()), WithLogger(logger)}
	s := New(backend, append(base, opts...)...)
	t.Cleanup(s.Close)
	return s
}

func newLoadedStore(t *testing.T, opts ...Option) (*Store, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	s := newTestStore(t, backend, opts...)
	if err := s.LoadAll(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return s, backend
}

func ids(tasks []domain.Task) string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return strings.Join(out, ",")
}

func taskByID(t *testing.T, s *Store, id string) domain.Task {
	t.Helper()
	tasks := s.Tasks()
	i := domain.IndexOf(tasks, id)
	if i < 0 {
		t.Fatalf("task %s not found in %s", id, ids(tasks))
	}
	return tasks[i]
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for operation")
		return nil
	}
}

func waitEntered(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for backend call")
	}
}

func TestLoadAllReplacesCollection(t *testing.T) {
	backend := newFakeBackend()
	s := newTestStore(t, backend)

	entered, release := backend.hold("ListTasks")
	done := make(chan error, 1)
	go func() { done <- s.LoadAll(context.Background()) }()

	waitEntered(t, entered)
	if !s.Loading() {
		t.Fatal("expected loading while the list call is in flight")
	}
	release()

	if err := waitErr(t, done); err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Loading() {
		t.Fatal("expected loading to be cleared")
	}
	if got := ids(s.Tasks()); got != "mock-1,mock-2,mock-3" {
		t.Fatalf("unexpected tasks %s", got)
	}
	if s.Err() != nil {
		t.Fatalf("unexpected error %v", s.Err())
	}
}

func TestLoadAllFailureRecovery(t *testing.T) {
	snap := &memSnapshot{}
	_ = snap.Save(context.Background(), []domain.Task{{ID: "snap-1", Title: "saved", CreatedAt: testNow, UpdatedAt: testNow}})

	tests := []struct {
		name    string
		opts    []Option
		wantIDs string
	}{
		{name: "snapshot wins over fallback", opts: []Option{WithSnapshot(snap), WithFallback(client.NewMockBackend(fixedClock))}, wantIDs: "snap-1"},
		{name: "fallback list without snapshot", opts: []Option{WithSnapshot(&memSnapshot{}), WithFallback(client.NewMockBackend(fixedClock))}, wantIDs: "mock-1,mock-2,mock-3"},
		{name: "empty without either", wantIDs: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			backend.failOn("ListTasks", errUnplugged)
			s := newTestStore(t, backend, tt.opts...)

			err := s.LoadAll(context.Background())
			if !errors.Is(err, errUnplugged) {
				t.Fatalf("expected load error, got %v", err)
			}
			if !errors.Is(s.Err(), errUnplugged) {
				t.Fatalf("expected recorded error, got %v", s.Err())
			}
			if s.Loading() {
				t.Fatal("loading should be cleared after failure")
			}
			tasks := s.Tasks()
			if tasks == nil {
				t.Fatal("collection should never be nil")
			}
			if got := ids(tasks); got != tt.wantIDs {
				t.Fatalf("want %q, got %q", tt.wantIDs, got)
			}
		})
	}
}

func TestLoadAllSuccessClearsEarlierError(t *testing.T) {
	backend := newFakeBackend()
	backend.failOn("ListTasks", errUnplugged)
	s := newTestStore(t, backend)

	_ = s.LoadAll(context.Background())
	if s.Err() == nil {
		t.Fatal("expected recorded error")
	}

	backend.failOn("ListTasks", nil)
	if err := s.LoadAll(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if s.Err() != nil {
		t.Fatalf("expected error cleared after successful retry, got %v", s.Err())
	}
	if len(s.Tasks()) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(s.Tasks()))
	}
}

func TestCreateShowsProvisionalTaskUntilConfirmed(t *testing.T) {
	snap := &memSnapshot{}
	s, backend := newLoadedStore(t, WithSnapshot(snap))

	entered, release := backend.hold("CreateTask")
	type result struct {
		task domain.Task
		err  error
	}
	done := make(chan result, 1)
	go func() {
		task, err := s.Create(context.Background(), domain.TaskInput{Title: "  Write report ", Tags: []string{"Work"}})
		done <- result{task, err}
	}()

	waitEntered(t, entered)
	head := s.Tasks()[0]
	if head.ID != "tmp-1" || head.Title != "Write report" || head.Completed {
		t.Fatalf("unexpected provisional task %+v", head)
	}
	if head.Order != 3 || head.Subtasks == nil || len(head.Subtasks) != 0 {
		t.Fatalf("provisional task should have order 3 and no subtasks: %+v", head)
	}
	if !head.CreatedAt.Equal(testNow) || !head.UpdatedAt.Equal(testNow) {
		t.Fatalf("provisional timestamps should be now: %+v", head)
	}
	if head.Priority != domain.PriorityMedium {
		t.Fatalf("expected default priority, got %q", head.Priority)
	}
	release()

	var r result
	select {
	case r = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for create")
	}
	if r.err != nil {
		t.Fatalf("create: %v", r.err)
	}
	if r.task.ID != "mock-4" {
		t.Fatalf("expected confirmed id mock-4, got %s", r.task.ID)
	}
	if got := ids(s.Tasks()); got != "mock-4,mock-1,mock-2,mock-3" {
		t.Fatalf("unexpected tasks %s", got)
	}
	if snap.saveCount() != 1 {
		t.Fatalf("expected one snapshot save, got %d", snap.saveCount())
	}
}

func TestCreateFailureRemovesProvisionalTask(t *testing.T) {
	snap := &memSnapshot{}
	s, backend := newLoadedStore(t, WithSnapshot(snap))
	backend.failOn("CreateTask", errBoom)

	_, err := s.Create(context.Background(), domain.TaskInput{Title: "doomed"})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected create error, got %v", err)
	}
	if got := ids(s.Tasks()); got != "mock-1,mock-2,mock-3" {
		t.Fatalf("provisional task should be gone, got %s", got)
	}
	if !errors.Is(s.Err(), errBoom) {
		t.Fatalf("expected recorded error, got %v", s.Err())
	}
	if snap.saveCount() != 0 {
		t.Fatalf("failed create must not persist, got %d saves", snap.saveCount())
	}
}

func TestCreateFailureUsesFallbackBackend(t *testing.T) {
	logger, hook := newTestLogger()
	backend := newFakeBackend()
	fallback := client.NewMockBackend(fixedClock)
	s := newTestStore(t, backend, WithFallback(fallback), WithLogger(logger))
	if err := s.LoadAll(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	backend.failOn("CreateTask", errBoom)

	task, err := s.Create(context.Background(), domain.TaskInput{Title: "offline"})
	if err != nil {
		t.Fatalf("create with fallback: %v", err)
	}
	if task.ID != "mock-4" || task.Title != "offline" {
		t.Fatalf("unexpected fallback task %+v", task)
	}
	if head := s.Tasks()[0]; head.ID != "mock-4" {
		t.Fatalf("fallback task should replace provisional entry, got %s", head.ID)
	}
	if s.Err() != nil {
		t.Fatalf("fallback create should not record an error, got %v", s.Err())
	}
	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == log.WarnLevel && strings.Contains(e.Message, "kept local task") {
			warned = true
		}
	}
	if !warned {
		t.Fatal("expected a warning about the local task")
	}
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	s, backend := newLoadedStore(t)
	past := testNow.AddDate(0, 0, -2)

	tests := []struct {
		name string
		in   domain.TaskInput
	}{
		{"empty title", domain.TaskInput{Title: "   "}},
		{"long title", domain.TaskInput{Title: strings.Repeat("x", domain.MaxTitleLength+1)}},
		{"past due date", domain.TaskInput{Title: "late", DueDate: &past}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Create(context.Background(), tt.in); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	for _, c := range backend.called() {
		if c == "CreateTask" {
			t.Fatal("invalid input must not reach the backend")
		}
	}
	if len(s.Tasks()) != 3 || s.Err() != nil {
		t.Fatalf("state should be untouched, got %d tasks, err %v", len(s.Tasks()), s.Err())
	}
}

func TestUpdateIsOptimistic(t *testing.T) {
	s, backend := newLoadedStore(t)
	entered, release := backend.hold("UpdateTask")

	title := "Renamed"
	done := make(chan error, 1)
	go func() {
		_, err := s.Update(context.Background(), "mock-2", domain.TaskPatch{Title: &title})
		done <- err
	}()

	waitEntered(t, entered)
	got := taskByID(t, s, "mock-2")
	if got.Title != "Renamed" || !got.UpdatedAt.Equal(testNow) {
		t.Fatalf("expected optimistic edit, got %+v", got)
	}
	release()
	if err := waitErr(t, done); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := taskByID(t, s, "mock-2"); got.Title != "Renamed" {
		t.Fatalf("expected confirmed edit, got %+v", got)
	}
}

func TestUpdateFailure(t *testing.T) {
	title := "Renamed"

	t.Run("rolls back without fallback", func(t *testing.T) {
		s, backend := newLoadedStore(t)
		backend.failOn("UpdateTask", errBoom)

		if _, err := s.Update(context.Background(), "mock-2", domain.TaskPatch{Title: &title}); !errors.Is(err, errBoom) {
			t.Fatalf("expected update error, got %v", err)
		}
		if got := taskByID(t, s, "mock-2"); got.Title != "Plan the week" {
			t.Fatalf("expected rollback, got %q", got.Title)
		}
		if !errors.Is(s.Err(), errBoom) {
			t.Fatalf("expected recorded error, got %v", s.Err())
		}
	})

	t.Run("keeps local edit with fallback", func(t *testing.T) {
		snap := &memSnapshot{}
		s, backend := newLoadedStore(t, WithFallback(client.NewMockBackend(fixedClock)), WithSnapshot(snap))
		backend.failOn("UpdateTask", errBoom)

		task, err := s.Update(context.Background(), "mock-2", domain.TaskPatch{Title: &title})
		if err != nil {
			t.Fatalf("expected local edit to be kept, got %v", err)
		}
		if task.Title != "Renamed" || taskByID(t, s, "mock-2").Title != "Renamed" {
			t.Fatalf("expected retained edit, got %+v", task)
		}
		if s.Err() != nil {
			t.Fatalf("local edit should not record an error, got %v", s.Err())
		}
		if snap.saveCount() != 1 {
			t.Fatalf("retained edit should be persisted, got %d saves", snap.saveCount())
		}
	})
}

func TestUpdateUnknownTaskIsNoop(t *testing.T) {
	s, backend := newLoadedStore(t)
	title := "x"
	task, err := s.Update(context.Background(), "missing", domain.TaskPatch{Title: &title})
	if err != nil || task.ID != "" {
		t.Fatalf("expected no-op, got %+v, %v", task, err)
	}
	if _, err := s.ToggleComplete(context.Background(), "missing"); err != nil {
		t.Fatalf("toggle on missing task: %v", err)
	}
	for _, c := range backend.called() {
		if c == "UpdateTask" {
			t.Fatal("unknown id must not reach the backend")
		}
	}
}

func TestToggleCompleteTwiceRestores(t *testing.T) {
	s, _ := newLoadedStore(t)
	ctx := context.Background()

	if _, err := s.ToggleComplete(ctx, "mock-1"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !taskByID(t, s, "mock-1").Completed {
		t.Fatal("expected completed after first toggle")
	}
	if _, err := s.ToggleComplete(ctx, "mock-1"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if taskByID(t, s, "mock-1").Completed {
		t.Fatal("expected original value after second toggle")
	}
}

func TestRemove(t *testing.T) {
	t.Run("optimistic then persisted", func(t *testing.T) {
		snap := &memSnapshot{}
		s, backend := newLoadedStore(t, WithSnapshot(snap))
		entered, release := backend.hold("DeleteTask")

		done := make(chan error, 1)
		go func() { done <- s.Remove(context.Background(), "mock-2") }()
		waitEntered(t, entered)
		if got := ids(s.Tasks()); got != "mock-1,mock-3" {
			t.Fatalf("expected task hidden while in flight, got %s", got)
		}
		release()
		if err := waitErr(t, done); err != nil {
			t.Fatalf("remove: %v", err)
		}
		if snap.saveCount() != 1 {
			t.Fatalf("expected snapshot save, got %d", snap.saveCount())
		}
	})

	t.Run("failure reinserts at prior index", func(t *testing.T) {
		s, backend := newLoadedStore(t)
		backend.failOn("DeleteTask", errBoom)

		if err := s.Remove(context.Background(), "mock-2"); !errors.Is(err, errBoom) {
			t.Fatalf("expected remove error, got %v", err)
		}
		if got := ids(s.Tasks()); got != "mock-1,mock-2,mock-3" {
			t.Fatalf("expected task back in place, got %s", got)
		}
		if !errors.Is(s.Err(), errBoom) {
			t.Fatalf("expected recorded error, got %v", s.Err())
		}
	})

	t.Run("unknown id is a no-op", func(t *testing.T) {
		s, _ := newLoadedStore(t)
		if err := s.Remove(context.Background(), "missing"); err != nil {
			t.Fatalf("remove missing: %v", err)
		}
		if len(s.Tasks()) != 3 {
			t.Fatalf("expected 3 tasks, got %d", len(s.Tasks()))
		}
	})
}

func TestReorder(t *testing.T) {
	t.Run("renumbers to positions", func(t *testing.T) {
		s, _ := newLoadedStore(t)
		cur := s.Tasks()
		reversed := []domain.Task{cur[2], cur[1], cur[0]}

		if err := s.Reorder(context.Background(), reversed); err != nil {
			t.Fatalf("reorder: %v", err)
		}
		tasks := s.Tasks()
		if got := ids(tasks); got != "mock-3,mock-2,mock-1" {
			t.Fatalf("unexpected order %s", got)
		}
		for i, task := range tasks {
			if task.Order != i {
				t.Fatalf("task %s has order %d, want %d", task.ID, task.Order, i)
			}
		}
		if cur[2].Order != 2 {
			t.Fatal("reorder must not mutate the caller's slice")
		}
	})

	t.Run("failure restores previous list", func(t *testing.T) {
		s, backend := newLoadedStore(t)
		backend.failOn("ReorderTasks", errBoom)
		cur := s.Tasks()

		if err := s.Reorder(context.Background(), []domain.Task{cur[1], cur[0], cur[2]}); !errors.Is(err, errBoom) {
			t.Fatalf("expected reorder error, got %v", err)
		}
		tasks := s.Tasks()
		if got := ids(tasks); got != "mock-1,mock-2,mock-3" {
			t.Fatalf("expected previous order, got %s", got)
		}
		for i, task := range tasks {
			if task.Order != i {
				t.Fatalf("restored task %s has order %d", task.ID, task.Order)
			}
		}
		if !errors.Is(s.Err(), errBoom) {
			t.Fatalf("expected recorded error, got %v", s.Err())
		}
	})
}

func TestSubtaskLifecycle(t *testing.T) {
	s, _ := newLoadedStore(t)
	ctx := context.Background()

	st, err := s.AddSubtask(ctx, "mock-2", "Draft agenda")
	if err != nil {
		t.Fatalf("add subtask: %v", err)
	}
	parent := taskByID(t, s, "mock-2")
	if len(parent.Subtasks) != 1 || parent.Subtasks[0].ID != st.ID || parent.Subtasks[0].TaskID != "mock-2" {
		t.Fatalf("unexpected subtasks %+v", parent.Subtasks)
	}

	if _, err := s.ToggleSubtask(ctx, "mock-2", st.ID); err != nil {
		t.Fatalf("toggle subtask: %v", err)
	}
	if !taskByID(t, s, "mock-2").Subtasks[0].Completed {
		t.Fatal("expected subtask completed")
	}

	if err := s.RemoveSubtask(ctx, "mock-2", st.ID); err != nil {
		t.Fatalf("remove subtask: %v", err)
	}
	if n := len(taskByID(t, s, "mock-2").Subtasks); n != 0 {
		t.Fatalf("expected no subtasks, got %d", n)
	}

	if _, err := s.AddSubtask(ctx, "missing", "x"); err != nil {
		t.Fatalf("add subtask to missing parent should be a no-op, got %v", err)
	}
	if _, err := s.AddSubtask(ctx, "mock-2", " "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubtaskFailureLeavesErrorSlotAlone(t *testing.T) {
	s, backend := newLoadedStore(t)
	ctx := context.Background()

	backend.failOn("DeleteTask", errBoom)
	_ = s.Remove(ctx, "mock-3")
	before := s.Tasks()

	backend.failOn("AddSubtask", errUnplugged)
	backend.failOn("DeleteSubtask", errUnplugged)
	if _, err := s.AddSubtask(ctx, "mock-2", "later"); !errors.Is(err, errUnplugged) {
		t.Fatalf("expected add subtask error, got %v", err)
	}
	if err := s.RemoveSubtask(ctx, "mock-1", "mock-1-1"); !errors.Is(err, errUnplugged) {
		t.Fatalf("expected remove subtask error, got %v", err)
	}
	if !errors.Is(s.Err(), errBoom) {
		t.Fatalf("subtask failures must not overwrite the recorded error, got %v", s.Err())
	}
	after := s.Tasks()
	for i := range before {
		if len(before[i].Subtasks) != len(after[i].Subtasks) {
			t.Fatalf("subtask failure changed task %s", before[i].ID)
		}
	}

	s.ClearError()
	if s.Err() != nil {
		t.Fatalf("expected cleared error, got %v", s.Err())
	}
}

func TestConcurrentMutationsAreSerialized(t *testing.T) {
	s, backend := newLoadedStore(t)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ToggleComplete(ctx, "mock-1"); err != nil {
				t.Errorf("toggle: %v", err)
			}
		}()
	}
	wg.Wait()

	if taskByID(t, s, "mock-1").Completed {
		t.Fatal("an even number of toggles should restore the original value")
	}
	var updates int
	for _, c := range backend.called() {
		if c == "UpdateTask" {
			updates++
		}
	}
	if updates != n {
		t.Fatalf("expected %d updates, got %d", n, updates)
	}
}

func TestConcurrentSubtaskTogglesAreSerialized(t *testing.T) {
	s, backend := newLoadedStore(t)
	ctx := context.Background()
	entered, release := backend.hold("UpdateSubtask")
	defer release()

	var wg sync.WaitGroup
	toggle := func() {
		defer wg.Done()
		if _, err := s.ToggleSubtask(ctx, "mock-1", "mock-1-1"); err != nil {
			t.Errorf("toggle subtask: %v", err)
		}
	}
	wg.Add(2)
	go toggle()
	<-entered
	go toggle()

	// the second toggle is queued behind the parked one
	deadline := time.Now().Add(time.Second)
	for len(s.queue.jobs) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("second toggle never reached the queue")
		}
		time.Sleep(time.Millisecond)
	}
	release()
	wg.Wait()

	parent := taskByID(t, s, "mock-1")
	if parent.Subtasks[0].Completed {
		t.Fatal("two toggles should restore the original value")
	}
}

func TestSubscribeAfterCloseIsClosed(t *testing.T) {
	backend := newFakeBackend()
	s := newTestStore(t, backend)
	s.Close()

	ch, cancel := s.Subscribe()
	defer cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected no state after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription after Close was left open")
	}
}

func TestSubscribeDeliversLatestState(t *testing.T) {
	backend := newFakeBackend()
	s := newTestStore(t, backend)
	ch, cancel := s.Subscribe()

	if err := s.LoadAll(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	select {
	case st := <-ch:
		if st.Loading || len(st.Tasks) != 3 {
			t.Fatalf("expected final loaded state, got loading=%v tasks=%d", st.Loading, len(st.Tasks))
		}
	case <-time.After(time.Second):
		t.Fatal("no state delivered")
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after cancel")
	}
}

func TestSnapshotSaveFailureIsLoggedOnly(t *testing.T) {
	logger, hook := newTestLogger()
	snap := &memSnapshot{saveErr: errors.New("disk full")}
	backend := newFakeBackend()
	s := newTestStore(t, backend, WithSnapshot(snap), WithLogger(logger))
	if err := s.LoadAll(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	if _, err := s.ToggleComplete(context.Background(), "mock-1"); err != nil {
		t.Fatalf("toggle should succeed despite snapshot failure: %v", err)
	}
	if s.Err() != nil {
		t.Fatalf("snapshot failure must not be recorded, got %v", s.Err())
	}
	last := hook.LastEntry()
	if last == nil || last.Level != log.WarnLevel || last.Message != "snapshot save failed" {
		t.Fatalf("expected snapshot warning, got %+v", last)
	}
}

func TestFileSnapshotSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	fs, err := snapshot.NewFile(dir, "")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	s, _ := newLoadedStore(t, WithSnapshot(fs))
	if _, err := s.Create(ctx, domain.TaskInput{Title: "persist me"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	s.Close()

	offline := newFakeBackend()
	offline.failOn("ListTasks", errUnplugged)
	restarted := newTestStore(t, offline, WithSnapshot(fs))
	if err := restarted.LoadAll(ctx); !errors.Is(err, errUnplugged) {
		t.Fatalf("expected load error, got %v", err)
	}
	if got := ids(restarted.Tasks()); got != "mock-4,mock-1,mock-2,mock-3" {
		t.Fatalf("expected snapshot contents, got %s", got)
	}
}

func TestClosedStoreRejectsMutations(t *testing.T) {
	backend := newFakeBackend()
	s := newTestStore(t, backend)
	s.Close()

	if err := s.LoadAll(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
