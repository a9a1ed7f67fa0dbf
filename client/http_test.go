package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"taskboard/domain"
)

func newTestServer(t *testing.T, register func(e *echo.Echo)) *HTTPBackend {
	t.Helper()
	e := echo.New()
	register(e)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return NewHTTPBackend(srv.URL, WithToken("secret"), WithTimeout(time.Second))
}

func TestListTasksCoercesPayload(t *testing.T) {
	b := newTestServer(t, func(e *echo.Echo) {
		e.GET("/api/tasks", func(c echo.Context) error {
			if got := c.Request().Header.Get(echo.HeaderAuthorization); got != "Bearer secret" {
				t.Errorf("unexpected auth header %q", got)
			}
			return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, []byte(`[
				{"id":"t1","title":" Pay rent ","priority":"URGENT","tags":["Home","home"," Bills "],
				 "dueDate":"2024-03-01","createdAt":"2024-01-02T10:00:00Z","updatedAt":"2024-01-01T00:00:00Z",
				 "subtasks":[{"id":"s1","taskId":"other","title":"transfer","createdAt":"2024-01-02T10:05:00Z"}],"order":4}
			]`))
		})
	})

	tasks, err := b.ListTasks(context.Background())
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	got := tasks[0]
	if got.Title != "Pay rent" || got.Priority != domain.PriorityMedium || got.Order != 4 {
		t.Fatalf("unexpected task: %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "home" || got.Tags[1] != "bills" {
		t.Fatalf("unexpected tags: %#v", got.Tags)
	}
	if got.DueDate == nil || !got.DueDate.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected due date: %v", got.DueDate)
	}
	if got.UpdatedAt.Before(got.CreatedAt) {
		t.Fatalf("expected updatedAt clamped to createdAt, got %v < %v", got.UpdatedAt, got.CreatedAt)
	}
	if len(got.Subtasks) != 1 || got.Subtasks[0].TaskID != "t1" {
		t.Fatalf("expected subtask bound to parent, got %#v", got.Subtasks)
	}
}

func TestListTasksRejectsMalformedPayload(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing id", body: `[{"title":"x","createdAt":"2024-01-01T00:00:00Z"}]`},
		{name: "missing title", body: `[{"id":"1","createdAt":"2024-01-01T00:00:00Z"}]`},
		{name: "bad date", body: `[{"id":"1","title":"x","createdAt":"yesterday"}]`},
		{name: "not json", body: `<html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestServer(t, func(e *echo.Echo) {
				e.GET("/api/tasks", func(c echo.Context) error {
					return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, []byte(tt.body))
				})
			})
			if _, err := b.ListTasks(context.Background()); !errors.Is(err, ErrMalformedPayload) {
				t.Fatalf("expected ErrMalformedPayload, got %v", err)
			}
		})
	}
}

func TestStatusErrorCarriesMessage(t *testing.T) {
	b := newTestServer(t, func(e *echo.Echo) {
		e.DELETE("/api/tasks/:id", func(c echo.Context) error {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
		})
	})

	err := b.DeleteTask(context.Background(), "missing")
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("expected ErrRemote, got %v", err)
	}
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Message != "task not found" {
		t.Fatalf("unexpected status error: %#v", err)
	}
}

func TestTransportFailureIsRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	b := NewHTTPBackend(srv.URL)
	if _, err := b.ListTasks(context.Background()); !errors.Is(err, ErrRemote) {
		t.Fatalf("expected ErrRemote, got %v", err)
	}
}

func TestCreateAndReorderSendExpectedBodies(t *testing.T) {
	var createBody, reorderBody []byte
	b := newTestServer(t, func(e *echo.Echo) {
		e.POST("/api/tasks", func(c echo.Context) error {
			createBody, _ = io.ReadAll(c.Request().Body)
			return c.Blob(http.StatusCreated, echo.MIMEApplicationJSON,
				[]byte(`{"id":"srv-1","title":"Ship it","priority":"high","createdAt":"2024-01-01T00:00:00Z"}`))
		})
		e.PUT("/api/tasks/order", func(c echo.Context) error {
			reorderBody, _ = io.ReadAll(c.Request().Body)
			return c.Blob(http.StatusOK, echo.MIMEApplicationJSON,
				[]byte(`[{"id":"b","title":"B","createdAt":"2024-01-01T00:00:00Z","order":0},{"id":"a","title":"A","createdAt":"2024-01-01T00:00:00Z","order":1}]`))
		})
	})

	task, err := b.CreateTask(context.Background(), domain.TaskInput{Title: "Ship it", Priority: domain.PriorityHigh})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ID != "srv-1" || task.Priority != domain.PriorityHigh {
		t.Fatalf("unexpected task: %+v", task)
	}
	var in domain.TaskInput
	if err := sonic.Unmarshal(createBody, &in); err != nil || in.Title != "Ship it" {
		t.Fatalf("unexpected create body %s: %v", createBody, err)
	}

	tasks, err := b.ReorderTasks(context.Background(), []string{"b", "a"})
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "b" {
		t.Fatalf("unexpected reorder result: %+v", tasks)
	}
	var req reorderRequest
	if err := sonic.Unmarshal(reorderBody, &req); err != nil || len(req.IDs) != 2 || req.IDs[0] != "b" {
		t.Fatalf("unexpected reorder body %s: %v", reorderBody, err)
	}
}

func TestMockBackendIsDeterministic(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	a, b := NewMockBackend(clock), NewMockBackend(clock)
	ctx := context.Background()

	la, _ := a.ListTasks(ctx)
	lb, _ := b.ListTasks(ctx)
	if len(la) != len(lb) || len(la) == 0 {
		t.Fatalf("expected equal non-empty seeds, got %d and %d", len(la), len(lb))
	}
	for i := range la {
		if la[i].ID != lb[i].ID || la[i].Title != lb[i].Title {
			t.Fatalf("seed %d differs: %+v vs %+v", i, la[i], lb[i])
		}
	}

	created, err := a.CreateTask(ctx, domain.TaskInput{Title: "offline"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID != "mock-4" || !created.CreatedAt.Equal(now) {
		t.Fatalf("unexpected created task: %+v", created)
	}

	if err := a.DeleteTask(ctx, "nope"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	st, err := a.AddSubtask(ctx, "mock-2", "outline")
	if err != nil {
		t.Fatalf("add subtask: %v", err)
	}
	done := true
	updated, err := a.UpdateSubtask(ctx, "mock-2", st.ID, domain.SubtaskPatch{Completed: &done})
	if err != nil || !updated.Completed {
		t.Fatalf("update subtask: %+v %v", updated, err)
	}
	if err := a.DeleteSubtask(ctx, "mock-2", st.ID); err != nil {
		t.Fatalf("delete subtask: %v", err)
	}
}

func TestCreateRetriesWithSameIdempotencyKey(t *testing.T) {
	var keys []string
	b := newTestServer(t, func(e *echo.Echo) {
		e.POST("/api/tasks", func(c echo.Context) error {
			keys = append(keys, c.Request().Header.Get(IdempotencyHeader))
			if len(keys) == 1 {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "busy"})
			}
			return c.Blob(http.StatusCreated, echo.MIMEApplicationJSON,
				[]byte(`{"id":"srv-1","title":"Ship it","createdAt":"2024-01-01T00:00:00Z"}`))
		})
	})
	WithRetries(2, time.Millisecond)(b)

	if _, err := b.CreateTask(context.Background(), domain.TaskInput{Title: "Ship it"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(keys) != 2 || keys[0] == "" || keys[0] != keys[1] {
		t.Fatalf("expected two attempts with one key, got %q", keys)
	}
}

func TestRetryPolicy(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		status   int
		wantHits int
	}{
		{name: "get on 503", method: http.MethodGet, status: http.StatusServiceUnavailable, wantHits: 3},
		{name: "get on 500", method: http.MethodGet, status: http.StatusInternalServerError, wantHits: 1},
		{name: "patch on 503", method: http.MethodPatch, status: http.StatusServiceUnavailable, wantHits: 1},
		{name: "delete on 504", method: http.MethodDelete, status: http.StatusGatewayTimeout, wantHits: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits := 0
			b := newTestServer(t, func(e *echo.Echo) {
				e.Any("/api/tasks*", func(c echo.Context) error {
					hits++
					return c.NoContent(tt.status)
				})
			})
			WithRetries(2, time.Millisecond)(b)

			var err error
			switch tt.method {
			case http.MethodGet:
				_, err = b.ListTasks(context.Background())
			case http.MethodPatch:
				title := "x"
				_, err = b.UpdateTask(context.Background(), "t1", domain.TaskPatch{Title: &title})
			case http.MethodDelete:
				err = b.DeleteTask(context.Background(), "t1")
			}
			var se *StatusError
			if !errors.As(err, &se) || se.StatusCode != tt.status {
				t.Fatalf("expected status %d, got %v", tt.status, err)
			}
			if hits != tt.wantHits {
				t.Fatalf("expected %d attempts, got %d", tt.wantHits, hits)
			}
		})
	}
}

func TestNoRetryByDefault(t *testing.T) {
	hits := 0
	b := newTestServer(t, func(e *echo.Echo) {
		e.GET("/api/tasks", func(c echo.Context) error {
			hits++
			return c.NoContent(http.StatusServiceUnavailable)
		})
	})
	if _, err := b.ListTasks(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if hits != 1 {
		t.Fatalf("expected a single attempt, got %d", hits)
	}
}
