package api

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/storage"
)

type Option func(*handler)

func WithClock(now func() time.Time) Option {
	return func(h *handler) {
		if now != nil {
			h.now = now
		}
	}
}

func WithIDGenerator(gen func() string) Option {
	return func(h *handler) {
		if gen != nil {
			h.newID = gen
		}
	}
}

// WithDeduper makes POST /api/tasks honour the Idempotency-Key header.
func WithDeduper(d Deduper) Option {
	return func(h *handler) { h.dedupe = d }
}

type handler struct {
	repo   storage.Repository
	events storage.Publisher
	dedupe Deduper
	log    *log.Logger
	now    func() time.Time
	newID  func() string

	// writes for one user are serialized so read-modify-write cycles such as
	// reorder never interleave; users share a fixed set of stripes
	userLocks [userLockStripes]sync.Mutex
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

type reorderRequest struct {
	IDs []string `json:"ids"`
}

type subtaskRequest struct {
	Title string `json:"title"`
}

// Register wires the task routes on e.
func Register(e *echo.Echo, repo storage.Repository, auth Authenticator, publisher storage.Publisher, logger *log.Logger, opts ...Option) {
	if publisher == nil {
		publisher = storage.NopPublisher{}
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	h := &handler{
		repo:   repo,
		events: publisher,
		log:    logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}

	e.GET("/healthz", healthz)

	g := e.Group("/api/tasks", RequestMetrics(logger), GzipRequestMiddleware(), RequireUser(auth))
	g.GET("", h.listTasks)
	g.POST("", h.createTask)
	g.PUT("/order", h.reorderTasks)
	g.PATCH("/:id", h.updateTask)
	g.DELETE("/:id", h.deleteTask)
	g.POST("/:id/subtasks", h.addSubtask)
	g.PATCH("/:id/subtasks/:sid", h.updateSubtask)
	g.DELETE("/:id/subtasks/:sid", h.deleteSubtask)
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

var (
	errBodyTooLarge    = errors.New("request body too large")
	errInvalidBody     = errors.New("invalid body")
	errSubtaskNotFound = errors.New("subtask not found")
)

func writeJSON(c echo.Context, status int, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		metricsFrom(c).SetErrorStage("encode_response")
		return err
	}
	return c.JSONBlob(status, data)
}

func writeError(c echo.Context, status int, msg, field string) error {
	return writeJSON(c, status, errorResponse{Error: msg, Field: field})
}

func decodeBody(c echo.Context, v any) error {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize+1))
	if err != nil {
		return errInvalidBody
	}
	if len(data) > maxBodySize {
		return errBodyTooLarge
	}
	if err := sonic.Unmarshal(data, v); err != nil {
		return errInvalidBody
	}
	return nil
}

// fail maps an error to its HTTP response.
func (h *handler) fail(c echo.Context, err error) error {
	m := metricsFrom(c)
	var ve *domain.ValidationError
	switch {
	case errors.Is(err, errBodyTooLarge):
		m.SetErrorStage("decode")
		return writeError(c, http.StatusRequestEntityTooLarge, err.Error(), "")
	case errors.Is(err, errInvalidBody):
		m.SetErrorStage("decode")
		return writeError(c, http.StatusBadRequest, err.Error(), "")
	case errors.As(err, &ve):
		m.SetErrorStage("validation")
		return writeError(c, http.StatusBadRequest, ve.Message, ve.Field)
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, errSubtaskNotFound):
		m.SetErrorStage("not_found")
		return writeError(c, http.StatusNotFound, err.Error(), "")
	default:
		m.SetErrorStage("storage")
		h.log.WithError(err).WithField("user", userID(c)).Error("task request failed")
		return writeError(c, http.StatusInternalServerError, "internal error", "")
	}
}

const userLockStripes = 64

func userStripe(id string) int {
	f := fnv.New32a()
	_, _ = f.Write([]byte(id))
	return int(f.Sum32() % userLockStripes)
}

func (h *handler) lockUser(id string) func() {
	mu := &h.userLocks[userStripe(id)]
	mu.Lock()
	return mu.Unlock
}

// publish reports a committed change. Delivery failures never fail the request.
func (h *handler) publish(ctx context.Context, user string, typ storage.EventType, taskID string) {
	ev := storage.TaskEvent{UserID: user, TaskID: taskID, Type: typ, Time: h.now().UTC()}
	if err := h.events.Publish(ctx, ev); err != nil {
		h.log.WithError(err).WithField("event", typ).Warn("publish task event failed")
	}
}

func (h *handler) listTasks(c echo.Context) error {
	m := metricsFrom(c)
	start := time.Now()
	tasks, err := h.repo.ListTasks(c.Request().Context(), userID(c))
	m.ObserveStore(time.Since(start))
	if err != nil {
		return h.fail(c, err)
	}
	m.SetTasksReturned(len(tasks))
	return writeJSON(c, http.StatusOK, tasks)
}

func (h *handler) createTask(c echo.Context) error {
	var in domain.TaskInput
	if err := decodeBody(c, &in); err != nil {
		return h.fail(c, err)
	}
	now := h.now().UTC()
	if err := domain.ValidateInput(in, now); err != nil {
		return h.fail(c, err)
	}
	key := strings.TrimSpace(c.Request().Header.Get(idempotencyHeader))
	if len(key) > maxIdempotencyKeyLen {
		return writeError(c, http.StatusBadRequest, "idempotency key too long", idempotencyHeader)
	}

	ctx, user := c.Request().Context(), userID(c)
	defer h.lockUser(user)()

	id := h.newID()
	if key != "" && h.dedupe != nil {
		existing, claimed, err := h.dedupe.Claim(ctx, user, key, id)
		if err != nil {
			metricsFrom(c).SetErrorStage("idempotency")
			return h.fail(c, err)
		}
		if !claimed {
			task, err := h.repo.GetTask(ctx, user, existing)
			if err != nil {
				return h.fail(c, err)
			}
			return writeJSON(c, http.StatusOK, task)
		}
	}

	start := time.Now()
	existing, err := h.repo.ListTasks(ctx, user)
	if err == nil {
		task := domain.NewTask(id, in, len(existing), now)
		if err = h.repo.PutTask(ctx, user, task); err == nil {
			metricsFrom(c).ObserveStore(time.Since(start))
			h.publish(ctx, user, storage.EventTaskCreated, task.ID)
			return writeJSON(c, http.StatusCreated, task)
		}
	}
	metricsFrom(c).ObserveStore(time.Since(start))
	if key != "" && h.dedupe != nil {
		if rerr := h.dedupe.Release(ctx, user, key); rerr != nil {
			h.log.WithError(rerr).Warn("unable to release idempotency key")
		}
	}
	return h.fail(c, err)
}

func (h *handler) updateTask(c echo.Context) error {
	var patch domain.TaskPatch
	if err := decodeBody(c, &patch); err != nil {
		return h.fail(c, err)
	}
	now := h.now().UTC()
	if err := domain.ValidatePatch(patch, now); err != nil {
		return h.fail(c, err)
	}

	ctx, user, id := c.Request().Context(), userID(c), c.Param("id")
	defer h.lockUser(user)()

	start := time.Now()
	defer func() { metricsFrom(c).ObserveStore(time.Since(start)) }()
	cur, err := h.repo.GetTask(ctx, user, id)
	if err != nil {
		return h.fail(c, err)
	}
	next := domain.ApplyPatch(cur, patch, now)
	if err := h.repo.PutTask(ctx, user, next); err != nil {
		return h.fail(c, err)
	}
	h.publish(ctx, user, storage.EventTaskUpdated, id)
	return writeJSON(c, http.StatusOK, next)
}

func (h *handler) deleteTask(c echo.Context) error {
	ctx, user, id := c.Request().Context(), userID(c), c.Param("id")
	defer h.lockUser(user)()

	start := time.Now()
	err := h.repo.DeleteTask(ctx, user, id)
	metricsFrom(c).ObserveStore(time.Since(start))
	if err != nil {
		return h.fail(c, err)
	}
	h.publish(ctx, user, storage.EventTaskDeleted, id)
	return c.NoContent(http.StatusNoContent)
}

// reorderTasks sets each listed task's order to its position. Tasks left out
// keep their relative order after the listed ones.
func (h *handler) reorderTasks(c echo.Context) error {
	var req reorderRequest
	if err := decodeBody(c, &req); err != nil {
		return h.fail(c, err)
	}

	ctx, user := c.Request().Context(), userID(c)
	defer h.lockUser(user)()

	start := time.Now()
	defer func() { metricsFrom(c).ObserveStore(time.Since(start)) }()
	tasks, err := h.repo.ListTasks(ctx, user)
	if err != nil {
		return h.fail(c, err)
	}

	byID := make(map[string]int, len(tasks))
	for i, t := range tasks {
		byID[t.ID] = i
	}
	seen := make(map[string]struct{}, len(req.IDs))
	ordered := make([]domain.Task, 0, len(tasks))
	for _, id := range req.IDs {
		i, ok := byID[id]
		if !ok {
			return h.fail(c, &domain.ValidationError{Field: "ids", Message: "unknown task id " + id})
		}
		if _, dup := seen[id]; dup {
			return h.fail(c, &domain.ValidationError{Field: "ids", Message: "duplicate task id " + id})
		}
		seen[id] = struct{}{}
		ordered = append(ordered, tasks[i])
	}
	for _, t := range tasks {
		if _, ok := seen[t.ID]; !ok {
			ordered = append(ordered, t)
		}
	}

	changed := make([]domain.Task, 0, len(ordered))
	for i := range ordered {
		if ordered[i].Order != i {
			ordered[i].Order = i
			changed = append(changed, ordered[i])
		}
	}
	if err := h.repo.PutTasks(ctx, user, changed); err != nil {
		return h.fail(c, err)
	}
	if len(changed) > 0 {
		h.publish(ctx, user, storage.EventTasksReordered, "")
	}
	metricsFrom(c).SetTasksReturned(len(ordered))
	return writeJSON(c, http.StatusOK, ordered)
}

func (h *handler) addSubtask(c echo.Context) error {
	var req subtaskRequest
	if err := decodeBody(c, &req); err != nil {
		return h.fail(c, err)
	}
	title, err := domain.ValidateSubtaskTitle(req.Title)
	if err != nil {
		return h.fail(c, err)
	}

	ctx, user, id := c.Request().Context(), userID(c), c.Param("id")
	defer h.lockUser(user)()

	start := time.Now()
	defer func() { metricsFrom(c).ObserveStore(time.Since(start)) }()
	task, err := h.repo.GetTask(ctx, user, id)
	if err != nil {
		return h.fail(c, err)
	}
	now := h.now().UTC()
	st := domain.Subtask{ID: h.newID(), TaskID: task.ID, Title: title, CreatedAt: now, Order: len(task.Subtasks)}
	task.Subtasks = append(task.Subtasks, st)
	task.UpdatedAt = now
	if err := h.repo.PutTask(ctx, user, task); err != nil {
		return h.fail(c, err)
	}
	h.publish(ctx, user, storage.EventSubtaskAdded, id)
	return writeJSON(c, http.StatusCreated, st)
}

func (h *handler) updateSubtask(c echo.Context) error {
	var patch domain.SubtaskPatch
	if err := decodeBody(c, &patch); err != nil {
		return h.fail(c, err)
	}
	if err := domain.ValidateSubtaskPatch(patch); err != nil {
		return h.fail(c, err)
	}

	ctx, user, id, sid := c.Request().Context(), userID(c), c.Param("id"), c.Param("sid")
	defer h.lockUser(user)()

	start := time.Now()
	defer func() { metricsFrom(c).ObserveStore(time.Since(start)) }()
	task, err := h.repo.GetTask(ctx, user, id)
	if err != nil {
		return h.fail(c, err)
	}
	i := task.SubtaskIndex(sid)
	if i < 0 {
		return h.fail(c, errSubtaskNotFound)
	}
	task.Subtasks[i] = domain.ApplySubtaskPatch(task.Subtasks[i], patch)
	task.UpdatedAt = h.now().UTC()
	if err := h.repo.PutTask(ctx, user, task); err != nil {
		return h.fail(c, err)
	}
	h.publish(ctx, user, storage.EventSubtaskUpdated, id)
	return writeJSON(c, http.StatusOK, task.Subtasks[i])
}

func (h *handler) deleteSubtask(c echo.Context) error {
	ctx, user, id, sid := c.Request().Context(), userID(c), c.Param("id"), c.Param("sid")
	defer h.lockUser(user)()

	start := time.Now()
	defer func() { metricsFrom(c).ObserveStore(time.Since(start)) }()
	task, err := h.repo.GetTask(ctx, user, id)
	if err != nil {
		return h.fail(c, err)
	}
	i := task.SubtaskIndex(sid)
	if i < 0 {
		return h.fail(c, errSubtaskNotFound)
	}
	task.Subtasks = append(task.Subtasks[:i], task.Subtasks[i+1:]...)
	task.UpdatedAt = h.now().UTC()
	if err := h.repo.PutTask(ctx, user, task); err != nil {
		return h.fail(c, err)
	}
	h.publish(ctx, user, storage.EventSubtaskDeleted, id)
	return c.NoContent(http.StatusNoContent)
}
