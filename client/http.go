package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const (
	defaultTimeout    = 15 * time.Second
	defaultRetryDelay = 250 * time.Millisecond
	maxResponseSize   = 4 << 20

	// IdempotencyHeader lets the API recognise a retried create.
	IdempotencyHeader = "Idempotency-Key"
)

// HTTPBackend implements TaskBackend against the REST API.
type HTTPBackend struct {
	baseURL    string
	token      string
	http       *http.Client
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	newKey     func() string
	logger     *log.Logger
}

// HTTPOption configures an HTTPBackend.
type HTTPOption func(*HTTPBackend)

// WithToken sends token as a bearer credential.
func WithToken(token string) HTTPOption {
	return func(b *HTTPBackend) { b.token = token }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(b *HTTPBackend) { b.http = c }
}

// WithTimeout bounds every request. Zero disables the per-request bound.
func WithTimeout(d time.Duration) HTTPOption {
	return func(b *HTTPBackend) { b.timeout = d }
}

// WithRetries sets how many times a safe request is repeated after a
// transport failure or a 502, 503 or 504, waiting delay times the attempt
// number in between. Creates count as safe because they carry an idempotency
// key. Requests are not retried unless this option is given.
func WithRetries(n int, delay time.Duration) HTTPOption {
	return func(b *HTTPBackend) {
		b.retries = max(n, 0)
		b.retryDelay = delay
	}
}

func WithLogger(l *log.Logger) HTTPOption {
	return func(b *HTTPBackend) { b.logger = l }
}

// NewHTTPBackend creates a client for the API rooted at baseURL.
func NewHTTPBackend(baseURL string, opts ...HTTPOption) *HTTPBackend {
	b := &HTTPBackend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		http:       &http.Client{},
		timeout:    defaultTimeout,
		retryDelay: defaultRetryDelay,
		newKey:     uuid.NewString,
		logger:     log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *HTTPBackend) ListTasks(ctx context.Context) ([]domain.Task, error) {
	var ws []wireTask
	if err := b.do(ctx, http.MethodGet, "/api/tasks", nil, &ws); err != nil {
		return nil, err
	}
	return decodeTasks(ws)
}

func (b *HTTPBackend) CreateTask(ctx context.Context, in domain.TaskInput) (domain.Task, error) {
	var w wireTask
	hdr := http.Header{IdempotencyHeader: []string{b.newKey()}}
	if err := b.send(ctx, http.MethodPost, "/api/tasks", hdr, in, &w); err != nil {
		return domain.Task{}, err
	}
	return decodeTask(w)
}

func (b *HTTPBackend) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	var w wireTask
	if err := b.do(ctx, http.MethodPatch, taskPath(id), patch, &w); err != nil {
		return domain.Task{}, err
	}
	return decodeTask(w)
}

func (b *HTTPBackend) DeleteTask(ctx context.Context, id string) error {
	return b.do(ctx, http.MethodDelete, taskPath(id), nil, nil)
}

func (b *HTTPBackend) ReorderTasks(ctx context.Context, ids []string) ([]domain.Task, error) {
	var ws []wireTask
	if err := b.do(ctx, http.MethodPut, "/api/tasks/order", reorderRequest{IDs: ids}, &ws); err != nil {
		return nil, err
	}
	return decodeTasks(ws)
}

func (b *HTTPBackend) AddSubtask(ctx context.Context, taskID, title string) (domain.Subtask, error) {
	var w wireSubtask
	if err := b.do(ctx, http.MethodPost, taskPath(taskID)+"/subtasks", subtaskRequest{Title: title}, &w); err != nil {
		return domain.Subtask{}, err
	}
	return decodeSubtask(w, taskID)
}

func (b *HTTPBackend) UpdateSubtask(ctx context.Context, taskID, subtaskID string, patch domain.SubtaskPatch) (domain.Subtask, error) {
	var w wireSubtask
	if err := b.do(ctx, http.MethodPatch, subtaskPath(taskID, subtaskID), patch, &w); err != nil {
		return domain.Subtask{}, err
	}
	return decodeSubtask(w, taskID)
}

func (b *HTTPBackend) DeleteSubtask(ctx context.Context, taskID, subtaskID string) error {
	return b.do(ctx, http.MethodDelete, subtaskPath(taskID, subtaskID), nil, nil)
}

func taskPath(id string) string {
	return "/api/tasks/" + url.PathEscape(id)
}

func subtaskPath(taskID, subtaskID string) string {
	return taskPath(taskID) + "/subtasks/" + url.PathEscape(subtaskID)
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, body, out any) error {
	return b.send(ctx, method, path, nil, body, out)
}

func retryable(method string, hdr http.Header) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete:
		return true
	}
	return hdr.Get(IdempotencyHeader) != ""
}

func transient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	return errors.Is(err, errTransport)
}

func (b *HTTPBackend) send(ctx context.Context, method, path string, hdr http.Header, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = sonic.Marshal(body); err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}

	attempts := 1
	if retryable(method, hdr) {
		attempts += b.retries
	}
	var err error
	for attempt := 1; ; attempt++ {
		err = b.roundTrip(ctx, method, path, hdr, payload, out)
		if err == nil || attempt >= attempts || !transient(err) {
			break
		}
		b.logger.WithError(err).WithField("attempt", attempt).Debug("retrying tasks api request")
		select {
		case <-ctx.Done():
			return err
		case <-time.After(b.retryDelay * time.Duration(attempt)):
		}
	}
	return err
}

// errTransport marks failures where no response was read.
var errTransport = errors.New("transport failure")

func (b *HTTPBackend) roundTrip(ctx context.Context, method, path string, hdr http.Header, payload []byte, out any) error {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return err
	}
	for k, vs := range hdr {
		req.Header[k] = vs
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	start := time.Now()
	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w: %w", ErrRemote, method, path, errTransport, err)
	}
	defer resp.Body.Close()

	b.logger.WithFields(log.Fields{
		"method":     method,
		"path":       path,
		"status":     resp.StatusCode,
		"elapsed_ms": float64(time.Since(start)) / float64(time.Millisecond),
	}).Debug("tasks api request")

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: read %s %s: %w", ErrRemote, method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode}
		var er errorResponse
		if len(data) > 0 && sonic.Unmarshal(data, &er) == nil {
			se.Message = er.Error
		}
		return se
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrMalformedPayload, method, path, err)
	}
	return nil
}
