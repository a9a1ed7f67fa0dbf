package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/storage"
)

const streamKeepAlive = 30 * time.Second

// RegisterStream serves GET /api/tasks/stream, a server-sent event feed that
// pushes the caller's full task list on connect and after every change.
// Browsers cannot set headers on EventSource, so the token may also arrive as
// the "token" query parameter.
func RegisterStream(e *echo.Echo, repo storage.Repository, auth Authenticator, broker *storage.Broker, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	e.GET("/api/tasks/stream", streamTasks(repo, auth, broker, logger))
}

func streamTasks(repo storage.Repository, auth Authenticator, broker *storage.Broker, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("token"); header == "" && token != "" {
			header = "Bearer " + token
		}
		user, err := auth.UserIDFromAuthHeader(header)
		if err != nil {
			return writeError(c, http.StatusUnauthorized, err.Error(), "")
		}

		res := c.Response()
		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set(echo.HeaderCacheControl, "no-cache")
		res.Header().Set(echo.HeaderConnection, "keep-alive")
		res.Header().Set("X-Accel-Buffering", "no")
		flusher, ok := res.Writer.(http.Flusher)
		if !ok {
			return writeError(c, http.StatusInternalServerError, "stream unsupported", "")
		}
		res.WriteHeader(http.StatusOK)

		ctx := c.Request().Context()
		changes, cancel := broker.Subscribe(user)
		defer cancel()
		ticker := time.NewTicker(streamKeepAlive)
		defer ticker.Stop()

		entry := logger.WithField("user", user)
		send := true
		for {
			if send {
				tasks, err := repo.ListTasks(ctx, user)
				if err != nil {
					entry.WithError(err).Error("stream list tasks failed")
					return nil
				}
				data, err := sonic.Marshal(tasks)
				if err != nil {
					entry.WithError(err).Error("stream encode failed")
					return nil
				}
				if _, err := res.Write([]byte("event: tasks\ndata: ")); err != nil {
					return nil
				}
				if _, err := res.Write(data); err != nil {
					return nil
				}
				if _, err := res.Write([]byte("\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			}

			select {
			case <-ctx.Done():
				return nil
			case <-changes:
				send = true
			case <-ticker.C:
				send = false
				if _, err := res.Write([]byte(": keep-alive\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			}
		}
	}
}
