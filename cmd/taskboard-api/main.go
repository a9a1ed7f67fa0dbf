// Command taskboard-api serves the task REST API and its event stream.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"taskboard/api"
	"taskboard/config"
	"taskboard/storage"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.WithError(err).Warn("tracer shutdown")
		}
	}()

	var repo storage.Repository
	if cfg.StorageConnectionString != "" {
		tables, err := storage.NewTables(cfg.StorageConnectionString, cfg.TasksTable)
		if err != nil {
			logger.Fatalf("storage: %v", err)
		}
		repo = tables
	} else {
		logger.Warn("STORAGE_CONNECTION_STRING not set - tasks are kept in memory")
		repo = storage.NewMemory()
	}

	broker := storage.NewBroker()
	publishers := storage.Publishers{}
	var deduper api.Deduper = api.NewMemoryDeduper(cfg.DeduperTTL)

	if cfg.RedisConnectionString != "" {
		redisOpts, err := config.RedisOptions(cfg.RedisConnectionString)
		if err != nil {
			logger.Fatalf("redis: %v", err)
		}
		rc := redis.NewClient(redisOpts)
		defer rc.Close()
		repo = storage.NewCache(repo, rc, cfg.CacheTTL)
		deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
		// every instance relays the shared channel into its local broker
		publishers = append(publishers, storage.NewRedisPublisher(rc, cfg.EventsChannel))
		go storage.RelayRedis(ctx, logger, rc, cfg.EventsChannel, broker)
	} else {
		publishers = append(publishers, broker)
	}

	if cfg.TaskEventsQueue != "" {
		if cfg.StorageConnectionString == "" {
			logger.Fatal("TASK_EVENTS_QUEUE requires STORAGE_CONNECTION_STRING")
		}
		qp, err := storage.NewQueuePublisher(cfg.StorageConnectionString, cfg.TaskEventsQueue)
		if err != nil {
			logger.Fatalf("queue: %v", err)
		}
		publishers = append(publishers, qp)
	}

	authCfg := api.AuthConfig{
		Audience:     cfg.Auth0Audience,
		Issuer:       cfg.Issuer(),
		LocalMode:    cfg.LocalAuthMode,
		SharedSecret: cfg.LocalAuthSecret,
		KeyCacheTTL:  cfg.JWKSCacheTTL,
	}
	var jwks *keyfunc.JWKS
	if cfg.LocalAuthMode == "" {
		jwks, err = keyfunc.Get(cfg.JWKSURL(), keyfunc.Options{RefreshUnknownKID: true})
		if err != nil {
			logger.Fatalf("jwks: %v", err)
		}
		defer jwks.EndBackground()
	}
	auth, err := api.NewAuth(jwks, authCfg)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.AllowedOrigins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding, "Idempotency-Key"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete},
	}))

	if cfg.Debug {
		pprof.Register(e)
	}
	api.Register(e, repo, auth, publishers, logger, api.WithDeduper(deduper))
	api.RegisterStream(e, repo, auth, broker, logger)

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown")
	}
}
