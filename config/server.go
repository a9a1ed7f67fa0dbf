package config

import (
	"errors"
	"time"
)

// Server is the reference API server's configuration.
type Server struct {
	Debug bool
	Port  string

	StorageConnectionString string
	TasksTable              string
	TaskEventsQueue         string

	RedisConnectionString string
	CacheTTL              time.Duration
	DeduperTTL            time.Duration
	EventsChannel         string

	Auth0Domain     string
	Auth0Audience   string
	LocalAuthMode   string
	LocalAuthSecret string
	JWKSCacheTTL    time.Duration
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// LoadServer reads the server configuration from the environment.
func LoadServer() (Server, error) {
	var (
		s    Server
		err  error
		errs []error
	)
	collect := func(e error) {
		if e != nil {
			errs = append(errs, e)
		}
	}

	s.Debug, err = EnvBool("DEBUG", false)
	collect(err)
	s.Port = EnvString("FUNCTIONS_CUSTOMHANDLER_PORT", "8080")

	s.StorageConnectionString = EnvString("STORAGE_CONNECTION_STRING", "")
	s.TasksTable = EnvString("TASKS_TABLE", "Tasks")
	s.TaskEventsQueue = EnvString("TASK_EVENTS_QUEUE", "")

	s.RedisConnectionString = EnvString("REDIS_CONNECTION_STRING", "")
	s.CacheTTL, err = EnvDur("CACHE_TTL", 5*time.Minute)
	collect(err)
	s.DeduperTTL, err = EnvDur("DEDUPER_TTL", 24*time.Hour)
	collect(err)
	s.EventsChannel = EnvString("TASK_EVENTS_CHANNEL", "task-events")

	s.Auth0Domain = EnvString("AUTH0_DOMAIN", "")
	s.Auth0Audience = EnvString("AUTH0_AUDIENCE", "")
	s.LocalAuthMode = EnvString("LOCAL_AUTH_MODE", "")
	s.LocalAuthSecret = EnvString("LOCAL_AUTH_SHARED_SECRET", "")
	s.JWKSCacheTTL, err = EnvDur("JWKS_CACHE_TTL", 15*time.Minute)
	collect(err)
	s.AllowedOrigins = []string{EnvString("CORS_ALLOWED_ORIGIN", "*")}
	s.ShutdownTimeout, err = EnvDur("SHUTDOWN_TIMEOUT", 10*time.Second)
	collect(err)

	if s.LocalAuthMode == "" && (s.Auth0Domain == "" || s.Auth0Audience == "") {
		errs = append(errs, errors.New("missing Auth0 config: set AUTH0_DOMAIN and AUTH0_AUDIENCE or LOCAL_AUTH_MODE"))
	}
	return s, errors.Join(errs...)
}

// JWKSURL is the Auth0 tenant's key set endpoint.
func (s Server) JWKSURL() string {
	return "https://" + s.Auth0Domain + "/.well-known/jwks.json"
}

func (s Server) Issuer() string {
	if s.Auth0Domain == "" {
		return ""
	}
	return "https://" + s.Auth0Domain + "/"
}
