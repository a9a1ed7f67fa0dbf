// Package cli implements the taskboard command line client on top of the
// optimistic task store.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskboard/client"
	"taskboard/config"
	"taskboard/snapshot"
	"taskboard/store"
)

type app struct {
	cfgPath string
	cfg     config.CLI
	verbose bool

	apiURL      string
	token       string
	snapshotDir string
	redisURL    string
	offline     bool

	logger *log.Logger
	now    func() time.Time
	// newBackend builds the primary backend from the resolved configuration.
	newBackend func(config.CLI, *log.Logger) client.TaskBackend
}

func newApp() *app {
	return &app{
		logger: log.New(),
		now:    time.Now,
		newBackend: func(cfg config.CLI, logger *log.Logger) client.TaskBackend {
			return client.NewHTTPBackend(cfg.APIURL,
				client.WithToken(cfg.Token),
				client.WithTimeout(cfg.Timeout),
				client.WithLogger(logger))
		},
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "taskboard",
		Short:         "Manage your task board from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.configure(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", config.DefaultCLIPath(), "config file")
	pf.StringVar(&a.apiURL, "api", "", "task API base URL")
	pf.StringVar(&a.token, "token", "", "bearer token for the task API")
	pf.StringVar(&a.snapshotDir, "snapshot-dir", "", "directory for the offline snapshot")
	pf.StringVar(&a.redisURL, "redis", "", "keep the snapshot in Redis instead of a file")
	pf.BoolVar(&a.offline, "offline", false, "keep working with local data when the API is unreachable")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "log store activity")

	root.AddCommand(
		newListCmd(a),
		newAddCmd(a),
		newEditCmd(a),
		newDoneCmd(a),
		newRemoveCmd(a),
		newMoveCmd(a),
		newSubtaskCmd(a),
	)
	return root
}

// Execute runs the root command.
func Execute(version string) error {
	root := newRootCmd(newApp())
	root.Version = version
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// configure resolves file, environment and flag settings, in that order.
func (a *app) configure(cmd *cobra.Command) error {
	explicit := cmd.Flags().Changed("config")
	cfg, err := config.LoadCLI(a.cfgPath, explicit)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("api") {
		cfg.APIURL = a.apiURL
	}
	if flags.Changed("token") {
		cfg.Token = a.token
	}
	if flags.Changed("snapshot-dir") {
		cfg.SnapshotDir = a.snapshotDir
	}
	if flags.Changed("redis") {
		cfg.RedisURL = a.redisURL
	}
	if flags.Changed("offline") {
		cfg.Offline = a.offline
	}
	a.cfg = cfg

	a.logger.SetOutput(cmd.ErrOrStderr())
	a.logger.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	if a.verbose {
		a.logger.SetLevel(log.DebugLevel)
	} else {
		a.logger.SetLevel(log.ErrorLevel)
	}
	return nil
}

func (a *app) openSnapshot() (snapshot.Store, func(), error) {
	if a.cfg.RedisURL != "" {
		opts, err := config.RedisOptions(a.cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		rc := redis.NewClient(opts)
		return snapshot.NewRedis(rc, ""), func() { _ = rc.Close() }, nil
	}
	f, err := snapshot.NewFile(a.cfg.SnapshotDir, "")
	if err != nil {
		return nil, nil, err
	}
	return f, func() {}, nil
}

// session is an open store with its collection loaded.
type session struct {
	*store.Store
	out, errOut io.Writer
	close       func()
}

// open builds the store and loads the collection. A failed load is reported
// as a warning since the store already fell back to local data.
func (a *app) open(cmd *cobra.Command) (*session, error) {
	snap, closeSnap, err := a.openSnapshot()
	if err != nil {
		return nil, err
	}
	opts := []store.Option{
		store.WithLogger(a.logger),
		store.WithClock(a.now),
		store.WithSnapshot(snap),
	}
	if a.cfg.Offline {
		opts = append(opts, store.WithFallback(client.NewMockBackend(a.now)))
	}
	s := store.New(a.newBackend(a.cfg, a.logger), opts...)
	sess := &session{
		Store:  s,
		out:    cmd.OutOrStdout(),
		errOut: cmd.ErrOrStderr(),
		close: func() {
			s.Close()
			closeSnap()
		},
	}
	if err := s.LoadAll(cmd.Context()); err != nil {
		fmt.Fprintf(sess.errOut, "warning: could not reach the task API (%v); showing local data\n", err)
	}
	return sess, nil
}

func (a *app) withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	s, err := a.open(cmd)
	if err != nil {
		return err
	}
	defer s.close()
	return fn(cmd.Context(), s)
}
