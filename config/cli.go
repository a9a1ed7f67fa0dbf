package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAPIURL  = "http://localhost:8080"
	DefaultTimeout = 15 * time.Second
	cliFileName    = ".taskboard.yaml"
)

// CLI is the command-line client's configuration. Values come from the YAML
// file, then TASKBOARD_* environment variables, then flags.
type CLI struct {
	APIURL      string        `yaml:"api_url"`
	Token       string        `yaml:"token"`
	SnapshotDir string        `yaml:"snapshot_dir"`
	RedisURL    string        `yaml:"redis_url"`
	Offline     bool          `yaml:"offline"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DefaultCLIPath is ~/.taskboard.yaml, or empty when there is no home dir.
func DefaultCLIPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, cliFileName)
}

func defaultSnapshotDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "taskboard")
	}
	return filepath.Join(dir, "taskboard")
}

// LoadCLI reads path and applies environment overrides. A missing file is
// only an error when required is set.
func LoadCLI(path string, required bool) (CLI, error) {
	cfg := CLI{
		APIURL:      DefaultAPIURL,
		SnapshotDir: defaultSnapshotDir(),
		Timeout:     DefaultTimeout,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !required:
		default:
			return cfg, err
		}
	}

	cfg.APIURL = EnvString("TASKBOARD_API_URL", cfg.APIURL)
	cfg.Token = EnvString("TASKBOARD_TOKEN", cfg.Token)
	cfg.SnapshotDir = EnvString("TASKBOARD_SNAPSHOT_DIR", cfg.SnapshotDir)
	cfg.RedisURL = EnvString("TASKBOARD_REDIS_URL", cfg.RedisURL)

	var errs []error
	var err error
	if cfg.Offline, err = EnvBool("TASKBOARD_OFFLINE", cfg.Offline); err != nil {
		errs = append(errs, err)
	}
	if cfg.Timeout, err = EnvDur("TASKBOARD_TIMEOUT", cfg.Timeout); err != nil {
		errs = append(errs, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return cfg, errors.Join(errs...)
}

// Save writes cfg to path as YAML with owner-only permissions since it may
// hold a token.
func (c CLI) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
