// Package config loads the brainops configuration file and applies
// environment overrides on top of it.
//
// Resolution order, lowest precedence first: built-in defaults, the user
// file (~/.brainops/config.yaml), an optional overlay file merged section by
// section, then BRAINOPS_* environment variables, then command-line flags
// applied by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/raold/second-brain-sub001/internal/checkpoint"
	"github.com/raold/second-brain-sub001/internal/migration"
	"github.com/raold/second-brain-sub001/internal/ops"
	"github.com/raold/second-brain-sub001/internal/safety"
	"github.com/raold/second-brain-sub001/internal/store"
	"github.com/raold/second-brain-sub001/internal/validation"
)

// Environment variables read by ResolvePath and ApplyEnv.
const (
	EnvHome             = "BRAINOPS_HOME"
	EnvConfig           = "BRAINOPS_CONFIG"
	EnvLogLevel         = "BRAINOPS_LOG_LEVEL"
	EnvLogFormat        = "BRAINOPS_LOG_FORMAT"
	EnvLogFile          = "BRAINOPS_LOG_FILE"
	EnvDB               = "BRAINOPS_DB"
	EnvCheckpointDir    = "BRAINOPS_CHECKPOINT_DIR"
	EnvSafetyLevel      = "BRAINOPS_SAFETY_LEVEL"
	EnvBatchSize        = "BRAINOPS_BATCH_SIZE"
	EnvValidationLevel  = "BRAINOPS_VALIDATION_LEVEL"
	EnvMigrationHistory = "BRAINOPS_MIGRATION_HISTORY"
	EnvMetricsTextfile  = "BRAINOPS_METRICS_TEXTFILE"
)

// Migration history backends.
const (
	HistorySQLite = "sqlite"
	HistoryFile   = "file"
)

const (
	homeDirName    = ".brainops"
	configFileName = "config.yaml"
)

// Validation errors.
var (
	ErrInvalidLogLevel       = errors.New("invalid log level")
	ErrInvalidLogFormat      = errors.New("invalid log format")
	ErrEmptyPath             = errors.New("path cannot be empty")
	ErrInvalidBatchSize      = errors.New("batch size must be positive")
	ErrInvalidWorkers        = errors.New("workers must be positive")
	ErrInvalidRetention      = errors.New("retention must be positive")
	ErrInvalidHistoryBackend = errors.New("migration history backend must be sqlite or file")
	ErrInvalidTargetVersion  = errors.New("invalid migration target version")
)

// StoreConfig locates the backing SQLite database.
type StoreConfig struct {
	Path         string        `yaml:"path"           json:"path"`
	MaxOpenConns int           `yaml:"max_open_conns" json:"max_open_conns"`
	BusyTimeout  time.Duration `yaml:"busy_timeout"   json:"busy_timeout"`
}

// Options converts the section to store options.
func (c StoreConfig) Options() store.Options {
	return store.Options{MaxOpenConns: c.MaxOpenConns, BusyTimeout: c.BusyTimeout}
}

// CheckpointConfig locates progress checkpoints and rollback points.
type CheckpointConfig struct {
	Dir       string        `yaml:"dir"       json:"dir"`
	Retention time.Duration `yaml:"retention" json:"retention"`
}

// MigrationConfig selects the history backend and the default run settings.
type MigrationConfig struct {
	History     string `yaml:"history"      json:"history"`
	HistoryFile string `yaml:"history_file" json:"history_file"`

	// TargetVersion caps `migrate up`; empty means no cap.
	TargetVersion string `yaml:"target_version,omitempty" json:"target_version,omitempty"`

	migration.RunConfig `yaml:",inline" json:",inline"`
}

// ToRunConfig returns the run settings with the target version parsed.
func (c MigrationConfig) ToRunConfig() (migration.RunConfig, error) {
	rc := c.RunConfig
	if c.TargetVersion == "" {
		return rc, nil
	}
	v, err := semver.NewVersion(c.TargetVersion)
	if err != nil {
		return rc, fmt.Errorf("%w %q: %w", ErrInvalidTargetVersion, c.TargetVersion, err)
	}
	rc.TargetVersion = v
	return rc, nil
}

// MetricsConfig controls the in-process Prometheus collector.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// EventBuffer is the collector's subscription buffer; events beyond it
	// are dropped and counted.
	EventBuffer int `yaml:"event_buffer" json:"event_buffer"`

	// Textfile, when set, receives the metrics in the Prometheus text format
	// when the service closes, for a node exporter textfile collector.
	Textfile string `yaml:"textfile,omitempty" json:"textfile,omitempty"`
}

// Config is the full brainops configuration.
type Config struct {
	Logging     LoggingConfig    `yaml:"logging"     json:"logging"`
	Store       StoreConfig      `yaml:"store"       json:"store"`
	Operations  ops.Config       `yaml:"operations"  json:"operations"`
	Safety      safety.Config    `yaml:"safety"      json:"safety"`
	Checkpoints CheckpointConfig `yaml:"checkpoints" json:"checkpoints"`
	Migrations  MigrationConfig  `yaml:"migrations"  json:"migrations"`
	Metrics     MetricsConfig    `yaml:"metrics"     json:"metrics"`
}

// HomeDir returns the brainops state directory: $BRAINOPS_HOME, or
// ~/.brainops, or a directory under the system temp dir when no home
// directory is available.
func HomeDir() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "brainops")
	}
	return filepath.Join(home, homeDirName)
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	return filepath.Join(HomeDir(), configFileName)
}

// ResolvePath picks the configuration file: the explicit path if given,
// then $BRAINOPS_CONFIG, then DefaultPath.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	return DefaultPath()
}

// New returns the built-in defaults rooted at HomeDir.
func New() *Config {
	return newWithHome(HomeDir())
}

func newWithHome(home string) *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Store: StoreConfig{
			Path:         filepath.Join(home, "brain.db"),
			MaxOpenConns: store.DefaultMaxOpenConns,
			BusyTimeout:  store.DefaultBusyTimeout,
		},
		Operations: ops.DefaultConfig(),
		Safety:     safety.DefaultConfig(),
		Checkpoints: CheckpointConfig{
			Dir:       filepath.Join(home, "checkpoints"),
			Retention: checkpoint.DefaultRetention,
		},
		Migrations: MigrationConfig{
			History:     HistorySQLite,
			HistoryFile: filepath.Join(home, "migrations.json"),
			RunConfig:   migration.DefaultRunConfig(),
		},
		Metrics: MetricsConfig{
			Enabled:     true,
			EventBuffer: 256,
		},
	}
}

// Load returns the defaults overlaid with the file at path. A missing file
// is not an error; the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := New()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("checking config file: %w", err)
	}
	if err := ShallowMergeYAML(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, replacing any existing file atomically.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err = os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}

// ApplyEnv overrides settings from BRAINOPS_* environment variables.
// Unset and empty variables leave the current value alone.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv(EnvLogFile); v != "" {
		c.Logging.File = v
	}
	if v := os.Getenv(EnvDB); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv(EnvCheckpointDir); v != "" {
		c.Checkpoints.Dir = v
	}
	if v := os.Getenv(EnvSafetyLevel); v != "" {
		level, err := safety.ParseLevel(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSafetyLevel, err)
		}
		c.Safety.Level = level
	}
	if v := os.Getenv(EnvBatchSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvBatchSize, err)
		}
		c.Operations.BatchSize = n
	}
	if v := os.Getenv(EnvValidationLevel); v != "" {
		c.Operations.ValidationLevel = v
	}
	if v := os.Getenv(EnvMigrationHistory); v != "" {
		c.Migrations.History = strings.ToLower(v)
	}
	if v := os.Getenv(EnvMetricsTextfile); v != "" {
		c.Metrics.Textfile = v
	}
	return nil
}

// Validate checks the configuration. The first problem found is returned,
// wrapping one of the sentinel errors above or a parse error from the
// owning package.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store: %w", ErrEmptyPath)
	}
	if c.Checkpoints.Dir == "" {
		return fmt.Errorf("checkpoints: %w", ErrEmptyPath)
	}
	if c.Checkpoints.Retention <= 0 {
		return fmt.Errorf("checkpoints: %w", ErrInvalidRetention)
	}
	if c.Operations.BatchSize <= 0 {
		return fmt.Errorf("operations: %w", ErrInvalidBatchSize)
	}
	if c.Operations.Workers <= 0 {
		return fmt.Errorf("operations: %w", ErrInvalidWorkers)
	}
	if _, err := validation.ParseLevel(c.Operations.ValidationLevel); err != nil {
		return fmt.Errorf("operations: %w", err)
	}
	if _, err := ops.ParseFormat(string(c.Operations.Format)); err != nil {
		return fmt.Errorf("operations: %w", err)
	}
	if _, err := ops.ParseDuplicateStrategy(string(c.Operations.DuplicateStrategy)); err != nil {
		return fmt.Errorf("operations: %w", err)
	}
	if _, err := safety.ParseLevel(string(c.Safety.Level)); err != nil {
		return fmt.Errorf("safety: %w", err)
	}
	switch c.Migrations.History {
	case HistorySQLite:
	case HistoryFile:
		if c.Migrations.HistoryFile == "" {
			return fmt.Errorf("migrations: history_file: %w", ErrEmptyPath)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidHistoryBackend, c.Migrations.History)
	}
	if c.Migrations.BatchSize <= 0 {
		return fmt.Errorf("migrations: %w", ErrInvalidBatchSize)
	}
	if _, err := c.Migrations.ToRunConfig(); err != nil {
		return err
	}
	return nil
}
