package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raold/second-brain-sub001/internal/config"
	"github.com/raold/second-brain-sub001/internal/logging"
	"github.com/raold/second-brain-sub001/internal/ops"
	"github.com/raold/second-brain-sub001/internal/safety"
)

// writeOverlay is a test helper that writes YAML content to a temp file
// and returns its path.
func writeOverlay(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "overlay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestNew_Defaults(t *testing.T) {
	t.Setenv(config.EnvHome, "/var/lib/brainops")

	cfg := config.New()
	assert.Equal(t, "/var/lib/brainops/brain.db", cfg.Store.Path)
	assert.Equal(t, "/var/lib/brainops/checkpoints", cfg.Checkpoints.Dir)
	assert.Equal(t, "/var/lib/brainops/migrations.json", cfg.Migrations.HistoryFile)
	assert.Equal(t, config.HistorySQLite, cfg.Migrations.History)
	assert.Equal(t, ops.DefaultConfig(), cfg.Operations)
	assert.Equal(t, safety.LevelStandard, cfg.Safety.Level)
	assert.True(t, cfg.Migrations.EnableRollback)
	require.NoError(t, cfg.Validate())
}

func TestResolvePath(t *testing.T) {
	t.Setenv(config.EnvHome, "/home/brain")
	t.Setenv(config.EnvConfig, "")
	assert.Equal(t, "/home/brain/config.yaml", config.ResolvePath(""))

	t.Setenv(config.EnvConfig, "/etc/brainops.yaml")
	assert.Equal(t, "/etc/brainops.yaml", config.ResolvePath(""))
	assert.Equal(t, "explicit.yaml", config.ResolvePath("explicit.yaml"))
}

func TestLoad(t *testing.T) {
	t.Setenv(config.EnvHome, t.TempDir())

	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, config.New(), cfg)
	})

	t.Run("sections decode onto defaults", func(t *testing.T) {
		path := writeOverlay(t, `
operations:
  batch_size: 250
  timeout: 90s
safety:
  level: strict
migrations:
  history: file
  target_version: 1.1.0
  dry_run: true
`)
		cfg, err := config.Load(path)
		require.NoError(t, err)

		assert.Equal(t, 250, cfg.Operations.BatchSize)
		assert.Equal(t, 90*time.Second, cfg.Operations.Timeout)
		assert.Equal(t, ops.DefaultWorkers, cfg.Operations.Workers, "omitted keys keep their defaults")
		assert.Equal(t, safety.LevelStrict, cfg.Safety.Level)
		assert.Equal(t, safety.DefaultMaxOperationsPerHour, cfg.Safety.MaxOperationsPerHour)
		assert.Equal(t, config.HistoryFile, cfg.Migrations.History)
		assert.True(t, cfg.Migrations.DryRun)

		rc, err := cfg.Migrations.ToRunConfig()
		require.NoError(t, err)
		require.NotNil(t, rc.TargetVersion)
		assert.Equal(t, "1.1.0", rc.TargetVersion.String())
		require.NoError(t, cfg.Validate())
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := config.Load(writeOverlay(t, "operations: [unclosed"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parsing overlay YAML")
	})
}

func TestShallowMergeYAML(t *testing.T) {
	t.Setenv(config.EnvHome, t.TempDir())

	t.Run("section replaced, others unchanged", func(t *testing.T) {
		target := config.New()
		target.Logging.Level = "debug"
		target.Store.Path = "/data/custom.db"
		target.Operations.Workers = 9

		err := config.ShallowMergeYAML(target, writeOverlay(t, `
operations:
  batch_size: 10
`))
		require.NoError(t, err)

		assert.Equal(t, 10, target.Operations.BatchSize)
		assert.Equal(t, ops.DefaultWorkers, target.Operations.Workers,
			"a present section is replaced as a whole")
		assert.Equal(t, "debug", target.Logging.Level)
		assert.Equal(t, "/data/custom.db", target.Store.Path)
	})

	t.Run("unknown keys ignored", func(t *testing.T) {
		target := config.New()
		before := *target
		require.NoError(t, config.ShallowMergeYAML(target, writeOverlay(t, "plugins:\n  foo: bar\n")))
		assert.Equal(t, before, *target)
	})

	t.Run("empty file", func(t *testing.T) {
		target := config.New()
		require.NoError(t, config.ShallowMergeYAML(target, writeOverlay(t, "# nothing\n")))
	})

	t.Run("nil target", func(t *testing.T) {
		assert.Error(t, config.ShallowMergeYAML(nil, "unused"))
	})

	t.Run("missing file", func(t *testing.T) {
		err := config.ShallowMergeYAML(config.New(), filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(config.EnvHome, t.TempDir())
	t.Setenv(config.EnvLogLevel, "debug")
	t.Setenv(config.EnvDB, "/tmp/override.db")
	t.Setenv(config.EnvSafetyLevel, "MAXIMUM")
	t.Setenv(config.EnvBatchSize, "42")
	t.Setenv(config.EnvMigrationHistory, "File")

	cfg := config.New()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/tmp/override.db", cfg.Store.Path)
	assert.Equal(t, safety.LevelMaximum, cfg.Safety.Level)
	assert.Equal(t, 42, cfg.Operations.BatchSize)
	assert.Equal(t, config.HistoryFile, cfg.Migrations.History)

	t.Run("bad values", func(t *testing.T) {
		t.Setenv(config.EnvBatchSize, "many")
		assert.Error(t, config.New().ApplyEnv())

		t.Setenv(config.EnvBatchSize, "")
		t.Setenv(config.EnvSafetyLevel, "paranoid")
		assert.Error(t, config.New().ApplyEnv())
	})
}

func TestValidate(t *testing.T) {
	t.Setenv(config.EnvHome, t.TempDir())

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr error
	}{
		{"log level", func(c *config.Config) { c.Logging.Level = "loud" }, config.ErrInvalidLogLevel},
		{"log format", func(c *config.Config) { c.Logging.Format = "xml" }, config.ErrInvalidLogFormat},
		{"store path", func(c *config.Config) { c.Store.Path = "" }, config.ErrEmptyPath},
		{"checkpoint dir", func(c *config.Config) { c.Checkpoints.Dir = "" }, config.ErrEmptyPath},
		{"retention", func(c *config.Config) { c.Checkpoints.Retention = 0 }, config.ErrInvalidRetention},
		{"batch size", func(c *config.Config) { c.Operations.BatchSize = 0 }, config.ErrInvalidBatchSize},
		{"workers", func(c *config.Config) { c.Operations.Workers = -1 }, config.ErrInvalidWorkers},
		{"history backend", func(c *config.Config) { c.Migrations.History = "redis" }, config.ErrInvalidHistoryBackend},
		{"history file", func(c *config.Config) {
			c.Migrations.History = config.HistoryFile
			c.Migrations.HistoryFile = ""
		}, config.ErrEmptyPath},
		{"migration batch size", func(c *config.Config) { c.Migrations.BatchSize = 0 }, config.ErrInvalidBatchSize},
		{"target version", func(c *config.Config) { c.Migrations.TargetVersion = "one" }, config.ErrInvalidTargetVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.New()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.wantErr)
		})
	}

	t.Run("owning package parse errors", func(t *testing.T) {
		cfg := config.New()
		cfg.Operations.ValidationLevel = "extreme"
		assert.Error(t, cfg.Validate())

		cfg = config.New()
		cfg.Safety.Level = "lax"
		assert.Error(t, cfg.Validate())
	})
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv(config.EnvHome, t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := config.New()
	cfg.Operations.BatchSize = 77
	cfg.Safety.RateWindow = 30 * time.Minute
	cfg.Metrics.Textfile = "/var/lib/node_exporter/brainops.prom"
	require.NoError(t, cfg.Save(path))

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	_, err = os.Stat(path + ".tmp")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestToLoggingConfig(t *testing.T) {
	lc := config.LoggingConfig{Level: "warn", Format: "json"}
	got := lc.ToLoggingConfig()
	assert.Equal(t, logging.OutputStderr, got.Output)
	assert.Empty(t, got.File)

	lc.File = "/var/log/brainops.log"
	lc.Caller = true
	got = lc.ToLoggingConfig()
	assert.Equal(t, logging.Config{
		Level: "warn", Format: "json", Output: logging.OutputFile,
		File: "/var/log/brainops.log", Caller: true,
	}, got)
}
