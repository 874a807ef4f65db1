// Package service assembles the store, checkpoint store, registry, safety
// enforcer, executors, migration runner and metrics into one explicitly
// constructed object. Nothing in it is global; a process may run several.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/raold/second-brain-sub001/internal/checkpoint"
	"github.com/raold/second-brain-sub001/internal/config"
	"github.com/raold/second-brain-sub001/internal/engine"
	"github.com/raold/second-brain-sub001/internal/events"
	"github.com/raold/second-brain-sub001/internal/metrics"
	"github.com/raold/second-brain-sub001/internal/migration"
	"github.com/raold/second-brain-sub001/internal/registry"
	"github.com/raold/second-brain-sub001/internal/safety"
	"github.com/raold/second-brain-sub001/internal/store"
	"github.com/raold/second-brain-sub001/internal/transform"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("service is closed")

// Option customizes a Service.
type Option func(*options)

type options struct {
	computer   transform.Computer
	logger     *zerolog.Logger
	migrations []migration.Migration
}

// WithComputer replaces the local derived-field computer.
func WithComputer(c transform.Computer) Option {
	return func(o *options) { o.computer = c }
}

// WithLogger sets the logger used by background components. Operations log
// through the logger carried by the submitting context.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// WithMigrations registers migrations in addition to the built-in catalog.
func WithMigrations(ms ...migration.Migration) Option {
	return func(o *options) { o.migrations = append(o.migrations, ms...) }
}

// Service is the submission-layer API over one brainops database.
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger

	db          *store.SQLite
	checkpoints *checkpoint.FileStore
	bus         *events.Bus
	registry    *registry.Registry
	safety      *safety.Enforcer
	executor    *engine.Executor
	runner      *migration.Runner
	metrics     *metrics.Collector

	mu      sync.Mutex
	closed  bool
	running sync.WaitGroup

	metricsDone chan struct{}
}

// New opens the database and checkpoint directory named by cfg and wires
// the components together. The caller must Close the service.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	logger := zerolog.Nop()
	if o.logger != nil {
		logger = *o.logger
	}
	if o.computer == nil {
		o.computer = transform.NewLocal()
	}

	db, err := store.OpenSQLite(ctx, cfg.Store.Path, cfg.Store.Options())
	if err != nil {
		return nil, err
	}
	cps, err := checkpoint.NewFileStore(cfg.Checkpoints.Dir, cfg.Checkpoints.Retention)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	history, err := newHistory(cfg, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	bus := events.NewBus()
	reg := registry.New(
		registry.WithPersister(db),
		registry.WithBus(bus),
		registry.WithLogger(logger),
	)
	enforcer := safety.New(cfg.Safety, cps, db, safety.WithLogger(logger))
	executor := engine.New(db,
		engine.WithLedger(db),
		engine.WithCheckpoints(cps),
		engine.WithComputer(o.computer),
		engine.WithRegistry(reg),
		engine.WithSafety(enforcer),
	)

	// Data migrations write one page per operation; the per-caller rate
	// window would otherwise cap the number of pages per hour.
	migrationSafety := cfg.Safety
	migrationSafety.Level = safety.LevelRelaxed
	migrationExecutor := engine.New(db,
		engine.WithLedger(db),
		engine.WithCheckpoints(cps),
		engine.WithComputer(o.computer),
		engine.WithRegistry(reg),
		engine.WithSafety(safety.New(migrationSafety, cps, db, safety.WithLogger(logger))),
	)

	runner := migration.NewRunner(history, migration.Env{
		Store:       db,
		Schema:      db,
		Executor:    migrationExecutor,
		Checkpoints: cps,
	}, migration.WithBus(bus))
	if err := runner.Register(append(migration.Builtin(), o.migrations...)...); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registering migrations: %w", err)
	}

	s := &Service{
		cfg:         cfg,
		logger:      logger,
		db:          db,
		checkpoints: cps,
		bus:         bus,
		registry:    reg,
		safety:      enforcer,
		executor:    executor,
		runner:      runner,
	}

	if cfg.Metrics.Enabled {
		collector, err := metrics.New(bus)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		s.metrics = collector
		s.metricsDone = make(chan struct{})
		ch, _ := bus.Subscribe(cfg.Metrics.EventBuffer)
		go func() {
			defer close(s.metricsDone)
			// Runs until the bus closes so buffered events are still counted.
			collector.Run(context.Background(), ch)
		}()
	}

	logger.Debug().
		Str("component", "service").
		Str("db", db.Path()).
		Str("checkpoints", cfg.Checkpoints.Dir).
		Str("history", cfg.Migrations.History).
		Msg("service started")
	return s, nil
}

func newHistory(cfg *config.Config, db *store.SQLite) (migration.HistoryStore, error) {
	if cfg.Migrations.History == config.HistoryFile {
		return migration.NewFileHistory(cfg.Migrations.HistoryFile)
	}
	return db, nil
}

// Close stops accepting work and asks running operations to stop. Each one
// finishes the batch it is writing, so Close waits for those commits before
// it flushes metrics and closes the database.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	live := s.registry.List("", 0)
	s.mu.Unlock()

	for _, p := range live {
		if !p.Status.IsTerminal() {
			s.registry.Cancel(p.OperationID)
		}
	}
	s.running.Wait()
	s.bus.Close()

	var errs []error
	if s.metricsDone != nil {
		<-s.metricsDone
		if path := s.cfg.Metrics.Textfile; path != "" {
			if err := s.writeMetricsTextfile(path); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing database: %w", err))
	}
	return errors.Join(errs...)
}

// writeMetricsTextfile replaces path with the current metric values.
func (s *Service) writeMetricsTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating metrics file: %w", err)
	}
	if err := s.metrics.WriteText(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing metrics file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Config returns the configuration the service was built from.
func (s *Service) Config() *config.Config { return s.cfg }

// Metrics returns the collector, or nil when metrics are disabled.
func (s *Service) Metrics() *metrics.Collector { return s.metrics }

// Safety returns the enforcer guarding submitted operations.
func (s *Service) Safety() *safety.Enforcer { return s.safety }

// Subscribe returns a channel of progress, completion and migration events
// and a function to stop the subscription. A subscriber that falls more
// than buffer events behind loses events rather than slowing operations.
func (s *Service) Subscribe(buffer int) (<-chan events.Event, func()) {
	return s.bus.Subscribe(buffer)
}

// DroppedEvents returns how many events slow subscribers have lost.
func (s *Service) DroppedEvents() uint64 { return s.bus.Dropped() }
