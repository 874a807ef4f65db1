package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"

	"github.com/raold/second-brain-sub001/internal/events"
	"github.com/raold/second-brain-sub001/internal/logging"
	"github.com/raold/second-brain-sub001/internal/ops"
	"github.com/raold/second-brain-sub001/internal/store"
)

// RunConfig controls one execution request.
type RunConfig struct {
	// DryRun checks preconditions and counts what data migrations would
	// change without writing anything or touching history.
	DryRun bool `yaml:"dry_run" json:"dry_run"`

	// ContinueOnError keeps ExecutePending going after a failed migration.
	ContinueOnError bool `yaml:"continue_on_error" json:"continue_on_error"`

	// EnableRollback undoes a reversible migration whose apply or
	// postconditions failed.
	EnableRollback bool `yaml:"enable_rollback" json:"enable_rollback"`

	BatchSize       int           `yaml:"batch_size"       json:"batch_size"`
	MaxRetries      int           `yaml:"max_retries"      json:"max_retries"`
	ValidationLevel string        `yaml:"validation_level" json:"validation_level"`
	Timeout         time.Duration `yaml:"timeout"          json:"timeout"`

	// TargetVersion, when set, limits ExecutePending to migrations at or
	// below it.
	TargetVersion *semver.Version `yaml:"-" json:"target_version,omitempty"`
}

// DefaultRunConfig returns the configuration used by the CLI.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		EnableRollback:  true,
		BatchSize:       DefaultPageSize,
		MaxRetries:      2,
		ValidationLevel: "minimal",
		Timeout:         30 * time.Minute,
	}
}

// Result is the outcome of one execution or rollback request.
type Result struct {
	MigrationID   string        `json:"migration_id"`
	Name          string        `json:"name"`
	Version       string        `json:"version"`
	Status        Status        `json:"status"`
	AffectedItems int           `json:"affected_items"`
	ExecutionTime time.Duration `json:"execution_time"`
	DryRun        bool          `json:"dry_run,omitempty"`
	Warnings      []string      `json:"warnings,omitempty"`
	Error         string        `json:"error,omitempty"`

	// Err is the cause behind Error, for errors.Is.
	Err error `json:"-"`
}

// Failed reports whether the attempt left the migration unapplied.
func (r *Result) Failed() bool {
	return r.Status == StatusFailed || r.Status == StatusRolledBack
}

// StatusEntry is one row of Runner.Status.
type StatusEntry struct {
	ID            string     `json:"id"`
	Name          string     `json:"name,omitempty"`
	Version       string     `json:"version,omitempty"`
	Kind          Kind       `json:"kind,omitempty"`
	Status        Status     `json:"status"`
	AppliedAt     *time.Time `json:"applied_at,omitempty"`
	RolledBackAt  *time.Time `json:"rolled_back_at,omitempty"`
	AffectedItems int        `json:"affected_items"`
	Error         string     `json:"error,omitempty"`
	ChecksumDrift bool       `json:"checksum_drift,omitempty"`
	Registered    bool       `json:"registered"`
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithBus publishes a migration event for each finished attempt.
func WithBus(b *events.Bus) RunnerOption {
	return func(r *Runner) { r.bus = b }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// Runner executes registered migrations and records every attempt.
// Migrations run one at a time, including across concurrent callers.
type Runner struct {
	history HistoryStore
	env     Env
	bus     *events.Bus
	now     func() time.Time

	exec sync.Mutex

	mu         sync.RWMutex
	migrations map[string]Migration
}

// NewRunner creates a runner. env supplies the store, schema executor,
// batch executor and checkpoint store migrations run against.
func NewRunner(history HistoryStore, env Env, opts ...RunnerOption) *Runner {
	r := &Runner{
		history:    history,
		env:        env,
		now:        time.Now,
		migrations: make(map[string]Migration),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds migrations. Ids must be unique and metadata valid.
func (r *Runner) Register(ms ...Migration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range ms {
		meta := m.Metadata()
		if err := meta.Validate(); err != nil {
			return err
		}
		if _, dup := r.migrations[meta.ID]; dup {
			return fmt.Errorf("migration %s already registered", meta.ID)
		}
		r.migrations[meta.ID] = m
	}
	return nil
}

// Registered returns the metadata of every registered migration in
// dependency order, or sorted by id when the set has a cycle.
func (r *Runner) Registered() []Metadata {
	all := r.all()
	if ordered, err := Resolve(all); err == nil {
		all = ordered
	} else {
		sort.Slice(all, func(i, j int) bool { return all[i].Metadata().ID < all[j].Metadata().ID })
	}
	out := make([]Metadata, len(all))
	for i, m := range all {
		out[i] = m.Metadata()
	}
	return out
}

func (r *Runner) all() []Migration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Migration, 0, len(r.migrations))
	for _, m := range r.migrations {
		out = append(out, m)
	}
	return out
}

func (r *Runner) lookup(id string) (Migration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.migrations[id]
	if !ok {
		return nil, fmt.Errorf("migration %s: %w", id, ops.ErrNotFound)
	}
	return m, nil
}

// ExecuteMigration runs one migration. A migration already completed in
// history is skipped without writes. Every other attempt, failed ones
// included, is recorded in history unless cfg.DryRun is set.
func (r *Runner) ExecuteMigration(ctx context.Context, id string, cfg RunConfig) (*Result, error) {
	m, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	r.exec.Lock()
	defer r.exec.Unlock()
	return r.execute(ctx, m, cfg)
}

// ExecutePending runs every registered migration not yet completed, in
// dependency order, optionally limited to one kind. Unless
// cfg.ContinueOnError is set it stops after the first failure. A dependency
// cycle fails the whole request before anything runs.
func (r *Runner) ExecutePending(ctx context.Context, cfg RunConfig, kind Kind) ([]*Result, error) {
	r.exec.Lock()
	defer r.exec.Unlock()

	pending, err := r.pending(ctx, cfg, kind)
	if err != nil {
		return nil, err
	}
	ordered, err := Resolve(pending)
	if err != nil {
		return nil, err
	}

	logger := logging.FromContext(ctx).With().Str("component", "migration").Logger()
	logger.Info().Int("pending", len(ordered)).Bool("dry_run", cfg.DryRun).Msg("executing pending migrations")

	results := make([]*Result, 0, len(ordered))
	for _, m := range ordered {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := r.execute(ctx, m, cfg)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if res.Failed() && !cfg.ContinueOnError {
			logger.Warn().Str("migration_id", res.MigrationID).Msg("stopping after failed migration")
			break
		}
	}
	return results, nil
}

func (r *Runner) pending(ctx context.Context, cfg RunConfig, kind Kind) ([]Migration, error) {
	records, err := r.history.ListMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: listing migration history: %w", ops.ErrTransientStorage, err)
	}
	completed := make(map[string]bool, len(records))
	for _, rec := range records {
		completed[rec.MigrationID] = Status(rec.Status) == StatusCompleted
	}

	var out []Migration
	for _, m := range r.all() {
		meta := m.Metadata()
		if completed[meta.ID] {
			continue
		}
		if kind != "" && meta.Kind != kind {
			continue
		}
		if cfg.TargetVersion != nil && meta.Version.GreaterThan(cfg.TargetVersion) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// execute runs m. Callers hold r.exec.
func (r *Runner) execute(ctx context.Context, m Migration, cfg RunConfig) (*Result, error) {
	meta := m.Metadata()
	logger := logging.FromContext(ctx).With().
		Str("component", "migration").
		Str("operation", "execute").
		Str("migration_id", meta.ID).
		Logger()
	ctx = logger.WithContext(ctx)

	res := &Result{MigrationID: meta.ID, Name: meta.Name, Version: meta.Version.String(), DryRun: cfg.DryRun}

	prev, err := r.history.GetMigration(ctx, meta.ID)
	if err != nil && !errors.Is(err, ops.ErrNotFound) {
		return nil, fmt.Errorf("%w: reading history of %s: %w", ops.ErrTransientStorage, meta.ID, err)
	}
	if prev != nil && Status(prev.Status) == StatusCompleted {
		res.Status = StatusSkipped
		res.AffectedItems = prev.AffectedItems
		if prev.Checksum != "" && meta.Checksum != "" && prev.Checksum != meta.Checksum {
			w := fmt.Sprintf("checksum changed since apply (recorded %.12s, now %.12s)", prev.Checksum, meta.Checksum)
			res.Warnings = append(res.Warnings, w)
			logger.Warn().Str("recorded", prev.Checksum).Str("current", meta.Checksum).Msg("migration checksum drift")
		}
		logger.Info().Msg("migration already applied, skipping")
		return res, nil
	}

	started := r.now()
	rec := store.MigrationRecord{
		MigrationID: meta.ID,
		Status:      string(StatusRunning),
		Checksum:    meta.Checksum,
		Metadata:    encodeJSON(meta),
		Checkpoint:  prevCheckpoint(prev),
	}

	env := r.env
	env.MigrationID = meta.ID
	env.Config = cfg
	if prev != nil && Status(prev.Status) == StatusFailed {
		st, err := decodeState(prev.Checkpoint)
		if err != nil {
			// Starting over would repeat writes the lost state accounted for.
			logger.Error().Err(err).Msg("cannot continue failed attempt")
			return r.record(ctx, res, rec, StatusFailed, nil, started, err)
		}
		if st.Cursor != "" || st.SchemaApplied {
			env.Resume = &st
			logger.Info().Str("cursor", st.Cursor).Msg("continuing failed attempt")
		}
	}

	if err := r.checkDependencies(ctx, meta, cfg.DryRun); err != nil {
		return r.record(ctx, res, rec, StatusFailed, nil, started, err)
	}
	if err := m.ValidatePreconditions(ctx, &env); err != nil {
		return r.record(ctx, res, rec, StatusFailed, nil, started, fmt.Errorf("%w: %w", ops.ErrPrecondition, err))
	}

	if cfg.DryRun {
		state, err := m.Apply(ctx, &env)
		res.Status = StatusPending
		res.AffectedItems = state.Affected
		if err != nil {
			res.Error = err.Error()
			res.Err = err
		}
		logger.Info().Int("would_affect", state.Affected).Msg("dry run finished")
		return res, nil
	}

	if err := r.upsert(ctx, rec); err != nil {
		return nil, err
	}

	runCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	logger.Info().Str("kind", string(meta.Kind)).Str("version", res.Version).Msg("applying migration")
	state, applyErr := m.Apply(runCtx, &env)
	if applyErr == nil {
		if err := m.ValidatePostconditions(runCtx, &env); err != nil {
			applyErr = fmt.Errorf("%w: %w", ops.ErrPostcondition, err)
		}
	}
	if applyErr != nil {
		if errors.Is(applyErr, context.DeadlineExceeded) && runCtx.Err() != nil {
			applyErr = fmt.Errorf("%w: %w", ops.ErrTimeout, applyErr)
		}
		return r.rollbackOrFail(ctx, m, &env, res, rec, state, started, applyErr)
	}

	return r.record(ctx, res, rec, StatusCompleted, &state, started, nil)
}

// rollbackOrFail undoes a failed attempt when the migration is reversible
// and rollback is enabled, recording rolled_back; otherwise it records
// failed.
func (r *Runner) rollbackOrFail(ctx context.Context, m Migration, env *Env, res *Result, rec store.MigrationRecord,
	state State, started time.Time, cause error,
) (*Result, error) {
	logger := logging.FromContext(ctx)
	meta := m.Metadata()
	if !meta.Reversible || !env.Config.EnableRollback {
		logger.Error().Err(cause).Msg("migration failed")
		return r.record(ctx, res, rec, StatusFailed, &state, started, cause)
	}

	// The apply context may have expired; the inverse must still run.
	if err := m.Rollback(context.WithoutCancel(ctx), env, state); err != nil {
		logger.Error().Err(err).AnErr("cause", cause).Msg("automatic rollback failed")
		return r.record(ctx, res, rec, StatusFailed, &state, started, fmt.Errorf("%w; rollback failed: %w", cause, err))
	}
	logger.Warn().Err(cause).Msg("migration rolled back")
	now := r.now().UTC()
	rec.RolledBackAt = &now
	state.Affected = 0
	state.Cursor = ""
	return r.record(ctx, res, rec, StatusRolledBack, &state, started, cause)
}

// checkDependencies requires every dependency to be completed in history.
// A dry run accepts registered dependencies, since nothing is applied.
func (r *Runner) checkDependencies(ctx context.Context, meta Metadata, dryRun bool) error {
	for _, dep := range meta.Dependencies {
		if dryRun {
			if _, err := r.lookup(dep); err == nil {
				continue
			}
		}
		prev, err := r.history.GetMigration(ctx, dep)
		if err != nil && !errors.Is(err, ops.ErrNotFound) {
			return fmt.Errorf("%w: reading history of %s: %w", ops.ErrTransientStorage, dep, err)
		}
		if prev == nil || Status(prev.Status) != StatusCompleted {
			return fmt.Errorf("%w: %s requires %s", ops.ErrUnmetDependency, meta.ID, dep)
		}
	}
	return nil
}

// record finalizes res and writes the outcome to history. A nil state keeps
// the checkpoint already on rec, so a failure that happened before anything
// ran does not erase what an earlier attempt left to resume or undo.
func (r *Runner) record(ctx context.Context, res *Result, rec store.MigrationRecord, status Status,
	state *State, started time.Time, cause error,
) (*Result, error) {
	elapsed := r.now().Sub(started)
	res.Status = status
	res.ExecutionTime = elapsed
	if state != nil {
		res.AffectedItems = state.Affected
	}
	if cause != nil {
		res.Err = cause
		res.Error = ops.Truncate(cause.Error(), 2000)
	}

	if res.DryRun {
		return res, nil
	}

	rec.Status = string(status)
	rec.ExecutionTime = elapsed
	rec.Error = res.Error
	if state != nil {
		rec.AffectedItems = state.Affected
		rec.Checkpoint = encodeJSON(state)
	}
	if status == StatusCompleted {
		now := r.now().UTC()
		rec.AppliedAt = &now
	}
	if err := r.upsert(ctx, rec); err != nil {
		return res, err
	}

	r.bus.Publish(events.Migration(events.MigrationOutcome{
		MigrationID:   res.MigrationID,
		Status:        string(status),
		AffectedItems: res.AffectedItems,
		Duration:      elapsed,
		Error:         res.Error,
	}))

	level := zerolog.InfoLevel
	if status != StatusCompleted {
		level = zerolog.WarnLevel
	}
	logging.FromContext(ctx).WithLevel(level).
		Str("status", string(status)).
		Int("affected", res.AffectedItems).
		Dur("elapsed", elapsed).
		Msg("migration finished")
	return res, nil
}

func (r *Runner) upsert(ctx context.Context, rec store.MigrationRecord) error {
	rec.UpdatedAt = r.now().UTC()
	if err := r.history.UpsertMigration(context.WithoutCancel(ctx), rec); err != nil {
		return fmt.Errorf("%w: recording migration %s: %w", ops.ErrTransientStorage, rec.MigrationID, err)
	}
	return nil
}

// RollbackMigration undoes a completed migration using the state recorded
// when it was applied. Migrations that completed migrations depend on
// cannot be rolled back first. A failed migration may also be rolled back,
// which undoes whatever its last attempt wrote; that is how a rollback that
// failed part way is retried.
func (r *Runner) RollbackMigration(ctx context.Context, id string) (*Result, error) {
	m, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	r.exec.Lock()
	defer r.exec.Unlock()

	meta := m.Metadata()
	logger := logging.FromContext(ctx).With().
		Str("component", "migration").
		Str("operation", "rollback").
		Str("migration_id", id).
		Logger()
	ctx = logger.WithContext(ctx)

	if !meta.Reversible {
		return nil, fmt.Errorf("%s: %w", id, ErrIrreversible)
	}
	prev, err := r.history.GetMigration(ctx, id)
	if err != nil {
		return nil, err
	}
	if st := Status(prev.Status); st != StatusCompleted && st != StatusFailed {
		return nil, fmt.Errorf("%w: %s is %s, not completed", ops.ErrPrecondition, id, prev.Status)
	}
	if err := r.checkDependents(ctx, id); err != nil {
		return nil, err
	}

	started := r.now()
	res := &Result{MigrationID: id, Name: meta.Name, Version: meta.Version.String()}
	rec := *prev

	state, err := decodeState(prev.Checkpoint)
	if err != nil {
		logger.Error().Err(err).Msg("rollback refused")
		return r.record(ctx, res, rec, StatusFailed, nil, started, err)
	}

	env := r.env
	env.MigrationID = id
	env.Config = DefaultRunConfig()

	if err := m.Rollback(ctx, &env, state); err != nil {
		logger.Error().Err(err).Msg("rollback failed")
		return r.record(ctx, res, rec, StatusFailed, nil, started, fmt.Errorf("rollback failed: %w", err))
	}

	now := r.now().UTC()
	rec.RolledBackAt = &now
	return r.record(ctx, res, rec, StatusRolledBack, &State{}, started, nil)
}

func (r *Runner) checkDependents(ctx context.Context, id string) error {
	records, err := r.history.ListMigrations(ctx)
	if err != nil {
		return fmt.Errorf("%w: listing migration history: %w", ops.ErrTransientStorage, err)
	}
	completed := make(map[string]bool, len(records))
	for _, rec := range records {
		completed[rec.MigrationID] = Status(rec.Status) == StatusCompleted
	}
	for _, m := range r.all() {
		meta := m.Metadata()
		if !completed[meta.ID] {
			continue
		}
		for _, dep := range meta.Dependencies {
			if dep == id {
				return fmt.Errorf("%w: %s depends on %s; roll it back first", ops.ErrPrecondition, meta.ID, id)
			}
		}
	}
	return nil
}

// Status reports every registered migration with its history, in
// dependency order, followed by history rows for unregistered ids.
func (r *Runner) Status(ctx context.Context) ([]StatusEntry, error) {
	records, err := r.history.ListMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: listing migration history: %w", ops.ErrTransientStorage, err)
	}
	byID := make(map[string]store.MigrationRecord, len(records))
	for _, rec := range records {
		byID[rec.MigrationID] = rec
	}

	var out []StatusEntry
	for _, meta := range r.Registered() {
		entry := StatusEntry{
			ID:         meta.ID,
			Name:       meta.Name,
			Version:    meta.Version.String(),
			Kind:       meta.Kind,
			Status:     StatusPending,
			Registered: true,
		}
		if rec, ok := byID[meta.ID]; ok {
			fillFromRecord(&entry, rec)
			entry.ChecksumDrift = entry.Status == StatusCompleted && rec.Checksum != "" && rec.Checksum != meta.Checksum
			delete(byID, meta.ID)
		}
		out = append(out, entry)
	}

	orphans := make([]string, 0, len(byID))
	for id := range byID {
		orphans = append(orphans, id)
	}
	sort.Strings(orphans)
	for _, id := range orphans {
		entry := StatusEntry{ID: id}
		fillFromRecord(&entry, byID[id])
		out = append(out, entry)
	}
	return out, nil
}

func fillFromRecord(e *StatusEntry, rec store.MigrationRecord) {
	e.Status = Status(rec.Status)
	e.AppliedAt = rec.AppliedAt
	e.RolledBackAt = rec.RolledBackAt
	e.AffectedItems = rec.AffectedItems
	e.Error = rec.Error
}

func prevCheckpoint(prev *store.MigrationRecord) json.RawMessage {
	if prev == nil {
		return nil
	}
	return prev.Checkpoint
}

// decodeState reads the state stored with a history record. An empty
// checkpoint is the zero State.
func decodeState(raw json.RawMessage) (State, error) {
	var st State
	if len(raw) == 0 || string(raw) == "null" {
		return st, nil
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("%w: migration state: %w", ops.ErrCheckpointCorrupted, err)
	}
	return st, nil
}

func encodeJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
