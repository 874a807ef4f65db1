package service

import (
	"context"

	"github.com/raold/second-brain-sub001/internal/migration"
)

// MigrationRunConfig returns the configured run settings.
func (s *Service) MigrationRunConfig() (migration.RunConfig, error) {
	return s.cfg.Migrations.ToRunConfig()
}

// ExecuteMigration runs one registered migration.
func (s *Service) ExecuteMigration(ctx context.Context, id string, cfg migration.RunConfig) (*migration.Result, error) {
	return s.runner.ExecuteMigration(ctx, id, cfg)
}

// ExecutePending runs every pending migration, optionally of one kind, in
// dependency order.
func (s *Service) ExecutePending(ctx context.Context, cfg migration.RunConfig, kind migration.Kind) ([]*migration.Result, error) {
	return s.runner.ExecutePending(ctx, cfg, kind)
}

// RollbackMigration undoes a completed reversible migration.
func (s *Service) RollbackMigration(ctx context.Context, id string) (*migration.Result, error) {
	return s.runner.RollbackMigration(ctx, id)
}

// MigrationStatus lists registered migrations with their history.
func (s *Service) MigrationStatus(ctx context.Context) ([]migration.StatusEntry, error) {
	return s.runner.Status(ctx)
}
