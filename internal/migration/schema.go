package migration

import (
	"context"
	"errors"
	"fmt"
)

// ErrIrreversible is returned when rolling back a migration that has no
// inverse.
var ErrIrreversible = errors.New("migration is not reversible")

// SchemaMigration applies Forward statements in one transaction. Backward,
// when set, is its inverse and also runs in one transaction.
type SchemaMigration struct {
	Meta     Metadata
	Forward  []string
	Backward []string
	Pre      Check
	Post     Check
}

// NewSchemaMigration builds a schema migration whose checksum covers its
// statements. meta.Kind and meta.Reversible are filled in.
func NewSchemaMigration(meta Metadata, forward, backward []string) *SchemaMigration {
	meta.Kind = KindSchema
	meta.Reversible = len(backward) > 0
	if meta.Checksum == "" {
		meta.Checksum = Checksum(append(append([]string{meta.ID}, forward...), backward...)...)
	}
	return &SchemaMigration{Meta: meta, Forward: forward, Backward: backward}
}

// Metadata implements Migration.
func (m *SchemaMigration) Metadata() Metadata { return m.Meta }

// ValidatePreconditions implements Migration.
func (m *SchemaMigration) ValidatePreconditions(ctx context.Context, env *Env) error {
	if env.Schema == nil {
		return errors.New("no schema executor configured")
	}
	return runCheck(ctx, env, m.Pre)
}

// Apply implements Migration.
func (m *SchemaMigration) Apply(ctx context.Context, env *Env) (State, error) {
	if len(m.Forward) == 0 || env.Config.DryRun {
		return State{}, nil
	}
	if err := env.Schema.ExecSchema(ctx, m.Forward); err != nil {
		return State{}, fmt.Errorf("applying schema: %w", err)
	}
	return State{SchemaApplied: true}, nil
}

// Rollback implements Migration.
func (m *SchemaMigration) Rollback(ctx context.Context, env *Env, state State) error {
	if len(m.Backward) == 0 {
		return ErrIrreversible
	}
	if !state.SchemaApplied {
		return nil
	}
	if err := env.Schema.ExecSchema(ctx, m.Backward); err != nil {
		return fmt.Errorf("reverting schema: %w", err)
	}
	return nil
}

// ValidatePostconditions implements Migration.
func (m *SchemaMigration) ValidatePostconditions(ctx context.Context, env *Env) error {
	return runCheck(ctx, env, m.Post)
}
