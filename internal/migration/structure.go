package migration

import (
	"context"
	"errors"
	"fmt"
)

// StructureMigration changes the schema and then rewrites data. Rollback
// reverses the data step before the schema step.
type StructureMigration struct {
	Meta   Metadata
	Schema *SchemaMigration
	Data   *DataMigration
}

// NewStructureMigration combines a schema and a data step. The checksum
// covers both steps; the migration is reversible when both are.
func NewStructureMigration(meta Metadata, schema *SchemaMigration, data *DataMigration) *StructureMigration {
	meta.Kind = KindStructure
	meta.Reversible = (schema == nil || schema.Meta.Reversible) && (data == nil || data.Meta.Reversible)
	if meta.Checksum == "" {
		var parts []string
		parts = append(parts, meta.ID)
		if schema != nil {
			parts = append(parts, schema.Meta.Checksum)
		}
		if data != nil {
			parts = append(parts, data.Meta.Checksum)
		}
		meta.Checksum = Checksum(parts...)
	}
	return &StructureMigration{Meta: meta, Schema: schema, Data: data}
}

// Metadata implements Migration.
func (m *StructureMigration) Metadata() Metadata { return m.Meta }

// ValidatePreconditions implements Migration.
func (m *StructureMigration) ValidatePreconditions(ctx context.Context, env *Env) error {
	if m.Schema != nil {
		if err := m.Schema.ValidatePreconditions(ctx, env); err != nil {
			return fmt.Errorf("schema step: %w", err)
		}
	}
	if m.Data != nil {
		if err := m.Data.ValidatePreconditions(ctx, env); err != nil {
			return fmt.Errorf("data step: %w", err)
		}
	}
	return nil
}

// Apply implements Migration.
func (m *StructureMigration) Apply(ctx context.Context, env *Env) (State, error) {
	var state State
	if m.Schema != nil && (env.Resume == nil || !env.Resume.SchemaApplied) {
		s, err := m.Schema.Apply(ctx, env)
		state.SchemaApplied = s.SchemaApplied
		if err != nil {
			return state, fmt.Errorf("schema step: %w", err)
		}
	} else if env.Resume != nil {
		state.SchemaApplied = env.Resume.SchemaApplied
	}
	if m.Data == nil {
		return state, nil
	}
	d, err := m.Data.Apply(ctx, env)
	d.SchemaApplied = state.SchemaApplied
	if err != nil {
		return d, fmt.Errorf("data step: %w", err)
	}
	return d, nil
}

// Rollback implements Migration.
func (m *StructureMigration) Rollback(ctx context.Context, env *Env, state State) error {
	var errs []error
	if m.Data != nil {
		if err := m.Data.Rollback(ctx, env, state); err != nil {
			errs = append(errs, fmt.Errorf("data step: %w", err))
		}
	}
	if m.Schema != nil && len(errs) == 0 {
		if err := m.Schema.Rollback(ctx, env, state); err != nil {
			errs = append(errs, fmt.Errorf("schema step: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ValidatePostconditions implements Migration.
func (m *StructureMigration) ValidatePostconditions(ctx context.Context, env *Env) error {
	if m.Schema != nil {
		if err := m.Schema.ValidatePostconditions(ctx, env); err != nil {
			return fmt.Errorf("schema step: %w", err)
		}
	}
	if m.Data != nil {
		if err := m.Data.ValidatePostconditions(ctx, env); err != nil {
			return fmt.Errorf("data step: %w", err)
		}
	}
	return nil
}
