package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Top-level YAML config key names used for shallow merge.
const (
	keyLogging     = "logging"
	keyStore       = "store"
	keyOperations  = "operations"
	keySafety      = "safety"
	keyCheckpoints = "checkpoints"
	keyMigrations  = "migrations"
	keyMetrics     = "metrics"
)

// knownTopLevelKeys lists the YAML keys that correspond to Config fields.
// Keys not in this list are silently ignored during merge.
//
//nolint:gochecknoglobals // Compile-time constant lookup table.
var knownTopLevelKeys = map[string]bool{
	keyLogging:     true,
	keyStore:       true,
	keyOperations:  true,
	keySafety:      true,
	keyCheckpoints: true,
	keyMigrations:  true,
	keyMetrics:     true,
}

// ShallowMergeYAML loads a YAML file and merges its top-level keys onto
// the target Config. Keys present in the overlay replace entire sections
// in the target. Keys absent in the overlay are left unchanged.
func ShallowMergeYAML(target *Config, overlayPath string) error {
	if target == nil {
		return errors.New("nil target *Config in ShallowMergeYAML")
	}

	data, err := os.ReadFile(overlayPath)
	if err != nil {
		return fmt.Errorf("reading overlay file %s: %w", overlayPath, err)
	}

	var overlay map[string]yaml.Node
	if err = yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parsing overlay YAML from %s: %w", overlayPath, err)
	}

	// Empty or comment-only file: nothing to merge.
	if len(overlay) == 0 {
		return nil
	}

	defaults := New()
	for key, node := range overlay {
		if !knownTopLevelKeys[key] {
			continue
		}
		if err = unmarshalSection(target, defaults, key, &node); err != nil {
			return fmt.Errorf("applying overlay section %q: %w", key, err)
		}
	}

	return nil
}

// unmarshalSection decodes node into the field of target named by key. Each
// section is decoded onto a copy of its defaults, so the section is replaced
// as a whole and keys omitted inside it take the built-in default rather
// than the value from an earlier layer.
func unmarshalSection(target, defaults *Config, key string, node *yaml.Node) error {
	switch key {
	case keyLogging:
		v := defaults.Logging
		if err := node.Decode(&v); err != nil {
			return err
		}
		target.Logging = v
	case keyStore:
		v := defaults.Store
		if err := node.Decode(&v); err != nil {
			return err
		}
		target.Store = v
	case keyOperations:
		v := defaults.Operations
		if err := node.Decode(&v); err != nil {
			return err
		}
		target.Operations = v
	case keySafety:
		v := defaults.Safety
		if err := node.Decode(&v); err != nil {
			return err
		}
		target.Safety = v
	case keyCheckpoints:
		v := defaults.Checkpoints
		if err := node.Decode(&v); err != nil {
			return err
		}
		target.Checkpoints = v
	case keyMigrations:
		v := defaults.Migrations
		if err := node.Decode(&v); err != nil {
			return err
		}
		target.Migrations = v
	case keyMetrics:
		v := defaults.Metrics
		if err := node.Decode(&v); err != nil {
			return err
		}
		target.Metrics = v
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	return nil
}
