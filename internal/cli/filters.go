package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/raold/second-brain-sub001/internal/logging"
	"github.com/raold/second-brain-sub001/internal/ops"
	"github.com/raold/second-brain-sub001/internal/store"
)

// Filter keys accepted by --filter.
const (
	filterID             = "id"
	filterType           = "type"
	filterHash           = "hash"
	filterContains       = "contains"
	filterMinImportance  = "min-importance"
	filterMaxImportance  = "max-importance"
	filterCreatedAfter   = "created-after"
	filterCreatedBefore  = "created-before"
	filterLimit          = "limit"
	filterMetadataPrefix = "meta."
)

// ParsePredicate builds a store predicate from "key=value" filter
// expressions. Repeated id, type and hash filters accumulate; metadata
// filters are written meta.<key>=<value>. Dates accept RFC 3339 timestamps
// or YYYY-MM-DD.
//
// All filters are validated before any is applied; the first invalid one is
// returned as an error wrapping ops.ErrValidation.
func ParsePredicate(ctx context.Context, filters []string) (store.Predicate, error) {
	log := logging.FromContext(ctx)
	var p store.Predicate

	for _, f := range filters {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if err := applyFilter(&p, f); err != nil {
			log.Warn().
				Str("component", "cli").
				Str("operation", "parse_filters").
				Str("filter", f).
				Err(err).
				Msg("invalid filter expression")
			return store.Predicate{}, fmt.Errorf("%w: filter %q: %w", ops.ErrValidation, f, err)
		}
	}

	log.Debug().
		Str("component", "cli").
		Str("operation", "parse_filters").
		Int("filters", len(filters)).
		Bool("matches_all", p.IsEmpty()).
		Msg("parsed filters")
	return p, nil
}

func applyFilter(p *store.Predicate, f string) error {
	rawKey, value, ok := strings.Cut(f, "=")
	rawKey = strings.TrimSpace(rawKey)
	key := strings.ToLower(rawKey)
	value = strings.TrimSpace(value)
	if !ok || key == "" {
		return errors.New("expected key=value")
	}

	switch {
	case key == filterID:
		p.IDs = append(p.IDs, value)
	case key == filterType:
		if !ops.IsKnownType(value) {
			return fmt.Errorf("unknown record type %q", value)
		}
		p.Types = append(p.Types, value)
	case key == filterHash:
		p.ContentHashes = append(p.ContentHashes, value)
	case key == filterContains:
		p.ContentContains = value
	case key == filterMinImportance, key == filterMaxImportance:
		v, err := parseImportance(value)
		if err != nil {
			return err
		}
		if key == filterMinImportance {
			p.MinImportance = &v
		} else {
			p.MaxImportance = &v
		}
	case key == filterCreatedAfter, key == filterCreatedBefore:
		t, err := parseFilterTime(value)
		if err != nil {
			return err
		}
		if key == filterCreatedAfter {
			p.CreatedAfter = &t
		} else {
			p.CreatedBefore = &t
		}
	case key == filterLimit:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return errors.New("limit must be a positive integer")
		}
		p.Limit = n
	case strings.HasPrefix(key, filterMetadataPrefix):
		name := rawKey[len(filterMetadataPrefix):]
		if name == "" {
			return errors.New("metadata filter needs a key")
		}
		if p.Metadata == nil {
			p.Metadata = make(map[string]string)
		}
		p.Metadata[name] = value
	default:
		return fmt.Errorf("unknown filter key %q", key)
	}
	return nil
}

func parseImportance(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || v > 1 {
		return 0, errors.New("importance must be a number between 0 and 1")
	}
	return v, nil
}

func parseFilterTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, errors.New("expected RFC 3339 timestamp or YYYY-MM-DD")
	}
	return t, nil
}
