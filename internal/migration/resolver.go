package migration

import (
	"fmt"
	"slices"
	"strings"

	"github.com/raold/second-brain-sub001/internal/ops"
)

// CycleError reports migrations whose dependencies form a cycle.
type CycleError struct {
	// Remaining are the ids that could not be ordered, sorted.
	Remaining []string
}

func (e *CycleError) Error() string {
	return "dependency cycle among migrations: " + strings.Join(e.Remaining, ", ")
}

// Unwrap lets errors.Is match ops.ErrDependencyCycle.
func (e *CycleError) Unwrap() error { return ops.ErrDependencyCycle }

// Resolve orders migrations so that each one follows every dependency that
// is also in the input. Dependencies outside the input are ignored here; the
// runner checks them against history. Among migrations that are ready at the
// same time, the lower version goes first, then the lower id.
//
// A cycle yields a *CycleError and no order.
func Resolve(migrations []Migration) ([]Migration, error) {
	byID := make(map[string]Migration, len(migrations))
	for _, m := range migrations {
		id := m.Metadata().ID
		if _, dup := byID[id]; dup {
			return nil, fmt.Errorf("migration %s registered twice", id)
		}
		byID[id] = m
	}

	inDegree := make(map[string]int, len(migrations))
	dependents := make(map[string][]string, len(migrations))
	for id, m := range byID {
		n := 0
		for _, dep := range uniq(m.Metadata().Dependencies) {
			if _, ok := byID[dep]; !ok {
				continue
			}
			n++
			dependents[dep] = append(dependents[dep], id)
		}
		inDegree[id] = n
	}

	var ready []Migration
	for id, n := range inDegree {
		if n == 0 {
			ready = append(ready, byID[id])
		}
	}

	ordered := make([]Migration, 0, len(migrations))
	for len(ready) > 0 {
		slices.SortFunc(ready, compareMigrations)
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, next)

		for _, id := range dependents[next.Metadata().ID] {
			inDegree[id]--
			if inDegree[id] == 0 {
				ready = append(ready, byID[id])
			}
		}
	}

	if len(ordered) < len(byID) {
		var remaining []string
		for id, n := range inDegree {
			if n > 0 {
				remaining = append(remaining, id)
			}
		}
		slices.Sort(remaining)
		return nil, &CycleError{Remaining: remaining}
	}
	return ordered, nil
}

func compareMigrations(a, b Migration) int {
	ma, mb := a.Metadata(), b.Metadata()
	switch {
	case ma.Version == nil && mb.Version != nil:
		return -1
	case ma.Version != nil && mb.Version == nil:
		return 1
	case ma.Version != nil && mb.Version != nil:
		if c := ma.Version.Compare(mb.Version); c != 0 {
			return c
		}
	}
	return strings.Compare(ma.ID, mb.ID)
}

func uniq(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
