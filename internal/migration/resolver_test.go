package migration

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raold/second-brain-sub001/internal/ops"
)

type stub struct {
	meta Metadata
}

func (s stub) Metadata() Metadata { return s.meta }
func (stub) ValidatePreconditions(context.Context, *Env) error { return nil }
func (stub) Apply(context.Context, *Env) (State, error) { return State{}, nil }
func (stub) Rollback(context.Context, *Env, State) error { return nil }
func (stub) ValidatePostconditions(context.Context, *Env) error { return nil }

func mig(id, version string, deps ...string) Migration {
	return stub{meta: Metadata{ID: id, Version: semver.MustParse(version), Kind: KindSchema, Dependencies: deps}}
}

func ids(ms []Migration) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Metadata().ID
	}
	return out
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name string
		in   []Migration
		want []string
	}{
		{"dependency first", []Migration{mig("B", "1.0.0", "A"), mig("A", "1.0.0")}, []string{"A", "B"}},
		{"version breaks ties", []Migration{mig("x", "2.0.0"), mig("y", "1.0.0"), mig("z", "1.10.0")}, []string{"y", "z", "x"}},
		{"id breaks version ties", []Migration{mig("b", "1.0.0"), mig("a", "1.0.0")}, []string{"a", "b"}},
		{"outside dependencies ignored", []Migration{mig("B", "1.0.0", "applied_long_ago")}, []string{"B"}},
		{"diamond", []Migration{
			mig("D", "1.0.0", "B", "C"), mig("C", "1.0.0", "A"), mig("B", "1.0.0", "A"), mig("A", "1.0.0"),
		}, []string{"A", "B", "C", "D"}},
		{"empty", nil, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestResolve_Cycle(t *testing.T) {
	_, err := Resolve([]Migration{mig("A", "1.0.0", "C"), mig("B", "1.0.0", "A"), mig("C", "1.0.0", "B"), mig("D", "1.0.0")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ops.ErrDependencyCycle))

	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, []string{"A", "B", "C"}, cycle.Remaining)
}

func TestResolve_Duplicate(t *testing.T) {
	_, err := Resolve([]Migration{mig("A", "1.0.0"), mig("A", "1.1.0")})
	assert.Error(t, err)
}

func TestResolve_RandomDAGs(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for round := range 50 {
		n := 2 + rng.IntN(12)
		ms := make([]Migration, n)
		for i := range n {
			var deps []string
			for j := range i {
				if rng.IntN(3) == 0 {
					deps = append(deps, fmt.Sprintf("m%02d", j))
				}
			}
			ms[i] = mig(fmt.Sprintf("m%02d", i), fmt.Sprintf("1.%d.0", rng.IntN(4)), deps...)
		}
		rng.Shuffle(n, func(i, j int) { ms[i], ms[j] = ms[j], ms[i] })

		got, err := Resolve(ms)
		require.NoError(t, err, "round %d", round)
		require.Len(t, got, n)
		pos := make(map[string]int, n)
		for i, m := range got {
			pos[m.Metadata().ID] = i
		}
		for _, m := range got {
			for _, dep := range m.Metadata().Dependencies {
				assert.Less(t, pos[dep], pos[m.Metadata().ID], "round %d: %s before %s", round, dep, m.Metadata().ID)
			}
		}
	}
}

func TestMetadataValidate(t *testing.T) {
	assert.Error(t, Metadata{}.Validate())
	assert.Error(t, Metadata{ID: "a", Kind: KindData}.Validate(), "version required")
	assert.Error(t, Metadata{ID: "a", Version: semver.MustParse("1.0.0"), Kind: "odd"}.Validate())
	assert.Error(t, Metadata{ID: "a", Version: semver.MustParse("1.0.0"), Kind: KindData, Dependencies: []string{"a"}}.Validate())
	assert.NoError(t, Metadata{ID: "a", Version: semver.MustParse("1.0.0"), Kind: KindData}.Validate())
}
