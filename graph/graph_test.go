package graph

import (
	"errors"
	"testing"

	"github.com/gammadia/noodles/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func experiments(deps map[string][]string, order ...string) []spec.Experiment {
	var result []spec.Experiment
	for _, name := range order {
		result = append(result, spec.Experiment{Name: name, DependsOn: deps[name]})
	}
	return result
}

func TestCycle(t *testing.T) {
	_, err := New(experiments(map[string][]string{"B": {"A"}, "A": {"B"}}, "B", "A"))

	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, []string{"A", "B"}, cycleErr.Members)
	assert.EqualError(t, err, "dependency cycle between experiments {A, B}")
}

func TestCycleOnlyNamesMembers(t *testing.T) {
	_, err := New(experiments(map[string][]string{
		"entry": {"x"},
		"x":     {"y"},
		"y":     {"z"},
		"z":     {"x"},
	}, "entry", "x", "y", "z"))

	var cycleErr *CycleError
	require.True(t, errors.As(err, &cycleErr))
	assert.Equal(t, []string{"x", "y", "z"}, cycleErr.Members)
}

func TestSelfCycle(t *testing.T) {
	_, err := New(experiments(map[string][]string{"A": {"A"}}, "A"))
	assert.EqualError(t, err, "dependency cycle between experiments {A}")
}

func TestUnknownDependency(t *testing.T) {
	_, err := New(experiments(map[string][]string{"A": {"ghost"}}, "A"))
	assert.EqualError(t, err, "experiment 'A' depends on unknown experiment 'ghost'")
}

func TestReady(t *testing.T) {
	g, err := New(experiments(map[string][]string{
		"train":    {"prepare"},
		"evaluate": {"train", "prepare"},
	}, "prepare", "train", "evaluate", "standalone"))
	require.NoError(t, err)

	outcomes := map[string]Outcome{}
	assert.Equal(t, []string{"prepare", "standalone"}, g.Ready(outcomes))

	outcomes["prepare"] = Succeeded
	assert.Equal(t, []string{"train", "standalone"}, g.Ready(outcomes))

	outcomes["train"] = Failed
	outcomes["standalone"] = Succeeded
	assert.Empty(t, g.Ready(outcomes))
	assert.Equal(t, []string{"evaluate"}, g.Blocked(outcomes))

	outcomes["train"] = Succeeded
	assert.Equal(t, []string{"evaluate"}, g.Ready(outcomes))
	assert.Empty(t, g.Blocked(outcomes))
}

func TestBlockedIsTransitive(t *testing.T) {
	g, err := New(experiments(map[string][]string{"b": {"a"}, "c": {"b"}}, "a", "b", "c"))
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c"}, g.Blocked(map[string]Outcome{"a": Failed}))
	assert.Empty(t, g.Blocked(map[string]Outcome{}))
}
