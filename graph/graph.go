// Package graph resolves experiment dependencies. It holds no state of its
// own: readiness is computed from the outcomes the caller passes in.
package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gammadia/noodles/spec"
	"github.com/samber/lo"
)

type Outcome int

const (
	Pending Outcome = iota
	Succeeded
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type CycleError struct {
	// Members of the cycle, sorted
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle between experiments {%s}", strings.Join(e.Members, ", "))
}

type Graph struct {
	order []string
	deps  map[string][]string
}

// New checks that every dependency exists and that there is no cycle.
func New(experiments []spec.Experiment) (*Graph, error) {
	g := &Graph{deps: map[string][]string{}}
	for _, experiment := range experiments {
		g.order = append(g.order, experiment.Name)
		g.deps[experiment.Name] = lo.Uniq(experiment.DependsOn)
	}

	for _, name := range g.order {
		for _, dependency := range g.deps[name] {
			if _, ok := g.deps[dependency]; !ok {
				return nil, fmt.Errorf("experiment '%s' depends on unknown experiment '%s'", name, dependency)
			}
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		slices.Sort(cycle)
		return nil, &CycleError{Members: cycle}
	}

	return g, nil
}

const (
	unvisited = iota
	visiting
	visited
)

func (g *Graph) findCycle() []string {
	state := map[string]int{}
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		state[name] = visiting
		stack = append(stack, name)

		for _, dependency := range g.deps[name] {
			switch state[dependency] {
			case visiting:
				return slices.Clone(stack[slices.Index(stack, dependency):])
			case unvisited:
				if cycle := visit(dependency); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[name] = visited
		return nil
	}

	for _, name := range g.order {
		if state[name] == unvisited {
			if cycle := visit(name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// Ready returns the pending experiments whose dependencies all succeeded, in
// declaration order.
func (g *Graph) Ready(outcomes map[string]Outcome) []string {
	return lo.Filter(g.order, func(name string, _ int) bool {
		return outcomes[name] == Pending && lo.EveryBy(g.deps[name], func(dependency string) bool {
			return outcomes[dependency] == Succeeded
		})
	})
}

// Blocked returns the pending experiments that wait, directly or not, on a
// failed experiment. They stay pending: a later success of the dependency
// unblocks them.
func (g *Graph) Blocked(outcomes map[string]Outcome) []string {
	memo := map[string]bool{}

	var blocked func(name string) bool
	blocked = func(name string) bool {
		if b, ok := memo[name]; ok {
			return b
		}
		memo[name] = lo.SomeBy(g.deps[name], func(dependency string) bool {
			return outcomes[dependency] == Failed || (outcomes[dependency] == Pending && blocked(dependency))
		})
		return memo[name]
	}

	return lo.Filter(g.order, func(name string, _ int) bool {
		return outcomes[name] == Pending && blocked(name)
	})
}
