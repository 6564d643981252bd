// Package handler maps the result of an experiment command to the action the
// scheduler takes next.
package handler

import (
	"fmt"

	"github.com/gammadia/noodles/expr"
	"github.com/gammadia/noodles/remote"
	"github.com/gammadia/noodles/spec"
)

type Decision struct {
	Action spec.Action
	// Rule that matched, nil for the default decision
	Rule *spec.Rule
}

// Flags reports whether the decision raises the run-wide error flag.
func (d Decision) Flags() bool {
	return d.Action != spec.ActionContinue
}

func (d Decision) String() string {
	if d.Rule == nil {
		return string(d.Action)
	}
	name := d.Rule.Name
	if name == "" {
		name = fmt.Sprintf("%s %q", d.Rule.Stream, d.Rule.Match)
	}
	return fmt.Sprintf("%s (rule %s)", d.Action, name)
}

// Evaluate returns the action of the first rule matching result, in
// declaration order. Without a match, a successful command continues and a
// failed one aborts its experiment.
func Evaluate(rules []spec.Rule, result remote.Result) Decision {
	for i := range rules {
		if Matches(rules[i], result) {
			return Decision{Action: rules[i].Action, Rule: &rules[i]}
		}
	}

	if result.Success() {
		return Decision{Action: spec.ActionContinue}
	}
	return Decision{Action: spec.ActionAbortExperiment}
}

// Matches reports whether rule applies to result. A return code test that
// cannot be compared with a number does not match.
func Matches(rule spec.Rule, result remote.Result) bool {
	switch rule.Stream {
	case spec.StreamStdout:
		return rule.Pattern() != nil && rule.Pattern().MatchString(result.Stdout)
	case spec.StreamStderr:
		return rule.Pattern() != nil && rule.Pattern().MatchString(result.Stderr)
	case spec.StreamReturnCode:
		ok, err := rule.Expression().Match(expr.Number(float64(result.ReturnCode)))
		return err == nil && ok
	default:
		return false
	}
}
