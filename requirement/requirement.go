// Package requirement decides whether a server may receive an experiment,
// by running one-shot probe commands and comparing their output with the
// experiment thresholds. It fails closed: a probe that cannot be run or
// understood leaves the requirement unsatisfied.
package requirement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gammadia/noodles/expr"
	"github.com/gammadia/noodles/remote"
	"github.com/gammadia/noodles/spec"
	"github.com/samber/lo"
)

// DefaultProbes measure the built-in metrics on Linux servers. Percentages
// are in [0, 100], disk_free is in GiB for the probed path (the home
// directory by default). gpu_usage prints one line per device; the mean is used.
var DefaultProbes = map[spec.Metric]string{
	spec.MetricCPUUsage: `cat <(grep '^cpu ' /proc/stat) <(sleep 1; grep '^cpu ' /proc/stat) | ` +
		`awk '{busy=$2+$3+$4+$7+$8; total=busy+$5+$6; if (NR==1) {b=busy; t=total} else {print (busy-b)*100/(total-t)}}'`,
	spec.MetricGPUUsage:       `nvidia-smi --query-gpu=utilization.gpu --format=csv,noheader,nounits`,
	spec.MetricMemoryUsage:    `free | awk '/^Mem:/ {print ($2-$7)*100/$2}'`,
	spec.MetricLoadAverage:    `cut -d' ' -f1 /proc/loadavg`,
	spec.MetricDiskFree:       `df -Pk "${NOODLES_PROBE_PATH:-$HOME}" | awk 'NR==2 {print $4/1048576}'`,
	spec.MetricFileExists:     `test -e "$NOODLES_PROBE_PATH" && echo true || echo false`,
	spec.MetricLockFileExists: `test -e "$NOODLES_PROBE_PATH" && echo true || echo false`,
}

// EnvProbePath holds the path of file_exists, lock_file_exists and disk_free probes.
const EnvProbePath = "NOODLES_PROBE_PATH"

type Evaluator struct {
	gateway remote.Gateway
	probes  map[spec.Metric]string
	timeout time.Duration

	log *slog.Logger
}

// New returns an evaluator using DefaultProbes, overridden and extended by probes.
func New(gateway remote.Gateway, probes map[spec.Metric]string, log *slog.Logger) *Evaluator {
	merged := lo.Assign(DefaultProbes, probes)
	return &Evaluator{
		gateway: gateway,
		probes:  merged,
		timeout: time.Minute,
		log:     log.With("component", "requirement"),
	}
}

type Diagnostic struct {
	Requirement spec.Requirement
	Measured    string
	Satisfied   bool
	Reason      string
}

func (d Diagnostic) String() string {
	if d.Satisfied {
		return fmt.Sprintf("%s: ok (measured %s)", d.Requirement, d.Measured)
	}
	return fmt.Sprintf("%s: %s", d.Requirement, d.Reason)
}

type Report struct {
	Satisfied   bool
	Unreachable bool
	Diagnostics []Diagnostic
	// Err is the connection error of an unreachable server
	Err error
}

// Failed returns the diagnostic of the requirement that was not satisfied.
func (r Report) Failed() (Diagnostic, bool) {
	return lo.Find(r.Diagnostics, func(d Diagnostic) bool { return !d.Satisfied })
}

// Eligible probes server for every requirement, in order, and stops at the
// first one that is not satisfied. env is exported to the probes.
func (e *Evaluator) Eligible(ctx context.Context, server spec.Server, env map[string]string, requirements []spec.Requirement) Report {
	report := Report{Satisfied: true}

	for _, requirement := range requirements {
		diagnostic, err := e.evaluate(ctx, server, env, requirement)
		report.Diagnostics = append(report.Diagnostics, diagnostic)

		if err != nil {
			report.Satisfied = false
			report.Unreachable = true
			report.Err = err
			return report
		}
		if !diagnostic.Satisfied {
			report.Satisfied = false
			e.log.Debug("Requirement not satisfied", "server", server.Name, "requirement", requirement.String(), "reason", diagnostic.Reason)
			return report
		}
	}

	return report
}

// evaluate only returns connection errors; every other failure is an
// unsatisfied diagnostic.
func (e *Evaluator) evaluate(ctx context.Context, server spec.Server, env map[string]string, requirement spec.Requirement) (Diagnostic, error) {
	diagnostic := Diagnostic{Requirement: requirement}

	probe, ok := e.probes[requirement.Metric]
	if !ok {
		diagnostic.Reason = fmt.Sprintf("no probe for metric '%s'", requirement.Metric)
		return diagnostic, nil
	}

	probeEnv := lo.Assign(env)
	if requirement.Path != "" {
		probeEnv[EnvProbePath] = requirement.Path
	}

	result, err := e.gateway.Exec(ctx, server, remote.Command{Script: probe, Env: probeEnv, Timeout: e.timeout})
	if err != nil {
		diagnostic.Reason = fmt.Sprintf("probe failed: %s", err)
		if remote.IsConnectionError(err) {
			return diagnostic, err
		}
		return diagnostic, nil
	}
	if result.ReturnCode != 0 {
		diagnostic.Reason = fmt.Sprintf("probe exited with code %d: %s", result.ReturnCode, strings.TrimSpace(result.Stderr))
		return diagnostic, nil
	}

	measured, err := Measure(result.Stdout)
	if err != nil {
		diagnostic.Reason = err.Error()
		return diagnostic, nil
	}
	diagnostic.Measured = measured.String()

	satisfied, err := Satisfies(measured, requirement.Expression, requirement.Slack)
	if err != nil {
		diagnostic.Reason = fmt.Sprintf("measured %s: %s", measured, err)
		return diagnostic, nil
	}

	diagnostic.Satisfied = satisfied
	if !satisfied {
		diagnostic.Reason = fmt.Sprintf("measured %s", measured)
	}
	return diagnostic, nil
}

// Measure parses probe output. Several numeric lines (one per GPU, say)
// yield their mean; anything else is parsed as a single literal.
func Measure(output string) (expr.Value, error) {
	lines := lo.Filter(strings.Split(output, "\n"), func(line string, _ int) bool {
		return strings.TrimSpace(line) != ""
	})
	if len(lines) == 0 {
		return expr.Value{}, errors.New("probe printed nothing")
	}

	numbers := make([]float64, 0, len(lines))
	for _, line := range lines {
		f, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
		if err != nil {
			break
		}
		numbers = append(numbers, f)
	}
	if len(numbers) == len(lines) {
		return expr.Number(lo.Sum(numbers) / float64(len(numbers))), nil
	}

	if len(lines) > 1 {
		return expr.Value{}, fmt.Errorf("cannot parse probe output %s", strconv.Quote(output))
	}
	return expr.Infer(lines[0]), nil
}

// Satisfies compares measured with the threshold of expression. slack widens
// numeric comparisons in favour of the server, to absorb measurement noise.
func Satisfies(measured expr.Value, expression expr.Expression, slack float64) (bool, error) {
	threshold := expression.Value
	if slack <= 0 || measured.Kind != expr.KindNumber || threshold.Kind != expr.KindNumber {
		return expression.Match(measured)
	}

	m, t := measured.Num, threshold.Num
	switch expression.Operator {
	case expr.OpLt:
		return m < t+slack, nil
	case expr.OpLe:
		return m <= t+slack, nil
	case expr.OpGt:
		return m > t-slack, nil
	case expr.OpGe:
		return m >= t-slack, nil
	case expr.OpEq:
		return math.Abs(m-t) <= slack, nil
	case expr.OpNe:
		return math.Abs(m-t) > slack, nil
	default:
		return expression.Match(measured)
	}
}
