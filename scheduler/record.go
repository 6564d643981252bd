package scheduler

import (
	"time"

	"github.com/gammadia/noodles/output"
	"github.com/gammadia/noodles/spec"
	"github.com/samber/lo"
)

// Status of one deployment of an experiment to a server.
type Status string

const (
	StatusAdmitted  Status = "admitted"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether the deployment is over for its round.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// Record is the deployment of an experiment to a server in a round.
type Record struct {
	Experiment string
	Server     string
	Round      int
	Status     Status
	// Command executions, retries included
	Attempts  int
	ExitCode  int
	LockHeld  bool
	Action    spec.Action
	StartedAt time.Time
	EndedAt   time.Time
	Error     string
}

// ExperimentState is the state of an experiment at the end of a run.
type ExperimentState string

const (
	ExperimentSucceeded ExperimentState = "succeeded"
	ExperimentFailed    ExperimentState = "failed"
	ExperimentPending   ExperimentState = "pending"
	// Pending, behind a failed dependency
	ExperimentBlocked ExperimentState = "blocked"
)

type ExperimentResult struct {
	Name  string
	State ExperimentState
}

type Result struct {
	RunID     string
	Name      string
	Action    string
	StartedAt time.Time
	EndedAt   time.Time
	Rounds    int
	// ErrorFlag is raised by flagged decisions under check_any_errors, and by
	// a failed global setup.
	ErrorFlag bool
	// Aborted is set when an abort_all decision stopped the run.
	Aborted     bool
	Canceled    bool
	Experiments []ExperimentResult
	Records     []Record
}

func (r *Result) Experiment(name string) (ExperimentResult, bool) {
	return lo.Find(r.Experiments, func(e ExperimentResult) bool { return e.Name == name })
}

// Deployments returns the records of experiment, in round order.
func (r *Result) Deployments(experiment string) []Record {
	return lo.Filter(r.Records, func(record Record, _ int) bool { return record.Experiment == experiment })
}

// Count returns how many experiments ended in state.
func (r *Result) Count(state ExperimentState) int {
	return lo.CountBy(r.Experiments, func(e ExperimentResult) bool { return e.State == state })
}

// Report converts the result for the status file. err is the error returned
// by the run, if any.
func (r *Result) Report(err error) output.Report {
	report := output.Report{
		RunID:     r.RunID,
		Name:      r.Name,
		Action:    r.Action,
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
		Rounds:    r.Rounds,
		ErrorFlag: r.ErrorFlag,
		Aborted:   r.Aborted,
	}
	if err != nil {
		report.Error = err.Error()
	}

	for _, experiment := range r.Experiments {
		records := r.Deployments(experiment.Name)
		er := output.ExperimentReport{
			Name:     experiment.Name,
			State:    string(experiment.State),
			Attempts: lo.Sum(lo.Map(records, func(record Record, _ int) int { return record.Attempts })),
			Deployments: lo.Map(records, func(record Record, _ int) output.Deployment {
				return output.Deployment{
					Server:    record.Server,
					Round:     record.Round,
					Status:    string(record.Status),
					Attempts:  record.Attempts,
					ExitCode:  record.ExitCode,
					Action:    string(record.Action),
					StartedAt: record.StartedAt,
					EndedAt:   record.EndedAt,
					Error:     record.Error,
				}
			}),
		}
		if len(records) > 0 {
			last := records[len(records)-1]
			er.Server = last.Server
			er.ExitCode = last.ExitCode
		}
		report.Experiments = append(report.Experiments, er)
	}

	return report
}
