package output

import "time"

// Report is the final status of a run, as written to the status path.
type Report struct {
	RunID       string             `json:"run_id" yaml:"run_id"`
	Name        string             `json:"name" yaml:"name"`
	Action      string             `json:"action" yaml:"action"`
	StartedAt   time.Time          `json:"started_at" yaml:"started_at"`
	EndedAt     time.Time          `json:"ended_at" yaml:"ended_at"`
	Rounds      int                `json:"rounds" yaml:"rounds"`
	ErrorFlag   bool               `json:"error_flag" yaml:"error_flag"`
	Aborted     bool               `json:"aborted" yaml:"aborted"`
	Error       string             `json:"error,omitempty" yaml:"error,omitempty"`
	Experiments []ExperimentReport `json:"experiments" yaml:"experiments"`
}

type ExperimentReport struct {
	Name        string       `json:"name" yaml:"name"`
	State       string       `json:"state" yaml:"state"`
	Server      string       `json:"server,omitempty" yaml:"server,omitempty"`
	Attempts    int          `json:"attempts" yaml:"attempts"`
	ExitCode    int          `json:"exit_code" yaml:"exit_code"`
	Deployments []Deployment `json:"deployments,omitempty" yaml:"deployments,omitempty"`
}

type Deployment struct {
	Server    string    `json:"server" yaml:"server"`
	Round     int       `json:"round" yaml:"round"`
	Status    string    `json:"status" yaml:"status"`
	Attempts  int       `json:"attempts" yaml:"attempts"`
	ExitCode  int       `json:"exit_code" yaml:"exit_code"`
	Action    string    `json:"action,omitempty" yaml:"action,omitempty"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
	EndedAt   time.Time `json:"ended_at" yaml:"ended_at"`
	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
}
