package scheduler

import (
	"time"

	"github.com/gammadia/noodles/spec"
)

type Event interface{}

// Global commands

type EventGlobalCommandFinished struct {
	Phase      Phase
	Command    string
	ReturnCode int
	Err        error
}

// Rounds

type EventRoundStarted struct {
	Round   int
	Ready   []string
	Blocked []string
}

type EventRoundFinished struct {
	Round     int
	Succeeded int
	Failed    int
	Pending   int
}

type EventServerExcluded struct {
	Round  int
	Server string
	Reason string
}

// Deployments

type EventDeploymentAdmitted struct {
	Round      int
	Experiment string
	Server     string
}

type EventDeploymentSkipped struct {
	Round      int
	Experiment string
	Server     string
	Reason     string
}

type EventCommandFinished struct {
	Round      int
	Experiment string
	Server     string
	Command    string
	Attempt    int
	ReturnCode int
	Duration   time.Duration
	Action     spec.Action
}

type EventDeploymentFinished struct {
	Record Record
}

// Run

type EventRunFinished struct {
	Result *Result
}
