package scheduler

import (
	"fmt"
	"log/slog"

	"github.com/gammadia/noodles/spec"
)

type Config struct {
	Logger *slog.Logger `json:"-"`
	RunID  string       `json:"run-id"`
}

func Validate(config Config) error {
	if config.Logger == nil {
		return fmt.Errorf("logger must be set")
	}
	if config.RunID == "" {
		return fmt.Errorf("run-id must not be empty")
	}
	return nil
}

// validatePacing guards the round loop against specs built without the reader.
func validatePacing(s *spec.Spec) error {
	switch {
	case s.RoundInterval < 0:
		return fmt.Errorf("round_interval must not be negative")
	case s.DeploymentInterval < 0:
		return fmt.Errorf("deployment_interval must not be negative")
	case s.CommandInterval < 0:
		return fmt.Errorf("command_interval must not be negative")
	case s.CommandTimeout < 0:
		return fmt.Errorf("command_timeout must not be negative")
	case s.MaxRounds < 0:
		return fmt.Errorf("max_rounds must not be negative")
	case s.DeploymentsPerServer < 0:
		return fmt.Errorf("deployments_per_server must not be negative")
	case len(s.Servers) == 0:
		return fmt.Errorf("at least one server is required")
	}
	return nil
}
