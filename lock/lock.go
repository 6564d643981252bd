// Package lock guards (experiment, server) pairs against double deployment
// with a marker directory on the server. mkdir(2) is atomic, so two
// schedulers racing for the same pair see exactly one success.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gammadia/noodles/remote"
	"github.com/gammadia/noodles/spec"
)

// Environment of the marker scripts.
const (
	EnvOp    = "NOODLES_LOCK_OP"
	EnvPath  = "NOODLES_LOCK_PATH"
	EnvOwner = "NOODLES_LOCK_OWNER"

	OpAcquire = "acquire"
	OpRelease = "release"

	// ContendedCode is the exit code of an acquisition that found the marker.
	ContendedCode = 75
)

const acquireScript = `mkdir -p "$(dirname "$NOODLES_LOCK_PATH")" || exit 1
if ! mkdir "$NOODLES_LOCK_PATH" 2>/dev/null; then
  cat "$NOODLES_LOCK_PATH/owner" >&2 2>/dev/null
  exit 75
fi
printf '%s\n' "$NOODLES_LOCK_OWNER" > "$NOODLES_LOCK_PATH/owner"`

const releaseScript = `rm -rf "$NOODLES_LOCK_PATH"`

type Manager struct {
	gateway remote.Gateway
	dir     string
	owner   string
	timeout time.Duration

	log *slog.Logger
}

// New returns a manager creating markers under dir on behalf of run.
func New(gateway remote.Gateway, dir string, run string, log *slog.Logger) *Manager {
	hostname, _ := os.Hostname()
	return &Manager{
		gateway: gateway,
		dir:     dir,
		owner:   fmt.Sprintf("%s@%s", run, hostname),
		timeout: 30 * time.Second,
		log:     log.With("component", "lock"),
	}
}

// Path is the marker of experiment on every server.
func (m *Manager) Path(experiment string) string {
	return path.Join(m.dir, experiment+".lock")
}

// Acquire creates the marker of experiment on server. It returns false
// without error when the marker already exists.
func (m *Manager) Acquire(ctx context.Context, server spec.Server, experiment string) (bool, error) {
	result, err := m.exec(ctx, server, experiment, OpAcquire, acquireScript)
	if err != nil {
		return false, err
	}

	switch result.ReturnCode {
	case 0:
		m.log.Debug("Lock acquired", "server", server.Name, "experiment", experiment)
		return true, nil
	case ContendedCode:
		m.log.Debug("Lock is held", "server", server.Name, "experiment", experiment, "holder", strings.TrimSpace(result.Stderr))
		return false, nil
	default:
		return false, fmt.Errorf("failed to create lock marker '%s' on '%s' (exit code %d): %s", m.Path(experiment), server.Name, result.ReturnCode, strings.TrimSpace(result.Stderr))
	}
}

// Release removes the marker of experiment on server.
func (m *Manager) Release(ctx context.Context, server spec.Server, experiment string) error {
	result, err := m.exec(ctx, server, experiment, OpRelease, releaseScript)
	if err != nil {
		return err
	}
	if result.ReturnCode != 0 {
		return fmt.Errorf("failed to remove lock marker '%s' on '%s' (exit code %d): %s", m.Path(experiment), server.Name, result.ReturnCode, strings.TrimSpace(result.Stderr))
	}

	m.log.Debug("Lock released", "server", server.Name, "experiment", experiment)
	return nil
}

func (m *Manager) exec(ctx context.Context, server spec.Server, experiment, op, script string) (remote.Result, error) {
	return m.gateway.Exec(ctx, server, remote.Command{
		Script: script,
		Env: map[string]string{
			EnvOp:    op,
			EnvPath:  m.Path(experiment),
			EnvOwner: fmt.Sprintf("%s %s", m.owner, time.Now().Format(time.RFC3339)),
		},
		Timeout: m.timeout,
	})
}
