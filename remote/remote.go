// Package remote runs commands and transfers files on experiment servers.
//
// Every transport implements Gateway. A server that cannot be reached or
// refuses the credentials yields a *ConnectionError; anything the command
// itself does (non-zero exit, timeout) is reported through Result.
package remote

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/gammadia/noodles/spec"
	"github.com/samber/lo"
)

// TimeoutReturnCode is reported for commands killed after Command.Timeout,
// matching timeout(1).
const TimeoutReturnCode = 124

type Command struct {
	Script  string
	Env     map[string]string
	Stdin   string
	Timeout time.Duration
}

type Result struct {
	Stdout     string
	Stderr     string
	ReturnCode int
	Duration   time.Duration
}

func (r Result) Success() bool {
	return r.ReturnCode == 0
}

type Gateway interface {
	Exec(ctx context.Context, server spec.Server, command Command) (Result, error)
	Push(ctx context.Context, server spec.Server, local, remote string) error
	Pull(ctx context.Context, server spec.Server, remote, local string) error
	Close() error
}

type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("server '%s' is unreachable: %s", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err excludes the server for the current round.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// BuildScript prefixes script with one export per environment variable, in
// key order so that scripts are reproducible.
func BuildScript(script string, env map[string]string) string {
	if len(env) == 0 {
		return script
	}

	keys := lo.Keys(env)
	slices.Sort(keys)

	var sb strings.Builder
	for _, key := range keys {
		sb.WriteString(fmt.Sprintf("export %s=%s\n", key, shellescape.Quote(env[key])))
	}
	sb.WriteString(script)
	return sb.String()
}

// TimedOut turns the result of a killed command into the synthetic timeout result.
func TimedOut(result Result, timeout time.Duration) Result {
	result.ReturnCode = TimeoutReturnCode
	if result.Stderr != "" && !strings.HasSuffix(result.Stderr, "\n") {
		result.Stderr += "\n"
	}
	result.Stderr += fmt.Sprintf("noodles: command timed out after %s\n", timeout)
	return result
}

// Router sends commands for "localhost" servers to Local, and the rest to Remote.
type Router struct {
	Remote Gateway
	Local  Gateway
}

// Router implements Gateway
var _ Gateway = (*Router)(nil)

func (r *Router) route(server spec.Server) Gateway {
	return lo.Ternary(server.IsLocal(), r.Local, r.Remote)
}

func (r *Router) Exec(ctx context.Context, server spec.Server, command Command) (Result, error) {
	return r.route(server).Exec(ctx, server, command)
}

func (r *Router) Push(ctx context.Context, server spec.Server, local, remote string) error {
	return r.route(server).Push(ctx, server, local, remote)
}

func (r *Router) Pull(ctx context.Context, server spec.Server, remote, local string) error {
	return r.route(server).Pull(ctx, server, remote, local)
}

func (r *Router) Close() error {
	return errors.Join(r.Remote.Close(), r.Local.Close())
}
