// Package local runs commands on the controlling machine. It serves
// "localhost" servers, "local:" commands and the global setup and cleanup.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gammadia/noodles/remote"
	"github.com/gammadia/noodles/spec"
)

type Gateway struct {
	// Working directory of commands, the current directory when empty
	Dir string

	log *slog.Logger
}

// Gateway implements remote.Gateway
var _ remote.Gateway = (*Gateway)(nil)

func New(dir string, log *slog.Logger) *Gateway {
	return &Gateway{
		Dir: dir,
		log: log.With("component", "local"),
	}
}

func (g *Gateway) Exec(ctx context.Context, server spec.Server, command remote.Command) (remote.Result, error) {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if command.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(execCtx, command.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(execCtx, "bash", "-c", remote.BuildScript(command.Script, command.Env))
	cmd.Dir = g.Dir
	cmd.Stdin = strings.NewReader(command.Stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	g.log.Debug("Running command", "server", server.Name, "command", command.Script)

	start := time.Now()
	err := cmd.Run()
	result := remote.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return result, nil

	case command.Timeout > 0 && errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return remote.TimedOut(result, command.Timeout), nil

	case errors.As(err, &exitErr):
		result.ReturnCode = exitErr.ExitCode()
		return result, nil

	default:
		return result, &remote.ConnectionError{Server: server.Name, Err: fmt.Errorf("failed to run bash: %w", err)}
	}
}

// Push copies a file or a directory tree; on the controlling machine both
// ends are local paths.
func (g *Gateway) Push(ctx context.Context, server spec.Server, local, remote string) error {
	return copyPath(g.path(local), g.path(remote))
}

func (g *Gateway) Pull(ctx context.Context, server spec.Server, remote, local string) error {
	return copyPath(g.path(remote), g.path(local))
}

func (g *Gateway) Close() error {
	return nil
}

func (g *Gateway) path(p string) string {
	if filepath.IsAbs(p) || g.Dir == "" {
		return p
	}
	return filepath.Join(g.Dir, p)
}

func copyPath(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat '%s': %w", src, err)
	}

	if info.IsDir() {
		if err := os.CopyFS(dst, os.DirFS(src)); err != nil {
			return fmt.Errorf("failed to copy directory '%s' to '%s': %w", src, dst, err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for '%s': %w", dst, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open '%s': %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create '%s': %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to copy '%s' to '%s': %w", src, dst, err)
	}
	return out.Close()
}
