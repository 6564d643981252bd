// Package output persists what a run produces: the captured output of
// experiment commands, downloaded files, and the final status report.
package output

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gammadia/noodles/remote"
	"github.com/gammadia/noodles/spec"
	"gopkg.in/yaml.v3"
)

// Collector writes under <output dir>/<run id>.
type Collector struct {
	dir string

	// Log files are appended to by one goroutine per server
	mutex sync.Mutex

	log *slog.Logger
}

func New(outputDir string, runID string, log *slog.Logger) *Collector {
	return &Collector{
		dir: filepath.Join(outputDir, runID),
		log: log.With("component", "output"),
	}
}

func (c *Collector) Dir() string {
	return c.dir
}

// LogPaths returns the stdout and stderr log files of experiment on server.
func (c *Collector) LogPaths(experiment, server string) (string, string) {
	base := filepath.Join(c.dir, fmt.Sprintf("%s@%s", experiment, server))
	return base + ".stdout.log", base + ".stderr.log"
}

// Command appends the captured output of one command execution to the log
// files of experiment on server.
func (c *Collector) Command(experiment, server string, round int, command string, result remote.Result) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	header := fmt.Sprintf("==> round %d, exit code %d, %s: %s\n", round, result.ReturnCode, result.Duration.Round(time.Millisecond), command)
	stdout, stderr := c.LogPaths(experiment, server)

	if err := appendFile(stdout, header, result.Stdout); err != nil {
		return err
	}
	if err := appendFile(stderr, header, result.Stderr); err != nil {
		return err
	}

	c.log.Debug("Command output written", "experiment", experiment, "server", server, "stdout", stdout)
	return nil
}

func appendFile(path, header, content string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if _, err := file.WriteString(header + content); err != nil {
		return fmt.Errorf("failed to write log file: %w", err)
	}
	return nil
}

// DownloadPath is the local destination of a file pulled from experiment on
// server. Absolute destinations are kept as they are.
func (c *Collector) DownloadPath(experiment, server string, transfer spec.Transfer) string {
	destination := transfer.Destination
	if destination == "" {
		destination = filepath.Base(transfer.Source)
	}
	if filepath.IsAbs(destination) {
		return destination
	}
	return filepath.Join(c.dir, fmt.Sprintf("%s@%s", experiment, server), destination)
}

// WriteReport writes report to path, as JSON when path ends with ".json"
// and as YAML otherwise.
func WriteReport(path string, report Report) error {
	var content []byte
	var err error

	if strings.EqualFold(filepath.Ext(path), ".json") {
		content, err = json.MarshalIndent(report, "", "  ")
		content = append(content, '\n')
	} else {
		content, err = yaml.Marshal(report)
	}
	if err != nil {
		return fmt.Errorf("failed to encode status report: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create status report directory: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("failed to write status report: %w", err)
	}
	return nil
}
