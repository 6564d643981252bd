package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gammadia/noodles/flags"
	"github.com/spf13/viper"
)

// Kept in its own package so that gopls does not confuse a package-global
// 'log' variable with the standard library.

// Base is a bare logger without attributes
var Base *slog.Logger

// logger is the command line logger with default attributes
var logger *slog.Logger

// Init configures the loggers from the log flags. Logs go to stderr, stdout
// is kept for command output.
func Init() error {
	base, err := New(os.Stderr, viper.GetString(flags.LogLevel), viper.GetString(flags.LogFormat), viper.GetBool(flags.LogSource))
	if err != nil {
		return err
	}

	Base = base
	logger = Base.With("component", "cli")
	return nil
}

// New returns a logger writing to w.
func New(w io.Writer, level string, format string, source bool) (*slog.Logger, error) {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	options := slog.HandlerOptions{
		AddSource: source,
		Level:     logLevel,
	}

	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, &options)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, &options)), nil
	default:
		return nil, fmt.Errorf("unknown log format '%s'", format)
	}
}

// Proxies for slog.Logger methods

func Debug(msg string, args ...any) {
	logger.Debug(msg, args...)
}

func DebugContext(ctx context.Context, msg string, args ...any) {
	logger.DebugContext(ctx, msg, args...)
}

func Info(msg string, args ...any) {
	logger.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	logger.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	logger.Error(msg, args...)
}

func ErrorContext(ctx context.Context, msg string, args ...any) {
	logger.ErrorContext(ctx, msg, args...)
}

func With(args ...any) *slog.Logger {
	return logger.With(args...)
}
