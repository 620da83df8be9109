package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	runID   string
	dir     string
	level   log.Level
	console io.Writer
}

// WithRunID sets the run_id field. A random one is generated otherwise.
func WithRunID(runID string) Option {
	return func(opts *newOptions) {
		opts.runID = strings.TrimSpace(runID)
	}
}

// WithDir writes log files under dir instead of ~/.studioctl/logs.
func WithDir(dir string) Option {
	return func(opts *newOptions) {
		opts.dir = strings.TrimSpace(dir)
	}
}

// WithLevel sets the minimum level of both sinks.
func WithLevel(level log.Level) Option {
	return func(opts *newOptions) {
		opts.level = level
	}
}

// WithConsole adds a human-readable sink for the operator.
func WithConsole(w io.Writer) Option {
	return func(opts *newOptions) {
		opts.console = w
	}
}

// NewRunID returns a fresh identifier for one CLI invocation.
func NewRunID() string {
	return uuid.NewString()
}

// RuntimeLogger writes structured JSON logs to disk and, optionally, text to a console.
type RuntimeLogger struct {
	// Logger is the file sink; every package logs through it.
	Logger *log.Logger
	// Console is the operator sink. It discards when no console writer was configured.
	Console *log.Logger
	file    *os.File
	path    string
	runID   string
}

// New opens a log file named after the current time and run id.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	resolved := newOptions{level: log.InfoLevel}
	for _, option := range options {
		if option != nil {
			option(&resolved)
		}
	}
	if resolved.runID == "" {
		resolved.runID = NewRunID()
	}

	logDir := resolved.dir
	if logDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		logDir = filepath.Join(homeDir, ".studioctl", "logs")
	}
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	timestamp := time.Now().UTC().Format("20060102-150405")
	filePath := filepath.Join(logDir, fmt.Sprintf("studioctl-%s-%s.log", timestamp, resolved.runID))
	// #nosec G304 -- filePath is constructed from trusted local paths.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	fileLogger := log.NewWithOptions(file, log.Options{
		Level:           resolved.level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	fileLogger.SetFormatter(log.JSONFormatter)

	consoleOut := resolved.console
	if consoleOut == nil {
		consoleOut = io.Discard
	}
	consoleLogger := log.NewWithOptions(consoleOut, log.Options{
		Level:           resolved.level,
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Prefix:          "studioctl",
	})

	runtimeLogger := &RuntimeLogger{
		Logger:  fileLogger.With("run_id", resolved.runID),
		Console: consoleLogger,
		file:    file,
		path:    filePath,
		runID:   resolved.runID,
	}
	runtimeLogger.Logger.Info("logger initialized", "log_file", filePath)

	_ = ctx
	return runtimeLogger, nil
}

// RunID returns the run_id attached to every record.
func (r *RuntimeLogger) RunID() string {
	if r == nil {
		return ""
	}
	return r.runID
}

// Path returns the current log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// ParseLevel maps a --log-level value to a log.Level.
func ParseLevel(value string) (log.Level, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return log.InfoLevel, nil
	}
	level, err := log.ParseLevel(value)
	if err != nil {
		return log.InfoLevel, fmt.Errorf("parse log level %q: %w", value, err)
	}
	return level, nil
}
