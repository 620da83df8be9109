package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

const (
	// DefaultCommandTimeout bounds one lifecycle script run; image pulls can be slow.
	DefaultCommandTimeout = 5 * time.Minute
	// DefaultOutputLimitBytes caps captured output per script run.
	DefaultOutputLimitBytes = 1024 * 1024
)

// Command is one script invocation.
type Command struct {
	Dir     string
	Name    string
	Args    []string
	Timeout time.Duration
}

func (c Command) String() string {
	return formatCommand(c.Name, c.Args)
}

// Result is the outcome of a command that ran to completion or timed out.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Runner executes lifecycle scripts.
//
// A non-zero exit is reported through Result.ExitCode; the error is reserved for
// commands that could not be started at all.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands with os/exec, capturing bounded output and optionally
// mirroring it to an operator-visible writer.
type ExecRunner struct {
	Mirror           io.Writer
	OutputLimitBytes int
}

// Run executes cmd and waits for it to exit or time out.
func (r ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		return Result{}, errors.New("command must not be empty")
	}
	if strings.TrimSpace(cmd.Dir) == "" {
		return Result{}, errors.New("command dir must not be empty")
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	limit := r.OutputLimitBytes
	if limit <= 0 {
		limit = DefaultOutputLimitBytes
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// #nosec G204 -- script paths come from harness configuration.
	execCmd := exec.CommandContext(runCtx, name, cmd.Args...)
	execCmd.Dir = cmd.Dir

	output := newLimitedBuffer(limit)
	var sink io.Writer = output
	if r.Mirror != nil {
		sink = io.MultiWriter(output, r.Mirror)
	}
	execCmd.Stdout = sink
	execCmd.Stderr = sink

	start := time.Now()
	err := execCmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			exitCode = -1
			output.WriteString(fmt.Sprintf("\ncommand timed out after %s", timeout))
		} else {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			} else if execCmd.ProcessState != nil {
				exitCode = execCmd.ProcessState.ExitCode()
			} else {
				return Result{}, fmt.Errorf("run %s: %w", cmd, err)
			}
		}
	}

	return Result{
		ExitCode: exitCode,
		Output:   strings.TrimSpace(output.String()),
		Duration: duration,
	}, nil
}

type limitedBuffer struct {
	max       int
	data      []byte
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	if max <= 0 {
		max = DefaultOutputLimitBytes
	}
	return &limitedBuffer{max: max, data: make([]byte, 0, 4096)}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.WriteString(string(p))
	return len(p), nil
}

func (b *limitedBuffer) WriteString(s string) {
	if s == "" {
		return
	}
	remaining := b.max - len(b.data)
	if remaining <= 0 {
		b.truncated = true
		return
	}
	if len(s) > remaining {
		s = s[:remaining]
		b.truncated = true
	}
	b.data = append(b.data, s...)
}

func (b *limitedBuffer) String() string {
	if !b.truncated {
		return string(b.data)
	}
	const marker = "\n...[output truncated]"
	if len(b.data) >= len(marker) {
		return string(b.data[:len(b.data)-len(marker)]) + marker
	}
	return string(b.data)
}

func formatCommand(name string, args []string) string {
	parts := append([]string{strings.TrimSpace(name)}, args...)
	sanitized := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sanitized = append(sanitized, part)
	}
	return strings.Join(sanitized, " ")
}
