package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Default lifecycle scripts, relative to the project root.
const (
	DefaultUpScript     = "./up.sh"
	DefaultDownScript   = "./down.sh"
	DefaultSourceScript = "./sample-srt-source.sh"
)

// NetworkMode selects how up.sh wires container networking.
type NetworkMode string

const (
	// NetworkModeDefault leaves networking to up.sh.
	NetworkModeDefault NetworkMode = ""
	// NetworkModeDocker forces bridged docker networking, for runners where host mode is unavailable.
	NetworkModeDocker NetworkMode = "docker"
)

// ParseNetworkMode accepts "", "default", "host" and "docker".
func ParseNetworkMode(value string) (NetworkMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "default", "host":
		return NetworkModeDefault, nil
	case "docker":
		return NetworkModeDocker, nil
	default:
		return NetworkModeDefault, fmt.Errorf("unknown network mode %q (want default or docker)", value)
	}
}

// StartOptions shape the start command for one session.
type StartOptions struct {
	NetworkMode NetworkMode
	// Workflow is a workflow file name loaded at startup.
	Workflow string
	Args     []string
}

// CommandArgs renders the options as up.sh arguments.
func (o StartOptions) CommandArgs() []string {
	args := make([]string, 0, len(o.Args)+4)
	if o.NetworkMode != NetworkModeDefault {
		args = append(args, "--network-mode", string(o.NetworkMode))
	}
	if workflow := strings.TrimSpace(o.Workflow); workflow != "" {
		args = append(args, "--workflow", workflow)
	}
	for _, arg := range o.Args {
		if arg = strings.TrimSpace(arg); arg != "" {
			args = append(args, arg)
		}
	}
	return args
}

// Controller starts and stops the external process group. Exit codes are returned as-is;
// the error is reserved for commands that could not run.
type Controller interface {
	StartGroup(ctx context.Context, args []string) (int, error)
	StopGroup(ctx context.Context) (int, error)
	StartSource(ctx context.Context, name string) (int, error)
	StopSource(ctx context.Context, name string) (int, error)
	FetchLogs(ctx context.Context, process string, tailLines int) (string, error)
}

// LogSource fetches recent output of a named process.
type LogSource interface {
	Logs(ctx context.Context, name string, tail int) (string, error)
}

// Scripts names the lifecycle scripts.
type Scripts struct {
	Up     string
	Down   string
	Source string
}

// ScriptOptions configures a ScriptController.
type ScriptOptions struct {
	RootDir string
	Scripts Scripts
	Runner  Runner
	Logs    LogSource
	Timeout time.Duration
	Logger  *log.Logger
}

// ScriptController drives the group through the project's shell scripts and reads
// process output from a LogSource.
type ScriptController struct {
	root    string
	scripts Scripts
	runner  Runner
	logs    LogSource
	timeout time.Duration
	logger  *log.Logger
}

// NewScriptController validates options and fills in defaults.
func NewScriptController(opts ScriptOptions) (*ScriptController, error) {
	root := strings.TrimSpace(opts.RootDir)
	if root == "" {
		return nil, errors.New("root dir is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root dir %q: %w", root, err)
	}

	scripts := opts.Scripts
	if strings.TrimSpace(scripts.Up) == "" {
		scripts.Up = DefaultUpScript
	}
	if strings.TrimSpace(scripts.Down) == "" {
		scripts.Down = DefaultDownScript
	}
	if strings.TrimSpace(scripts.Source) == "" {
		scripts.Source = DefaultSourceScript
	}

	runner := opts.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	return &ScriptController{
		root:    absRoot,
		scripts: scripts,
		runner:  runner,
		logs:    opts.Logs,
		timeout: opts.Timeout,
		logger:  logger,
	}, nil
}

// StartGroup runs the up script with args.
func (c *ScriptController) StartGroup(ctx context.Context, args []string) (int, error) {
	return c.run(ctx, c.scripts.Up, args...)
}

// StopGroup runs the down script.
func (c *ScriptController) StopGroup(ctx context.Context) (int, error) {
	return c.run(ctx, c.scripts.Down)
}

// StartSource starts a named sample source.
func (c *ScriptController) StartSource(ctx context.Context, name string) (int, error) {
	if err := validateSourceName(name); err != nil {
		return 0, err
	}
	return c.run(ctx, c.scripts.Source, strings.TrimSpace(name), "start")
}

// StopSource stops a named sample source.
func (c *ScriptController) StopSource(ctx context.Context, name string) (int, error) {
	if err := validateSourceName(name); err != nil {
		return 0, err
	}
	return c.run(ctx, c.scripts.Source, strings.TrimSpace(name), "stop")
}

// FetchLogs returns the last tailLines lines of a process's output.
func (c *ScriptController) FetchLogs(ctx context.Context, process string, tailLines int) (string, error) {
	if c.logs == nil {
		return "", errors.New("no log source configured")
	}
	return c.logs.Logs(ctx, process, tailLines)
}

func (c *ScriptController) run(ctx context.Context, script string, args ...string) (int, error) {
	cmd := Command{Dir: c.root, Name: script, Args: args, Timeout: c.timeout}
	c.logger.Info("running lifecycle script", "command", cmd.String(), "dir", c.root)

	result, err := c.runner.Run(ctx, cmd)
	if err != nil {
		return -1, err
	}
	logger := c.logger.With("command", cmd.String(), "exit_code", result.ExitCode, "duration", result.Duration)
	if result.ExitCode != 0 {
		logger.Warn("lifecycle script exited non-zero", "output", result.Output)
	} else {
		logger.Debug("lifecycle script finished")
	}
	return result.ExitCode, nil
}

func validateSourceName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("source name is required")
	}
	if strings.ContainsAny(name, " \t\n/;&|") {
		return fmt.Errorf("source name %q contains invalid characters", name)
	}
	return nil
}

var _ Controller = (*ScriptController)(nil)
var _ Runner = ExecRunner{}
