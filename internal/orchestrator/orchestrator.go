package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/norskvideo/norsk-studio-docker/internal/diagnostics"
	"github.com/norskvideo/norsk-studio-docker/internal/events"
	"github.com/norskvideo/norsk-studio-docker/internal/metrics"
	"github.com/norskvideo/norsk-studio-docker/internal/poll"
	"github.com/norskvideo/norsk-studio-docker/internal/process"
	"github.com/norskvideo/norsk-studio-docker/internal/state"
	"github.com/norskvideo/norsk-studio-docker/internal/status"
)

const (
	// DefaultHealthPath is polled after the start command returns.
	DefaultHealthPath = status.PathEnv
	// DefaultStopTimeout bounds the stop command, independent of the caller's deadline.
	DefaultStopTimeout = 2 * time.Minute
)

// HealthChecker issues one health request. status.Client satisfies it.
type HealthChecker interface {
	Get(ctx context.Context, path string) (status.Response, error)
}

// Invalidator drops a cached endpoint. endpoint.Resolver satisfies it.
type Invalidator interface {
	Invalidate()
}

// Capturer gathers process output after a failed start. diagnostics.Collector satisfies it.
type Capturer interface {
	Capture(ctx context.Context, group process.Group) diagnostics.Report
}

// ExitError reports a lifecycle command that ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
}

// StartError is returned by Start after diagnostics were captured.
type StartError struct {
	Group       string
	Cause       error
	Diagnostics diagnostics.Report
}

func (e *StartError) Error() string {
	msg := fmt.Sprintf("start %s: %v", e.Group, e.Cause)
	if excerpt := e.Diagnostics.String(); excerpt != "" {
		msg += "\n" + excerpt
	}
	return msg
}

// Unwrap exposes the cause, typically a *poll.TimeoutError or *ExitError.
func (e *StartError) Unwrap() error {
	return e.Cause
}

// Options wires an Orchestrator to its collaborators.
type Options struct {
	Controller   process.Controller
	Health       HealthChecker
	Endpoint     Invalidator
	Diagnostics  Capturer
	Poller       *poll.Poller
	HealthPath   string
	HealthConfig poll.Config
	StopTimeout  time.Duration
	Bus          events.Bus
	Metrics      *metrics.Recorder
	Tracer       trace.Tracer
	Logger       *log.Logger
}

// Orchestrator starts and stops process groups and tracks each group's lifecycle.
// State and History never wait on a lifecycle operation. Stop interrupts an
// in-flight Start of the same group; stop commands are serialised.
type Orchestrator struct {
	controller  process.Controller
	health      HealthChecker
	endpoint    Invalidator
	diagnostics Capturer
	poller      *poll.Poller
	healthPath  string
	healthCfg   poll.Config
	stopTimeout time.Duration
	bus         events.Bus
	metrics     *metrics.Recorder
	tracer      trace.Tracer
	logger      *log.Logger

	mu       sync.Mutex // guards machines and starts
	machines map[string]*state.Machine
	starts   map[string]context.CancelFunc

	stopMu sync.Mutex
}

// New validates opts and builds an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Controller == nil {
		return nil, errors.New("process controller is required")
	}
	if opts.Health == nil {
		return nil, errors.New("health checker is required")
	}
	if opts.Diagnostics == nil {
		return nil, errors.New("diagnostics capturer is required")
	}

	o := &Orchestrator{
		controller:  opts.Controller,
		health:      opts.Health,
		endpoint:    opts.Endpoint,
		diagnostics: opts.Diagnostics,
		poller:      opts.Poller,
		healthPath:  strings.TrimSpace(opts.HealthPath),
		healthCfg:   opts.HealthConfig,
		stopTimeout: opts.StopTimeout,
		bus:         opts.Bus,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		logger:      opts.Logger,
		machines:    make(map[string]*state.Machine),
		starts:      make(map[string]context.CancelFunc),
	}
	if o.poller == nil {
		o.poller = poll.New()
	}
	if o.healthPath == "" {
		o.healthPath = DefaultHealthPath
	}
	if o.healthCfg == (poll.Config{}) {
		o.healthCfg = poll.DefaultConfig()
	}
	if err := o.healthCfg.Validate(); err != nil {
		return nil, fmt.Errorf("health wait: %w", err)
	}
	if o.stopTimeout <= 0 {
		o.stopTimeout = DefaultStopTimeout
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("studioctl/orchestrator")
	}
	if o.logger == nil {
		o.logger = log.New(io.Discard)
	}
	return o, nil
}

// State returns the lifecycle state of the named group. Unknown groups are Stopped.
func (o *Orchestrator) State(group string) state.GroupState {
	machine, ok := o.lookup(group)
	if !ok {
		return state.Stopped
	}
	return machine.Current()
}

// History returns the recorded transitions of the named group.
func (o *Orchestrator) History(group string) []state.TransitionRecord {
	machine, ok := o.lookup(group)
	if !ok {
		return nil
	}
	return machine.History()
}

// Start launches group and waits until the studio answers its health path.
//
// A launch failure or non-zero exit skips the health wait. Either way a failed
// start captures diagnostics once, leaves the group Failed and returns a *StartError.
// A start interrupted by Stop returns without diagnostics and leaves the state to Stop.
func (o *Orchestrator) Start(ctx context.Context, group process.Group, opts process.StartOptions) error {
	if err := group.Validate(); err != nil {
		return err
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.start", trace.WithAttributes(
		attribute.String("group", group.Name),
		attribute.String("network_mode", string(opts.NetworkMode)),
		attribute.String("workflow", opts.Workflow),
	))
	defer span.End()

	machine, err := o.machineFor(group.Name)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := o.trackStart(group.Name, cancel); err != nil {
		return err
	}
	defer o.untrackStart(group.Name)
	if err := machine.Transition(ctx, state.Starting, "start requested"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if o.endpoint != nil {
		o.endpoint.Invalidate()
	}
	logger := o.logger.With("group", group.Name)
	args := opts.CommandArgs()
	logger.Info("starting process group", "args", strings.Join(args, " "))

	exitCode, runErr := o.controller.StartGroup(ctx, args)
	o.publish(events.Event{
		Type:     events.TypeScriptExit,
		Group:    group.Name,
		Payload:  events.ScriptExit{Script: "start", ExitCode: exitCode},
		Severity: severityFor(runErr == nil && exitCode == 0),
	})
	switch {
	case (runErr != nil || exitCode != 0) && o.interrupted(ctx, machine):
		return o.abandonStart(span, group, context.Cause(ctx))
	case runErr != nil:
		return o.failStart(ctx, span, machine, group, fmt.Errorf("launch start command: %w", runErr))
	case exitCode != 0:
		return o.failStart(ctx, span, machine, group, &ExitError{Command: "start command", ExitCode: exitCode})
	}

	waitName := fmt.Sprintf("group %s health", group.Name)
	err = o.poller.Until(ctx, waitName, o.healthCfg, func(ctx context.Context) error {
		_, err := o.health.Get(ctx, o.healthPath)
		return err
	})
	if err != nil && o.interrupted(ctx, machine) {
		return o.abandonStart(span, group, err)
	}
	if err != nil {
		var timeout *poll.TimeoutError
		if errors.As(err, &timeout) {
			o.publish(events.Event{
				Type:     events.TypeWaitTimeout,
				Group:    group.Name,
				Payload:  events.WaitTimeout{Wait: timeout.Name, Attempts: timeout.Attempts, Budget: timeout.Budget},
				Severity: events.SeverityError,
			})
		}
		return o.failStart(ctx, span, machine, group, err)
	}

	if err := machine.Transition(ctx, state.Running, "health check passed"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	logger.Info("process group is healthy", "path", o.healthPath)
	span.SetStatus(codes.Ok, "running")
	return nil
}

// Stop runs the stop command and always leaves the group Stopped.
//
// Stop outlives cancellation of ctx, bounded by its own timeout. Failures are logged only.
func (o *Orchestrator) Stop(ctx context.Context, group process.Group) {
	o.stopMu.Lock()
	defer o.stopMu.Unlock()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.stopTimeout)
	defer cancel()
	stopCtx, span := o.tracer.Start(stopCtx, "orchestrator.stop", trace.WithAttributes(
		attribute.String("group", group.Name),
	))
	defer span.End()

	logger := o.logger.With("group", group.Name)
	machine, err := o.machineFor(group.Name)
	if err != nil {
		logger.Error("cannot track group state", "err", err)
	} else if err := machine.Transition(stopCtx, state.Stopping, "stop requested"); err != nil {
		logger.Warn("unexpected transition while stopping", "err", err)
	}
	if o.cancelStart(group.Name) {
		logger.Info("interrupted in-flight start")
	}

	logger.Info("stopping process group")
	exitCode, runErr := o.controller.StopGroup(stopCtx)
	switch {
	case runErr != nil:
		logger.Warn("stop command could not run", "err", runErr)
		span.RecordError(runErr)
	case exitCode != 0:
		logger.Warn("stop command exited non-zero", "exit_code", exitCode)
	}
	o.publish(events.Event{
		Type:     events.TypeScriptExit,
		Group:    group.Name,
		Payload:  events.ScriptExit{Script: "stop", ExitCode: exitCode},
		Severity: severityFor(runErr == nil && exitCode == 0),
	})

	if o.endpoint != nil {
		o.endpoint.Invalidate()
	}
	if machine != nil {
		if err := machine.Transition(stopCtx, state.Stopped, "stop finished"); err != nil {
			logger.Warn("unexpected transition while stopping", "err", err)
		}
	}
}

// StartSource starts a named sample source. A launch failure or non-zero exit is returned.
func (o *Orchestrator) StartSource(ctx context.Context, name string) error {
	exitCode, err := o.controller.StartSource(ctx, name)
	o.publishSource(name, "start", exitCode, err)
	if err != nil {
		return fmt.Errorf("start source %s: %w", name, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("start source %s: %w", name, &ExitError{Command: "source start command", ExitCode: exitCode})
	}
	o.logger.Info("source started", "source", name)
	return nil
}

// StopSource stops a named sample source. Failures are logged only.
func (o *Orchestrator) StopSource(ctx context.Context, name string) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.stopTimeout)
	defer cancel()

	exitCode, err := o.controller.StopSource(stopCtx, name)
	o.publishSource(name, "stop", exitCode, err)
	switch {
	case err != nil:
		o.logger.Warn("source stop command could not run", "source", name, "err", err)
	case exitCode != 0:
		o.logger.Warn("source stop command exited non-zero", "source", name, "exit_code", exitCode)
	default:
		o.logger.Info("source stopped", "source", name)
	}
}

func (o *Orchestrator) failStart(ctx context.Context, span trace.Span, machine *state.Machine, group process.Group, cause error) error {
	o.logger.Error("process group failed to start; capturing diagnostics", "group", group.Name, "err", cause)
	report := o.diagnostics.Capture(ctx, group)
	o.publish(events.Event{
		Type:     events.TypeDiagnosticsCaptured,
		Group:    group.Name,
		Payload:  events.DiagnosticsCaptured{Processes: report.Processes(), Failures: report.Failures()},
		Severity: events.SeverityWarn,
	})

	if err := machine.Transition(context.WithoutCancel(ctx), state.Failed, cause.Error()); err != nil {
		o.logger.Warn("unexpected transition after failed start", "group", group.Name, "err", err)
	}

	startErr := &StartError{Group: group.Name, Cause: cause, Diagnostics: report}
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	return startErr
}

// abandonStart reports a start cut short by Stop. Stop owns the state from here.
func (o *Orchestrator) abandonStart(span trace.Span, group process.Group, cause error) error {
	o.logger.Warn("start interrupted by stop", "group", group.Name, "err", cause)
	err := fmt.Errorf("start %s interrupted by stop: %w", group.Name, cause)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// interrupted reports whether ctx ended because Stop took over the group.
func (o *Orchestrator) interrupted(ctx context.Context, machine *state.Machine) bool {
	if ctx.Err() == nil {
		return false
	}
	current := machine.Current()
	return current == state.Stopping || current == state.Stopped
}

func (o *Orchestrator) trackStart(group string, cancel context.CancelFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	group = strings.TrimSpace(group)
	if _, busy := o.starts[group]; busy {
		return fmt.Errorf("start %s: already in progress", group)
	}
	o.starts[group] = cancel
	return nil
}

func (o *Orchestrator) untrackStart(group string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.starts, strings.TrimSpace(group))
}

func (o *Orchestrator) cancelStart(group string) bool {
	o.mu.Lock()
	cancel, ok := o.starts[strings.TrimSpace(group)]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (o *Orchestrator) lookup(group string) (*state.Machine, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	machine, ok := o.machines[strings.TrimSpace(group)]
	return machine, ok
}

func (o *Orchestrator) machineFor(group string) (*state.Machine, error) {
	group = strings.TrimSpace(group)
	o.mu.Lock()
	defer o.mu.Unlock()
	if machine, ok := o.machines[group]; ok {
		return machine, nil
	}
	machine, err := state.NewMachine(group, state.WithObserver(o.observe))
	if err != nil {
		return nil, err
	}
	o.machines[group] = machine
	o.metrics.SetGroupState(group, string(state.Stopped), stateNames())
	return machine, nil
}

func (o *Orchestrator) observe(record state.TransitionRecord) {
	o.metrics.SetGroupState(record.Group, string(record.ToState), stateNames())
	severity := events.SeverityInfo
	if record.ToState == state.Failed {
		severity = events.SeverityError
	}
	o.publish(events.Event{
		Type:  events.TypeGroupTransition,
		Group: record.Group,
		Payload: events.GroupTransition{
			From:   string(record.FromState),
			To:     string(record.ToState),
			Reason: record.Reason,
		},
		Severity:  severity,
		Timestamp: record.Timestamp,
	})
	o.logger.Debug("group transition", "group", record.Group, "from", record.FromState, "to", record.ToState)
}

func (o *Orchestrator) publishSource(name, action string, exitCode int, err error) {
	o.publish(events.Event{
		Type:     events.TypeSourceChange,
		Payload:  events.SourceChange{Source: name, Action: action, ExitCode: exitCode},
		Severity: severityFor(err == nil && exitCode == 0),
	})
}

func (o *Orchestrator) publish(event events.Event) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(event)
}

func severityFor(ok bool) string {
	if ok {
		return events.SeverityInfo
	}
	return events.SeverityWarn
}

func stateNames() []string {
	all := state.All()
	names := make([]string, 0, len(all))
	for _, s := range all {
		names = append(names, string(s))
	}
	return names
}
