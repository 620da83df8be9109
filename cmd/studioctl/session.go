package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/norskvideo/norsk-studio-docker/internal/config"
	"github.com/norskvideo/norsk-studio-docker/internal/diagnostics"
	"github.com/norskvideo/norsk-studio-docker/internal/docker"
	"github.com/norskvideo/norsk-studio-docker/internal/endpoint"
	"github.com/norskvideo/norsk-studio-docker/internal/events"
	"github.com/norskvideo/norsk-studio-docker/internal/logging"
	"github.com/norskvideo/norsk-studio-docker/internal/metrics"
	"github.com/norskvideo/norsk-studio-docker/internal/orchestrator"
	"github.com/norskvideo/norsk-studio-docker/internal/poll"
	"github.com/norskvideo/norsk-studio-docker/internal/process"
	"github.com/norskvideo/norsk-studio-docker/internal/reconcile"
	"github.com/norskvideo/norsk-studio-docker/internal/status"
	"github.com/norskvideo/norsk-studio-docker/internal/telemetry"
)

type rootFlags struct {
	url         string
	root        string
	logLevel    string
	metricsAddr string
}

// session owns everything one CLI invocation opens and must release.
type session struct {
	cfg    *config.Config
	stdout io.Writer
	stderr io.Writer
	flags  rootFlags
	// logDir overrides ~/.studioctl/logs; tests point it at a temp dir.
	logDir string

	logger  *logging.RuntimeLogger
	metrics *metrics.Recorder
	stack   *stack
	closers []func()
}

// stack is the wired harness used by the lifecycle and wait commands.
type stack struct {
	docker       *docker.Client
	resolver     *endpoint.Resolver
	status       *status.Client
	poller       *poll.Poller
	reconciler   *reconcile.Reconciler
	controller   *process.ScriptController
	collector    *diagnostics.Collector
	bus          *events.InMemoryBus
	orchestrator *orchestrator.Orchestrator
	group        process.Group
}

func newSession(cfg *config.Config, stdout, stderr io.Writer) *session {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	return &session{cfg: cfg, stdout: stdout, stderr: stderr}
}

// open applies the global flags and starts logging, tracing and metrics.
func (s *session) open(ctx context.Context) error {
	if s.logger != nil {
		return nil
	}
	if err := s.applyFlags(); err != nil {
		return err
	}

	level, err := logging.ParseLevel(s.flags.logLevel)
	if err != nil {
		return err
	}
	options := []logging.Option{
		logging.WithLevel(level),
		logging.WithConsole(s.stderr),
	}
	if s.logDir != "" {
		options = append(options, logging.WithDir(s.logDir))
	}
	logger, err := logging.New(ctx, options...)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	s.logger = logger
	s.closers = append(s.closers, func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(s.stderr, "failed to close logger: %v\n", closeErr)
		}
	})

	shutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint: s.cfg.OTelEndpoint,
		Fallback: s.stderr,
		RunID:    logger.RunID(),
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	s.closers = append(s.closers, shutdown)

	s.metrics = metrics.New()
	if addr := s.cfg.MetricsAddr; addr != "" {
		serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		go func() {
			defer close(done)
			if serveErr := s.metrics.Serve(serveCtx, addr); serveErr != nil {
				logger.Logger.Error("metrics server stopped", "addr", addr, "error", serveErr)
			}
		}()
		s.closers = append(s.closers, func() {
			cancel()
			<-done
		})
		logger.Logger.Info("serving metrics", "addr", addr)
	}
	return nil
}

func (s *session) applyFlags() error {
	if url := strings.TrimSpace(s.flags.url); url != "" {
		s.cfg.StudioURL = url
	}
	if root := strings.TrimSpace(s.flags.root); root != "" {
		s.cfg.RootDir = root
	}
	if addr := strings.TrimSpace(s.flags.metricsAddr); addr != "" {
		s.cfg.MetricsAddr = addr
	}
	if err := s.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// wire builds the harness once per invocation.
func (s *session) wire() (*stack, error) {
	if s.stack != nil {
		return s.stack, nil
	}
	if s.logger == nil {
		return nil, errors.New("session is not open")
	}
	cfg := s.cfg
	logger := s.logger.Logger

	dockerClient, err := docker.NewFromEnv()
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() {
		if closeErr := dockerClient.Close(); closeErr != nil {
			logger.Warn("close docker client", "error", closeErr)
		}
	})

	var lookup endpoint.Lookup
	if cfg.ContainerLookup {
		lookup = endpoint.ContainerLookup(dockerClient, cfg.StudioContainer, cfg.StudioPort)
	}
	resolver := endpoint.New(endpoint.Options{
		Override: cfg.StudioURL,
		Lookup:   lookup,
		Default:  cfg.DefaultURL,
		Logger:   logger,
	})

	statusClient, err := status.New(resolver,
		status.WithLogger(logger),
		status.WithRateLimit(cfg.RequestRate, 1),
	)
	if err != nil {
		return nil, err
	}

	poller := poll.New(poll.WithLogger(logger), poll.WithMetrics(s.metrics))
	reconciler, err := reconcile.New(statusClient, poller, logger)
	if err != nil {
		return nil, err
	}

	controller, err := process.NewScriptController(process.ScriptOptions{
		RootDir: cfg.RootDir,
		Runner:  process.ExecRunner{Mirror: s.stderr},
		Logs:    dockerClient,
		Timeout: cfg.CommandTimeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	collector, err := diagnostics.New(controller,
		diagnostics.WithTailLines(cfg.LogTailLines),
		diagnostics.WithWriter(s.stderr),
		diagnostics.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	bus := events.New(events.WithLogger(logger))
	console := s.logger.Console
	bus.SubscribeAll(func(event events.Event) {
		console.Info(event.Type, "group", event.Group, "severity", event.Severity)
	})
	s.closers = append(s.closers, bus.Close)

	orch, err := orchestrator.New(orchestrator.Options{
		Controller:   controller,
		Health:       statusClient,
		Endpoint:     resolver,
		Diagnostics:  collector,
		Poller:       poller,
		HealthPath:   cfg.HealthPath,
		HealthConfig: cfg.Health.Poll(),
		StopTimeout:  cfg.StopTimeout,
		Bus:          bus,
		Metrics:      s.metrics,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	group, err := groupFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	s.stack = &stack{
		docker:       dockerClient,
		resolver:     resolver,
		status:       statusClient,
		poller:       poller,
		reconciler:   reconciler,
		controller:   controller,
		collector:    collector,
		bus:          bus,
		orchestrator: orch,
		group:        group,
	}
	return s.stack, nil
}

// groupFromConfig prefers the compose file over the processes list.
func groupFromConfig(cfg *config.Config) (process.Group, error) {
	if compose := strings.TrimSpace(cfg.ComposeFile); compose != "" {
		if !filepath.IsAbs(compose) {
			compose = filepath.Join(cfg.RootDir, compose)
		}
		return process.LoadComposeGroup(compose, cfg.StudioContainer)
	}
	group := process.Group{Name: cfg.StudioContainer, Processes: append([]string(nil), cfg.Processes...)}
	if err := group.Validate(); err != nil {
		return process.Group{}, err
	}
	return group, nil
}

// close releases resources in reverse order of acquisition.
func (s *session) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
