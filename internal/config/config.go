package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/norskvideo/norsk-studio-docker/internal/poll"
)

// Dir is the per-user and per-project configuration directory name.
const Dir = ".studioctl"

const (
	defaultURL             = "http://localhost:8000"
	defaultStudioContainer = "norsk-studio"
	defaultMediaContainer  = "norsk-media"
	defaultStudioPort      = 8000
	defaultHealthPath      = "/env"
	defaultHealthAttempts  = 60
	defaultStateAttempts   = 30
	defaultWorkflowTries   = 60
	defaultWaitInterval    = time.Second
	defaultLogTailLines    = 50
	defaultStopTimeout     = 2 * time.Minute
	defaultCommandTimeout  = 5 * time.Minute
	defaultRequestRate     = 20.0
)

// Environment variables consulted after the config files.
const (
	EnvStudioURL = "STUDIO_URL"
	EnvCI        = "CI"
	EnvRoot      = "STUDIOCTL_ROOT"
)

// Network modes accepted by network_mode.
const (
	NetworkModeDefault = "default"
	NetworkModeDocker  = "docker"
)

// Config stores runtime settings loaded from TOML files and the environment.
type Config struct {
	// StudioURL overrides endpoint discovery when set.
	StudioURL       string
	DefaultURL      string
	ContainerLookup bool
	NetworkMode     string
	RootDir         string
	StudioContainer string
	StudioPort      int
	Processes       []string
	ComposeFile     string
	HealthPath      string
	Health          WaitConfig
	State           WaitConfig
	Workflow        WaitConfig
	LogTailLines    int
	StopTimeout     time.Duration
	CommandTimeout  time.Duration
	MetricsAddr     string
	RequestRate     float64
	OTelEndpoint    string
}

// WaitConfig is one bounded wait budget.
type WaitConfig struct {
	Attempts int
	Interval time.Duration
}

// Poll converts the budget for the poller.
func (w WaitConfig) Poll() poll.Config {
	return poll.Config{MaxAttempts: w.Attempts, Interval: w.Interval}
}

type fileConfig struct {
	StudioURL       *string     `toml:"studio_url"`
	DefaultURL      *string     `toml:"default_url"`
	ContainerLookup *bool       `toml:"container_lookup"`
	NetworkMode     *string     `toml:"network_mode"`
	RootDir         *string     `toml:"root_dir"`
	StudioContainer *string     `toml:"studio_container"`
	StudioPort      *int        `toml:"studio_port"`
	Processes       []string    `toml:"processes"`
	ComposeFile     *string     `toml:"compose_file"`
	HealthPath      *string     `toml:"health_path"`
	Health          *waitConfig `toml:"health"`
	State           *waitConfig `toml:"state"`
	Workflow        *waitConfig `toml:"workflow"`
	LogTailLines    *int        `toml:"log_tail_lines"`
	StopTimeout     *string     `toml:"stop_timeout"`
	CommandTimeout  *string     `toml:"command_timeout"`
	MetricsAddr     *string     `toml:"metrics_addr"`
	RequestRate     *float64    `toml:"request_rate"`
	OTelEndpoint    *string     `toml:"otel_endpoint"`
}

type waitConfig struct {
	Attempts *int    `toml:"attempts"`
	Interval *string `toml:"interval"`
}

// Load reads ~/.studioctl/config.toml, overlays ./.studioctl/config.toml, then the environment.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, Dir, "config.toml"),
		filepath.Join(workingDir, Dir, "config.toml"),
	}
	_ = ctx
	return load(paths, os.Getenv, workingDir)
}

func load(paths []string, getenv func(string) string, workingDir string) (*Config, error) {
	cfg := defaults(workingDir)
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnv(&cfg, getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaults(workingDir string) Config {
	return Config{
		DefaultURL:      defaultURL,
		NetworkMode:     NetworkModeDefault,
		RootDir:         workingDir,
		StudioContainer: defaultStudioContainer,
		StudioPort:      defaultStudioPort,
		Processes:       []string{defaultStudioContainer, defaultMediaContainer},
		HealthPath:      defaultHealthPath,
		Health:          WaitConfig{Attempts: defaultHealthAttempts, Interval: defaultWaitInterval},
		State:           WaitConfig{Attempts: defaultStateAttempts, Interval: defaultWaitInterval},
		Workflow:        WaitConfig{Attempts: defaultWorkflowTries, Interval: defaultWaitInterval},
		LogTailLines:    defaultLogTailLines,
		StopTimeout:     defaultStopTimeout,
		CommandTimeout:  defaultCommandTimeout,
		RequestRate:     defaultRequestRate,
	}
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	switch c.NetworkMode {
	case NetworkModeDefault, NetworkModeDocker:
	default:
		return fmt.Errorf("network_mode %q: want %q or %q", c.NetworkMode, NetworkModeDefault, NetworkModeDocker)
	}
	if c.StudioPort <= 0 || c.StudioPort > 65535 {
		return fmt.Errorf("studio_port %d out of range", c.StudioPort)
	}
	if !strings.HasPrefix(c.HealthPath, "/") {
		return fmt.Errorf("health_path %q must start with /", c.HealthPath)
	}
	for name, wait := range map[string]WaitConfig{"health": c.Health, "state": c.State, "workflow": c.Workflow} {
		if err := wait.Poll().Validate(); err != nil {
			return fmt.Errorf("%s wait: %w", name, err)
		}
	}
	if c.LogTailLines <= 0 {
		return errors.New("log_tail_lines must be > 0")
	}
	if c.RequestRate < 0 {
		return errors.New("request_rate must be >= 0")
	}
	return nil
}

func overlayFromFile(cfg *Config, path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("decode config file %q: unsupported key %q", path, undecoded[0].String())
	}

	applyScalarOverrides(cfg, decoded)
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	waits := []struct {
		name   string
		target *WaitConfig
		source *waitConfig
	}{
		{name: "health", target: &cfg.Health, source: decoded.Health},
		{name: "state", target: &cfg.State, source: decoded.State},
		{name: "workflow", target: &cfg.Workflow, source: decoded.Workflow},
	}
	for _, wait := range waits {
		if err := applyWaitOverride(wait.target, wait.source, wait.name, path); err != nil {
			return err
		}
	}
	return nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig) {
	if decoded.StudioURL != nil {
		cfg.StudioURL = strings.TrimSpace(*decoded.StudioURL)
	}
	if decoded.DefaultURL != nil {
		cfg.DefaultURL = strings.TrimSpace(*decoded.DefaultURL)
	}
	if decoded.ContainerLookup != nil {
		cfg.ContainerLookup = *decoded.ContainerLookup
	}
	if decoded.NetworkMode != nil {
		cfg.NetworkMode = normalizeKey(*decoded.NetworkMode)
	}
	if decoded.RootDir != nil {
		cfg.RootDir = strings.TrimSpace(*decoded.RootDir)
	}
	if decoded.StudioContainer != nil {
		cfg.StudioContainer = strings.TrimSpace(*decoded.StudioContainer)
	}
	if decoded.StudioPort != nil {
		cfg.StudioPort = *decoded.StudioPort
	}
	if decoded.Processes != nil {
		cfg.Processes = normalizeList(decoded.Processes)
	}
	if decoded.ComposeFile != nil {
		cfg.ComposeFile = strings.TrimSpace(*decoded.ComposeFile)
	}
	if decoded.HealthPath != nil {
		cfg.HealthPath = strings.TrimSpace(*decoded.HealthPath)
	}
	if decoded.LogTailLines != nil {
		cfg.LogTailLines = *decoded.LogTailLines
	}
	if decoded.MetricsAddr != nil {
		cfg.MetricsAddr = strings.TrimSpace(*decoded.MetricsAddr)
	}
	if decoded.RequestRate != nil {
		cfg.RequestRate = *decoded.RequestRate
	}
	if decoded.OTelEndpoint != nil {
		cfg.OTelEndpoint = strings.TrimSpace(*decoded.OTelEndpoint)
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.StopTimeout != nil {
		value, err := parseDuration(*decoded.StopTimeout, "stop_timeout", path)
		if err != nil {
			return err
		}
		cfg.StopTimeout = value
	}
	if decoded.CommandTimeout != nil {
		value, err := parseDuration(*decoded.CommandTimeout, "command_timeout", path)
		if err != nil {
			return err
		}
		cfg.CommandTimeout = value
	}
	return nil
}

func applyWaitOverride(target *WaitConfig, source *waitConfig, name, path string) error {
	if source == nil {
		return nil
	}
	if source.Attempts != nil {
		if *source.Attempts < 1 {
			return fmt.Errorf("parse %s.attempts in %q: must be >= 1", name, path)
		}
		target.Attempts = *source.Attempts
	}
	if source.Interval != nil {
		value, err := parseDuration(*source.Interval, name+".interval", path)
		if err != nil {
			return err
		}
		target.Interval = value
	}
	return nil
}

// CI runners cannot reach the studio on localhost and have no host networking,
// so CI switches on both container lookup and docker network mode.
func applyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		return
	}
	if url := strings.TrimSpace(getenv(EnvStudioURL)); url != "" {
		cfg.StudioURL = url
	}
	if root := strings.TrimSpace(getenv(EnvRoot)); root != "" {
		cfg.RootDir = root
	}
	if ci := strings.TrimSpace(getenv(EnvCI)); ci != "" {
		enabled, err := strconv.ParseBool(ci)
		if err != nil {
			// CI providers set arbitrary non-empty values.
			enabled = true
		}
		if enabled {
			cfg.ContainerLookup = true
			cfg.NetworkMode = NetworkModeDocker
		}
	}
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("parse %s in %q: must not be negative", key, path)
	}
	return parsed, nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, value)
		}
	}
	return out
}
