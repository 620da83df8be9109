package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvStudioURL, "")
	t.Setenv(EnvCI, "")
	t.Setenv(EnvRoot, "")
	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.StudioURL != "" {
		t.Fatalf("studio_url = %q, want empty", cfg.StudioURL)
	}
	if cfg.DefaultURL != defaultURL {
		t.Fatalf("default_url = %q, want %q", cfg.DefaultURL, defaultURL)
	}
	if cfg.ContainerLookup {
		t.Fatal("container_lookup enabled without CI")
	}
	if cfg.NetworkMode != NetworkModeDefault {
		t.Fatalf("network_mode = %q, want %q", cfg.NetworkMode, NetworkModeDefault)
	}
	if resolved, _ := filepath.EvalSymlinks(cfg.RootDir); resolved != mustEvalSymlinks(t, work) {
		t.Fatalf("root_dir = %q, want working dir %q", cfg.RootDir, work)
	}
	if !reflect.DeepEqual(cfg.Processes, []string{"norsk-studio", "norsk-media"}) {
		t.Fatalf("processes = %v", cfg.Processes)
	}
	if cfg.Health != (WaitConfig{Attempts: 60, Interval: time.Second}) {
		t.Fatalf("health = %+v, want 60 x 1s", cfg.Health)
	}
	if cfg.State != (WaitConfig{Attempts: 30, Interval: time.Second}) {
		t.Fatalf("state = %+v, want 30 x 1s", cfg.State)
	}
	if cfg.Workflow != (WaitConfig{Attempts: 60, Interval: time.Second}) {
		t.Fatalf("workflow = %+v, want 60 x 1s", cfg.Workflow)
	}
	if cfg.HealthPath != "/env" {
		t.Fatalf("health_path = %q, want /env", cfg.HealthPath)
	}
	if cfg.LogTailLines != defaultLogTailLines {
		t.Fatalf("log_tail_lines = %d, want %d", cfg.LogTailLines, defaultLogTailLines)
	}
	if cfg.StopTimeout != defaultStopTimeout {
		t.Fatalf("stop_timeout = %s, want %s", cfg.StopTimeout, defaultStopTimeout)
	}
}

func TestLoadOverlayProjectOverHome(t *testing.T) {
	home := t.TempDir()
	work := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvStudioURL, "")
	t.Setenv(EnvCI, "")
	t.Setenv(EnvRoot, "")

	writeFile(t, filepath.Join(home, Dir, "config.toml"), `
default_url = "http://studio.home:8000"
studio_port = 9000
stop_timeout = "30s"

[health]
attempts = 90
interval = "2s"
`)
	writeFile(t, filepath.Join(work, Dir, "config.toml"), `
network_mode = "Docker"
otel_endpoint = "http://collector:4318"
processes = ["norsk-studio", " norsk-media ", "srt-relay", ""]

[health]
attempts = 120

[state]
interval = "250ms"
`)
	chdir(t, work)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.DefaultURL != "http://studio.home:8000" {
		t.Fatalf("default_url = %q", cfg.DefaultURL)
	}
	if cfg.StudioPort != 9000 {
		t.Fatalf("studio_port = %d, want 9000", cfg.StudioPort)
	}
	if cfg.StopTimeout != 30*time.Second {
		t.Fatalf("stop_timeout = %s, want 30s", cfg.StopTimeout)
	}
	if cfg.NetworkMode != NetworkModeDocker {
		t.Fatalf("network_mode = %q, want docker", cfg.NetworkMode)
	}
	if cfg.OTelEndpoint != "http://collector:4318" {
		t.Fatalf("otel_endpoint = %q", cfg.OTelEndpoint)
	}
	if !reflect.DeepEqual(cfg.Processes, []string{"norsk-studio", "norsk-media", "srt-relay"}) {
		t.Fatalf("processes = %v", cfg.Processes)
	}
	if cfg.Health != (WaitConfig{Attempts: 120, Interval: 2 * time.Second}) {
		t.Fatalf("health = %+v, want project attempts with home interval", cfg.Health)
	}
	if cfg.State != (WaitConfig{Attempts: 30, Interval: 250 * time.Millisecond}) {
		t.Fatalf("state = %+v", cfg.State)
	}
}

func TestEnvironmentOverridesFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, `studio_url = "http://from-file:8000"`)

	env := map[string]string{
		EnvStudioURL: "http://from-env:8000",
		EnvRoot:      "/srv/norsk-studio-docker",
		EnvCI:        "true",
	}
	cfg, err := load([]string{path}, func(key string) string { return env[key] }, dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.StudioURL != "http://from-env:8000" {
		t.Fatalf("studio_url = %q, want env value", cfg.StudioURL)
	}
	if cfg.RootDir != "/srv/norsk-studio-docker" {
		t.Fatalf("root_dir = %q", cfg.RootDir)
	}
	if !cfg.ContainerLookup || cfg.NetworkMode != NetworkModeDocker {
		t.Fatalf("CI should enable container lookup and docker networking: %+v", cfg)
	}
}

func TestCIValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value   string
		enabled bool
	}{
		{value: "", enabled: false},
		{value: "false", enabled: false},
		{value: "0", enabled: false},
		{value: "1", enabled: true},
		{value: "true", enabled: true},
		{value: "github-actions", enabled: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.value, func(t *testing.T) {
			t.Parallel()
			cfg, err := load(nil, func(key string) string {
				if key == EnvCI {
					return tt.value
				}
				return ""
			}, t.TempDir())
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if cfg.ContainerLookup != tt.enabled {
				t.Fatalf("CI=%q container_lookup = %v, want %v", tt.value, cfg.ContainerLookup, tt.enabled)
			}
		})
	}
}

func TestLoadRejectsInvalidFiles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "bad duration", content: `stop_timeout = "soon"`, want: "stop_timeout"},
		{name: "zero attempts", content: "[state]\nattempts = 0", want: "state.attempts"},
		{name: "bad interval", content: "[workflow]\ninterval = \"-1s\"", want: "workflow.interval"},
		{name: "unknown network mode", content: `network_mode = "host-only"`, want: "network_mode"},
		{name: "unknown key", content: `studio_ulr = "http://typo"`, want: "unsupported key"},
		{name: "bad port", content: `studio_port = 70000`, want: "studio_port"},
		{name: "relative health path", content: `health_path = "env"`, want: "health_path"},
		{name: "malformed", content: `studio_url = `, want: "decode config file"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "config.toml")
			writeFile(t, path, tt.content)

			_, err := load([]string{path}, nil, t.TempDir())
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q missing %q", err.Error(), tt.want)
			}
		})
	}
}

func TestWaitConfigPoll(t *testing.T) {
	t.Parallel()

	got := WaitConfig{Attempts: 60, Interval: time.Second}.Poll()
	if got.MaxAttempts != 60 || got.Interval != time.Second {
		t.Fatalf("poll config = %+v", got)
	}
	if got.Budget() != time.Minute {
		t.Fatalf("budget = %s, want 1m", got.Budget())
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		if chdirErr := os.Chdir(cwd); chdirErr != nil {
			t.Fatalf("restore cwd: %v", chdirErr)
		}
	})
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
}

func mustEvalSymlinks(t *testing.T, path string) string {
	t.Helper()
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		t.Fatalf("eval symlinks: %v", err)
	}
	return resolved
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
}
