package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/norskvideo/norsk-studio-docker/internal/config"
)

const bugreportLogLimit = 3

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
	bugreportRunCmdFn  = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).CombinedOutput()
	}
)

// captureFunc renders the group's recent process output for the bundle.
type captureFunc func(ctx context.Context) (string, error)

func newBugreportCommand(s *session) *cobra.Command {
	var skipCapture bool
	cmd := &cobra.Command{
		Use:   "bugreport",
		Short: "Bundle recent logs, config and process output for debugging",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s.logger.Logger.Info("collecting bug report bundle")
			var capture captureFunc
			if !skipCapture {
				capture = func(ctx context.Context) (string, error) {
					st, err := s.wire()
					if err != nil {
						return "", err
					}
					return st.collector.Capture(ctx, st.group).String(), nil
				}
			}
			return runBugReport(cmd.Context(), cmd.OutOrStdout(), s.cfg.RootDir, capture)
		},
	}
	cmd.Flags().BoolVar(&skipCapture, "skip-capture", false, "do not fetch process output from the container runtime")
	return cmd
}

func runBugReport(ctx context.Context, out io.Writer, projectDir string, capture captureFunc) error {
	homeDir, err := bugreportHomeDirFn()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	homeDir = filepath.Clean(homeDir)
	if strings.TrimSpace(homeDir) == "" || homeDir == "." {
		return errors.New("home directory is not valid")
	}
	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}
	cwd = filepath.Clean(cwd)
	if strings.TrimSpace(projectDir) == "" {
		projectDir = cwd
	}

	bundlePath := filepath.Join(cwd, fmt.Sprintf("studioctl-bugreport-%s.tar.gz", bugreportNowFn().Format("20060102-150405")))

	stagingDir, err := os.MkdirTemp("", "studioctl-bugreport-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(stagingDir)
	}()

	summary := bugreportSummary{
		Timestamp: bugreportNowFn().Format(time.RFC3339),
		Version:   Version,
	}
	steps := []func() error{
		func() error { return stageLogs(homeDir, stagingDir, &summary) },
		func() error { return stageVersion(stagingDir, summary.Version) },
		func() error { return stageConfigs(homeDir, projectDir, stagingDir, &summary) },
		func() error { return stageGitState(ctx, projectDir, stagingDir) },
		func() error { return stageDiagnostics(ctx, capture, stagingDir, &summary) },
		func() error { return stageREADME(stagingDir, summary) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	if err := archiveDir(stagingDir, bundlePath); err != nil {
		return err
	}

	if out == nil {
		out = os.Stdout
	}
	if _, err := fmt.Fprintf(out, "Bug report written to: %s\n", bundlePath); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

type bugreportSummary struct {
	Timestamp string
	Version   string
	RunID     string
	LogFiles  []string
	Warnings  []string
}

func (s *bugreportSummary) warn(format string, args ...any) {
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

func stageLogs(homeDir, stagingDir string, summary *bugreportSummary) error {
	files, err := newestFiles(filepath.Join(homeDir, config.Dir, "logs"), bugreportLogLimit)
	if err != nil {
		summary.warn("unable to read logs directory: %v", err)
		files = nil
	}
	destDir := filepath.Join(stagingDir, "logs")
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return fmt.Errorf("create logs staging directory: %w", err)
	}
	for _, file := range files {
		// #nosec G304 -- path comes from enumerating ~/.studioctl/logs.
		data, readErr := os.ReadFile(file.path)
		if readErr != nil {
			summary.warn("unable to read log %s: %v", file.path, readErr)
			continue
		}
		if writeErr := os.WriteFile(filepath.Join(destDir, filepath.Base(file.path)), data, 0o600); writeErr != nil {
			summary.warn("unable to stage log %s: %v", file.path, writeErr)
			continue
		}
		summary.LogFiles = append(summary.LogFiles, file.path)
		if summary.RunID == "" {
			summary.RunID = lastRunID(data)
		}
	}

	content := fmt.Sprintf("run_id: %s\n", summary.RunID)
	if err := os.WriteFile(filepath.Join(stagingDir, "last-run.txt"), []byte(content), 0o600); err != nil {
		return fmt.Errorf("write last-run.txt: %w", err)
	}
	return nil
}

// lastRunID returns the run_id of the last JSON record that carries one.
func lastRunID(data []byte) string {
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		var record struct {
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal([]byte(lines[i]), &record); err != nil {
			continue
		}
		if runID := strings.TrimSpace(record.RunID); runID != "" {
			return runID
		}
	}
	return ""
}

func stageVersion(stagingDir, version string) error {
	content := fmt.Sprintf("studioctl version: %s\n", strings.TrimSpace(version))
	if err := os.WriteFile(filepath.Join(stagingDir, "version.txt"), []byte(content), 0o600); err != nil {
		return fmt.Errorf("write version.txt: %w", err)
	}
	return nil
}

func stageConfigs(homeDir, projectDir, stagingDir string, summary *bugreportSummary) error {
	sources := []struct {
		name string
		path string
	}{
		{name: "config-user.toml", path: filepath.Join(homeDir, config.Dir, "config.toml")},
		{name: "config-project.toml", path: filepath.Join(projectDir, config.Dir, "config.toml")},
	}
	for _, source := range sources {
		// #nosec G304 -- config paths are fixed locations under .studioctl.
		data, err := os.ReadFile(source.path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				summary.warn("unable to read %s: %v", source.path, err)
			}
			data = []byte("# config unavailable\n")
		}
		redacted := redactSensitiveConfig(string(data))
		if err := os.WriteFile(filepath.Join(stagingDir, source.name), []byte(redacted), 0o600); err != nil {
			return fmt.Errorf("write %s: %w", source.name, err)
		}
	}
	return nil
}

// redactSensitiveConfig masks secret-looking keys and credentials embedded in URLs.
func redactSensitiveConfig(configText string) string {
	lines := strings.Split(configText, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "[") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if isSensitiveKey(strings.ToLower(strings.TrimSpace(key))) {
			lines[i] = key + "= \"***REDACTED***\""
			continue
		}
		if unquoted := strings.Trim(strings.TrimSpace(value), `"'`); strings.Contains(unquoted, "@") {
			if parsed, err := url.Parse(unquoted); err == nil && parsed.User != nil {
				parsed.User = url.User("redacted")
				lines[i] = key + "= \"" + parsed.String() + "\""
			}
		}
	}
	return strings.Join(lines, "\n")
}

func isSensitiveKey(key string) bool {
	for _, fragment := range []string{"token", "password", "passwd", "secret", "apikey", "api_key", "auth"} {
		if strings.Contains(key, fragment) {
			return true
		}
	}
	return false
}

func stageGitState(ctx context.Context, projectDir, stagingDir string) error {
	sections := []struct {
		title string
		args  []string
	}{
		{title: "HEAD", args: []string{"rev-parse", "HEAD"}},
		{title: "BRANCH", args: []string{"rev-parse", "--abbrev-ref", "HEAD"}},
		{title: "STATUS", args: []string{"status", "--short"}},
	}
	var b strings.Builder
	for _, section := range sections {
		args := append([]string{"-C", projectDir}, section.args...)
		fmt.Fprintf(&b, "[%s]\n%s\n\n", section.title, commandOutput(ctx, "git", args...))
	}
	if err := os.WriteFile(filepath.Join(stagingDir, "git-state.txt"), []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write git-state.txt: %w", err)
	}
	return nil
}

func commandOutput(ctx context.Context, name string, args ...string) string {
	output, err := bugreportRunCmdFn(ctx, name, args...)
	text := strings.TrimSpace(string(output))
	switch {
	case err == nil:
		return text
	case text == "":
		return fmt.Sprintf("error: %v", err)
	default:
		return text + "\nerror: " + err.Error()
	}
}

func stageDiagnostics(ctx context.Context, capture captureFunc, stagingDir string, summary *bugreportSummary) error {
	content := "Process output capture skipped.\n"
	if capture != nil {
		captured, err := capture(ctx)
		if err != nil {
			summary.warn("unable to capture process output: %v", err)
			content = fmt.Sprintf("Process output unavailable: %v\n", err)
		} else {
			content = captured + "\n"
		}
	}
	if err := os.WriteFile(filepath.Join(stagingDir, "diagnostics.txt"), []byte(content), 0o600); err != nil {
		return fmt.Errorf("write diagnostics.txt: %w", err)
	}
	return nil
}

func stageREADME(stagingDir string, summary bugreportSummary) error {
	var b strings.Builder
	b.WriteString("studioctl bug report\n")
	b.WriteString("====================\n\n")
	fmt.Fprintf(&b, "Generated: %s\n", summary.Timestamp)
	fmt.Fprintf(&b, "Version: %s\n", summary.Version)
	fmt.Fprintf(&b, "run_id: %s\n\n", summary.RunID)
	b.WriteString("Included artifacts:\n")
	fmt.Fprintf(&b, "- logs/ (up to the last %d log files)\n", bugreportLogLimit)
	b.WriteString("- config-user.toml, config-project.toml (redacted)\n")
	b.WriteString("- version.txt\n")
	b.WriteString("- last-run.txt\n")
	b.WriteString("- git-state.txt\n")
	b.WriteString("- diagnostics.txt (tail of each process in the group)\n")
	if len(summary.Warnings) > 0 {
		b.WriteString("\nWarnings:\n")
		for _, warning := range summary.Warnings {
			b.WriteString("- " + warning + "\n")
		}
	}
	if err := os.WriteFile(filepath.Join(stagingDir, "README.txt"), []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write README.txt: %w", err)
	}
	return nil
}

func archiveDir(sourceDir, destination string) (err error) {
	// #nosec G304 -- destination is generated in the working directory.
	archiveFile, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destination, err)
	}
	gzipWriter := gzip.NewWriter(archiveFile)
	tarWriter := tar.NewWriter(gzipWriter)
	defer func() {
		for _, closer := range []io.Closer{tarWriter, gzipWriter, archiveFile} {
			if closeErr := closer.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("close archive %s: %w", destination, closeErr)
			}
		}
	}()

	walkErr := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read file info for %s: %w", path, err)
		}
		relPath, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return fmt.Errorf("compute archive path for %s: %w", path, err)
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("create tar header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(relPath)
		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", path, err)
		}
		return copyInto(tarWriter, path)
	})
	if walkErr != nil {
		return fmt.Errorf("archive bug report: %w", walkErr)
	}
	return nil
}

func copyInto(w io.Writer, path string) error {
	// #nosec G304 -- path comes from walking the staging directory.
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s for archive: %w", path, err)
	}
	defer func() {
		_ = file.Close()
	}()
	if _, err := io.Copy(w, file); err != nil {
		return fmt.Errorf("copy %s into archive: %w", path, err)
	}
	return nil
}

type datedFile struct {
	path    string
	modTime time.Time
}

func newestFiles(dir string, limit int) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make([]datedFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, datedFile{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}
