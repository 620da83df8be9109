package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/norskvideo/norsk-studio-docker/internal/process"
)

const (
	// DefaultTailLines is how much of each process's output a capture keeps.
	DefaultTailLines = 50
	// DefaultFetchTimeout bounds each per-process log fetch.
	DefaultFetchTimeout = 10 * time.Second
)

// LogFetcher returns recent output of one process. process.Controller satisfies it.
type LogFetcher interface {
	FetchLogs(ctx context.Context, process string, tailLines int) (string, error)
}

// Entry is the capture result for one process.
type Entry struct {
	Process string
	Output  string
	Err     error
}

// Report is the outcome of one capture.
type Report struct {
	Group      string
	TailLines  int
	CapturedAt time.Time
	Entries    []Entry
}

// Failures counts entries whose fetch failed.
func (r Report) Failures() int {
	failures := 0
	for _, entry := range r.Entries {
		if entry.Err != nil {
			failures++
		}
	}
	return failures
}

// Processes lists the captured process names in capture order.
func (r Report) Processes() []string {
	names := make([]string, 0, len(r.Entries))
	for _, entry := range r.Entries {
		names = append(names, entry.Process)
	}
	return names
}

// String renders every entry as a delimited section.
func (r Report) String() string {
	var b strings.Builder
	for _, entry := range r.Entries {
		writeSection(&b, entry, r.TailLines)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Option customizes a Collector.
type Option func(*Collector)

// WithTailLines sets how many trailing lines are fetched per process.
func WithTailLines(lines int) Option {
	return func(c *Collector) {
		if lines > 0 {
			c.tail = lines
		}
	}
}

// WithFetchTimeout bounds each per-process fetch.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(c *Collector) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithWriter sets the operator-visible sink for captured sections.
func WithWriter(w io.Writer) Option {
	return func(c *Collector) {
		if w != nil {
			c.out = w
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Collector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the capture timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		if now != nil {
			c.now = now
		}
	}
}

// Collector gathers recent process output after a failed start.
type Collector struct {
	fetcher LogFetcher
	tail    int
	timeout time.Duration
	out     io.Writer
	logger  *log.Logger
	now     func() time.Time
}

// New builds a Collector that reads logs through fetcher.
func New(fetcher LogFetcher, opts ...Option) (*Collector, error) {
	if fetcher == nil {
		return nil, errors.New("log fetcher is required")
	}
	c := &Collector{
		fetcher: fetcher,
		tail:    DefaultTailLines,
		timeout: DefaultFetchTimeout,
		out:     io.Discard,
		logger:  log.New(io.Discard),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Capture fetches the tail of every process in group and writes it out.
//
// Capture never fails: a fetch error or panic is recorded on that process's
// entry and the others still run. Cancelling ctx does not cut a capture short.
func (c *Collector) Capture(ctx context.Context, group process.Group) Report {
	ctx = context.WithoutCancel(ctx)
	report := Report{
		Group:      group.Name,
		TailLines:  c.tail,
		CapturedAt: c.now().UTC(),
		Entries:    make([]Entry, len(group.Processes)),
	}

	var eg errgroup.Group
	for i, name := range group.Processes {
		i, name := i, name
		eg.Go(func() error {
			report.Entries[i] = c.fetch(ctx, name)
			return nil
		})
	}
	_ = eg.Wait()

	for _, entry := range report.Entries {
		var b strings.Builder
		writeSection(&b, entry, c.tail)
		_, _ = io.WriteString(c.out, b.String())

		logger := c.logger.With("group", group.Name, "process", entry.Process)
		if entry.Err != nil {
			logger.Warn("could not capture process output", "err", entry.Err)
			continue
		}
		logger.Info("captured process output", "lines", countLines(entry.Output), "output", entry.Output)
	}
	return report
}

func (c *Collector) fetch(ctx context.Context, name string) (entry Entry) {
	entry.Process = name
	defer func() {
		if recovered := recover(); recovered != nil {
			entry.Output = ""
			entry.Err = fmt.Errorf("fetch logs for %s panicked: %v", name, recovered)
		}
	}()

	fetchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	output, err := c.fetcher.FetchLogs(fetchCtx, name, c.tail)
	if err != nil {
		entry.Err = fmt.Errorf("fetch logs for %s: %w", name, err)
		return entry
	}
	entry.Output = strings.TrimRight(stripansi.Strip(output), "\n")
	return entry
}

func writeSection(b *strings.Builder, entry Entry, tail int) {
	fmt.Fprintf(b, "===== %s (last %d lines) =====\n", entry.Process, tail)
	switch {
	case entry.Err != nil:
		fmt.Fprintf(b, "<unavailable: %v>\n", entry.Err)
	case entry.Output == "":
		b.WriteString("<no output>\n")
	default:
		b.WriteString(entry.Output)
		b.WriteString("\n")
	}
	fmt.Fprintf(b, "===== end %s =====\n", entry.Process)
}

func countLines(output string) int {
	if output == "" {
		return 0
	}
	return strings.Count(output, "\n") + 1
}
