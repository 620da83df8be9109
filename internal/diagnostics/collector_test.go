package diagnostics

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norskvideo/norsk-studio-docker/internal/process"
)

func TestCaptureWritesSectionPerProcessInGroupOrder(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{outputs: map[string]string{
		"norsk-studio": "listening on :8000\n",
		"norsk-media":  "\x1b[31mlicense check failed\x1b[0m\n",
	}}
	var out bytes.Buffer
	collector, err := New(fetcher, WithWriter(&out))
	require.NoError(t, err)

	report := collector.Capture(context.Background(), process.DefaultGroup())

	assert.Equal(t, "norsk-studio", report.Group)
	assert.Equal(t, []string{"norsk-studio", "norsk-media"}, report.Processes())
	assert.Equal(t, 0, report.Failures())
	assert.Equal(t, "license check failed", report.Entries[1].Output, "escape sequences are stripped")

	written := out.String()
	studio := strings.Index(written, "===== norsk-studio (last 50 lines) =====")
	media := strings.Index(written, "===== norsk-media (last 50 lines) =====")
	require.GreaterOrEqual(t, studio, 0)
	require.Greater(t, media, studio)
	assert.Contains(t, written, "listening on :8000")
	assert.NotContains(t, written, "\x1b[")

	for _, call := range fetcher.snapshot() {
		assert.Equal(t, DefaultTailLines, call.tail)
	}
}

func TestCaptureRecordsFailuresWithoutStoppingOthers(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		outputs: map[string]string{"norsk-media": "ok"},
		errs:    map[string]error{"norsk-studio": errors.New("no such container")},
	}
	collector, err := New(fetcher)
	require.NoError(t, err)

	report := collector.Capture(context.Background(), process.DefaultGroup())

	assert.Equal(t, 1, report.Failures())
	require.Error(t, report.Entries[0].Err)
	assert.Contains(t, report.Entries[0].Err.Error(), "no such container")
	assert.Equal(t, "ok", report.Entries[1].Output)
	assert.Contains(t, report.String(), "<unavailable: fetch logs for norsk-studio: no such container>")
}

func TestCaptureRecoversFromPanickingFetch(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		outputs: map[string]string{"norsk-media": "still here"},
		panics:  map[string]bool{"norsk-studio": true},
	}
	collector, err := New(fetcher)
	require.NoError(t, err)

	report := collector.Capture(context.Background(), process.DefaultGroup())

	require.Error(t, report.Entries[0].Err)
	assert.Contains(t, report.Entries[0].Err.Error(), "panicked")
	assert.Equal(t, "still here", report.Entries[1].Output)
}

func TestCaptureBoundsEachFetchWithTimeout(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		outputs: map[string]string{"norsk-media": "fast"},
		block:   map[string]bool{"norsk-studio": true},
	}
	collector, err := New(fetcher, WithFetchTimeout(20*time.Millisecond))
	require.NoError(t, err)

	report := collector.Capture(context.Background(), process.DefaultGroup())

	require.Error(t, report.Entries[0].Err)
	assert.ErrorIs(t, report.Entries[0].Err, context.DeadlineExceeded)
	assert.Equal(t, "fast", report.Entries[1].Output)
}

func TestCaptureIgnoresCallerCancellation(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{outputs: map[string]string{"norsk-studio": "a", "norsk-media": "b"}}
	collector, err := New(fetcher)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := collector.Capture(ctx, process.DefaultGroup())

	assert.Equal(t, 0, report.Failures())
	assert.Equal(t, "a", report.Entries[0].Output)
}

func TestCaptureHonoursTailAndClock(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{}
	collector, err := New(fetcher, WithTailLines(200), WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	report := collector.Capture(context.Background(), process.Group{Name: "edge", Processes: []string{"srt-relay"}})

	assert.Equal(t, fixed, report.CapturedAt)
	assert.Equal(t, 200, fetcher.snapshot()[0].tail)
	assert.Contains(t, report.String(), "<no output>")
	assert.Contains(t, report.String(), "(last 200 lines)")
}

func TestNewRequiresFetcher(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)
}

type fetchCall struct {
	process string
	tail    int
}

type fakeFetcher struct {
	mu      sync.Mutex
	calls   []fetchCall
	outputs map[string]string
	errs    map[string]error
	panics  map[string]bool
	block   map[string]bool
}

func (f *fakeFetcher) FetchLogs(ctx context.Context, name string, tail int) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{process: name, tail: tail})
	f.mu.Unlock()

	if f.panics[name] {
		panic("docker client exploded")
	}
	if f.block[name] {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err := f.errs[name]; err != nil {
		return "", err
	}
	return f.outputs[name], nil
}

func (f *fakeFetcher) snapshot() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fetchCall, len(f.calls))
	copy(out, f.calls)
	return out
}
