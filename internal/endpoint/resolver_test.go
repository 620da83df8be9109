package endpoint

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestResolvePrecedence(t *testing.T) {
	t.Parallel()

	failing := func(context.Context) (string, error) { return "", errors.New("no such container") }
	empty := func(context.Context) (string, error) { return "  ", nil }
	found := func(context.Context) (string, error) { return "http://172.18.0.3:8000", nil }

	tests := []struct {
		name string
		opts Options
		want string
	}{
		{name: "default", opts: Options{}, want: DefaultURL},
		{name: "custom default", opts: Options{Default: "http://studio.local:9000/"}, want: "http://studio.local:9000"},
		{name: "override wins over lookup", opts: Options{Override: "http://override:8000", Lookup: found}, want: "http://override:8000"},
		{name: "lookup result", opts: Options{Lookup: found}, want: "http://172.18.0.3:8000"},
		{name: "lookup error falls through", opts: Options{Lookup: failing}, want: DefaultURL},
		{name: "empty lookup falls through", opts: Options{Lookup: empty}, want: DefaultURL},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := New(tt.opts).Resolve(context.Background())
			if got != tt.want {
				t.Fatalf("resolve = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveCachesUntilInvalidate(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	addresses := []string{"http://10.0.0.1:8000", "http://10.0.0.2:8000"}
	resolver := New(Options{Lookup: func(context.Context) (string, error) {
		n := calls.Add(1)
		return addresses[(n-1)%2], nil
	}})

	first := resolver.Resolve(context.Background())
	second := resolver.Resolve(context.Background())
	if first != second {
		t.Fatalf("cached resolve changed: %q then %q", first, second)
	}
	if calls.Load() != 1 {
		t.Fatalf("lookup calls = %d, want 1", calls.Load())
	}

	resolver.Invalidate()
	third := resolver.Resolve(context.Background())
	if third != "http://10.0.0.2:8000" {
		t.Fatalf("resolve after invalidate = %q, want second address", third)
	}
	if calls.Load() != 2 {
		t.Fatalf("lookup calls = %d, want 2", calls.Load())
	}
}

func TestConcurrentFirstResolveRunsLookupOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	release := make(chan struct{})
	resolver := New(Options{Lookup: func(context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "http://10.0.0.9:8000", nil
	}})

	const readers = 16
	results := make([]string, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = resolver.Resolve(context.Background())
		}(i)
	}
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("lookup calls = %d, want 1", calls.Load())
	}
	for i, got := range results {
		if got != "http://10.0.0.9:8000" {
			t.Fatalf("reader %d saw %q", i, got)
		}
	}
}

func TestInvalidateDuringFirstResolveIsNotLost(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	addresses := []string{"http://10.0.0.1:8000", "http://10.0.0.2:8000"}
	resolver := New(Options{Lookup: func(context.Context) (string, error) {
		n := calls.Add(1)
		if n == 1 {
			close(entered)
			<-release
		}
		return addresses[(n-1)%2], nil
	}})

	done := make(chan string, 1)
	go func() {
		done <- resolver.Resolve(context.Background())
	}()
	<-entered
	resolver.Invalidate()
	close(release)

	if got := <-done; got != "http://10.0.0.1:8000" {
		t.Fatalf("in-flight resolve = %q", got)
	}
	if got := resolver.Resolve(context.Background()); got != "http://10.0.0.2:8000" {
		t.Fatalf("resolve after invalidate = %q, want a fresh lookup", got)
	}
	if calls.Load() != 2 {
		t.Fatalf("lookup calls = %d, want 2", calls.Load())
	}
}

func TestContainerLookup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		ip        string
		err       error
		unexposed bool
		portErr   error
		want      string
		wantErr   bool
	}{
		{name: "address", ip: "172.18.0.3", want: "http://172.18.0.3:8000"},
		{name: "no address", ip: "", want: ""},
		{name: "port not exposed", ip: "172.18.0.3", unexposed: true, want: ""},
		{name: "inspect error", err: errors.New("no such container"), wantErr: true},
		{name: "port check error", ip: "172.18.0.3", portErr: errors.New("daemon gone"), wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			addresser := &fakeAddresser{ip: tt.ip, err: tt.err, unexposed: tt.unexposed, portErr: tt.portErr}
			got, err := ContainerLookup(addresser, "norsk-studio", 0)(context.Background())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("lookup: %v", err)
			}
			if got != tt.want {
				t.Fatalf("lookup = %q, want %q", got, tt.want)
			}
			if addresser.name != "norsk-studio" {
				t.Fatalf("inspected %q", addresser.name)
			}
			if tt.ip != "" && addresser.port != DefaultPort {
				t.Fatalf("checked port %d, want %d", addresser.port, DefaultPort)
			}
		})
	}
}

type fakeAddresser struct {
	ip        string
	err       error
	unexposed bool
	portErr   error
	name      string
	port      int
}

func (f *fakeAddresser) ContainerAddress(_ context.Context, name string) (string, error) {
	f.name = name
	return f.ip, f.err
}

func (f *fakeAddresser) HasPort(_ context.Context, _ string, port int) (bool, error) {
	f.port = port
	return !f.unexposed, f.portErr
}
