package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type fakeExporter struct {
	exported []sdktrace.ReadOnlySpan
	shutdown bool
}

func (f *fakeExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	f.exported = append(f.exported, spans...)
	return nil
}

func (f *fakeExporter) Shutdown(_ context.Context) error {
	f.shutdown = true
	return nil
}

func TestInitUsesConfiguredEndpointAndResourceAttributes(t *testing.T) {
	originalVersion := ServiceVersion
	ServiceVersion = "v1.2.3-test"
	defer func() { ServiceVersion = originalVersion }()

	t.Setenv(EnvEndpoint, "http://collector:4318")
	t.Setenv("STUDIOCTL_ENV", "ci-nightly")

	fake := &fakeExporter{}
	capturedEndpoint := ""
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		capturedEndpoint = endpoint
		return fake, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background(), Options{RunID: "run-7"})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	if capturedEndpoint != "http://collector:4318" {
		t.Fatalf("endpoint = %q, want collector endpoint", capturedEndpoint)
	}

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "orchestrator.start")
	span.End()

	shutdown()
	if !fake.shutdown {
		t.Fatal("expected exporter shutdown on telemetry shutdown")
	}
	if len(fake.exported) == 0 {
		t.Fatal("expected at least one exported span")
	}

	attrs := fake.exported[0].Resource().Attributes()
	assertResourceAttribute(t, attrs, "service.name", ServiceName)
	assertResourceAttribute(t, attrs, "service.version", "v1.2.3-test")
	assertResourceAttribute(t, attrs, "environment", "ci-nightly")
	assertResourceAttribute(t, attrs, "run_id", "run-7")
}

func TestInitOptionEndpointWinsOverEnvironment(t *testing.T) {
	t.Setenv(EnvEndpoint, "http://collector:4318")

	capturedEndpoint := ""
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		capturedEndpoint = endpoint
		return &fakeExporter{}, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background(), Options{Endpoint: "http://flag:4318"})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	defer shutdown()

	if capturedEndpoint != "http://flag:4318" {
		t.Fatalf("endpoint = %q, want flag endpoint", capturedEndpoint)
	}
}

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	t.Setenv(EnvEndpoint, "")

	called := false
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, _ string) (sdktrace.SpanExporter, error) {
		called = true
		return &fakeExporter{}, nil
	})
	defer restoreFactory()

	shutdown, err := Init(context.Background(), Options{})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	shutdown()
	if called {
		t.Fatal("exporter built without an endpoint")
	}
}

func TestInitFallsBackToConsoleExporter(t *testing.T) {
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, _ string) (sdktrace.SpanExporter, error) {
		return nil, errors.New("dial failed")
	})
	defer restoreFactory()

	var out bytes.Buffer
	shutdown, err := Init(context.Background(), Options{Endpoint: "http://collector:4318", Fallback: &out})
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "poll.wait")
	span.End()
	shutdown()

	if !strings.Contains(out.String(), "falling back to console exporter") {
		t.Fatalf("missing fallback warning: %q", out.String())
	}
	if !strings.Contains(out.String(), "[SPAN] poll.wait") {
		t.Fatalf("missing console span: %q", out.String())
	}
}

func TestResolveEnvironmentFallback(t *testing.T) {
	t.Setenv("STUDIOCTL_ENV", "")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("ENV", "")
	t.Setenv("CI", "true")

	if got := resolveEnvironment(); got != "ci" {
		t.Fatalf("environment = %q, want ci", got)
	}

	t.Setenv("CI", "")
	if got := resolveEnvironment(); got != DefaultEnvironment {
		t.Fatalf("environment = %q, want %q", got, DefaultEnvironment)
	}
}

func assertResourceAttribute(t *testing.T, attrs []attribute.KeyValue, key, want string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != want {
				t.Fatalf("resource attr %s = %q, want %q", key, attr.Value.AsString(), want)
			}
			return
		}
	}
	t.Fatalf("resource attribute %q not found", key)
}
