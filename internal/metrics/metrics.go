package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every collector name.
const Namespace = "studioctl"

// Wait outcomes recorded by ObserveOutcome.
const (
	OutcomeSuccess  = "success"
	OutcomeTimeout  = "timeout"
	OutcomeTerminal = "terminal"
	OutcomeCanceled = "canceled"
)

// Recorder owns the harness collectors. A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry     *prometheus.Registry
	pollAttempts *prometheus.CounterVec
	pollOutcomes *prometheus.CounterVec
	pollDuration *prometheus.HistogramVec
	groupState   *prometheus.GaugeVec
}

// New registers the harness collectors on a fresh registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		pollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "poll_attempts_total",
			Help:      "Count of readiness and convergence attempts",
		}, []string{"wait"}),
		pollOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "poll_outcomes_total",
			Help:      "Count of finished waits by outcome",
		}, []string{"wait", "outcome"}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "poll_duration_seconds",
			Help:      "Wall time spent in a wait",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"wait"}),
		groupState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "group_state",
			Help:      "1 for the current lifecycle state of each process group",
		}, []string{"group", "state"}),
	}
	r.registry.MustRegister(r.pollAttempts, r.pollOutcomes, r.pollDuration, r.groupState)
	return r
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveAttempt counts one attempt of the named wait.
func (r *Recorder) ObserveAttempt(wait string) {
	if r == nil {
		return
	}
	r.pollAttempts.WithLabelValues(wait).Inc()
}

// ObserveOutcome records how a wait finished and how long it took.
func (r *Recorder) ObserveOutcome(wait, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.pollOutcomes.WithLabelValues(wait, outcome).Inc()
	r.pollDuration.WithLabelValues(wait).Observe(elapsed.Seconds())
}

// SetGroupState marks state as the current state of group and clears the others.
func (r *Recorder) SetGroupState(group, state string, all []string) {
	if r == nil {
		return
	}
	for _, candidate := range all {
		value := 0.0
		if candidate == state {
			value = 1
		}
		r.groupState.WithLabelValues(group, candidate).Set(value)
	}
}

// Serve exposes /metrics on addr until ctx is canceled.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	if r == nil {
		return errors.New("metrics recorder is nil")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve metrics on %s: %w", addr, err)
	}
}
