package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/norskvideo/norsk-studio-docker/internal/poll"
	"github.com/norskvideo/norsk-studio-docker/internal/status"
)

// ErrNotConverged is the "not yet" cause when a state document does not satisfy its condition.
var ErrNotConverged = errors.New("state not converged")

// StateReader reads live component state from the studio.
type StateReader interface {
	ComponentState(ctx context.Context, componentID string) (json.RawMessage, error)
	Components(ctx context.Context) (*status.ComponentList, error)
}

// Condition is a named predicate over a state document.
type Condition struct {
	Name  string
	Match func(Document) (bool, error)
}

// Connected matches documents whose connectedStreams contains stream.
func Connected(stream string) Condition {
	return Condition{
		Name: fmt.Sprintf("stream %q connected", stream),
		Match: func(doc Document) (bool, error) {
			return doc.HasStream(stream)
		},
	}
}

// Disconnected matches documents whose connectedStreams does not contain stream.
func Disconnected(stream string) Condition {
	return Condition{
		Name: fmt.Sprintf("stream %q disconnected", stream),
		Match: func(doc Document) (bool, error) {
			connected, err := doc.HasStream(stream)
			return !connected, err
		},
	}
}

// Reconciler waits for studio state to converge on an expectation.
type Reconciler struct {
	reader StateReader
	poller *poll.Poller
	logger *log.Logger
}

// New builds a Reconciler. A nil logger discards output.
func New(reader StateReader, poller *poll.Poller, logger *log.Logger) (*Reconciler, error) {
	if reader == nil {
		return nil, errors.New("state reader is required")
	}
	if poller == nil {
		return nil, errors.New("poller is required")
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Reconciler{reader: reader, poller: poller, logger: logger}, nil
}

// WaitFor polls the component's state until cond matches and returns the matching document.
//
// A 503 or an unreachable studio is retried. Any other HTTP error (e.g. 404 for an unknown
// component) aborts the wait on first sight, as does a cond.Match error such as a document
// whose connectedStreams is not a list.
func (r *Reconciler) WaitFor(ctx context.Context, componentID string, cond Condition, cfg poll.Config) (Document, error) {
	componentID = strings.TrimSpace(componentID)
	if componentID == "" {
		return Document{}, errors.New("component id is required")
	}
	if cond.Match == nil {
		return Document{}, errors.New("condition match func is required")
	}
	name := strings.TrimSpace(cond.Name)
	if name == "" {
		name = "condition"
	}
	waitName := fmt.Sprintf("component %s: %s", componentID, name)

	r.logger.Info("waiting for component state", "component", componentID, "condition", name, "max_attempts", cfg.MaxAttempts)
	doc, err := poll.For(ctx, r.poller, waitName, cfg, func(ctx context.Context) (Document, error) {
		raw, err := r.reader.ComponentState(ctx, componentID)
		if err != nil {
			return Document{}, classify(componentID, err)
		}

		doc := Document{ComponentID: componentID, Raw: raw}
		matched, err := cond.Match(doc)
		if err != nil {
			return Document{}, poll.Terminal(fmt.Errorf("evaluate %s for %s: %w", name, componentID, err))
		}
		if !matched {
			return Document{}, fmt.Errorf("%w: %s", ErrNotConverged, name)
		}
		return doc, nil
	})
	if err != nil {
		return Document{}, err
	}
	r.logger.Info("component state converged", "component", componentID, "condition", name)
	return doc, nil
}

// WaitForMembership waits until value appears in the component's connectedStreams.
func (r *Reconciler) WaitForMembership(ctx context.Context, componentID, value string, cfg poll.Config) (Document, error) {
	return r.WaitFor(ctx, componentID, Connected(value), cfg)
}

// WaitForAbsence waits until value is no longer in the component's connectedStreams.
func (r *Reconciler) WaitForAbsence(ctx context.Context, componentID, value string, cfg poll.Config) (Document, error) {
	return r.WaitFor(ctx, componentID, Disconnected(value), cfg)
}

// WaitForWorkflow waits until the studio reports a running workflow with at least one component.
func (r *Reconciler) WaitForWorkflow(ctx context.Context, cfg poll.Config) (*status.ComponentList, error) {
	r.logger.Info("waiting for workflow to run", "max_attempts", cfg.MaxAttempts)
	list, err := poll.For(ctx, r.poller, "workflow running", cfg, func(ctx context.Context) (*status.ComponentList, error) {
		list, err := r.reader.Components(ctx)
		if err != nil {
			return nil, classify("", err)
		}
		if len(list.Components) == 0 {
			return nil, fmt.Errorf("%w: no components running", ErrNotConverged)
		}
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("workflow running", "components", list.TotalComponents)
	return list, nil
}

// Wait is one independent convergence wait.
type Wait func(ctx context.Context) error

// WaitAll runs waits concurrently and returns the first failure.
//
// The first failure cancels the remaining waits.
func (r *Reconciler) WaitAll(ctx context.Context, waits ...Wait) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, wait := range waits {
		if wait == nil {
			continue
		}
		wait := wait
		group.Go(func() error {
			return wait(groupCtx)
		})
	}
	return group.Wait()
}

func classify(componentID string, err error) error {
	if status.IsNotReady(err) || status.IsTransport(err) {
		return err
	}
	var statusErr *status.StatusError
	if errors.As(err, &statusErr) && status.IsHard(err) {
		if componentID == "" {
			return poll.Terminal(fmt.Errorf("studio answered %d: %w", statusErr.StatusCode, err))
		}
		return poll.Terminal(fmt.Errorf("component %s: studio answered %d: %w", componentID, statusErr.StatusCode, err))
	}
	return err
}
