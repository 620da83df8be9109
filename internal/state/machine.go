package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// GroupState is the lifecycle state of a process group.
type GroupState string

const (
	Stopped  GroupState = "stopped"
	Starting GroupState = "starting"
	Running  GroupState = "running"
	Stopping GroupState = "stopping"
	Failed   GroupState = "failed"
)

// All lists every group state in lifecycle order.
func All() []GroupState {
	return []GroupState{Stopped, Starting, Running, Stopping, Failed}
}

func (s GroupState) String() string {
	return string(s)
}

// Stop is legal from every state, so a session can always be torn down.
var allowedTransitions = map[GroupState]map[GroupState]struct{}{
	Stopped: {
		Starting: {},
		Stopping: {},
	},
	Failed: {
		Starting: {},
		Stopping: {},
	},
	Starting: {
		Running:  {},
		Failed:   {},
		Stopping: {},
	},
	Running: {
		Stopping: {},
	},
	Stopping: {
		Stopped:  {},
		Stopping: {},
	},
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithClock overrides the transition timestamp source.
func WithClock(now func() time.Time) Option {
	return func(machine *Machine) {
		if now != nil {
			machine.now = now
		}
	}
}

// WithObserver registers a callback invoked after every accepted transition.
func WithObserver(observer func(TransitionRecord)) Option {
	return func(machine *Machine) {
		if observer != nil {
			machine.observers = append(machine.observers, observer)
		}
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	Group     string
	FromState GroupState
	ToState   GroupState
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	Group     string
	FromState GroupState
	ToState   GroupState
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("cannot transition group %q from %q to %q", e.Group, e.FromState, e.ToState)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine tracks one group's lifecycle state and validates every move.
type Machine struct {
	mu        sync.Mutex
	group     string
	current   GroupState
	tracer    trace.Tracer
	now       func() time.Time
	history   []TransitionRecord
	observers []func(TransitionRecord)
}

// NewMachine builds a machine for group, starting in Stopped.
func NewMachine(group string, options ...Option) (*Machine, error) {
	group = strings.TrimSpace(group)
	if group == "" {
		return nil, errors.New("group name is required")
	}

	machine := &Machine{
		group:   group,
		current: Stopped,
		tracer:  otel.Tracer("studioctl/state"),
		now:     time.Now,
		history: []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	return machine, nil
}

// Group returns the name of the tracked group.
func (m *Machine) Group() string {
	return m.group
}

// Current returns the present state.
func (m *Machine) Current() GroupState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition moves the machine to toState when the lifecycle allows it.
func (m *Machine) Transition(ctx context.Context, toState GroupState, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	normalizedReason := strings.TrimSpace(reason)

	_, span := m.tracer.Start(ctx, "group.transition")
	defer span.End()

	m.mu.Lock()
	fromState := m.current
	span.SetAttributes(
		attribute.String("group", m.group),
		attribute.String("from_state", string(fromState)),
		attribute.String("to_state", string(toState)),
		attribute.String("reason", normalizedReason),
	)

	if !IsAllowed(fromState, toState) {
		m.mu.Unlock()
		err := &IllegalTransitionError{Group: m.group, FromState: fromState, ToState: toState}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	record := TransitionRecord{
		Group:     m.group,
		FromState: fromState,
		ToState:   toState,
		Reason:    normalizedReason,
		Timestamp: m.now().UTC(),
	}
	m.current = toState
	m.history = append(m.history, record)
	observers := make([]func(TransitionRecord), len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, observer := range observers {
		observer(record)
	}
	span.SetStatus(codes.Ok, "transition accepted")
	return nil
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// IsAllowed reports whether fromState may move to toState.
func IsAllowed(fromState, toState GroupState) bool {
	nextStates, ok := allowedTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}

// ParseGroupState maps a state name back to its GroupState.
func ParseGroupState(value string) (GroupState, error) {
	normalized := GroupState(strings.ToLower(strings.TrimSpace(value)))
	for _, candidate := range All() {
		if candidate == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("unknown group state %q", value)
}
