package events

import (
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultBufferSize is the default per-subscriber channel capacity.
const DefaultBufferSize = 100

// Event types published by the orchestrator and its collaborators.
const (
	TypeGroupTransition     = "GroupTransition"
	TypeScriptExit          = "ScriptExit"
	TypeWaitTimeout         = "WaitTimeout"
	TypeDiagnosticsCaptured = "DiagnosticsCaptured"
	TypeSourceChange        = "SourceChange"
)

const (
	SeverityInfo  = "INFO"
	SeverityWarn  = "WARN"
	SeverityError = "ERROR"
)

// Event is one message delivered through the bus. Group names the process group
// the event concerns; Payload carries one of the typed payloads below.
type Event struct {
	Type      string
	Timestamp time.Time
	Group     string
	Payload   any
	Severity  string
}

// GroupTransition accompanies TypeGroupTransition.
type GroupTransition struct {
	From   string
	To     string
	Reason string
}

// ScriptExit accompanies TypeScriptExit.
type ScriptExit struct {
	Script   string
	ExitCode int
}

// WaitTimeout accompanies TypeWaitTimeout.
type WaitTimeout struct {
	Wait     string
	Attempts int
	Budget   time.Duration
}

// DiagnosticsCaptured accompanies TypeDiagnosticsCaptured.
type DiagnosticsCaptured struct {
	Processes []string
	Failures  int
}

// SourceChange accompanies TypeSourceChange.
type SourceChange struct {
	Source   string
	Action   string
	ExitCode int
}

// Handler consumes a published event.
type Handler func(Event)

// Logger receives warnings about dropped events.
type Logger interface {
	Printf(format string, args ...any)
}

// Bus defines event subscription and publish behavior.
type Bus interface {
	Subscribe(eventType string, handler Handler)
	SubscribeAll(handler Handler)
	Publish(event Event)
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBufferSize configures per-subscriber channel capacity.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger configures the sink for dropped-event warnings.
func WithLogger(logger Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus is a thread-safe in-process pub/sub bus backed by buffered channels.
// Publish never blocks: a full subscriber loses the event and a warning is logged.
type InMemoryBus struct {
	mu         sync.RWMutex
	bufferSize int
	logger     Logger
	typed      map[string][]*subscriber
	wildcard   []*subscriber
	nextID     uint64
	closed     bool
	wg         sync.WaitGroup
}

type subscriber struct {
	id uint64
	ch chan Event
}

// New creates an in-memory event bus.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize: DefaultBufferSize,
		logger:     log.Default(),
		typed:      make(map[string][]*subscriber),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers a handler for one event type.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" || handler == nil {
		return
	}
	b.add(handler, func(sub *subscriber) {
		b.typed[eventType] = append(b.typed[eventType], sub)
	})
}

// SubscribeAll registers a handler that receives every published event.
func (b *InMemoryBus) SubscribeAll(handler Handler) {
	if handler == nil {
		return
	}
	b.add(handler, func(sub *subscriber) {
		b.wildcard = append(b.wildcard, sub)
	})
}

// Publish delivers an event to typed subscribers, then wildcard subscribers.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.typed[strings.TrimSpace(event.Type)] {
		b.deliver(sub, event)
	}
	for _, sub := range b.wildcard {
		b.deliver(sub, event)
	}
}

// Close stops accepting events and waits for handlers to drain their queues.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.typed {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	for _, sub := range b.wildcard {
		close(sub.ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *InMemoryBus) add(handler Handler, register func(*subscriber)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.nextID++
	sub := &subscriber{id: b.nextID, ch: make(chan Event, b.bufferSize)}
	register(sub)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for event := range sub.ch {
			handler(event)
		}
	}()
}

func (b *InMemoryBus) deliver(sub *subscriber, event Event) {
	select {
	case sub.ch <- event:
	default:
		b.logger.Printf("events: dropping event for subscriber=%d type=%s group=%s", sub.id, event.Type, event.Group)
	}
}
