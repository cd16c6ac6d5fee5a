// Package events carries onboarding lifecycle notifications from the engine to subscribers.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/DyNATgIT/ARK/types"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event queue is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Event types published by the onboarding engine.
const (
	PhaseStarted      = "phase_started"
	PhaseCompleted    = "phase_completed"
	CheckpointFailed  = "checkpoint_failed"
	AwaitingApproval  = "awaiting_approval"
	WorkflowCompleted = "workflow_completed"
	WorkflowFailed    = "workflow_failed"
	Resumed           = "resumed"

	// Any subscribes a handler to every event type.
	Any = "*"
)

const (
	defaultQueueSize   = 100
	defaultSyncTimeout = 5 * time.Second
)

// Event is one observable step of an onboarding run.
type Event struct {
	Type       string
	WorkflowID string
	RunID      uint64
	Phase      types.Phase
	Data       map[string]any
	At         time.Time
}

// EventHandler receives events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements EventHandler.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// PanicError wraps a value recovered from a panicking handler.
type PanicError struct {
	Value any
}

func (p PanicError) Error() string { return fmt.Sprintf("event handler panicked: %v", p.Value) }

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus delivers events to subscribers on a single background goroutine, so every
// subscriber observes events in publish order.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64
	closed bool

	queue       chan Event
	done        chan struct{}
	onError     func(event Event, err error)
	syncTimeout time.Duration
}

// EventBusOption configures an EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets how many events may wait for delivery.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) { eb.queue = make(chan Event, size) }
}

// WithErrorHandler receives every handler failure of asynchronous deliveries.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) { eb.onError = handler }
}

// WithLogger reports handler failures through logger.
func WithLogger(logger logrus.FieldLogger) EventBusOption {
	return WithErrorHandler(logErrorHandler(logger))
}

// WithSyncTimeout bounds PublishSync.
func WithSyncTimeout(d time.Duration) EventBusOption {
	return func(eb *EventBus) { eb.syncTimeout = d }
}

// NewEventBus starts a bus. Handler errors go to the logrus standard logger unless
// another error handler is configured.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		subs:        make(map[string][]subscription),
		queue:       make(chan Event, defaultQueueSize),
		done:        make(chan struct{}),
		onError:     logErrorHandler(logrus.StandardLogger()),
		syncTimeout: defaultSyncTimeout,
	}
	for _, option := range options {
		option(eb)
	}

	go eb.deliver()
	return eb
}

// Subscribe registers handler for eventType, or for every type with Any. The returned
// func removes the subscription and is safe to call more than once.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) (unsubscribe func()) {
	eb.mu.Lock()
	eb.nextID++
	id := eb.nextID
	eb.subs[eventType] = append(eb.subs[eventType], subscription{id: id, handler: handler})
	eb.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { eb.remove(eventType, id) }) }
}

// SubscribeFunc registers a function as a handler.
func (eb *EventBus) SubscribeFunc(eventType string, fn func(ctx context.Context, event Event) error) (unsubscribe func()) {
	return eb.Subscribe(eventType, EventHandlerFunc(fn))
}

func (eb *EventBus) remove(eventType string, id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.subs[eventType]
	kept := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(eb.subs, eventType)
		return
	}
	eb.subs[eventType] = kept
}

// HasSubscribers reports whether any handler would receive eventType.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	return len(eb.handlersFor(eventType)) > 0
}

// handlersFor returns the type-specific handlers followed by the wildcard ones.
func (eb *EventBus) handlersFor(eventType string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	specific, wildcard := eb.subs[eventType], eb.subs[Any]
	out := make([]EventHandler, 0, len(specific)+len(wildcard))
	for _, s := range specific {
		out = append(out, s.handler)
	}
	for _, s := range wildcard {
		out = append(out, s.handler)
	}
	return out
}

// Publish queues an event without blocking. It fails when ctx is done, the bus is closed,
// nobody listens for the type or the queue is full.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	if len(eb.subs[event.Type]) == 0 && len(eb.subs[Any]) == 0 {
		return ErrNoHandler
	}
	stamp(&event)

	select {
	case eb.queue <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync delivers an event inline, bounded by the sync timeout, and returns the
// joined handler errors.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) error {
	eb.mu.RLock()
	closed := eb.closed
	eb.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	handlers := eb.handlersFor(event.Type)
	if len(handlers) == 0 {
		return ErrNoHandler
	}
	stamp(&event)

	ctx, cancel := context.WithTimeout(ctx, eb.syncTimeout)
	defer cancel()
	return errors.Join(dispatch(ctx, handlers, event)...)
}

// Close stops accepting events, delivers the ones already queued and waits for delivery
// to finish.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.queue)
	}
	eb.mu.Unlock()
	<-eb.done
}

func (eb *EventBus) deliver() {
	defer close(eb.done)
	for event := range eb.queue {
		for _, err := range dispatch(context.Background(), eb.handlersFor(event.Type), event) {
			eb.onError(event, err)
		}
	}
}

// dispatch calls the handlers in order; a panicking handler is reported as a PanicError.
func dispatch(ctx context.Context, handlers []EventHandler, event Event) []error {
	var errs []error
	for _, h := range handlers {
		if err := safeHandle(ctx, h, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func safeHandle(ctx context.Context, h EventHandler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = PanicError{Value: r}
		}
	}()
	return h.Handle(ctx, event)
}

func stamp(event *Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
}

func logErrorHandler(logger logrus.FieldLogger) func(Event, error) {
	return func(event Event, err error) {
		logger.WithError(err).WithFields(logrus.Fields{
			"event":       event.Type,
			"workflow_id": event.WorkflowID,
			"run_id":      event.RunID,
			"phase":       event.Phase,
		}).Error("event_handler_failed")
	}
}
