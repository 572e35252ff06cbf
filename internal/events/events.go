// Package events provides the engine's observable side channel: a typed,
// synchronous event bus. Events are best-effort notifications; correctness
// never depends on anyone listening.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// Type identifies a domain event.
type Type string

const (
	// TypeMemoryStored fires after a record lands in the memory store.
	TypeMemoryStored Type = "memory_stored"

	// TypePatternShared fires after a shared pattern is published.
	TypePatternShared Type = "pattern_shared"

	// TypeTrajectoryStarted fires when a decision trajectory opens.
	TypeTrajectoryStarted Type = "trajectory_started"

	// TypeTrajectoryStep fires for each recorded reasoning step.
	TypeTrajectoryStep Type = "trajectory_step"

	// TypeTrajectoryCompleted fires when a trajectory is sealed.
	TypeTrajectoryCompleted Type = "trajectory_completed"

	// TypeStrategySelected fires after strategy selection.
	TypeStrategySelected Type = "strategy_selected"

	// TypeOutcomeRecorded fires after write-back of a decision outcome.
	TypeOutcomeRecorded Type = "outcome_recorded"

	// TypeSyncStarted fires when background pattern sync starts.
	TypeSyncStarted Type = "sync_started"

	// TypeSyncStopped fires when background pattern sync stops.
	TypeSyncStopped Type = "sync_stopped"

	// TypeSyncCompleted fires after each successful sync tick.
	TypeSyncCompleted Type = "sync_completed"

	// TypeManagerAdapted fires after a weight-adaptation pass.
	TypeManagerAdapted Type = "manager_adapted"
)

// Event is one emitted notification.
type Event struct {
	Type Type           `json:"type"`
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data,omitempty"`
}

// Handler receives events. Handlers run synchronously on the publisher's
// goroutine and must not block.
type Handler func(Event)

// Bus is a synchronous fan-out event bus. A panicking subscriber is
// recovered and logged; it never takes the publisher down.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	all      []Handler
	logger   *zap.Logger
}

// NewBus constructs a bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[Type][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers the event to all matching subscribers. Publishing with no
// subscribers is not an error.
func (b *Bus) Publish(t Type, data map[string]any) {
	event := Event{Type: t, At: timeNow(), Data: data}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[t])+len(b.all))
	handlers = append(handlers, b.handlers[t]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, event)
	}
}

// deliver runs one handler with panic recovery.
func (b *Bus) deliver(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("type", string(event.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	h(event)
}
