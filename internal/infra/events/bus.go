package events

import (
	"sync"

	"go.uber.org/zap"
)

// Bus dispatches domain events to registered handlers synchronously.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *zap.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger.Named("events"),
	}
}

// Register registers a handler for the events it handles.
func (b *Bus) Register(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range handler.Handles() {
		b.handlers[t] = append(b.handlers[t], handler)
	}
}

// Publish calls every handler for the event in registration order. A failing
// or panicking handler is logged and does not stop the others.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	handlers := b.handlers[event.EventType()]
	b.mu.RUnlock()

	fields := []zap.Field{
		zap.String("event_type", event.EventType()),
		zap.String("event_id", event.EventID().String()),
		zap.String("aggregate_id", event.AggregateID()),
	}
	if len(handlers) == 0 {
		b.logger.Debug("no handlers for event", fields...)
		return
	}
	for _, h := range handlers {
		b.handle(h, event, fields)
	}
}

func (b *Bus) handle(h Handler, event Event, fields []zap.Field) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", append(fields, zap.Any("panic", r))...)
		}
	}()
	if err := h.Handle(event); err != nil {
		b.logger.Error("event handler failed", append(fields, zap.Error(err))...)
	}
}
