package events

// Handler processes events of the types it declares. Handlers must be
// idempotent: the same event may be delivered more than once.
type Handler interface {
	Handles() []string
	Handle(event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	eventTypes []string
	fn         func(Event) error
}

// NewHandlerFunc creates a HandlerFunc for the given event types.
func NewHandlerFunc(eventTypes []string, fn func(Event) error) *HandlerFunc {
	return &HandlerFunc{eventTypes: eventTypes, fn: fn}
}

// Handles implements Handler.
func (h *HandlerFunc) Handles() []string { return h.eventTypes }

// Handle implements Handler.
func (h *HandlerFunc) Handle(event Event) error { return h.fn(event) }
