package order

import "fmt"

// Status is the lifecycle state of a pay order.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusRefunded Status = "refunded"
	StatusClosed   Status = "closed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid checks if the status is a known order status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusRefunded, StatusClosed:
		return true
	}
	return false
}

// IsTerminal returns true if no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusRefunded || s == StatusClosed
}

var transitions = map[Status][]Status{
	StatusPending:  {StatusPaid, StatusClosed},
	StatusPaid:     {StatusRefunded},
	StatusRefunded: {},
	StatusClosed:   {},
}

// CanTransitionTo checks if a transition from s to target is allowed.
func (s Status) CanTransitionTo(target Status) bool {
	for _, a := range transitions[s] {
		if a == target {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned when a state transition is not allowed.
var ErrInvalidTransition = fmt.Errorf("invalid state transition")
