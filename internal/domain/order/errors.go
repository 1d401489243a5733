package order

import "errors"

// Domain errors for pay orders.
var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderNotPending    = errors.New("order is not pending")
	ErrOrderNotRefundable = errors.New("order cannot be refunded")
	ErrChannelMismatch    = errors.New("order belongs to another channel")
)
