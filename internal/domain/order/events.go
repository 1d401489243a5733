package order

import (
	"github.com/shopspring/decimal"

	"github.com/paybridge/gateway/internal/infra/events"
)

// Event types published by the order service.
const (
	OrderPaidType     = "OrderPaid"
	OrderRefundedType = "OrderRefunded"
)

// PaidEvent is published once, when an order first becomes paid.
type PaidEvent struct {
	events.BaseEvent
	Channel    string          `json:"channel"`
	Amount     decimal.Decimal `json:"amount"`
	APITradeNo string          `json:"api_trade_no"`
	Buyer      string          `json:"buyer"`
}

// RefundedEvent is published when a refund is accepted by the provider.
type RefundedEvent struct {
	events.BaseEvent
	Channel  string          `json:"channel"`
	Amount   decimal.Decimal `json:"amount"`
	RefundNo string          `json:"refund_no"`
}
