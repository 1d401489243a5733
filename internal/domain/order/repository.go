package order

import (
	"context"

	"github.com/shopspring/decimal"
)

// Repository defines the order persistence the gateway needs.
type Repository interface {
	// Get returns ErrOrderNotFound for unknown trade numbers.
	Get(ctx context.Context, tradeNo string) (*Order, error)

	// MarkPaid moves a pending order to paid. It reports false, without
	// error, when the order was not pending, so a duplicate notification
	// never settles twice.
	MarkPaid(ctx context.Context, tradeNo, apiTradeNo, buyer string) (bool, error)

	// MarkRefunded moves a paid order to refunded with the refunded amount.
	MarkRefunded(ctx context.Context, tradeNo string, amount decimal.Decimal) (bool, error)
}
