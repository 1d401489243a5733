package plugin

import (
	"context"
)

// Plugin is the contract every payment channel adapter implements.
//
// Adapters translate provider, network and parse failures into the result
// vocabulary of each operation. The only error they return is one wrapping
// ErrMissingField. Implementations must be safe for concurrent use and must
// not mutate themselves after construction.
type Plugin interface {
	// Descriptor returns the adapter's static description.
	Descriptor() Descriptor

	// Submit decides how a page-jump style payment starts.
	Submit(ctx context.Context, cfg ChannelConfig, order Order, rc RequestContext) (Action, error)

	// ResolvePaymentMethod is the device and sub-mode aware entry point.
	// Retries pass order.TradeNo unchanged so providers dedupe server side.
	ResolvePaymentMethod(ctx context.Context, cfg ChannelConfig, order Order, rc RequestContext) (Action, error)

	// Notify verifies an asynchronous server-to-server callback. The same raw
	// request always yields the same outcome.
	Notify(ctx context.Context, req CallbackRequest, cfg ChannelConfig, order Order) (VerificationOutcome, error)

	// Refund issues a provider refund, keyed by the provider trade number
	// where the provider requires it.
	Refund(ctx context.Context, order Order, cfg ChannelConfig) (RefundResult, error)
}

// ReturnHandler is implemented by adapters that can verify a browser return.
// A return outcome is for payer messaging only and never settles an order.
type ReturnHandler interface {
	Return(ctx context.Context, req CallbackRequest, cfg ChannelConfig, order Order) (VerificationOutcome, error)
}

// Querier is implemented by adapters that can poll order status out of band.
type Querier interface {
	Query(ctx context.Context, cfg ChannelConfig, tradeNo string) (OrderStatus, error)
}
