package order

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/paybridge/gateway/internal/infra/events"
	"github.com/paybridge/gateway/internal/module/channel/plugin"
)

// Publisher receives domain events.
type Publisher interface {
	Publish(event events.Event)
}

// Service applies provider results to orders.
type Service struct {
	repo   Repository
	bus    Publisher
	logger *zap.Logger
}

// NewService creates an order service. bus may be nil.
func NewService(repo Repository, bus Publisher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, bus: bus, logger: logger.Named("order")}
}

// Get returns the order with the given trade number.
func (s *Service) Get(ctx context.Context, tradeNo string) (*Order, error) {
	return s.repo.Get(ctx, tradeNo)
}

// Settle marks the order paid when the outcome is settled. It reports
// whether this call performed the transition; repeated notifications for
// the same order report false and publish nothing.
func (s *Service) Settle(ctx context.Context, channel string, o *Order, out plugin.VerificationOutcome) (bool, error) {
	if !out.Settled() {
		return false, nil
	}
	changed, err := s.repo.MarkPaid(ctx, o.TradeNo(), out.ProviderTradeNo, out.PayerID)
	if err != nil {
		return false, fmt.Errorf("mark paid: %w", err)
	}
	if !changed {
		s.logger.Debug("order already settled", zap.String("trade_no", o.TradeNo()))
		return false, nil
	}

	s.logger.Info("order paid",
		zap.String("trade_no", o.TradeNo()),
		zap.String("channel", channel),
		zap.String("api_trade_no", out.ProviderTradeNo))
	if s.bus != nil {
		s.bus.Publish(PaidEvent{
			BaseEvent:  events.NewBaseEvent(OrderPaidType, o.TradeNo()),
			Channel:    channel,
			Amount:     o.Amount(),
			APITradeNo: out.ProviderTradeNo,
			Buyer:      out.PayerID,
		})
	}
	return true, nil
}

// CheckRefundable rejects refunds for orders that were never paid.
func (s *Service) CheckRefundable(o *Order) error {
	if !o.Status().CanTransitionTo(StatusRefunded) {
		return fmt.Errorf("%w: status %s", ErrOrderNotRefundable, o.Status())
	}
	return nil
}

// RecordRefund stores an accepted refund. Failed refunds leave the order unchanged.
func (s *Service) RecordRefund(ctx context.Context, channel string, o *Order, res plugin.RefundResult) (bool, error) {
	if res.Code != plugin.RefundOK {
		return false, nil
	}
	amount := res.Amount
	if !amount.IsPositive() {
		amount = o.PluginOrder("", channel).RefundValue()
	}
	changed, err := s.repo.MarkRefunded(ctx, o.TradeNo(), amount)
	if err != nil {
		return false, fmt.Errorf("mark refunded: %w", err)
	}
	if changed && s.bus != nil {
		s.bus.Publish(RefundedEvent{
			BaseEvent: events.NewBaseEvent(OrderRefundedType, o.TradeNo()),
			Channel:   channel,
			Amount:    amount,
			RefundNo:  res.RefundNo,
		})
	}
	return changed, nil
}
