package order

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/paybridge/gateway/internal/infra/events"
	"github.com/paybridge/gateway/internal/module/channel/plugin"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Get(ctx context.Context, tradeNo string) (*Order, error) {
	args := m.Called(ctx, tradeNo)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Order), args.Error(1)
}

func (m *MockRepository) MarkPaid(ctx context.Context, tradeNo, apiTradeNo, buyer string) (bool, error) {
	args := m.Called(ctx, tradeNo, apiTradeNo, buyer)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) MarkRefunded(ctx context.Context, tradeNo string, amount decimal.Decimal) (bool, error) {
	args := m.Called(ctx, tradeNo, amount)
	return args.Bool(0), args.Error(1)
}

type recordingBus struct {
	events []events.Event
}

func (b *recordingBus) Publish(e events.Event) { b.events = append(b.events, e) }

func pendingOrder() *Order {
	return RestoreOrder(Snapshot{
		TradeNo:   "T1001",
		ChannelID: 1,
		TypeName:  "alipay",
		Amount:    decimal.RequireFromString("10.00"),
		Name:      "VIP",
		Status:    StatusPending,
	})
}

func settled() plugin.VerificationOutcome {
	return plugin.VerificationOutcome{
		SignatureValid: true, OrderMatched: true, AmountMatched: true, Paid: true,
		ProviderTradeNo: "EP1", PayerID: "buyer-1",
	}
}

func TestStatus_Transitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusPaid))
	assert.True(t, StatusPaid.CanTransitionTo(StatusRefunded))
	assert.False(t, StatusPending.CanTransitionTo(StatusRefunded))
	assert.False(t, StatusRefunded.CanTransitionTo(StatusPaid))
	assert.True(t, StatusClosed.IsTerminal())
	assert.False(t, Status("lost").IsValid())
}

func TestOrder_PluginOrder(t *testing.T) {
	po := pendingOrder().PluginOrder("https://gw.example/", "epay")
	assert.Equal(t, "https://gw.example/pay/epay/notify/T1001", po.NotifyURL)
	assert.Equal(t, "https://gw.example/pay/epay/return/T1001", po.ReturnURL)
	assert.Equal(t, "VIP", po.Description)
	assert.True(t, decimal.RequireFromString("10").Equal(po.Amount))
}

func TestService_Settle(t *testing.T) {
	repo := new(MockRepository)
	bus := &recordingBus{}
	svc := NewService(repo, bus, nil)
	ctx := context.Background()
	o := pendingOrder()

	repo.On("MarkPaid", ctx, "T1001", "EP1", "buyer-1").Return(true, nil).Once()
	repo.On("MarkPaid", ctx, "T1001", "EP1", "buyer-1").Return(false, nil).Once()

	changed, err := svc.Settle(ctx, "epay", o, settled())
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = svc.Settle(ctx, "epay", o, settled())
	require.NoError(t, err)
	assert.False(t, changed)

	require.Len(t, bus.events, 1)
	paid := bus.events[0].(PaidEvent)
	assert.Equal(t, OrderPaidType, paid.EventType())
	assert.Equal(t, "T1001", paid.AggregateID())
	assert.Equal(t, "epay", paid.Channel)
	repo.AssertExpectations(t)
}

func TestService_SettleIgnoresUnsettledOutcomes(t *testing.T) {
	repo := new(MockRepository)
	svc := NewService(repo, nil, nil)

	out := settled()
	out.AmountMatched = false
	changed, err := svc.Settle(context.Background(), "epay", pendingOrder(), out)
	require.NoError(t, err)
	assert.False(t, changed)

	out = settled()
	out.Paid = false
	changed, err = svc.Settle(context.Background(), "epay", pendingOrder(), out)
	require.NoError(t, err)
	assert.False(t, changed)
	repo.AssertNotCalled(t, "MarkPaid", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestService_SettleStoreError(t *testing.T) {
	repo := new(MockRepository)
	repo.On("MarkPaid", mock.Anything, "T1001", "EP1", "buyer-1").Return(false, errors.New("db down"))
	svc := NewService(repo, nil, nil)

	_, err := svc.Settle(context.Background(), "epay", pendingOrder(), settled())
	assert.ErrorContains(t, err, "db down")
}

func TestService_Refund(t *testing.T) {
	repo := new(MockRepository)
	bus := &recordingBus{}
	svc := NewService(repo, bus, nil)
	ctx := context.Background()

	assert.ErrorIs(t, svc.CheckRefundable(pendingOrder()), ErrOrderNotRefundable)

	paid := RestoreOrder(Snapshot{TradeNo: "T1001", Amount: decimal.RequireFromString("10.00"), Status: StatusPaid})
	require.NoError(t, svc.CheckRefundable(paid))

	changed, err := svc.RecordRefund(ctx, "epay", paid, plugin.RefundFailure("declined"))
	require.NoError(t, err)
	assert.False(t, changed)

	repo.On("MarkRefunded", ctx, "T1001", mock.MatchedBy(func(d decimal.Decimal) bool {
		return d.Equal(decimal.RequireFromString("10"))
	})).Return(true, nil)
	changed, err = svc.RecordRefund(ctx, "epay", paid, plugin.RefundResult{Code: plugin.RefundOK, RefundNo: "R1"})
	require.NoError(t, err)
	assert.True(t, changed)
	require.Len(t, bus.events, 1)
	assert.Equal(t, "R1", bus.events[0].(RefundedEvent).RefundNo)
}
