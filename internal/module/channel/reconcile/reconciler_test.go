package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/paybridge/gateway/internal/domain/channel"
	"github.com/paybridge/gateway/internal/domain/order"
	"github.com/paybridge/gateway/internal/infra/task"
	"github.com/paybridge/gateway/internal/module/channel/dispatch"
	"github.com/paybridge/gateway/internal/module/channel/plugin"
)

type MockLister struct {
	mock.Mock
}

func (m *MockLister) ListPending(ctx context.Context, after, before time.Time, limit int) ([]*order.Order, error) {
	args := m.Called(ctx, after, before, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*order.Order), args.Error(1)
}

type MockSettler struct {
	mock.Mock
}

func (m *MockSettler) Settle(ctx context.Context, ch string, o *order.Order, out plugin.VerificationOutcome) (bool, error) {
	args := m.Called(ctx, ch, o, out)
	return args.Bool(0), args.Error(1)
}

type MockQuerier struct {
	mock.Mock
}

func (m *MockQuerier) Query(ctx context.Context, ch string, cfg plugin.ChannelConfig, tradeNo string) (plugin.OrderStatus, error) {
	args := m.Called(ctx, ch, cfg, tradeNo)
	return args.Get(0).(plugin.OrderStatus), args.Error(1)
}

// describedPlugin exposes only a descriptor; reconciliation needs nothing else.
type describedPlugin struct {
	plugin.Plugin
	desc plugin.Descriptor
}

func (p describedPlugin) Descriptor() plugin.Descriptor { return p.desc }

type resolverFunc func(name string) (plugin.Plugin, error)

func (f resolverFunc) Resolve(name string) (plugin.Plugin, error) { return f(name) }

var plugins = resolverFunc(func(name string) (plugin.Plugin, error) {
	switch name {
	case "epay":
		return describedPlugin{desc: plugin.Descriptor{Name: "epay"}}, nil
	case "stripe":
		return describedPlugin{desc: plugin.Descriptor{Name: "stripe", ExactAmount: true}}, nil
	case "vmq":
		return describedPlugin{desc: plugin.Descriptor{Name: "vmq"}}, nil
	}
	return nil, errors.New("plugin not found")
})

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func pending(tradeNo string, channelID int64) *order.Order {
	return order.RestoreOrder(order.Snapshot{
		TradeNo:   tradeNo,
		ChannelID: channelID,
		Amount:    decimal.RequireFromString("10.00"),
		Status:    order.StatusPending,
		CreatedAt: now.Add(-time.Hour),
	})
}

var configs = channel.ConfigRepositoryFunc(func(_ context.Context, id int64) (plugin.ChannelConfig, error) {
	switch id {
	case 1:
		return plugin.ChannelConfig{ID: 1, Plugin: "epay"}, nil
	case 2:
		return plugin.ChannelConfig{ID: 2, Plugin: "vmq"}, nil
	case 4:
		return plugin.ChannelConfig{ID: 4, Plugin: "stripe"}, nil
	case 3:
		return plugin.ChannelConfig{}, channel.ErrChannelDisabled
	}
	return plugin.ChannelConfig{}, channel.ErrChannelNotFound
})

func newReconciler(t *testing.T, lister *MockLister, settler *MockSettler, querier *MockQuerier) *Reconciler {
	t.Helper()
	pool := task.NewManager(zaptest.NewLogger(t), &task.Config{MaxConcurrent: 2})
	t.Cleanup(pool.Stop)
	r := New(lister, settler, configs, querier, plugins, pool, Config{MinAge: 10 * time.Minute, MaxAge: 24 * time.Hour, BatchSize: 50}, zaptest.NewLogger(t))
	r.now = func() time.Time { return now }
	return r
}

func TestReconciler_SettlesPaidOrders(t *testing.T) {
	lister, settler, querier := new(MockLister), new(MockSettler), new(MockQuerier)
	paid, open := pending("T1", 1), pending("T2", 1)

	lister.On("ListPending", mock.Anything, now.Add(-24*time.Hour), now.Add(-10*time.Minute), 50).
		Return([]*order.Order{paid, open}, nil)
	querier.On("Query", mock.Anything, "epay", mock.Anything, "T1").
		Return(plugin.OrderStatus{State: plugin.StatePaid, ProviderTradeNo: "EP1", Amount: decimal.RequireFromString("10"), PayerID: "buyer"}, nil)
	querier.On("Query", mock.Anything, "epay", mock.Anything, "T2").
		Return(plugin.OrderStatus{State: plugin.StatePending}, nil)
	settler.On("Settle", mock.Anything, "epay", paid, mock.MatchedBy(func(out plugin.VerificationOutcome) bool {
		return out.Settled() && out.ProviderTradeNo == "EP1" && out.PayerID == "buyer"
	})).Return(true, nil)

	res, err := newReconciler(t, lister, settler, querier).Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Checked: 2, Settled: 1}, res)
	settler.AssertNumberOfCalls(t, "Settle", 1)
	querier.AssertExpectations(t)
}

func TestReconciler_SkipsUnusableChannels(t *testing.T) {
	lister, settler, querier := new(MockLister), new(MockSettler), new(MockQuerier)
	lister.On("ListPending", mock.Anything, mock.Anything, mock.Anything, 50).
		Return([]*order.Order{pending("T1", 2), pending("T2", 3), pending("T3", 9)}, nil)
	querier.On("Query", mock.Anything, "vmq", mock.Anything, "T1").
		Return(plugin.OrderStatus{}, &dispatch.NotSupportedError{Channel: "vmq", Method: "query"})

	res, err := newReconciler(t, lister, settler, querier).Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Checked: 3}, res)
	settler.AssertNotCalled(t, "Settle", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReconciler_AmountMismatchNotSettled(t *testing.T) {
	lister, settler, querier := new(MockLister), new(MockSettler), new(MockQuerier)
	lister.On("ListPending", mock.Anything, mock.Anything, mock.Anything, 50).
		Return([]*order.Order{pending("T1", 1)}, nil)
	querier.On("Query", mock.Anything, "epay", mock.Anything, "T1").
		Return(plugin.OrderStatus{State: plugin.StatePaid, Amount: decimal.RequireFromString("0.01")}, nil)

	res, err := newReconciler(t, lister, settler, querier).Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Settled)
	settler.AssertNotCalled(t, "Settle", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReconciler_QueryFailureCounted(t *testing.T) {
	lister, settler, querier := new(MockLister), new(MockSettler), new(MockQuerier)
	lister.On("ListPending", mock.Anything, mock.Anything, mock.Anything, 50).
		Return([]*order.Order{pending("T1", 1)}, nil)
	querier.On("Query", mock.Anything, "epay", mock.Anything, "T1").
		Return(plugin.OrderStatus{}, errors.New("gateway timeout"))

	res, err := newReconciler(t, lister, settler, querier).Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Checked: 1, Failed: 1}, res)
}

func TestReconciler_ListError(t *testing.T) {
	lister := new(MockLister)
	lister.On("ListPending", mock.Anything, mock.Anything, mock.Anything, 50).
		Return(nil, errors.New("connection refused"))

	err := newReconciler(t, lister, new(MockSettler), new(MockQuerier)).Run(context.Background())
	assert.ErrorContains(t, err, "connection refused")
}

func TestReconciler_PaidWithoutAmountNotSettled(t *testing.T) {
	lister, settler, querier := new(MockLister), new(MockSettler), new(MockQuerier)
	lister.On("ListPending", mock.Anything, mock.Anything, mock.Anything, 50).
		Return([]*order.Order{pending("T1", 1)}, nil)
	querier.On("Query", mock.Anything, "epay", mock.Anything, "T1").
		Return(plugin.OrderStatus{State: plugin.StatePaid, ProviderTradeNo: "EP9"}, nil)

	res, err := newReconciler(t, lister, settler, querier).Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Checked: 1}, res)
	settler.AssertNotCalled(t, "Settle", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReconciler_AmountUsesChannelGate(t *testing.T) {
	tests := []struct {
		name      string
		channelID int64
		channel   string
		reported  string
		settled   bool
	}{
		{"within one minor unit", 1, "epay", "9.99", true},
		{"beyond one minor unit", 1, "epay", "9.98", false},
		{"exact channel rejects any difference", 4, "stripe", "9.99", false},
		{"exact channel accepts equal amount", 4, "stripe", "10", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lister, settler, querier := new(MockLister), new(MockSettler), new(MockQuerier)
			o := pending("T1", tt.channelID)
			lister.On("ListPending", mock.Anything, mock.Anything, mock.Anything, 50).
				Return([]*order.Order{o}, nil)
			querier.On("Query", mock.Anything, tt.channel, mock.Anything, "T1").
				Return(plugin.OrderStatus{State: plugin.StatePaid, Amount: decimal.RequireFromString(tt.reported)}, nil)
			settler.On("Settle", mock.Anything, tt.channel, o, mock.Anything).Return(true, nil)

			res, err := newReconciler(t, lister, settler, querier).Pass(context.Background())
			require.NoError(t, err)
			if tt.settled {
				assert.Equal(t, 1, res.Settled)
			} else {
				assert.Equal(t, 0, res.Settled)
				settler.AssertNotCalled(t, "Settle", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			}
		})
	}
}
