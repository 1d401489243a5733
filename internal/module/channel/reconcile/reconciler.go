// Package reconcile settles pending orders whose notify never arrived by
// asking the provider for the trade state.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/paybridge/gateway/internal/domain/channel"
	"github.com/paybridge/gateway/internal/domain/order"
	"github.com/paybridge/gateway/internal/module/channel/dispatch"
	"github.com/paybridge/gateway/internal/module/channel/plugin"
)

// PendingLister lists pending orders created in (after, before), oldest first.
type PendingLister interface {
	ListPending(ctx context.Context, after, before time.Time, limit int) ([]*order.Order, error)
}

// Settler marks orders paid.
type Settler interface {
	Settle(ctx context.Context, channel string, o *order.Order, out plugin.VerificationOutcome) (bool, error)
}

// Querier asks a channel for the provider-side state of a trade.
type Querier interface {
	Query(ctx context.Context, channel string, cfg plugin.ChannelConfig, tradeNo string) (plugin.OrderStatus, error)
}

// Resolver finds the live adapter of a channel; its descriptor supplies
// the amount gate.
type Resolver interface {
	Resolve(name string) (plugin.Plugin, error)
}

// Pool runs work with bounded concurrency.
type Pool interface {
	Go(ctx context.Context, fn func(ctx context.Context) error, done func(error)) error
}

// Config bounds one reconciliation pass.
type Config struct {
	MinAge    time.Duration // younger orders may still receive their notify
	MaxAge    time.Duration // older orders are left alone
	BatchSize int
}

// Result summarizes one pass.
type Result struct {
	Checked int
	Settled int
	Failed  int
}

// Reconciler queries providers for stale pending orders.
type Reconciler struct {
	orders   PendingLister
	settler  Settler
	configs  channel.ConfigRepository
	querier  Querier
	resolver Resolver
	pool     Pool
	config   Config
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a reconciler.
func New(orders PendingLister, settler Settler, configs channel.ConfigRepository, querier Querier, resolver Resolver, pool Pool, cfg Config, logger *zap.Logger) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		orders:   orders,
		settler:  settler,
		configs:  configs,
		querier:  querier,
		resolver: resolver,
		pool:     pool,
		config:   cfg,
		logger:   logger.Named("reconcile"),
		now:      time.Now,
	}
}

// Run performs one pass. It is suitable as a periodic job.
func (r *Reconciler) Run(ctx context.Context) error {
	_, err := r.Pass(ctx)
	return err
}

// Pass checks one batch of stale pending orders and waits for all checks.
func (r *Reconciler) Pass(ctx context.Context) (Result, error) {
	now := r.now()
	var after time.Time
	if r.config.MaxAge > 0 {
		after = now.Add(-r.config.MaxAge)
	}
	pending, err := r.orders.ListPending(ctx, after, now.Add(-r.config.MinAge), r.config.BatchSize)
	if err != nil {
		return Result{}, fmt.Errorf("list pending: %w", err)
	}

	var (
		wg      sync.WaitGroup
		settled atomic.Int64
		failed  atomic.Int64
	)
	for _, o := range pending {
		wg.Add(1)
		err := r.pool.Go(ctx, func(ctx context.Context) error {
			ok, err := r.check(ctx, o)
			if ok {
				settled.Add(1)
			}
			return err
		}, func(err error) {
			if err != nil {
				failed.Add(1)
				r.logger.Warn("reconcile order failed", zap.String("trade_no", o.TradeNo()), zap.Error(err))
			}
			wg.Done()
		})
		if err != nil {
			wg.Done()
			wg.Wait()
			return Result{}, err
		}
	}
	wg.Wait()

	res := Result{Checked: len(pending), Settled: int(settled.Load()), Failed: int(failed.Load())}
	if res.Checked > 0 {
		r.logger.Info("reconcile pass finished",
			zap.Int("checked", res.Checked),
			zap.Int("settled", res.Settled),
			zap.Int("failed", res.Failed))
	}
	return res, nil
}

// check settles o when the provider reports it paid for an amount the
// channel's gate accepts. A paid state without an amount is never settled.
func (r *Reconciler) check(ctx context.Context, o *order.Order) (bool, error) {
	cfg, err := r.configs.Get(ctx, o.ChannelID())
	if errors.Is(err, channel.ErrChannelNotFound) || errors.Is(err, channel.ErrChannelDisabled) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	st, err := r.querier.Query(ctx, cfg.Plugin, cfg, o.TradeNo())
	if errors.Is(err, dispatch.ErrNotSupported) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if st.State != plugin.StatePaid {
		return false, nil
	}
	p, err := r.resolver.Resolve(cfg.Plugin)
	if err != nil {
		return false, nil
	}
	if !st.Amount.IsPositive() {
		r.logger.Warn("provider reported paid without an amount",
			zap.String("trade_no", o.TradeNo()),
			zap.String("channel", cfg.Plugin))
		return false, nil
	}
	if !p.Descriptor().Gate().AmountMatches(o.Amount(), st.Amount) {
		r.logger.Warn("provider amount differs from order",
			zap.String("trade_no", o.TradeNo()),
			zap.String("channel", cfg.Plugin),
			zap.String("expected", o.Amount().String()),
			zap.String("reported", st.Amount.String()))
		return false, nil
	}

	return r.settler.Settle(ctx, cfg.Plugin, o, plugin.VerificationOutcome{
		SignatureValid:  true,
		OrderMatched:    true,
		AmountMatched:   true,
		Paid:            true,
		ProviderTradeNo: st.ProviderTradeNo,
		PayerID:         st.PayerID,
	})
}
