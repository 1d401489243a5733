// Package dispatch routes a (channel, method) call from the web layer to the
// adapter registered under that channel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/paybridge/gateway/internal/module/channel/plugin"
	"github.com/paybridge/gateway/internal/utils/metrics"
)

// Method names a plugin operation.
type Method string

const (
	MethodSubmit Method = "submit"
	MethodMAPI   Method = "mapi"
	MethodNotify Method = "notify"
	MethodReturn Method = "return"
	MethodRefund Method = "refund"
	MethodQuery  Method = "query"
)

// ParseMethod validates a method name.
func ParseMethod(s string) (Method, bool) {
	switch m := Method(s); m {
	case MethodSubmit, MethodMAPI, MethodNotify, MethodReturn, MethodRefund, MethodQuery:
		return m, true
	}
	return "", false
}

// Resolver finds the live adapter of a channel.
type Resolver interface {
	Resolve(name string) (plugin.Plugin, error)
}

// Request is one dispatched call. Only the fields the method needs are read.
type Request struct {
	Channel  string
	Method   Method
	Config   plugin.ChannelConfig
	Order    plugin.Order
	Context  plugin.RequestContext
	Callback plugin.CallbackRequest
	TradeNo  string // query only; defaults to Order.TradeNo
}

// Result holds the method-specific result. Exactly one field is set.
type Result struct {
	Action  plugin.Action
	Outcome *plugin.VerificationOutcome
	Refund  *plugin.RefundResult
	Status  *plugin.OrderStatus
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	resolver Resolver
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics records dispatch and verification metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a dispatcher over resolver.
func New(resolver Resolver, opts ...Option) *Dispatcher {
	d := &Dispatcher{resolver: resolver, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.Named("dispatch")
	return d
}

// Dispatch resolves the channel, checks the request against the adapter's
// descriptor and runs the method.
//
// Errors are a NotSupportedError, an error wrapping plugin.ErrMissingField
// or plugin.ErrInvalidConfig, or ErrAdapterPanic. Provider failures are
// carried inside the Result.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (res *Result, err error) {
	start := time.Now()
	log := d.logger.With(
		zap.String("channel", req.Channel),
		zap.String("method", string(req.Method)),
		zap.String("trade_no", req.Order.TradeNo),
	)
	defer func() {
		result := resultLabel(res, err)
		d.metrics.RecordDispatch(req.Channel, string(req.Method), result, time.Since(start))
		if err != nil {
			log.Warn("dispatch failed", zap.Error(err), zap.Duration("took", time.Since(start)))
			return
		}
		log.Info("dispatched", zap.String("result", result), zap.Duration("took", time.Since(start)))
	}()

	if _, ok := ParseMethod(string(req.Method)); !ok {
		return nil, notSupported(req.Channel, req.Method, "unknown method")
	}
	p, rerr := d.resolver.Resolve(req.Channel)
	if rerr != nil {
		return nil, notSupported(req.Channel, req.Method, "unknown channel")
	}
	if req.Config.Plugin != "" && req.Config.Plugin != req.Channel {
		return nil, fmt.Errorf("%w: config %d belongs to channel %q", plugin.ErrInvalidConfig, req.Config.ID, req.Config.Plugin)
	}

	desc := p.Descriptor()
	if req.Method == MethodSubmit || req.Method == MethodMAPI {
		if req.Order.TypeName != "" && !desc.Supports(req.Order.TypeName) {
			return nil, notSupported(req.Channel, req.Method, "payment type %q not offered", req.Order.TypeName)
		}
	}
	if err := desc.CheckConfig(req.Config); err != nil {
		return nil, err
	}
	if req.Method == MethodNotify || req.Method == MethodReturn {
		log.Debug("callback received",
			zap.String("content_type", req.Callback.ContentType()),
			zap.ByteString("body", req.Callback.Body),
		)
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("adapter panic", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
			res, err = nil, fmt.Errorf("%w: %s/%s: %v", ErrAdapterPanic, req.Channel, req.Method, rec)
		}
	}()
	res, err = d.invoke(ctx, p, req)
	if err != nil {
		return nil, err
	}
	if res.Outcome != nil {
		d.metrics.RecordVerification(req.Channel, string(req.Method), outcomeLabel(*res.Outcome))
	}
	return res, nil
}

func (d *Dispatcher) invoke(ctx context.Context, p plugin.Plugin, req Request) (*Result, error) {
	switch req.Method {
	case MethodSubmit:
		a, err := p.Submit(ctx, req.Config, req.Order, req.Context)
		return actionResult(a, err)

	case MethodMAPI:
		a, err := p.ResolvePaymentMethod(ctx, req.Config, req.Order, req.Context)
		return actionResult(a, err)

	case MethodNotify:
		out, err := p.Notify(ctx, req.Callback, req.Config, req.Order)
		if err != nil {
			return nil, err
		}
		return &Result{Outcome: &out}, nil

	case MethodReturn:
		h, ok := p.(plugin.ReturnHandler)
		if !ok {
			return nil, notSupported(req.Channel, req.Method, "return callback not implemented")
		}
		out, err := h.Return(ctx, req.Callback, req.Config, req.Order)
		if err != nil {
			return nil, err
		}
		return &Result{Outcome: &out}, nil

	case MethodRefund:
		r, err := p.Refund(ctx, req.Order, req.Config)
		if err != nil {
			return nil, err
		}
		return &Result{Refund: &r}, nil

	case MethodQuery:
		q, ok := p.(plugin.Querier)
		if !ok {
			return nil, notSupported(req.Channel, req.Method, "status query not implemented")
		}
		tradeNo := req.TradeNo
		if tradeNo == "" {
			tradeNo = req.Order.TradeNo
		}
		s, err := q.Query(ctx, req.Config, tradeNo)
		if err != nil {
			return nil, err
		}
		return &Result{Status: &s}, nil
	}
	return nil, notSupported(req.Channel, req.Method, "unknown method")
}

func actionResult(a plugin.Action, err error) (*Result, error) {
	if err != nil {
		return nil, err
	}
	if a == nil {
		a = plugin.ErrorAction{Message: "channel returned no action"}
	}
	return &Result{Action: a}, nil
}

// --- Typed wrappers ---

// Submit dispatches a page-jump payment start.
func (d *Dispatcher) Submit(ctx context.Context, channel string, cfg plugin.ChannelConfig, order plugin.Order, rc plugin.RequestContext) (plugin.Action, error) {
	res, err := d.Dispatch(ctx, Request{Channel: channel, Method: MethodSubmit, Config: cfg, Order: order, Context: rc})
	if err != nil {
		return nil, err
	}
	return res.Action, nil
}

// MAPI dispatches a device-aware payment start.
func (d *Dispatcher) MAPI(ctx context.Context, channel string, cfg plugin.ChannelConfig, order plugin.Order, rc plugin.RequestContext) (plugin.Action, error) {
	res, err := d.Dispatch(ctx, Request{Channel: channel, Method: MethodMAPI, Config: cfg, Order: order, Context: rc})
	if err != nil {
		return nil, err
	}
	return res.Action, nil
}

// Notify dispatches an asynchronous provider callback.
func (d *Dispatcher) Notify(ctx context.Context, channel string, cb plugin.CallbackRequest, cfg plugin.ChannelConfig, order plugin.Order) (plugin.VerificationOutcome, error) {
	res, err := d.Dispatch(ctx, Request{Channel: channel, Method: MethodNotify, Config: cfg, Order: order, Callback: cb})
	if err != nil {
		return plugin.VerificationOutcome{}, err
	}
	return *res.Outcome, nil
}

// Return dispatches a browser return. Its outcome is for display only and
// must not be used to mark the order paid.
func (d *Dispatcher) Return(ctx context.Context, channel string, cb plugin.CallbackRequest, cfg plugin.ChannelConfig, order plugin.Order) (plugin.VerificationOutcome, error) {
	res, err := d.Dispatch(ctx, Request{Channel: channel, Method: MethodReturn, Config: cfg, Order: order, Callback: cb})
	if err != nil {
		return plugin.VerificationOutcome{}, err
	}
	return *res.Outcome, nil
}

// Refund dispatches a refund.
func (d *Dispatcher) Refund(ctx context.Context, channel string, cfg plugin.ChannelConfig, order plugin.Order) (plugin.RefundResult, error) {
	res, err := d.Dispatch(ctx, Request{Channel: channel, Method: MethodRefund, Config: cfg, Order: order})
	if err != nil {
		return plugin.RefundResult{}, err
	}
	return *res.Refund, nil
}

// Query dispatches an out-of-band status query.
func (d *Dispatcher) Query(ctx context.Context, channel string, cfg plugin.ChannelConfig, tradeNo string) (plugin.OrderStatus, error) {
	res, err := d.Dispatch(ctx, Request{Channel: channel, Method: MethodQuery, Config: cfg, TradeNo: tradeNo, Order: plugin.Order{TradeNo: tradeNo}})
	if err != nil {
		return plugin.OrderStatus{}, err
	}
	return *res.Status, nil
}

// --- Labels ---

func resultLabel(res *Result, err error) string {
	switch {
	case errors.Is(err, ErrNotSupported):
		return "not_supported"
	case errors.Is(err, ErrAdapterPanic):
		return "panic"
	case errors.Is(err, plugin.ErrMissingField), errors.Is(err, plugin.ErrInvalidConfig):
		return "misconfigured"
	case err != nil:
		return "error"
	case res == nil:
		return "empty"
	case res.Action != nil && plugin.IsError(res.Action):
		return "error_action"
	case res.Outcome != nil && !res.Outcome.Valid():
		return "invalid"
	case res.Refund != nil && res.Refund.Code != plugin.RefundOK:
		return "refund_failed"
	case res.Status != nil && res.Status.State == plugin.StateUnknown:
		return "unknown"
	}
	return "ok"
}

func outcomeLabel(o plugin.VerificationOutcome) string {
	switch {
	case !o.SignatureValid:
		return "bad_signature"
	case !o.OrderMatched:
		return "order_mismatch"
	case !o.AmountMatched:
		return "amount_mismatch"
	case !o.Paid:
		return "unpaid"
	}
	return "valid"
}
