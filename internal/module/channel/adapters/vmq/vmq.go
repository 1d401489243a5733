// Package vmq is the adapter for V免签 personal collection gateways.
package vmq

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/gioco-play/gozzle"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/paybridge/gateway/internal/module/channel/plugin"
	"github.com/paybridge/gateway/internal/module/channel/sign"
)

// Adapter is the manifest adapter name.
const Adapter = "vmq"

// Submit modes.
const (
	ModeAPI      = "api"
	ModeRedirect = "redirect"
)

var (
	ackSuccess = plugin.PlainAck("success")
	ackError   = plugin.PlainAck("error")

	createCanonical = sign.FixedOrder{Fields: []string{"payId", "param", "type", "price"}}
	notifyCanonical = sign.FixedOrder{Fields: []string{"payId", "param", "type", "price", "reallyPrice"}}
)

// payTypes maps logical pay types to the gateway's numeric type.
var payTypes = map[string]string{"wxpay": "1", "alipay": "2"}

// Options are read from the plugin manifest.
type Options struct {
	Gateway         string `mapstructure:"gateway" validate:"required,url"`
	Mode            string `mapstructure:"mode" validate:"omitempty,oneof=api redirect"`
	AmountTolerance string `mapstructure:"amount_tolerance"`
}

type credentials struct {
	Key string `mapstructure:"key" validate:"required"`
}

type createResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		PayID       string  `json:"payId"`
		OrderID     string  `json:"orderId"`
		PayType     int     `json:"payType"`
		Price       float64 `json:"price"`
		ReallyPrice float64 `json:"reallyPrice"`
		PayURL      string  `json:"payUrl"`
		IsAuto      int     `json:"isAuto"`
		TimeOut     int     `json:"timeOut"`
	} `json:"data"`
}

// VMQ implements plugin.Plugin. The gateway has no refund or lookup by
// merchant order id, so Query is not offered.
type VMQ struct {
	opts   Options
	desc   plugin.Descriptor
	gate   plugin.Gate
	deps   plugin.Deps
	logger *zap.Logger
}

var _ plugin.Plugin = (*VMQ)(nil)

// New is the plugin.Factory for V免签.
func New(deps plugin.Deps, opts plugin.Options) (plugin.Plugin, error) {
	var o Options
	if err := plugin.DecodeOptions(opts, &o); err != nil {
		return nil, err
	}
	if o.Mode == "" {
		o.Mode = ModeAPI
	}
	o.Gateway = strings.TrimSuffix(o.Gateway, "/")
	deps = deps.WithDefaults()
	v := &VMQ{
		opts:   o,
		desc:   descriptor(o),
		deps:   deps,
		logger: deps.Logger.With(zap.String("adapter", Adapter)),
	}
	if err := v.desc.Validate(); err != nil {
		return nil, err
	}
	v.gate = v.desc.Gate()
	return v, nil
}

func descriptor(o Options) plugin.Descriptor {
	return plugin.Descriptor{
		Name:        Adapter,
		DisplayName: "V免签",
		Types: []plugin.PayType{
			{Name: "wxpay", DisplayName: "WeChat"},
			{Name: "alipay", DisplayName: "Alipay"},
		},
		Inputs: []plugin.InputField{
			{Key: "key", Name: "Communication key", Type: plugin.InputText, Required: true},
		},
		Notes:           "The paid amount may differ from the order amount by the gateway's price offset.",
		AmountTolerance: o.AmountTolerance,
	}
}

// Descriptor implements plugin.Plugin.
func (v *VMQ) Descriptor() plugin.Descriptor { return v.desc }

func (v *VMQ) creds(cfg plugin.ChannelConfig) (credentials, error) {
	var c credentials
	err := plugin.Decode(cfg, &c)
	return c, err
}

func (v *VMQ) createParams(c credentials, order plugin.Order, typ string, html bool) (url.Values, error) {
	q := url.Values{}
	q.Set("payId", order.TradeNo)
	q.Set("param", order.Description)
	q.Set("type", typ)
	q.Set("price", order.Amount.StringFixed(2))
	q.Set("notifyUrl", order.NotifyURL)
	q.Set("returnUrl", order.ReturnURL)
	if html {
		q.Set("isHtml", "1")
	} else {
		q.Set("isHtml", "0")
	}
	sig, err := sign.Sign(sign.MD5, createCanonical.Canonical(sign.FromValues(q)), c.Key)
	if err != nil {
		return nil, err
	}
	q.Set("sign", sig)
	return q, nil
}

// Submit implements plugin.Plugin.
func (v *VMQ) Submit(ctx context.Context, cfg plugin.ChannelConfig, order plugin.Order, rc plugin.RequestContext) (plugin.Action, error) {
	c, err := v.creds(cfg)
	if err != nil {
		if errors.Is(err, plugin.ErrMissingField) {
			return nil, err
		}
		return plugin.Errorf("channel misconfigured: %v", err), nil
	}
	typ, ok := payTypes[order.TypeName]
	if !ok {
		return plugin.Errorf("pay type %q is not offered by %s", order.TypeName, Adapter), nil
	}

	if v.opts.Mode == ModeRedirect {
		q, err := v.createParams(c, order, typ, true)
		if err != nil {
			return plugin.Errorf("sign request: %v", err), nil
		}
		return plugin.RedirectAction{URL: v.opts.Gateway + "/createOrder?" + q.Encode()}, nil
	}
	return v.create(ctx, c, order, typ)
}

// ResolvePaymentMethod implements plugin.Plugin. The gateway only issues
// collection QR codes, so method hints do not change the flow.
func (v *VMQ) ResolvePaymentMethod(ctx context.Context, cfg plugin.ChannelConfig, order plugin.Order, rc plugin.RequestContext) (plugin.Action, error) {
	return v.Submit(ctx, cfg, order, rc)
}

func (v *VMQ) create(ctx context.Context, c credentials, order plugin.Order, typ string) (plugin.Action, error) {
	q, err := v.createParams(c, order, typ, false)
	if err != nil {
		return plugin.Errorf("sign request: %v", err), nil
	}

	var resp createResponse
	host := v.opts.Gateway
	if u, err := url.Parse(v.opts.Gateway); err == nil {
		host = u.Host
	}
	err = v.deps.Interactive(ctx, Adapter+":"+host, func(ctx context.Context) error {
		res, err := gozzle.Post(v.opts.Gateway + "/createOrder").
			Timeout(timeoutSeconds(ctx)).
			Trace(trace.SpanFromContext(ctx)).
			Form(q)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if res.Status() != 200 {
			return fmt.Errorf("gateway http status %d", res.Status())
		}
		return res.DecodeJSON(&resp)
	})
	if err != nil {
		v.logger.Warn("create order failed", zap.String("trade_no", order.TradeNo), zap.Error(err))
		return plugin.Errorf("gateway unavailable: %v", err), nil
	}
	if resp.Code != 1 {
		return plugin.Errorf("%s", resp.Msg), nil
	}
	data := map[string]any{
		"order_id":     resp.Data.OrderID,
		"pay_url":      resp.Data.PayURL,
		"really_price": decimal.NewFromFloat(resp.Data.ReallyPrice).StringFixed(2),
		"timeout":      resp.Data.TimeOut,
	}
	return plugin.PageAction{Page: "qrcode", Data: data}, nil
}

// timeoutSeconds converts the context deadline to whole seconds for gozzle.
func timeoutSeconds(ctx context.Context) int {
	dl, ok := ctx.Deadline()
	if !ok {
		return int(plugin.DefaultInteractiveTimeout / time.Second)
	}
	s := int(math.Ceil(time.Until(dl).Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// Notify implements plugin.Plugin. The amount is checked against price, the
// order amount the gateway echoes back. reallyPrice carries the offset.
func (v *VMQ) Notify(ctx context.Context, req plugin.CallbackRequest, cfg plugin.ChannelConfig, order plugin.Order) (plugin.VerificationOutcome, error) {
	c, err := v.creds(cfg)
	if errors.Is(err, plugin.ErrMissingField) {
		return plugin.VerificationOutcome{}, err
	}
	if err != nil {
		return plugin.Rejected(ackError), nil
	}
	params, err := req.Params()
	if err != nil {
		return plugin.Rejected(ackError), nil
	}

	canonical := notifyCanonical.Canonical(sign.FromValues(params))
	sigOK := sign.Verify(sign.MD5, canonical, strings.ToLower(params.Get("sign")), c.Key)

	out := v.gate.Check(order, sigOK, params.Get("payId"), params.Get("price"))
	out.Paid = out.SignatureValid
	out.Refs = map[string]string{"type": params.Get("type"), "really_price": params.Get("reallyPrice")}
	out.Acknowledge(ackSuccess, ackError)
	if !out.Valid() {
		v.logger.Info("notify rejected",
			zap.String("trade_no", order.TradeNo),
			zap.Bool("signature", out.SignatureValid),
			zap.Bool("order", out.OrderMatched),
			zap.Bool("amount", out.AmountMatched))
	}
	return out, nil
}

// Refund implements plugin.Plugin. Personal collection codes cannot refund.
func (v *VMQ) Refund(ctx context.Context, order plugin.Order, cfg plugin.ChannelConfig) (plugin.RefundResult, error) {
	return plugin.RefundFailure("refunds are not supported by " + Adapter), nil
}
