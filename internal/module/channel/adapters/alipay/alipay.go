// Package alipay is the adapter for the Alipay open platform (RSA2).
package alipay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-pay/gopay"
	"github.com/go-pay/gopay/alipay"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/paybridge/gateway/internal/module/channel/plugin"
	"github.com/paybridge/gateway/internal/module/channel/sign"
)

// Adapter is the manifest adapter name.
const Adapter = "alipay"

// Sub-modes selectable per channel.
const (
	ModePage   = "page"   // pc website pay
	ModeWap    = "wap"    // mobile website pay
	ModeQRCode = "qrcode" // face-to-face precreate
	ModeApp    = "app"    // app sdk string
)

const successCode = "10000"

var (
	ackSuccess = plugin.PlainAck("success")
	ackFail    = plugin.PlainAck("fail")

	canonicalizer = sign.Sorted{Exclude: []string{"sign_type"}}
)

// Options are read from the plugin manifest.
type Options struct {
	Sandbox         bool   `mapstructure:"sandbox"`
	AmountTolerance string `mapstructure:"amount_tolerance"`
}

type credentials struct {
	AppID      string `mapstructure:"appid" validate:"required"`
	PrivateKey string `mapstructure:"private_key" validate:"required"`
	PublicKey  string `mapstructure:"public_key" validate:"required"`
	Modes      string `mapstructure:"modes"`
}

// enabled reports whether a sub-mode is switched on. Page and wap are the
// defaults when nothing is selected.
func (c credentials) enabled(mode string) bool {
	if strings.TrimSpace(c.Modes) == "" {
		return mode == ModePage || mode == ModeWap
	}
	for _, m := range strings.Split(c.Modes, ",") {
		if strings.TrimSpace(m) == mode {
			return true
		}
	}
	return false
}

// Alipay implements plugin.Plugin, plugin.ReturnHandler and plugin.Querier.
type Alipay struct {
	opts   Options
	desc   plugin.Descriptor
	gate   plugin.Gate
	deps   plugin.Deps
	logger *zap.Logger
}

var (
	_ plugin.Plugin        = (*Alipay)(nil)
	_ plugin.ReturnHandler = (*Alipay)(nil)
	_ plugin.Querier       = (*Alipay)(nil)
)

// New is the plugin.Factory for Alipay.
func New(deps plugin.Deps, opts plugin.Options) (plugin.Plugin, error) {
	var o Options
	if err := plugin.DecodeOptions(opts, &o); err != nil {
		return nil, err
	}
	deps = deps.WithDefaults()
	a := &Alipay{
		opts:   o,
		desc:   descriptor(o),
		deps:   deps,
		logger: deps.Logger.With(zap.String("adapter", Adapter)),
	}
	if err := a.desc.Validate(); err != nil {
		return nil, err
	}
	a.gate = a.desc.Gate()
	return a, nil
}

func descriptor(o Options) plugin.Descriptor {
	return plugin.Descriptor{
		Name:        Adapter,
		DisplayName: "Alipay",
		Author:      "Alipay",
		Link:        "https://open.alipay.com/",
		Types:       []plugin.PayType{{Name: "alipay", DisplayName: "Alipay"}},
		Inputs: []plugin.InputField{
			{Key: "appid", Name: "App ID", Type: plugin.InputText, Required: true},
			{Key: "private_key", Name: "App private key", Type: plugin.InputTextarea, Required: true, Note: "RSA2, PKCS#1 or PKCS#8, with or without PEM markers"},
			{Key: "public_key", Name: "Alipay public key", Type: plugin.InputTextarea, Required: true},
		},
		Selects: map[string][]plugin.Option{
			"alipay": {
				{Value: ModePage, Label: "PC website"},
				{Value: ModeWap, Label: "Mobile website"},
				{Value: ModeQRCode, Label: "Face-to-face QR"},
				{Value: ModeApp, Label: "App"},
			},
		},
		Notes:           "Set the notify URL domain in the Alipay console.",
		AmountTolerance: o.AmountTolerance,
	}
}

// Descriptor implements plugin.Plugin.
func (a *Alipay) Descriptor() plugin.Descriptor { return a.desc }

func (a *Alipay) creds(cfg plugin.ChannelConfig) (credentials, plugin.Action, error) {
	var c credentials
	err := plugin.Decode(cfg, &c)
	switch {
	case err == nil:
		return c, nil, nil
	case errors.Is(err, plugin.ErrMissingField):
		return c, nil, err
	default:
		return c, plugin.Errorf("channel misconfigured: %v", err), nil
	}
}

// client builds a gopay client for one call. URLs are per order, so clients
// are not shared.
func (a *Alipay) client(c credentials, order plugin.Order) (*alipay.Client, error) {
	cl, err := alipay.NewClient(c.AppID, sign.StripPEM(c.PrivateKey), !a.opts.Sandbox)
	if err != nil {
		return nil, fmt.Errorf("alipay client: %w", err)
	}
	cl.SetCharset(alipay.UTF8).SetSignType(alipay.RSA2)
	if order.NotifyURL != "" {
		cl.SetNotifyUrl(order.NotifyURL)
	}
	if order.ReturnURL != "" {
		cl.SetReturnUrl(order.ReturnURL)
	}
	cl.AutoVerifySign([]byte(sign.WrapPEM(c.PublicKey, sign.BlockPublicKey)))
	return cl, nil
}

func tradeBody(order plugin.Order) gopay.BodyMap {
	bm := make(gopay.BodyMap)
	bm.Set("out_trade_no", order.TradeNo).
		Set("total_amount", order.Amount.StringFixed(2)).
		Set("subject", subject(order))
	return bm
}

func subject(order plugin.Order) string {
	if order.Description != "" {
		return order.Description
	}
	return order.TradeNo
}

// Submit implements plugin.Plugin: page pay on pc, wap pay on mobile.
func (a *Alipay) Submit(ctx context.Context, cfg plugin.ChannelConfig, order plugin.Order, rc plugin.RequestContext) (plugin.Action, error) {
	c, action, err := a.creds(cfg)
	if action != nil || err != nil {
		return action, err
	}
	switch {
	case rc.Device.IsMobile() && c.enabled(ModeWap):
		return a.wapPay(ctx, c, order)
	case !rc.Device.IsMobile() && c.enabled(ModePage):
		return a.pagePay(ctx, c, order)
	case c.enabled(ModeQRCode):
		return a.precreate(ctx, c, order)
	}
	return plugin.Errorf("no alipay mode enabled for this device"), nil
}

// ResolvePaymentMethod implements plugin.Plugin. Method hints pick the
// flow: scan → precreate QR, app → sdk string, otherwise by device.
func (a *Alipay) ResolvePaymentMethod(ctx context.Context, cfg plugin.ChannelConfig, order plugin.Order, rc plugin.RequestContext) (plugin.Action, error) {
	c, action, err := a.creds(cfg)
	if action != nil || err != nil {
		return action, err
	}
	switch rc.Method {
	case plugin.MethodScan:
		return a.precreate(ctx, c, order)
	case plugin.MethodApp:
		return a.appPay(ctx, c, order)
	}
	if !rc.Device.IsMobile() && c.enabled(ModeQRCode) {
		return a.precreate(ctx, c, order)
	}
	return a.Submit(ctx, cfg, order, rc)
}

func (a *Alipay) pagePay(ctx context.Context, c credentials, order plugin.Order) (plugin.Action, error) {
	cl, err := a.client(c, order)
	if err != nil {
		return plugin.Errorf("%v", err), nil
	}
	bm := tradeBody(order).Set("product_code", "FAST_INSTANT_TRADE_PAY")
	payURL, err := cl.TradePagePay(ctx, bm)
	if err != nil {
		return plugin.Errorf("alipay page pay: %v", err), nil
	}
	return plugin.RedirectAction{URL: payURL}, nil
}

func (a *Alipay) wapPay(ctx context.Context, c credentials, order plugin.Order) (plugin.Action, error) {
	cl, err := a.client(c, order)
	if err != nil {
		return plugin.Errorf("%v", err), nil
	}
	bm := tradeBody(order).Set("product_code", "QUICK_WAP_WAY")
	if order.ReturnURL != "" {
		bm.Set("quit_url", order.ReturnURL)
	}
	payURL, err := cl.TradeWapPay(ctx, bm)
	if err != nil {
		return plugin.Errorf("alipay wap pay: %v", err), nil
	}
	return plugin.RedirectAction{URL: payURL}, nil
}

func (a *Alipay) appPay(ctx context.Context, c credentials, order plugin.Order) (plugin.Action, error) {
	cl, err := a.client(c, order)
	if err != nil {
		return plugin.Errorf("%v", err), nil
	}
	bm := tradeBody(order).Set("product_code", "QUICK_MSECURITY_PAY")
	orderStr, err := cl.TradeAppPay(ctx, bm)
	if err != nil {
		return plugin.Errorf("alipay app pay: %v", err), nil
	}
	return plugin.JSONAction{Data: map[string]any{"order_string": orderStr}}, nil
}

func (a *Alipay) precreate(ctx context.Context, c credentials, order plugin.Order) (plugin.Action, error) {
	cl, err := a.client(c, order)
	if err != nil {
		return plugin.Errorf("%v", err), nil
	}
	var qr string
	err = a.deps.Interactive(ctx, a.guardKey(c), func(ctx context.Context) error {
		resp, err := cl.TradePrecreate(ctx, tradeBody(order))
		if err != nil {
			return err
		}
		if resp.Response.Code != successCode {
			return fmt.Errorf("%s %s", resp.Response.Code, firstNonEmpty(resp.Response.SubMsg, resp.Response.Msg))
		}
		qr = resp.Response.QrCode
		return nil
	})
	if err != nil {
		a.logger.Warn("precreate failed", zap.String("trade_no", order.TradeNo), zap.Error(err))
		return plugin.Errorf("alipay precreate: %v", err), nil
	}
	return plugin.QRCodeAction{URL: qr}, nil
}

func (a *Alipay) guardKey(c credentials) string {
	return Adapter + ":" + c.AppID
}

// Notify implements plugin.Plugin.
func (a *Alipay) Notify(_ context.Context, req plugin.CallbackRequest, cfg plugin.ChannelConfig, order plugin.Order) (plugin.VerificationOutcome, error) {
	return a.verify("notify", req, cfg, order)
}

// Return implements plugin.ReturnHandler. Sync returns carry no
// trade_status, so the outcome is never Paid.
func (a *Alipay) Return(_ context.Context, req plugin.CallbackRequest, cfg plugin.ChannelConfig, order plugin.Order) (plugin.VerificationOutcome, error) {
	return a.verify("return", req, cfg, order)
}

func (a *Alipay) verify(kind string, req plugin.CallbackRequest, cfg plugin.ChannelConfig, order plugin.Order) (plugin.VerificationOutcome, error) {
	c, action, err := a.creds(cfg)
	if err != nil {
		return plugin.VerificationOutcome{}, err
	}
	if action != nil {
		return plugin.Rejected(ackFail), nil
	}
	params, err := req.Params()
	if err != nil {
		a.logger.Warn("unparsable callback", zap.String("kind", kind), zap.Error(err))
		return plugin.Rejected(ackFail), nil
	}

	canonical := canonicalizer.Canonical(sign.FromValues(params))
	sigOK := params.Get("app_id") == c.AppID &&
		sign.Verify(sign.RSASHA256, canonical, params.Get("sign"), c.PublicKey)

	out := a.gate.Check(order, sigOK, params.Get("out_trade_no"), params.Get("total_amount"))
	status := params.Get("trade_status")
	out.Paid = status == "TRADE_SUCCESS" || status == "TRADE_FINISHED"
	out.ProviderTradeNo = params.Get("trade_no")
	out.PayerID = firstNonEmpty(params.Get("buyer_open_id"), params.Get("buyer_id"))
	out.Refs = map[string]string{"trade_status": status}

	if kind == "notify" && out.Valid() && !out.Paid {
		// WAIT_BUYER_PAY and TRADE_CLOSED are acknowledged so they are not redelivered.
		out.Ack = ackSuccess
		return out, nil
	}
	out.Acknowledge(ackSuccess, ackFail)
	return out, nil
}

func refundBody(order plugin.Order) gopay.BodyMap {
	bm := make(gopay.BodyMap)
	if order.APITradeNo != "" {
		bm.Set("trade_no", order.APITradeNo)
	} else {
		bm.Set("out_trade_no", order.TradeNo)
	}
	bm.Set("refund_amount", order.RefundValue().StringFixed(2)).
		Set("out_request_no", order.RefundRequestNo())
	return bm
}

// Refund implements plugin.Plugin, keyed by the Alipay trade_no when known.
func (a *Alipay) Refund(ctx context.Context, order plugin.Order, cfg plugin.ChannelConfig) (plugin.RefundResult, error) {
	c, action, err := a.creds(cfg)
	if err != nil {
		return plugin.RefundResult{}, err
	}
	if action != nil {
		return plugin.RefundFailure(action.(plugin.ErrorAction).Message), nil
	}
	cl, err := a.client(c, plugin.Order{})
	if err != nil {
		return plugin.RefundFailure(err.Error()), nil
	}

	amount := order.RefundValue()
	requestNo := order.RefundRequestNo()
	bm := refundBody(order)

	var res plugin.RefundResult
	err = a.deps.Background(ctx, a.guardKey(c), func(ctx context.Context) error {
		resp, err := cl.TradeRefund(ctx, bm)
		if err != nil {
			return err
		}
		if resp.Response.Code != successCode {
			return fmt.Errorf("%s %s", resp.Response.Code, firstNonEmpty(resp.Response.SubMsg, resp.Response.Msg))
		}
		refunded := amount
		if fee, err := decimal.NewFromString(resp.Response.RefundFee); err == nil {
			refunded = fee
		}
		res = plugin.RefundResult{Code: plugin.RefundOK, Msg: resp.Response.Msg, RefundNo: requestNo, Amount: refunded}
		return nil
	})
	if err != nil {
		a.logger.Warn("refund failed", zap.String("trade_no", order.TradeNo), zap.Error(err))
		return plugin.RefundFailure(err.Error()), nil
	}
	return res, nil
}

// Query implements plugin.Querier.
func (a *Alipay) Query(ctx context.Context, cfg plugin.ChannelConfig, tradeNo string) (plugin.OrderStatus, error) {
	c, action, err := a.creds(cfg)
	if err != nil {
		return plugin.OrderStatus{}, err
	}
	if action != nil {
		return plugin.OrderStatus{State: plugin.StateUnknown, Msg: action.(plugin.ErrorAction).Message}, nil
	}
	cl, err := a.client(c, plugin.Order{})
	if err != nil {
		return plugin.OrderStatus{State: plugin.StateUnknown, Msg: err.Error()}, nil
	}

	var st plugin.OrderStatus
	err = a.deps.Background(ctx, a.guardKey(c), func(ctx context.Context) error {
		resp, err := cl.TradeQuery(ctx, make(gopay.BodyMap).Set("out_trade_no", tradeNo))
		if err != nil {
			return err
		}
		if resp.Response.Code != successCode {
			return fmt.Errorf("%s %s", resp.Response.Code, firstNonEmpty(resp.Response.SubMsg, resp.Response.Msg))
		}
		st = plugin.OrderStatus{
			State:           tradeState(resp.Response.TradeStatus),
			ProviderTradeNo: resp.Response.TradeNo,
			PayerID:         resp.Response.BuyerUserId,
		}
		if amt, err := decimal.NewFromString(resp.Response.TotalAmount); err == nil {
			st.Amount = amt
		}
		return nil
	})
	if err != nil {
		return plugin.OrderStatus{State: plugin.StateUnknown, Msg: err.Error()}, nil
	}
	return st, nil
}

func tradeState(s string) plugin.PaymentState {
	switch s {
	case "TRADE_SUCCESS", "TRADE_FINISHED":
		return plugin.StatePaid
	case "WAIT_BUYER_PAY":
		return plugin.StatePending
	case "TRADE_CLOSED":
		return plugin.StateClosed
	}
	return plugin.StateUnknown
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
