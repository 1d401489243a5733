// Package epay is the adapter for epay-compatible aggregator gateways
// (submit.php / mapi.php / api.php with md5 signing).
package epay

import (
	"bytes"
	"context"
	"errors"
	"html/template"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/paybridge/gateway/internal/module/channel/plugin"
)

// Adapter is the manifest adapter name.
const Adapter = "epay"

// Trade status reported for a completed payment.
const tradeSuccess = "TRADE_SUCCESS"

// Submit modes.
const (
	ModeAuto     = "auto"     // api call on pc, redirect on mobile
	ModeRedirect = "redirect" // always redirect to submit.php
	ModeForm     = "form"     // always post an auto-submitting form to submit.php
)

var (
	ackSuccess = plugin.PlainAck("success")
	ackFail    = plugin.PlainAck("fail")
)

// Options are read from the plugin manifest.
type Options struct {
	Gateway         string `mapstructure:"gateway" validate:"required,url"`
	Mode            string `mapstructure:"mode" validate:"omitempty,oneof=auto redirect form"`
	AmountTolerance string `mapstructure:"amount_tolerance"`
}

// credentials are the per-channel inputs.
type credentials struct {
	PID string `mapstructure:"pid" validate:"required"`
	Key string `mapstructure:"key" validate:"required"`
}

// Epay implements plugin.Plugin, plugin.ReturnHandler and plugin.Querier.
type Epay struct {
	opts   Options
	desc   plugin.Descriptor
	gate   plugin.Gate
	client *client
	logger *zap.Logger
}

var (
	_ plugin.Plugin        = (*Epay)(nil)
	_ plugin.ReturnHandler = (*Epay)(nil)
	_ plugin.Querier       = (*Epay)(nil)
)

// New is the plugin.Factory for epay gateways.
func New(deps plugin.Deps, opts plugin.Options) (plugin.Plugin, error) {
	var o Options
	if err := plugin.DecodeOptions(opts, &o); err != nil {
		return nil, err
	}
	if o.Mode == "" {
		o.Mode = ModeAuto
	}
	if !strings.HasSuffix(o.Gateway, "/") {
		o.Gateway += "/"
	}
	u, err := url.Parse(o.Gateway)
	if err != nil {
		return nil, err
	}

	deps = deps.WithDefaults()
	e := &Epay{
		opts:   o,
		desc:   descriptor(o),
		client: &client{deps: deps, gateway: o.Gateway, key: Adapter + ":" + u.Host},
		logger: deps.Logger.With(zap.String("adapter", Adapter)),
	}
	if err := e.desc.Validate(); err != nil {
		return nil, err
	}
	e.gate = e.desc.Gate()
	return e, nil
}

func descriptor(o Options) plugin.Descriptor {
	return plugin.Descriptor{
		Name:        Adapter,
		DisplayName: "EPay aggregator",
		Link:        o.Gateway,
		Types: []plugin.PayType{
			{Name: "alipay", DisplayName: "Alipay"},
			{Name: "wxpay", DisplayName: "WeChat Pay"},
			{Name: "qqpay", DisplayName: "QQ Wallet"},
		},
		Inputs: []plugin.InputField{
			{Key: "pid", Name: "Merchant ID", Type: plugin.InputText, Required: true},
			{Key: "key", Name: "Merchant key", Type: plugin.InputText, Required: true},
		},
		Notes:           "Notify URL must be reachable by the gateway. Only md5 signing is supported.",
		AmountTolerance: o.AmountTolerance,
	}
}

// Descriptor implements plugin.Plugin.
func (e *Epay) Descriptor() plugin.Descriptor { return e.desc }

// creds decodes the channel inputs. A missing field is a hard error;
// anything else becomes an inline error for the payer.
func (e *Epay) creds(cfg plugin.ChannelConfig) (credentials, plugin.Action, error) {
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

// Submit implements plugin.Plugin. On pc in auto mode it creates the order
// through mapi.php so the payer gets a code to scan; otherwise the browser
// is sent to the hosted cashier.
func (e *Epay) Submit(ctx context.Context, cfg plugin.ChannelConfig, order plugin.Order, rc plugin.RequestContext) (plugin.Action, error) {
	c, action, err := e.creds(cfg)
	if action != nil || err != nil {
		return action, err
	}
	switch {
	case e.opts.Mode == ModeForm:
		return e.formAction(c, order)
	case e.opts.Mode == ModeAuto && !rc.Device.IsMobile():
		return e.apiPay(ctx, c, order, rc)
	}
	return e.redirectAction(c, order)
}

// ResolvePaymentMethod implements plugin.Plugin. It always goes through
// mapi.php and returns what the gateway offers for the payer's device.
func (e *Epay) ResolvePaymentMethod(ctx context.Context, cfg plugin.ChannelConfig, order plugin.Order, rc plugin.RequestContext) (plugin.Action, error) {
	c, action, err := e.creds(cfg)
	if action != nil || err != nil {
		return action, err
	}
	return e.apiPay(ctx, c, order, rc)
}

func (e *Epay) orderParams(c credentials, order plugin.Order) url.Values {
	v := url.Values{}
	v.Set("pid", c.PID)
	v.Set("type", order.TypeName)
	v.Set("out_trade_no", order.TradeNo)
	v.Set("notify_url", order.NotifyURL)
	v.Set("return_url", order.ReturnURL)
	v.Set("name", order.Description)
	v.Set("money", order.Amount.StringFixed(2))
	return v
}

func (e *Epay) redirectAction(c credentials, order plugin.Order) (plugin.Action, error) {
	v := e.orderParams(c, order)
	if err := signParams(v, c.Key); err != nil {
		return plugin.Errorf("sign request: %v", err), nil
	}
	return plugin.RedirectAction{URL: e.opts.Gateway + "submit.php?" + v.Encode()}, nil
}

var formTemplate = template.Must(template.New("form").Parse(
	`<form id="epay" action="{{.Action}}" method="post">` +
		`{{range $k, $v := .Fields}}<input type="hidden" name="{{$k}}" value="{{index $v 0}}">{{end}}` +
		`</form><script>document.getElementById("epay").submit();</script>`))

func (e *Epay) formAction(c credentials, order plugin.Order) (plugin.Action, error) {
	v := e.orderParams(c, order)
	if err := signParams(v, c.Key); err != nil {
		return plugin.Errorf("sign request: %v", err), nil
	}
	var buf bytes.Buffer
	err := formTemplate.Execute(&buf, struct {
		Action string
		Fields url.Values
	}{e.opts.Gateway + "submit.php", v})
	if err != nil {
		return plugin.Errorf("render form: %v", err), nil
	}
	return plugin.HTMLAction{HTML: buf.String()}, nil
}

func (e *Epay) apiPay(ctx context.Context, c credentials, order plugin.Order, rc plugin.RequestContext) (plugin.Action, error) {
	v := e.orderParams(c, order)
	ip := rc.ClientIP
	if ip == "" {
		ip = order.ClientIP
	}
	v.Set("clientip", ip)
	v.Set("device", deviceParam(rc.Device))
	if rc.Method != plugin.MethodDefault {
		v.Set("method", rc.Method)
	}
	if err := signParams(v, c.Key); err != nil {
		return plugin.Errorf("sign request: %v", err), nil
	}

	resp, err := e.client.post(ctx, false, "mapi.php", v)
	if err != nil {
		e.logger.Warn("mapi call failed", zap.String("trade_no", order.TradeNo), zap.Error(err))
		return plugin.Errorf("payment gateway unavailable: %v", err), nil
	}
	if !resp.ok() {
		return plugin.Errorf("payment gateway rejected the order: %s", resp.Msg), nil
	}

	switch {
	case resp.QRCode != "" && !rc.Device.IsMobile():
		return plugin.QRCodeAction{URL: resp.QRCode}, nil
	case resp.PayURL != "":
		return plugin.RedirectAction{URL: resp.PayURL}, nil
	case resp.URLScheme != "":
		return plugin.RedirectAction{URL: resp.URLScheme}, nil
	case resp.QRCode != "":
		return plugin.QRCodeAction{URL: resp.QRCode}, nil
	}
	return plugin.Errorf("payment gateway returned no payment url"), nil
}

// deviceParam maps a device to the gateway's device values.
func deviceParam(d plugin.Device) string {
	switch d {
	case plugin.DeviceMobile, plugin.DeviceWechat, plugin.DeviceAlipay, plugin.DeviceQQ:
		return string(d)
	}
	return string(plugin.DevicePC)
}

// Notify implements plugin.Plugin.
func (e *Epay) Notify(_ context.Context, req plugin.CallbackRequest, cfg plugin.ChannelConfig, order plugin.Order) (plugin.VerificationOutcome, error) {
	return e.verify("notify", req, cfg, order)
}

// Return implements plugin.ReturnHandler.
func (e *Epay) Return(_ context.Context, req plugin.CallbackRequest, cfg plugin.ChannelConfig, order plugin.Order) (plugin.VerificationOutcome, error) {
	return e.verify("return", req, cfg, order)
}

func (e *Epay) verify(kind string, req plugin.CallbackRequest, cfg plugin.ChannelConfig, order plugin.Order) (plugin.VerificationOutcome, error) {
	c, action, err := e.creds(cfg)
	if err != nil {
		return plugin.VerificationOutcome{}, err
	}
	if action != nil {
		return plugin.Rejected(ackFail), nil
	}
	params, err := req.Params()
	if err != nil {
		e.logger.Warn("unparsable callback", zap.String("kind", kind), zap.Error(err))
		return plugin.Rejected(ackFail), nil
	}

	sigOK := verifyParams(params, c.Key) && params.Get("pid") == c.PID
	out := e.gate.Check(order, sigOK, params.Get("out_trade_no"), params.Get("money"))
	out.Paid = params.Get("trade_status") == tradeSuccess
	out.ProviderTradeNo = params.Get("trade_no")
	out.PayerID = params.Get("buyer")
	out.Refs = map[string]string{
		"type":         params.Get("type"),
		"trade_status": params.Get("trade_status"),
	}
	if api := params.Get("api_trade_no"); api != "" {
		out.Refs["api_trade_no"] = api
	}

	switch {
	case out.Settled():
		out.Ack = ackSuccess
	case kind == "notify" && out.Valid():
		// Verified but unpaid notifies are acknowledged so they are not redelivered.
		out.Ack = ackSuccess
		e.logger.Info("callback not paid",
			zap.String("trade_no", order.TradeNo),
			zap.String("trade_status", params.Get("trade_status")),
		)
	default:
		out.Ack = ackFail
		e.logger.Info("callback not accepted",
			zap.String("kind", kind),
			zap.String("trade_no", order.TradeNo),
			zap.Bool("signature", out.SignatureValid),
			zap.Bool("order", out.OrderMatched),
			zap.Bool("amount", out.AmountMatched),
			zap.Bool("paid", out.Paid),
		)
	}
	return out, nil
}

// Refund implements plugin.Plugin through api.php?act=refund.
func (e *Epay) Refund(ctx context.Context, order plugin.Order, cfg plugin.ChannelConfig) (plugin.RefundResult, error) {
	c, action, err := e.creds(cfg)
	if err != nil {
		return plugin.RefundResult{}, err
	}
	if action != nil {
		return plugin.RefundFailure(action.(plugin.ErrorAction).Message), nil
	}

	amount := order.RefundValue()
	v := url.Values{}
	v.Set("pid", c.PID)
	v.Set("key", c.Key)
	if order.APITradeNo != "" {
		v.Set("trade_no", order.APITradeNo)
	} else {
		v.Set("out_trade_no", order.TradeNo)
	}
	v.Set("money", amount.StringFixed(2))

	resp, err := e.client.post(ctx, true, "api.php?act=refund", v)
	if err != nil {
		e.logger.Warn("refund call failed", zap.String("trade_no", order.TradeNo), zap.Error(err))
		return plugin.RefundFailure(err.Error()), nil
	}
	if !resp.ok() {
		return plugin.RefundFailure(resp.Msg), nil
	}
	refundNo := resp.TradeNo
	if refundNo == "" {
		refundNo = order.APITradeNo
	}
	return plugin.RefundResult{Code: plugin.RefundOK, Msg: resp.Msg, RefundNo: refundNo, Amount: amount}, nil
}

// Query implements plugin.Querier through api.php?act=order.
func (e *Epay) Query(ctx context.Context, cfg plugin.ChannelConfig, tradeNo string) (plugin.OrderStatus, error) {
	c, action, err := e.creds(cfg)
	if err != nil {
		return plugin.OrderStatus{}, err
	}
	if action != nil {
		return plugin.OrderStatus{State: plugin.StateUnknown, Msg: action.(plugin.ErrorAction).Message}, nil
	}

	v := url.Values{}
	v.Set("act", "order")
	v.Set("pid", c.PID)
	v.Set("key", c.Key)
	v.Set("out_trade_no", tradeNo)

	resp, err := e.client.get(ctx, true, "api.php", v)
	if err != nil {
		return plugin.OrderStatus{State: plugin.StateUnknown, Msg: err.Error()}, nil
	}
	if !resp.ok() {
		return plugin.OrderStatus{State: plugin.StateUnknown, Msg: resp.Msg}, nil
	}
	status := plugin.OrderStatus{
		State:           plugin.StatePending,
		ProviderTradeNo: resp.TradeNo,
		PayerID:         resp.Buyer,
		Msg:             resp.Msg,
	}
	if resp.Status == 1 {
		status.State = plugin.StatePaid
	}
	if amt, err := decimal.NewFromString(resp.Money); err == nil {
		status.Amount = amt
	}
	return status, nil
}
