// Package wxpay is the adapter for WeChat Pay API v3.
package wxpay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-pay/gopay"
	"github.com/go-pay/gopay/wechat/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/paybridge/gateway/internal/module/channel/plugin"
	"github.com/paybridge/gateway/internal/module/channel/sign"
)

// Adapter is the manifest adapter name.
const Adapter = "wxpay"

// Notification headers.
const (
	headerTimestamp = "Wechatpay-Timestamp"
	headerNonce     = "Wechatpay-Nonce"
	headerSignature = "Wechatpay-Signature"
	headerSerial    = "Wechatpay-Serial"
)

var (
	ackSuccess = plugin.JSONAck(map[string]string{"code": "SUCCESS", "message": "OK"})
	ackFail    = plugin.JSONAck(map[string]string{"code": "FAIL", "message": "verification failed"})

	// The v3 signature covers timestamp, nonce and body, each followed by a newline.
	notifyCanonical = sign.FixedOrder{Fields: []string{"timestamp", "nonce", "body", ""}, Separator: "\n"}
)

// Options are read from the plugin manifest.
type Options struct {
	ExpireAfter     time.Duration `mapstructure:"expire_after"`
	AmountTolerance string        `mapstructure:"amount_tolerance"`
}

type credentials struct {
	AppID          string `mapstructure:"appid" validate:"required"`
	MchID          string `mapstructure:"mchid" validate:"required"`
	SerialNo       string `mapstructure:"serial_no" validate:"required"`
	APIv3Key       string `mapstructure:"api_v3_key" validate:"required,len=32"`
	PrivateKey     string `mapstructure:"private_key" validate:"required"`
	PlatformKey    string `mapstructure:"platform_public_key" validate:"required"`
	PlatformSerial string `mapstructure:"platform_serial"`
}

// WxPay implements plugin.Plugin and plugin.Querier.
type WxPay struct {
	opts   Options
	desc   plugin.Descriptor
	gate   plugin.Gate
	deps   plugin.Deps
	logger *zap.Logger
}

var (
	_ plugin.Plugin  = (*WxPay)(nil)
	_ plugin.Querier = (*WxPay)(nil)
)

// New is the plugin.Factory for WeChat Pay.
func New(deps plugin.Deps, opts plugin.Options) (plugin.Plugin, error) {
	var o Options
	if err := plugin.DecodeOptions(opts, &o); err != nil {
		return nil, err
	}
	if o.ExpireAfter <= 0 {
		o.ExpireAfter = 30 * time.Minute
	}
	deps = deps.WithDefaults()
	w := &WxPay{
		opts:   o,
		desc:   descriptor(o),
		deps:   deps,
		logger: deps.Logger.With(zap.String("adapter", Adapter)),
	}
	if err := w.desc.Validate(); err != nil {
		return nil, err
	}
	w.gate = w.desc.Gate()
	return w, nil
}

func descriptor(o Options) plugin.Descriptor {
	return plugin.Descriptor{
		Name:        Adapter,
		DisplayName: "WeChat Pay",
		Author:      "Tencent",
		Link:        "https://pay.weixin.qq.com/",
		Types:       []plugin.PayType{{Name: "wxpay", DisplayName: "WeChat Pay"}},
		Inputs: []plugin.InputField{
			{Key: "appid", Name: "AppID", Type: plugin.InputText, Required: true},
			{Key: "mchid", Name: "Merchant ID", Type: plugin.InputText, Required: true},
			{Key: "serial_no", Name: "Merchant certificate serial", Type: plugin.InputText, Required: true},
			{Key: "api_v3_key", Name: "APIv3 key", Type: plugin.InputText, Required: true, Note: "32 characters"},
			{Key: "private_key", Name: "Merchant private key", Type: plugin.InputTextarea, Required: true},
			{Key: "platform_public_key", Name: "Platform public key", Type: plugin.InputTextarea, Required: true},
			{Key: "platform_serial", Name: "Platform key serial", Type: plugin.InputText},
		},
		Selects: map[string][]plugin.Option{
			"wxpay": {
				{Value: "native", Label: "Native QR"},
				{Value: "h5", Label: "H5"},
				{Value: "jsapi", Label: "JSAPI"},
			},
		},
		Certs:           []string{"apiclient_key.pem"},
		Notes:           "Amounts are sent in fen.",
		AmountTolerance: o.AmountTolerance,
	}
}

// Descriptor implements plugin.Plugin.
func (w *WxPay) Descriptor() plugin.Descriptor { return w.desc }

func (w *WxPay) creds(cfg plugin.ChannelConfig) (credentials, plugin.Action, error) {
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

func (w *WxPay) client(c credentials) (*wechat.ClientV3, error) {
	cl, err := wechat.NewClientV3(c.MchID, c.SerialNo, c.APIv3Key, sign.WrapPEM(c.PrivateKey, sign.BlockPrivateKey))
	if err != nil {
		return nil, fmt.Errorf("wechat client: %w", err)
	}
	if c.PlatformSerial != "" {
		cl.SetPlatformCert([]byte(sign.WrapPEM(c.PlatformKey, sign.BlockPublicKey)), c.PlatformSerial)
	}
	return cl, nil
}

func (w *WxPay) guardKey(c credentials) string {
	return Adapter + ":" + c.MchID
}

func (w *WxPay) orderBody(c credentials, order plugin.Order) gopay.BodyMap {
	desc := order.Description
	if desc == "" {
		desc = order.TradeNo
	}
	bm := make(gopay.BodyMap)
	bm.Set("appid", c.AppID).
		Set("mchid", c.MchID).
		Set("description", desc).
		Set("out_trade_no", order.TradeNo).
		Set("notify_url", order.NotifyURL).
		SetBodyMap("amount", func(am gopay.BodyMap) {
			am.Set("total", plugin.ToMinor(order.Amount, plugin.DefaultMinorUnits)).
				Set("currency", "CNY")
		})
	// The expiry is anchored to the order so retries send identical bodies.
	if !order.CreatedAt.IsZero() {
		bm.Set("time_expire", order.CreatedAt.Add(w.opts.ExpireAfter).Format(time.RFC3339))
	}
	return bm
}

// Submit implements plugin.Plugin: native QR on pc, H5 on mobile browsers,
// JSAPI inside WeChat when the payer's openid is known.
func (w *WxPay) Submit(ctx context.Context, cfg plugin.ChannelConfig, order plugin.Order, rc plugin.RequestContext) (plugin.Action, error) {
	return w.ResolvePaymentMethod(ctx, cfg, order, rc)
}

// ResolvePaymentMethod implements plugin.Plugin.
func (w *WxPay) ResolvePaymentMethod(ctx context.Context, cfg plugin.ChannelConfig, order plugin.Order, rc plugin.RequestContext) (plugin.Action, error) {
	c, action, err := w.creds(cfg)
	if action != nil || err != nil {
		return action, err
	}
	jsapi := rc.Method == plugin.MethodJSAPI || (rc.Device == plugin.DeviceWechat && order.OpenID != "")
	if jsapi && order.OpenID == "" {
		return plugin.Errorf("jsapi payment requires the payer openid"), nil
	}
	cl, err := w.client(c)
	if err != nil {
		return plugin.Errorf("%v", err), nil
	}

	switch {
	case jsapi:
		return w.jsapi(ctx, cl, c, order)
	case rc.Method == plugin.MethodScan || !rc.Device.IsMobile():
		return w.native(ctx, cl, c, order)
	}
	return w.h5(ctx, cl, c, order, rc)
}

func (w *WxPay) native(ctx context.Context, cl *wechat.ClientV3, c credentials, order plugin.Order) (plugin.Action, error) {
	var codeURL string
	err := w.deps.Interactive(ctx, w.guardKey(c), func(ctx context.Context) error {
		resp, err := cl.V3TransactionNative(ctx, w.orderBody(c, order))
		if err != nil {
			return err
		}
		if resp.Code != wechat.Success {
			return fmt.Errorf("%d %s", resp.Code, resp.Error)
		}
		codeURL = resp.Response.CodeUrl
		return nil
	})
	if err != nil {
		w.logger.Warn("native order failed", zap.String("trade_no", order.TradeNo), zap.Error(err))
		return plugin.Errorf("wechat pay: %v", err), nil
	}
	return plugin.QRCodeAction{URL: codeURL}, nil
}

func (w *WxPay) h5(ctx context.Context, cl *wechat.ClientV3, c credentials, order plugin.Order, rc plugin.RequestContext) (plugin.Action, error) {
	ip := rc.ClientIP
	if ip == "" {
		ip = order.ClientIP
	}
	bm := w.orderBody(c, order).SetBodyMap("scene_info", func(sb gopay.BodyMap) {
		sb.Set("payer_client_ip", ip).
			SetBodyMap("h5_info", func(hb gopay.BodyMap) { hb.Set("type", "Wap") })
	})

	var h5URL string
	err := w.deps.Interactive(ctx, w.guardKey(c), func(ctx context.Context) error {
		resp, err := cl.V3TransactionH5(ctx, bm)
		if err != nil {
			return err
		}
		if resp.Code != wechat.Success {
			return fmt.Errorf("%d %s", resp.Code, resp.Error)
		}
		h5URL = resp.Response.H5Url
		return nil
	})
	if err != nil {
		w.logger.Warn("h5 order failed", zap.String("trade_no", order.TradeNo), zap.Error(err))
		return plugin.Errorf("wechat pay: %v", err), nil
	}
	return plugin.RedirectAction{URL: h5URL}, nil
}

func (w *WxPay) jsapi(ctx context.Context, cl *wechat.ClientV3, c credentials, order plugin.Order) (plugin.Action, error) {
	bm := w.orderBody(c, order).SetBodyMap("payer", func(pb gopay.BodyMap) {
		pb.Set("openid", order.OpenID)
	})

	var data map[string]any
	err := w.deps.Interactive(ctx, w.guardKey(c), func(ctx context.Context) error {
		resp, err := cl.V3TransactionJsapi(ctx, bm)
		if err != nil {
			return err
		}
		if resp.Code != wechat.Success {
			return fmt.Errorf("%d %s", resp.Code, resp.Error)
		}
		params, err := cl.PaySignOfJSAPI(c.AppID, resp.Response.PrepayId)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &data)
	})
	if err != nil {
		w.logger.Warn("jsapi order failed", zap.String("trade_no", order.TradeNo), zap.Error(err))
		return plugin.Errorf("wechat pay: %v", err), nil
	}
	return plugin.JSONAction{Data: data}, nil
}

// Notify implements plugin.Plugin. The signature is checked over the raw
// body before the resource is decrypted.
func (w *WxPay) Notify(ctx context.Context, req plugin.CallbackRequest, cfg plugin.ChannelConfig, order plugin.Order) (plugin.VerificationOutcome, error) {
	c, action, err := w.creds(cfg)
	if err != nil {
		return plugin.VerificationOutcome{}, err
	}
	if action != nil {
		return plugin.Rejected(ackFail), nil
	}

	ts := req.Header.Get(headerTimestamp)
	nonce := req.Header.Get(headerNonce)
	canonical := notifyCanonical.Canonical(sign.Params{"timestamp": ts, "nonce": nonce, "body": string(req.Body)})
	sigOK := ts != "" && nonce != "" &&
		(c.PlatformSerial == "" || req.Header.Get(headerSerial) == c.PlatformSerial) &&
		sign.Verify(sign.RSASHA256, canonical, req.Header.Get(headerSignature), c.PlatformKey)
	if !sigOK {
		w.logger.Info("notify signature rejected", zap.String("trade_no", order.TradeNo))
		return plugin.VerificationOutcome{Ack: ackFail}, nil
	}

	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, "/", bytes.NewReader(req.Body))
	if err != nil {
		return plugin.VerificationOutcome{SignatureValid: true, Ack: ackFail}, nil
	}
	hr.Header = req.Header.Clone()
	notify, err := wechat.V3ParseNotify(hr)
	if err != nil {
		w.logger.Warn("unparsable notify", zap.Error(err))
		return plugin.VerificationOutcome{SignatureValid: true, Ack: ackFail}, nil
	}
	res, err := notify.DecryptPayCipherText(c.APIv3Key)
	if err != nil {
		w.logger.Warn("notify decrypt failed", zap.Error(err))
		return plugin.VerificationOutcome{SignatureValid: true, Ack: ackFail}, nil
	}

	var total int64
	if res.Amount != nil {
		total = int64(res.Amount.Total)
	}
	out := w.gate.CheckMinor(order, true, res.OutTradeNo, total, plugin.DefaultMinorUnits)
	if res.Mchid != c.MchID {
		out.SignatureValid = false
	}
	out.Paid = res.TradeState == "SUCCESS"
	out.ProviderTradeNo = res.TransactionId
	if res.Payer != nil {
		out.PayerID = res.Payer.Openid
	}
	out.Refs = map[string]string{"trade_state": res.TradeState, "trade_type": res.TradeType}
	out.Acknowledge(ackSuccess, ackFail)
	return out, nil
}

func refundBody(order plugin.Order) gopay.BodyMap {
	bm := make(gopay.BodyMap)
	if order.APITradeNo != "" {
		bm.Set("transaction_id", order.APITradeNo)
	} else {
		bm.Set("out_trade_no", order.TradeNo)
	}
	bm.Set("out_refund_no", order.RefundRequestNo()).
		SetBodyMap("amount", func(am gopay.BodyMap) {
			am.Set("refund", plugin.ToMinor(order.RefundValue(), plugin.DefaultMinorUnits)).
				Set("total", plugin.ToMinor(order.Amount, plugin.DefaultMinorUnits)).
				Set("currency", "CNY")
		})
	return bm
}

// Refund implements plugin.Plugin, keyed by the WeChat transaction id.
func (w *WxPay) Refund(ctx context.Context, order plugin.Order, cfg plugin.ChannelConfig) (plugin.RefundResult, error) {
	c, action, err := w.creds(cfg)
	if err != nil {
		return plugin.RefundResult{}, err
	}
	if action != nil {
		return plugin.RefundFailure(action.(plugin.ErrorAction).Message), nil
	}
	cl, err := w.client(c)
	if err != nil {
		return plugin.RefundFailure(err.Error()), nil
	}

	amount := order.RefundValue()
	bm := refundBody(order)

	var res plugin.RefundResult
	err = w.deps.Background(ctx, w.guardKey(c), func(ctx context.Context) error {
		resp, err := cl.V3Refund(ctx, bm)
		if err != nil {
			return err
		}
		if resp.Code != wechat.Success {
			return fmt.Errorf("%d %s", resp.Code, resp.Error)
		}
		refunded := amount
		if resp.Response.Amount != nil {
			refunded = decimal.New(int64(resp.Response.Amount.Refund), -plugin.DefaultMinorUnits)
		}
		res = plugin.RefundResult{Code: plugin.RefundOK, Msg: resp.Response.Status, RefundNo: resp.Response.RefundId, Amount: refunded}
		return nil
	})
	if err != nil {
		w.logger.Warn("refund failed", zap.String("trade_no", order.TradeNo), zap.Error(err))
		return plugin.RefundFailure(err.Error()), nil
	}
	return res, nil
}

// Query implements plugin.Querier.
func (w *WxPay) Query(ctx context.Context, cfg plugin.ChannelConfig, tradeNo string) (plugin.OrderStatus, error) {
	c, action, err := w.creds(cfg)
	if err != nil {
		return plugin.OrderStatus{}, err
	}
	if action != nil {
		return plugin.OrderStatus{State: plugin.StateUnknown, Msg: action.(plugin.ErrorAction).Message}, nil
	}
	cl, err := w.client(c)
	if err != nil {
		return plugin.OrderStatus{State: plugin.StateUnknown, Msg: err.Error()}, nil
	}

	var st plugin.OrderStatus
	err = w.deps.Background(ctx, w.guardKey(c), func(ctx context.Context) error {
		resp, err := cl.V3TransactionQueryOrder(ctx, wechat.OutTradeNo, tradeNo)
		if err != nil {
			return err
		}
		if resp.Code != wechat.Success {
			return fmt.Errorf("%d %s", resp.Code, resp.Error)
		}
		st = plugin.OrderStatus{
			State:           tradeState(resp.Response.TradeState),
			ProviderTradeNo: resp.Response.TransactionId,
			Msg:             resp.Response.TradeStateDesc,
		}
		if resp.Response.Amount != nil {
			st.Amount = decimal.New(int64(resp.Response.Amount.Total), -plugin.DefaultMinorUnits)
		}
		if resp.Response.Payer != nil {
			st.PayerID = resp.Response.Payer.Openid
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
	case "SUCCESS":
		return plugin.StatePaid
	case "NOTPAY", "USERPAYING":
		return plugin.StatePending
	case "CLOSED", "REVOKED":
		return plugin.StateClosed
	case "PAYERROR":
		return plugin.StateFailed
	}
	return plugin.StateUnknown
}
