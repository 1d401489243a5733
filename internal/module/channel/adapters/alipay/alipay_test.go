package alipay

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paybridge/gateway/internal/module/channel/plugin"
	"github.com/paybridge/gateway/internal/module/channel/sign"
	"github.com/paybridge/gateway/internal/module/channel/sign/signtest"
)

const testAppID = "2021000000000001"

func newTestAlipay(t *testing.T) *Alipay {
	t.Helper()
	p, err := New(plugin.Deps{}, plugin.Options{"sandbox": true})
	require.NoError(t, err)
	return p.(*Alipay)
}

func testConfig(t *testing.T) plugin.ChannelConfig {
	kp := signtest.RSA(t)
	return plugin.ChannelConfig{ID: 2, Plugin: "alipay", Values: map[string]string{
		"appid":       testAppID,
		"private_key": kp.PrivatePKCS1Raw,
		"public_key":  kp.PublicRaw,
	}}
}

func testOrder() plugin.Order {
	return plugin.Order{
		TradeNo:     "A1001",
		Amount:      decimal.RequireFromString("88.80"),
		Description: "Annual plan",
		NotifyURL:   "https://shop.example/pay/alipay/notify/A1001",
		ReturnURL:   "https://shop.example/pay/alipay/return/A1001",
		TypeName:    "alipay",
	}
}

// signedNotify builds a notify body signed the way Alipay signs it.
func signedNotify(t *testing.T, kp *signtest.KeyPair, mutate func(url.Values)) url.Values {
	t.Helper()
	v := url.Values{}
	v.Set("app_id", testAppID)
	v.Set("out_trade_no", "A1001")
	v.Set("trade_no", "2024010122001400000000000001")
	v.Set("total_amount", "88.80")
	v.Set("trade_status", "TRADE_SUCCESS")
	v.Set("buyer_id", "2088000000000001")
	v.Set("notify_time", "2024-01-01 12:00:00")
	v.Set("charset", "utf-8")
	if mutate != nil {
		mutate(v)
	}
	sig, err := sign.Sign(sign.RSASHA256, canonicalizer.Canonical(sign.FromValues(v)), kp.PrivatePKCS8PEM)
	require.NoError(t, err)
	v.Set("sign", sig)
	v.Set("sign_type", "RSA2")
	return v
}

func formRequest(v url.Values) plugin.CallbackRequest {
	return plugin.CallbackRequest{
		Method: "POST",
		Header: map[string][]string{"Content-Type": {"application/x-www-form-urlencoded; charset=utf-8"}},
		Body:   []byte(v.Encode()),
	}
}

func TestNew(t *testing.T) {
	a := newTestAlipay(t)
	d := a.Descriptor()
	assert.NoError(t, d.Validate())
	assert.Len(t, d.Selects["alipay"], 4)
	assert.True(t, a.gate.AmountMatches(decimal.RequireFromString("1.00"), decimal.RequireFromString("1.01")))

	_, err := New(plugin.Deps{}, plugin.Options{"sandbox": "maybe"})
	assert.ErrorIs(t, err, plugin.ErrInvalidConfig)
}

func TestCredentialsEnabled(t *testing.T) {
	assert.True(t, credentials{}.enabled(ModePage))
	assert.True(t, credentials{}.enabled(ModeWap))
	assert.False(t, credentials{}.enabled(ModeQRCode))

	c := credentials{Modes: "qrcode, app"}
	assert.True(t, c.enabled(ModeQRCode))
	assert.True(t, c.enabled(ModeApp))
	assert.False(t, c.enabled(ModePage))
}

func TestSubmit_PagePayAndWapPay(t *testing.T) {
	a := newTestAlipay(t)

	act, err := a.Submit(context.Background(), testConfig(t), testOrder(), plugin.RequestContext{Device: plugin.DevicePC})
	require.NoError(t, err)
	r, ok := act.(plugin.RedirectAction)
	require.True(t, ok, "got %#v", act)
	assert.Contains(t, r.URL, "alipay.trade.page.pay")

	act, err = a.Submit(context.Background(), testConfig(t), testOrder(), plugin.RequestContext{Device: plugin.DeviceMobile})
	require.NoError(t, err)
	r, ok = act.(plugin.RedirectAction)
	require.True(t, ok, "got %#v", act)
	assert.Contains(t, r.URL, "alipay.trade.wap.pay")

	u, err := url.Parse(r.URL)
	require.NoError(t, err)
	assert.Equal(t, testAppID, u.Query().Get("app_id"))
	assert.Contains(t, u.Query().Get("biz_content"), `"total_amount":"88.80"`)
}

func TestResolvePaymentMethod_AppPay(t *testing.T) {
	a := newTestAlipay(t)
	act, err := a.ResolvePaymentMethod(context.Background(), testConfig(t), testOrder(),
		plugin.RequestContext{Device: plugin.DeviceMobile, Method: plugin.MethodApp})
	require.NoError(t, err)
	j, ok := act.(plugin.JSONAction)
	require.True(t, ok, "got %#v", act)
	assert.True(t, strings.Contains(j.Data["order_string"].(string), "alipay.trade.app.pay"))
}

func TestSubmit_BadKeyIsInlineError(t *testing.T) {
	a := newTestAlipay(t)
	cfg := testConfig(t)
	cfg.Values["private_key"] = "not-a-key"

	act, err := a.Submit(context.Background(), cfg, testOrder(), plugin.RequestContext{Device: plugin.DevicePC})
	require.NoError(t, err)
	assert.True(t, plugin.IsError(act))

	res, err := a.Refund(context.Background(), testOrder(), cfg)
	require.NoError(t, err)
	assert.Equal(t, plugin.RefundFailed, res.Code)

	st, err := a.Query(context.Background(), cfg, "A1001")
	require.NoError(t, err)
	assert.Equal(t, plugin.StateUnknown, st.State)
}

func TestSubmit_MissingCredential(t *testing.T) {
	a := newTestAlipay(t)
	cfg := testConfig(t)
	delete(cfg.Values, "public_key")
	_, err := a.Submit(context.Background(), cfg, testOrder(), plugin.RequestContext{})
	assert.ErrorIs(t, err, plugin.ErrMissingField)
}

func TestNotify(t *testing.T) {
	a := newTestAlipay(t)
	kp := signtest.RSA(t)

	tests := []struct {
		name   string
		body   func() url.Values
		valid  bool
		paid   bool
		ack    string
		sigOK  bool
		amount bool
	}{
		{
			name:   "valid",
			body:   func() url.Values { return signedNotify(t, kp, nil) },
			valid:  true,
			paid:   true,
			ack:    "success",
			sigOK:  true,
			amount: true,
		},
		{
			name: "tampered after signing",
			body: func() url.Values {
				v := signedNotify(t, kp, nil)
				v.Set("total_amount", "0.01")
				return v
			},
			ack: "fail",
		},
		{
			name: "amount mismatch",
			body: func() url.Values {
				return signedNotify(t, kp, func(v url.Values) { v.Set("total_amount", "80.00") })
			},
			ack:   "fail",
			sigOK: true,
		},
		{
			name: "other app",
			body: func() url.Values {
				return signedNotify(t, kp, func(v url.Values) { v.Set("app_id", "2021999") })
			},
			ack:    "fail",
			amount: true,
		},
		{
			name:   "signed by another key",
			body:   func() url.Values { return signedNotify(t, signtest.Fresh(t), nil) },
			ack:    "fail",
			amount: true,
		},
		{
			name: "waiting for payment",
			body: func() url.Values {
				return signedNotify(t, kp, func(v url.Values) { v.Set("trade_status", "WAIT_BUYER_PAY") })
			},
			valid:  true,
			ack:    "success",
			sigOK:  true,
			amount: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := a.Notify(context.Background(), formRequest(tt.body()), testConfig(t), testOrder())
			require.NoError(t, err)
			assert.Equal(t, tt.valid, out.Valid())
			assert.Equal(t, tt.paid, out.Settled())
			assert.Equal(t, tt.sigOK, out.SignatureValid)
			assert.Equal(t, tt.amount, out.AmountMatched)
			assert.Equal(t, tt.ack, out.Ack.Body)
		})
	}
}

func TestNotify_PEMPublicKey(t *testing.T) {
	a := newTestAlipay(t)
	kp := signtest.RSA(t)
	cfg := testConfig(t)
	cfg.Values["public_key"] = kp.PublicPEM

	out, err := a.Notify(context.Background(), formRequest(signedNotify(t, kp, nil)), cfg, testOrder())
	require.NoError(t, err)
	assert.True(t, out.Settled())
	assert.Equal(t, "2024010122001400000000000001", out.ProviderTradeNo)
	assert.Equal(t, "2088000000000001", out.PayerID)
}

func TestReturn_NeverPaid(t *testing.T) {
	a := newTestAlipay(t)
	kp := signtest.RSA(t)
	v := signedNotify(t, kp, func(v url.Values) { v.Del("trade_status") })

	out, err := a.Return(context.Background(), plugin.CallbackRequest{Method: "GET", Query: v}, testConfig(t), testOrder())
	require.NoError(t, err)
	assert.True(t, out.Valid())
	assert.False(t, out.Settled())
}

func TestTradeState(t *testing.T) {
	assert.Equal(t, plugin.StatePaid, tradeState("TRADE_FINISHED"))
	assert.Equal(t, plugin.StatePending, tradeState("WAIT_BUYER_PAY"))
	assert.Equal(t, plugin.StateClosed, tradeState("TRADE_CLOSED"))
	assert.Equal(t, plugin.StateUnknown, tradeState("???"))
}

func TestRefundBody_Stable(t *testing.T) {
	o := testOrder()
	o.RefundAmount = decimal.RequireFromString("10")

	first := refundBody(o)
	assert.Equal(t, first, refundBody(o))
	assert.Equal(t, "RA1001", first.GetString("out_request_no"))
	assert.Equal(t, "A1001", first.GetString("out_trade_no"))
	assert.Equal(t, "10.00", first.GetString("refund_amount"))

	o.APITradeNo = "2024010122001400000000000001"
	body := refundBody(o)
	assert.Equal(t, o.APITradeNo, body.GetString("trade_no"))
	assert.Equal(t, "RA1001", body.GetString("out_request_no"))
}
