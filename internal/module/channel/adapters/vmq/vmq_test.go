package vmq

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paybridge/gateway/internal/module/channel/plugin"
)

const testKey = "vmq-key"

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newGateway(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		f := r.PostForm
		w.Header().Set("Content-Type", "application/json")
		want := md5hex(f.Get("payId") + f.Get("param") + f.Get("type") + f.Get("price") + testKey)
		if r.URL.Path != "/createOrder" || f.Get("sign") != want {
			_ = json.NewEncoder(w).Encode(map[string]any{"code": -1, "msg": "签名校验不通过"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": 1, "msg": "成功",
			"data": map[string]any{
				"payId": f.Get("payId"), "orderId": "202401011200001", "payType": 2,
				"price": 10, "reallyPrice": 9.99, "payUrl": "HTTPS://QR.ALIPAY.COM/FKX0001", "isAuto": 0, "timeOut": 5,
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestVMQ(t *testing.T, gateway, mode string) *VMQ {
	t.Helper()
	p, err := New(plugin.Deps{}, plugin.Options{"gateway": gateway, "mode": mode})
	require.NoError(t, err)
	return p.(*VMQ)
}

func testConfig() plugin.ChannelConfig {
	return plugin.ChannelConfig{ID: 5, Plugin: Adapter, Values: map[string]string{"key": testKey}}
}

func testOrder() plugin.Order {
	return plugin.Order{
		TradeNo:     "V4001",
		Amount:      decimal.RequireFromString("10"),
		Description: "topup",
		NotifyURL:   "https://shop.example/pay/vmq/notify/V4001",
		ReturnURL:   "https://shop.example/pay/vmq/return/V4001",
		TypeName:    "alipay",
	}
}

func notifyQuery(mutate func(url.Values)) url.Values {
	q := url.Values{}
	q.Set("payId", "V4001")
	q.Set("param", "topup")
	q.Set("type", "2")
	q.Set("price", "10.00")
	q.Set("reallyPrice", "9.99")
	q.Set("sign", md5hex("V4001topup210.009.99"+testKey))
	if mutate != nil {
		mutate(q)
	}
	return q
}

func TestNew(t *testing.T) {
	v := newTestVMQ(t, "https://vmq.example/", "")
	assert.Equal(t, "https://vmq.example", v.opts.Gateway)
	assert.Equal(t, ModeAPI, v.opts.Mode)
	assert.NoError(t, v.Descriptor().Validate())

	_, err := New(plugin.Deps{}, plugin.Options{"gateway": "https://vmq.example", "mode": "pos"})
	assert.ErrorIs(t, err, plugin.ErrInvalidConfig)
	_, err = New(plugin.Deps{}, plugin.Options{})
	assert.ErrorIs(t, err, plugin.ErrMissingField)
}

func TestSubmit_API(t *testing.T) {
	srv := newGateway(t)
	v := newTestVMQ(t, srv.URL, ModeAPI)

	act, err := v.Submit(context.Background(), testConfig(), testOrder(), plugin.RequestContext{Device: plugin.DevicePC})
	require.NoError(t, err)
	page, ok := act.(plugin.PageAction)
	require.True(t, ok, "got %#v", act)
	assert.Equal(t, "qrcode", page.Page)
	assert.Equal(t, "HTTPS://QR.ALIPAY.COM/FKX0001", page.Data["pay_url"])
	assert.Equal(t, "9.99", page.Data["really_price"])

	cfg := testConfig()
	cfg.Values["key"] = "wrong"
	act, err = v.Submit(context.Background(), cfg, testOrder(), plugin.RequestContext{})
	require.NoError(t, err)
	require.True(t, plugin.IsError(act))
	assert.Equal(t, "签名校验不通过", act.(plugin.ErrorAction).Message)
}

func TestSubmit_Redirect(t *testing.T) {
	v := newTestVMQ(t, "https://vmq.example", ModeRedirect)
	act, err := v.Submit(context.Background(), testConfig(), testOrder(), plugin.RequestContext{Device: plugin.DeviceMobile})
	require.NoError(t, err)
	r, ok := act.(plugin.RedirectAction)
	require.True(t, ok, "got %#v", act)

	u, err := url.Parse(r.URL)
	require.NoError(t, err)
	assert.Equal(t, "/createOrder", u.Path)
	q := u.Query()
	assert.Equal(t, "1", q.Get("isHtml"))
	assert.Equal(t, md5hex("V4001topup210.00"+testKey), q.Get("sign"))
}

func TestSubmit_Errors(t *testing.T) {
	v := newTestVMQ(t, "http://127.0.0.1:1", ModeAPI)

	act, err := v.Submit(context.Background(), testConfig(), testOrder(), plugin.RequestContext{})
	require.NoError(t, err)
	assert.True(t, plugin.IsError(act))

	o := testOrder()
	o.TypeName = "qqpay"
	act, err = v.Submit(context.Background(), testConfig(), o, plugin.RequestContext{})
	require.NoError(t, err)
	assert.True(t, plugin.IsError(act))

	_, err = v.Submit(context.Background(), plugin.ChannelConfig{Plugin: Adapter}, testOrder(), plugin.RequestContext{})
	assert.ErrorIs(t, err, plugin.ErrMissingField)
}

func TestNotify(t *testing.T) {
	v := newTestVMQ(t, "https://vmq.example", "")

	tests := []struct {
		name  string
		query url.Values
		valid bool
		ack   string
	}{
		{"paid", notifyQuery(nil), true, "success"},
		{"uppercase signature", notifyQuery(func(q url.Values) { q.Set("sign", strings.ToUpper(q.Get("sign"))) }), true, "success"},
		{"tampered really price", notifyQuery(func(q url.Values) { q.Set("reallyPrice", "0.01") }), false, "error"},
		{"other order", notifyQuery(func(q url.Values) {
			q.Set("payId", "V4002")
			q.Set("sign", md5hex("V4002topup210.009.99"+testKey))
		}), false, "error"},
		{"missing sign", notifyQuery(func(q url.Values) { q.Del("sign") }), false, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := v.Notify(context.Background(), plugin.CallbackRequest{Method: "GET", Query: tt.query}, testConfig(), testOrder())
			require.NoError(t, err)
			assert.Equal(t, tt.valid, out.Valid())
			assert.Equal(t, tt.valid, out.Settled())
			assert.Equal(t, tt.ack, out.Ack.Body)
		})
	}
}

func TestNotify_Refs(t *testing.T) {
	v := newTestVMQ(t, "https://vmq.example", "")
	out, err := v.Notify(context.Background(), plugin.CallbackRequest{Method: "GET", Query: notifyQuery(nil)}, testConfig(), testOrder())
	require.NoError(t, err)
	assert.Equal(t, "9.99", out.Refs["really_price"])
	assert.Equal(t, "2", out.Refs["type"])
}

func TestRefund(t *testing.T) {
	v := newTestVMQ(t, "https://vmq.example", "")
	res, err := v.Refund(context.Background(), testOrder(), testConfig())
	require.NoError(t, err)
	assert.Equal(t, plugin.RefundFailed, res.Code)
}
