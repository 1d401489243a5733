package plugin

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is the read-only view of a merchant order handed to an adapter.
// It is created by the order service before Submit and only changes as a
// result of a verified notify, return or query.
type Order struct {
	TradeNo      string          // merchant order id, unique
	APITradeNo   string          // provider transaction id, set after payment
	Amount       decimal.Decimal // currency-exact amount in major units
	RefundAmount decimal.Decimal // zero means full refund
	Description  string
	NotifyURL    string
	ReturnURL    string
	ClientIP     string
	OpenID       string // payer sub-identity for in-app flows
	BuyerID      string
	TypeName     string // logical payment method, e.g. alipay, wxpay
	CreatedAt    time.Time
}

// RefundValue returns the amount a refund call should request.
func (o Order) RefundValue() decimal.Decimal {
	if o.RefundAmount.IsPositive() {
		return o.RefundAmount
	}
	return o.Amount
}

// RefundRequestNo is the provider-side refund request number of the order.
// It is stable so a retried refund is deduplicated by the provider.
func (o Order) RefundRequestNo() string {
	return "R" + o.TradeNo
}

// Device classifies the payer's client.
type Device string

const (
	DevicePC     Device = "pc"
	DeviceMobile Device = "mobile"
	DeviceWechat Device = "wechat" // inside the WeChat app
	DeviceAlipay Device = "alipay" // inside the Alipay app
	DeviceQQ     Device = "qq"
)

// IsMobile reports whether the device is a phone browser or in-app webview.
func (d Device) IsMobile() bool {
	return d != DevicePC && d != ""
}

// Method hints used by ResolvePaymentMethod.
const (
	MethodDefault = ""
	MethodJSAPI   = "jsapi"
	MethodScan    = "scan"
	MethodApp     = "app"
	MethodApplet  = "applet"
	MethodWap     = "wap"
)

// RequestContext carries opaque per-request values from the HTTP layer.
type RequestContext struct {
	Device   Device
	ClientIP string
	Method   string
	SiteURL  string
	Extra    map[string]string
}

// PaymentState is the provider-side state of an order.
type PaymentState string

const (
	StatePending PaymentState = "pending"
	StatePaid    PaymentState = "paid"
	StateFailed  PaymentState = "failed"
	StateClosed  PaymentState = "closed"
	StateUnknown PaymentState = "unknown"
)

// OrderStatus is the result of an out-of-band status query.
type OrderStatus struct {
	State           PaymentState
	ProviderTradeNo string
	Amount          decimal.Decimal
	PayerID         string
	Msg             string
}

// RefundResult codes.
const (
	RefundOK     = 0
	RefundFailed = -1
)

// RefundResult is the outcome of a provider refund call.
type RefundResult struct {
	Code     int
	Msg      string
	RefundNo string
	Amount   decimal.Decimal
}

// RefundFailure builds a failed RefundResult.
func RefundFailure(msg string) RefundResult {
	return RefundResult{Code: RefundFailed, Msg: msg}
}
