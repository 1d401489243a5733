package order

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paybridge/gateway/internal/module/channel/plugin"
)

// Order is a merchant pay order as the gateway sees it. Orders are created
// by the merchant system; the gateway only reads them and moves them
// through payment and refund.
type Order struct {
	tradeNo      string
	channelID    int64
	typeName     string
	amount       decimal.Decimal
	refundAmount decimal.Decimal
	name         string
	clientIP     string
	openID       string
	apiTradeNo   string
	buyer        string
	status       Status
	createdAt    time.Time
	paidAt       *time.Time
}

// Snapshot carries persisted order fields into RestoreOrder.
type Snapshot struct {
	TradeNo      string
	ChannelID    int64
	TypeName     string
	Amount       decimal.Decimal
	RefundAmount decimal.Decimal
	Name         string
	ClientIP     string
	OpenID       string
	APITradeNo   string
	Buyer        string
	Status       Status
	CreatedAt    time.Time
	PaidAt       *time.Time
}

// RestoreOrder recreates an Order from persisted data.
func RestoreOrder(s Snapshot) *Order {
	return &Order{
		tradeNo:      s.TradeNo,
		channelID:    s.ChannelID,
		typeName:     s.TypeName,
		amount:       s.Amount,
		refundAmount: s.RefundAmount,
		name:         s.Name,
		clientIP:     s.ClientIP,
		openID:       s.OpenID,
		apiTradeNo:   s.APITradeNo,
		buyer:        s.Buyer,
		status:       s.Status,
		createdAt:    s.CreatedAt,
		paidAt:       s.PaidAt,
	}
}

func (o *Order) TradeNo() string               { return o.tradeNo }
func (o *Order) ChannelID() int64              { return o.channelID }
func (o *Order) TypeName() string              { return o.typeName }
func (o *Order) Amount() decimal.Decimal       { return o.amount }
func (o *Order) RefundAmount() decimal.Decimal { return o.refundAmount }
func (o *Order) Name() string                  { return o.name }
func (o *Order) APITradeNo() string            { return o.apiTradeNo }
func (o *Order) Buyer() string                 { return o.buyer }
func (o *Order) Status() Status                { return o.status }
func (o *Order) CreatedAt() time.Time          { return o.createdAt }
func (o *Order) PaidAt() *time.Time            { return o.paidAt }

// IsPaid reports whether the order reached the paid state.
func (o *Order) IsPaid() bool {
	return o.status == StatusPaid || o.status == StatusRefunded
}

// PluginOrder converts the order into the adapter view. Callback URLs point
// back at this gateway under siteURL.
func (o *Order) PluginOrder(siteURL, channel string) plugin.Order {
	base := strings.TrimSuffix(siteURL, "/") + "/pay/" + channel
	return plugin.Order{
		TradeNo:      o.tradeNo,
		APITradeNo:   o.apiTradeNo,
		Amount:       o.amount,
		RefundAmount: o.refundAmount,
		Description:  o.name,
		NotifyURL:    base + "/notify/" + o.tradeNo,
		ReturnURL:    base + "/return/" + o.tradeNo,
		ClientIP:     o.clientIP,
		OpenID:       o.openID,
		BuyerID:      o.buyer,
		TypeName:     o.typeName,
		CreatedAt:    o.createdAt,
	}
}
