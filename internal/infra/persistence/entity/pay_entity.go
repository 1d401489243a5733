package entity

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/paybridge/gateway/internal/domain/order"
)

// ChannelEntity is the GORM model for the pay_channel table. Config holds
// the credential map as a JSON object.
type ChannelEntity struct {
	ID        int64  `gorm:"primaryKey"`
	Plugin    string `gorm:"not null"`
	Name      string
	Config    string `gorm:"type:text"`
	Status    int    `gorm:"default:1"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName returns the database table name.
func (ChannelEntity) TableName() string {
	return "pay_channel"
}

// Enabled reports whether the channel may take payments.
func (e *ChannelEntity) Enabled() bool {
	return e.Status == 1
}

// OrderEntity is the GORM model for the pay_order table.
type OrderEntity struct {
	TradeNo      string          `gorm:"primaryKey"`
	ChannelID    int64           `gorm:"not null;index"`
	TypeName     string          `gorm:"not null"`
	Amount       decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	RefundAmount decimal.Decimal `gorm:"type:numeric(12,2);default:0"`
	Name         string
	ClientIP     string
	OpenID       string
	APITradeNo   string `gorm:"index"`
	Buyer        string
	Status       string `gorm:"not null;default:pending"`
	CreatedAt    time.Time
	PaidAt       *time.Time
}

// TableName returns the database table name.
func (OrderEntity) TableName() string {
	return "pay_order"
}

// ToDomain converts the entity to a domain Order.
func (e *OrderEntity) ToDomain() *order.Order {
	return order.RestoreOrder(order.Snapshot{
		TradeNo:      e.TradeNo,
		ChannelID:    e.ChannelID,
		TypeName:     e.TypeName,
		Amount:       e.Amount,
		RefundAmount: e.RefundAmount,
		Name:         e.Name,
		ClientIP:     e.ClientIP,
		OpenID:       e.OpenID,
		APITradeNo:   e.APITradeNo,
		Buyer:        e.Buyer,
		Status:       order.Status(e.Status),
		CreatedAt:    e.CreatedAt,
		PaidAt:       e.PaidAt,
	})
}
