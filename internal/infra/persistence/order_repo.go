package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/paybridge/gateway/internal/domain/order"
	"github.com/paybridge/gateway/internal/infra/persistence/entity"
)

// OrderRepository implements order.Repository.
type OrderRepository struct {
	db  *gorm.DB
	now func() time.Time
}

var _ order.Repository = (*OrderRepository)(nil)

// NewOrderRepository creates a new order repository.
func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db, now: time.Now}
}

func (r *OrderRepository) Get(ctx context.Context, tradeNo string) (*order.Order, error) {
	var ent entity.OrderEntity
	err := r.db.WithContext(ctx).First(&ent, "trade_no = ?", tradeNo).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, order.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return ent.ToDomain(), nil
}

// MarkPaid is a conditional update on status, so concurrent notifications
// for one order race on the row and exactly one wins.
func (r *OrderRepository) MarkPaid(ctx context.Context, tradeNo, apiTradeNo, buyer string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&entity.OrderEntity{}).
		Where("trade_no = ? AND status = ?", tradeNo, order.StatusPending).
		Updates(map[string]any{
			"status":       order.StatusPaid,
			"api_trade_no": apiTradeNo,
			"buyer":        buyer,
			"paid_at":      r.now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("mark order paid: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *OrderRepository) MarkRefunded(ctx context.Context, tradeNo string, amount decimal.Decimal) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&entity.OrderEntity{}).
		Where("trade_no = ? AND status = ?", tradeNo, order.StatusPaid).
		Updates(map[string]any{
			"status":        order.StatusRefunded,
			"refund_amount": amount,
		})
	if res.Error != nil {
		return false, fmt.Errorf("mark order refunded: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListPending returns pending orders created in (after, before), oldest first.
func (r *OrderRepository) ListPending(ctx context.Context, after, before time.Time, limit int) ([]*order.Order, error) {
	var ents []entity.OrderEntity
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at > ? AND created_at < ?", order.StatusPending, after, before).
		Order("created_at").
		Limit(limit).
		Find(&ents).Error
	if err != nil {
		return nil, fmt.Errorf("list pending orders: %w", err)
	}
	out := make([]*order.Order, 0, len(ents))
	for i := range ents {
		out = append(out, ents[i].ToDomain())
	}
	return out, nil
}
