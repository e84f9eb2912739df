package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus tracks the lifecycle of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusAcknowledged    OrderStatus = "acknowledged"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether the status accepts no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal step.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case OrderStatusPending:
		return next == OrderStatusSubmitted || next == OrderStatusRejected || next == OrderStatusCanceled
	case OrderStatusSubmitted:
		return next == OrderStatusAcknowledged || next == OrderStatusRejected ||
			next == OrderStatusPartiallyFilled || next == OrderStatusFilled ||
			next == OrderStatusCanceled || next == OrderStatusExpired
	case OrderStatusAcknowledged:
		return next == OrderStatusPartiallyFilled || next == OrderStatusFilled ||
			next == OrderStatusCanceled || next == OrderStatusExpired
	case OrderStatusPartiallyFilled:
		return next == OrderStatusPartiallyFilled || next == OrderStatusFilled ||
			next == OrderStatusCanceled || next == OrderStatusExpired
	default:
		return false
	}
}

// Order is the persisted view of a single broker order. The idempotency
// key (ClientOrderID) is the primary identity; rows are never deleted.
type Order struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	ClientOrderID string `gorm:"uniqueIndex;size:64" json:"client_order_id"`
	BrokerOrderID string `gorm:"index;size:64" json:"broker_order_id,omitempty"`

	Symbol      string          `gorm:"index;size:16" json:"symbol"`
	Side        OrderSide       `gorm:"size:8" json:"side"`
	Type        OrderType       `gorm:"size:16" json:"order_type"`
	Qty         decimal.Decimal `gorm:"type:decimal(20,8)" json:"qty"`
	LimitPrice  decimal.Decimal `gorm:"type:decimal(20,8)" json:"limit_price"`
	StopPrice   decimal.Decimal `gorm:"type:decimal(20,8)" json:"stop_price"`
	TimeInForce TimeInForce     `gorm:"size:8" json:"time_in_force"`
	StrategyID  string          `gorm:"size:32" json:"strategy_id"`
	TradeDate   string          `gorm:"size:10;index" json:"trade_date"`

	Status         OrderStatus     `gorm:"size:20;index" json:"status"`
	Reason         string          `gorm:"size:255" json:"reason,omitempty"`
	FilledQty      decimal.Decimal `gorm:"type:decimal(20,8)" json:"filled_qty"`
	FilledAvgPrice decimal.Decimal `gorm:"type:decimal(20,8)" json:"filled_avg_price"`
	RetryCount     int             `json:"retry_count"`
	LastExecSeq    int64           `json:"last_exec_seq"`

	ParentOrderID string     `gorm:"index;size:64" json:"parent_order_id,omitempty"`
	SliceIndex    *int       `json:"slice_index,omitempty"`
	SliceTotal    *int       `json:"slice_total,omitempty"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`

	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	AckedAt     *time.Time `json:"acked_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// LeavesQty returns the unfilled remainder.
func (o *Order) LeavesQty() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}

// IsSlice reports whether the order is a child of a slicing plan.
func (o *Order) IsSlice() bool {
	return o.ParentOrderID != "" && o.SliceIndex != nil
}

// Notional returns qty * reference price, using the limit price when set.
func (o *Order) Notional(refPrice decimal.Decimal) decimal.Decimal {
	price := o.LimitPrice
	if price.IsZero() {
		price = refPrice
	}
	return o.Qty.Mul(price)
}

// OrderTransition is an append-only audit row for every status change.
type OrderTransition struct {
	ID            uint        `gorm:"primaryKey" json:"id"`
	ClientOrderID string      `gorm:"index;size:64" json:"client_order_id"`
	FromStatus    OrderStatus `gorm:"size:20" json:"from_status"`
	ToStatus      OrderStatus `gorm:"size:20" json:"to_status"`
	Reason        string      `gorm:"size:255" json:"reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}
