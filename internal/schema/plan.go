package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlanStatus tracks the lifecycle of a slicing plan.
type PlanStatus string

const (
	PlanStatusActive    PlanStatus = "active"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusCanceled  PlanStatus = "canceled"
)

// SlicingPlan is a parent TWAP order split into scheduled child orders.
// Child orders reference the plan through their ParentOrderID.
type SlicingPlan struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	ParentKey     string          `gorm:"uniqueIndex;size:64" json:"parent_key"`
	Symbol        string          `gorm:"index;size:16" json:"symbol"`
	Side          OrderSide       `gorm:"size:8" json:"side"`
	Type          OrderType       `gorm:"size:16" json:"order_type"`
	TotalQty      decimal.Decimal `gorm:"type:decimal(20,8)" json:"total_qty"`
	SliceCount    int             `json:"slice_count"`
	Duration      time.Duration   `json:"duration_ns"`
	Interval      time.Duration   `json:"interval_ns"`
	TradeDate     string          `gorm:"size:10" json:"trade_date"`
	Status        PlanStatus      `gorm:"size:12;index" json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
