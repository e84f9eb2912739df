package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReservationStatus tracks the lifecycle of a position reservation.
type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "active"
	ReservationStatusCommitted ReservationStatus = "committed"
	ReservationStatusReleased  ReservationStatus = "released"
	ReservationStatusExpired   ReservationStatus = "expired"
)

// PositionReservation is an exclusive claim on a symbol's position delta
// while an order is being validated and submitted.
type PositionReservation struct {
	ID            uint              `gorm:"primaryKey" json:"id"`
	Token         string            `gorm:"uniqueIndex;size:36" json:"token"`
	Symbol        string            `gorm:"index;size:16" json:"symbol"`
	ClientOrderID string            `gorm:"index;size:64" json:"client_order_id,omitempty"`
	Delta         decimal.Decimal   `gorm:"type:decimal(20,8)" json:"delta"`
	PrevQty       decimal.Decimal   `gorm:"type:decimal(20,8)" json:"prev_qty"`
	NewQty        decimal.Decimal   `gorm:"type:decimal(20,8)" json:"new_qty"`
	Status        ReservationStatus `gorm:"size:12;index" json:"status"`
	ExpiresAt     time.Time         `json:"expires_at"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Expired reports whether the reservation passed its bound at the given time.
func (r *PositionReservation) Expired(now time.Time) bool {
	return r.Status == ReservationStatusActive && now.After(r.ExpiresAt)
}
