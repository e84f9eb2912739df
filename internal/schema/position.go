package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the signed net quantity per symbol. Long-lived, never deleted.
type Position struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	Symbol        string          `gorm:"uniqueIndex;size:16" json:"symbol"`
	Qty           decimal.Decimal `gorm:"type:decimal(20,8)" json:"qty"`
	AvgEntryPrice decimal.Decimal `gorm:"type:decimal(20,8)" json:"avg_entry_price"`
	RealizedPnL   decimal.Decimal `gorm:"type:decimal(20,8)" json:"realized_pnl"`
	LastTradeAt   *time.Time      `json:"last_trade_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// PositionAdjustment is the audit row for a manual position override.
type PositionAdjustment struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	Symbol    string          `gorm:"index;size:16" json:"symbol"`
	PrevQty   decimal.Decimal `gorm:"type:decimal(20,8)" json:"prev_qty"`
	NewQty    decimal.Decimal `gorm:"type:decimal(20,8)" json:"new_qty"`
	Operator  string          `gorm:"size:64" json:"operator"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"created_at"`
}

// ApplyFill folds an execution into the position and returns the realized
// P&L of this fill. Buys and sells against an opposite position realize
// P&L up to the closed quantity; any excess flips the position.
func (p *Position) ApplyFill(side OrderSide, qty, price decimal.Decimal, at time.Time) decimal.Decimal {
	signed := qty.Mul(decimal.NewFromInt(side.Sign()))
	realized := decimal.Zero

	if !p.Qty.IsZero() && p.Qty.Sign() != signed.Sign() {
		closed := decimal.Min(p.Qty.Abs(), signed.Abs())
		diff := price.Sub(p.AvgEntryPrice)
		if p.Qty.Sign() < 0 {
			diff = diff.Neg()
		}
		realized = diff.Mul(closed)
		p.RealizedPnL = p.RealizedPnL.Add(realized)
	}

	next := p.Qty.Add(signed)
	switch {
	case next.IsZero():
		p.AvgEntryPrice = decimal.Zero
	case p.Qty.IsZero() || p.Qty.Sign() != next.Sign():
		// Opened or flipped: the new exposure is all at this fill's price.
		p.AvgEntryPrice = price
	case p.Qty.Sign() == signed.Sign():
		// Added to the same direction: weighted average entry.
		total := p.Qty.Abs().Mul(p.AvgEntryPrice).Add(qty.Mul(price))
		p.AvgEntryPrice = total.Div(p.Qty.Abs().Add(qty))
	}
	p.Qty = next
	t := at
	p.LastTradeAt = &t
	return realized
}
