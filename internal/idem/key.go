package idem

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/schema"
)

// KeyLen is the hex length of a generated key (128 bits of SHA-256).
const KeyLen = 32

// TradeDateLayout is the canonical trading-date format used in keys.
const TradeDateLayout = "2006-01-02"

// Key derives the deterministic order identity from order content plus the
// trading date. The same economic order on the same date always yields the
// same key; a different date yields a different one, allowing recurring
// daily orders to resubmit legitimately.
func Key(symbol string, side schema.OrderSide, qty, price decimal.Decimal, strategyID, tradeDate string) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(symbol))
	b.WriteByte('|')
	b.WriteString(string(side))
	b.WriteByte('|')
	b.WriteString(qty.String())
	b.WriteByte('|')
	b.WriteString(price.String())
	b.WriteByte('|')
	b.WriteString(strategyID)
	b.WriteByte('|')
	b.WriteString(tradeDate)
	return digest(b.String())
}

// SliceKey derives a child key from the parent key and slice index, so a
// rescheduled plan never resubmits an already-fired slice.
func SliceKey(parentKey string, index int) string {
	return digest(parentKey + "|" + strconv.Itoa(index))
}

// TradeDate formats t as a canonical trading date in UTC.
func TradeDate(t time.Time) string {
	return t.UTC().Format(TradeDateLayout)
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:KeyLen]
}
