package risk

import (
	"github.com/shopspring/decimal"

	"main/internal/schema"
)

// BreachType names a specific fat-finger threshold.
type BreachType string

const (
	BreachMaxNotional    BreachType = "max_notional"
	BreachMaxQty         BreachType = "max_qty"
	BreachMaxADVFraction BreachType = "max_adv_fraction"
	BreachMaxPosition    BreachType = "max_position"
)

// Breach is a structured rejection naming the threshold, its limit and
// the actual value that crossed it.
type Breach struct {
	Type   BreachType      `json:"type"`
	Limit  decimal.Decimal `json:"limit"`
	Actual decimal.Decimal `json:"actual"`
}

// Result is the outcome of pre-trade validation.
type Result struct {
	Breached bool     `json:"breached"`
	Breaches []Breach `json:"breaches,omitempty"`
}

// Limits defines fat-finger thresholds. A zero value means "no override"
// when used as a symbol override, and "unlimited" as a default.
type Limits struct {
	MaxNotional    decimal.Decimal `json:"maxNotional"`
	MaxQty         decimal.Decimal `json:"maxQty"`
	MaxADVFraction decimal.Decimal `json:"maxAdvFraction"`
	MaxPosition    decimal.Decimal `json:"maxPosition"`
}

// Config defines the validator's thresholds and toggles. Each check is
// independently toggleable; symbol overrides fall back to the default.
type Config struct {
	CheckNotional    bool `json:"checkNotional"`
	CheckQty         bool `json:"checkQty"`
	CheckADVFraction bool `json:"checkAdvFraction"`
	CheckPosition    bool `json:"checkPosition"`

	Default   Limits                     `json:"default"`
	Overrides map[string]Limits          `json:"overrides,omitempty"`
	ADV       map[string]decimal.Decimal `json:"adv,omitempty"`
}

// Snapshot is the reserved position view the validator checks against.
type Snapshot struct {
	Qty      decimal.Decimal
	RefPrice decimal.Decimal
}

// Validator runs pre-trade fat-finger checks. Side-effect free.
type Validator struct {
	cfg Config
}

// NewValidator creates a validator with static thresholds.
func NewValidator(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Validate checks the order against thresholds using the reserved position
// snapshot. All enabled checks run; every breach is reported.
func (v *Validator) Validate(order *schema.Order, snapshot Snapshot) Result {
	limits := v.limitsFor(order.Symbol)
	var breaches []Breach

	if v.cfg.CheckQty && limits.MaxQty.IsPositive() && order.Qty.GreaterThan(limits.MaxQty) {
		breaches = append(breaches, Breach{Type: BreachMaxQty, Limit: limits.MaxQty, Actual: order.Qty})
	}

	if v.cfg.CheckNotional && limits.MaxNotional.IsPositive() {
		notional := order.Notional(snapshot.RefPrice)
		if notional.GreaterThan(limits.MaxNotional) {
			breaches = append(breaches, Breach{Type: BreachMaxNotional, Limit: limits.MaxNotional, Actual: notional})
		}
	}

	if v.cfg.CheckADVFraction && limits.MaxADVFraction.IsPositive() {
		if adv, ok := v.cfg.ADV[order.Symbol]; ok && adv.IsPositive() {
			fraction := order.Qty.Div(adv)
			if fraction.GreaterThan(limits.MaxADVFraction) {
				breaches = append(breaches, Breach{Type: BreachMaxADVFraction, Limit: limits.MaxADVFraction, Actual: fraction})
			}
		}
	}

	if v.cfg.CheckPosition && limits.MaxPosition.IsPositive() {
		next := snapshot.Qty.Add(order.Qty.Mul(decimal.NewFromInt(order.Side.Sign())))
		if next.Abs().GreaterThan(limits.MaxPosition) {
			breaches = append(breaches, Breach{Type: BreachMaxPosition, Limit: limits.MaxPosition, Actual: next.Abs()})
		}
	}

	return Result{Breached: len(breaches) > 0, Breaches: breaches}
}

func (v *Validator) limitsFor(symbol string) Limits {
	limits := v.cfg.Default
	override, ok := v.cfg.Overrides[symbol]
	if !ok {
		return limits
	}
	if override.MaxNotional.IsPositive() {
		limits.MaxNotional = override.MaxNotional
	}
	if override.MaxQty.IsPositive() {
		limits.MaxQty = override.MaxQty
	}
	if override.MaxADVFraction.IsPositive() {
		limits.MaxADVFraction = override.MaxADVFraction
	}
	if override.MaxPosition.IsPositive() {
		limits.MaxPosition = override.MaxPosition
	}
	return limits
}
