package schema

import "time"

// BreakerScopeGlobal is the scope key of the global kill switch.
const BreakerScopeGlobal = "*"

// BreakerState is the enumerated halt state.
type BreakerState string

const (
	BreakerClosed  BreakerState = "CLOSED"
	BreakerTripped BreakerState = "TRIPPED"
)

// Breaker is the persisted state of the kill switch (scope "*") or a
// per-symbol circuit breaker. Mutated only through engage/disengage.
type Breaker struct {
	ID            uint         `gorm:"primaryKey" json:"id"`
	Scope         string       `gorm:"uniqueIndex;size:16" json:"scope"`
	State         BreakerState `gorm:"size:8" json:"state"`
	Reason        string       `gorm:"size:255" json:"reason,omitempty"`
	Operator      string       `gorm:"size:64" json:"operator,omitempty"`
	EngagedAt     *time.Time   `json:"engaged_at,omitempty"`
	DisengagedAt  *time.Time   `json:"disengaged_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// BreakerAudit is an append-only record of every breaker transition.
type BreakerAudit struct {
	ID        uint         `gorm:"primaryKey" json:"id"`
	Scope     string       `gorm:"index;size:16" json:"scope"`
	FromState BreakerState `gorm:"size:8" json:"from_state"`
	ToState   BreakerState `gorm:"size:8" json:"to_state"`
	Reason    string       `gorm:"size:255" json:"reason"`
	Operator  string       `gorm:"size:64" json:"operator"`
	Notes     string       `gorm:"size:1024" json:"notes,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}
