package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/schema"
	"main/pkg/exception"
)

// OperatorSystem marks automatic trips in the audit trail.
const OperatorSystem = "system"

// Store is the persistence surface breaker state lives behind.
type Store interface {
	SaveBreaker(ctx context.Context, b *schema.Breaker) error
	ListBreakers(ctx context.Context) ([]schema.Breaker, error)
	AppendBreakerAudit(ctx context.Context, a *schema.BreakerAudit) error
}

// Config controls the automatic trip triggers.
type Config struct {
	// ErrorRateThreshold trips the kill switch when the broker error rate
	// over ErrorWindow reaches it (0 disables). Requires MinSamples calls.
	ErrorRateThreshold float64       `json:"errorRateThreshold"`
	ErrorWindow        time.Duration `json:"errorWindow"`
	MinSamples         int           `json:"minSamples"`

	// MaxDrawdown trips the kill switch when cumulative realized losses
	// exceed it (0 disables).
	MaxDrawdown decimal.Decimal `json:"maxDrawdown"`

	// StalenessBound trips when market data is older than the bound
	// (0 disables). Evaluated by ObserveDataAge.
	StalenessBound time.Duration `json:"stalenessBound"`
}

type callRecord struct {
	at     time.Time
	failed bool
}

// Manager is the single accessor every submission path consults. It holds
// the global kill switch and optional per-symbol circuit breakers, all
// persisted so a halt survives restart.
type Manager struct {
	store Store
	cfg   Config

	mu       sync.RWMutex
	states   map[string]*schema.Breaker
	calls    []callRecord
	drawdown decimal.Decimal
}

// NewManager creates a breaker manager. Call Load before serving traffic.
func NewManager(store Store, cfg Config) *Manager {
	return &Manager{
		store:  store,
		cfg:    cfg,
		states: make(map[string]*schema.Breaker),
	}
}

// Load reloads persisted breaker state so a halt survives restart.
func (m *Manager) Load(ctx context.Context) error {
	saved, err := m.store.ListBreakers(ctx)
	if err != nil {
		return errors.Wrap(err, "list breakers")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = make(map[string]*schema.Breaker, len(saved))
	for i := range saved {
		b := saved[i]
		m.states[b.Scope] = &b
		if b.State == schema.BreakerTripped {
			logs.Warnf("breaker still tripped after restart, scope: %s, reason: %s", b.Scope, b.Reason)
		}
	}
	return nil
}

// Allow reports whether a new submission for the symbol may proceed.
// Checks the global kill switch first, then the symbol's breaker.
func (m *Manager) Allow(symbol string) (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if b, ok := m.states[schema.BreakerScopeGlobal]; ok && b.State == schema.BreakerTripped {
		return false, "halted: kill switch engaged: " + b.Reason
	}
	if b, ok := m.states[symbol]; ok && b.State == schema.BreakerTripped {
		return false, "halted: circuit breaker tripped for " + symbol + ": " + b.Reason
	}
	return true, ""
}

// State returns the current breaker state for a scope.
func (m *Manager) State(scope string) schema.BreakerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.states[scope]; ok {
		return b.State
	}
	return schema.BreakerClosed
}

// Snapshot returns a copy of every known breaker.
func (m *Manager) Snapshot() []schema.Breaker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schema.Breaker, 0, len(m.states))
	for _, b := range m.states {
		out = append(out, *b)
	}
	return out
}

// Engage trips the breaker for the scope. Every engagement is persisted
// and audited before taking effect.
func (m *Manager) Engage(ctx context.Context, scope, reason, operator string) error {
	if reason == "" {
		return exception.ErrBreakerMissingReason
	}
	if operator == "" {
		return exception.ErrBreakerMissingActor
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.states[scope]
	if !ok {
		b = &schema.Breaker{Scope: scope, State: schema.BreakerClosed}
	}
	if b.State == schema.BreakerTripped {
		return exception.ErrBreakerAlreadySet
	}

	now := time.Now().UTC()
	from := b.State
	b.State = schema.BreakerTripped
	b.Reason = reason
	b.Operator = operator
	b.EngagedAt = &now
	b.DisengagedAt = nil

	if err := m.persist(ctx, b, from, reason, operator, ""); err != nil {
		return err
	}
	m.states[scope] = b
	logs.Warnf("breaker engaged, scope: %s, reason: %s, operator: %s", scope, reason, operator)
	return nil
}

// Disengage clears a tripped breaker. Manual only; operator identity and
// resolution notes are recorded. A breaker never auto-clears.
func (m *Manager) Disengage(ctx context.Context, scope, operator, notes string) error {
	if operator == "" {
		return exception.ErrBreakerMissingActor
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.states[scope]
	if !ok || b.State != schema.BreakerTripped {
		return exception.ErrBreakerAlreadySet
	}

	now := time.Now().UTC()
	from := b.State
	b.State = schema.BreakerClosed
	b.Operator = operator
	b.DisengagedAt = &now

	if err := m.persist(ctx, b, from, b.Reason, operator, notes); err != nil {
		return err
	}
	m.states[scope] = b
	logs.Infof("breaker disengaged, scope: %s, operator: %s", scope, operator)
	return nil
}

func (m *Manager) persist(ctx context.Context, b *schema.Breaker, from schema.BreakerState, reason, operator, notes string) error {
	if err := m.store.SaveBreaker(ctx, b); err != nil {
		return errors.Wrap(err, "save breaker").With("scope", b.Scope)
	}
	if err := m.store.AppendBreakerAudit(ctx, &schema.BreakerAudit{
		Scope:     b.Scope,
		FromState: from,
		ToState:   b.State,
		Reason:    reason,
		Operator:  operator,
		Notes:     notes,
	}); err != nil {
		return errors.Wrap(err, "append breaker audit").With("scope", b.Scope)
	}
	return nil
}

// RecordBrokerResult feeds the error-rate trigger. Once the failure rate
// over the window reaches the threshold, the kill switch trips.
func (m *Manager) RecordBrokerResult(ctx context.Context, failed bool) {
	if m.cfg.ErrorRateThreshold <= 0 {
		return
	}

	now := time.Now().UTC()
	window := m.cfg.ErrorWindow
	if window <= 0 {
		window = time.Minute
	}

	m.mu.Lock()
	m.calls = append(m.calls, callRecord{at: now, failed: failed})
	cutoff := now.Add(-window)
	kept := m.calls[:0]
	failures := 0
	for _, c := range m.calls {
		if c.at.Before(cutoff) {
			continue
		}
		kept = append(kept, c)
		if c.failed {
			failures++
		}
	}
	m.calls = kept
	total := len(kept)
	m.mu.Unlock()

	minSamples := m.cfg.MinSamples
	if minSamples <= 0 {
		minSamples = 5
	}
	if total < minSamples {
		return
	}
	rate := float64(failures) / float64(total)
	if rate < m.cfg.ErrorRateThreshold {
		return
	}
	m.tripAuto(ctx, "broker error rate breached threshold")
}

// RecordRealizedPnL feeds the drawdown trigger with each realized P&L delta.
func (m *Manager) RecordRealizedPnL(ctx context.Context, realized decimal.Decimal) {
	if m.cfg.MaxDrawdown.IsZero() {
		return
	}

	m.mu.Lock()
	m.drawdown = m.drawdown.Add(realized)
	breached := m.drawdown.IsNegative() && m.drawdown.Abs().GreaterThanOrEqual(m.cfg.MaxDrawdown)
	m.mu.Unlock()

	if breached {
		m.tripAuto(ctx, "drawdown breached limit")
	}
}

// ObserveDataAge feeds the staleness trigger.
func (m *Manager) ObserveDataAge(ctx context.Context, age time.Duration) {
	if m.cfg.StalenessBound <= 0 || age <= m.cfg.StalenessBound {
		return
	}
	m.tripAuto(ctx, "market data staleness beyond bound")
}

func (m *Manager) tripAuto(ctx context.Context, reason string) {
	err := m.Engage(ctx, schema.BreakerScopeGlobal, reason, OperatorSystem)
	if err != nil && err != exception.ErrBreakerAlreadySet {
		logs.Errorf("auto trip failed, reason: %s, err: %+v", reason, err)
	}
}
