package store

import (
	"context"
	stderrors "errors"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"gorm.io/gorm"

	"main/internal/schema"
	"main/pkg/exception"
)

// Store is the single source of truth for orders, positions, reservations,
// breaker state and reconciliation records. Requires a gorm connection
// opened with TranslateError so unique violations surface as
// gorm.ErrDuplicatedKey.
type Store struct {
	db *gorm.DB
}

// New wraps a gorm connection and migrates every table.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, exception.ErrNilInstance
	}
	if err := db.AutoMigrate(
		&schema.Order{},
		&schema.OrderTransition{},
		&schema.Position{},
		&schema.PositionAdjustment{},
		&schema.PositionReservation{},
		&schema.ReservationDiscrepancy{},
		&schema.Breaker{},
		&schema.BreakerAudit{},
		&schema.SlicingPlan{},
		&schema.ProcessedExecution{},
		&schema.OrphanOrder{},
	); err != nil {
		return nil, errors.Wrap(err, "migrate schema")
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for transactional composition.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn against a Store bound to one database transaction;
// every write inside fn commits or rolls back together.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

/* orders */

// CreateOrder inserts a new order row. A duplicate idempotency key maps to
// ErrOrderDuplicate so the engine can short-circuit to the existing order.
func (s *Store) CreateOrder(ctx context.Context, o *schema.Order) error {
	if err := s.db.WithContext(ctx).Create(o).Error; err != nil {
		if stderrors.Is(err, gorm.ErrDuplicatedKey) {
			return exception.ErrOrderDuplicate
		}
		return errors.Wrap(err, "create order")
	}
	return nil
}

// OrderByClientID loads an order by its idempotency key.
func (s *Store) OrderByClientID(ctx context.Context, clientOrderID string) (*schema.Order, error) {
	var o schema.Order
	err := s.db.WithContext(ctx).Where("client_order_id = ?", clientOrderID).First(&o).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, exception.ErrOrderUnknown
	}
	if err != nil {
		return nil, errors.Wrap(err, "load order by client id")
	}
	return &o, nil
}

// OrderByBrokerID loads an order by the broker's identifier.
func (s *Store) OrderByBrokerID(ctx context.Context, brokerOrderID string) (*schema.Order, error) {
	var o schema.Order
	err := s.db.WithContext(ctx).Where("broker_order_id = ?", brokerOrderID).First(&o).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, exception.ErrOrderUnknown
	}
	if err != nil {
		return nil, errors.Wrap(err, "load order by broker id")
	}
	return &o, nil
}

// UpdateOrder persists the full order row.
func (s *Store) UpdateOrder(ctx context.Context, o *schema.Order) error {
	if err := s.db.WithContext(ctx).Save(o).Error; err != nil {
		return errors.Wrap(err, "update order").With("client_order_id", o.ClientOrderID)
	}
	return nil
}

// AppendOrderTransition records one status change in the audit log.
func (s *Store) AppendOrderTransition(ctx context.Context, t *schema.OrderTransition) error {
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return errors.Wrap(err, "append order transition")
	}
	return nil
}

// OrderTransitions returns the audit trail for an order, oldest first.
func (s *Store) OrderTransitions(ctx context.Context, clientOrderID string) ([]schema.OrderTransition, error) {
	var out []schema.OrderTransition
	err := s.db.WithContext(ctx).
		Where("client_order_id = ?", clientOrderID).
		Order("id asc").
		Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "load order transitions")
	}
	return out, nil
}

// OrdersInStatus returns every order currently in one of the given states.
func (s *Store) OrdersInStatus(ctx context.Context, statuses ...schema.OrderStatus) ([]schema.Order, error) {
	var out []schema.Order
	err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("id asc").
		Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "load orders by status")
	}
	return out, nil
}

// OpenOrders returns every order in a non-terminal state.
func (s *Store) OpenOrders(ctx context.Context) ([]schema.Order, error) {
	return s.OrdersInStatus(ctx,
		schema.OrderStatusPending,
		schema.OrderStatusSubmitted,
		schema.OrderStatusAcknowledged,
		schema.OrderStatusPartiallyFilled,
	)
}

// ChildOrders returns the slice orders of a plan, ordered by slice index.
func (s *Store) ChildOrders(ctx context.Context, parentKey string) ([]schema.Order, error) {
	var out []schema.Order
	err := s.db.WithContext(ctx).
		Where("parent_order_id = ?", parentKey).
		Order("slice_index asc").
		Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "load child orders").With("parent_key", parentKey)
	}
	return out, nil
}

/* positions */

// PositionBySymbol loads the current position, zero-valued when absent.
func (s *Store) PositionBySymbol(ctx context.Context, symbol string) (*schema.Position, error) {
	var p schema.Position
	err := s.db.WithContext(ctx).Where("symbol = ?", symbol).First(&p).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return &schema.Position{Symbol: symbol}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load position").With("symbol", symbol)
	}
	return &p, nil
}

// PositionQty returns the signed net quantity for a symbol.
func (s *Store) PositionQty(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p, err := s.PositionBySymbol(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return p.Qty, nil
}

// SavePosition upserts the position row.
func (s *Store) SavePosition(ctx context.Context, p *schema.Position) error {
	if err := s.db.WithContext(ctx).Save(p).Error; err != nil {
		return errors.Wrap(err, "save position").With("symbol", p.Symbol)
	}
	return nil
}

// ListPositions returns every known position.
func (s *Store) ListPositions(ctx context.Context) ([]schema.Position, error) {
	var out []schema.Position
	if err := s.db.WithContext(ctx).Order("symbol asc").Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "list positions")
	}
	return out, nil
}

// RecordPositionAdjustment appends the audit row for a manual override.
func (s *Store) RecordPositionAdjustment(ctx context.Context, a *schema.PositionAdjustment) error {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return errors.Wrap(err, "record position adjustment").With("symbol", a.Symbol)
	}
	return nil
}

// PositionAdjustments returns the manual overrides for a symbol, oldest first.
func (s *Store) PositionAdjustments(ctx context.Context, symbol string) ([]schema.PositionAdjustment, error) {
	var out []schema.PositionAdjustment
	err := s.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Order("id asc").
		Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "list position adjustments").With("symbol", symbol)
	}
	return out, nil
}

/* reservations */

// CreateReservation inserts an active reservation row.
func (s *Store) CreateReservation(ctx context.Context, r *schema.PositionReservation) error {
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return errors.Wrap(err, "create reservation")
	}
	return nil
}

// UpdateReservation persists a reservation state change.
func (s *Store) UpdateReservation(ctx context.Context, r *schema.PositionReservation) error {
	if err := s.db.WithContext(ctx).Save(r).Error; err != nil {
		return errors.Wrap(err, "update reservation").With("token", r.Token)
	}
	return nil
}

// ReservationByToken loads a reservation by its token.
func (s *Store) ReservationByToken(ctx context.Context, token string) (*schema.PositionReservation, error) {
	var r schema.PositionReservation
	err := s.db.WithContext(ctx).Where("token = ?", token).First(&r).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, exception.ErrReservationUnknown
	}
	if err != nil {
		return nil, errors.Wrap(err, "load reservation").With("token", token)
	}
	return &r, nil
}

// ReservationByOrder loads the active reservation held by an order, if any.
func (s *Store) ReservationByOrder(ctx context.Context, clientOrderID string) (*schema.PositionReservation, error) {
	var r schema.PositionReservation
	err := s.db.WithContext(ctx).
		Where("client_order_id = ? AND status = ?", clientOrderID, schema.ReservationStatusActive).
		First(&r).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, exception.ErrReservationUnknown
	}
	if err != nil {
		return nil, errors.Wrap(err, "load reservation by order")
	}
	return &r, nil
}

// ActiveReservations returns the active reservations for one symbol,
// oldest first.
func (s *Store) ActiveReservations(ctx context.Context, symbol string) ([]schema.PositionReservation, error) {
	var out []schema.PositionReservation
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND status = ?", symbol, schema.ReservationStatusActive).
		Order("id asc").
		Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "list active reservations").With("symbol", symbol)
	}
	return out, nil
}

// AllActiveReservations returns every active reservation across symbols.
func (s *Store) AllActiveReservations(ctx context.Context) ([]schema.PositionReservation, error) {
	var out []schema.PositionReservation
	err := s.db.WithContext(ctx).
		Where("status = ?", schema.ReservationStatusActive).
		Order("id asc").
		Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "list all active reservations")
	}
	return out, nil
}

// RecordReservationDiscrepancy appends a reconciliation record for a
// reservation that expired uncommitted.
func (s *Store) RecordReservationDiscrepancy(ctx context.Context, d *schema.ReservationDiscrepancy) error {
	if err := s.db.WithContext(ctx).Create(d).Error; err != nil {
		return errors.Wrap(err, "record reservation discrepancy")
	}
	return nil
}

// ListReservationDiscrepancies returns recorded discrepancies, newest first.
func (s *Store) ListReservationDiscrepancies(ctx context.Context) ([]schema.ReservationDiscrepancy, error) {
	var out []schema.ReservationDiscrepancy
	if err := s.db.WithContext(ctx).Order("id desc").Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "list reservation discrepancies")
	}
	return out, nil
}

/* breakers */

// SaveBreaker upserts a breaker row by scope.
func (s *Store) SaveBreaker(ctx context.Context, b *schema.Breaker) error {
	if b.ID == 0 {
		var existing schema.Breaker
		err := s.db.WithContext(ctx).Where("scope = ?", b.Scope).First(&existing).Error
		if err == nil {
			b.ID = existing.ID
		} else if !stderrors.Is(err, gorm.ErrRecordNotFound) {
			return errors.Wrap(err, "load breaker").With("scope", b.Scope)
		}
	}
	if err := s.db.WithContext(ctx).Save(b).Error; err != nil {
		return errors.Wrap(err, "save breaker").With("scope", b.Scope)
	}
	return nil
}

// ListBreakers returns every persisted breaker.
func (s *Store) ListBreakers(ctx context.Context) ([]schema.Breaker, error) {
	var out []schema.Breaker
	if err := s.db.WithContext(ctx).Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "list breakers")
	}
	return out, nil
}

// AppendBreakerAudit records one breaker state change.
func (s *Store) AppendBreakerAudit(ctx context.Context, a *schema.BreakerAudit) error {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return errors.Wrap(err, "append breaker audit")
	}
	return nil
}

// BreakerAudits returns the audit trail, oldest first.
func (s *Store) BreakerAudits(ctx context.Context) ([]schema.BreakerAudit, error) {
	var out []schema.BreakerAudit
	if err := s.db.WithContext(ctx).Order("id asc").Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "list breaker audits")
	}
	return out, nil
}

/* slicing plans */

// CreatePlan inserts a slicing plan. Duplicate parent keys map to
// ErrOrderDuplicate since the plan identity is the parent idempotency key.
func (s *Store) CreatePlan(ctx context.Context, p *schema.SlicingPlan) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		if stderrors.Is(err, gorm.ErrDuplicatedKey) {
			return exception.ErrOrderDuplicate
		}
		return errors.Wrap(err, "create slicing plan")
	}
	return nil
}

// PlanByKey loads a slicing plan by its parent idempotency key.
func (s *Store) PlanByKey(ctx context.Context, parentKey string) (*schema.SlicingPlan, error) {
	var p schema.SlicingPlan
	err := s.db.WithContext(ctx).Where("parent_key = ?", parentKey).First(&p).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, exception.ErrOrderUnknown
	}
	if err != nil {
		return nil, errors.Wrap(err, "load slicing plan").With("parent_key", parentKey)
	}
	return &p, nil
}

// UpdatePlan persists a plan state change.
func (s *Store) UpdatePlan(ctx context.Context, p *schema.SlicingPlan) error {
	if err := s.db.WithContext(ctx).Save(p).Error; err != nil {
		return errors.Wrap(err, "update slicing plan").With("parent_key", p.ParentKey)
	}
	return nil
}

// ActivePlans returns every plan with unfired slices remaining.
func (s *Store) ActivePlans(ctx context.Context) ([]schema.SlicingPlan, error) {
	var out []schema.SlicingPlan
	err := s.db.WithContext(ctx).
		Where("status = ?", schema.PlanStatusActive).
		Order("id asc").
		Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "list active plans")
	}
	return out, nil
}

/* reconciliation */

// InsertProcessedExecution claims an execution id. Returns
// ErrWebhookDuplicateExec when the execution was already applied, which is
// the dedup signal for at-least-once webhook delivery.
func (s *Store) InsertProcessedExecution(ctx context.Context, e *schema.ProcessedExecution) error {
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		if stderrors.Is(err, gorm.ErrDuplicatedKey) {
			return exception.ErrWebhookDuplicateExec
		}
		return errors.Wrap(err, "insert processed execution")
	}
	return nil
}

// RecordOrphan records a broker order with no local match. Re-detecting the
// same orphan is a no-op.
func (s *Store) RecordOrphan(ctx context.Context, o *schema.OrphanOrder) error {
	if err := s.db.WithContext(ctx).Create(o).Error; err != nil {
		if stderrors.Is(err, gorm.ErrDuplicatedKey) {
			return nil
		}
		return errors.Wrap(err, "record orphan order")
	}
	return nil
}

// ListOrphans returns recorded orphans, newest first.
func (s *Store) ListOrphans(ctx context.Context) ([]schema.OrphanOrder, error) {
	var out []schema.OrphanOrder
	if err := s.db.WithContext(ctx).Order("id desc").Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "list orphan orders")
	}
	return out, nil
}
