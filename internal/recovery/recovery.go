package recovery

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/breaker"
	"main/internal/broker"
	"main/internal/reserve"
	"main/internal/schema"
	"main/internal/store"
	"main/pkg/exception"
)

// Manager rebuilds in-memory state from the store and reconciles in-doubt
// orders against the broker on startup. Traffic is refused until Run
// completes.
type Manager struct {
	store   *store.Store
	broker  broker.Client
	breaker *breaker.Manager
	reserve *reserve.Manager

	ready atomic.Bool
}

// New wires a recovery manager.
func New(s *store.Store, b broker.Client, bm *breaker.Manager, rm *reserve.Manager) *Manager {
	return &Manager{store: s, broker: b, breaker: bm, reserve: rm}
}

// Ready reports whether startup recovery finished.
func (m *Manager) Ready() bool {
	return m.ready.Load()
}

// Run executes the recovery sequence in order: breaker state first so no
// submission sneaks past a persisted halt, then reservation expiry, in-doubt
// order resolution and the orphan scan. Marks the manager ready on success.
func (m *Manager) Run(ctx context.Context) error {
	started := time.Now()

	if err := m.breaker.Load(ctx); err != nil {
		return errors.Wrap(err, "load breaker state")
	}

	expired, err := m.reserve.SweepExpired(ctx, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "sweep stale reservations")
	}
	if expired > 0 {
		logs.Warnf("expired %d stale reservations from previous run", expired)
	}

	if err := m.resolveInterrupted(ctx); err != nil {
		return errors.Wrap(err, "resolve interrupted orders")
	}
	if err := m.resolveInDoubt(ctx); err != nil {
		return errors.Wrap(err, "resolve in-doubt orders")
	}
	if err := m.scanOrphans(ctx); err != nil {
		return errors.Wrap(err, "scan broker orphans")
	}

	plans, err := m.store.ActivePlans(ctx)
	if err != nil {
		return errors.Wrap(err, "list active plans")
	}
	if len(plans) > 0 {
		logs.Infof("resuming %d active slicing plans", len(plans))
	}

	m.ready.Store(true)
	logs.Infof("recovery complete in %s", time.Since(started).Round(time.Millisecond))
	return nil
}

// resolveInterrupted rejects orders that crashed before reaching the
// submission path. Scheduled slices stay pending for the scheduler.
func (m *Manager) resolveInterrupted(ctx context.Context) error {
	pending, err := m.store.OrdersInStatus(ctx, schema.OrderStatusPending)
	if err != nil {
		return err
	}
	for i := range pending {
		o := &pending[i]
		if o.ScheduledAt != nil {
			continue
		}
		if err := m.mark(ctx, o, schema.OrderStatusRejected, "interrupted before submission"); err != nil {
			return err
		}
	}
	return nil
}

// resolveInDoubt queries the broker for every order that was submitted but
// never acknowledged. The broker's answer is authoritative: a known order
// adopts the broker state, an unknown one never arrived and is rejected.
func (m *Manager) resolveInDoubt(ctx context.Context) error {
	submitted, err := m.store.OrdersInStatus(ctx, schema.OrderStatusSubmitted)
	if err != nil {
		return err
	}

	for i := range submitted {
		o := &submitted[i]
		view, err := m.broker.OrderByClientID(ctx, o.ClientOrderID)
		if err != nil {
			if err == exception.ErrBrokerOrderUnknown {
				if relErr := m.releaseFor(ctx, o.ClientOrderID); relErr != nil {
					return relErr
				}
				if err := m.mark(ctx, o, schema.OrderStatusRejected, "not found at broker after restart"); err != nil {
					return err
				}
				continue
			}
			return errors.Wrap(err, "query broker for in-doubt order").With("client_order_id", o.ClientOrderID)
		}

		o.BrokerOrderID = view.BrokerOrderID
		if !view.FilledQty.IsZero() {
			o.FilledQty = view.FilledQty
			o.FilledAvgPrice = view.FilledAvgPrice
		}
		next := view.Status
		if !o.Status.CanTransition(next) {
			logs.Warnf("in-doubt order in unexpected broker state, client_order_id: %s, broker_status: %s",
				o.ClientOrderID, view.Status)
			if err := m.store.UpdateOrder(ctx, o); err != nil {
				return err
			}
			continue
		}
		if err := m.mark(ctx, o, next, "adopted broker state after restart"); err != nil {
			return err
		}
		logs.Infof("in-doubt order resolved, client_order_id: %s, status: %s", o.ClientOrderID, next)
	}
	return nil
}

// scanOrphans records every live broker order with no local row.
func (m *Manager) scanOrphans(ctx context.Context) error {
	views, err := m.broker.ListOpenOrders(ctx)
	if err != nil {
		return errors.Wrap(err, "list broker open orders")
	}

	for i := range views {
		view := &views[i]
		if view.ClientOrderID != "" {
			if _, err := m.store.OrderByClientID(ctx, view.ClientOrderID); err == nil {
				continue
			} else if err != exception.ErrOrderUnknown {
				return err
			}
		}
		if _, err := m.store.OrderByBrokerID(ctx, view.BrokerOrderID); err == nil {
			continue
		} else if err != exception.ErrOrderUnknown {
			return err
		}

		if err := m.store.RecordOrphan(ctx, &schema.OrphanOrder{
			BrokerOrderID: view.BrokerOrderID,
			Source:        "startup_scan",
			DetectedAt:    time.Now().UTC(),
		}); err != nil {
			return err
		}
		logs.Errorf("orphan broker order detected at startup, broker_order_id: %s, symbol: %s",
			view.BrokerOrderID, view.Symbol)
	}
	return nil
}

func (m *Manager) releaseFor(ctx context.Context, clientOrderID string) error {
	res, err := m.store.ReservationByOrder(ctx, clientOrderID)
	if err != nil {
		if err == exception.ErrReservationUnknown {
			return nil
		}
		return err
	}
	return m.reserve.Release(ctx, res.Token)
}

func (m *Manager) mark(ctx context.Context, o *schema.Order, next schema.OrderStatus, reason string) error {
	from := o.Status
	o.Status = next
	o.Reason = reason
	if err := m.store.UpdateOrder(ctx, o); err != nil {
		return err
	}
	return m.store.AppendOrderTransition(ctx, &schema.OrderTransition{
		ClientOrderID: o.ClientOrderID,
		FromStatus:    from,
		ToStatus:      next,
		Reason:        reason,
	})
}
