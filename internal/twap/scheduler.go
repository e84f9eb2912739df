package twap

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/schema"
	"main/internal/store"
	"main/pkg/exception"
)

const defaultTick = time.Second

// Submitter drives a persisted pending order through the submission path.
type Submitter interface {
	SubmitScheduled(ctx context.Context, order *schema.Order) error
}

// Scheduler persists slicing plans and fires their child orders at the
// scheduled times. Every slice is a full order in its own right: each one
// passes the halt, reservation and risk gates independently.
type Scheduler struct {
	store  *store.Store
	submit Submitter
	tick   time.Duration
}

// NewScheduler creates a scheduler dispatching on the given tick.
func NewScheduler(s *store.Store, submit Submitter, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = defaultTick
	}
	return &Scheduler{store: s, submit: submit, tick: tick}
}

// CreatePlan builds and persists a plan plus its child orders, anchored at
// now. Submitting the same plan twice returns the existing plan.
func (s *Scheduler) CreatePlan(ctx context.Context, req PlanRequest, now time.Time) (*schema.SlicingPlan, error) {
	plan, orders, err := Build(req, now.UTC())
	if err != nil {
		return nil, err
	}

	if err := s.store.CreatePlan(ctx, plan); err != nil {
		if err == exception.ErrOrderDuplicate {
			existing, loadErr := s.store.PlanByKey(ctx, plan.ParentKey)
			if loadErr != nil {
				return nil, loadErr
			}
			return existing, exception.ErrOrderDuplicate
		}
		return nil, err
	}

	for i := range orders {
		if err := s.store.CreateOrder(ctx, &orders[i]); err != nil && err != exception.ErrOrderDuplicate {
			return nil, errors.Wrap(err, "persist slice").With("parent_key", plan.ParentKey)
		}
	}
	logs.Infof("slicing plan created, parent_key: %s, symbol: %s, slices: %d, interval: %s",
		plan.ParentKey, plan.Symbol, plan.SliceCount, plan.Interval)
	return plan, nil
}

// CancelPlan cancels a plan's unfired slices. Already fired slices keep
// running; their fills still reconcile normally.
func (s *Scheduler) CancelPlan(ctx context.Context, parentKey string) (int, error) {
	plan, err := s.store.PlanByKey(ctx, parentKey)
	if err != nil {
		return 0, err
	}
	if plan.Status != schema.PlanStatusActive {
		return 0, exception.ErrOrderNotCancelable
	}

	children, err := s.store.ChildOrders(ctx, parentKey)
	if err != nil {
		return 0, err
	}

	canceled := 0
	for i := range children {
		child := &children[i]
		if child.Status != schema.OrderStatusPending {
			continue
		}
		if err := s.markSlice(ctx, child, schema.OrderStatusCanceled, "plan canceled"); err != nil {
			return canceled, err
		}
		canceled++
	}

	plan.Status = schema.PlanStatusCanceled
	if err := s.store.UpdatePlan(ctx, plan); err != nil {
		return canceled, err
	}
	logs.Infof("slicing plan canceled, parent_key: %s, unfired_slices: %d", parentKey, canceled)
	return canceled, nil
}

// Dispatch fires every due slice once. A slice whose window passed by more
// than one interval is skipped permanently rather than fired late, so a
// long halt or outage never causes a burst of stale submissions.
func (s *Scheduler) Dispatch(ctx context.Context, now time.Time) error {
	plans, err := s.store.ActivePlans(ctx)
	if err != nil {
		return err
	}

	for i := range plans {
		if err := s.dispatchPlan(ctx, &plans[i], now); err != nil {
			logs.Errorf("dispatch plan failed, parent_key: %s, err: %+v", plans[i].ParentKey, err)
		}
	}
	return nil
}

func (s *Scheduler) dispatchPlan(ctx context.Context, plan *schema.SlicingPlan, now time.Time) error {
	children, err := s.store.ChildOrders(ctx, plan.ParentKey)
	if err != nil {
		return err
	}

	pending := 0
	for i := range children {
		child := &children[i]
		if child.Status == schema.OrderStatusPending && child.ScheduledAt != nil && !now.Before(*child.ScheduledAt) {
			if now.Sub(*child.ScheduledAt) > plan.Interval {
				if err := s.markSlice(ctx, child, schema.OrderStatusRejected, "missed execution window"); err != nil {
					return err
				}
			} else if err := s.submit.SubmitScheduled(ctx, child); err != nil {
				// The slice already transitioned (rejected on halt, risk
				// breach or broker reject); only log unexpected failures.
				switch err {
				case exception.ErrOrderHalted, exception.ErrOrderRiskRejected:
					logs.Warnf("slice skipped, client_order_id: %s, err: %v", child.ClientOrderID, err)
				default:
					logs.Errorf("slice submission failed, client_order_id: %s, err: %+v", child.ClientOrderID, err)
				}
			}
		}

		// A slice still pending after this pass — future, or a submission
		// that failed before persisting any transition — keeps the plan
		// active so the next tick retries it.
		if child.Status == schema.OrderStatusPending {
			pending++
		}
	}

	if pending == 0 {
		plan.Status = schema.PlanStatusCompleted
		if err := s.store.UpdatePlan(ctx, plan); err != nil {
			return err
		}
		logs.Infof("slicing plan completed, parent_key: %s", plan.ParentKey)
	}
	return nil
}

// Run dispatches due slices on the tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Dispatch(ctx, time.Now().UTC()); err != nil {
				logs.Errorf("slice dispatch failed, err: %+v", err)
			}
		}
	}
}

func (s *Scheduler) markSlice(ctx context.Context, child *schema.Order, status schema.OrderStatus, reason string) error {
	from := child.Status
	child.Status = status
	child.Reason = reason
	if err := s.store.UpdateOrder(ctx, child); err != nil {
		return err
	}
	return s.store.AppendOrderTransition(ctx, &schema.OrderTransition{
		ClientOrderID: child.ClientOrderID,
		FromStatus:    from,
		ToStatus:      status,
		Reason:        reason,
	})
}
