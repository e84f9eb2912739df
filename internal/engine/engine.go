package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/breaker"
	"main/internal/broker"
	"main/internal/idem"
	"main/internal/reserve"
	"main/internal/risk"
	"main/internal/schema"
	"main/internal/store"
	"main/pkg/exception"
)

const (
	defaultMaxRetries = 5
	defaultBaseDelay  = time.Second
	defaultMaxDelay   = 60 * time.Second

	// StrategyFlatten marks emergency offsetting orders in the order log.
	StrategyFlatten = "flatten"

	// StrategyClose marks manual per-symbol close orders.
	StrategyClose = "close"
)

// Quotes supplies the reference price used for market-order notional checks.
type Quotes interface {
	RefPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// StaticQuotes is a fixed price table, used by tests and dry runs.
type StaticQuotes map[string]decimal.Decimal

func (q StaticQuotes) RefPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	return q[symbol], nil
}

// Config controls broker submission retry behavior.
type Config struct {
	// MaxRetries bounds resubmission attempts for retryable broker errors.
	MaxRetries int           `json:"maxRetries"`
	BaseDelay  time.Duration `json:"baseDelay"`
	MaxDelay   time.Duration `json:"maxDelay"`
}

// SubmitRequest is a new-order request before identity derivation.
type SubmitRequest struct {
	Symbol      string             `json:"symbol"`
	Side        schema.OrderSide   `json:"side"`
	Type        schema.OrderType   `json:"order_type"`
	Qty         decimal.Decimal    `json:"qty"`
	LimitPrice  decimal.Decimal    `json:"limit_price"`
	StopPrice   decimal.Decimal    `json:"stop_price"`
	TimeInForce schema.TimeInForce `json:"time_in_force"`
	StrategyID  string             `json:"strategy_id"`

	// TradeDate defaults to today (UTC) when empty.
	TradeDate string `json:"trade_date,omitempty"`
}

// Validate rejects structurally broken requests before identity derivation.
func (r *SubmitRequest) Validate() error {
	switch {
	case r.Symbol == "",
		!r.Side.Valid(),
		!r.Type.Valid(),
		!r.Qty.IsPositive():
		return exception.ErrOrderInvalidRequest
	case r.Type.RequiresLimitPrice() && !r.LimitPrice.IsPositive():
		return exception.ErrOrderInvalidRequest
	case r.Type.RequiresStopPrice() && !r.StopPrice.IsPositive():
		return exception.ErrOrderInvalidRequest
	}
	return nil
}

// Engine drives every order through its lifecycle: identity, halt check,
// reservation, risk validation and broker submission, with each transition
// persisted before the action it precedes.
type Engine struct {
	store   *store.Store
	broker  broker.Client
	reserve *reserve.Manager
	breaker *breaker.Manager
	risk    *risk.Validator
	quotes  Quotes
	cfg     Config
}

// New wires an engine over its collaborators.
func New(s *store.Store, b broker.Client, rm *reserve.Manager, bm *breaker.Manager, rv *risk.Validator, q Quotes, cfg Config) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	return &Engine{store: s, broker: b, reserve: rm, breaker: bm, risk: rv, quotes: q, cfg: cfg}
}

// Submit runs a new order through the full path. Resubmitting the same
// economic order on the same trade date returns the existing order without
// touching the broker.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*schema.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.TradeDate == "" {
		req.TradeDate = idem.TradeDate(time.Now())
	}
	if req.TimeInForce == "" {
		req.TimeInForce = schema.TimeInForceDay
	} else if !req.TimeInForce.Valid() {
		return nil, exception.ErrOrderInvalidRequest
	}

	key := idem.Key(req.Symbol, req.Side, req.Qty, req.LimitPrice, req.StrategyID, req.TradeDate)
	existing, err := e.store.OrderByClientID(ctx, key)
	if err == nil {
		logs.Infof("duplicate submission short-circuited, client_order_id: %s, status: %s", key, existing.Status)
		return existing, exception.ErrOrderDuplicate
	}
	if err != exception.ErrOrderUnknown {
		// A transient read failure is not "no duplicate".
		return nil, err
	}

	order := &schema.Order{
		ClientOrderID: key,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Qty,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		TimeInForce:   req.TimeInForce,
		StrategyID:    req.StrategyID,
		TradeDate:     req.TradeDate,
		Status:        schema.OrderStatusPending,
	}
	if err := e.store.CreateOrder(ctx, order); err != nil {
		if err == exception.ErrOrderDuplicate {
			// Lost a race with a concurrent identical submission.
			existing, loadErr := e.store.OrderByClientID(ctx, key)
			if loadErr != nil {
				return nil, loadErr
			}
			return existing, exception.ErrOrderDuplicate
		}
		return nil, err
	}

	return order, e.run(ctx, order, false)
}

// SubmitScheduled drives an already persisted pending order (a TWAP slice)
// through halt check, reservation, risk and broker submission.
func (e *Engine) SubmitScheduled(ctx context.Context, order *schema.Order) error {
	if order.Status != schema.OrderStatusPending {
		return exception.ErrOrderInvalidTransition
	}
	return e.run(ctx, order, false)
}

// run is the shared submission path. skipChecks bypasses halt and risk
// gates for emergency flatten orders, which only reduce exposure.
func (e *Engine) run(ctx context.Context, order *schema.Order, skipChecks bool) error {
	if !skipChecks {
		if allowed, reason := e.breaker.Allow(order.Symbol); !allowed {
			if err := e.transition(ctx, order, schema.OrderStatusRejected, reason); err != nil {
				return err
			}
			return exception.ErrOrderHalted
		}
	}

	delta := order.Qty.Mul(decimal.NewFromInt(order.Side.Sign()))
	res, err := e.reserve.Reserve(ctx, order.Symbol, delta, order.ClientOrderID)
	if err != nil {
		if rejErr := e.transition(ctx, order, schema.OrderStatusRejected, "reservation conflict"); rejErr != nil {
			return rejErr
		}
		return err
	}

	if !skipChecks {
		refPrice, err := e.quotes.RefPrice(ctx, order.Symbol)
		if err != nil {
			logs.Warnf("no reference price, notional check degraded, symbol: %s, err: %+v", order.Symbol, err)
			refPrice = decimal.Zero
		}
		result := e.risk.Validate(order, risk.Snapshot{Qty: res.PrevQty, RefPrice: refPrice})
		if result.Breached {
			if err := e.reserve.Release(ctx, res.Token); err != nil {
				logs.Errorf("release reservation after risk breach failed, token: %s, err: %+v", res.Token, err)
			}
			if err := e.transition(ctx, order, schema.OrderStatusRejected, breachReason(result)); err != nil {
				return err
			}
			return exception.ErrOrderRiskRejected
		}

		// The halt may have engaged while validation ran.
		if allowed, reason := e.breaker.Allow(order.Symbol); !allowed {
			if err := e.reserve.Release(ctx, res.Token); err != nil {
				logs.Errorf("release reservation after halt failed, token: %s, err: %+v", res.Token, err)
			}
			if err := e.transition(ctx, order, schema.OrderStatusRejected, reason); err != nil {
				return err
			}
			return exception.ErrOrderHalted
		}
	}

	// Persist intent before the broker call so a crash leaves an in-doubt
	// submitted order for recovery, never an untracked broker order.
	now := time.Now().UTC()
	order.SubmittedAt = &now
	if err := e.transition(ctx, order, schema.OrderStatusSubmitted, ""); err != nil {
		return err
	}

	return e.place(ctx, order, res.Token)
}

func (e *Engine) place(ctx context.Context, order *schema.Order, reservationToken string) error {
	req := broker.OrderRequest{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Qty:           order.Qty,
		LimitPrice:    order.LimitPrice,
		StopPrice:     order.StopPrice,
		TimeInForce:   order.TimeInForce,
	}

	for attempt := 0; ; attempt++ {
		ack, err := e.broker.PlaceOrder(ctx, req)
		e.breaker.RecordBrokerResult(ctx, err != nil)
		if err == nil {
			now := time.Now().UTC()
			order.BrokerOrderID = ack.BrokerOrderID
			order.AckedAt = &now
			order.RetryCount = attempt
			next := ack.Status
			if !order.Status.CanTransition(next) {
				next = schema.OrderStatusAcknowledged
			}
			return e.transition(ctx, order, next, "")
		}

		if !broker.IsRetryable(err) {
			if relErr := e.reserve.Release(ctx, reservationToken); relErr != nil {
				logs.Errorf("release reservation after broker reject failed, token: %s, err: %+v", reservationToken, relErr)
			}
			if trErr := e.transition(ctx, order, schema.OrderStatusRejected, broker.Reason(err)); trErr != nil {
				return trErr
			}
			return err
		}

		if attempt+1 >= e.cfg.MaxRetries {
			// The broker may have accepted an attempt whose response was
			// lost. Leave the order submitted for recovery to resolve.
			order.RetryCount = attempt + 1
			if upErr := e.store.UpdateOrder(ctx, order); upErr != nil {
				return upErr
			}
			logs.Warnf("broker retries exhausted, order left in doubt, client_order_id: %s, attempts: %d",
				order.ClientOrderID, attempt+1)
			return exception.ErrOrderRetriesExhausted
		}

		delay := e.backoff(attempt)
		logs.Warnf("retryable broker error, backing off, client_order_id: %s, attempt: %d, delay: %s, err: %v",
			order.ClientOrderID, attempt, delay, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoff doubles the delay per attempt, capped at MaxDelay.
func (e *Engine) backoff(attempt int) time.Duration {
	if attempt < 0 {
		return e.cfg.BaseDelay
	}
	if attempt > 30 {
		return e.cfg.MaxDelay
	}
	delay := e.cfg.BaseDelay * time.Duration(1<<attempt)
	if delay > e.cfg.MaxDelay {
		return e.cfg.MaxDelay
	}
	return delay
}

// Cancel requests cancellation of a live order. Orders not yet at the
// broker cancel locally; broker-side orders stay open until the broker's
// cancellation event confirms.
func (e *Engine) Cancel(ctx context.Context, clientOrderID string) error {
	order, err := e.store.OrderByClientID(ctx, clientOrderID)
	if err != nil {
		return err
	}
	if order.Status.Terminal() {
		return exception.ErrOrderNotCancelable
	}

	if order.BrokerOrderID == "" {
		if err := e.releaseFor(ctx, order.ClientOrderID); err != nil {
			return err
		}
		return e.transition(ctx, order, schema.OrderStatusCanceled, "canceled before submission")
	}

	if err := e.broker.CancelOrder(ctx, order.BrokerOrderID); err != nil {
		return errors.Wrap(err, "cancel broker order").With("client_order_id", clientOrderID)
	}
	logs.Infof("cancel requested, client_order_id: %s, broker_order_id: %s", clientOrderID, order.BrokerOrderID)
	return nil
}

// CancelAll cancels every open order, or only those for one symbol when
// symbol is non-empty. Returns the number of cancel requests issued;
// individual failures are logged and skipped so one stuck order does not
// block the rest.
func (e *Engine) CancelAll(ctx context.Context, symbol string) (int, error) {
	open, err := e.store.OpenOrders(ctx)
	if err != nil {
		return 0, err
	}

	canceled := 0
	for i := range open {
		if symbol != "" && open[i].Symbol != symbol {
			continue
		}
		if err := e.Cancel(ctx, open[i].ClientOrderID); err != nil {
			if err == exception.ErrOrderNotCancelable {
				continue
			}
			logs.Errorf("cancel failed, client_order_id: %s, err: %+v", open[i].ClientOrderID, err)
			continue
		}
		canceled++
	}
	return canceled, nil
}

// FlattenAll engages the kill switch, cancels every open order and submits
// offsetting market orders for every nonzero position. The offsetting
// orders bypass the halt and risk gates since they only reduce exposure.
func (e *Engine) FlattenAll(ctx context.Context, operator, reason string) (int, error) {
	if len(reason) < 10 {
		return 0, exception.ErrOrderInvalidRequest
	}

	if err := e.breaker.Engage(ctx, schema.BreakerScopeGlobal, reason, operator); err != nil && err != exception.ErrBreakerAlreadySet {
		return 0, err
	}

	if _, err := e.CancelAll(ctx, ""); err != nil {
		return 0, err
	}

	positions, err := e.store.ListPositions(ctx)
	if err != nil {
		return 0, err
	}

	submitted := 0
	tradeDate := idem.TradeDate(time.Now())
	for i := range positions {
		p := &positions[i]
		if p.Qty.IsZero() {
			continue
		}
		side := schema.OrderSideSell
		if p.Qty.IsNegative() {
			side = schema.OrderSideBuy
		}

		key := idem.Key(p.Symbol, side, p.Qty.Abs(), decimal.Zero, StrategyFlatten, tradeDate)
		order := &schema.Order{
			ClientOrderID: key,
			Symbol:        p.Symbol,
			Side:          side,
			Type:          schema.OrderTypeMarket,
			Qty:           p.Qty.Abs(),
			TimeInForce:   schema.TimeInForceDay,
			StrategyID:    StrategyFlatten,
			TradeDate:     tradeDate,
			Status:        schema.OrderStatusPending,
		}
		if err := e.store.CreateOrder(ctx, order); err != nil {
			if err == exception.ErrOrderDuplicate {
				continue
			}
			return submitted, err
		}
		if err := e.run(ctx, order, true); err != nil {
			logs.Errorf("flatten order failed, symbol: %s, err: %+v", p.Symbol, err)
			continue
		}
		submitted++
	}
	logs.Warnf("flatten-all complete, operator: %s, offsetting_orders: %d", operator, submitted)
	return submitted, nil
}

// ClosePosition submits a market order offsetting one symbol's net position.
// Unlike flatten orders it runs the normal halt and risk gates; during a
// halt the operator uses FlattenAll instead.
func (e *Engine) ClosePosition(ctx context.Context, symbol, operator string) (*schema.Order, error) {
	if symbol == "" || operator == "" {
		return nil, exception.ErrOrderInvalidRequest
	}
	p, err := e.store.PositionBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if p.Qty.IsZero() {
		return nil, exception.ErrPositionFlat
	}

	side := schema.OrderSideSell
	if p.Qty.IsNegative() {
		side = schema.OrderSideBuy
	}
	tradeDate := idem.TradeDate(time.Now())
	key := idem.Key(symbol, side, p.Qty.Abs(), decimal.Zero, StrategyClose, tradeDate)
	existing, err := e.store.OrderByClientID(ctx, key)
	if err == nil {
		return existing, exception.ErrOrderDuplicate
	}
	if err != exception.ErrOrderUnknown {
		return nil, err
	}

	order := &schema.Order{
		ClientOrderID: key,
		Symbol:        symbol,
		Side:          side,
		Type:          schema.OrderTypeMarket,
		Qty:           p.Qty.Abs(),
		TimeInForce:   schema.TimeInForceDay,
		StrategyID:    StrategyClose,
		TradeDate:     tradeDate,
		Status:        schema.OrderStatusPending,
	}
	if err := e.store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	logs.Infof("manual close, symbol: %s, qty: %s, operator: %s", symbol, p.Qty.String(), operator)
	return order, e.run(ctx, order, false)
}

// AdjustPosition manually overrides a position's net quantity, for
// reconciling against the broker's books. Every override is audited.
func (e *Engine) AdjustPosition(ctx context.Context, symbol string, qty decimal.Decimal, operator, reason string) (*schema.Position, error) {
	if symbol == "" || operator == "" || reason == "" {
		return nil, exception.ErrInvalidArgument
	}
	p, err := e.store.PositionBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	if err := e.store.RecordPositionAdjustment(ctx, &schema.PositionAdjustment{
		Symbol:   symbol,
		PrevQty:  p.Qty,
		NewQty:   qty,
		Operator: operator,
		Reason:   reason,
	}); err != nil {
		return nil, err
	}

	prev := p.Qty
	p.Qty = qty
	if qty.IsZero() {
		p.AvgEntryPrice = decimal.Zero
	}
	if err := e.store.SavePosition(ctx, p); err != nil {
		return nil, err
	}
	logs.Warnf("position adjusted, symbol: %s, prev: %s, new: %s, operator: %s, reason: %s",
		symbol, prev.String(), qty.String(), operator, reason)
	return p, nil
}

func (e *Engine) releaseFor(ctx context.Context, clientOrderID string) error {
	res, err := e.store.ReservationByOrder(ctx, clientOrderID)
	if err != nil {
		if err == exception.ErrReservationUnknown {
			return nil
		}
		return err
	}
	return e.reserve.Release(ctx, res.Token)
}

// transition persists one status change plus its audit row.
func (e *Engine) transition(ctx context.Context, order *schema.Order, next schema.OrderStatus, reason string) error {
	if !order.Status.CanTransition(next) {
		return exception.ErrOrderInvalidTransition
	}

	from := order.Status
	order.Status = next
	if reason != "" {
		order.Reason = reason
	}
	if err := e.store.UpdateOrder(ctx, order); err != nil {
		order.Status = from
		return err
	}
	if err := e.store.AppendOrderTransition(ctx, &schema.OrderTransition{
		ClientOrderID: order.ClientOrderID,
		FromStatus:    from,
		ToStatus:      next,
		Reason:        reason,
	}); err != nil {
		return err
	}
	logs.Infof("order %s: %s -> %s%s", order.ClientOrderID, from, next, reasonSuffix(reason))
	return nil
}

func reasonSuffix(reason string) string {
	if reason == "" {
		return ""
	}
	return ", reason: " + reason
}

func breachReason(result risk.Result) string {
	reason := "risk breach:"
	for _, b := range result.Breaches {
		reason += " " + string(b.Type) + " (limit " + b.Limit.String() + ", actual " + b.Actual.String() + ")"
	}
	return reason
}
