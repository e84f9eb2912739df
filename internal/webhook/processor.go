package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/breaker"
	"main/internal/reserve"
	"main/internal/schema"
	"main/internal/store"
	"main/pkg/exception"
)

// Event is one broker execution report. Delivery is at-least-once and
// unordered; ExecutionID dedups, Seq orders.
type Event struct {
	ExecutionID   string                  `json:"execution_id"`
	EventType     schema.WebhookEventType `json:"event_type"`
	BrokerOrderID string                  `json:"broker_order_id"`
	ClientOrderID string                  `json:"client_order_id,omitempty"`
	Seq           int64                   `json:"seq"`
	FillQty       decimal.Decimal         `json:"fill_qty,omitempty"`
	FillPrice     decimal.Decimal         `json:"fill_price,omitempty"`
	Reason        string                  `json:"reason,omitempty"`
	Timestamp     time.Time               `json:"timestamp,omitempty"`
}

func (e *Event) validate() error {
	if e.ExecutionID == "" || e.BrokerOrderID == "" || e.Seq <= 0 {
		return exception.ErrWebhookMissingField
	}
	if !e.EventType.Valid() {
		return exception.ErrWebhookUnknownType
	}
	switch e.EventType {
	case schema.WebhookEventFill, schema.WebhookEventPartialFill:
		if !e.FillQty.IsPositive() || !e.FillPrice.IsPositive() {
			return exception.ErrWebhookMissingField
		}
	}
	return nil
}

// VerifySignature checks the hex HMAC-SHA256 of the raw body in constant
// time.
func VerifySignature(secret string, body []byte, signature string) error {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return exception.ErrWebhookBadSignature
	}
	return nil
}

// Processor folds broker execution reports into local order, position and
// reservation state. Every apply is idempotent: replays and stale events
// are absorbed without double counting.
type Processor struct {
	store   *store.Store
	reserve *reserve.Manager
	breaker *breaker.Manager
}

// NewProcessor wires a webhook processor.
func NewProcessor(s *store.Store, rm *reserve.Manager, bm *breaker.Manager) *Processor {
	return &Processor{store: s, reserve: rm, breaker: bm}
}

// Process decodes and applies one raw event body. Duplicate, stale and
// orphan events return their sentinel so the transport can acknowledge
// without the broker redelivering forever.
//
// The execution-id claim and the apply commit or roll back as one
// transaction: a failed apply releases the claim, so the broker's
// redelivery retries the event instead of absorbing it as a duplicate of
// a fill that never landed.
func (p *Processor) Process(ctx context.Context, body []byte) error {
	var event Event
	if err := sonic.ConfigFastest.Unmarshal(body, &event); err != nil {
		return exception.ErrWebhookMalformed
	}
	if err := event.validate(); err != nil {
		return err
	}

	var outcome error
	realized := decimal.Zero
	err := p.store.Transaction(ctx, func(tx *store.Store) error {
		if err := tx.InsertProcessedExecution(ctx, &schema.ProcessedExecution{
			ExecutionID:   event.ExecutionID,
			BrokerOrderID: event.BrokerOrderID,
			EventType:     string(event.EventType),
		}); err != nil {
			return err
		}

		order, err := p.locateOrder(ctx, tx, &event)
		if err != nil {
			if err == exception.ErrOrderUnknown {
				// The orphan row commits together with the claim.
				outcome = exception.ErrWebhookOrphanOrder
				return p.recordOrphan(ctx, tx, &event, body)
			}
			return err
		}

		if event.Seq <= order.LastExecSeq {
			logs.Warnf("stale event skipped, execution_id: %s, seq: %d, applied_seq: %d",
				event.ExecutionID, event.Seq, order.LastExecSeq)
			outcome = exception.ErrWebhookStaleEvent
			return nil
		}

		pnl, err := p.apply(ctx, tx, order, &event)
		if err != nil {
			return err
		}
		realized = pnl

		order.LastExecSeq = event.Seq
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		if err == exception.ErrWebhookDuplicateExec {
			logs.Infof("duplicate execution absorbed, execution_id: %s", event.ExecutionID)
		}
		return err
	}

	// Drawdown counts only after the fill is durably applied; recording it
	// inside the transaction would double-count P&L when a rolled-back
	// event is redelivered.
	if !realized.IsZero() {
		p.breaker.RecordRealizedPnL(ctx, realized)
	}
	return outcome
}

func (p *Processor) locateOrder(ctx context.Context, tx *store.Store, event *Event) (*schema.Order, error) {
	if event.ClientOrderID != "" {
		if order, err := tx.OrderByClientID(ctx, event.ClientOrderID); err == nil {
			return order, nil
		} else if err != exception.ErrOrderUnknown {
			return nil, err
		}
	}
	return tx.OrderByBrokerID(ctx, event.BrokerOrderID)
}

func (p *Processor) recordOrphan(ctx context.Context, tx *store.Store, event *Event, body []byte) error {
	if err := tx.RecordOrphan(ctx, &schema.OrphanOrder{
		BrokerOrderID: event.BrokerOrderID,
		Source:        "webhook",
		Payload:       string(body),
		DetectedAt:    time.Now().UTC(),
	}); err != nil {
		return err
	}
	logs.Errorf("orphan broker order recorded, broker_order_id: %s, execution_id: %s",
		event.BrokerOrderID, event.ExecutionID)
	return nil
}

// apply folds one event into order, position and reservation state and
// returns the realized P&L of a fill, zero otherwise.
func (p *Processor) apply(ctx context.Context, tx *store.Store, order *schema.Order, event *Event) (decimal.Decimal, error) {
	switch event.EventType {
	case schema.WebhookEventNew:
		if order.BrokerOrderID == "" {
			order.BrokerOrderID = event.BrokerOrderID
		}
		if order.AckedAt == nil {
			now := time.Now().UTC()
			order.AckedAt = &now
		}
		return decimal.Zero, p.transition(ctx, tx, order, schema.OrderStatusAcknowledged, "")

	case schema.WebhookEventFill, schema.WebhookEventPartialFill:
		return p.applyFill(ctx, tx, order, event)

	case schema.WebhookEventCanceled:
		if err := p.releaseReservation(ctx, tx, order); err != nil {
			return decimal.Zero, err
		}
		return decimal.Zero, p.transition(ctx, tx, order, schema.OrderStatusCanceled, event.Reason)

	case schema.WebhookEventRejected:
		if err := p.releaseReservation(ctx, tx, order); err != nil {
			return decimal.Zero, err
		}
		return decimal.Zero, p.transition(ctx, tx, order, schema.OrderStatusRejected, event.Reason)

	case schema.WebhookEventExpired:
		if err := p.releaseReservation(ctx, tx, order); err != nil {
			return decimal.Zero, err
		}
		return decimal.Zero, p.transition(ctx, tx, order, schema.OrderStatusExpired, event.Reason)
	}
	return decimal.Zero, exception.ErrWebhookUnknownType
}

func (p *Processor) applyFill(ctx context.Context, tx *store.Store, order *schema.Order, event *Event) (decimal.Decimal, error) {
	// Fold this execution into the cumulative fill.
	prevFilled := order.FilledQty
	newFilled := prevFilled.Add(event.FillQty)
	if prevFilled.IsZero() {
		order.FilledAvgPrice = event.FillPrice
	} else {
		total := prevFilled.Mul(order.FilledAvgPrice).Add(event.FillQty.Mul(event.FillPrice))
		order.FilledAvgPrice = total.Div(newFilled)
	}
	order.FilledQty = newFilled

	position, err := tx.PositionBySymbol(ctx, order.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	at := event.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	realized := position.ApplyFill(order.Side, event.FillQty, event.FillPrice, at)
	if err := tx.SavePosition(ctx, position); err != nil {
		return decimal.Zero, err
	}

	next := schema.OrderStatusPartiallyFilled
	if order.FilledQty.GreaterThanOrEqual(order.Qty) {
		next = schema.OrderStatusFilled
		signed := order.FilledQty.Mul(decimal.NewFromInt(order.Side.Sign()))
		if err := p.commitReservation(ctx, tx, order, signed); err != nil {
			return decimal.Zero, err
		}
	}
	return realized, p.transition(ctx, tx, order, next, "")
}

func (p *Processor) commitReservation(ctx context.Context, tx *store.Store, order *schema.Order, actualDelta decimal.Decimal) error {
	res, err := tx.ReservationByOrder(ctx, order.ClientOrderID)
	if err != nil {
		if err == exception.ErrReservationUnknown {
			return nil
		}
		return err
	}
	if err := p.reserve.CommitIn(ctx, tx, res.Token, actualDelta); err != nil {
		return errors.Wrap(err, "commit reservation").With("token", res.Token)
	}
	return nil
}

func (p *Processor) releaseReservation(ctx context.Context, tx *store.Store, order *schema.Order) error {
	res, err := tx.ReservationByOrder(ctx, order.ClientOrderID)
	if err != nil {
		if err == exception.ErrReservationUnknown {
			return nil
		}
		return err
	}
	if err := p.reserve.ReleaseIn(ctx, tx, res.Token); err != nil {
		return errors.Wrap(err, "release reservation").With("token", res.Token)
	}
	return nil
}

func (p *Processor) transition(ctx context.Context, tx *store.Store, order *schema.Order, next schema.OrderStatus, reason string) error {
	if order.Status == next {
		return nil
	}
	if !order.Status.CanTransition(next) {
		// Events can arrive after the local state already advanced past
		// them (an ack trailing a fill). Absorb rather than fail.
		logs.Warnf("event transition absorbed, client_order_id: %s, status: %s, event_status: %s",
			order.ClientOrderID, order.Status, next)
		return nil
	}

	from := order.Status
	order.Status = next
	if reason != "" {
		order.Reason = reason
	}
	if err := tx.UpdateOrder(ctx, order); err != nil {
		order.Status = from
		return err
	}
	if err := tx.AppendOrderTransition(ctx, &schema.OrderTransition{
		ClientOrderID: order.ClientOrderID,
		FromStatus:    from,
		ToStatus:      next,
		Reason:        reason,
	}); err != nil {
		return err
	}
	logs.Infof("order %s: %s -> %s (broker event)", order.ClientOrderID, from, next)
	return nil
}
