package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"main/internal/schema"
)

// OrderRequest is the submission payload sent to the broker. The client
// order id is the engine's idempotency key; the broker treats it as the
// dedup identity on its side as well.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          schema.OrderSide
	Type          schema.OrderType
	Qty           decimal.Decimal
	LimitPrice    decimal.Decimal
	StopPrice     decimal.Decimal
	TimeInForce   schema.TimeInForce
}

// Ack is the broker's synchronous acknowledgment of a submission.
type Ack struct {
	BrokerOrderID string
	Status        schema.OrderStatus
}

// OrderView is the broker-side view of an order, used for recovery
// queries and orphan scans.
type OrderView struct {
	BrokerOrderID  string
	ClientOrderID  string
	Symbol         string
	Status         schema.OrderStatus
	FilledQty      decimal.Decimal
	FilledAvgPrice decimal.Decimal
}

// Client is the narrow broker surface the engine depends on.
type Client interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (Ack, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	OrderByClientID(ctx context.Context, clientOrderID string) (*OrderView, error)
	ListOpenOrders(ctx context.Context) ([]OrderView, error)
}

// Error is a classified broker failure. Retryable errors (timeouts, rate
// limits, transient 5xx) may be retried with backoff; everything else is
// terminal and carries the broker's reason.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker: %s (code=%s, retryable=%t)", e.Message, e.Code, e.Retryable)
}

// IsRetryable reports whether the error is a classified-retryable broker
// failure. Unclassified errors are not retried.
func IsRetryable(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Retryable
	}
	return false
}

// Reason extracts the broker's reason string for rejection records.
func Reason(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
