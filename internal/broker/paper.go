package broker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"main/internal/schema"
	"main/pkg/exception"
)

// Paper is an in-memory broker for local runs and tests. It acknowledges
// every order immediately and dedups by client order id like the real one.
type Paper struct {
	mu     sync.Mutex
	nextID int
	orders map[string]*OrderView // keyed by client order id

	// PlaceCalls counts real submission attempts, including rejected ones.
	PlaceCalls int

	// Latency delays each placement, simulating a real broker round trip.
	Latency time.Duration

	failRemaining int
	failErr       error
}

// NewPaper creates an empty paper broker.
func NewPaper() *Paper {
	return &Paper{orders: make(map[string]*OrderView)}
}

// FailNext makes the next n placements fail with the given error.
func (p *Paper) FailNext(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failRemaining = n
	p.failErr = err
}

// Seed registers a broker-side order directly, bypassing PlaceOrder.
// Used to simulate orders created during an engine downtime window.
func (p *Paper) Seed(view OrderView) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := view.ClientOrderID
	if key == "" {
		key = view.BrokerOrderID
	}
	cp := view
	p.orders[key] = &cp
}

// PlaceOrder acknowledges the order, deduplicating by client order id.
func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (Ack, error) {
	if p.Latency > 0 {
		select {
		case <-ctx.Done():
			return Ack{}, ctx.Err()
		case <-time.After(p.Latency):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.PlaceCalls++
	if p.failRemaining > 0 {
		p.failRemaining--
		return Ack{}, p.failErr
	}

	if existing, ok := p.orders[req.ClientOrderID]; ok {
		return Ack{BrokerOrderID: existing.BrokerOrderID, Status: existing.Status}, nil
	}

	p.nextID++
	view := &OrderView{
		BrokerOrderID: "paper-" + strconv.Itoa(p.nextID),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Status:        schema.OrderStatusAcknowledged,
	}
	p.orders[req.ClientOrderID] = view
	return Ack{BrokerOrderID: view.BrokerOrderID, Status: view.Status}, nil
}

// CancelOrder cancels a live paper order.
func (p *Paper) CancelOrder(_ context.Context, brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, view := range p.orders {
		if view.BrokerOrderID == brokerOrderID {
			if view.Status.Terminal() {
				return &Error{Code: "409", Message: "order already terminal", Retryable: false}
			}
			view.Status = schema.OrderStatusCanceled
			return nil
		}
	}
	return exception.ErrBrokerOrderUnknown
}

// OrderByClientID returns the paper order for an idempotency key.
func (p *Paper) OrderByClientID(_ context.Context, clientOrderID string) (*OrderView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	view, ok := p.orders[clientOrderID]
	if !ok {
		return nil, exception.ErrBrokerOrderUnknown
	}
	cp := *view
	return &cp, nil
}

// ListOpenOrders returns every non-terminal paper order.
func (p *Paper) ListOpenOrders(_ context.Context) ([]OrderView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []OrderView
	for _, view := range p.orders {
		if !view.Status.Terminal() {
			out = append(out, *view)
		}
	}
	return out, nil
}
