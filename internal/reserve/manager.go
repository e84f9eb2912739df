package reserve

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/schema"
	"main/pkg/exception"
)

const defaultTTL = 30 * time.Second

// Store is the persistence surface the reservation manager needs.
type Store interface {
	CreateReservation(ctx context.Context, r *schema.PositionReservation) error
	UpdateReservation(ctx context.Context, r *schema.PositionReservation) error
	ReservationByToken(ctx context.Context, token string) (*schema.PositionReservation, error)
	ActiveReservations(ctx context.Context, symbol string) ([]schema.PositionReservation, error)
	AllActiveReservations(ctx context.Context) ([]schema.PositionReservation, error)
	PositionQty(ctx context.Context, symbol string) (decimal.Decimal, error)
	RecordReservationDiscrepancy(ctx context.Context, d *schema.ReservationDiscrepancy) error
}

// Manager serializes position reservations per symbol. All reservation
// requests for the same symbol are strictly ordered, so a validator never
// sees a position snapshot missing an earlier reservation's delta.
type Manager struct {
	store Store
	ttl   time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a reservation manager with the given expiry bound.
func NewManager(store Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Manager{
		store: store,
		ttl:   ttl,
		locks: make(map[string]*sync.Mutex),
	}
}

// Reserve claims a position delta for the order. The returned reservation's
// PrevQty already includes every earlier active reservation on the symbol.
// A second active reservation for the same client order is a conflict.
func (m *Manager) Reserve(ctx context.Context, symbol string, delta decimal.Decimal, clientOrderID string) (*schema.PositionReservation, error) {
	lock := m.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	active, err := m.store.ActiveReservations(ctx, symbol)
	if err != nil {
		return nil, errors.Wrap(err, "list active reservations")
	}

	reserved := decimal.Zero
	for i := range active {
		if clientOrderID != "" && active[i].ClientOrderID == clientOrderID {
			return nil, exception.ErrReservationConflict
		}
		reserved = reserved.Add(active[i].Delta)
	}

	positionQty, err := m.store.PositionQty(ctx, symbol)
	if err != nil {
		return nil, errors.Wrap(err, "load position")
	}

	prev := positionQty.Add(reserved)
	r := &schema.PositionReservation{
		Token:         uuid.NewString(),
		Symbol:        symbol,
		ClientOrderID: clientOrderID,
		Delta:         delta,
		PrevQty:       prev,
		NewQty:        prev.Add(delta),
		Status:        schema.ReservationStatusActive,
		ExpiresAt:     time.Now().UTC().Add(m.ttl),
	}
	if err := m.store.CreateReservation(ctx, r); err != nil {
		return nil, errors.Wrap(err, "create reservation")
	}
	return r, nil
}

// Commit finalizes a reservation with the actually executed delta.
func (m *Manager) Commit(ctx context.Context, token string, actualDelta decimal.Decimal) error {
	return m.close(ctx, m.store, token, schema.ReservationStatusCommitted, &actualDelta)
}

// CommitIn is Commit against the caller's transactional store, so the
// reservation closes atomically with the caller's other writes.
func (m *Manager) CommitIn(ctx context.Context, st Store, token string, actualDelta decimal.Decimal) error {
	return m.close(ctx, st, token, schema.ReservationStatusCommitted, &actualDelta)
}

// Release drops an active reservation without committing it.
func (m *Manager) Release(ctx context.Context, token string) error {
	return m.close(ctx, m.store, token, schema.ReservationStatusReleased, nil)
}

// ReleaseIn is Release against the caller's transactional store.
func (m *Manager) ReleaseIn(ctx context.Context, st Store, token string) error {
	return m.close(ctx, st, token, schema.ReservationStatusReleased, nil)
}

func (m *Manager) close(ctx context.Context, st Store, token string, status schema.ReservationStatus, actualDelta *decimal.Decimal) error {
	r, err := st.ReservationByToken(ctx, token)
	if err != nil {
		return exception.ErrReservationUnknown
	}

	lock := m.symbolLock(r.Symbol)
	lock.Lock()
	defer lock.Unlock()

	if r.Status != schema.ReservationStatusActive {
		return exception.ErrReservationClosed
	}
	if actualDelta != nil {
		r.Delta = *actualDelta
		r.NewQty = r.PrevQty.Add(*actualDelta)
	}
	r.Status = status
	return st.UpdateReservation(ctx, r)
}

// SweepExpired releases every active reservation past its bound, recording
// each as a reconciliation discrepancy. Returns the number expired.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	active, err := m.store.AllActiveReservations(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list active reservations")
	}

	expired := 0
	for i := range active {
		r := &active[i]
		if !r.Expired(now) {
			continue
		}

		lock := m.symbolLock(r.Symbol)
		lock.Lock()
		r.Status = schema.ReservationStatusExpired
		err := m.store.UpdateReservation(ctx, r)
		lock.Unlock()
		if err != nil {
			return expired, errors.Wrap(err, "expire reservation").With("token", r.Token)
		}

		if err := m.store.RecordReservationDiscrepancy(ctx, &schema.ReservationDiscrepancy{
			Token:  r.Token,
			Symbol: r.Symbol,
			Detail: "reservation expired uncommitted for order " + r.ClientOrderID,
		}); err != nil {
			return expired, errors.Wrap(err, "record discrepancy").With("token", r.Token)
		}

		logs.Warnf("reservation expired uncommitted, token: %s, symbol: %s, delta: %s",
			r.Token, r.Symbol, r.Delta.String())
		expired++
	}
	return expired, nil
}

// RunSweeper expires stale reservations on an interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepExpired(ctx, time.Now().UTC()); err != nil {
				logs.Errorf("reservation sweep failed, err: %+v", err)
			}
		}
	}
}

func (m *Manager) symbolLock(symbol string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[symbol] = lock
	}
	return lock
}
