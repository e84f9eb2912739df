package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/breaker"
	"main/internal/reserve"
	"main/internal/schema"
	"main/internal/store"
	"main/pkg/conn"
	"main/pkg/exception"
)

type harness struct {
	processor *Processor
	store     *store.Store
	reserve   *reserve.Manager
	breaker   *breaker.Manager
}

func newHarness(t *testing.T, breakerCfg breaker.Config) *harness {
	t.Helper()
	client, err := conn.NewSQLite(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	s, err := store.New(client.DB())
	require.NoError(t, err)

	rm := reserve.NewManager(s, time.Minute)
	bm := breaker.NewManager(s, breakerCfg)
	return &harness{processor: NewProcessor(s, rm, bm), store: s, reserve: rm, breaker: bm}
}

func (h *harness) seedOrder(t *testing.T, qty int64) *schema.Order {
	t.Helper()
	now := time.Now().UTC()
	order := &schema.Order{
		ClientOrderID: "order-key-1",
		BrokerOrderID: "b-1",
		Symbol:        "AAPL",
		Side:          schema.OrderSideBuy,
		Type:          schema.OrderTypeMarket,
		Qty:           decimal.NewFromInt(qty),
		Status:        schema.OrderStatusAcknowledged,
		SubmittedAt:   &now,
		AckedAt:       &now,
	}
	require.NoError(t, h.store.CreateOrder(t.Context(), order))
	return order
}

func encode(t *testing.T, e Event) []byte {
	t.Helper()
	body, err := sonic.ConfigFastest.Marshal(e)
	require.NoError(t, err)
	return body
}

func fillEvent(seq int64, qty, price int64) Event {
	return Event{
		ExecutionID:   "exec-" + strconv.FormatInt(seq, 10),
		EventType:     schema.WebhookEventPartialFill,
		BrokerOrderID: "b-1",
		ClientOrderID: "order-key-1",
		Seq:           seq,
		FillQty:       decimal.NewFromInt(qty),
		FillPrice:     decimal.NewFromInt(price),
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"execution_id":"e1"}`)
	require.NoError(t, VerifySignature("secret", body, signFor("secret", body)))

	assert.ErrorIs(t, VerifySignature("secret", body, "deadbeef"), exception.ErrWebhookBadSignature)
	assert.ErrorIs(t, VerifySignature("wrong", body, signFor("secret", body)), exception.ErrWebhookBadSignature)
}

func signFor(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestPartialThenFullFill(t *testing.T) {
	h := newHarness(t, breaker.Config{})
	h.seedOrder(t, 100)

	require.NoError(t, h.processor.Process(t.Context(), encode(t, fillEvent(1, 40, 150))))

	order, err := h.store.OrderByClientID(t.Context(), "order-key-1")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusPartiallyFilled, order.Status)
	assert.True(t, order.FilledQty.Equal(decimal.NewFromInt(40)))

	event := fillEvent(2, 60, 152)
	event.EventType = schema.WebhookEventFill
	require.NoError(t, h.processor.Process(t.Context(), encode(t, event)))

	order, err = h.store.OrderByClientID(t.Context(), "order-key-1")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusFilled, order.Status)
	assert.True(t, order.FilledQty.Equal(decimal.NewFromInt(100)))
	// Weighted average: (40*150 + 60*152) / 100 = 151.2
	assert.True(t, order.FilledAvgPrice.Equal(decimal.RequireFromString("151.2")))

	position, err := h.store.PositionBySymbol(t.Context(), "AAPL")
	require.NoError(t, err)
	assert.True(t, position.Qty.Equal(decimal.NewFromInt(100)))
}

func TestDuplicateExecutionAppliesOnce(t *testing.T) {
	h := newHarness(t, breaker.Config{})
	h.seedOrder(t, 100)

	event := encode(t, fillEvent(1, 40, 150))
	require.NoError(t, h.processor.Process(t.Context(), event))
	assert.ErrorIs(t, h.processor.Process(t.Context(), event), exception.ErrWebhookDuplicateExec)

	order, err := h.store.OrderByClientID(t.Context(), "order-key-1")
	require.NoError(t, err)
	assert.True(t, order.FilledQty.Equal(decimal.NewFromInt(40)), "replay must not double count")

	position, err := h.store.PositionBySymbol(t.Context(), "AAPL")
	require.NoError(t, err)
	assert.True(t, position.Qty.Equal(decimal.NewFromInt(40)))
}

func TestFailedApplyRetriesOnRedelivery(t *testing.T) {
	h := newHarness(t, breaker.Config{})
	h.seedOrder(t, 100)
	body := encode(t, fillEvent(1, 100, 150))

	// Hide the positions table so the apply fails after the execution id
	// was claimed. The claim must roll back with it.
	require.NoError(t, h.store.DB().Exec("ALTER TABLE positions RENAME TO positions_hidden").Error)
	err := h.processor.Process(t.Context(), body)
	require.Error(t, err)
	require.NotErrorIs(t, err, exception.ErrWebhookDuplicateExec)
	require.NoError(t, h.store.DB().Exec("ALTER TABLE positions_hidden RENAME TO positions").Error)

	// Redelivery applies the fill instead of absorbing it as a duplicate.
	require.NoError(t, h.processor.Process(t.Context(), body))

	order, err := h.store.OrderByClientID(t.Context(), "order-key-1")
	require.NoError(t, err)
	assert.True(t, order.FilledQty.Equal(decimal.NewFromInt(100)))

	position, err := h.store.PositionBySymbol(t.Context(), "AAPL")
	require.NoError(t, err)
	assert.True(t, position.Qty.Equal(decimal.NewFromInt(100)))
}

func TestStaleEventSkipped(t *testing.T) {
	h := newHarness(t, breaker.Config{})
	h.seedOrder(t, 100)

	require.NoError(t, h.processor.Process(t.Context(), encode(t, fillEvent(5, 40, 150))))
	assert.ErrorIs(t, h.processor.Process(t.Context(), encode(t, fillEvent(3, 10, 150))), exception.ErrWebhookStaleEvent)

	order, err := h.store.OrderByClientID(t.Context(), "order-key-1")
	require.NoError(t, err)
	assert.True(t, order.FilledQty.Equal(decimal.NewFromInt(40)))
	assert.Equal(t, int64(5), order.LastExecSeq)
}

func TestOrphanEventRecorded(t *testing.T) {
	h := newHarness(t, breaker.Config{})

	event := Event{
		ExecutionID:   "exec-1",
		EventType:     schema.WebhookEventFill,
		BrokerOrderID: "b-unknown",
		Seq:           1,
		FillQty:       decimal.NewFromInt(10),
		FillPrice:     decimal.NewFromInt(100),
	}
	assert.ErrorIs(t, h.processor.Process(t.Context(), encode(t, event)), exception.ErrWebhookOrphanOrder)

	orphans, err := h.store.ListOrphans(t.Context())
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "b-unknown", orphans[0].BrokerOrderID)
	assert.Equal(t, "webhook", orphans[0].Source)
}

func TestCanceledEventReleasesReservation(t *testing.T) {
	h := newHarness(t, breaker.Config{})
	h.seedOrder(t, 100)

	_, err := h.reserve.Reserve(t.Context(), "AAPL", decimal.NewFromInt(100), "order-key-1")
	require.NoError(t, err)

	event := Event{
		ExecutionID:   "exec-1",
		EventType:     schema.WebhookEventCanceled,
		BrokerOrderID: "b-1",
		ClientOrderID: "order-key-1",
		Seq:           1,
		Reason:        "user requested",
	}
	require.NoError(t, h.processor.Process(t.Context(), encode(t, event)))

	order, err := h.store.OrderByClientID(t.Context(), "order-key-1")
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusCanceled, order.Status)

	active, err := h.store.AllActiveReservations(t.Context())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestFullFillCommitsReservation(t *testing.T) {
	h := newHarness(t, breaker.Config{})
	h.seedOrder(t, 100)

	res, err := h.reserve.Reserve(t.Context(), "AAPL", decimal.NewFromInt(100), "order-key-1")
	require.NoError(t, err)

	event := fillEvent(1, 100, 150)
	event.EventType = schema.WebhookEventFill
	require.NoError(t, h.processor.Process(t.Context(), encode(t, event)))

	loaded, err := h.store.ReservationByToken(t.Context(), res.Token)
	require.NoError(t, err)
	assert.Equal(t, schema.ReservationStatusCommitted, loaded.Status)
	assert.True(t, loaded.Delta.Equal(decimal.NewFromInt(100)))
}

func TestRealizedLossFeedsDrawdownTrip(t *testing.T) {
	h := newHarness(t, breaker.Config{MaxDrawdown: decimal.NewFromInt(400)})

	// Long 100 @ 150, then sell 100 @ 145: realized -500 past the bound.
	position := &schema.Position{Symbol: "AAPL", Qty: decimal.NewFromInt(100), AvgEntryPrice: decimal.NewFromInt(150)}
	require.NoError(t, h.store.SavePosition(t.Context(), position))

	now := time.Now().UTC()
	sell := &schema.Order{
		ClientOrderID: "order-key-1",
		BrokerOrderID: "b-1",
		Symbol:        "AAPL",
		Side:          schema.OrderSideSell,
		Type:          schema.OrderTypeMarket,
		Qty:           decimal.NewFromInt(100),
		Status:        schema.OrderStatusAcknowledged,
		SubmittedAt:   &now,
	}
	require.NoError(t, h.store.CreateOrder(t.Context(), sell))

	event := fillEvent(1, 100, 145)
	event.EventType = schema.WebhookEventFill
	require.NoError(t, h.processor.Process(t.Context(), encode(t, event)))

	allowed, _ := h.breaker.Allow("AAPL")
	assert.False(t, allowed, "realized loss beyond the drawdown bound must trip the kill switch")
}

func TestMalformedAndInvalidEvents(t *testing.T) {
	h := newHarness(t, breaker.Config{})

	assert.ErrorIs(t, h.processor.Process(t.Context(), []byte("{not json")), exception.ErrWebhookMalformed)

	missing := Event{EventType: schema.WebhookEventFill, BrokerOrderID: "b-1", Seq: 1}
	assert.ErrorIs(t, h.processor.Process(t.Context(), encode(t, missing)), exception.ErrWebhookMissingField)

	unknown := Event{ExecutionID: "e1", EventType: "split", BrokerOrderID: "b-1", Seq: 1}
	assert.ErrorIs(t, h.processor.Process(t.Context(), encode(t, unknown)), exception.ErrWebhookUnknownType)

	noQty := Event{ExecutionID: "e1", EventType: schema.WebhookEventFill, BrokerOrderID: "b-1", Seq: 1}
	assert.ErrorIs(t, h.processor.Process(t.Context(), encode(t, noQty)), exception.ErrWebhookMissingField)
}
