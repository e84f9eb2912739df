package broker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"

	"main/internal/schema"
	"main/pkg/exception"
)

const requestTimeout = 15 * time.Second

// RestConfig configures the broker REST client.
type RestConfig struct {
	BaseURL string
	Key     string
	Secret  string
}

// Rest talks to the broker's order API over HTTPS. Requests are signed
// with an HMAC-SHA256 over the raw body.
type Rest struct {
	cfg    RestConfig
	client *http.Client
}

// NewRest creates a broker REST client.
func NewRest(cfg RestConfig, client *http.Client) *Rest {
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	return &Rest{cfg: cfg, client: client}
}

type response[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type orderPayload struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Qty           string `json:"qty"`
	LimitPrice    string `json:"limit_price,omitempty"`
	StopPrice     string `json:"stop_price,omitempty"`
	TimeInForce   string `json:"time_in_force"`
}

type orderData struct {
	OrderID        string `json:"order_id"`
	ClientOrderID  string `json:"client_order_id"`
	Symbol         string `json:"symbol"`
	Status         string `json:"status"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
}

// PlaceOrder submits an order. The broker dedups by client order id, so
// resubmitting the same request is safe.
func (r *Rest) PlaceOrder(ctx context.Context, req OrderRequest) (Ack, error) {
	payload := orderPayload{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Type:          string(req.Type),
		Qty:           req.Qty.String(),
		TimeInForce:   string(req.TimeInForce),
	}
	if !req.LimitPrice.IsZero() {
		payload.LimitPrice = req.LimitPrice.String()
	}
	if !req.StopPrice.IsZero() {
		payload.StopPrice = req.StopPrice.String()
	}

	var data orderData
	if err := r.do(ctx, http.MethodPost, "/v1/orders", payload, &data); err != nil {
		return Ack{}, err
	}
	if data.OrderID == "" {
		return Ack{}, exception.ErrBrokerEmptyOrderID
	}
	return Ack{BrokerOrderID: data.OrderID, Status: mapStatus(data.Status)}, nil
}

// CancelOrder cancels a broker-acknowledged order.
func (r *Rest) CancelOrder(ctx context.Context, brokerOrderID string) error {
	return r.do(ctx, http.MethodDelete, "/v1/orders/"+brokerOrderID, nil, nil)
}

// OrderByClientID looks up an order by its idempotency key. Used during
// recovery to resolve in-doubt submissions without resubmitting blindly.
func (r *Rest) OrderByClientID(ctx context.Context, clientOrderID string) (*OrderView, error) {
	var data orderData
	err := r.do(ctx, http.MethodGet, "/v1/orders:by-client-id/"+clientOrderID, nil, &data)
	if err != nil {
		return nil, err
	}
	if data.OrderID == "" {
		return nil, exception.ErrBrokerOrderUnknown
	}
	view := toView(data)
	return &view, nil
}

// ListOpenOrders returns every live broker-side order for orphan scans.
func (r *Rest) ListOpenOrders(ctx context.Context) ([]OrderView, error) {
	var data []orderData
	if err := r.do(ctx, http.MethodGet, "/v1/orders/open", nil, &data); err != nil {
		return nil, err
	}
	out := make([]OrderView, 0, len(data))
	for _, d := range data {
		out = append(out, toView(d))
	}
	return out, nil
}

func (r *Rest) do(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		encoded, err := sonic.ConfigFastest.Marshal(payload)
		if err != nil {
			return err
		}
		body = encoded
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", r.cfg.Key)
	req.Header.Set("X-Api-Signature", sign(r.cfg.Secret, body))

	resp, err := r.client.Do(req)
	if err != nil {
		// Network failures and timeouts are transient by classification.
		return &Error{Code: "network", Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return classify(resp)
	}
	if out == nil {
		return nil
	}
	if err := sonic.ConfigFastest.NewDecoder(resp.Body).Decode(&struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    any    `json:"data"`
	}{Data: out}); err != nil {
		return exception.ErrBrokerDecodeBody
	}
	return nil
}

func classify(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := http.StatusText(resp.StatusCode)

	var envelope response[struct{}]
	if err := sonic.ConfigFastest.Unmarshal(raw, &envelope); err == nil && envelope.Message != "" {
		message = envelope.Message
	}

	retryable := resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode >= 500
	return &Error{
		Code:      strconv.Itoa(resp.StatusCode),
		Message:   message,
		Retryable: retryable,
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func toView(d orderData) OrderView {
	view := OrderView{
		BrokerOrderID: d.OrderID,
		ClientOrderID: d.ClientOrderID,
		Symbol:        d.Symbol,
		Status:        mapStatus(d.Status),
	}
	view.FilledQty = parseDecimal(d.FilledQty)
	view.FilledAvgPrice = parseDecimal(d.FilledAvgPrice)
	return view
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func mapStatus(s string) schema.OrderStatus {
	switch s {
	case "new", "accepted":
		return schema.OrderStatusAcknowledged
	case "partially_filled":
		return schema.OrderStatusPartiallyFilled
	case "filled":
		return schema.OrderStatusFilled
	case "canceled":
		return schema.OrderStatusCanceled
	case "rejected":
		return schema.OrderStatusRejected
	case "expired":
		return schema.OrderStatusExpired
	default:
		return schema.OrderStatusSubmitted
	}
}
