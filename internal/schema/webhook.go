package schema

import "time"

// WebhookEventType enumerates broker event kinds accepted by reconciliation.
type WebhookEventType string

const (
	WebhookEventNew         WebhookEventType = "new"
	WebhookEventFill        WebhookEventType = "fill"
	WebhookEventPartialFill WebhookEventType = "partial_fill"
	WebhookEventCanceled    WebhookEventType = "canceled"
	WebhookEventRejected    WebhookEventType = "rejected"
	WebhookEventExpired     WebhookEventType = "expired"
)

// Valid reports whether the event type is known.
func (t WebhookEventType) Valid() bool {
	switch t {
	case WebhookEventNew, WebhookEventFill, WebhookEventPartialFill,
		WebhookEventCanceled, WebhookEventRejected, WebhookEventExpired:
		return true
	default:
		return false
	}
}

// ProcessedExecution dedups broker events by execution identifier.
type ProcessedExecution struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ExecutionID   string    `gorm:"uniqueIndex;size:64" json:"execution_id"`
	BrokerOrderID string    `gorm:"index;size:64" json:"broker_order_id"`
	EventType     string    `gorm:"size:16" json:"event_type"`
	CreatedAt     time.Time `json:"created_at"`
}

// OrphanOrder records a broker order with no matching local record.
// Kept for operator review, never auto-resolved.
type OrphanOrder struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	BrokerOrderID string    `gorm:"uniqueIndex;size:64" json:"broker_order_id"`
	Source        string    `gorm:"size:32" json:"source"`
	Payload       string    `gorm:"type:text" json:"payload,omitempty"`
	DetectedAt    time.Time `json:"detected_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// ReservationDiscrepancy records a reservation that expired uncommitted.
type ReservationDiscrepancy struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Token     string    `gorm:"index;size:36" json:"token"`
	Symbol    string    `gorm:"size:16" json:"symbol"`
	Detail    string    `gorm:"size:255" json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}
