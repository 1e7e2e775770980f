package payment

import (
	"encoding/json"
	"time"
)

const (
	EventPaymentFulfilled = "PaymentFulfilled"
	EventPaymentDonation  = "PaymentDonation"
	EventPaymentExpired   = "PaymentExpired"
)

func EventTypeFor(s Status) string {
	switch s {
	case StatusFulfilled:
		return EventPaymentFulfilled
	case StatusDonation:
		return EventPaymentDonation
	default:
		return EventPaymentExpired
	}
}

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // one of the consts above
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g., "vietqr-bridge"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

// PaymentSettledPayload is published on every terminal transition so the
// upstream app can be notified; the durable truth stays in the store.
type PaymentSettledPayload struct {
	OrderID        int64  `json:"order_id"`
	Status         Status `json:"status"`
	ExpectedAmount int64  `json:"expected_amount"`
	ObservedAmount *int64 `json:"observed_amount,omitempty"`
	TxRef          string `json:"tx_ref,omitempty"`
	Purpose        string `json:"purpose"`
	ReturnURL      string `json:"return_url,omitempty"`
}
