package contracts

import (
	"encoding/json"
	"time"
)

// LifecycleEvent is the envelope exported to the integration exchange.
type LifecycleEvent struct {
	EventID    string          `json:"event_id"`
	Topic      string          `json:"topic"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// PaymentNotification is a gateway payment callback, delivered either to the
// webhook endpoint or through the notification queue.
type PaymentNotification struct {
	ExternalReference string `json:"external_reference"`
	Status            string `json:"status"`
}

// DepositWebhook is the body the gateway posts to the deposit webhook.
type DepositWebhook struct {
	Status string `json:"status"`
	Data   struct {
		ReffID string `json:"reff_id"`
		ID     string `json:"id"`
	} `json:"data"`
}

// Notification flattens the webhook body. The merchant reference wins over
// the gateway's own id.
func (w DepositWebhook) Notification() PaymentNotification {
	ref := w.Data.ReffID
	if ref == "" {
		ref = w.Data.ID
	}
	return PaymentNotification{ExternalReference: ref, Status: w.Status}
}
