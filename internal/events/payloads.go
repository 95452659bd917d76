package events

import "time"

// Reason says why an order event was published.
type Reason string

const (
	ReasonCreated     Reason = "created"
	ReasonPaid        Reason = "paid"
	ReasonFailed      Reason = "failed"
	ReasonFulfillment Reason = "fulfillment"
	ReasonExpired     Reason = "expired"
	ReasonCanceled    Reason = "canceled"
	// ReasonSweep marks the single dashboard refresh published after an
	// expiration batch. It carries no order.
	ReasonSweep Reason = "sweep"
)

// OrderEvent is a snapshot of an order taken right after the transition.
type OrderEvent struct {
	Reason         Reason    `json:"reason"`
	OrderID        string    `json:"order_id,omitempty"`
	InvoiceToken   string    `json:"invoice_token,omitempty"`
	ChannelAddress string    `json:"channel_address,omitempty"`
	ProductName    string    `json:"product_name,omitempty"`
	TierLabel      string    `json:"tier_label,omitempty"`
	GrossAmount    int64     `json:"gross_amount,omitempty"`
	PayStatus      string    `json:"pay_status,omitempty"`
	FulfillStatus  string    `json:"fulfill_status,omitempty"`
	Note           string    `json:"note,omitempty"`
	Deadline       time.Time `json:"payment_deadline,omitzero"`
	Count          int       `json:"count,omitempty"`
	At             time.Time `json:"at"`
}

type WithdrawalEvent struct {
	WithdrawID string    `json:"withdraw_id"`
	Status     string    `json:"status"`
	Previous   string    `json:"previous,omitempty"`
	Nominal    int64     `json:"nominal"`
	LastError  string    `json:"last_error,omitempty"`
	At         time.Time `json:"at"`
}

// ChannelEvent is the redacted channel session snapshot. It never carries
// credentials.
type ChannelEvent struct {
	Connection  string    `json:"connection"`
	QRImage     string    `json:"last_qr_png,omitempty"`
	PairingCode string    `json:"pairing_code,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Identity    string    `json:"me,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type LogEvent struct {
	TS    time.Time      `json:"ts"`
	Level string         `json:"level"`
	Msg   string         `json:"msg"`
	Meta  map[string]any `json:"meta,omitempty"`
}
