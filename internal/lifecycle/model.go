package lifecycle

import (
	"time"

	"topup/internal/events"
)

type PayStatus string

const (
	PayPending  PayStatus = "pending"
	PayPaid     PayStatus = "paid"
	PayFailed   PayStatus = "failed"
	PayCanceled PayStatus = "canceled"
	PayExpired  PayStatus = "expired"
)

// Terminal reports whether no further pay transition may leave s.
func (s PayStatus) Terminal() bool { return s != PayPending }

type FulfillStatus string

const (
	FulfillWaiting    FulfillStatus = "waiting"
	FulfillProcessing FulfillStatus = "processing"
	FulfillDone       FulfillStatus = "done"
	FulfillRejected   FulfillStatus = "rejected"
)

type Order struct {
	OrderID           string        `json:"order_id"`
	InvoiceToken      string        `json:"invoice_token"`
	ProductID         int64         `json:"product_id"`
	TierID            int64         `json:"tier_id"`
	ProductName       string        `json:"product_name"`
	TierLabel         string        `json:"tier_label"`
	GameID            string        `json:"game_id,omitempty"`
	Nickname          string        `json:"nickname,omitempty"`
	ChannelAddress    string        `json:"channel_address"`
	ChannelAddressRaw string        `json:"channel_address_raw"`
	Email             string        `json:"email,omitempty"`
	Qty               int           `json:"qty"`
	UnitPrice         int64         `json:"unit_price"`
	GrossAmount       int64         `json:"gross_amount"`
	PayStatus         PayStatus     `json:"pay_status"`
	FulfillStatus     FulfillStatus `json:"fulfill_status"`
	PaymentDeadline   *time.Time    `json:"payment_deadline,omitempty"`
	GatewayIntentID   string        `json:"gateway_intent_id,omitempty"`
	Note              string        `json:"note,omitempty"`
	PaidAt            *time.Time    `json:"paid_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

func (o *Order) event(reason events.Reason, at time.Time) events.OrderEvent {
	e := events.OrderEvent{
		Reason:         reason,
		OrderID:        o.OrderID,
		InvoiceToken:   o.InvoiceToken,
		ChannelAddress: o.ChannelAddress,
		ProductName:    o.ProductName,
		TierLabel:      o.TierLabel,
		GrossAmount:    o.GrossAmount,
		PayStatus:      string(o.PayStatus),
		FulfillStatus:  string(o.FulfillStatus),
		Note:           o.Note,
		At:             at,
	}
	if o.PaymentDeadline != nil {
		e.Deadline = *o.PaymentDeadline
	}
	return e
}

// OrderSpec is a buyer's submission.
type OrderSpec struct {
	ProductID int64
	TierID    int64
	GameID    string
	Nickname  string
	Contact   string
	Email     string
}

type Product struct {
	ID     int64  `json:"id"`
	SKU    string `json:"sku"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type Tier struct {
	ID        int64  `json:"id"`
	ProductID int64  `json:"product_id"`
	Label     string `json:"label"`
	Qty       int    `json:"qty"`
	Price     int64  `json:"price"`
	Active    bool   `json:"active"`
}

// Listing is an active product with its active tiers, cheapest first.
type Listing struct {
	Product Product `json:"product"`
	Tiers   []Tier  `json:"tiers"`
}

type Stats struct {
	Orders  int `json:"orders"`
	Paid    int `json:"paid"`
	Waiting int `json:"waiting"`
}

type WithdrawalStatus string

const (
	WithdrawDraft     WithdrawalStatus = "draft"
	WithdrawChecking  WithdrawalStatus = "checking"
	WithdrawReady     WithdrawalStatus = "ready"
	WithdrawSubmitted WithdrawalStatus = "submitted"
	WithdrawSuccess   WithdrawalStatus = "success"
	WithdrawFailed    WithdrawalStatus = "failed"
	WithdrawCanceled  WithdrawalStatus = "canceled"
)

// withdrawalGraph lists the statuses reachable from each status. Terminal
// statuses have no entry.
var withdrawalGraph = map[WithdrawalStatus][]WithdrawalStatus{
	WithdrawDraft:     {WithdrawChecking, WithdrawSubmitted, WithdrawCanceled},
	WithdrawChecking:  {WithdrawReady, WithdrawFailed, WithdrawDraft, WithdrawCanceled},
	WithdrawReady:     {WithdrawChecking, WithdrawSubmitted, WithdrawCanceled},
	WithdrawSubmitted: {WithdrawSuccess, WithdrawFailed},
}

func (s WithdrawalStatus) Terminal() bool {
	_, ok := withdrawalGraph[s]
	return !ok
}

func (s WithdrawalStatus) CanAdvanceTo(target WithdrawalStatus) bool {
	for _, next := range withdrawalGraph[s] {
		if next == target {
			return true
		}
	}
	return false
}

type Withdrawal struct {
	WithdrawID        string           `json:"withdraw_id"`
	ReferenceID       string           `json:"reference_id"`
	BankCode          string           `json:"bank_code"`
	BankName          string           `json:"bank_name,omitempty"`
	AccountNumber     string           `json:"account_number"`
	AccountName       string           `json:"account_name,omitempty"`
	Nominal           int64            `json:"nominal"`
	Fee               int64            `json:"fee"`
	TotalDebit        int64            `json:"total_debit"`
	Status            WithdrawalStatus `json:"status"`
	GatewayTransferID string           `json:"gateway_transfer_id,omitempty"`
	ProviderStatus    string           `json:"provider_status,omitempty"`
	LastError         string           `json:"last_error,omitempty"`
	Note              string           `json:"note,omitempty"`
	CreatedBy         string           `json:"created_by,omitempty"`
	ApprovedBy        string           `json:"approved_by,omitempty"`
	ApprovedAt        *time.Time       `json:"approved_at,omitempty"`
	FinishedAt        *time.Time       `json:"finished_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

type WithdrawalSpec struct {
	BankCode      string
	BankName      string
	AccountNumber string
	Nominal       int64
	Note          string
}

// WithdrawalPatch carries the fields a transition may set. Empty strings and
// nil pointers leave the stored value alone.
type WithdrawalPatch struct {
	AccountName       string
	GatewayTransferID string
	ProviderStatus    string
	Fee               *int64
	LastError         string
	Note              string
}
