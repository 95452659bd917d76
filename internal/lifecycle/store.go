package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"topup/internal/apperr"
	"topup/internal/audit"
	"topup/internal/events"
)

// Auditor receives one record per state change.
type Auditor interface {
	Record(ctx context.Context, actor audit.Actor, action, target, targetID string, meta map[string]any)
}

type Config struct {
	InvoiceTTL  time.Duration
	OrderPrefix string
}

// Store owns orders and withdrawals and enforces their transition rules.
// Every mutation of one entity runs under that entity's lock, so webhook,
// operator and sweeper paths never interleave partial updates.
type Store struct {
	repo    Repository
	catalog Catalog
	bus     *events.Bus
	audit   Auditor
	logger  *slog.Logger
	cfg     Config
	locks   *keyLock
	now     func() time.Time
}

func NewStore(repo Repository, catalog Catalog, bus *events.Bus, auditor Auditor, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InvoiceTTL <= 0 {
		cfg.InvoiceTTL = 20 * time.Minute
	}
	if cfg.OrderPrefix == "" {
		cfg.OrderPrefix = "RD"
	}
	return &Store{
		repo:    repo,
		catalog: catalog,
		bus:     bus,
		audit:   auditor,
		logger:  logger,
		cfg:     cfg,
		locks:   newKeyLock(),
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) CreateOrder(ctx context.Context, spec OrderSpec) (*Order, error) {
	product, tier, err := s.catalog.Tier(ctx, spec.ProductID, spec.TierID)
	if err != nil {
		return nil, err
	}
	address, raw := NormalizeContact(spec.Contact)
	if address == "" {
		return nil, apperr.Validation("contact number is invalid")
	}

	now := s.now().UTC()
	deadline := now.Add(s.cfg.InvoiceTTL)
	o := &Order{
		OrderID:           newOrderID(s.cfg.OrderPrefix, now),
		InvoiceToken:      newInvoiceToken(),
		ProductID:         product.ID,
		TierID:            tier.ID,
		ProductName:       product.Name,
		TierLabel:         tier.Label,
		GameID:            strings.TrimSpace(spec.GameID),
		Nickname:          strings.TrimSpace(spec.Nickname),
		ChannelAddress:    address,
		ChannelAddressRaw: raw,
		Email:             strings.TrimSpace(spec.Email),
		Qty:               1,
		UnitPrice:         tier.Price,
		GrossAmount:       tier.Price,
		PayStatus:         PayPending,
		FulfillStatus:     FulfillWaiting,
		PaymentDeadline:   &deadline,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.repo.InsertOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	s.audit.Record(ctx, audit.System, "ORDER_CREATED", "order", o.OrderID, map[string]any{"amount": o.GrossAmount})
	return o, nil
}

func (s *Store) Order(ctx context.Context, orderID string) (*Order, error) {
	return s.repo.OrderByID(ctx, orderID)
}

func (s *Store) OrderByToken(ctx context.Context, token string) (*Order, error) {
	return s.repo.OrderByToken(ctx, token)
}

func (s *Store) OrderByIntent(ctx context.Context, intentID string) (*Order, error) {
	return s.repo.OrderByIntent(ctx, intentID)
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	return s.repo.OrderStats(ctx)
}

// ExpirableOrders lists up to limit pending orders past their deadline,
// oldest deadline first.
func (s *Store) ExpirableOrders(ctx context.Context, limit int) ([]Order, error) {
	return s.repo.ListExpirable(ctx, s.now().UTC(), limit)
}

// mutateOrder loads the order under its lock, applies fn and saves the
// result when fn reports a change. after runs still under the lock so event
// order matches mutation order.
func (s *Store) mutateOrder(ctx context.Context, orderID string, fn func(o *Order, now time.Time) (bool, error), after func(o *Order, now time.Time)) (*Order, bool, error) {
	unlock := s.locks.Lock("order:" + orderID)
	defer unlock()

	o, err := s.repo.OrderByID(ctx, orderID)
	if err != nil {
		return nil, false, err
	}

	now := s.now().UTC()
	changed, err := fn(o, now)
	if err != nil || !changed {
		return o, false, err
	}
	o.UpdatedAt = now
	if err := s.repo.UpdateOrder(ctx, o); err != nil {
		return nil, false, fmt.Errorf("update order: %w", err)
	}
	if after != nil {
		after(o, now)
	}
	return o, true, nil
}

// AttachIntent records the gateway payment intent and announces the order.
// The intent id is set once; repeating the same id is a no-op.
func (s *Store) AttachIntent(ctx context.Context, orderID, intentID string) (*Order, error) {
	o, _, err := s.mutateOrder(ctx, orderID, func(o *Order, _ time.Time) (bool, error) {
		if o.GatewayIntentID == intentID {
			return false, nil
		}
		if o.GatewayIntentID != "" {
			return false, apperr.InvalidTransition("order %s already has intent %s", o.OrderID, o.GatewayIntentID)
		}
		if o.PayStatus != PayPending {
			return false, apperr.InvalidTransition("order %s is %s", o.OrderID, o.PayStatus)
		}
		o.GatewayIntentID = intentID
		return true, nil
	}, func(o *Order, now time.Time) {
		s.audit.Record(ctx, audit.System, "PAYMENT_INTENT_OPENED", "order", o.OrderID, map[string]any{"provider_id": intentID})
		events.Publish(s.bus, events.OrderCreated, o.event(events.ReasonCreated, now))
	})
	return o, err
}

// MarkPaid moves a pending order to paid. Repeating it on a paid order
// returns the order unchanged and publishes nothing.
func (s *Store) MarkPaid(ctx context.Context, orderID string) (*Order, error) {
	o, _, err := s.mutateOrder(ctx, orderID, func(o *Order, now time.Time) (bool, error) {
		switch o.PayStatus {
		case PayPaid:
			return false, nil
		case PayPending:
			o.PayStatus = PayPaid
			o.PaidAt = &now
			return true, nil
		default:
			return false, apperr.InvalidTransition("order %s is %s, cannot be paid", o.OrderID, o.PayStatus)
		}
	}, func(o *Order, now time.Time) {
		s.audit.Record(ctx, audit.System, "PAYMENT_PAID", "order", o.OrderID, map[string]any{"provider_id": o.GatewayIntentID})
		events.Publish(s.bus, events.OrderPaid, o.event(events.ReasonPaid, now))
	})
	return o, err
}

// MarkFailed records a refused payment intent.
func (s *Store) MarkFailed(ctx context.Context, orderID, note string) (*Order, error) {
	o, _, err := s.mutateOrder(ctx, orderID, func(o *Order, _ time.Time) (bool, error) {
		switch o.PayStatus {
		case PayFailed:
			return false, nil
		case PayPending:
			o.PayStatus = PayFailed
			o.Note = note
			return true, nil
		default:
			return false, apperr.InvalidTransition("order %s is %s, cannot fail", o.OrderID, o.PayStatus)
		}
	}, func(o *Order, now time.Time) {
		s.audit.Record(ctx, audit.System, "PAYMENT_FAILED", "order", o.OrderID, map[string]any{"note": note})
		events.Publish(s.bus, events.OrderUpdated, o.event(events.ReasonFailed, now))
	})
	return o, err
}

// TransitionFulfillment applies an operator action. It does not look at the
// pay status: operators may act on unpaid orders.
func (s *Store) TransitionFulfillment(ctx context.Context, orderID string, action FulfillStatus, note string, actor audit.Actor) (*Order, error) {
	switch action {
	case FulfillProcessing, FulfillDone, FulfillRejected:
	default:
		return nil, apperr.Validation("unknown fulfillment action")
	}
	note = strings.TrimSpace(note)

	o, _, err := s.mutateOrder(ctx, orderID, func(o *Order, _ time.Time) (bool, error) {
		o.FulfillStatus = action
		o.Note = note
		return true, nil
	}, func(o *Order, now time.Time) {
		s.audit.Record(ctx, actor, "ORDER_STATUS", "order", o.OrderID, map[string]any{"action": string(action), "note": note})
		events.Publish(s.bus, events.OrderUpdated, o.event(events.ReasonFulfillment, now))
	})
	return o, err
}

// Expire moves a pending order whose deadline passed to expired. Any other
// order is left alone and changed is false.
func (s *Store) Expire(ctx context.Context, orderID string) (o *Order, changed bool, err error) {
	return s.mutateOrder(ctx, orderID, func(o *Order, now time.Time) (bool, error) {
		if o.PayStatus != PayPending || o.PaymentDeadline == nil || !o.PaymentDeadline.Before(now) {
			return false, nil
		}
		o.PayStatus = PayExpired
		return true, nil
	}, func(o *Order, now time.Time) {
		s.audit.Record(ctx, audit.System, "INVOICE_EXPIRED", "order", o.OrderID, map[string]any{"provider_id": o.GatewayIntentID})
		events.Publish(s.bus, events.OrderUpdated, o.event(events.ReasonExpired, now))
	})
}

// Cancel voids a pending order. Cancelling a canceled order is a no-op.
func (s *Store) Cancel(ctx context.Context, orderID string, actor audit.Actor) (*Order, error) {
	o, _, err := s.mutateOrder(ctx, orderID, func(o *Order, _ time.Time) (bool, error) {
		switch o.PayStatus {
		case PayCanceled:
			return false, nil
		case PayPending:
			o.PayStatus = PayCanceled
			return true, nil
		default:
			return false, apperr.InvalidTransition("order %s is %s, cannot be canceled", o.OrderID, o.PayStatus)
		}
	}, func(o *Order, now time.Time) {
		s.audit.Record(ctx, actor, "INVOICE_CANCELED", "order", o.OrderID, nil)
		events.Publish(s.bus, events.OrderUpdated, o.event(events.ReasonCanceled, now))
	})
	return o, err
}

// IsNotFound reports whether err means the entity does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, apperr.ErrNotFound)
}

// Catalog lists what can be ordered.
func (s *Store) Catalog(ctx context.Context) ([]Listing, error) {
	return s.catalog.Listings(ctx)
}
