package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"topup/internal/events"
	"topup/internal/lifecycle"
)

type OrderStore interface {
	ExpirableOrders(ctx context.Context, limit int) ([]lifecycle.Order, error)
	Expire(ctx context.Context, orderID string) (*lifecycle.Order, bool, error)
}

type IntentCanceler interface {
	CancelIntent(ctx context.Context, externalID string) error
}

type Config struct {
	Interval      time.Duration
	Batch         int
	CancelTimeout time.Duration
}

// Sweeper expires pending orders whose payment deadline has passed.
type Sweeper struct {
	store    OrderStore
	canceler IntentCanceler
	bus      *events.Bus
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time
}

func New(store OrderStore, canceler IntentCanceler, bus *events.Bus, cfg Config, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 10 * time.Second
	}
	return &Sweeper{store: store, canceler: canceler, bus: bus, cfg: cfg, logger: logger, now: time.Now}
}

// Start runs the sweep loop until ctx ends or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop cancels the loop and waits for the current tick to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", "err", err)
		}
	}
}

// Tick runs one sweep pass and returns how many orders it expired.
func (s *Sweeper) Tick(ctx context.Context) (int, error) {
	orders, err := s.store.ExpirableOrders(ctx, s.cfg.Batch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, o := range orders {
		if s.sweepOne(ctx, o) {
			expired++
		}
	}

	if expired > 0 {
		s.logger.Warn("expired unpaid orders", "count", expired)
		events.Publish(s.bus, events.OrderUpdated, events.OrderEvent{
			Reason: events.ReasonSweep,
			Count:  expired,
			At:     s.now().UTC(),
		})
	}
	return expired, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, o lifecycle.Order) bool {
	if o.GatewayIntentID != "" && s.canceler != nil {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.CancelTimeout)
		if err := s.canceler.CancelIntent(cctx, o.GatewayIntentID); err != nil {
			s.logger.Debug("cancel intent on expiry", "order_id", o.OrderID, "err", err)
		}
		cancel()
	}

	_, changed, err := s.store.Expire(ctx, o.OrderID)
	if err != nil {
		s.logger.Error("expire order", "order_id", o.OrderID, "err", err)
		return false
	}
	return changed
}
