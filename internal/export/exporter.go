package export

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"topup/internal/events"
	"topup/pkg/contracts"

	"github.com/google/uuid"
)

// Outbox stores events for relay to the integration exchange.
type Outbox interface {
	InsertOutbox(ctx context.Context, eventID, eventType string, payload []byte) error
}

type Config struct {
	QueueSize    int
	WriteTimeout time.Duration
}

// Exporter copies order and withdrawal events from the bus into the outbox.
// Writes happen on one worker so bus dispatch never waits on the database
// and rows keep publish order.
type Exporter struct {
	outbox Outbox
	bus    *events.Bus
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	queue  chan contracts.LifecycleEvent
	unsubs []func()
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func New(outbox Outbox, bus *events.Bus, cfg Config, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Exporter{
		outbox: outbox,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		queue:  make(chan contracts.LifecycleEvent, cfg.QueueSize),
	}
}

func (e *Exporter) Start(ctx context.Context) {
	e.unsubs = []func(){
		events.Subscribe(e.bus, events.OrderCreated, e.order(events.OrderCreated.String())),
		events.Subscribe(e.bus, events.OrderPaid, e.order(events.OrderPaid.String())),
		events.Subscribe(e.bus, events.OrderUpdated, e.order(events.OrderUpdated.String())),
		events.Subscribe(e.bus, events.WithdrawalUpdated, func(w events.WithdrawalEvent) {
			e.enqueue(events.WithdrawalUpdated.String(), w.WithdrawID, w, w.At)
		}),
	}
	e.wg.Add(1)
	go e.worker(ctx)
}

// Stop unsubscribes and writes what is already queued.
func (e *Exporter) Stop() {
	for _, u := range e.unsubs {
		u()
	}
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Exporter) order(topic string) func(events.OrderEvent) {
	return func(o events.OrderEvent) {
		e.enqueue(topic, o.OrderID, o, o.At)
	}
}

func (e *Exporter) enqueue(topic, entityID string, payload any, at time.Time) {
	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("marshal export payload", "topic", topic, "err", err)
		return
	}
	if at.IsZero() {
		at = e.now().UTC()
	}
	ev := contracts.LifecycleEvent{
		EventID:    uuid.NewString(),
		Topic:      topic,
		EntityID:   entityID,
		Payload:    body,
		OccurredAt: at,
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.queue <- ev:
	default:
		e.logger.Warn("export queue full, event dropped", "topic", topic, "entity_id", entityID)
	}
}

func (e *Exporter) worker(ctx context.Context) {
	defer e.wg.Done()
	for ev := range e.queue {
		body, err := json.Marshal(ev)
		if err != nil {
			e.logger.Error("marshal export envelope", "topic", ev.Topic, "err", err)
			continue
		}
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.WriteTimeout)
		if err := e.outbox.InsertOutbox(wctx, ev.EventID, ev.Topic, body); err != nil {
			e.logger.Error("write outbox event", "topic", ev.Topic, "entity_id", ev.EntityID, "err", err)
		}
		cancel()
	}
}
