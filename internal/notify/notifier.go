package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"topup/internal/events"
)

// Sender delivers a text message. It must not fail the caller.
type Sender interface {
	Send(ctx context.Context, address, text string)
}

type Config struct {
	SiteURL         string
	OperatorAddress string
	QueueSize       int
	SendTimeout     time.Duration
}

type outgoing struct {
	to   string
	text string
}

// Notifier turns order events into channel messages. Messages are queued
// and sent by one worker, so bus dispatch never waits on channel I/O and
// messages to one address keep their order.
type Notifier struct {
	sender Sender
	bus    *events.Bus
	cfg    Config
	logger *slog.Logger

	queue  chan outgoing
	unsubs []func()
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func New(sender Sender, bus *events.Bus, cfg Config, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 20 * time.Second
	}
	return &Notifier{
		sender: sender,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan outgoing, cfg.QueueSize),
	}
}

// Start subscribes to order events and runs the send worker until Stop is
// called. Canceling ctx does not drop queued messages.
func (n *Notifier) Start(ctx context.Context) {
	n.unsubs = []func(){
		events.Subscribe(n.bus, events.OrderCreated, n.onCreated),
		events.Subscribe(n.bus, events.OrderPaid, n.onPaid),
		events.Subscribe(n.bus, events.OrderUpdated, n.onUpdated),
	}
	n.wg.Add(1)
	go n.worker(ctx)
}

// Stop unsubscribes, sends what is already queued and returns.
func (n *Notifier) Stop() {
	for _, u := range n.unsubs {
		u()
	}
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *Notifier) worker(ctx context.Context) {
	defer n.wg.Done()
	// Queued messages are still sent after ctx ends; Stop waits for them.
	ctx = context.WithoutCancel(ctx)
	for msg := range n.queue {
		sctx, cancel := context.WithTimeout(ctx, n.cfg.SendTimeout)
		n.sender.Send(sctx, msg.to, msg.text)
		cancel()
	}
}

func (n *Notifier) enqueue(to, text string) {
	if to == "" || text == "" {
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- outgoing{to: to, text: text}:
	default:
		n.logger.Warn("notification queue full, message dropped", "to", to)
	}
}

func (n *Notifier) onCreated(e events.OrderEvent) {
	n.enqueue(e.ChannelAddress, invoiceCreated(n.cfg.SiteURL, e))
	n.enqueue(n.cfg.OperatorAddress, operatorNewOrder(e))
}

func (n *Notifier) onPaid(e events.OrderEvent) {
	n.enqueue(e.ChannelAddress, paid(n.cfg.SiteURL, e))
	n.enqueue(n.cfg.OperatorAddress, operatorPaid(e))
}

func (n *Notifier) onUpdated(e events.OrderEvent) {
	if e.Reason != events.ReasonFulfillment {
		return
	}
	if text, ok := fulfillment(n.cfg.SiteURL, e); ok {
		n.enqueue(e.ChannelAddress, text)
	}
}
