package websocket

import (
	"encoding/json"
	"log/slog"

	"topup/internal/events"
)

type invoicePush struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type statePush struct {
	Type  string              `json:"type"`
	State events.ChannelEvent `json:"state"`
}

type logPush struct {
	Type string          `json:"type"`
	Line events.LogEvent `json:"line"`
}

var dashboardPush = []byte(`{"type":"dashboard"}`)

// Broadcaster fans bus events out to the hub's subscribers. Its log.line
// handler never logs, so logger must not be a streaming logger.
type Broadcaster struct {
	hub    *Hub
	bus    *events.Bus
	logger *slog.Logger
}

func NewBroadcaster(hub *Hub, bus *events.Bus, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{hub: hub, bus: bus, logger: logger}
}

// Start subscribes to every relevant topic and returns the function that
// undoes it.
func (b *Broadcaster) Start() (stop func()) {
	unsubs := []func(){
		events.Subscribe(b.bus, events.OrderCreated, b.onOrder),
		events.Subscribe(b.bus, events.OrderPaid, b.onOrder),
		events.Subscribe(b.bus, events.OrderUpdated, b.onOrder),
		events.Subscribe(b.bus, events.WithdrawalUpdated, func(events.WithdrawalEvent) { b.dashboard() }),
		events.Subscribe(b.bus, events.ChannelUpdated, b.onChannel),
		events.Subscribe(b.bus, events.LogLine, b.onLog),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (b *Broadcaster) onOrder(e events.OrderEvent) {
	if e.InvoiceToken != "" {
		token := e.InvoiceToken
		msg, err := json.Marshal(invoicePush{Type: "invoice", Token: token})
		if err == nil {
			b.hub.Broadcast(func(s Subscription) bool { return s.InvoiceToken == token }, msg)
		}
	}
	// Expiries arrive in batches; the sweeper sends one dashboard refresh for them.
	if e.Reason != events.ReasonExpired {
		b.dashboard()
	}
}

func (b *Broadcaster) dashboard() {
	b.hub.Broadcast(func(s Subscription) bool { return s.Dashboard }, dashboardPush)
}

func (b *Broadcaster) onChannel(e events.ChannelEvent) {
	msg, err := json.Marshal(statePush{Type: "wa", State: e})
	if err != nil {
		b.logger.Error("encode channel state", "err", err)
		return
	}
	b.hub.Broadcast(func(s Subscription) bool { return s.Channel }, msg)
}

func (b *Broadcaster) onLog(e events.LogEvent) {
	msg, err := json.Marshal(logPush{Type: "log", Line: e})
	if err != nil {
		return
	}
	b.hub.Broadcast(func(s Subscription) bool { return s.Logs }, msg)
}
