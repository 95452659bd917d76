package events

import (
	"fmt"
	"log/slog"
	"sync"
)

// Topic names a channel on the Bus and fixes its payload type.
type Topic[T any] struct {
	name string
}

func (t Topic[T]) String() string { return t.name }

var (
	OrderCreated      = Topic[OrderEvent]{name: "order.created"}
	OrderPaid         = Topic[OrderEvent]{name: "order.paid"}
	OrderUpdated      = Topic[OrderEvent]{name: "order.updated"}
	WithdrawalUpdated = Topic[WithdrawalEvent]{name: "withdrawal.updated"}
	ChannelUpdated    = Topic[ChannelEvent]{name: "channel.updated"}
	LogLine           = Topic[LogEvent]{name: "log.line"}
)

type handler struct {
	id int64
	fn func(any)
}

type topicState struct {
	// dispatch serializes publications so handlers see them in publish order.
	dispatch sync.Mutex
	mu       sync.RWMutex
	handlers []handler
}

// Bus is an in-process publish/subscribe hub. Dispatch is synchronous on the
// publishing goroutine; different topics may dispatch concurrently. A handler
// must not publish to the topic it is subscribed to.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*topicState
	nextID int64
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger, topics: make(map[string]*topicState)}
}

func (b *Bus) topic(name string) *topicState {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.topics[name]
	if !ok {
		ts = &topicState{}
		b.topics[name] = ts
	}
	return ts
}

// Subscribe registers fn on topic and returns a function removing it again.
func Subscribe[T any](b *Bus, topic Topic[T], fn func(T)) (unsubscribe func()) {
	ts := b.topic(topic.name)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	ts.mu.Lock()
	ts.handlers = append(ts.handlers, handler{id: id, fn: func(v any) { fn(v.(T)) }})
	ts.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ts.mu.Lock()
			defer ts.mu.Unlock()
			for i, h := range ts.handlers {
				if h.id == id {
					ts.handlers = append(ts.handlers[:i:i], ts.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish invokes every handler of topic. Handler panics are logged and never
// reach the publisher or the remaining handlers.
func Publish[T any](b *Bus, topic Topic[T], payload T) {
	ts := b.topic(topic.name)

	ts.dispatch.Lock()
	defer ts.dispatch.Unlock()

	ts.mu.RLock()
	handlers := make([]handler, len(ts.handlers))
	copy(handlers, ts.handlers)
	ts.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(topic.name, h, payload)
	}
}

func (b *Bus) invoke(topic string, h handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "topic", topic, "err", fmt.Sprint(r))
		}
	}()
	h.fn(payload)
}

// Handlers reports how many handlers are registered on the named topic.
func (b *Bus) Handlers(name string) int {
	ts := b.topic(name)
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.handlers)
}
