// Package events is the in-process publish/subscribe fabric. Delivery is
// synchronous and FIFO per topic; a panicking handler is recovered and logged
// so the remaining handlers still run.
package events

import (
	"sync"

	"go.uber.org/zap"
)

// Well-known topics.
const (
	TopicMarkUpdated     = "mark.updated"
	TopicFill            = "fill"
	TopicOrderResting    = "order.resting"
	TopicOrderCancelled  = "order.cancelled"
	TopicMarketCreated   = "market.created"
	TopicMarketStatus    = "market.status"
	TopicPositionOpened  = "position.opened"
	TopicPositionClosed  = "position.closed"
	TopicLiquidation     = "liquidation"
	TopicFunding         = "funding"
	TopicFundingError    = "funding_error"
	TopicSocializedLoss  = "socialized_loss_shortfall"
	TopicLedgerError     = "ledger_error"
	TopicSnapshotWritten = "snapshot.written"
)

// Handler receives a published payload. Handlers run on the publisher's
// goroutine and must not block for long.
type Handler func(topic string, payload any)

// Bus fans published payloads out to per-topic subscriber lists.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]Handler
	logger *zap.SugaredLogger
}

func NewBus(logger *zap.SugaredLogger) *Bus {
	return &Bus{
		subs:   make(map[string][]Handler),
		logger: logger,
	}
}

// Subscribe registers a handler for a topic. Handlers are invoked in
// subscription order.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

// Publish delivers payload to every subscriber of topic, synchronously and in
// order. A handler panic is caught so subsequent handlers still run.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	handlers := b.subs[topic]
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(topic, payload, h)
	}
}

func (b *Bus) deliver(topic string, payload any, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("event_handler_panic", "topic", topic, "panic", r)
		}
	}()
	h(topic, payload)
}
