package bus

import (
	"context"
	"sync"

	"github.com/zhaopengme/threadclaw/pkg/logger"
)

const defaultBuffer = 100

// MessageBus connects the Discord channel to the gateway. Publishing never
// blocks forever: once the bus is closed messages are dropped.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	done     chan struct{}
	doneOnce sync.Once
	closed   bool
	mu       sync.RWMutex
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, defaultBuffer),
		outbound: make(chan OutboundMessage, defaultBuffer),
		done:     make(chan struct{}),
	}
}

func (mb *MessageBus) PublishInbound(msg InboundMessage) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		logger.DebugCF("bus", "Dropping inbound message on closed bus", map[string]any{
			"chat_id": msg.ChatID,
		})
		return
	}
	select {
	case mb.inbound <- msg:
	case <-mb.done:
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg, ok := <-mb.inbound:
		if !ok {
			return InboundMessage{}, false
		}
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (mb *MessageBus) PublishOutbound(msg OutboundMessage) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		logger.DebugCF("bus", "Dropping outbound message on closed bus", map[string]any{
			"chat_id": msg.ChatID,
			"kind":    string(msg.Kind),
		})
		return
	}
	select {
	case mb.outbound <- msg:
	case <-mb.done:
	}
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg, ok := <-mb.outbound:
		if !ok {
			return OutboundMessage{}, false
		}
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

func (mb *MessageBus) Close() {
	// Closing done first releases publishers blocked on a full channel
	// before the write lock is taken.
	mb.doneOnce.Do(func() { close(mb.done) })

	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.inbound)
	close(mb.outbound)
}
