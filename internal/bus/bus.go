package bus

import (
	"context"
	"log/slog"
	"sync"
)

const defaultBufferSize = 256

// MessageBus is a buffered in-process queue. Publishing never blocks so
// webhook handlers can always acknowledge quickly.
type MessageBus struct {
	inbound chan InboundMessage
	done    chan struct{}
	once    sync.Once

	mu     sync.Mutex
	onDrop func(InboundMessage)
}

// New creates a bus with the given buffer size (<=0 uses the default).
func New(size int) *MessageBus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &MessageBus{
		inbound: make(chan InboundMessage, size),
		done:    make(chan struct{}),
	}
}

// OnDrop registers a hook called when a message cannot be queued.
func (b *MessageBus) OnDrop(fn func(InboundMessage)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// PublishInbound queues msg. It returns false when the buffer is full or
// the bus is closed.
func (b *MessageBus) PublishInbound(msg InboundMessage) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.inbound <- msg:
		return true
	default:
		slog.Warn("inbound queue full, dropping message",
			"channel", msg.Channel, "message_id", msg.MessageID, "session", msg.SessionID)
		b.mu.Lock()
		fn := b.onDrop
		b.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
		return false
	}
}

// ConsumeInbound blocks until a message is available, ctx is done, or the
// bus is closed and drained.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	default:
	}
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	case <-b.done:
		// drain what was queued before close
		select {
		case msg := <-b.inbound:
			return msg, true
		default:
			return InboundMessage{}, false
		}
	}
}

// Len returns the number of queued messages.
func (b *MessageBus) Len() int { return len(b.inbound) }

// Close stops accepting new messages. Queued messages can still be consumed.
func (b *MessageBus) Close() {
	b.once.Do(func() { close(b.done) })
}

var _ MessageRouter = (*MessageBus)(nil)
