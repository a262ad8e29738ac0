// Package channels provides the channel abstraction layer for webhook-driven
// chat platforms. A channel turns platform events into bus.InboundMessage
// values on the way in, and turns bus.Reply values into platform API calls
// on the way out.
package channels

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/metrics"
)

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier, also its webhook route ("feishu", "gitlab").
	Name() string

	// Handler serves inbound webhook deliveries.
	Handler() http.Handler

	// Send delivers a reply to the conversation the inbound message came from.
	Send(ctx context.Context, reply bus.Reply, in bus.InboundMessage) error

	// Start prepares background resources. Should be non-blocking.
	Start(ctx context.Context) error

	// Stop releases resources.
	Stop(ctx context.Context) error
}

// Preparer is implemented by channels that need network work (tokens,
// attachment downloads, reply parents) before the bot sees a context. It
// runs on a dispatcher worker, never on the webhook request. The returned
// message is usable even when err is non-nil.
type Preparer interface {
	Prepare(ctx context.Context, in bus.InboundMessage) (bus.InboundMessage, error)
}

// Releaser is implemented by channels whose Prepare leaves local files
// behind. The dispatcher calls Release once the reply has been sent or
// has failed.
type Releaser interface {
	Release(in bus.InboundMessage)
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name      string
	bus       bus.MessageRouter
	allowList []string
	metrics   *metrics.Metrics
}

// NewBaseChannel creates a new BaseChannel with the given parameters.
func NewBaseChannel(name string, router bus.MessageRouter, allowList []string, m *metrics.Metrics) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       router,
		allowList: allowList,
		metrics:   m,
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// Metrics returns the collectors (may be nil).
func (c *BaseChannel) Metrics() *metrics.Metrics { return c.metrics }

// Start is a no-op for webhook channels.
func (c *BaseChannel) Start(context.Context) error { return nil }

// Stop is a no-op for webhook channels.
func (c *BaseChannel) Stop(context.Context) error { return nil }

// IsAllowed checks if a sender is permitted by the allowlist.
// Empty allowlist means all senders are allowed.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	for _, allowed := range c.allowList {
		if strings.TrimPrefix(allowed, "@") == senderID {
			return true
		}
	}
	return false
}

// Publish validates in and hands it to the dispatcher. It reports whether
// the message was queued.
func (c *BaseChannel) Publish(in bus.InboundMessage) bool {
	in.Channel = c.name
	msg, err := bus.NewInbound(in)
	if err != nil {
		slog.Warn("dropping invalid context", "channel", c.name, "message_id", in.MessageID, "error", err)
		c.metrics.Webhook(c.name, metrics.ResultIgnored)
		return false
	}
	if !c.bus.PublishInbound(msg) {
		c.metrics.BusDropped()
		return false
	}
	slog.Info("message queued",
		"channel", c.name,
		"type", msg.Type,
		"session", msg.SessionID,
		"content", Truncate(msg.Content, 80),
	)
	c.metrics.Webhook(c.name, metrics.ResultAccepted)
	return true
}

// Truncate shortens s to maxWidth display cells, appending "..." if
// truncated. Wide CJK runes count as two cells.
func Truncate(s string, maxWidth int) string {
	if runewidth.StringWidth(s) <= maxWidth {
		return s
	}
	return runewidth.Truncate(s, maxWidth, "...")
}
