// Package gitlab implements a receive-only channel for GitLab project
// webhooks. Push, issue and merge request events become one-line TEXT
// contexts for the bot.
package gitlab

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/dedup"
	"github.com/nextlevelbuilder/chatbridge/internal/metrics"
)

const (
	channelName = "gitlab"

	headerToken     = "X-Gitlab-Token"
	headerEventUUID = "X-Gitlab-Event-UUID"
	headerEvent     = "X-Gitlab-Event"
)

// Channel receives GitLab webhooks.
type Channel struct {
	*channels.BaseChannel
	cfg     config.GitLabConfig
	dedup   *dedup.Cache
	limiter *channels.WebhookRateLimiter
}

// New creates a GitLab channel. cache may be shared with other channels;
// a private one is created when nil.
func New(cfg config.GitLabConfig, router bus.MessageRouter, cache *dedup.Cache, m *metrics.Metrics) (*Channel, error) {
	if cache == nil {
		var err error
		if cache, err = dedup.New(dedup.DefaultTTL, dedup.DefaultSize); err != nil {
			return nil, err
		}
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel(channelName, router, nil, m),
		cfg:         cfg,
		dedup:       cache,
		limiter:     channels.NewWebhookRateLimiter(cfg.RateLimitRPM),
	}, nil
}

// Handler serves the project webhook endpoint.
func (c *Channel) Handler() http.Handler {
	return http.HandlerFunc(c.handleWebhook)
}

// Send is a no-op: GitLab webhooks have no reply path.
func (c *Channel) Send(_ context.Context, reply bus.Reply, in bus.InboundMessage) error {
	slog.Debug("gitlab: reply dropped", "channel", channelName, "session", in.SessionID, "type", reply.Type)
	return nil
}

func (c *Channel) handleWebhook(w http.ResponseWriter, r *http.Request) {
	m := c.Metrics()
	if r.Method != http.MethodPost {
		m.Webhook(channelName, metrics.ResultRejected)
		channels.Ack(w, false)
		return
	}
	if c.cfg.SecretToken != "" &&
		subtle.ConstantTimeCompare([]byte(r.Header.Get(headerToken)), []byte(c.cfg.SecretToken)) != 1 {
		slog.Warn("gitlab: secret token mismatch", "channel", channelName)
		m.Webhook(channelName, metrics.ResultRejected)
		channels.Ack(w, false)
		return
	}

	body, err := channels.ReadBody(r)
	if err != nil {
		m.Webhook(channelName, metrics.ResultRejected)
		channels.Ack(w, false)
		return
	}
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil || ev.ObjectKind == "" {
		slog.Warn("gitlab: invalid webhook body", "channel", channelName, "event", r.Header.Get(headerEvent), "error", err)
		m.Webhook(channelName, metrics.ResultRejected)
		channels.Ack(w, false)
		return
	}

	key := DedupKey(&ev, r.Header.Get(headerEventUUID))
	if c.dedup.SeenOrMark(key) {
		slog.Warn("gitlab: repeat event filtered", "channel", channelName, "key", key)
		m.DedupHit(channelName)
		m.Webhook(channelName, metrics.ResultDuplicate)
		channels.Ack(w, true)
		return
	}

	summary, userID := Summarize(&ev)
	if summary == "" {
		m.Webhook(channelName, metrics.ResultIgnored)
		channels.Ack(w, true)
		return
	}
	if !c.limiter.Allow(ev.projectPath()) {
		m.Webhook(channelName, metrics.ResultLimited)
		channels.Ack(w, true)
		return
	}

	c.Publish(bus.InboundMessage{
		Type:      bus.ContextText,
		Content:   summary,
		SessionID: fmt.Sprintf("gitlab:%s", userID),
		Receiver:  ev.projectPath(),
		MessageID: key,
		Metadata:  map[string]string{"object_kind": ev.ObjectKind},
	})
	slog.Info("gitlab: query received", "channel", channelName, "query", summary)
	channels.Ack(w, true)
}

var _ channels.Channel = (*Channel)(nil)
