package feishu

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/metrics"
)

// handleWebhook processes one event subscription delivery. Every response
// is HTTP 200 with a JSON body; Lark retries anything else.
func (c *Channel) handleWebhook(w http.ResponseWriter, r *http.Request) {
	log := c.logger()
	m := c.Metrics()

	if r.Method != http.MethodPost {
		m.Webhook(channelName, metrics.ResultRejected)
		channels.Ack(w, false)
		return
	}

	body, err := channels.ReadBody(r)
	if err != nil {
		log.Warn("feishu: read webhook body", "error", err)
		m.Webhook(channelName, metrics.ResultRejected)
		channels.Ack(w, false)
		return
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		log.Warn("feishu: decode webhook body", "error", err)
		m.Webhook(channelName, metrics.ResultRejected)
		channels.Ack(w, false)
		return
	}

	// 1. Subscription URL verification
	if env.Type == typeURLVerification {
		if c.cfg.VerificationToken != "" && !tokenEqual(env.Token, c.cfg.VerificationToken) {
			m.Webhook(channelName, metrics.ResultRejected)
			channels.Ack(w, false)
			return
		}
		channels.WriteJSON(w, map[string]string{"challenge": env.Challenge})
		return
	}

	// 2. Token check
	if env.Header == nil || !tokenEqual(env.Header.Token, c.cfg.VerificationToken) {
		log.Warn("feishu: verification token mismatch")
		m.Webhook(channelName, metrics.ResultRejected)
		channels.Ack(w, false)
		return
	}

	if env.Header.EventType != EventTypeMessageReceive {
		log.Debug("feishu: ignoring event", "event_type", env.Header.EventType)
		m.Webhook(channelName, metrics.ResultIgnored)
		channels.Ack(w, true)
		return
	}

	ev := env.Event
	if ev == nil || ev.Message == nil || ev.Sender == nil {
		log.Warn("feishu: invalid message event", "event_id", env.Header.EventID)
		m.Webhook(channelName, metrics.ResultRejected)
		channels.Ack(w, false)
		return
	}
	msg := ev.Message

	// 3. Dedup
	if c.dedup.SeenOrMark(msg.MessageID) {
		log.Warn("feishu: repeat message filtered", "message_id", msg.MessageID, "event_id", env.Header.EventID)
		m.DedupHit(channelName)
		m.Webhook(channelName, metrics.ResultDuplicate)
		channels.Ack(w, true)
		return
	}

	// 4. Chat type and mention policy
	var isGroup bool
	var receiveIDType string
	switch msg.ChatType {
	case "group":
		if msg.MessageType == "text" && !c.mentionsBot(msg.Mentions) {
			m.Webhook(channelName, metrics.ResultIgnored)
			channels.Ack(w, true)
			return
		}
		isGroup = true
		receiveIDType = "chat_id"
	case "p2p":
		receiveIDType = "open_id"
	default:
		log.Warn("feishu: message ignored", "chat_type", msg.ChatType)
		m.Webhook(channelName, metrics.ResultIgnored)
		channels.Ack(w, true)
		return
	}

	senderID := ev.Sender.SenderID.OpenID
	if !c.IsAllowed(senderID) {
		log.Debug("feishu: sender not allowed", "sender_id", senderID)
		m.Webhook(channelName, metrics.ResultIgnored)
		channels.Ack(w, true)
		return
	}

	// 5. Rate limit
	if !c.limiter.Allow(senderID) {
		log.Warn("feishu: sender rate limited", "sender_id", senderID)
		m.Webhook(channelName, metrics.ResultLimited)
		channels.Ack(w, true)
		return
	}

	// 6. Normalize and compose
	if ev.AppID == "" {
		ev.AppID = env.Header.AppID
	}
	normalized, err := c.normalizer.Normalize(ev, isGroup)
	if err != nil {
		if IsUnsupported(err) {
			log.Warn("feishu: dropping message", "message_id", msg.MessageID, "error", err)
			m.Webhook(channelName, metrics.ResultIgnored)
			channels.Ack(w, true)
			return
		}
		log.Error("feishu: normalize message", "message_id", msg.MessageID, "error", err)
		m.Webhook(channelName, metrics.ResultError)
		channels.Ack(w, false)
		return
	}

	in, err := Compose(normalized, nil, c.composeOptions(receiveIDType))
	if err != nil {
		log.Warn("feishu: compose context", "message_id", msg.MessageID, "error", err)
		m.Webhook(channelName, metrics.ResultIgnored)
		channels.Ack(w, true)
		return
	}

	// 7. Hand off
	c.Publish(in)
	log.Info("feishu: query received", "message_id", in.MessageID, "type", in.Type)
	channels.Ack(w, true)
}

// mentionsBot reports whether the first mention is the bot. With no bot name
// configured, any mention counts.
func (c *Channel) mentionsBot(mentions []Mention) bool {
	if len(mentions) == 0 {
		return false
	}
	if c.cfg.BotName == "" {
		return true
	}
	return mentions[0].Name == c.cfg.BotName
}

func tokenEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
