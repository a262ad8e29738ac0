// Package feishu implements the Feishu/Lark channel over event subscription
// webhooks and the native IM HTTP API.
// Supports: DM + Group, text/post/image/file, reply parents, image replies.
// Default domain: Feishu (open.feishu.cn).
package feishu

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/dedup"
	"github.com/nextlevelbuilder/chatbridge/internal/metrics"
)

const (
	channelName           = "feishu"
	defaultTextChunkLimit = 4000
	imageFetchTimeout     = 10 * time.Second
)

// Options are the shared dependencies of a Channel.
type Options struct {
	// TmpDir is where attachments are written.
	TmpDir string

	// Dedup suppresses redelivered events. A private cache is created when nil.
	Dedup *dedup.Cache

	Metrics *metrics.Metrics

	// Settings returns the current bot settings; read per event so a config
	// reload takes effect without restarting the channel.
	Settings func() config.BotConfig
}

// Channel receives Feishu events and sends replies through the IM API.
type Channel struct {
	*channels.BaseChannel
	cfg        config.FeishuConfig
	client     *LarkClient
	normalizer *Normalizer
	resolver   *Resolver
	parents    *ParentResolver
	dedup      *dedup.Cache
	limiter    *channels.WebhookRateLimiter
	settings   func() config.BotConfig
	tmpDir     string
	httpClient *http.Client
}

// New creates a new Feishu/Lark channel.
func New(cfg config.FeishuConfig, router bus.MessageRouter, opts Options) (*Channel, error) {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return nil, fmt.Errorf("feishu app_id and app_secret are required")
	}

	cache := opts.Dedup
	if cache == nil {
		var err error
		if cache, err = dedup.New(dedup.DefaultTTL, dedup.DefaultSize); err != nil {
			return nil, err
		}
	}
	settings := opts.Settings
	if settings == nil {
		settings = func() config.BotConfig { return config.BotConfig{} }
	}

	client := NewLarkClient(cfg.AppID, cfg.AppSecret, resolveDomain(cfg.Domain))
	normalizer := NewNormalizer(opts.TmpDir)

	return &Channel{
		BaseChannel: channels.NewBaseChannel(channelName, router, cfg.AllowFrom, opts.Metrics),
		cfg:         cfg,
		client:      client,
		normalizer:  normalizer,
		resolver:    NewResolver(client),
		parents:     NewParentResolver(client, normalizer),
		dedup:       cache,
		limiter:     channels.NewWebhookRateLimiter(cfg.RateLimitRPM),
		settings:    settings,
		tmpDir:      opts.TmpDir,
		httpClient:  &http.Client{Timeout: imageFetchTimeout},
	}, nil
}

// Handler serves the event subscription endpoint.
func (c *Channel) Handler() http.Handler {
	return http.HandlerFunc(c.handleWebhook)
}

func (c *Channel) composeOptions(receiveIDType string) ComposeOptions {
	bot := c.settings()
	return ComposeOptions{
		ImageCreatePrefix: bot.ImageCreatePrefix,
		VoiceReply:        bot.VoiceReplyVoice,
		ReceiveIDType:     receiveIDType,
	}
}

func (c *Channel) chunkLimit() int {
	if c.cfg.TextChunkLimit > 0 {
		return c.cfg.TextChunkLimit
	}
	return defaultTextChunkLimit
}

func (c *Channel) logger() *slog.Logger {
	return slog.With("channel", channelName)
}

// --- Domain resolution ---

func resolveDomain(domain string) string {
	switch domain {
	case "", "feishu":
		return "https://open.feishu.cn"
	case "lark":
		return "https://open.larksuite.com"
	default:
		if !strings.HasPrefix(domain, "http") {
			return "https://" + domain
		}
		return strings.TrimSuffix(domain, "/")
	}
}

func resolveReceiveIDType(id string) string {
	if strings.HasPrefix(id, "oc_") {
		return "chat_id"
	}
	if strings.HasPrefix(id, "ou_") {
		return "open_id"
	}
	if strings.HasPrefix(id, "on_") {
		return "union_id"
	}
	return "open_id"
}

// Ensure Channel implements the channels interfaces at compile time.
var (
	_ channels.Channel  = (*Channel)(nil)
	_ channels.Preparer = (*Channel)(nil)
	_ channels.Releaser = (*Channel)(nil)
)
