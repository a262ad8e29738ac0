// Package bot turns a normalized inbound message into a reply by calling
// the configured LLM provider. Conversation history lives in sessions.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/metrics"
	"github.com/nextlevelbuilder/chatbridge/internal/providers"
	"github.com/nextlevelbuilder/chatbridge/internal/sessions"
	"github.com/nextlevelbuilder/chatbridge/internal/tracing"
)

// User-visible replies.
const (
	msgMemoryCleared    = "记忆已清除"
	msgAllMemoryCleared = "所有人记忆已清除"
	msgConfigReloaded   = "配置已更新"
	msgReloadFailed     = "配置更新失败"
	msgImageCreateFail  = "画图出现问题，请休息一下再问我吧"
	msgDescribeFail     = "图片描述失败，请稍后再试"
	msgUnsupportedType  = "Bot不支持处理%s类型的消息"

	describePrompt = "请描述这些图片"
)

// ReloadFunc re-reads configuration from its source.
type ReloadFunc func(ctx context.Context) error

// SleepFunc blocks for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Bot answers inbound messages.
type Bot struct {
	providers *providers.Registry
	sessions  *sessions.Manager
	settings  func() config.BotConfig
	reload    ReloadFunc
	metrics   *metrics.Metrics
	sleep     SleepFunc
	readFile  func(string) ([]byte, error)
}

// Option configures a Bot.
type Option func(*Bot)

// WithReload sets the hook behind the "#更新配置" command.
func WithReload(fn ReloadFunc) Option {
	return func(b *Bot) { b.reload = fn }
}

// WithMetrics records reply and retry counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bot) { b.metrics = m }
}

// WithSleep replaces the retry wait.
func WithSleep(fn SleepFunc) Option {
	return func(b *Bot) { b.sleep = fn }
}

// New creates a Bot. settings is read per message so model and prompt
// changes apply without a restart.
func New(reg *providers.Registry, sess *sessions.Manager, settings func() config.BotConfig, opts ...Option) *Bot {
	b := &Bot{
		providers: reg,
		sessions:  sess,
		settings:  settings,
		sleep:     sleepCtx,
		readFile:  os.ReadFile,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Reply produces the answer to in. It never fails: every error becomes an
// ERROR reply the channel can show to the user.
func (b *Bot) Reply(ctx context.Context, in bus.InboundMessage) bus.Reply {
	ctx, span := tracing.Start(ctx, tracing.SpanBot,
		attribute.String(tracing.AttrChannel, in.Channel),
		attribute.String(tracing.AttrSessionID, in.SessionID),
		attribute.String(tracing.AttrType, string(in.Type)),
	)

	reply := b.dispatch(ctx, in)

	span.SetAttributes(attribute.String(tracing.AttrReplyType, string(reply.Type)))
	tracing.End(span, nil)
	b.metrics.Reply(string(reply.Type))
	slog.Info("bot replied",
		"channel", in.Channel,
		"session", in.SessionID,
		"type", in.Type,
		"reply_type", reply.Type,
		"reply", channels.Truncate(reply.Content, 80),
	)
	return reply
}

func (b *Bot) dispatch(ctx context.Context, in bus.InboundMessage) bus.Reply {
	cfg := b.settings()

	switch in.Type {
	case bus.ContextText:
		if reply, ok := b.command(ctx, in, cfg); ok {
			return reply
		}
		p, err := b.provider(cfg)
		if err != nil {
			return errorReply(fallbackMessage)
		}
		return b.replyTextContext(ctx, p, in, cfg)

	case bus.ContextImageCreate:
		p, err := b.provider(cfg)
		if err != nil {
			return errorReply(msgImageCreateFail)
		}
		return b.createImage(ctx, p, in.Content, cfg)

	case bus.ContextImage:
		p, err := b.provider(cfg)
		if err != nil {
			return errorReply(msgDescribeFail)
		}
		return b.describeImages(ctx, p, in.Attachments, cfg)
	}
	return errorReply(fmt.Sprintf(msgUnsupportedType, in.Type))
}

func (b *Bot) provider(cfg config.BotConfig) (providers.Provider, error) {
	p, err := b.providers.Get(cfg.Provider)
	if err != nil {
		slog.Error("bot provider unavailable", "provider", cfg.Provider, "error", err)
		return nil, err
	}
	return p, nil
}

func (b *Bot) replyTextContext(ctx context.Context, p providers.Provider, in bus.InboundMessage, cfg config.BotConfig) bus.Reply {
	query := in.Content
	if appendix := b.parentAppendix(ctx, p, in.ParentAttachments, cfg); appendix != "" {
		query += "\nAppendix in origin message: ```" + appendix + "```"
	}

	msgs := b.sessions.Query(ctx, in.SessionID, query)
	slog.Debug("bot session query", "session", in.SessionID, "messages", len(msgs))

	res := b.replyText(ctx, p, in.SessionID, msgs, cfg)
	switch {
	case res.CompletionTokens == 0 && res.Content != "":
		return errorReply(res.Content)
	case res.CompletionTokens > 0:
		b.sessions.Reply(ctx, in.SessionID, res.Content, res.TotalTokens)
		return bus.Reply{Type: bus.ReplyText, Content: res.Content}
	}
	slog.Debug("bot reply used 0 tokens", "session", in.SessionID)
	return errorReply(res.Content)
}

// parentAppendix describes each image of the quoted message, one
// "<key>: <description>" line per image. Failed images are skipped.
func (b *Bot) parentAppendix(ctx context.Context, p providers.Provider, atts []bus.Attachment, cfg config.BotConfig) string {
	var out string
	for _, att := range atts {
		if att.Type != "image" {
			continue
		}
		img, err := b.loadImage(att.Path)
		if err != nil {
			slog.Warn("parent image unreadable", "key", att.Key, "error", err)
			continue
		}
		desc, err := b.describe(ctx, p, []providers.ImageContent{img}, cfg)
		if err != nil {
			slog.Warn("parent image describe failed", "key", att.Key, "error", err)
			continue
		}
		out += att.Key + ": " + desc + "\n"
	}
	return out
}

func (b *Bot) createImage(ctx context.Context, p providers.Provider, prompt string, cfg config.BotConfig) bus.Reply {
	slog.Info("bot image query", "prompt", channels.Truncate(prompt, 80))
	start := time.Now()
	url, err := p.GenerateImage(ctx, providers.ImageRequest{
		Prompt: prompt,
		Model:  cfg.ImageModel,
		Size:   cfg.ImageSize,
	})
	b.metrics.ObserveLLM("image", time.Since(start))
	if err != nil {
		slog.Error("image generation failed", "provider", p.Name(), "error", err)
		return errorReply(msgImageCreateFail)
	}
	return bus.Reply{Type: bus.ReplyImageURL, Content: url}
}

func (b *Bot) describeImages(ctx context.Context, p providers.Provider, atts []bus.Attachment, cfg config.BotConfig) bus.Reply {
	var images []providers.ImageContent
	for _, att := range atts {
		img, err := b.loadImage(att.Path)
		if err != nil {
			slog.Warn("image unreadable", "key", att.Key, "path", att.Path, "error", err)
			continue
		}
		images = append(images, img)
	}
	if len(images) == 0 {
		return errorReply(msgDescribeFail)
	}

	desc, err := b.describe(ctx, p, images, cfg)
	if err != nil {
		slog.Error("image describe failed", "provider", p.Name(), "error", err)
		return errorReply(msgDescribeFail)
	}
	return bus.Reply{Type: bus.ReplyText, Content: desc}
}

func (b *Bot) describe(ctx context.Context, p providers.Provider, images []providers.ImageContent, cfg config.BotConfig) (string, error) {
	start := time.Now()
	resp, err := p.Describe(ctx, providers.DescribeRequest{
		Prompt: describePrompt,
		Images: images,
		Model:  cfg.VisionModel,
	})
	b.metrics.ObserveLLM("describe", time.Since(start))
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (b *Bot) loadImage(path string) (providers.ImageContent, error) {
	if path == "" {
		return providers.ImageContent{}, errors.New("attachment has no local path")
	}
	data, err := b.readFile(path)
	if err != nil {
		return providers.ImageContent{}, err
	}
	return providers.ImageContent{MimeType: http.DetectContentType(data), Data: data}, nil
}

func errorReply(content string) bus.Reply {
	return bus.Reply{Type: bus.ReplyError, Content: content}
}
