package bot

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/providers"
	"github.com/nextlevelbuilder/chatbridge/internal/sessions"
	"github.com/nextlevelbuilder/chatbridge/internal/tracing"
)

const (
	maxRetries      = 2
	fallbackMessage = "我现在有点累了，等会再来吧"
)

type retryPolicy struct {
	wait    time.Duration
	message string
}

// retryPolicies lists the transient error kinds. Any kind not listed is
// permanent: no retry, and the session is cleared.
var retryPolicies = map[providers.ErrorKind]retryPolicy{
	providers.KindRateLimit:  {wait: 20 * time.Second, message: "提问太快啦，请休息一下再问我吧"},
	providers.KindTimeout:    {wait: 5 * time.Second, message: "我没有收到你的消息"},
	providers.KindAPIError:   {wait: 10 * time.Second, message: "请再问我一次"},
	providers.KindConnection: {wait: 5 * time.Second, message: "我连接不到你的网络"},
}

// chatResult is the outcome of replyText. A failure carries the
// user-facing message in Content and zero CompletionTokens.
type chatResult struct {
	Content          string
	CompletionTokens int
	TotalTokens      int
}

// replyText calls the chat model, retrying transient failures up to
// maxRetries times.
func (b *Bot) replyText(ctx context.Context, p providers.Provider, sessionID string, msgs []providers.Message, cfg config.BotConfig) chatResult {
	req := providers.ChatRequest{
		Messages:    msgs,
		Model:       cfg.Model,
		Temperature: &cfg.Temperature,
		TopP:        &cfg.TopP,
	}

	for attempt := 0; ; attempt++ {
		ctx, span := tracing.Start(ctx, tracing.SpanLLM, attribute.String(tracing.AttrModel, req.Model))
		start := time.Now()
		resp, err := p.Chat(ctx, req)
		b.metrics.ObserveLLM("chat", time.Since(start))
		tracing.End(span, err)
		if err == nil {
			return resultOf(resp)
		}

		if ctx.Err() != nil {
			slog.Warn("llm call abandoned", "session", sessionID, "error", err)
			return chatResult{Content: retryPolicies[providers.KindTimeout].message}
		}

		kind := providers.Classify(err)
		policy, transient := retryPolicies[kind]
		if !transient {
			slog.Error("llm call failed", "session", sessionID, "provider", p.Name(), "error", err)
			b.sessions.Clear(ctx, sessionID)
			return chatResult{Content: fallbackMessage}
		}
		slog.Warn("llm call failed", "session", sessionID, "kind", kind, "attempt", attempt+1, "error", err)
		if attempt >= maxRetries {
			return chatResult{Content: policy.message}
		}

		b.metrics.Retry(string(kind))
		slog.Warn("retrying llm call", "session", sessionID, "retry", attempt+1, "wait", policy.wait)
		if err := b.sleep(ctx, policy.wait); err != nil {
			return chatResult{Content: policy.message}
		}
	}
}

// resultOf maps a response to a chatResult. Providers that omit usage get
// a local estimate of the completion so the answer is still recorded.
func resultOf(resp *providers.ChatResponse) chatResult {
	res := chatResult{Content: sanitizeAnswer(resp.Content)}
	if resp.Usage != nil {
		res.CompletionTokens = resp.Usage.CompletionTokens
		res.TotalTokens = resp.Usage.TotalTokens
	} else if res.Content != "" {
		res.CompletionTokens = sessions.EstimateFast(res.Content)
	}
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
