package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/providers"
	"github.com/nextlevelbuilder/chatbridge/internal/sessions"
)

type fakeProvider struct {
	mu sync.Mutex

	chatErrs  []error
	chatResp  *providers.ChatResponse
	chatCalls int
	lastChat  providers.ChatRequest

	imageURL  string
	imageErr  error
	lastImage providers.ImageRequest

	describeText string
	describeErr  error
	describes    []providers.DescribeRequest
}

func (f *fakeProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatCalls++
	f.lastChat = req
	if len(f.chatErrs) > 0 {
		err := f.chatErrs[0]
		f.chatErrs = f.chatErrs[1:]
		return nil, err
	}
	if f.chatResp != nil {
		return f.chatResp, nil
	}
	return &providers.ChatResponse{
		Content: "你好",
		Usage:   &providers.Usage{PromptTokens: 7, CompletionTokens: 2, TotalTokens: 9},
	}, nil
}

func (f *fakeProvider) GenerateImage(_ context.Context, req providers.ImageRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastImage = req
	return f.imageURL, f.imageErr
}

func (f *fakeProvider) Describe(_ context.Context, req providers.DescribeRequest) (*providers.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describes = append(f.describes, req)
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	return &providers.ChatResponse{Content: f.describeText}, nil
}

func (f *fakeProvider) DefaultModel() string { return "glm-4" }
func (f *fakeProvider) Name() string         { return "zhipu" }

type testBot struct {
	*Bot
	sessions *sessions.Manager
	slept    []time.Duration
}

func testSettings() config.BotConfig {
	return config.Default().Bot
}

func newTestBot(t *testing.T, p providers.Provider, cfg config.BotConfig, opts ...Option) *testBot {
	t.Helper()
	reg := providers.NewRegistry()
	reg.Register(p)
	settings := func() config.BotConfig { return cfg }
	tb := &testBot{sessions: sessions.NewManager(settings, sessions.WithCounter(sessions.CountFast))}
	sleep := WithSleep(func(_ context.Context, d time.Duration) error {
		tb.slept = append(tb.slept, d)
		return nil
	})
	tb.Bot = New(reg, tb.sessions, settings, append([]Option{sleep}, opts...)...)
	return tb
}

func textMsg(content string) bus.InboundMessage {
	return bus.InboundMessage{Type: bus.ContextText, Content: content, SessionID: "u1", Channel: "feishu"}
}

func TestReply_Text(t *testing.T) {
	p := &fakeProvider{}
	b := newTestBot(t, p, testSettings())

	reply := b.Reply(context.Background(), textMsg("hello"))
	assert.Equal(t, bus.Reply{Type: bus.ReplyText, Content: "你好"}, reply)

	assert.Equal(t, "glm-4", p.lastChat.Model)
	require.NotNil(t, p.lastChat.Temperature)
	assert.InDelta(t, 0.9, *p.lastChat.Temperature, 1e-9)
	require.NotNil(t, p.lastChat.TopP)
	assert.InDelta(t, 0.7, *p.lastChat.TopP, 1e-9)

	hist := b.sessions.History("u1")
	require.Len(t, hist, 2)
	assert.Equal(t, providers.Message{Role: providers.RoleUser, Content: "hello"}, hist[0])
	assert.Equal(t, providers.Message{Role: providers.RoleAssistant, Content: "你好"}, hist[1])
}

func TestReply_Commands(t *testing.T) {
	t.Run("clear memory", func(t *testing.T) {
		p := &fakeProvider{}
		b := newTestBot(t, p, testSettings())
		b.Reply(context.Background(), textMsg("hello"))

		reply := b.Reply(context.Background(), textMsg("#清除记忆"))
		assert.Equal(t, bus.Reply{Type: bus.ReplyInfo, Content: "记忆已清除"}, reply)
		assert.Nil(t, b.sessions.History("u1"))
		assert.Equal(t, 1, p.chatCalls)
	})

	t.Run("custom clear command", func(t *testing.T) {
		cfg := testSettings()
		cfg.ClearMemoryCommands = config.FlexibleStringSlice{"/reset"}
		b := newTestBot(t, &fakeProvider{}, cfg)
		reply := b.Reply(context.Background(), textMsg("/reset"))
		assert.Equal(t, bus.ReplyInfo, reply.Type)
	})

	t.Run("clear all", func(t *testing.T) {
		b := newTestBot(t, &fakeProvider{}, testSettings())
		b.Reply(context.Background(), textMsg("hello"))
		other := textMsg("hi")
		other.SessionID = "u2"
		b.Reply(context.Background(), other)
		require.Equal(t, 2, b.sessions.Len())

		reply := b.Reply(context.Background(), textMsg("#清除所有"))
		assert.Equal(t, bus.Reply{Type: bus.ReplyInfo, Content: "所有人记忆已清除"}, reply)
		assert.Equal(t, 0, b.sessions.Len())
	})

	t.Run("reload config", func(t *testing.T) {
		var reloaded atomic.Int32
		b := newTestBot(t, &fakeProvider{}, testSettings(), WithReload(func(context.Context) error {
			reloaded.Add(1)
			return nil
		}))
		reply := b.Reply(context.Background(), textMsg("#更新配置"))
		assert.Equal(t, bus.Reply{Type: bus.ReplyInfo, Content: "配置已更新"}, reply)
		assert.Equal(t, int32(1), reloaded.Load())
	})

	t.Run("reload failure", func(t *testing.T) {
		b := newTestBot(t, &fakeProvider{}, testSettings(), WithReload(func(context.Context) error {
			return errors.New("bad file")
		}))
		reply := b.Reply(context.Background(), textMsg("#更新配置"))
		assert.Equal(t, bus.ReplyError, reply.Type)
	})
}

func TestReply_Retry(t *testing.T) {
	timeout := fmt.Errorf("chat: %w", context.DeadlineExceeded)
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}

	tests := []struct {
		name      string
		errs      []error
		wantReply bus.Reply
		wantCalls int
		wantSlept []time.Duration
	}{
		{
			name:      "timeout exhausted",
			errs:      []error{timeout, timeout, timeout},
			wantReply: bus.Reply{Type: bus.ReplyError, Content: "我没有收到你的消息"},
			wantCalls: 3,
			wantSlept: []time.Duration{5 * time.Second, 5 * time.Second},
		},
		{
			name:      "connection exhausted",
			errs:      []error{refused, refused, refused},
			wantReply: bus.Reply{Type: bus.ReplyError, Content: "我连接不到你的网络"},
			wantCalls: 3,
			wantSlept: []time.Duration{5 * time.Second, 5 * time.Second},
		},
		{
			name:      "recovers after one timeout",
			errs:      []error{timeout},
			wantReply: bus.Reply{Type: bus.ReplyText, Content: "你好"},
			wantCalls: 2,
			wantSlept: []time.Duration{5 * time.Second},
		},
		{
			name:      "permanent error",
			errs:      []error{errors.New("invalid api key")},
			wantReply: bus.Reply{Type: bus.ReplyError, Content: "我现在有点累了，等会再来吧"},
			wantCalls: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{chatErrs: tt.errs}
			b := newTestBot(t, p, testSettings())

			reply := b.Reply(context.Background(), textMsg("hello"))
			assert.Equal(t, tt.wantReply, reply)
			assert.Equal(t, tt.wantCalls, p.chatCalls)
			assert.Equal(t, tt.wantSlept, b.slept)
		})
	}
}

func TestReply_PermanentErrorClearsSession(t *testing.T) {
	p := &fakeProvider{}
	b := newTestBot(t, p, testSettings())
	b.Reply(context.Background(), textMsg("hello"))
	require.Len(t, b.sessions.History("u1"), 2)

	p.chatErrs = []error{errors.New("bad request")}
	b.Reply(context.Background(), textMsg("again"))
	assert.Nil(t, b.sessions.History("u1"))
}

func TestReply_RetryWaitCanceled(t *testing.T) {
	p := &fakeProvider{chatErrs: []error{context.DeadlineExceeded, context.DeadlineExceeded}}
	b := newTestBot(t, p, testSettings(), WithSleep(func(context.Context, time.Duration) error {
		return context.Canceled
	}))

	reply := b.Reply(context.Background(), textMsg("hello"))
	assert.Equal(t, bus.Reply{Type: bus.ReplyError, Content: "我没有收到你的消息"}, reply)
	assert.Equal(t, 1, p.chatCalls)
}

func TestReply_TokenMapping(t *testing.T) {
	t.Run("zero completion tokens", func(t *testing.T) {
		p := &fakeProvider{chatResp: &providers.ChatResponse{
			Content: "内容不合规",
			Usage:   &providers.Usage{PromptTokens: 5, TotalTokens: 5},
		}}
		b := newTestBot(t, p, testSettings())
		reply := b.Reply(context.Background(), textMsg("hello"))
		assert.Equal(t, bus.Reply{Type: bus.ReplyError, Content: "内容不合规"}, reply)
		assert.Len(t, b.sessions.History("u1"), 1)
	})

	t.Run("missing usage", func(t *testing.T) {
		p := &fakeProvider{chatResp: &providers.ChatResponse{Content: "ok"}}
		b := newTestBot(t, p, testSettings())
		reply := b.Reply(context.Background(), textMsg("hello"))
		assert.Equal(t, bus.Reply{Type: bus.ReplyText, Content: "ok"}, reply)
		assert.Len(t, b.sessions.History("u1"), 2)
	})

	t.Run("empty answer", func(t *testing.T) {
		p := &fakeProvider{chatResp: &providers.ChatResponse{Usage: &providers.Usage{}}}
		b := newTestBot(t, p, testSettings())
		reply := b.Reply(context.Background(), textMsg("hello"))
		assert.Equal(t, bus.ReplyError, reply.Type)
	})
}

func TestReply_ImageCreate(t *testing.T) {
	p := &fakeProvider{imageURL: "https://cdn.example.com/cat.png"}
	b := newTestBot(t, p, testSettings())

	in := bus.InboundMessage{Type: bus.ContextImageCreate, Content: "一只猫", SessionID: "u1", Channel: "feishu"}
	reply := b.Reply(context.Background(), in)
	assert.Equal(t, bus.Reply{Type: bus.ReplyImageURL, Content: "https://cdn.example.com/cat.png"}, reply)
	assert.Equal(t, providers.ImageRequest{Prompt: "一只猫", Model: "cogview-3", Size: "1024x1024"}, p.lastImage)

	p.imageErr = errors.New("quota")
	reply = b.Reply(context.Background(), in)
	assert.Equal(t, bus.Reply{Type: bus.ReplyError, Content: "画图出现问题，请休息一下再问我吧"}, reply)
}

func writePNG(t *testing.T, dir, name string) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestReply_Image(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir, "img_1.png")

	p := &fakeProvider{describeText: "一张白色的图片"}
	b := newTestBot(t, p, testSettings())

	in := bus.InboundMessage{
		Type:        bus.ContextImage,
		Content:     path,
		SessionID:   "u1",
		Channel:     "feishu",
		Attachments: []bus.Attachment{{Type: "image", Key: "img_1", Path: path}},
	}
	reply := b.Reply(context.Background(), in)
	assert.Equal(t, bus.Reply{Type: bus.ReplyText, Content: "一张白色的图片"}, reply)

	require.Len(t, p.describes, 1)
	req := p.describes[0]
	assert.Equal(t, "请描述这些图片", req.Prompt)
	assert.Equal(t, "glm-4v", req.Model)
	require.Len(t, req.Images, 1)
	assert.Equal(t, "image/png", req.Images[0].MimeType)

	in.Attachments[0].Path = filepath.Join(dir, "missing.png")
	reply = b.Reply(context.Background(), in)
	assert.Equal(t, bus.Reply{Type: bus.ReplyError, Content: "图片描述失败，请稍后再试"}, reply)
}

func TestReply_ParentAppendix(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir, "img_k.png")

	p := &fakeProvider{describeText: "a cat"}
	b := newTestBot(t, p, testSettings())

	in := textMsg("what is this")
	in.ParentAttachments = []bus.Attachment{
		{Type: "image", Key: "img_k", Path: path},
		{Type: "image", Key: "img_gone", Path: filepath.Join(dir, "gone.png")},
	}
	reply := b.Reply(context.Background(), in)
	assert.Equal(t, bus.ReplyText, reply.Type)

	msgs := p.lastChat.Messages
	require.NotEmpty(t, msgs)
	assert.Equal(t, "what is this\nAppendix in origin message: ```img_k: a cat\n```", msgs[len(msgs)-1].Content)
	assert.Len(t, p.describes, 1)
}

func TestReply_Unsupported(t *testing.T) {
	b := newTestBot(t, &fakeProvider{}, testSettings())
	in := bus.InboundMessage{Type: bus.ContextVoice, Content: "/tmp/v.opus", SessionID: "u1", Channel: "feishu"}
	reply := b.Reply(context.Background(), in)
	assert.Equal(t, bus.Reply{Type: bus.ReplyError, Content: "Bot不支持处理VOICE类型的消息"}, reply)
}

func TestReply_UnknownProvider(t *testing.T) {
	cfg := testSettings()
	cfg.Provider = "nope"
	p := &fakeProvider{}
	b := newTestBot(t, p, cfg)

	reply := b.Reply(context.Background(), textMsg("hello"))
	assert.Equal(t, bus.Reply{Type: bus.ReplyError, Content: "我现在有点累了，等会再来吧"}, reply)
	assert.Zero(t, p.chatCalls)
}

func TestReply_RateLimitedUpstream(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	}))
	t.Cleanup(srv.Close)

	p := providers.NewOpenAIProvider("zhipu", "key", srv.URL)
	b := newTestBot(t, p, testSettings())

	reply := b.Reply(context.Background(), textMsg("hello"))
	assert.Equal(t, bus.Reply{Type: bus.ReplyError, Content: "提问太快啦，请休息一下再问我吧"}, reply)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{20 * time.Second, 20 * time.Second}, b.slept)
}

func TestSleepCtx(t *testing.T) {
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}
