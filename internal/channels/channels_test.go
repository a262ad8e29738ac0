package channels

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
)

type stubChannel struct {
	*BaseChannel
	sent []bus.Reply
}

func (s *stubChannel) Handler() http.Handler { return http.NotFoundHandler() }

func (s *stubChannel) Send(_ context.Context, reply bus.Reply, _ bus.InboundMessage) error {
	s.sent = append(s.sent, reply)
	return nil
}

func TestManagerRoutesByChannel(t *testing.T) {
	m := NewManager()
	ch := &stubChannel{BaseChannel: NewBaseChannel("feishu", bus.New(1), nil, nil)}
	m.RegisterChannel(ch)

	err := m.Send(context.Background(), bus.Reply{Type: bus.ReplyText, Content: "ok"}, bus.InboundMessage{Channel: "feishu"})
	require.NoError(t, err)
	require.Len(t, ch.sent, 1)

	err = m.Send(context.Background(), bus.Reply{}, bus.InboundMessage{Channel: "wechat"})
	assert.True(t, errors.Is(err, ErrUnknownChannel))
	assert.Equal(t, []string{"feishu"}, m.Names())
}

func TestPublishValidates(t *testing.T) {
	b := bus.New(4)
	base := NewBaseChannel("feishu", b, nil, nil)

	assert.False(t, base.Publish(bus.InboundMessage{Type: bus.ContextText, SessionID: "u1"}), "empty text rejected")
	assert.True(t, base.Publish(bus.InboundMessage{Type: bus.ContextText, Content: "hi", SessionID: "u1"}))

	got, ok := b.ConsumeInbound(context.Background())
	require.True(t, ok)
	assert.Equal(t, "feishu", got.Channel, "channel stamped by base")
}

func TestIsAllowed(t *testing.T) {
	open := NewBaseChannel("x", nil, nil, nil)
	assert.True(t, open.IsAllowed("anyone"))

	restricted := NewBaseChannel("x", nil, []string{"ou_1", "@ou_2"}, nil)
	assert.True(t, restricted.IsAllowed("ou_1"))
	assert.True(t, restricted.IsAllowed("ou_2"))
	assert.False(t, restricted.IsAllowed("ou_3"))
}

func TestRateLimiter(t *testing.T) {
	r := NewWebhookRateLimiter(2)
	now := time.Unix(1700000000, 0)
	r.now = func() time.Time { return now }

	assert.True(t, r.Allow("a"))
	assert.True(t, r.Allow("a"))
	assert.False(t, r.Allow("a"), "burst exhausted")
	assert.True(t, r.Allow("b"), "keys are independent")

	now = now.Add(30 * time.Second)
	assert.True(t, r.Allow("a"), "one token refilled")
}

func TestRateLimiterDisabled(t *testing.T) {
	r := NewWebhookRateLimiter(0)
	for i := 0; i < 100; i++ {
		require.True(t, r.Allow("a"))
	}
	var nilLimiter *WebhookRateLimiter
	assert.True(t, nilLimiter.Allow("a"))
}

func TestAckAndRecover(t *testing.T) {
	h := Recover("feishu", http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/feishu", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success": false}`, rec.Body.String())
}

func TestReadBodyLimit(t *testing.T) {
	big := strings.Repeat("a", MaxBodyBytes+1)
	_, err := ReadBody(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(big)))
	assert.Error(t, err)

	body, err := ReadBody(httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}")))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(body))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "hello...", Truncate("hello world", 8))
	assert.LessOrEqual(t, len([]rune(Truncate("你好世界你好世界", 7))), 5)
}
