package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInboundValidation(t *testing.T) {
	tests := []struct {
		name    string
		msg     InboundMessage
		wantErr bool
	}{
		{"text ok", InboundMessage{Type: ContextText, Content: "hi", Channel: "feishu", SessionID: "u1"}, false},
		{"unknown type", InboundMessage{Type: "VIDEO", Content: "x", Channel: "feishu", SessionID: "u1"}, true},
		{"missing channel", InboundMessage{Type: ContextText, Content: "x", SessionID: "u1"}, true},
		{"missing session", InboundMessage{Type: ContextText, Content: "x", Channel: "feishu"}, true},
		{"empty text", InboundMessage{Type: ContextText, Channel: "feishu", SessionID: "u1"}, true},
		{"empty image create", InboundMessage{Type: ContextImageCreate, Channel: "feishu", SessionID: "u1"}, true},
		{"image needs attachment", InboundMessage{Type: ContextImage, Content: "/tmp/a", Channel: "feishu", SessionID: "u1"}, true},
		{"file with empty content", InboundMessage{Type: ContextFile, Channel: "feishu", SessionID: "u1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewInbound(tt.msg)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidContext))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.msg.Type, got.OriginType, "origin defaults to type")
		})
	}
}

func TestNewInboundKeepsOrigin(t *testing.T) {
	got, err := NewInbound(InboundMessage{
		Type: ContextText, OriginType: ContextRichText, Content: "x", Channel: "feishu", SessionID: "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, ContextRichText, got.OriginType)
}

func TestPublishConsume(t *testing.T) {
	b := New(2)
	msg := InboundMessage{Type: ContextText, Content: "hi", Channel: "feishu", SessionID: "u1"}

	require.True(t, b.PublishInbound(msg))
	got, ok := b.ConsumeInbound(context.Background())
	require.True(t, ok)
	assert.Equal(t, "hi", got.Content)
}

func TestPublishFullDrops(t *testing.T) {
	b := New(1)
	var dropped int
	b.OnDrop(func(InboundMessage) { dropped++ })

	assert.True(t, b.PublishInbound(InboundMessage{MessageID: "1"}))
	assert.False(t, b.PublishInbound(InboundMessage{MessageID: "2"}))
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 1, b.Len())
}

func TestConsumeHonorsContext(t *testing.T) {
	b := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := b.ConsumeInbound(ctx)
	assert.False(t, ok)
}

func TestCloseDrains(t *testing.T) {
	b := New(4)
	b.PublishInbound(InboundMessage{MessageID: "1"})
	b.Close()

	assert.False(t, b.PublishInbound(InboundMessage{MessageID: "2"}), "closed bus rejects")

	got, ok := b.ConsumeInbound(context.Background())
	require.True(t, ok)
	assert.Equal(t, "1", got.MessageID)

	_, ok = b.ConsumeInbound(context.Background())
	assert.False(t, ok)
}
