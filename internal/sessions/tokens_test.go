package sessions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/providers"
)

// stalledLoader never finishes until release is closed, like a BPE
// download through an egress proxy that accepts and never answers.
func stalledLoader(t *testing.T) *encodingLoader {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	return newEncodingLoader(func() (*tiktoken.Tiktoken, error) {
		<-release
		return nil, errors.New("released")
	})
}

func TestManager_ResponsiveWhileEncodingLoads(t *testing.T) {
	l := stalledLoader(t)
	m := NewManager(settingsOf(config.BotConfig{ConversationMaxTokens: 1000}), WithCounter(l.count))

	done := make(chan []providers.Message, 1)
	go func() { done <- m.Query(context.Background(), "a", "hello") }()

	select {
	case msgs := <-done:
		require.Len(t, msgs, 1)
		assert.Equal(t, "hello", msgs[0].Content)
	case <-time.After(time.Second):
		t.Fatal("query blocked on the encoding load")
	}

	lenDone := make(chan int, 1)
	go func() { lenDone <- m.Len() }()
	select {
	case n := <-lenDone:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("manager lock held during the encoding load")
	}
}

func TestEncodingLoader_CountFallsBackUntilLoaded(t *testing.T) {
	l := stalledLoader(t)
	msgs := []providers.Message{{Role: providers.RoleUser, Content: "hello world"}}
	assert.Equal(t, CountFast(msgs), l.count(msgs))
}

func TestEncodingLoader_WarmTimesOut(t *testing.T) {
	l := stalledLoader(t)
	start := time.Now()
	assert.False(t, l.warm(20*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)
}

func TestEncodingLoader_FailedLoad(t *testing.T) {
	l := newEncodingLoader(func() (*tiktoken.Tiktoken, error) {
		return nil, errors.New("offline")
	})
	assert.False(t, l.warm(time.Second))
	msgs := []providers.Message{{Role: providers.RoleUser, Content: "a b c"}}
	assert.Equal(t, CountFast(msgs), l.count(msgs))
}
