package sessions

import (
	"context"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/providers"
)

// runeCounter counts one token per rune so budgets are easy to reason about.
func runeCounter(msgs []providers.Message) int {
	n := 0
	for _, m := range msgs {
		n += utf8.RuneCountInString(m.Content)
	}
	return n
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type memStore struct {
	mu   sync.Mutex
	recs map[string]*Record
}

func newMemStore() *memStore { return &memStore{recs: map[string]*Record{}} }

func (s *memStore) Load(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	cp.Messages = append([]providers.Message(nil), rec.Messages...)
	return &cp, nil
}

func (s *memStore) Save(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.Messages = append([]providers.Message(nil), rec.Messages...)
	s.recs[rec.ID] = &cp
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, id)
	return nil
}

func (s *memStore) DeleteAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = map[string]*Record{}
	return nil
}

func (s *memStore) Close() error { return nil }

func settingsOf(cfg config.BotConfig) func() config.BotConfig {
	return func() config.BotConfig { return cfg }
}

func TestManager_QueryIncludesSystemPrompt(t *testing.T) {
	m := NewManager(settingsOf(config.BotConfig{CharacterDesc: "sys", ConversationMaxTokens: 100}), WithCounter(runeCounter))

	msgs := m.Query(context.Background(), "u1", "hello")
	require.Len(t, msgs, 2)
	assert.Equal(t, providers.RoleSystem, msgs[0].Role)
	assert.Equal(t, "sys", msgs[0].Content)
	assert.Equal(t, providers.Message{Role: providers.RoleUser, Content: "hello"}, msgs[1])

	m.Reply(context.Background(), "u1", "hi there", 0)
	hist := m.History("u1")
	require.Len(t, hist, 3)
	assert.Equal(t, providers.RoleAssistant, hist[2].Role)
}

func TestManager_NoSystemPromptWhenEmpty(t *testing.T) {
	m := NewManager(settingsOf(config.BotConfig{ConversationMaxTokens: 100}), WithCounter(runeCounter))
	msgs := m.Query(context.Background(), "u1", "hello")
	require.Len(t, msgs, 1)
	assert.Equal(t, providers.RoleUser, msgs[0].Role)
}

func TestManager_TrimDropsOldestNonSystem(t *testing.T) {
	ctx := context.Background()
	m := NewManager(settingsOf(config.BotConfig{CharacterDesc: "sys", ConversationMaxTokens: 10}), WithCounter(runeCounter))

	m.Query(ctx, "u1", "aaaa")    // 7
	m.Reply(ctx, "u1", "bbbb", 0) // 11, drops "aaaa"
	hist := m.History("u1")
	require.Len(t, hist, 2)
	assert.Equal(t, "sys", hist[0].Content)
	assert.Equal(t, "bbbb", hist[1].Content)

	msgs := m.Query(ctx, "u1", "cc") // 9
	require.Len(t, msgs, 3)
	assert.Equal(t, "cc", msgs[2].Content)
}

func TestManager_TrimKeepsNewestMessage(t *testing.T) {
	m := NewManager(settingsOf(config.BotConfig{ConversationMaxTokens: 2}), WithCounter(runeCounter))
	msgs := m.Query(context.Background(), "u1", "abcdefgh")
	require.Len(t, msgs, 1)
	assert.Equal(t, "abcdefgh", msgs[0].Content)
}

func TestManager_ReplyUsesProviderTokenCount(t *testing.T) {
	ctx := context.Background()
	m := NewManager(settingsOf(config.BotConfig{ConversationMaxTokens: 50}), WithCounter(runeCounter))

	m.Query(ctx, "u1", "q1")
	m.Reply(ctx, "u1", "a1", 0)
	m.Query(ctx, "u1", "q2")
	// The estimate is tiny but the provider reports the exchange over budget.
	m.Reply(ctx, "u1", "a2", 500)

	hist := m.History("u1")
	require.Len(t, hist, 3)
	assert.Equal(t, "a1", hist[0].Content)
}

func TestManager_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := NewManager(
		settingsOf(config.BotConfig{CharacterDesc: "sys", ConversationMaxTokens: 100, ExpiresInSeconds: 60}),
		WithCounter(runeCounter), WithClock(clock.now),
	)

	m.Query(ctx, "u1", "first")
	m.Reply(ctx, "u1", "answer", 0)

	clock.advance(30 * time.Second)
	assert.Len(t, m.Query(ctx, "u1", "second"), 4)

	clock.advance(61 * time.Second)
	msgs := m.Query(ctx, "u1", "third")
	require.Len(t, msgs, 2)
	assert.Equal(t, "sys", msgs[0].Content)
	assert.Equal(t, "third", msgs[1].Content)
}

func TestManager_Clear(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	m := NewManager(settingsOf(config.BotConfig{ConversationMaxTokens: 100}), WithCounter(runeCounter), WithStore(store))

	m.Query(ctx, "u1", "a")
	m.Query(ctx, "u2", "b")
	assert.Equal(t, 2, m.Len())

	m.Clear(ctx, "u1")
	assert.Nil(t, m.History("u1"))
	assert.Equal(t, 1, m.Len())
	rec, _ := store.Load(ctx, "u1")
	assert.Nil(t, rec)

	m.ClearAll(ctx)
	assert.Equal(t, 0, m.Len())
	rec, _ = store.Load(ctx, "u2")
	assert.Nil(t, rec)
}

func TestManager_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	settings := settingsOf(config.BotConfig{CharacterDesc: "sys", ConversationMaxTokens: 100})

	m1 := NewManager(settings, WithCounter(runeCounter), WithStore(store))
	m1.Query(ctx, "u1", "remember me")
	m1.Reply(ctx, "u1", "ok", 0)

	m2 := NewManager(settings, WithCounter(runeCounter), WithStore(store))
	msgs := m2.Query(ctx, "u1", "again")
	require.Len(t, msgs, 4)
	assert.Equal(t, "remember me", msgs[1].Content)
	assert.Equal(t, "again", msgs[3].Content)
}

func TestManager_SettingsFollowReload(t *testing.T) {
	ctx := context.Background()
	cfg := config.BotConfig{ConversationMaxTokens: 100}
	m := NewManager(func() config.BotConfig { return cfg }, WithCounter(runeCounter))

	m.Query(ctx, "u1", "aaaaa")
	m.Query(ctx, "u1", "bbbbb")
	cfg.ConversationMaxTokens = 6
	msgs := m.Query(ctx, "u1", "c")
	require.Len(t, msgs, 2)
	assert.Equal(t, "bbbbb", msgs[0].Content)
}

func TestEstimateFast(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"   ", 0},
		{"a", 1},
		{"hello world", 2},
		{"abcdefghijklmnop", 4},
		{"你好世界", 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EstimateFast(tt.in), tt.in)
	}
}

func TestCountFast(t *testing.T) {
	msgs := []providers.Message{{Role: "user", Content: "hello world"}, {Role: "assistant", Content: ""}}
	assert.Equal(t, 2*perMessageOverhead+2, CountFast(msgs))
}
