// Package sessions keeps per-user conversation history for the bot,
// bounded by a token budget and an idle expiry.
package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/providers"
)

const defaultMaxTokens = 1000

// Session stores conversation history for one user.
type Session struct {
	ID       string
	Messages []providers.Message
	Created  time.Time
	Updated  time.Time
}

// Manager handles session lifecycle, persistence, and lookup.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	settings func() config.BotConfig
	count    TokenCounter
	store    Store
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore persists sessions through s.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithCounter replaces the token counter.
func WithCounter(c TokenCounter) Option {
	return func(m *Manager) { m.count = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager. settings is read on every call so prompt,
// budget and expiry follow config reloads.
func NewManager(settings func() config.BotConfig, opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		settings: settings,
		count:    CountTokens,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Query appends the user's text to session id, trims history to the token
// budget and returns the messages to send to the model.
func (m *Manager) Query(ctx context.Context, id, text string) []providers.Message {
	cfg := m.settings()

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreateLocked(ctx, id, cfg)
	s.Messages = append(s.Messages, providers.Message{Role: providers.RoleUser, Content: text})
	s.Updated = m.now()
	m.trimLocked(s, maxTokens(cfg), 0)
	m.persistLocked(ctx, s)

	out := make([]providers.Message, len(s.Messages))
	copy(out, s.Messages)
	return out
}

// Reply records the assistant's answer. totalTokens is the provider's
// authoritative count for the exchange and drives the first trim check.
func (m *Manager) Reply(ctx context.Context, id, text string, totalTokens int) {
	cfg := m.settings()

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreateLocked(ctx, id, cfg)
	s.Messages = append(s.Messages, providers.Message{Role: providers.RoleAssistant, Content: text})
	s.Updated = m.now()
	m.trimLocked(s, maxTokens(cfg), totalTokens)
	m.persistLocked(ctx, s)
}

// History returns a copy of session id's messages.
func (m *Manager) History(id string) []providers.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	out := make([]providers.Message, len(s.Messages))
	copy(out, s.Messages)
	return out
}

// Clear forgets session id.
func (m *Manager) Clear(ctx context.Context, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	if m.store != nil {
		if err := m.store.Delete(ctx, id); err != nil {
			slog.Warn("session delete failed", "session", id, "error", err)
		}
	}
}

// ClearAll forgets every session.
func (m *Manager) ClearAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]*Session)
	if m.store != nil {
		if err := m.store.DeleteAll(ctx); err != nil {
			slog.Warn("session delete all failed", "error", err)
		}
	}
}

// Len returns the number of sessions held in memory.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) getOrCreateLocked(ctx context.Context, id string, cfg config.BotConfig) *Session {
	now := m.now()
	s, ok := m.sessions[id]
	if !ok && m.store != nil {
		rec, err := m.store.Load(ctx, id)
		if err != nil {
			slog.Warn("session load failed", "session", id, "error", err)
		} else if rec != nil {
			s = &Session{ID: id, Messages: rec.Messages, Created: rec.Updated, Updated: rec.Updated}
			ok = true
		}
	}
	if ok && expired(s, cfg, now) {
		slog.Debug("session expired", "session", id)
		ok = false
	}
	if !ok {
		s = &Session{ID: id, Created: now, Updated: now}
		if cfg.CharacterDesc != "" {
			s.Messages = []providers.Message{{Role: providers.RoleSystem, Content: cfg.CharacterDesc}}
		}
	}
	m.sessions[id] = s
	return s
}

// trimLocked drops the oldest non-system messages while the conversation
// is over budget. The newest message is never dropped. knownTokens, when
// positive, replaces the estimate for the first check.
func (m *Manager) trimLocked(s *Session, budget, knownTokens int) {
	tokens := knownTokens
	if tokens <= 0 {
		tokens = m.count(s.Messages)
	}
	for tokens > budget {
		idx := firstRemovable(s.Messages)
		if idx < 0 {
			return
		}
		s.Messages = append(s.Messages[:idx], s.Messages[idx+1:]...)
		tokens = m.count(s.Messages)
	}
}

func firstRemovable(msgs []providers.Message) int {
	for i := 0; i < len(msgs)-1; i++ {
		if msgs[i].Role != providers.RoleSystem {
			return i
		}
	}
	return -1
}

func (m *Manager) persistLocked(ctx context.Context, s *Session) {
	if m.store == nil {
		return
	}
	rec := &Record{ID: s.ID, Messages: s.Messages, Updated: s.Updated}
	if err := m.store.Save(ctx, rec); err != nil {
		slog.Warn("session save failed", "session", s.ID, "error", err)
	}
}

func expired(s *Session, cfg config.BotConfig, now time.Time) bool {
	if cfg.ExpiresInSeconds <= 0 {
		return false
	}
	return now.Sub(s.Updated) > time.Duration(cfg.ExpiresInSeconds)*time.Second
}

func maxTokens(cfg config.BotConfig) int {
	if cfg.ConversationMaxTokens > 0 {
		return cfg.ConversationMaxTokens
	}
	return defaultMaxTokens
}
