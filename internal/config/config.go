package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*f = []string{single}
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the chatbridge gateway.
type Config struct {
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Bot       BotConfig       `json:"bot"`
	Gateway   GatewayConfig   `json:"gateway"`
	Sessions  SessionsConfig  `json:"sessions"`
	Dedup     DedupConfig     `json:"dedup,omitempty"`
	Media     MediaConfig     `json:"media,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig controls the HTTP listener and the reply dispatcher.
type GatewayConfig struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	Workers             int    `json:"workers,omitempty"`               // dispatcher goroutines (default 4)
	QueueSize           int    `json:"queue_size,omitempty"`            // inbound bus buffer (default 256)
	ReplyTimeoutSeconds int    `json:"reply_timeout_seconds,omitempty"` // per-message bot+send budget (default 120)
}

// ReplyTimeout returns the per-message processing budget.
func (g GatewayConfig) ReplyTimeout() time.Duration {
	if g.ReplyTimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(g.ReplyTimeoutSeconds) * time.Second
}

// ProvidersConfig holds credentials for OpenAI-compatible backends.
type ProvidersConfig struct {
	Zhipu  ProviderConfig `json:"zhipu"`
	OpenAI ProviderConfig `json:"openai"`
}

// ProviderConfig is one OpenAI-compatible endpoint.
type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base,omitempty"`
}

// BotConfig configures reply generation.
type BotConfig struct {
	Provider              string              `json:"provider"`                         // "zhipu" (default) or "openai"
	Model                 string              `json:"model"`                            // chat model (default "glm-4")
	Temperature           float64             `json:"temperature"`                      // default 0.9
	TopP                  float64             `json:"top_p"`                            // default 0.7
	ImageModel            string              `json:"image_model,omitempty"`            // default "cogview-3"
	ImageSize             string              `json:"image_size,omitempty"`             // default "1024x1024"
	VisionModel           string              `json:"vision_model,omitempty"`           // default "glm-4v"
	ImageCreatePrefix     FlexibleStringSlice `json:"image_create_prefix,omitempty"`    // e.g. ["画", "draw"]
	ClearMemoryCommands   FlexibleStringSlice `json:"clear_memory_commands,omitempty"`  // default ["#清除记忆"]
	CharacterDesc         string              `json:"character_desc,omitempty"`         // system prompt
	ConversationMaxTokens int                 `json:"conversation_max_tokens,omitempty"` // history budget (default 1000)
	ExpiresInSeconds      int                 `json:"expires_in_seconds,omitempty"`     // session idle expiry (0 = never)
	VoiceReplyVoice       bool                `json:"voice_reply_voice,omitempty"`
}

// SessionsConfig selects where conversation history lives.
type SessionsConfig struct {
	Storage string `json:"storage,omitempty"` // "memory" (default) or "sqlite"
	Path    string `json:"path,omitempty"`    // sqlite file (default "~/.chatbridge/sessions.db")
}

// DedupConfig tunes the webhook idempotency cache.
type DedupConfig struct {
	TTLSeconds int `json:"ttl_seconds,omitempty"` // default 25560 (7.1h)
	Size       int `json:"size,omitempty"`        // default 4096
}

// TTL returns the configured dedup window.
func (d DedupConfig) TTL() time.Duration {
	if d.TTLSeconds <= 0 {
		return 25560 * time.Second
	}
	return time.Duration(d.TTLSeconds) * time.Second
}

// MediaConfig controls where downloaded attachments are written.
type MediaConfig struct {
	TmpDir string `json:"tmp_dir,omitempty"` // default os.TempDir()/chatbridge
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`  // debug, info (default), warn, error
	Format string `json:"format,omitempty"` // "text" (default) or "json"
	Caller bool   `json:"caller,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext transport for local collectors
	ServiceName string            `json:"service_name,omitempty"` // default "chatbridge"
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
	SampleRate  float64           `json:"sample_rate,omitempty"`  // 0 or >=1 samples everything
}

// Snapshot returns a copy of the data fields taken under the read lock.
func (c *Config) Snapshot() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Config{
		Channels:  c.Channels,
		Providers: c.Providers,
		Bot:       c.Bot,
		Gateway:   c.Gateway,
		Sessions:  c.Sessions,
		Dedup:     c.Dedup,
		Media:     c.Media,
		Logging:   c.Logging,
		Telemetry: c.Telemetry,
	}
}

// BotSettings returns the current bot section.
func (c *Config) BotSettings() BotConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Bot
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	snap := src.Snapshot()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Channels = snap.Channels
	c.Providers = snap.Providers
	c.Bot = snap.Bot
	c.Gateway = snap.Gateway
	c.Sessions = snap.Sessions
	c.Dedup = snap.Dedup
	c.Media = snap.Media
	c.Logging = snap.Logging
	c.Telemetry = snap.Telemetry
}
