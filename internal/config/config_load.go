package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// DefaultClearMemoryCommand is the command that wipes the caller's history.
const DefaultClearMemoryCommand = "#清除记忆"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Channels: ChannelsConfig{
			Feishu: FeishuConfig{
				Domain:         "feishu",
				WebhookPath:    "/feishu",
				TextChunkLimit: 4000,
			},
			GitLab: GitLabConfig{
				WebhookPath: "/gitlab",
			},
		},
		Providers: ProvidersConfig{
			Zhipu: ProviderConfig{APIBase: "https://open.bigmodel.cn/api/paas/v4/"},
		},
		Bot: BotConfig{
			Provider:              "zhipu",
			Model:                 "glm-4",
			Temperature:           0.9,
			TopP:                  0.7,
			ImageModel:            "cogview-3",
			ImageSize:             "1024x1024",
			VisionModel:           "glm-4v",
			ClearMemoryCommands:   FlexibleStringSlice{DefaultClearMemoryCommand},
			ConversationMaxTokens: 1000,
		},
		Gateway: GatewayConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			Workers:             4,
			QueueSize:           256,
			ReplyTimeoutSeconds: 120,
		},
		Sessions: SessionsConfig{
			Storage: "memory",
			Path:    "~/.chatbridge/sessions.db",
		},
		Dedup: DedupConfig{
			TTLSeconds: 25560,
			Size:       4096,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "chatbridge",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("CHATBRIDGE_ZHIPU_API_KEY", &c.Providers.Zhipu.APIKey)
	envStr("CHATBRIDGE_ZHIPU_API_BASE", &c.Providers.Zhipu.APIBase)
	envStr("CHATBRIDGE_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("CHATBRIDGE_OPENAI_API_BASE", &c.Providers.OpenAI.APIBase)

	envStr("CHATBRIDGE_FEISHU_APP_ID", &c.Channels.Feishu.AppID)
	envStr("CHATBRIDGE_FEISHU_APP_SECRET", &c.Channels.Feishu.AppSecret)
	envStr("CHATBRIDGE_FEISHU_VERIFICATION_TOKEN", &c.Channels.Feishu.VerificationToken)
	envStr("CHATBRIDGE_FEISHU_BOT_NAME", &c.Channels.Feishu.BotName)
	envStr("CHATBRIDGE_FEISHU_DOMAIN", &c.Channels.Feishu.Domain)
	envStr("CHATBRIDGE_GITLAB_SECRET_TOKEN", &c.Channels.GitLab.SecretToken)

	// Auto-enable channels if credentials are provided
	if c.Channels.Feishu.AppID != "" && c.Channels.Feishu.AppSecret != "" {
		c.Channels.Feishu.Enabled = true
	}
	if c.Channels.GitLab.SecretToken != "" {
		c.Channels.GitLab.Enabled = true
	}

	envStr("CHATBRIDGE_PROVIDER", &c.Bot.Provider)
	envStr("CHATBRIDGE_MODEL", &c.Bot.Model)
	envStr("CHATBRIDGE_CHARACTER_DESC", &c.Bot.CharacterDesc)

	envStr("CHATBRIDGE_HOST", &c.Gateway.Host)
	envInt("CHATBRIDGE_PORT", &c.Gateway.Port)
	envInt("CHATBRIDGE_WORKERS", &c.Gateway.Workers)

	envStr("CHATBRIDGE_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("CHATBRIDGE_SESSIONS_PATH", &c.Sessions.Path)
	envStr("CHATBRIDGE_TMP_DIR", &c.Media.TmpDir)

	envStr("CHATBRIDGE_LOG_LEVEL", &c.Logging.Level)
	envStr("CHATBRIDGE_LOG_FORMAT", &c.Logging.Format)

	envStr("CHATBRIDGE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("CHATBRIDGE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("CHATBRIDGE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("CHATBRIDGE_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("CHATBRIDGE_TELEMETRY_INSECURE", &c.Telemetry.Insecure)

	if v := os.Getenv("CHATBRIDGE_IMAGE_CREATE_PREFIX"); v != "" {
		c.Bot.ImageCreatePrefix = strings.Split(v, ",")
	}
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate performs presence checks on enabled components.
// All problems are reported together.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	if c.Channels.Feishu.Enabled {
		if c.Channels.Feishu.AppID == "" || c.Channels.Feishu.AppSecret == "" {
			errs = append(errs, errors.New("channels.feishu: app_id and app_secret are required"))
		}
		if c.Channels.Feishu.VerificationToken == "" {
			errs = append(errs, errors.New("channels.feishu: verification_token is required"))
		}
	}
	if !c.Channels.Feishu.Enabled && !c.Channels.GitLab.Enabled {
		errs = append(errs, errors.New("channels: no channel enabled"))
	}
	if c.providerLocked(c.Bot.Provider).APIKey == "" {
		errs = append(errs, fmt.Errorf("providers.%s: api_key is required", c.Bot.Provider))
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port: invalid port %d", c.Gateway.Port))
	}
	return errors.Join(errs...)
}

// Provider returns the credentials for a named provider.
func (c *Config) Provider(name string) ProviderConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.providerLocked(name)
}

func (c *Config) providerLocked(name string) ProviderConfig {
	switch name {
	case "openai":
		return c.Providers.OpenAI
	default:
		return c.Providers.Zhipu
	}
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by the doctor command so credentials never reach the terminal.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Providers.Zhipu.APIKey)
	maskNonEmpty(&cp.Providers.OpenAI.APIKey)
	maskNonEmpty(&cp.Channels.Feishu.AppSecret)
	maskNonEmpty(&cp.Channels.Feishu.VerificationToken)
	maskNonEmpty(&cp.Channels.GitLab.SecretToken)
	for k := range cp.Telemetry.Headers {
		cp.Telemetry.Headers[k] = secretMask
	}

	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
