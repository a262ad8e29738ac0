package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)

	assert.Equal(t, "glm-4", cfg.Bot.Model)
	assert.Equal(t, 0.9, cfg.Bot.Temperature)
	assert.Equal(t, 0.7, cfg.Bot.TopP)
	assert.Equal(t, []string{DefaultClearMemoryCommand}, []string(cfg.Bot.ClearMemoryCommands))
	assert.Equal(t, 25560*time.Second, cfg.Dedup.TTL())
	assert.Equal(t, 8080, cfg.Gateway.Port)
	assert.False(t, cfg.Channels.Feishu.Enabled)
}

func TestLoadJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		// comments are allowed
		channels: {
			feishu: { app_id: "cli_a", app_secret: "s", verification_token: "tok", bot_name: "helper" },
		},
		bot: { model: "glm-4-air", image_create_prefix: "画" },
		gateway: { port: 9090 },
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Channels.Feishu.Enabled, "credentials auto-enable the channel")
	assert.Equal(t, "helper", cfg.Channels.Feishu.BotName)
	assert.Equal(t, "glm-4-air", cfg.Bot.Model)
	assert.Equal(t, []string{"画"}, []string(cfg.Bot.ImageCreatePrefix))
	assert.Equal(t, 9090, cfg.Gateway.Port)
	// untouched sections keep defaults
	assert.Equal(t, 4000, cfg.Channels.Feishu.TextChunkLimit)
}

func TestLoadParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHATBRIDGE_ZHIPU_API_KEY", "zk")
	t.Setenv("CHATBRIDGE_GITLAB_SECRET_TOKEN", "gl")
	t.Setenv("CHATBRIDGE_PORT", "7000")
	t.Setenv("CHATBRIDGE_IMAGE_CREATE_PREFIX", "画,draw")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, "zk", cfg.Providers.Zhipu.APIKey)
	assert.True(t, cfg.Channels.GitLab.Enabled)
	assert.Equal(t, 7000, cfg.Gateway.Port)
	assert.Equal(t, []string{"画", "draw"}, []string(cfg.Bot.ImageCreatePrefix))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr []string
	}{
		{
			name:    "no channels",
			mutate:  func(c *Config) { c.Providers.Zhipu.APIKey = "k" },
			wantErr: []string{"no channel enabled"},
		},
		{
			name: "feishu missing secret",
			mutate: func(c *Config) {
				c.Providers.Zhipu.APIKey = "k"
				c.Channels.Feishu.Enabled = true
				c.Channels.Feishu.AppID = "a"
			},
			wantErr: []string{"app_secret", "verification_token"},
		},
		{
			name:    "missing provider key",
			mutate:  func(c *Config) { c.Channels.GitLab.Enabled = true },
			wantErr: []string{"providers.zhipu"},
		},
		{
			name: "ok",
			mutate: func(c *Config) {
				c.Providers.Zhipu.APIKey = "k"
				c.Channels.GitLab.Enabled = true
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if len(tt.wantErr) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Providers.Zhipu.APIKey = "secret"
	cfg.Channels.Feishu.AppSecret = "secret"
	cfg.Channels.GitLab.SecretToken = ""

	cp := cfg.MaskedCopy()
	assert.Equal(t, secretMask, cp.Providers.Zhipu.APIKey)
	assert.Equal(t, secretMask, cp.Channels.Feishu.AppSecret)
	assert.Empty(t, cp.Channels.GitLab.SecretToken)
	assert.Equal(t, "secret", cfg.Providers.Zhipu.APIKey, "original is untouched")
}

func TestFlexibleStringSlice(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{`["a","b"]`, []string{"a", "b"}},
		{`"solo"`, []string{"solo"}},
		{`[123, "x"]`, []string{"123", "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var f FlexibleStringSlice
			require.NoError(t, json.Unmarshal([]byte(tt.in), &f))
			assert.Equal(t, tt.want, []string(f))
		})
	}
}

func TestWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{bot: {model: "a"}}`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	w := NewWatcher(path, cfg)

	var notified int
	w.OnReload(func(*Config) { notified++ })

	require.NoError(t, os.WriteFile(path, []byte(`{bot: {model: "b"}}`), 0600))
	require.NoError(t, w.Reload())
	assert.Equal(t, "b", cfg.BotSettings().Model)
	assert.Equal(t, 1, notified)

	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0600))
	assert.Error(t, w.Reload())
	assert.Equal(t, "b", cfg.BotSettings().Model, "bad file keeps live config")
}

func TestWatcherPicksUpFileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{bot: {model: "a"}}`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	w := NewWatcher(path, cfg)
	w.SetDebounce(20 * time.Millisecond)

	ctx := t.Context()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte(`{bot: {model: "c"}}`), 0600))
	assert.Eventually(t, func() bool {
		return cfg.BotSettings().Model == "c"
	}, 3*time.Second, 20*time.Millisecond)
}
