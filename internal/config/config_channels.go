package config

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	Feishu FeishuConfig `json:"feishu"`
	GitLab GitLabConfig `json:"gitlab"`
}

type FeishuConfig struct {
	Enabled           bool                `json:"enabled"`
	AppID             string              `json:"app_id"`
	AppSecret         string              `json:"app_secret"`
	VerificationToken string              `json:"verification_token,omitempty"`
	Domain            string              `json:"domain,omitempty"`           // "feishu" (default, China), "lark" (global), or custom URL
	WebhookPath       string              `json:"webhook_path,omitempty"`     // default "/feishu"
	BotName           string              `json:"bot_name,omitempty"`         // name matched against mentions[0] in groups
	TextChunkLimit    int                 `json:"text_chunk_limit,omitempty"` // default 4000
	RateLimitRPM      int                 `json:"rate_limit_rpm,omitempty"`   // per sender, 0 disables
	AllowFrom         FlexibleStringSlice `json:"allow_from"`
}

type GitLabConfig struct {
	Enabled      bool   `json:"enabled"`
	SecretToken  string `json:"secret_token,omitempty"` // compared with X-Gitlab-Token
	WebhookPath  string `json:"webhook_path,omitempty"` // default "/gitlab"
	RateLimitRPM int    `json:"rate_limit_rpm,omitempty"`
}
