package config

import "time"

type Config struct {
	Timezone string

	LLM       LLMConfig
	Auxiliary LLMConfig
	Search    LLMConfig

	Bots     MultiBot
	Session  SessionConfig
	Draw     DrawConfig
	Tools    ToolsConfig
	Storage  StorageConfig
	API      APIConfig
	Features FeatureConfig
}

// FeatureConfig holds the runtime toggles for optional subsystems.
type FeatureConfig struct {
	DrawEnabled bool
	AIIntent    bool
}

type LLMConfig struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
}

type BotInstance struct {
	Enabled bool
	Token   string
}

type MultiBot struct {
	Telegram BotInstance
	Discord  BotInstance
}

type SessionConfig struct {
	// Timeout <= 0 disables context retention entirely
	Timeout time.Duration
}

type DrawConfig struct {
	Image      string
	CreateURL  string
	Cookies    string
	TempDir    string
	Cooldown   time.Duration
	WaitLimit  time.Duration
	HistoryAge time.Duration
}

type ToolsConfig struct {
	// ConfigFile points at the YAML server list; empty disables tools
	ConfigFile string
}

type StorageConfig struct {
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type APIConfig struct {
	Enabled bool
	Addr    string
}
