package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atelierbot/atelier/internal/tools"
)

func Load() (*Config, error) {
	timezone := os.Getenv("TZ")
	if timezone == "" {
		timezone = "UTC"
	}

	llmConfig, err := loadLLMConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Timezone:  timezone,
		LLM:       llmConfig,
		Auxiliary: loadAuxiliaryConfig(),
		Search:    loadSearchConfig(),
		Bots:      loadMultiBotConfig(),
		Session:   loadSessionConfig(),
		Draw:      loadDrawConfig(),
		Tools:     ToolsConfig{ConfigFile: os.Getenv("TOOLS_CONFIG")},
		Storage:   loadStorageConfig(),
		API:       loadAPIConfig(),
		Features:  loadFeatureConfig(),
	}, nil
}

func loadFeatureConfig() FeatureConfig {
	return FeatureConfig{
		DrawEnabled: os.Getenv("DRAW_ENABLED") != "false",
		AIIntent:    os.Getenv("AI_INTENT_ENABLED") != "false",
	}
}

func loadLLMConfig() (LLMConfig, error) {
	provider := os.Getenv("LLM_PROVIDER")
	if provider == "" {
		provider = "claude"
	}

	apiKey, err := getAPIKey(provider, "LLM")
	if err != nil {
		return LLMConfig{}, err
	}

	return LLMConfig{
		Provider: provider,
		APIKey:   apiKey,
		Model:    os.Getenv("LLM_MODEL"),
		BaseURL:  os.Getenv("LLM_BASE_URL"),
	}, nil
}

// loadAuxiliaryConfig configures the cheap model used for intent
// classification. Optional: without it classification degrades to
// keyword matching.
func loadAuxiliaryConfig() LLMConfig {
	provider := os.Getenv("AUX_PROVIDER")
	if provider == "" {
		return LLMConfig{}
	}

	apiKey, err := getAPIKey(provider, "AUX")
	if err != nil {
		return LLMConfig{}
	}

	return LLMConfig{
		Provider: provider,
		APIKey:   apiKey,
		Model:    os.Getenv("AUX_MODEL"),
		BaseURL:  os.Getenv("AUX_BASE_URL"),
	}
}

// loadSearchConfig configures the search-capable provider. Optional:
// without it search intents fall back to the primary model.
func loadSearchConfig() LLMConfig {
	provider := os.Getenv("SEARCH_PROVIDER")
	if provider == "" {
		provider = "perplexity"
	}

	apiKey := os.Getenv("SEARCH_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("PERPLEXITY_API_KEY")
	}
	if apiKey == "" {
		return LLMConfig{}
	}

	model := os.Getenv("SEARCH_MODEL")
	if model == "" {
		model = "sonar"
	}

	return LLMConfig{
		Provider: provider,
		APIKey:   apiKey,
		Model:    model,
	}
}

func loadMultiBotConfig() MultiBot {
	telegramToken := os.Getenv("TELEGRAM_TOKEN")
	discordToken := os.Getenv("DISCORD_TOKEN")

	return MultiBot{
		Telegram: BotInstance{
			Enabled: telegramToken != "",
			Token:   telegramToken,
		},
		Discord: BotInstance{
			Enabled: discordToken != "",
			Token:   discordToken,
		},
	}
}

func loadSessionConfig() SessionConfig {
	minutes := 30
	if v, err := strconv.Atoi(os.Getenv("SESSION_TIMEOUT_MINUTES")); err == nil {
		minutes = v
	}

	return SessionConfig{
		Timeout: time.Duration(minutes) * time.Minute,
	}
}

func loadDrawConfig() DrawConfig {
	image := os.Getenv("BROWSER_IMAGE")
	if image == "" {
		image = "atelier-browser-sandbox:latest"
	}

	createURL := os.Getenv("DRAW_CREATE_URL")
	if createURL == "" {
		createURL = "https://www.doubao.com/chat/create-image"
	}

	tempDir := os.Getenv("DRAW_TEMP_DIR")
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "atelier-draw")
	}

	cooldown := 180
	if v, err := strconv.Atoi(os.Getenv("BROWSER_COOLDOWN_SECONDS")); err == nil && v >= 0 {
		cooldown = v
	}

	waitLimit := 300
	if v, err := strconv.Atoi(os.Getenv("DRAW_WAIT_TIMEOUT_SECONDS")); err == nil && v > 0 {
		waitLimit = v
	}

	historyAge := 24
	if v, err := strconv.Atoi(os.Getenv("DRAW_HISTORY_MAX_AGE_HOURS")); err == nil && v > 0 {
		historyAge = v
	}

	return DrawConfig{
		Image:      image,
		CreateURL:  createURL,
		Cookies:    os.Getenv("DOUBAO_COOKIES"),
		TempDir:    tempDir,
		Cooldown:   time.Duration(cooldown) * time.Second,
		WaitLimit:  time.Duration(waitLimit) * time.Second,
		HistoryAge: time.Duration(historyAge) * time.Hour,
	}
}

func loadStorageConfig() StorageConfig {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		endpoint = "minio:9000"
	}

	bucket := os.Getenv("MINIO_BUCKET")
	if bucket == "" {
		bucket = "atelier-images"
	}

	accessKey := os.Getenv("MINIO_ACCESS_KEY")
	secretKey := os.Getenv("MINIO_SECRET_KEY")

	return StorageConfig{
		Enabled:   accessKey != "" && secretKey != "",
		Endpoint:  endpoint,
		AccessKey: accessKey,
		SecretKey: secretKey,
		Bucket:    bucket,
		UseSSL:    os.Getenv("MINIO_USE_SSL") == "true",
	}
}

func loadAPIConfig() APIConfig {
	addr := os.Getenv("API_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	return APIConfig{
		Enabled: os.Getenv("API_ENABLED") != "false",
		Addr:    addr,
	}
}

func getAPIKey(provider, prefix string) (string, error) {
	envKey := os.Getenv(prefix + "_API_KEY")
	if envKey != "" {
		return envKey, nil
	}

	switch provider {
	case "claude":
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return "", fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
		return key, nil
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return "", fmt.Errorf("OPENAI_API_KEY not set")
		}
		return key, nil
	case "kimi":
		key := os.Getenv("KIMI_API_KEY")
		if key == "" {
			return "", fmt.Errorf("KIMI_API_KEY not set")
		}
		return key, nil
	case "perplexity":
		key := os.Getenv("PERPLEXITY_API_KEY")
		if key == "" {
			return "", fmt.Errorf("PERPLEXITY_API_KEY not set")
		}
		return key, nil
	case "ollama":
		// Ollama doesn't need an API key
		return "ollama", nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}
}

// LoadToolServers reads the YAML list of MCP servers. An empty path
// means tools are disabled.
func LoadToolServers(path string) ([]tools.ServerConfig, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool config: %w", err)
	}

	var parsed struct {
		Servers []tools.ServerConfig `yaml:"servers"`
	}
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse tool config: %w", err)
	}

	return parsed.Servers, nil
}
