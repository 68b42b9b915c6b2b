package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	apperrors "mochigami/backend/pkg/errors"
)

// Config holds all application configuration
type Config struct {
	// App
	Env      string
	HTTPPort string

	// Discord
	DiscordBotToken string

	// AI
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string
	STTBaseURL string
	STTAPIKey  string
	STTModel   string

	// Voice synthesis
	VoicevoxURL      string
	DefaultSpeakerID int

	// External tools
	FfmpegPath string
	YtdlpPath  string

	// Preferences
	PrefsDriver    string // file, memory or redis
	UserVoicesFile string
	BotConfigFile  string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int

	// Status
	StatusFile string

	// Conversation detection
	BufferWindow    time.Duration
	SilentThreshold time.Duration
	Cooldown        time.Duration
	RestartAfter    time.Duration
	GapThreshold    time.Duration
	SilenceBurst    time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Env:              getEnv("ENV", "development"),
		HTTPPort:         getEnv("HTTP_PORT", "8080"),
		DiscordBotToken:  getEnv("DISCORD_BOT_TOKEN", ""),
		LLMBaseURL:       getEnv("LLM_BASE_URL", "http://localhost:4000"),
		LLMAPIKey:        getEnv("LLM_API_KEY", ""),
		LLMModel:         getEnv("LLM_MODEL", "gemini-2.5-flash-lite"),
		STTBaseURL:       getEnv("STT_BASE_URL", ""),
		STTAPIKey:        getEnv("STT_API_KEY", ""),
		STTModel:         getEnv("STT_MODEL", "whisper-1"),
		VoicevoxURL:      getEnv("VOICEVOX_URL", "http://127.0.0.1:50021"),
		DefaultSpeakerID: getEnvInt("DEFAULT_SPEAKER_ID", 3),
		FfmpegPath:       getEnv("FFMPEG_PATH", "ffmpeg"),
		YtdlpPath:        getEnv("YTDLP_PATH", "yt-dlp"),
		PrefsDriver:      getEnv("PREFS_DRIVER", "file"),
		UserVoicesFile:   getEnv("USER_VOICES_FILE", "user_voices.json"),
		BotConfigFile:    getEnv("BOT_CONFIG_FILE", "bot_config.json"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		StatusFile:       getEnv("STATUS_FILE", "/tmp/mochigami_status.json"),
		BufferWindow:     time.Duration(getEnvInt("VOICE_BUFFER_SECONDS", 60)) * time.Second,
		SilentThreshold:  time.Duration(getEnvInt("VOICE_SILENT_SECONDS", 30)) * time.Second,
		Cooldown:         time.Duration(getEnvFloat("VOICE_COOLDOWN_MINUTES", 20) * float64(time.Minute)),
		RestartAfter:     time.Duration(getEnvFloat("VOICE_RESTART_MINUTES", 19) * float64(time.Minute)),
		GapThreshold:     time.Duration(getEnvInt("GAP_THRESHOLD_MS", 1000)) * time.Millisecond,
		SilenceBurst:     time.Duration(getEnvInt("SILENCE_BURST_MS", 500)) * time.Millisecond,
	}

	// STT shares the LLM endpoint unless pointed elsewhere
	if cfg.STTBaseURL == "" {
		cfg.STTBaseURL = cfg.LLMBaseURL
	}
	if cfg.STTAPIKey == "" {
		cfg.STTAPIKey = cfg.LLMAPIKey
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set
func (c *Config) Validate() error {
	if c.LLMBaseURL == "" {
		return apperrors.NewConfigMissingRequired("LLM_BASE_URL")
	}
	if c.LLMModel == "" {
		return apperrors.NewConfigMissingRequired("LLM_MODEL")
	}
	if c.VoicevoxURL == "" {
		return apperrors.NewConfigMissingRequired("VOICEVOX_URL")
	}
	switch c.PrefsDriver {
	case "file", "memory", "redis":
	default:
		return apperrors.NewConfigValidationFailed("PREFS_DRIVER", fmt.Sprintf("unknown driver %q", c.PrefsDriver))
	}
	if c.RestartAfter >= c.Cooldown {
		return apperrors.NewConfigValidationFailed("VOICE_RESTART_MINUTES", "must be lower than VOICE_COOLDOWN_MINUTES")
	}
	if c.BufferWindow <= 0 || c.SilentThreshold <= 0 {
		return apperrors.NewConfigValidationFailed("VOICE_BUFFER_SECONDS", "durations must be positive")
	}
	// Discord token is checked by cmd/bot so tests can load config without it
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var result float64
		if _, err := fmt.Sscanf(value, "%f", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}
