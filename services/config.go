package services

import (
	"log/slog"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	AI         AIConfig
	JWT        JWTConfig
	WebSocket  WebSocketConfig
	Interview  InterviewConfig
	Reflection ReflectionConfig
	Resume     ResumeConfig
}

type ServerConfig struct {
	Port            string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	URL             string
	AutoMigrate     bool
	LogLevel        string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

type AIConfig struct {
	// Provider is one of gemini, openrouter or static.
	Provider          string
	GeminiAPIKey      string
	GeminiModel       string
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	OpenRouterModel   string
	Timeout           time.Duration
}

type JWTConfig struct {
	Secret string
}

type WebSocketConfig struct {
	AllowedOrigins string
}

type InterviewConfig struct {
	// IdleTimeout cancels sessions untouched for this long; zero disables the reaper.
	IdleTimeout   time.Duration
	ReapInterval  time.Duration
	CancelMessage string
}

type ReflectionConfig struct {
	MaxConcurrent int
	Timeout       time.Duration
}

type ResumeConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// LoadConfig loads configuration from environment variables and config files
func LoadConfig() *Config {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.shutdown_timeout", "10s")
	viper.SetDefault("websocket.allowed_origins", "")
	viper.SetDefault("ai.provider", "")
	viper.SetDefault("ai.timeout", DefaultProviderTimeout.String())
	viper.SetDefault("gemini.api_key", "")
	viper.SetDefault("gemini.model", ModelName)
	viper.SetDefault("openrouter.api_key", "")
	viper.SetDefault("openrouter.base_url", OpenRouterBaseURL)
	viper.SetDefault("openrouter.model", OpenRouterDefaultModel)
	viper.SetDefault("jwt.secret", "")
	viper.SetDefault("database.url", "")
	viper.SetDefault("database.auto_migrate", "true")
	viper.SetDefault("database.log_level", "silent")
	viper.SetDefault("database.max_idle_conns", "10")
	viper.SetDefault("database.max_open_conns", "100")
	viper.SetDefault("database.conn_max_lifetime", "1h")
	viper.SetDefault("interview.idle_timeout", "0")
	viper.SetDefault("interview.reap_interval", "30s")
	viper.SetDefault("interview.cancel_message", "Interview cancelled after a period of inactivity.")
	viper.SetDefault("reflection.max_concurrent", DefaultMaxConcurrentScans)
	viper.SetDefault("reflection.timeout", DefaultAnalysisTimeout.String())
	viper.SetDefault("resume.base_url", "")
	viper.SetDefault("resume.token", "")
	viper.SetDefault("resume.timeout", "5s")

	// Map environment variables to config keys
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.shutdown_timeout", "SERVER_SHUTDOWN_TIMEOUT")
	viper.BindEnv("websocket.allowed_origins", "WEBSOCKET_ALLOWED_ORIGINS")
	viper.BindEnv("ai.provider", "AI_PROVIDER")
	viper.BindEnv("ai.timeout", "AI_TIMEOUT")
	viper.BindEnv("gemini.api_key", "GEMINI_API_KEY")
	viper.BindEnv("gemini.model", "GEMINI_MODEL")
	viper.BindEnv("openrouter.api_key", "OPENROUTER_API_KEY")
	viper.BindEnv("openrouter.base_url", "OPENROUTER_BASE_URL")
	viper.BindEnv("openrouter.model", "OPENROUTER_MODEL")
	viper.BindEnv("jwt.secret", "JWT_SECRET")
	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.auto_migrate", "DATABASE_AUTO_MIGRATE")
	viper.BindEnv("database.log_level", "DATABASE_LOG_LEVEL")
	viper.BindEnv("database.max_idle_conns", "DATABASE_MAX_IDLE_CONNS")
	viper.BindEnv("database.max_open_conns", "DATABASE_MAX_OPEN_CONNS")
	viper.BindEnv("database.conn_max_lifetime", "DATABASE_CONN_MAX_LIFETIME")
	viper.BindEnv("interview.idle_timeout", "INTERVIEW_IDLE_TIMEOUT")
	viper.BindEnv("interview.reap_interval", "INTERVIEW_REAP_INTERVAL")
	viper.BindEnv("interview.cancel_message", "INTERVIEW_CANCEL_MESSAGE")
	viper.BindEnv("reflection.max_concurrent", "REFLECTION_MAX_CONCURRENT")
	viper.BindEnv("reflection.timeout", "REFLECTION_TIMEOUT")
	viper.BindEnv("resume.base_url", "RESUME_BASE_URL")
	viper.BindEnv("resume.token", "RESUME_TOKEN")
	viper.BindEnv("resume.timeout", "RESUME_TIMEOUT")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			slog.Warn("Config file not found, using defaults and environment variables")
		} else {
			slog.Error("Error reading config file", "error", err)
		}
	}

	return configFromViper()
}

func configFromViper() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            viper.GetString("server.port"),
			ShutdownTimeout: viper.GetDuration("server.shutdown_timeout"),
		},
		Database: DatabaseConfig{
			URL:             viper.GetString("database.url"),
			AutoMigrate:     viper.GetBool("database.auto_migrate"),
			LogLevel:        viper.GetString("database.log_level"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			ConnMaxLifetime: viper.GetDuration("database.conn_max_lifetime"),
		},
		AI: AIConfig{
			Provider:          viper.GetString("ai.provider"),
			GeminiAPIKey:      viper.GetString("gemini.api_key"),
			GeminiModel:       viper.GetString("gemini.model"),
			OpenRouterAPIKey:  viper.GetString("openrouter.api_key"),
			OpenRouterBaseURL: viper.GetString("openrouter.base_url"),
			OpenRouterModel:   viper.GetString("openrouter.model"),
			Timeout:           viper.GetDuration("ai.timeout"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("jwt.secret"),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins: viper.GetString("websocket.allowed_origins"),
		},
		Interview: InterviewConfig{
			IdleTimeout:   viper.GetDuration("interview.idle_timeout"),
			ReapInterval:  viper.GetDuration("interview.reap_interval"),
			CancelMessage: viper.GetString("interview.cancel_message"),
		},
		Reflection: ReflectionConfig{
			MaxConcurrent: viper.GetInt("reflection.max_concurrent"),
			Timeout:       viper.GetDuration("reflection.timeout"),
		},
		Resume: ResumeConfig{
			BaseURL: viper.GetString("resume.base_url"),
			Token:   viper.GetString("resume.token"),
			Timeout: viper.GetDuration("resume.timeout"),
		},
	}
}

// QuestionProviderName resolves which provider to build. An explicit choice
// wins; otherwise the first configured API key decides.
func (c *Config) QuestionProviderName() string {
	switch c.AI.Provider {
	case "gemini", "openrouter", "static":
		return c.AI.Provider
	}
	switch {
	case c.AI.GeminiAPIKey != "":
		return "gemini"
	case c.AI.OpenRouterAPIKey != "":
		return "openrouter"
	default:
		return "static"
	}
}
