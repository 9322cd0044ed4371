package services

import "testing"

func TestQuestionProviderName(t *testing.T) {
	tests := []struct {
		name string
		ai   AIConfig
		want string
	}{
		{"nothing configured", AIConfig{}, "static"},
		{"gemini key", AIConfig{GeminiAPIKey: "g"}, "gemini"},
		{"openrouter key", AIConfig{OpenRouterAPIKey: "o"}, "openrouter"},
		{"gemini key wins", AIConfig{GeminiAPIKey: "g", OpenRouterAPIKey: "o"}, "gemini"},
		{"explicit choice", AIConfig{Provider: "openrouter", GeminiAPIKey: "g"}, "openrouter"},
		{"explicit static", AIConfig{Provider: "static", GeminiAPIKey: "g"}, "static"},
		{"unknown choice falls back", AIConfig{Provider: "claude", OpenRouterAPIKey: "o"}, "openrouter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{AI: tt.ai}
			if got := cfg.QuestionProviderName(); got != tt.want {
				t.Fatalf("QuestionProviderName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("INTERVIEW_IDLE_TIMEOUT", "15m")
	t.Setenv("REFLECTION_MAX_CONCURRENT", "3")
	t.Setenv("DATABASE_AUTO_MIGRATE", "false")

	cfg := LoadConfig()
	if cfg.Server.Port != "9090" {
		t.Errorf("port = %q, want 9090", cfg.Server.Port)
	}
	if cfg.Interview.IdleTimeout.Minutes() != 15 {
		t.Errorf("idle timeout = %v, want 15m", cfg.Interview.IdleTimeout)
	}
	if cfg.Reflection.MaxConcurrent != 3 {
		t.Errorf("max concurrent = %d, want 3", cfg.Reflection.MaxConcurrent)
	}
	if cfg.Database.AutoMigrate {
		t.Error("auto migrate should be disabled")
	}
	if cfg.AI.GeminiModel != ModelName || cfg.AI.Timeout != DefaultProviderTimeout {
		t.Errorf("AI defaults = %+v", cfg.AI)
	}
}
