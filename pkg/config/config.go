// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/voicebridge/pkg/call"
	"github.com/vango-go/voicebridge/pkg/gemini"
)

// Config covers both the gateway server and the workflow worker. Each
// process validates only the fields it needs.
type Config struct {
	HTTPAddr      string
	PublicBaseURL string
	LogLevel      string

	GeminiAPIKey   string
	GeminiEndpoint string
	GeminiModel    string
	GeminiVoice    string
	VAD            gemini.VADConfig

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string

	TemporalHostPort  string
	TemporalNamespace string
	TaskQueue         string

	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PrewarmTTL      time.Duration
	MaxCallDuration time.Duration
	ShutdownTimeout time.Duration

	DefaultGreeting     string
	DefaultSystemPrompt string
}

// LoadFromEnv reads configuration from the environment, applying defaults.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		HTTPAddr:      envOr("VOICEBRIDGE_HTTP_ADDR", ":8080"),
		PublicBaseURL: os.Getenv("VOICEBRIDGE_PUBLIC_URL"),
		LogLevel:      envOr("VOICEBRIDGE_LOG_LEVEL", "info"),

		GeminiAPIKey:   os.Getenv("GEMINI_API_KEY"),
		GeminiEndpoint: os.Getenv("GEMINI_LIVE_ENDPOINT"),
		GeminiModel:    envOr("GEMINI_MODEL", gemini.DefaultModel),
		GeminiVoice:    envOr("GEMINI_VOICE", gemini.DefaultVoice),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber: os.Getenv("TWILIO_FROM_NUMBER"),

		TemporalHostPort:  envOr("TEMPORAL_HOST_PORT", "127.0.0.1:7233"),
		TemporalNamespace: envOr("TEMPORAL_NAMESPACE", "default"),
		TaskQueue:         envOr("TEMPORAL_TASK_QUEUE", call.DefaultTaskQueue),

		PostgresDSN:   os.Getenv("POSTGRES_DSN"),
		RedisAddr:     envOr("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		DefaultGreeting:     envOr("VOICEBRIDGE_GREETING", "Hello! How can I help you today?"),
		DefaultSystemPrompt: os.Getenv("VOICEBRIDGE_SYSTEM_PROMPT"),
	}

	var err error
	if cfg.RedisDB, err = envIntOr("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.PrewarmTTL, err = envDurationOr("VOICEBRIDGE_PREWARM_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxCallDuration, err = envDurationOr("VOICEBRIDGE_MAX_CALL_DURATION", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = envDurationOr("VOICEBRIDGE_SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}

	vad := gemini.DefaultVADConfig()
	if vad.Disabled, err = envBoolOr("VOICEBRIDGE_VAD_DISABLED", vad.Disabled); err != nil {
		return nil, err
	}
	vad.StartSensitivity = envOr("VOICEBRIDGE_VAD_START_SENSITIVITY", vad.StartSensitivity)
	vad.EndSensitivity = envOr("VOICEBRIDGE_VAD_END_SENSITIVITY", vad.EndSensitivity)
	if vad.PrefixPaddingMs, err = envIntOr("VOICEBRIDGE_VAD_PREFIX_PADDING_MS", vad.PrefixPaddingMs); err != nil {
		return nil, err
	}
	if vad.SilenceDurationMs, err = envIntOr("VOICEBRIDGE_VAD_SILENCE_MS", vad.SilenceDurationMs); err != nil {
		return nil, err
	}
	cfg.VAD = vad

	return cfg, nil
}

// ValidateServer checks the fields the gateway server needs.
func (c *Config) ValidateServer() error {
	var missing []string
	if c.GeminiAPIKey == "" {
		missing = append(missing, "GEMINI_API_KEY")
	}
	if c.PublicBaseURL == "" {
		missing = append(missing, "VOICEBRIDGE_PUBLIC_URL")
	}
	if c.RedisAddr == "" {
		missing = append(missing, "REDIS_ADDR")
	}
	return missingErr(missing)
}

// ValidateWorker checks the fields the workflow worker needs.
func (c *Config) ValidateWorker() error {
	var missing []string
	if c.TwilioAccountSID == "" {
		missing = append(missing, "TWILIO_ACCOUNT_SID")
	}
	if c.TwilioAuthToken == "" {
		missing = append(missing, "TWILIO_AUTH_TOKEN")
	}
	if c.TwilioFromNumber == "" {
		missing = append(missing, "TWILIO_FROM_NUMBER")
	}
	if c.PostgresDSN == "" {
		missing = append(missing, "POSTGRES_DSN")
	}
	if c.PublicBaseURL == "" {
		missing = append(missing, "VOICEBRIDGE_PUBLIC_URL")
	}
	if c.RedisAddr == "" {
		missing = append(missing, "REDIS_ADDR")
	}
	return missingErr(missing)
}

func missingErr(missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q is not an integer", key, v)
	}
	return n, nil
}

func envBoolOr(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %q is not a boolean", key, v)
	}
	return b, nil
}

func envDurationOr(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q is not a duration", key, v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}
