package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName string
	AppEnv  string
	AppPort string

	DatabaseURL string
	RedisURL    string
	NATSUrl     string

	JWTSecret string

	AIProvider      string
	AIModel         string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	SpeechModel     string
	SpeechMaxBytes  int64

	SyncWait time.Duration

	QueueWorkers        int
	QueueBuffer         int
	QueueRedeliverLimit int

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryJitter      float64

	BreakerThreshold int
	BreakerOpenFor   time.Duration

	FallbackEnabled bool
	ResultTTL       time.Duration

	RateLimitMax    int
	RateLimitWindow time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("EVAL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "PrepStack Eval API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("ai.provider", "openai")
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("speech.model", "whisper-1")
	v.SetDefault("speech.max_file_bytes", 25<<20)
	v.SetDefault("sync_wait", "30s")
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.buffer", 64)
	v.SetDefault("queue.redeliver_limit", 2)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "500ms")
	v.SetDefault("retry.max_delay", "10s")
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("breaker.threshold", 5)
	v.SetDefault("breaker.open_for", "30s")
	v.SetDefault("fallback.enabled", true)
	v.SetDefault("result_ttl", "24h")
	v.SetDefault("rate_limit.max", 30)
	v.SetDefault("rate_limit.window", "1m")

	durations := map[string]time.Duration{}
	for _, key := range []string{"sync_wait", "retry.base_delay", "retry.max_delay", "breaker.open_for", "result_ttl", "rate_limit.window"} {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid duration for %s: %w", key, err)
		}
		durations[key] = parsed
	}

	cfg := Config{
		AppName:             v.GetString("app.name"),
		AppEnv:              v.GetString("app.env"),
		AppPort:             v.GetString("app.port"),
		DatabaseURL:         v.GetString("database.url"),
		RedisURL:            v.GetString("redis.url"),
		NATSUrl:             v.GetString("nats.url"),
		JWTSecret:           v.GetString("jwt.secret"),
		AIProvider:          strings.ToLower(v.GetString("ai.provider")),
		AIModel:             v.GetString("ai.model"),
		OpenAIAPIKey:        v.GetString("openai_api_key"),
		AnthropicAPIKey:     v.GetString("anthropic_api_key"),
		SpeechModel:         v.GetString("speech.model"),
		SpeechMaxBytes:      v.GetInt64("speech.max_file_bytes"),
		SyncWait:            durations["sync_wait"],
		QueueWorkers:        v.GetInt("queue.workers"),
		QueueBuffer:         v.GetInt("queue.buffer"),
		QueueRedeliverLimit: v.GetInt("queue.redeliver_limit"),
		RetryMaxAttempts:    v.GetInt("retry.max_attempts"),
		RetryBaseDelay:      durations["retry.base_delay"],
		RetryMaxDelay:       durations["retry.max_delay"],
		RetryJitter:         v.GetFloat64("retry.jitter"),
		BreakerThreshold:    v.GetInt("breaker.threshold"),
		BreakerOpenFor:      durations["breaker.open_for"],
		FallbackEnabled:     v.GetBool("fallback.enabled"),
		ResultTTL:           durations["result_ttl"],
		RateLimitMax:        v.GetInt("rate_limit.max"),
		RateLimitWindow:     durations["rate_limit.window"],
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	if cfg.RetryJitter < 0 || cfg.RetryJitter >= 1 {
		return Config{}, fmt.Errorf("retry jitter must be in [0,1)")
	}

	if cfg.SpeechMaxBytes <= 0 {
		cfg.SpeechMaxBytes = 25 << 20
	}

	return cfg, nil
}
