// Package config reads the terminal service settings from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	Port string

	SumUpAPIURL       string
	SumUpAPIKey       string
	SumUpMerchantCode string

	TEURAPIURL string
	TEURAPIKey string

	CallbackSigningKey   string
	CallbackPreviousKeys []string
	CallbackAPIKey       string

	WebhookURL    string
	WebhookSecret string

	JournalPath  string
	DatabaseURL  string
	InboxPath    string
	RedisURL     string
	KafkaBrokers string
	KafkaTopic   string
	NATSURL      string
	TerminalID   string
	OTLPEndpoint string

	PollInterval  time.Duration
	StatusTimeout time.Duration
	TokenTimeout  time.Duration
}

// Load reads the environment. Unset durations keep the orchestrator defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getEnv("PORT", "8090"),
		SumUpAPIURL:        os.Getenv("SUMUP_API_URL"),
		SumUpAPIKey:        os.Getenv("SUMUP_API_KEY"),
		SumUpMerchantCode:  os.Getenv("SUMUP_MERCHANT_CODE"),
		TEURAPIURL:         os.Getenv("TEUR_API_URL"),
		TEURAPIKey:         os.Getenv("TEUR_API_KEY"),
		CallbackSigningKey: os.Getenv("CALLBACK_SIGNING_KEY"),
		CallbackAPIKey:     os.Getenv("CALLBACK_API_KEY"),
		WebhookURL:         os.Getenv("WEBHOOK_URL"),
		WebhookSecret:      os.Getenv("WEBHOOK_SECRET"),
		JournalPath:        getEnv("JOURNAL_PATH", "teur-journal.db"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		InboxPath:          os.Getenv("INBOX_PATH"),
		RedisURL:           os.Getenv("REDIS_URL"),
		KafkaBrokers:       os.Getenv("KAFKA_BROKERS"),
		KafkaTopic:         os.Getenv("KAFKA_TOPIC"),
		NATSURL:            os.Getenv("NATS_URL"),
		TerminalID:         getEnv("TERMINAL_ID", "terminal-1"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	cfg.CallbackPreviousKeys = getList("CALLBACK_SIGNING_KEYS_PREVIOUS")

	var err error
	if cfg.PollInterval, err = getDuration("POLL_INTERVAL"); err != nil {
		return nil, err
	}
	if cfg.StatusTimeout, err = getDuration("STATUS_TIMEOUT"); err != nil {
		return nil, err
	}
	if cfg.TokenTimeout, err = getDuration("TOKEN_TIMEOUT"); err != nil {
		return nil, err
	}

	if cfg.SumUpAPIKey == "" || cfg.SumUpMerchantCode == "" {
		return nil, fmt.Errorf("config: SUMUP_API_KEY and SUMUP_MERCHANT_CODE are required")
	}
	if cfg.TEURAPIURL == "" {
		return nil, fmt.Errorf("config: TEUR_API_URL is required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive", key)
	}
	return d, nil
}

func getList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
