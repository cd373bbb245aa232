package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	LogJSON  bool   `mapstructure:"LOG_JSON"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMigrate   bool   `mapstructure:"DB_MIGRATE"`
	BoltPath    string `mapstructure:"BOLT_PATH"`
	SeedFile    string `mapstructure:"SEED_FILE"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	AuthMode       string `mapstructure:"AUTH_MODE"`
	AuthHMACSecret string `mapstructure:"AUTH_HMAC_SECRET"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthUserClaim  string `mapstructure:"AUTH_USER_CLAIM"`
	AuthRoleClaim  string `mapstructure:"AUTH_ROLE_CLAIM"`

	OutboundQueueSize    int     `mapstructure:"OUTBOUND_QUEUE_SIZE"`
	RateRPS              float64 `mapstructure:"RATE_RPS"`
	RateBurst            int     `mapstructure:"RATE_BURST"`
	MaxTicketsPerSupport int     `mapstructure:"MAX_TICKETS_PER_SUPPORT"`
	AllowTicketReopening bool    `mapstructure:"ALLOW_TICKET_REOPENING"`
	MessageMaxLength     int     `mapstructure:"MESSAGE_MAX_LENGTH"`

	WebhookURLs        string        `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret      string        `mapstructure:"WEBHOOK_SECRET"`
	WebhookMaxAttempts int           `mapstructure:"WEBHOOK_MAX_ATTEMPTS"`
	WebhookTimeout     time.Duration `mapstructure:"WEBHOOK_TIMEOUT"`

	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string `mapstructure:"KAFKA_TOPIC"`

	AllowOrigins    string        `mapstructure:"ALLOW_ORIGINS"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
}

var defaults = map[string]any{
	"PORT":                    "8080",
	"LOG_LEVEL":               "info",
	"LOG_JSON":                false,
	"DATABASE_URL":            "",
	"DB_MIGRATE":              true,
	"BOLT_PATH":               "",
	"SEED_FILE":               "",
	"REDIS_URL":               "",
	"AUTH_MODE":               "dev",
	"AUTH_HMAC_SECRET":        "",
	"AUTH_JWKS_URL":           "",
	"AUTH_USER_CLAIM":         "sub",
	"AUTH_ROLE_CLAIM":         "role",
	"OUTBOUND_QUEUE_SIZE":     64,
	"RATE_RPS":                10.0,
	"RATE_BURST":              20,
	"MAX_TICKETS_PER_SUPPORT": 0,
	"ALLOW_TICKET_REOPENING":  false,
	"MESSAGE_MAX_LENGTH":      5000,
	"WEBHOOK_URLS":            "",
	"WEBHOOK_SECRET":          "",
	"WEBHOOK_MAX_ATTEMPTS":    10,
	"WEBHOOK_TIMEOUT":         "5s",
	"KAFKA_BROKERS":           "",
	"KAFKA_TOPIC":             "ticketdesk.events",
	"ALLOW_ORIGINS":           "*",
	"SHUTDOWN_TIMEOUT":        "10s",
}

// Load reads the environment and an optional .env file in the working
// directory. Environment variables win over the file.
func Load() (Config, error) {
	return LoadFile(".env")
}

func LoadFile(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()
	_ = v.ReadInConfig()

	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch strings.ToLower(c.AuthMode) {
	case "dev", "hmac", "jwks":
	default:
		return fmt.Errorf("AUTH_MODE must be dev, hmac or jwks, got %q", c.AuthMode)
	}
	if strings.EqualFold(c.AuthMode, "hmac") && c.AuthHMACSecret == "" {
		return fmt.Errorf("AUTH_HMAC_SECRET is required when AUTH_MODE=hmac")
	}
	if strings.EqualFold(c.AuthMode, "jwks") && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_JWKS_URL is required when AUTH_MODE=jwks")
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("OUTBOUND_QUEUE_SIZE must be positive")
	}
	if c.MessageMaxLength <= 0 {
		return fmt.Errorf("MESSAGE_MAX_LENGTH must be positive")
	}
	if c.MaxTicketsPerSupport < 0 {
		return fmt.Errorf("MAX_TICKETS_PER_SUPPORT must not be negative")
	}
	return nil
}

// Webhooks splits WEBHOOK_URLS.
func (c Config) Webhooks() []string { return splitList(c.WebhookURLs) }

// Brokers splits KAFKA_BROKERS.
func (c Config) Brokers() []string { return splitList(c.KafkaBrokers) }

func (c Config) Origins() []string { return splitList(c.AllowOrigins) }

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
