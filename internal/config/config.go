package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultPath = "config/config.yaml"

type EmailConfig struct {
	SMTPHost     string `yaml:"smtp_host" env:"SMTP_HOST"`
	SMTPPort     int    `yaml:"smtp_port" env:"SMTP_PORT"`
	SMTPUser     string `yaml:"smtp_user" env:"SMTP_USER"`
	SMTPPassword string `yaml:"smtp_password" env:"SMTP_PASSWORD"`
	FromEmail    string `yaml:"from_email" env:"SMTP_FROM"`
}

func (c EmailConfig) Enabled() bool {
	return c.SMTPHost != "" && c.FromEmail != ""
}

type TelegramConfig struct {
	BotToken      string  `yaml:"bot_token" env:"TELEGRAM_BOT_TOKEN"`
	RatePerSecond float64 `yaml:"rate_per_second" env:"TELEGRAM_RATE_PER_SECOND"`
	WebhookSecret string  `yaml:"webhook_secret" env:"TELEGRAM_WEBHOOK_SECRET"`
}

type IdentifierConfig struct {
	Prefix string `yaml:"prefix" env:"IDENTIFIER_PREFIX"`
}

type OutboxConfig struct {
	Workers       int           `yaml:"workers" env:"OUTBOX_WORKERS"`
	QueueSize     int           `yaml:"queue_size" env:"OUTBOX_QUEUE_SIZE"`
	RelayInterval time.Duration `yaml:"relay_interval" env:"OUTBOX_RELAY_INTERVAL"`
	BatchSize     int           `yaml:"batch_size" env:"OUTBOX_BATCH_SIZE"`
}

type PipelineConfig struct {
	CommissionRate string `yaml:"commission_rate" env:"COMMISSION_RATE"`
	AppBaseURL     string `yaml:"app_base_url" env:"APP_BASE_URL"`
}

type Config struct {
	Env    string `yaml:"env" env:"APP_ENV"`
	Server struct {
		Port        int      `yaml:"port" env:"PORT"`
		CORSOrigins []string `yaml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`
	} `yaml:"server"`
	Database struct {
		DSN           string `yaml:"url" env:"DATABASE_URL"`
		MigrateOnBoot bool   `yaml:"migrate_on_boot" env:"DATABASE_MIGRATE_ON_BOOT"`
	} `yaml:"database"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	} `yaml:"auth"`
	Log struct {
		Level string `yaml:"level" env:"LOG_LEVEL"`
	} `yaml:"log"`
	Email       EmailConfig      `yaml:"email"`
	Telegram    TelegramConfig   `yaml:"telegram"`
	Identifiers IdentifierConfig `yaml:"identifiers"`
	Outbox      OutboxConfig     `yaml:"outbox"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
}

// LoadConfig reads the YAML file (CONFIG_PATH or config/config.yaml), then
// lets environment variables (and a local .env) override single values.
// A missing file is not an error when the environment carries the settings.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = defaultPath
	}

	var cfg Config
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()

	if cfg.Database.DSN == "" {
		return nil, errors.New("database url is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Env == "" {
		c.Env = "production"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Identifiers.Prefix == "" {
		c.Identifiers.Prefix = "PQT"
	}
	if c.Pipeline.CommissionRate == "" {
		c.Pipeline.CommissionRate = "0.03"
	}
	if c.Outbox.Workers <= 0 {
		c.Outbox.Workers = 2
	}
	if c.Outbox.QueueSize <= 0 {
		c.Outbox.QueueSize = 256
	}
	if c.Outbox.RelayInterval <= 0 {
		c.Outbox.RelayInterval = 30 * time.Second
	}
	if c.Outbox.BatchSize <= 0 {
		c.Outbox.BatchSize = 50
	}
	if c.Telegram.RatePerSecond <= 0 {
		c.Telegram.RatePerSecond = 25
	}
}
