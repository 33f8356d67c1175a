package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces environment overrides. Nested keys use double
// underscores: TRAININGGARDEN_SERVER__PORT maps to server.port.
const envPrefix = "TRAININGGARDEN_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Database  DatabaseConfig  `koanf:"database"`
	Log       LogConfig       `koanf:"log"`
	Mailer    MailerConfig    `koanf:"mailer"`
	Reminders RemindersConfig `koanf:"reminders"`
	CORS      CORSConfig      `koanf:"cors"`
}

type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type MetricsConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

type DatabaseConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	User            string        `koanf:"user"`
	Password        string        `koanf:"password"`
	Name            string        `koanf:"name"`
	SSLMode         string        `koanf:"ssl_mode"`
	MaxConns        int32         `koanf:"max_conns"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
}

// URL builds a postgres connection URL from the individual fields.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type MailerConfig struct {
	Enabled       bool    `koanf:"enabled"`
	SMTPHost      string  `koanf:"smtp_host"`
	SMTPPort      int     `koanf:"smtp_port"`
	SMTPUser      string  `koanf:"smtp_user"`
	SMTPPassword  string  `koanf:"smtp_password"`
	FromAddress   string  `koanf:"from_address"`
	RatePerSecond float64 `koanf:"rate_per_second"`
}

type RemindersConfig struct {
	SiteName            string        `koanf:"site_name"`
	BaseURL             string        `koanf:"base_url"`
	DefaultDeadlineDays int           `koanf:"default_deadline_days"`
	BatchSize           int           `koanf:"batch_size"`
	SyncSendLimit       int           `koanf:"sync_send_limit"`
	StaleAfter          time.Duration `koanf:"stale_after"`
	DeliveryTimeout     time.Duration `koanf:"delivery_timeout"`
	PollInterval        time.Duration `koanf:"poll_interval"`
	EvaluateInterval    time.Duration `koanf:"evaluate_interval"`
	EvaluateOnStart     bool          `koanf:"evaluate_on_start"`
}

type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// Load reads configuration from an optional YAML file and environment
// variables. Environment values override file values, which override
// defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	cfg := defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Host: "0.0.0.0",
			Port: 9090,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "postgres",
			Name:            "traininggarden",
			SSLMode:         "disable",
			MaxConns:        10,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Mailer: MailerConfig{
			Enabled:       true,
			SMTPHost:      "localhost",
			SMTPPort:      587,
			FromAddress:   "noreply@example.com",
			RatePerSecond: 10,
		},
		Reminders: RemindersConfig{
			SiteName:            "Training Garden",
			BaseURL:             "http://localhost:8080",
			DefaultDeadlineDays: 14,
			BatchSize:           50,
			SyncSendLimit:       25,
			StaleAfter:          30 * time.Minute,
			DeliveryTimeout:     60 * time.Second,
			PollInterval:        time.Minute,
			EvaluateInterval:    time.Hour,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
	}
}

func (c *Config) validate() error {
	if c.Reminders.DefaultDeadlineDays < 1 {
		return fmt.Errorf("reminders.default_deadline_days must be at least 1, got %d", c.Reminders.DefaultDeadlineDays)
	}
	if c.Reminders.BatchSize < 1 {
		return fmt.Errorf("reminders.batch_size must be at least 1, got %d", c.Reminders.BatchSize)
	}
	if c.Reminders.SyncSendLimit < 1 {
		return fmt.Errorf("reminders.sync_send_limit must be at least 1, got %d", c.Reminders.SyncSendLimit)
	}
	if c.Mailer.Enabled && c.Mailer.FromAddress == "" {
		return fmt.Errorf("mailer.from_address is required when the mailer is enabled")
	}
	return nil
}
