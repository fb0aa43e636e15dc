// Package config loads application configuration from a YAML file with
// environment-variable overrides. A .env file is honored when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "100ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Email     EmailConfig     `yaml:"email"`
	Captcha   CaptchaConfig   `yaml:"captcha"`
	Admin     AdminConfig     `yaml:"admin"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	BaseURL string `yaml:"base_url"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	Migrate      bool   `yaml:"migrate"`
}

// EmailConfig selects and configures the outbound email provider.
type EmailConfig struct {
	Provider  string    `yaml:"provider"` // "smtp" or "ses"
	FromEmail string    `yaml:"from_email"`
	SMTP      SMTPParams `yaml:"smtp"`
	SES       SESParams  `yaml:"ses"`
}

// SMTPParams holds SMTP relay settings.
type SMTPParams struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`
}

// SESParams holds AWS SES credentials.
type SESParams struct {
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// CaptchaConfig holds Cloudflare Turnstile settings.
type CaptchaConfig struct {
	TurnstileSecret  string `yaml:"turnstile_secret"`
	TurnstileSitekey string `yaml:"turnstile_sitekey"`
}

// AdminConfig holds administrator access settings.
type AdminConfig struct {
	Emails []string `yaml:"emails"`
}

// DeliveryConfig tunes the delivery orchestrator.
type DeliveryConfig struct {
	SendConcurrency   int      `yaml:"send_concurrency"`
	PerSendThrottle   Duration `yaml:"per_send_throttle"`
	SchedulerInterval Duration `yaml:"scheduler_interval"`
	VerifyTokenTTL    Duration `yaml:"verify_token_ttl"`
}

// RateLimitConfig tunes the subscribe/login sliding-window limiter.
type RateLimitConfig struct {
	SubscribeLimit  int      `yaml:"subscribe_limit"`
	SubscribeWindow Duration `yaml:"subscribe_window"`
	LoginLimit      int      `yaml:"login_limit"`
	LoginWindow     Duration `yaml:"login_window"`
}

// Load reads configuration from path (optional), then applies environment
// overrides and defaults. Validation failures are returned, not logged.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database url is required (DATABASE_URL)")
	}
	if cfg.Server.BaseURL == "" {
		return nil, fmt.Errorf("base url is required (BASE_URL)")
	}
	if len(cfg.Admin.Emails) == 0 {
		return nil, fmt.Errorf("at least one admin email is required (ADMIN_EMAILS)")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr(&c.Database.URL, "DATABASE_URL")
	setStr(&c.Server.Host, "HOST")
	setInt(&c.Server.Port, "PORT")
	setStr(&c.Server.BaseURL, "BASE_URL")
	setStr(&c.Captcha.TurnstileSecret, "TURNSTILE_SECRET")
	setStr(&c.Captcha.TurnstileSitekey, "TURNSTILE_SITEKEY")
	setStr(&c.Email.Provider, "EMAIL_PROVIDER")
	setStr(&c.Email.FromEmail, "SMTP_FROM_EMAIL")
	setStr(&c.Email.SMTP.Host, "SMTP_HOST")
	setInt(&c.Email.SMTP.Port, "SMTP_PORT")
	setStr(&c.Email.SMTP.Username, "SMTP_USERNAME")
	setStr(&c.Email.SMTP.Password, "SMTP_PASSWORD")
	setBool(&c.Email.SMTP.TLS, "SMTP_TLS")
	setStr(&c.Email.SES.Region, "SES_REGION")
	setStr(&c.Email.SES.AccessKey, "SES_ACCESS_KEY")
	setStr(&c.Email.SES.SecretKey, "SES_SECRET_KEY")

	if v := os.Getenv("ADMIN_EMAILS"); v != "" {
		c.Admin.Emails = nil
		for _, e := range strings.Split(v, ",") {
			e = strings.ToLower(strings.TrimSpace(e))
			if e != "" {
				c.Admin.Emails = append(c.Admin.Emails, e)
			}
		}
	}
	if v := os.Getenv("SMTP_RATE_LIMIT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Delivery.PerSendThrottle = Duration(time.Duration(ms) * time.Millisecond)
		}
	}
	if v := os.Getenv("NEWSLETTER_SCHEDULER_INTERVAL_SECS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			c.Delivery.SchedulerInterval = Duration(time.Duration(secs) * time.Second)
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Email.Provider == "" {
		c.Email.Provider = "smtp"
	}
	if c.Email.FromEmail == "" {
		c.Email.FromEmail = "newsletter@coscup.org"
	}
	if c.Email.SMTP.Host == "" {
		c.Email.SMTP.Host = "localhost"
	}
	if c.Email.SMTP.Port == 0 {
		c.Email.SMTP.Port = 1025
	}
	if c.Delivery.SendConcurrency == 0 {
		c.Delivery.SendConcurrency = 4
	}
	if c.Delivery.PerSendThrottle == 0 {
		c.Delivery.PerSendThrottle = Duration(100 * time.Millisecond)
	}
	if c.Delivery.SchedulerInterval == 0 {
		c.Delivery.SchedulerInterval = Duration(30 * time.Second)
	}
	if c.Delivery.VerifyTokenTTL == 0 {
		c.Delivery.VerifyTokenTTL = Duration(24 * time.Hour)
	}
	if c.RateLimit.SubscribeLimit == 0 {
		c.RateLimit.SubscribeLimit = 5
	}
	if c.RateLimit.SubscribeWindow == 0 {
		c.RateLimit.SubscribeWindow = Duration(time.Hour)
	}
	if c.RateLimit.LoginLimit == 0 {
		c.RateLimit.LoginLimit = 5
	}
	if c.RateLimit.LoginWindow == 0 {
		c.RateLimit.LoginWindow = Duration(15 * time.Minute)
	}
}

// IsAdminEmail reports whether email belongs to a configured administrator.
// Comparison is case-insensitive.
func (c *Config) IsAdminEmail(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, e := range c.Admin.Emails {
		if e == email {
			return true
		}
	}
	return false
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
