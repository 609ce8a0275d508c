// Package config provides configuration loading for the ecoscan server.
// Configuration sources (in priority order): env vars > config file > defaults.
// A Config is built once at startup and passed by value afterwards.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/marcus-qen/ecoscan/internal/oidc"
	"gopkg.in/yaml.v3"
)

// Config holds all server configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	// Data directory for the SQLite database (default "/var/lib/ecoscan")
	DataDir string `json:"data_dir" yaml:"data_dir"`

	TLSCert string `json:"tls_cert,omitempty" yaml:"tls_cert,omitempty"`
	TLSKey  string `json:"tls_key,omitempty" yaml:"tls_key,omitempty"`

	// Public base URL, used in verification links.
	ExternalURL string `json:"external_url,omitempty" yaml:"external_url,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level" yaml:"log_level"`

	// Maximum accepted request body in bytes.
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`

	Session   SessionConfig   `json:"session" yaml:"session"`
	QRCode    QRCodeConfig    `json:"qr_code" yaml:"qr_code"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify"`
	Email     EmailConfig     `json:"email" yaml:"email"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	Jobs      JobsConfig      `json:"jobs" yaml:"jobs"`

	// OIDC settings (optional)
	OIDC oidc.Config `json:"oidc,omitempty" yaml:"oidc,omitempty"`
}

// SessionConfig controls session cookie lifetime.
type SessionConfig struct {
	Lifetime  Duration `json:"lifetime" yaml:"lifetime"`
	UpdateAge Duration `json:"update_age" yaml:"update_age"`
	// Secure marks the session cookie Secure; disable only for local http.
	SecureCookie bool `json:"secure_cookie" yaml:"secure_cookie"`
}

// QRCodeConfig configures bin QR code signing.
type QRCodeConfig struct {
	// HMAC signing key; at least 32 characters.
	SigningKey string `json:"signing_key,omitempty" yaml:"signing_key,omitempty"`
	Issuer     string `json:"issuer" yaml:"issuer"`
}

// RateLimitConfig configures sign-in throttling per client IP.
type RateLimitConfig struct {
	SignInPerMinute int `json:"sign_in_per_minute" yaml:"sign_in_per_minute"`
	SignInBurst     int `json:"sign_in_burst" yaml:"sign_in_burst"`
}

// NotifyConfig selects realtime notification backends. Empty URLs disable
// the corresponding backend; the in-process bus is always on.
type NotifyConfig struct {
	RedisURL string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
	NATSURL  string `json:"nats_url,omitempty" yaml:"nats_url,omitempty"`
}

// EmailConfig selects the transactional email sender.
type EmailConfig struct {
	// Provider is one of "log", "http", "smtp".
	Provider string `json:"provider" yaml:"provider"`
	From     string `json:"from" yaml:"from"`

	APIURL string `json:"api_url,omitempty" yaml:"api_url,omitempty"`
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	SMTPHost     string `json:"smtp_host,omitempty" yaml:"smtp_host,omitempty"`
	SMTPPort     int    `json:"smtp_port,omitempty" yaml:"smtp_port,omitempty"`
	SMTPUsername string `json:"smtp_username,omitempty" yaml:"smtp_username,omitempty"`
	SMTPPassword string `json:"smtp_password,omitempty" yaml:"smtp_password,omitempty"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint,omitempty" yaml:"otlp_endpoint,omitempty"`
	Insecure     bool    `json:"insecure" yaml:"insecure"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	SampleRatio  float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

// JobsConfig holds cron specs for background maintenance.
type JobsConfig struct {
	SessionCleanup      string `json:"session_cleanup" yaml:"session_cleanup"`
	VerificationCleanup string `json:"verification_cleanup" yaml:"verification_cleanup"`
	AuditPurge          string `json:"audit_purge" yaml:"audit_purge"`
	// AuditRetention is how long audit events are kept.
	AuditRetention Duration `json:"audit_retention" yaml:"audit_retention"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:   ":8080",
		DataDir:      "/var/lib/ecoscan",
		LogLevel:     "info",
		MaxBodyBytes: 1 << 20,
		Session: SessionConfig{
			Lifetime:     Duration(7 * 24 * time.Hour),
			UpdateAge:    Duration(24 * time.Hour),
			SecureCookie: true,
		},
		QRCode: QRCodeConfig{Issuer: "ecoscan"},
		RateLimit: RateLimitConfig{
			SignInPerMinute: 10,
			SignInBurst:     5,
		},
		Email: EmailConfig{
			Provider: "log",
			From:     "EcoScan <noreply@ecoscan.local>",
			SMTPPort: 587,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "ecoscan",
			SampleRatio: 1,
		},
		Jobs: JobsConfig{
			SessionCleanup:      "@every 1h",
			VerificationCleanup: "@every 6h",
			AuditPurge:          "@daily",
			AuditRetention:      Duration(90 * 24 * time.Hour),
		},
		OIDC: oidc.DefaultConfig(),
	}
}

// Load reads configuration from a JSON or YAML file, then overlays
// environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, &cfg)
		default:
			err = json.Unmarshal(data, &cfg)
		}
		if err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	cfg.OIDC = oidc.ApplyEnv(cfg.OIDC)

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

func applyEnv(cfg *Config) {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	dur := func(name string, dst *Duration) {
		if v := os.Getenv(name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = Duration(d)
			}
		}
	}

	str("ECOSCAN_LISTEN_ADDR", &cfg.ListenAddr)
	str("ECOSCAN_DATA_DIR", &cfg.DataDir)
	str("ECOSCAN_TLS_CERT", &cfg.TLSCert)
	str("ECOSCAN_TLS_KEY", &cfg.TLSKey)
	str("ECOSCAN_EXTERNAL_URL", &cfg.ExternalURL)
	str("ECOSCAN_LOG_LEVEL", &cfg.LogLevel)
	if v := os.Getenv("ECOSCAN_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxBodyBytes = n
		}
	}

	dur("ECOSCAN_SESSION_LIFETIME", &cfg.Session.Lifetime)
	dur("ECOSCAN_SESSION_UPDATE_AGE", &cfg.Session.UpdateAge)
	if v := os.Getenv("ECOSCAN_SECURE_COOKIE"); v != "" {
		cfg.Session.SecureCookie = v == "true" || v == "1"
	}

	str("ECOSCAN_QR_SIGNING_KEY", &cfg.QRCode.SigningKey)
	integer("ECOSCAN_SIGN_IN_RATE_LIMIT", &cfg.RateLimit.SignInPerMinute)

	str("ECOSCAN_REDIS_URL", &cfg.Notify.RedisURL)
	str("ECOSCAN_NATS_URL", &cfg.Notify.NATSURL)

	str("ECOSCAN_EMAIL_PROVIDER", &cfg.Email.Provider)
	str("ECOSCAN_EMAIL_FROM", &cfg.Email.From)
	str("ECOSCAN_EMAIL_API_URL", &cfg.Email.APIURL)
	str("ECOSCAN_EMAIL_API_KEY", &cfg.Email.APIKey)
	str("ECOSCAN_SMTP_HOST", &cfg.Email.SMTPHost)
	integer("ECOSCAN_SMTP_PORT", &cfg.Email.SMTPPort)
	str("ECOSCAN_SMTP_USERNAME", &cfg.Email.SMTPUsername)
	str("ECOSCAN_SMTP_PASSWORD", &cfg.Email.SMTPPassword)

	str("ECOSCAN_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	if v := os.Getenv("ECOSCAN_OTLP_INSECURE"); v != "" {
		cfg.Telemetry.Insecure = v == "true" || v == "1"
	}

	str("ECOSCAN_JOB_SESSION_CLEANUP", &cfg.Jobs.SessionCleanup)
	str("ECOSCAN_JOB_VERIFICATION_CLEANUP", &cfg.Jobs.VerificationCleanup)
	str("ECOSCAN_JOB_AUDIT_PURGE", &cfg.Jobs.AuditPurge)
	dur("ECOSCAN_AUDIT_RETENTION", &cfg.Jobs.AuditRetention)
}

// Validate checks combinations the server cannot start without.
func (c Config) Validate() error {
	var errs []error
	if len(c.QRCode.SigningKey) < 32 {
		errs = append(errs, errors.New("qr_code.signing_key must be at least 32 characters"))
	}
	if c.Session.Lifetime <= 0 {
		errs = append(errs, errors.New("session.lifetime must be positive"))
	}
	if c.Session.UpdateAge < 0 || c.Session.UpdateAge > c.Session.Lifetime {
		errs = append(errs, errors.New("session.update_age must be between 0 and session.lifetime"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max_body_bytes must be positive"))
	}
	if c.RateLimit.SignInPerMinute <= 0 {
		errs = append(errs, errors.New("rate_limit.sign_in_per_minute must be positive"))
	}
	switch c.Email.Provider {
	case "log":
	case "http":
		if c.Email.APIURL == "" || c.Email.APIKey == "" {
			errs = append(errs, errors.New("email provider http requires api_url and api_key"))
		}
	case "smtp":
		if c.Email.SMTPHost == "" {
			errs = append(errs, errors.New("email provider smtp requires smtp_host"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown email provider %q", c.Email.Provider))
	}
	if err := c.OIDC.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DatabasePath is the SQLite file inside DataDir.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "ecoscan.db")
}

// HasTLS returns true if TLS is configured.
func (c Config) HasTLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// Save writes configuration to a file as JSON.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}
