// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the webhook relay.
package config

import (
	"errors"
	"fmt"
	"net/mail"
	"os"
	"strconv"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	defaultListen        = ":3000"
	defaultPath          = "/webhook"
	defaultMaxBodyBytes  = 64 << 20
	defaultMemoryBytes   = 32 << 20
	defaultMaxTotalBytes = 30 << 20
	defaultMaxInFlight   = 8
	defaultProvider      = "sendgrid"
	defaultLoggingLevel  = "info"
)

// Config holds the complete application configuration.
type Config struct {
	Webhook  WebhookConfig  `yaml:"webhook"`
	Relay    RelayConfig    `yaml:"relay"`
	Provider string         `yaml:"provider"`
	SendGrid SendGridConfig `yaml:"sendgrid"`
	SES      SESConfig      `yaml:"ses"`
	Graph    GraphConfig    `yaml:"graph"`
	TLS      TLSConfig      `yaml:"tls"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// WebhookConfig holds the inbound HTTP endpoint configuration.
type WebhookConfig struct {
	Listen         string `yaml:"listen"`
	Path           string `yaml:"path"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
	MemoryBytes    int64  `yaml:"memory_bytes"`
	StrictMetadata bool   `yaml:"strict_metadata"`
}

// RelayConfig holds the fixed addressing and limits of the relay.
type RelayConfig struct {
	To            string `yaml:"to"`
	From          string `yaml:"from"`
	MaxTotalBytes int64  `yaml:"max_total_bytes"`
	MaxInFlight   int    `yaml:"max_in_flight"`
	MaxRetries    int    `yaml:"max_retries"`
}

// SendGridConfig holds SendGrid API credentials.
type SendGridConfig struct {
	APIKey string `yaml:"api_key"`
}

// SESConfig holds AWS SES configuration. Static keys are optional; the
// default AWS credential chain is used without them.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GraphConfig holds Microsoft Graph API credentials.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// TLSConfig controls HTTPS for the webhook endpoint.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// AuthEnabled returns true if both webhook username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.Webhook.Username != "" && c.Webhook.Password != ""
}

// GraphConfigured returns true if all three Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != ""
}

// SESConfigured returns true if the SES region is set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// Validate reports every missing or invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Relay.To == "" {
		errs = append(errs, errors.New("TO_EMAIL is required"))
	} else if _, err := mail.ParseAddress(c.Relay.To); err != nil {
		errs = append(errs, fmt.Errorf("TO_EMAIL %q is not a valid address: %w", c.Relay.To, err))
	}
	if c.Relay.From == "" {
		errs = append(errs, errors.New("FROM_EMAIL is required"))
	} else if _, err := mail.ParseAddress(c.Relay.From); err != nil {
		errs = append(errs, fmt.Errorf("FROM_EMAIL %q is not a valid address: %w", c.Relay.From, err))
	}

	switch c.Provider {
	case "sendgrid":
		if c.SendGrid.APIKey == "" {
			errs = append(errs, errors.New("SENDGRID_API_KEY is required for the sendgrid provider"))
		}
	case "ses":
		if !c.SESConfigured() {
			errs = append(errs, errors.New("SES_REGION is required for the ses provider"))
		}
	case "graph":
		if !c.GraphConfigured() {
			errs = append(errs, errors.New("GRAPH_TENANT_ID, GRAPH_CLIENT_ID and GRAPH_CLIENT_SECRET are required for the graph provider"))
		}
	case "stdout":
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}

	if (c.Webhook.Username == "") != (c.Webhook.Password == "") {
		errs = append(errs, errors.New("WEBHOOK_USERNAME and WEBHOOK_PASSWORD must be set together"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together"))
	}
	if !strings.HasPrefix(c.Webhook.Path, "/") {
		errs = append(errs, fmt.Errorf("WEBHOOK_PATH %q must start with /", c.Webhook.Path))
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("WEBHOOK_MAX_BODY_BYTES must be positive"))
	}
	if c.Webhook.MemoryBytes <= 0 {
		errs = append(errs, errors.New("WEBHOOK_MEMORY_BYTES must be positive"))
	}
	if c.Relay.MaxTotalBytes <= 0 {
		errs = append(errs, errors.New("RELAY_MAX_TOTAL_BYTES must be positive"))
	}
	if c.Relay.MaxInFlight < 0 {
		errs = append(errs, errors.New("RELAY_MAX_IN_FLIGHT must not be negative"))
	}
	if c.Relay.MaxRetries < 0 {
		errs = append(errs, errors.New("RELAY_MAX_RETRIES must not be negative"))
	}

	return errors.Join(errs...)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Webhook.Listen = defaultListen
	c.Webhook.Path = defaultPath
	c.Webhook.MaxBodyBytes = defaultMaxBodyBytes
	c.Webhook.MemoryBytes = defaultMemoryBytes
	c.Relay.MaxTotalBytes = defaultMaxTotalBytes
	c.Relay.MaxInFlight = defaultMaxInFlight
	c.Provider = defaultProvider
	c.Logging.Level = defaultLoggingLevel
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	var env environment
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	setString(&c.Webhook.Listen, env.WebhookListen)
	if env.WebhookListen == "" && env.Port != "" {
		c.Webhook.Listen = ":" + env.Port
	}
	setString(&c.Webhook.Path, env.WebhookPath)
	setString(&c.Webhook.Username, env.WebhookUsername)
	setString(&c.Webhook.Password, env.WebhookPassword)

	setString(&c.Relay.To, env.ToEmail)
	setString(&c.Relay.From, env.FromEmail)

	setString(&c.Provider, strings.ToLower(env.Provider))
	setString(&c.SendGrid.APIKey, env.SendGridAPIKey)
	setString(&c.SES.Region, env.SESRegion)
	setString(&c.SES.AccessKeyID, env.SESAccessKeyID)
	setString(&c.SES.SecretAccessKey, env.SESSecretAccessKey)
	setString(&c.Graph.TenantID, env.GraphTenantID)
	setString(&c.Graph.ClientID, env.GraphClientID)
	setString(&c.Graph.ClientSecret, env.GraphClientSecret)

	setString(&c.TLS.CertFile, env.TLSCertFile)
	setString(&c.TLS.KeyFile, env.TLSKeyFile)

	setString(&c.Logging.Level, strings.ToLower(env.LogLevel))

	var errs []error
	errs = append(errs,
		setInt64("WEBHOOK_MAX_BODY_BYTES", &c.Webhook.MaxBodyBytes, env.WebhookMaxBodyBytes),
		setInt64("WEBHOOK_MEMORY_BYTES", &c.Webhook.MemoryBytes, env.WebhookMemoryBytes),
		setBool("WEBHOOK_STRICT_METADATA", &c.Webhook.StrictMetadata, env.WebhookStrictMetadata),
		setInt64("RELAY_MAX_TOTAL_BYTES", &c.Relay.MaxTotalBytes, env.RelayMaxTotalBytes),
		setInt("RELAY_MAX_IN_FLIGHT", &c.Relay.MaxInFlight, env.RelayMaxInFlight),
		setInt("RELAY_MAX_RETRIES", &c.Relay.MaxRetries, env.RelayMaxRetries),
		setBool("TLS_ENABLED", &c.TLS.Enabled, env.TLSEnabled),
	)
	return errors.Join(errs...)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt64(key string, dst *int64, v string) error {
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", key, v)
	}
	*dst = n
	return nil
}

func setInt(key string, dst *int, v string) error {
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", key, v)
	}
	*dst = n
	return nil
}

func setBool(key string, dst *bool, v string) error {
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	*dst = b
	return nil
}
