// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the mailkit CLI.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Config holds the complete application configuration.
type Config struct {
	Provider string `yaml:"provider"`
	From     string `yaml:"from"`
	FromName string `yaml:"from_name"`

	Resend    ResendConfig    `yaml:"resend"`
	Postmark  PostmarkConfig  `yaml:"postmark"`
	SES       SESConfig       `yaml:"ses"`
	Graph     GraphConfig     `yaml:"graph"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Relay     RelayConfig     `yaml:"relay"`
	TLS       TLSConfig       `yaml:"tls"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ResendConfig holds Resend API configuration.
type ResendConfig struct {
	APIKey string `yaml:"api_key"`
}

// PostmarkConfig holds Postmark API configuration.
type PostmarkConfig struct {
	APIKey        string `yaml:"api_key"`
	MessageStream string `yaml:"message_stream"`
}

// SESConfig holds Amazon SES configuration.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// SMTPConfig holds the outbound SMTP backend configuration.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// RelayConfig holds the inbound SMTP relay configuration.
type RelayConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// TLSConfig holds TLS certificate file paths for the relay.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry export configuration. Telemetry is
// off while OTLPEndpoint is empty.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
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
	cfg.applyEnvVars()

	return cfg, nil
}

// RelayAuthEnabled returns true if both relay username and password are set.
func (c *Config) RelayAuthEnabled() bool {
	return c.Relay.Username != "" && c.Relay.Password != ""
}

// Lookup returns the configured value for an environment variable name, so
// backend detection sees the merged file and environment view. Keys without
// a config field, or with an empty one, fall through to the process
// environment.
func (c *Config) Lookup(key string) (string, bool) {
	if p, ok := c.stringFields()[key]; ok && *p != "" {
		return *p, true
	}

	switch key {
	case "SMTP_PORT":
		if c.SMTP.Port != 0 {
			return strconv.Itoa(c.SMTP.Port), true
		}
	case "RELAY_MAX_MESSAGE_SIZE":
		if c.Relay.MaxMessageSize != 0 {
			return strconv.FormatInt(c.Relay.MaxMessageSize, 10), true
		}
	}

	return os.LookupEnv(key)
}

// stringFields maps environment variable names to the string fields they
// override.
func (c *Config) stringFields() map[string]*string {
	return map[string]*string{
		"EMAIL_PROVIDER":  &c.Provider,
		"EMAIL_FROM":      &c.From,
		"EMAIL_FROM_NAME": &c.FromName,

		"RESEND_API_KEY": &c.Resend.APIKey,

		"POSTMARK_API_KEY":        &c.Postmark.APIKey,
		"POSTMARK_MESSAGE_STREAM": &c.Postmark.MessageStream,

		"AWS_REGION":            &c.SES.Region,
		"AWS_ACCESS_KEY_ID":     &c.SES.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY": &c.SES.SecretAccessKey,
		"SES_CONFIGURATION_SET": &c.SES.ConfigurationSet,

		"GRAPH_TENANT_ID":     &c.Graph.TenantID,
		"GRAPH_CLIENT_ID":     &c.Graph.ClientID,
		"GRAPH_CLIENT_SECRET": &c.Graph.ClientSecret,
		"GRAPH_SENDER":        &c.Graph.Sender,

		"SMTP_HOST":     &c.SMTP.Host,
		"SMTP_USERNAME": &c.SMTP.Username,
		"SMTP_PASSWORD": &c.SMTP.Password,

		"RELAY_LISTEN":   &c.Relay.Listen,
		"RELAY_HOSTNAME": &c.Relay.Hostname,
		"RELAY_USERNAME": &c.Relay.Username,
		"RELAY_PASSWORD": &c.Relay.Password,

		"TLS_CERT_FILE": &c.TLS.CertFile,
		"TLS_KEY_FILE":  &c.TLS.KeyFile,

		"LOG_LEVEL": &c.Logging.Level,

		"OTEL_EXPORTER_OTLP_ENDPOINT": &c.Telemetry.OTLPEndpoint,
	}
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Relay.Listen = ":2525"
	c.Relay.MaxMessageSize = defaultMaxMessageSize
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	for key, p := range c.stringFields() {
		if v := os.Getenv(key); v != "" {
			*p = v
		}
	}
	c.Provider = strings.ToLower(c.Provider)
	c.Logging.Level = strings.ToLower(c.Logging.Level)

	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.SMTP.Port = port
		}
	}
	if v := os.Getenv("RELAY_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Relay.MaxMessageSize = size
		}
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"); v != "" {
		if insecure, err := strconv.ParseBool(v); err == nil {
			c.Telemetry.Insecure = insecure
		}
	}
}
