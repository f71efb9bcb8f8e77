// Package config provides environment-variable-first configuration loading
// with an optional YAML file base layer and command-line overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	// defaultMaxBodySize is 10 MB in bytes.
	defaultMaxBodySize = 10 << 20
	// defaultMaxMessageSize is 25 MB in bytes.
	defaultMaxMessageSize = 26214400
)

// Config holds the complete application configuration.
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	SMTP    SMTPConfig    `yaml:"smtp"`
	Logging LoggingConfig `yaml:"logging"`

	// Echo prints every captured email to stdout.
	Echo bool `yaml:"echo"`
}

// HTTPConfig holds the mail-send and inbox API listener configuration.
type HTTPConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MaxBodySize int64  `yaml:"max_body_size"`
	// UIDir is an optional directory with a built inbox UI served at /.
	UIDir string `yaml:"ui_dir"`
}

// SMTPConfig holds SMTP listener configuration.
type SMTPConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Hostname       string        `yaml:"hostname"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
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

// Command-line flag names.
const (
	FlagConfig   = "config"
	FlagHTTPPort = "http-port"
	FlagSMTPPort = "smtp-port"
	FlagLogLevel = "log-level"
	FlagEcho     = "echo"
)

// RegisterFlags adds the configuration flags to cmd.
func RegisterFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String(FlagConfig, "", "path to YAML configuration file (optional)")
	f.Int(FlagHTTPPort, 8025, "HTTP API port")
	f.Int(FlagSMTPPort, 1025, "SMTP port")
	f.String(FlagLogLevel, "info", "log level: debug, info, warn, error")
	f.Bool(FlagEcho, false, "print captured emails to stdout")
}

// FromCommand loads the configuration file named by --config (or the
// environment alone), then applies every flag the user set explicitly.
func FromCommand(cmd *cobra.Command) (*Config, error) {
	f := cmd.Flags()

	path, err := f.GetString(FlagConfig)
	if err != nil {
		return nil, err
	}

	var cfg *Config
	if path != "" {
		cfg, err = LoadFromFile(path)
	} else {
		cfg, err = Load()
	}
	if err != nil {
		return nil, err
	}

	if f.Changed(FlagHTTPPort) {
		if cfg.HTTP.Port, err = f.GetInt(FlagHTTPPort); err != nil {
			return nil, err
		}
	}
	if f.Changed(FlagSMTPPort) {
		if cfg.SMTP.Port, err = f.GetInt(FlagSMTPPort); err != nil {
			return nil, err
		}
	}
	if f.Changed(FlagLogLevel) {
		level, err := f.GetString(FlagLogLevel)
		if err != nil {
			return nil, err
		}
		cfg.Logging.Level = strings.ToLower(level)
	}
	if f.Changed(FlagEcho) {
		if cfg.Echo, err = f.GetBool(FlagEcho); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http port %d out of range", c.HTTP.Port))
	}
	if c.SMTP.Port < 0 || c.SMTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("smtp port %d out of range", c.SMTP.Port))
	}
	if c.HTTP.MaxBodySize <= 0 {
		errs = append(errs, errors.New("http max_body_size must be positive"))
	}
	if c.SMTP.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("smtp max_message_size must be positive"))
	}
	if c.SMTP.IdleTimeout < 0 {
		errs = append(errs, errors.New("smtp idle_timeout must not be negative"))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// HTTPAddr returns the HTTP listen address.
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// SMTPAddr returns the SMTP listen address.
func (c *Config) SMTPAddr() string {
	return net.JoinHostPort(c.SMTP.Host, strconv.Itoa(c.SMTP.Port))
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.HTTP.Port = 8025
	c.HTTP.MaxBodySize = defaultMaxBodySize
	c.SMTP.Port = 1025
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.Logging.Level = "info"
	c.Logging.Format = "json"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	if v := os.Getenv("HTTP_HOST"); v != "" {
		c.HTTP.Host = v
	}
	if err := envInt("HTTP_PORT", &c.HTTP.Port); err != nil {
		return err
	}
	if err := envInt64("HTTP_MAX_BODY_SIZE", &c.HTTP.MaxBodySize); err != nil {
		return err
	}
	if v := os.Getenv("HTTP_UI_DIR"); v != "" {
		c.HTTP.UIDir = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		c.SMTP.Host = v
	}
	if err := envInt("SMTP_PORT", &c.SMTP.Port); err != nil {
		return err
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if err := envInt64("SMTP_MAX_MESSAGE_SIZE", &c.SMTP.MaxMessageSize); err != nil {
		return err
	}
	if v := os.Getenv("SMTP_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SMTP_IDLE_TIMEOUT: %w", err)
		}
		c.SMTP.IdleTimeout = d
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}

	if v := os.Getenv("ECHO_EMAILS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid ECHO_EMAILS: %w", err)
		}
		c.Echo = b
	}

	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envInt64(key string, dst *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}
