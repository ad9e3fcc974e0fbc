package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"invoicedesk/internal/logger"
)

// DefaultAPIBaseURL is used when neither API_BASE_URL nor NEXT_PUBLIC_API_BASE_URL is set.
const DefaultAPIBaseURL = "http://localhost:8010"

type Config struct {
	// Backend Configuration
	APIBaseURL       string        `mapstructure:"api_base_url"`
	LegacyAPIBaseURL string        `mapstructure:"next_public_api_base_url"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	DefaultPageSize  int           `mapstructure:"default_page_size"`
	SearchDebounce   time.Duration `mapstructure:"search_debounce"`
	BulkConcurrency  int           `mapstructure:"bulk_concurrency"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	RedisURL         string        `mapstructure:"redis_url"`
	RedisPrefix      string        `mapstructure:"redis_prefix"`
	MetricsAddr      string        `mapstructure:"metrics_addr"`

	// Socket Configuration
	SocketPath              string        `mapstructure:"socket_path"`
	SocketNamespace         string        `mapstructure:"socket_namespace"`
	SocketReconnectAttempts int           `mapstructure:"socket_reconnect_attempts"`
	SocketReconnectDelay    time.Duration `mapstructure:"socket_reconnect_delay"`

	// Google Sheets Configuration
	GoogleSheetURL       string `mapstructure:"google_sheet_url"`
	GoogleSheetWorksheet string `mapstructure:"google_sheet_worksheet"`

	// Logging Configuration
	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogTimeFormat string `mapstructure:"log_time_format"`
	LogOutput     string `mapstructure:"log_output"`
}

// Load reads configuration from the environment and, when present, from an
// invoicedesk.yaml file in the working directory or ~/.config/invoicedesk.
// INVOICEDESK_CONFIG points at an explicit file instead.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := os.Getenv("INVOICEDESK_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("invoicedesk")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/invoicedesk")
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	config.resolveBaseURL()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Default returns the built-in settings, ignoring the environment. It is used
// when Load fails so commands still have something to work with.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	config := &Config{}
	_ = v.Unmarshal(config)
	config.resolveBaseURL()
	return config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api_base_url", "")
	v.SetDefault("next_public_api_base_url", "")
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("default_page_size", 10)
	v.SetDefault("search_debounce", 500*time.Millisecond)
	v.SetDefault("bulk_concurrency", 0)
	v.SetDefault("cache_ttl", 15*time.Second)
	v.SetDefault("redis_url", "")
	v.SetDefault("redis_prefix", "invoicedesk:")
	v.SetDefault("metrics_addr", "")

	v.SetDefault("socket_path", "/socket.io/")
	v.SetDefault("socket_namespace", "/invoices")
	v.SetDefault("socket_reconnect_attempts", 5)
	v.SetDefault("socket_reconnect_delay", 3*time.Second)

	v.SetDefault("google_sheet_url", "")
	v.SetDefault("google_sheet_worksheet", "Invoices")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("log_time_format", time.RFC3339)
	v.SetDefault("log_output", "stderr")
}

// resolveBaseURL applies the NEXT_PUBLIC_API_BASE_URL fallback and strips
// trailing slashes.
func (c *Config) resolveBaseURL() {
	base := strings.TrimSpace(c.APIBaseURL)
	if base == "" {
		base = strings.TrimSpace(c.LegacyAPIBaseURL)
	}
	if base == "" {
		base = DefaultAPIBaseURL
	}
	c.APIBaseURL = strings.TrimRight(base, "/")
}

func (c *Config) validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil {
		return fmt.Errorf("API_BASE_URL is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("API_BASE_URL must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("API_BASE_URL must include a host")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	if c.DefaultPageSize < 1 || c.DefaultPageSize > 100 {
		return fmt.Errorf("DEFAULT_PAGE_SIZE must be between 1 and 100")
	}
	if c.SearchDebounce < 0 {
		return fmt.Errorf("SEARCH_DEBOUNCE must not be negative")
	}
	if c.BulkConcurrency < 0 {
		return fmt.Errorf("BULK_CONCURRENCY must not be negative")
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("CACHE_TTL must not be negative")
	}
	if !strings.HasPrefix(c.SocketNamespace, "/") {
		return fmt.Errorf("SOCKET_NAMESPACE must start with '/'")
	}
	if c.SocketReconnectAttempts < 0 {
		return fmt.Errorf("SOCKET_RECONNECT_ATTEMPTS must not be negative")
	}
	if c.SocketReconnectDelay < 0 {
		return fmt.Errorf("SOCKET_RECONNECT_DELAY must not be negative")
	}
	return nil
}

// GetLoggerConfig returns a logger configuration from the main config
func (c *Config) GetLoggerConfig() logger.LogConfig {
	return logger.LogConfig{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		TimeFormat: c.LogTimeFormat,
		Output:     c.LogOutput,
	}
}
